// Package repository persists liveness validations and comparison decisions.
package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/liveness-check/internal/logging"
)

// ValidationRecord is a persisted batch validation outcome.
type ValidationRecord struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID        string    `gorm:"column:user_id;index;size:64"`
	IsLive        bool      `gorm:"column:is_live"`
	Confidence    float64   `gorm:"column:confidence"`
	Reason        string    `gorm:"column:reason;type:text"`
	Attempts      int       `gorm:"column:attempts"`
	SamplesDigest string    `gorm:"column:samples_digest;index;size:40"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ValidationRecord) TableName() string {
	return "validation_records"
}

// ComparisonRecord is a persisted aggregated similarity decision.
type ComparisonRecord struct {
	ID                uint      `gorm:"primaryKey"`
	RequestID         string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Strategies        string    `gorm:"column:strategies;size:128"`
	OverallSimilarity float64   `gorm:"column:overall_similarity"`
	OverallStatus     string    `gorm:"column:overall_status;size:16"`
	PairDigest        string    `gorm:"column:pair_digest;index;size:40"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ComparisonRecord) TableName() string {
	return "comparison_records"
}

// MetricsAggregation is the raw aggregation backing the metrics summary.
type MetricsAggregation struct {
	TotalCount        int64
	LiveCount         int64
	AverageConfidence float64
	AverageAttempts   float64
}

// DecisionRepository provides persistence APIs for both record kinds.
type DecisionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDecisionRepository creates a new repository instance.
func NewDecisionRepository(db *gorm.DB, logger *zap.Logger) *DecisionRepository {
	return &DecisionRepository{
		db:             db,
		logger:         logger.Named("repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *DecisionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ValidationRecord{}, &ComparisonRecord{})
}

// SaveValidation persists a batch validation outcome.
func (r *DecisionRepository) SaveValidation(ctx context.Context, record *ValidationRecord) error {
	return r.executeWithRetry(ctx, "repository.save_validation", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindValidationByRequestID retrieves a validation by its request id.
func (r *DecisionRepository) FindValidationByRequestID(ctx context.Context, requestID string) (*ValidationRecord, error) {
	var record ValidationRecord
	err := r.executeWithRetry(ctx, "repository.find_validation", requestID, func() error {
		return r.db.WithContext(ctx).First(&record, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindValidationsByDigest retrieves validations sharing a samples digest,
// excluding the request that triggered the lookup. Replays of the exact same
// samples show up here.
func (r *DecisionRepository) FindValidationsByDigest(ctx context.Context, digest, excludeRequestID string) ([]*ValidationRecord, error) {
	var records []*ValidationRecord
	err := r.executeWithRetry(ctx, "repository.find_validations_by_digest", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("samples_digest = ? AND request_id <> ?", digest, excludeRequestID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SaveComparison persists an aggregated comparison decision.
func (r *DecisionRepository) SaveComparison(ctx context.Context, record *ComparisonRecord) error {
	return r.executeWithRetry(ctx, "repository.save_comparison", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// AggregateMetrics computes the validation totals for the metrics summary.
func (r *DecisionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ValidationRecord{}).
			Select(
				"COUNT(*) AS total_count, " +
					"COALESCE(SUM(CASE WHEN is_live THEN 1 ELSE 0 END), 0) AS live_count, " +
					"COALESCE(AVG(confidence), 0) AS average_confidence, " +
					"COALESCE(AVG(attempts), 0) AS average_attempts",
			).
			Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

func (r *DecisionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
