// Package usecase orchestrates the liveness and comparison flows: session
// evaluation, persistence, caching, and instrumentation.
package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/liveness"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/repository"
)

// processingMarker is cached under the validation key while a batch runs.
const processingMarker = "processing"

// ValidationStore defines the persistence operations the liveness flow needs.
type ValidationStore interface {
	SaveValidation(ctx context.Context, record *repository.ValidationRecord) error
	FindValidationByRequestID(ctx context.Context, requestID string) (*repository.ValidationRecord, error)
	FindValidationsByDigest(ctx context.Context, digest, excludeRequestID string) ([]*repository.ValidationRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// BatchReport is the aggregated outcome of validating a batch of samples.
type BatchReport struct {
	RequestID  string
	UserID     string
	IsLive     bool
	Confidence float64
	Reason     string
	Attempts   int
	Samples    []liveness.Result
}

// DuplicateReport pairs a validation with other records that carry the same
// samples digest, surfacing replayed capture material.
type DuplicateReport struct {
	Request    *repository.ValidationRecord
	Duplicates []*repository.ValidationRecord
}

type cachedValidation struct {
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	IsLive        bool      `json:"is_live"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	Attempts      int       `json:"attempts"`
	SamplesDigest string    `json:"samples_digest"`
	CreatedAt     time.Time `json:"created_at"`
}

// LivenessUseCase runs frames and batches through the shared session and
// records the outcomes.
type LivenessUseCase struct {
	session      *liveness.Session
	detectorName string
	store        ValidationStore
	redis        redisRetrier
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

// NewLivenessUseCase constructs the liveness flow around the one shared
// session. The detector name only labels metrics.
func NewLivenessUseCase(session *liveness.Session, detectorName string, store ValidationStore, cache Cache, m *metrics.Metrics, logger *zap.Logger) *LivenessUseCase {
	logger = logger.Named("liveness_usecase")
	return &LivenessUseCase{
		session:      session,
		detectorName: detectorName,
		store:        store,
		redis:        newRedisRetrier(cache, logger),
		metrics:      m,
		logger:       logger,
	}
}

// EvaluateStream evaluates a single frame through the shared session. It is
// the per-frame path behind the liveness WebSocket.
func (uc *LivenessUseCase) EvaluateStream(ctx context.Context, frame []byte) (liveness.Result, error) {
	start := time.Now()
	result, err := uc.session.Evaluate(ctx, frame)
	if err != nil {
		var timeoutErr *faults.TimeoutError
		if errors.As(err, &timeoutErr) {
			uc.metrics.RecordGestureTimeout()
		}
		return liveness.Result{}, err
	}

	uc.metrics.RecordEvaluation(uc.detectorName, result.IsLive, time.Since(start))
	return result, nil
}

// ValidateBatch decodes and evaluates every sample in order, folds the
// verdicts into a majority decision, persists it, and caches the outcome.
func (uc *LivenessUseCase) ValidateBatch(ctx context.Context, userID string, samples []string) (*BatchReport, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.validate_batch", requestID)

	cacheKey := validationKey(requestID)
	if err := uc.redis.set(ctx, "cache.set.processing", requestID, cacheKey, processingMarker, processingTTL); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return nil, err
	}

	digest := sha1.New()
	results := make([]liveness.Result, 0, len(samples))
	for i, encoded := range samples {
		frame, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, faults.NewValidation(fmt.Sprintf("Sample %d is not valid base64", i+1), err)
		}
		digest.Write(frame)

		result, err := uc.EvaluateStream(ctx, frame)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.evaluate_sample", requestID, err)
			opLogger.Error("sample evaluation failed", zap.Error(wrapped), zap.Int("sample", i+1))
			return nil, wrapped
		}
		results = append(results, result)
	}

	report := foldBatch(requestID, userID, results)
	record := &repository.ValidationRecord{
		RequestID:     requestID,
		UserID:        userID,
		IsLive:        report.IsLive,
		Confidence:    report.Confidence,
		Reason:        report.Reason,
		Attempts:      report.Attempts,
		SamplesDigest: hex.EncodeToString(digest.Sum(nil)),
		CreatedAt:     time.Now().UTC(),
	}
	if err := uc.store.SaveValidation(ctx, record); err != nil {
		opLogger.Error("failed to persist validation", zap.Error(err))
		return nil, err
	}

	serialized, err := json.Marshal(cachedValidation{
		RequestID:     record.RequestID,
		UserID:        record.UserID,
		IsLive:        record.IsLive,
		Confidence:    record.Confidence,
		Reason:        record.Reason,
		Attempts:      record.Attempts,
		SamplesDigest: record.SamplesDigest,
		CreatedAt:     record.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize validation", zap.Error(err))
		return nil, err
	}
	if err := uc.redis.set(ctx, "cache.set.validation", requestID, cacheKey, string(serialized), resultTTL); err != nil {
		opLogger.Error("failed to cache validation", zap.Error(err))
		return nil, err
	}

	opLogger.Info("batch validated",
		zap.String("user_id", userID),
		zap.Bool("is_live", report.IsLive),
		zap.Float64("confidence", report.Confidence),
		zap.Int("attempts", report.Attempts),
	)
	return report, nil
}

// GetValidation retrieves a validation outcome, preferring the cache and
// falling back to persistence.
func (uc *LivenessUseCase) GetValidation(ctx context.Context, requestID string) (*repository.ValidationRecord, error) {
	cacheKey := validationKey(requestID)
	if cached, err := uc.redis.get(ctx, "cache.get.validation", requestID, cacheKey); err == nil {
		if cached != processingMarker {
			var payload cachedValidation
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_validation", requestID).Warn("failed to decode cached validation", zap.Error(err))
			} else if payload.RequestID != "" {
				return &repository.ValidationRecord{
					RequestID:     payload.RequestID,
					UserID:        payload.UserID,
					IsLive:        payload.IsLive,
					Confidence:    payload.Confidence,
					Reason:        payload.Reason,
					Attempts:      payload.Attempts,
					SamplesDigest: payload.SamplesDigest,
					CreatedAt:     payload.CreatedAt,
				}, nil
			}
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_validation", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.store.FindValidationByRequestID(ctx, requestID)
}

// GetDuplicateReport lists other validations that submitted the exact same
// samples.
func (uc *LivenessUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	record, err := uc.store.FindValidationByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.store.FindValidationsByDigest(ctx, record.SamplesDigest, record.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    record,
		Duplicates: duplicates,
	}, nil
}

// ResetSession clears the shared session state between capture sessions.
func (uc *LivenessUseCase) ResetSession() {
	uc.session.Reset()
}

// CloseSession releases the detector's external resources on shutdown.
func (uc *LivenessUseCase) CloseSession() error {
	return uc.session.Close()
}

// StreamSessionStarted marks a WebSocket session as active.
func (uc *LivenessUseCase) StreamSessionStarted() {
	uc.metrics.StreamSessionStarted()
}

// StreamSessionEnded marks a WebSocket session as closed and resets the
// shared session so the next capture starts clean.
func (uc *LivenessUseCase) StreamSessionEnded() {
	uc.metrics.StreamSessionEnded()
	uc.session.Reset()
}

// foldBatch applies the majority rule: at least half of the samples must be
// live, so ties favor liveness. Confidence is the mean rounded to three
// decimals.
func foldBatch(requestID, userID string, results []liveness.Result) *BatchReport {
	report := &BatchReport{
		RequestID: requestID,
		UserID:    userID,
		Attempts:  len(results),
		Samples:   results,
	}
	if len(results) == 0 {
		report.Reason = "No samples provided"
		return report
	}

	liveCount := 0
	var sum float64
	for _, result := range results {
		if result.IsLive {
			liveCount++
		}
		sum += result.Confidence
	}

	report.IsLive = 2*liveCount >= len(results)
	report.Confidence = math.Round(sum/float64(len(results))*1000) / 1000
	if report.IsLive {
		report.Reason = "Majority indicates liveness"
	} else {
		report.Reason = "Majority indicates spoof"
	}
	return report
}
