package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/imagefetch"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/similarity"
)

// ComparisonStore defines the persistence operations the comparison flow needs.
type ComparisonStore interface {
	SaveComparison(ctx context.Context, record *repository.ComparisonRecord) error
}

// ComparisonUseCase runs image pairs through the strategy aggregator and
// records the decisions. Identical pairs with identical strategy selections
// are served from the cache memo.
type ComparisonUseCase struct {
	aggregator *similarity.Aggregator
	fetcher    imagefetch.Fetcher
	store      ComparisonStore
	redis      redisRetrier
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewComparisonUseCase constructs the comparison flow.
func NewComparisonUseCase(aggregator *similarity.Aggregator, fetcher imagefetch.Fetcher, store ComparisonStore, cache Cache, m *metrics.Metrics, logger *zap.Logger) *ComparisonUseCase {
	logger = logger.Named("comparison_usecase")
	return &ComparisonUseCase{
		aggregator: aggregator,
		fetcher:    fetcher,
		store:      store,
		redis:      newRedisRetrier(cache, logger),
		metrics:    m,
		logger:     logger,
	}
}

// CompareByURL downloads both images and runs the requested strategies. A nil
// strategy selection runs all of them.
func (uc *ComparisonUseCase) CompareByURL(ctx context.Context, firstURL, secondURL string, requested []similarity.ID) (*similarity.Decision, error) {
	if requested == nil {
		requested = similarity.DefaultStrategies()
	}

	first, second, err := uc.fetcher.FetchPair(ctx, firstURL, secondURL)
	if err != nil {
		return nil, err
	}

	pair := similarity.Pair{
		FirstImage:  first,
		SecondImage: second,
		FirstURL:    firstURL,
		SecondURL:   secondURL,
	}
	return uc.compare(ctx, pair, requested)
}

// CompareBase64 runs the requested strategies over raw base64 payloads. With
// no URLs available, face verification cannot run, so the default selection
// covers the byte-based strategies only.
func (uc *ComparisonUseCase) CompareBase64(ctx context.Context, firstImage, secondImage string, requested []similarity.ID) (*similarity.Decision, error) {
	if requested == nil {
		requested = []similarity.ID{similarity.StrategyEmbeddings, similarity.StrategyModel}
	}

	first, err := base64.StdEncoding.DecodeString(firstImage)
	if err != nil {
		return nil, faults.NewValidation("First image is not valid base64", err)
	}
	second, err := base64.StdEncoding.DecodeString(secondImage)
	if err != nil {
		return nil, faults.NewValidation("Second image is not valid base64", err)
	}

	pair := similarity.Pair{FirstImage: first, SecondImage: second}
	return uc.compare(ctx, pair, requested)
}

func (uc *ComparisonUseCase) compare(ctx context.Context, pair similarity.Pair, requested []similarity.ID) (*similarity.Decision, error) {
	normalized, err := similarity.Normalize(requested)
	if err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.compare", requestID)

	digest := pairDigest(pair, normalized)
	cacheKey := comparisonKey(digest)
	if cached, err := uc.redis.get(ctx, "cache.get.comparison", requestID, cacheKey); err == nil {
		var decision similarity.Decision
		if err := json.Unmarshal([]byte(cached), &decision); err == nil {
			opLogger.Debug("comparison served from cache", zap.String("pair_digest", digest))
			return &decision, nil
		}
		opLogger.Warn("failed to decode cached comparison", zap.Error(err))
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read comparison cache", zap.Error(err))
	}

	decision, err := uc.aggregator.Compare(ctx, normalized, pair)
	if err != nil {
		return nil, err
	}

	for _, result := range decision.Results {
		uc.metrics.RecordStrategy(string(result.Strategy), result.Similarity)
	}
	uc.metrics.RecordDecision(string(decision.OverallStatus))

	record := &repository.ComparisonRecord{
		RequestID:         requestID,
		Strategies:        joinStrategies(decision.Executed),
		OverallSimilarity: decision.OverallSimilarity,
		OverallStatus:     string(decision.OverallStatus),
		PairDigest:        digest,
		CreatedAt:         time.Now().UTC(),
	}
	if err := uc.store.SaveComparison(ctx, record); err != nil {
		opLogger.Error("failed to persist comparison", zap.Error(err))
		return nil, err
	}

	if serialized, err := json.Marshal(decision); err == nil {
		// The memo is an optimization; the decision is already persisted,
		// so a cache write failure only costs a recomputation.
		if err := uc.redis.set(ctx, "cache.set.comparison", requestID, cacheKey, string(serialized), resultTTL); err != nil {
			opLogger.Warn("failed to cache comparison", zap.Error(err))
		}
	}

	opLogger.Info("images compared",
		zap.String("strategies", record.Strategies),
		zap.Float64("similarity", decision.OverallSimilarity),
		zap.String("status", string(decision.OverallStatus)),
	)
	return &decision, nil
}

// pairDigest identifies a comparison by its exact inputs: both payloads and
// the normalized strategy selection.
func pairDigest(pair similarity.Pair, ids []similarity.ID) string {
	h := sha1.New()
	h.Write(pair.FirstImage)
	h.Write([]byte{0})
	h.Write(pair.SecondImage)
	h.Write([]byte{0})
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func joinStrategies(ids []similarity.ID) string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return strings.Join(names, ",")
}
