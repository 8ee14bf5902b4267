// Package similarity turns independent comparison strategies into a single
// pass/fail decision. Each strategy owns its provider and approval machine;
// the aggregator only orchestrates and folds.
package similarity

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/approval"
	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/logging"
)

// ID names one comparison strategy.
type ID string

const (
	// StrategyEmbeddings compares embedding vectors by cosine similarity.
	StrategyEmbeddings ID = "embeddings"
	// StrategyModel asks a generative model to judge the pair.
	StrategyModel ID = "model"
	// StrategyFaceVerification verifies the pair through a face API; it
	// works on image URLs, not raw bytes.
	StrategyFaceVerification ID = "face_verification"
)

// Valid reports whether the identifier names a known strategy.
func (id ID) Valid() bool {
	switch id {
	case StrategyEmbeddings, StrategyModel, StrategyFaceVerification:
		return true
	}
	return false
}

// DefaultStrategies returns every strategy in canonical order. Requests that
// omit an explicit selection run all of them.
func DefaultStrategies() []ID {
	return []ID{StrategyEmbeddings, StrategyModel, StrategyFaceVerification}
}

// Pair carries the two images under comparison. Raw bytes serve the
// embeddings and model strategies; face verification needs both URLs.
type Pair struct {
	FirstImage  []byte
	SecondImage []byte
	FirstURL    string
	SecondURL   string
}

// HasURLs reports whether both images are addressable by URL.
func (p Pair) HasURLs() bool {
	return p.FirstURL != "" && p.SecondURL != ""
}

// ModelDetail carries the judge-specific fields of a model verdict.
type ModelDetail struct {
	SamePerson  bool   `json:"same_person"`
	Explanation string `json:"explanation"`
}

// FaceDetail carries the verification-specific fields of a face verdict.
type FaceDetail struct {
	IsIdentical bool    `json:"is_identical"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// StrategyResult is the outcome of one executed strategy. Similarity is
// already clamped into [0,1] by the provider.
type StrategyResult struct {
	Strategy   ID              `json:"strategy"`
	Similarity float64         `json:"similarity"`
	Status     approval.Status `json:"status"`

	Model *ModelDetail `json:"model,omitempty"`
	Face  *FaceDetail  `json:"face,omitempty"`
}

// Decision combines the outcomes of every executed strategy. OverallStatus
// is approved only when every strategy approved; a single veto wins.
type Decision struct {
	OverallSimilarity float64          `json:"similarity"`
	OverallStatus     approval.Status  `json:"status"`
	Executed          []ID             `json:"strategies"`
	Results           []StrategyResult `json:"results"`
}

// Comparer executes one comparison strategy for an image pair.
type Comparer interface {
	Compare(ctx context.Context, pair Pair) (StrategyResult, error)
}

// Normalize removes duplicate strategy identifiers while preserving
// first-seen order. Unknown identifiers and an empty normalized list are
// caller errors.
func Normalize(requested []ID) ([]ID, error) {
	seen := make(map[ID]struct{}, len(requested))
	ordered := make([]ID, 0, len(requested))
	for _, id := range requested {
		if !id.Valid() {
			return nil, faults.NewValidation(fmt.Sprintf("unknown comparison strategy %q", string(id)), nil)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ordered = append(ordered, id)
	}
	if len(ordered) == 0 {
		return nil, faults.NewValidation("at least one comparison strategy is required", nil)
	}
	return ordered, nil
}

// Aggregator fans an image pair out to the requested strategies and folds
// their outcomes into one decision. Strategies run concurrently; they share
// no mutable state because each comparer owns its provider instance.
type Aggregator struct {
	comparers map[ID]Comparer
	logger    *zap.Logger
}

// NewAggregator builds an aggregator over the configured comparers. A
// strategy missing from the map is treated as unconfigured and rejected when
// requested.
func NewAggregator(comparers map[ID]Comparer, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{comparers: comparers, logger: logger}
}

// Compare normalizes the requested strategies, runs them, and folds the
// results. The first failing strategy in request order aborts the decision;
// there is no partial credit on error.
func (a *Aggregator) Compare(ctx context.Context, requested []ID, pair Pair) (Decision, error) {
	executed, err := Normalize(requested)
	if err != nil {
		return Decision{}, err
	}

	// Reject unusable requests before any strategy runs so no provider work
	// is wasted and the error does not depend on scheduling.
	for _, id := range executed {
		if a.comparers[id] == nil {
			return Decision{}, faults.NewUnavailable(string(id))
		}
		if id == StrategyFaceVerification && !pair.HasURLs() {
			return Decision{}, faults.NewValidation("face_verification requires both image URLs", nil)
		}
	}

	results := make([]StrategyResult, len(executed))
	errs := make([]error, len(executed))
	var wg sync.WaitGroup
	for i, id := range executed {
		wg.Add(1)
		go func(i int, id ID) {
			defer wg.Done()
			results[i], errs[i] = a.comparers[id].Compare(ctx, pair)
		}(i, id)
	}
	wg.Wait()

	for i, runErr := range errs {
		if runErr != nil {
			logging.WithStrategy(a.logger, string(executed[i])).Warn("comparison strategy failed", zap.Error(runErr))
			return Decision{}, runErr
		}
	}

	var sum float64
	status := approval.Approved
	for _, result := range results {
		sum += result.Similarity
		if result.Status != approval.Approved {
			status = approval.NotApproved
		}
	}

	return Decision{
		OverallSimilarity: sum / float64(len(results)),
		OverallStatus:     status,
		Executed:          executed,
		Results:           results,
	}, nil
}
