package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/approval"
	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/similarity"
)

type stubComparer struct {
	result similarity.StrategyResult
	err    error
	calls  int
}

func (c *stubComparer) Compare(ctx context.Context, pair similarity.Pair) (similarity.StrategyResult, error) {
	c.calls++
	if c.err != nil {
		return similarity.StrategyResult{}, c.err
	}
	return c.result, nil
}

type stubFetcher struct {
	first     []byte
	second    []byte
	err       error
	firstURL  string
	secondURL string
}

func (f *stubFetcher) FetchPair(ctx context.Context, firstURL, secondURL string) ([]byte, []byte, error) {
	f.firstURL = firstURL
	f.secondURL = secondURL
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.first, f.second, nil
}

type stubComparisonStore struct {
	saved   []*repository.ComparisonRecord
	saveErr error
}

func (s *stubComparisonStore) SaveComparison(ctx context.Context, record *repository.ComparisonRecord) error {
	s.saved = append(s.saved, record)
	return s.saveErr
}

func approvedResult(id similarity.ID, score float64) similarity.StrategyResult {
	return similarity.StrategyResult{Strategy: id, Similarity: score, Status: approval.Approved}
}

func newComparisonUC(comparers map[similarity.ID]similarity.Comparer, fetcher *stubFetcher, store *stubComparisonStore, cache *stubCache) *ComparisonUseCase {
	aggregator := similarity.NewAggregator(comparers, zap.NewNop())
	return NewComparisonUseCase(aggregator, fetcher, store, cache, metrics.New("test"), zap.NewNop())
}

func TestCompareByURLRunsRequestedStrategiesAndPersists(t *testing.T) {
	embeddings := &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.995)}
	model := &stubComparer{result: similarity.StrategyResult{
		Strategy:   similarity.StrategyModel,
		Similarity: 0.985,
		Status:     approval.Approved,
		Model:      &similarity.ModelDetail{SamePerson: true, Explanation: "matching features"},
	}}
	fetcher := &stubFetcher{first: []byte("left-image"), second: []byte("right-image")}
	store := &stubComparisonStore{}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: embeddings,
		similarity.StrategyModel:      model,
	}, fetcher, store, cache)

	requested := []similarity.ID{similarity.StrategyEmbeddings, similarity.StrategyModel}
	decision, err := uc.CompareByURL(context.Background(), "https://img.example/a.png", "https://img.example/b.png", requested)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if fetcher.firstURL != "https://img.example/a.png" || fetcher.secondURL != "https://img.example/b.png" {
		t.Fatalf("fetcher saw wrong urls: %s, %s", fetcher.firstURL, fetcher.secondURL)
	}
	if math.Abs(decision.OverallSimilarity-0.99) > 1e-9 {
		t.Fatalf("expected overall similarity 0.99, got %v", decision.OverallSimilarity)
	}
	if decision.OverallStatus != approval.Approved {
		t.Fatalf("expected approved decision, got %s", decision.OverallStatus)
	}
	if embeddings.calls != 1 || model.calls != 1 {
		t.Fatalf("expected each strategy to run once, got %d and %d", embeddings.calls, model.calls)
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(store.saved))
	}
	record := store.saved[0]
	if record.Strategies != "embeddings,model" {
		t.Fatalf("unexpected strategies column: %s", record.Strategies)
	}
	if record.OverallStatus != string(approval.Approved) {
		t.Fatalf("unexpected status column: %s", record.OverallStatus)
	}

	pair := similarity.Pair{
		FirstImage:  []byte("left-image"),
		SecondImage: []byte("right-image"),
		FirstURL:    "https://img.example/a.png",
		SecondURL:   "https://img.example/b.png",
	}
	if record.PairDigest != pairDigest(pair, requested) {
		t.Fatalf("unexpected pair digest: %s", record.PairDigest)
	}

	if len(cache.setKeys) != 1 || cache.setKeys[0] != comparisonKey(record.PairDigest) {
		t.Fatalf("expected decision memo write, got keys %v", cache.setKeys)
	}
}

func TestCompareByURLDefaultsToAllStrategies(t *testing.T) {
	face := &stubComparer{result: similarity.StrategyResult{
		Strategy:   similarity.StrategyFaceVerification,
		Similarity: 0.993,
		Status:     approval.Approved,
		Face:       &similarity.FaceDetail{IsIdentical: true, Confidence: 0.993},
	}}
	fetcher := &stubFetcher{first: []byte("left"), second: []byte("right")}
	store := &stubComparisonStore{}
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings:       &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)},
		similarity.StrategyModel:            &stubComparer{result: approvedResult(similarity.StrategyModel, 0.99)},
		similarity.StrategyFaceVerification: face,
	}, fetcher, store, &stubCache{getErrs: []error{redis.Nil}})

	decision, err := uc.CompareByURL(context.Background(), "https://img.example/a.png", "https://img.example/b.png", nil)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(decision.Executed) != 3 {
		t.Fatalf("expected all strategies to run, got %v", decision.Executed)
	}
	if face.calls != 1 {
		t.Fatalf("expected face verification to run, got %d calls", face.calls)
	}
	if store.saved[0].Strategies != "embeddings,model,face_verification" {
		t.Fatalf("unexpected strategies column: %s", store.saved[0].Strategies)
	}
}

func TestCompareBase64DefaultsToByteStrategies(t *testing.T) {
	store := &stubComparisonStore{}
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)},
		similarity.StrategyModel:      &stubComparer{result: approvedResult(similarity.StrategyModel, 0.99)},
	}, &stubFetcher{}, store, &stubCache{getErrs: []error{redis.Nil}})

	first := base64.StdEncoding.EncodeToString([]byte("left"))
	second := base64.StdEncoding.EncodeToString([]byte("right"))
	decision, err := uc.CompareBase64(context.Background(), first, second, nil)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(decision.Executed) != 2 {
		t.Fatalf("expected the byte strategies only, got %v", decision.Executed)
	}
	for _, id := range decision.Executed {
		if id == similarity.StrategyFaceVerification {
			t.Fatal("face verification must not run by default without urls")
		}
	}
}

func TestCompareBase64RejectsInvalidPayload(t *testing.T) {
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)},
	}, &stubFetcher{}, &stubComparisonStore{}, &stubCache{})

	_, err := uc.CompareBase64(context.Background(), "!!!", base64.StdEncoding.EncodeToString([]byte("right")), nil)
	var validationErr *faults.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for first image, got %v", err)
	}

	_, err = uc.CompareBase64(context.Background(), base64.StdEncoding.EncodeToString([]byte("left")), "!!!", nil)
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for second image, got %v", err)
	}
}

func TestCompareRejectsEmptyExplicitSelection(t *testing.T) {
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)},
	}, &stubFetcher{first: []byte("left"), second: []byte("right")}, &stubComparisonStore{}, &stubCache{})

	_, err := uc.CompareByURL(context.Background(), "https://a", "https://b", []similarity.ID{})
	var validationErr *faults.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCompareRejectsUnknownStrategy(t *testing.T) {
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)},
	}, &stubFetcher{first: []byte("left"), second: []byte("right")}, &stubComparisonStore{}, &stubCache{})

	_, err := uc.CompareByURL(context.Background(), "https://a", "https://b", []similarity.ID{"sorcery"})
	var validationErr *faults.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCompareMemoServesCachedDecision(t *testing.T) {
	memo := similarity.Decision{
		OverallSimilarity: 0.97,
		OverallStatus:     approval.NotApproved,
		Executed:          []similarity.ID{similarity.StrategyEmbeddings},
		Results:           []similarity.StrategyResult{approvedResult(similarity.StrategyEmbeddings, 0.97)},
	}
	serialized, err := json.Marshal(memo)
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}

	embeddings := &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)}
	store := &stubComparisonStore{}
	cache := &stubCache{getValues: []string{string(serialized)}, getErrs: []error{nil}}
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: embeddings,
	}, &stubFetcher{first: []byte("left"), second: []byte("right")}, store, cache)

	decision, err := uc.CompareByURL(context.Background(), "https://a", "https://b", []similarity.ID{similarity.StrategyEmbeddings})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if decision.OverallSimilarity != 0.97 || decision.OverallStatus != approval.NotApproved {
		t.Fatalf("expected the memoized decision, got %+v", decision)
	}
	if embeddings.calls != 0 {
		t.Fatalf("expected no strategy execution, got %d calls", embeddings.calls)
	}
	if len(store.saved) != 0 {
		t.Fatalf("expected no persistence for memo hits, got %d records", len(store.saved))
	}
}

func TestComparePersistFailureAborts(t *testing.T) {
	saveErr := errors.New("database unavailable")
	store := &stubComparisonStore{saveErr: saveErr}
	cache := &stubCache{getErrs: []error{redis.Nil}}
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)},
	}, &stubFetcher{first: []byte("left"), second: []byte("right")}, store, cache)

	_, err := uc.CompareByURL(context.Background(), "https://a", "https://b", []similarity.ID{similarity.StrategyEmbeddings})
	if !errors.Is(err, saveErr) {
		t.Fatalf("expected persistence error to propagate, got %v", err)
	}
	if len(cache.setKeys) != 0 {
		t.Fatalf("expected no memo write after a failed save, got %v", cache.setKeys)
	}
}

func TestCompareByURLPropagatesFetchFailure(t *testing.T) {
	fetchErr := faults.NewRemote("image", "Unable to fetch image resources", nil)
	embeddings := &stubComparer{result: approvedResult(similarity.StrategyEmbeddings, 0.99)}
	uc := newComparisonUC(map[similarity.ID]similarity.Comparer{
		similarity.StrategyEmbeddings: embeddings,
	}, &stubFetcher{err: fetchErr}, &stubComparisonStore{}, &stubCache{})

	_, err := uc.CompareByURL(context.Background(), "https://a", "https://b", nil)
	var remoteErr *faults.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if embeddings.calls != 0 {
		t.Fatalf("expected no strategy execution, got %d calls", embeddings.calls)
	}
}

func TestPairDigestIsSensitiveToInputsAndSelection(t *testing.T) {
	pair := similarity.Pair{FirstImage: []byte("left"), SecondImage: []byte("right")}

	base := pairDigest(pair, []similarity.ID{similarity.StrategyEmbeddings})
	if base != pairDigest(pair, []similarity.ID{similarity.StrategyEmbeddings}) {
		t.Fatal("digest must be deterministic")
	}
	if base == pairDigest(pair, []similarity.ID{similarity.StrategyEmbeddings, similarity.StrategyModel}) {
		t.Fatal("digest must depend on the strategy selection")
	}

	swapped := similarity.Pair{FirstImage: []byte("right"), SecondImage: []byte("left")}
	if base == pairDigest(swapped, []similarity.ID{similarity.StrategyEmbeddings}) {
		t.Fatal("digest must depend on image order")
	}
}
