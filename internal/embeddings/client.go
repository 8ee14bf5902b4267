// Package embeddings compares an image pair by cosine similarity of the
// vectors a remote embedding endpoint produces for each image.
package embeddings

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/approval"
	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/similarity"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBytes      = 4 << 20
)

// Config carries the endpoint settings for the embedding provider.
type Config struct {
	EndpointURL    string
	APIKey         string
	Threshold      float64
	RequestTimeout time.Duration
}

// Comparer implements the embeddings strategy. It owns one approval machine;
// the similarity observed for the latest pair decides the exposed status.
type Comparer struct {
	endpointURL string
	apiKey      string
	client      *http.Client
	machine     *approval.Machine
	logger      *zap.Logger
}

var _ similarity.Comparer = (*Comparer)(nil)

// New builds the embeddings comparer. Endpoint URL and API key are required;
// a zero threshold falls back to the shared default.
func New(cfg Config, logger *zap.Logger) (*Comparer, error) {
	if cfg.EndpointURL == "" || cfg.APIKey == "" {
		return nil, faults.NewUnavailable("embedding")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = approval.DefaultThreshold
	}
	machine, err := approval.NewMachine(cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Comparer{
		endpointURL: cfg.EndpointURL,
		apiKey:      cfg.APIKey,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		machine:     machine,
		logger:      logger,
	}, nil
}

// Status exposes the approval state left behind by the last comparison.
func (c *Comparer) Status() approval.Status {
	return c.machine.Status()
}

// Compare implements similarity.Comparer.
func (c *Comparer) Compare(ctx context.Context, pair similarity.Pair) (similarity.StrategyResult, error) {
	if len(pair.FirstImage) == 0 || len(pair.SecondImage) == 0 {
		return similarity.StrategyResult{}, faults.NewValidation("Image payloads must not be empty", nil)
	}

	first, err := c.generateEmbedding(ctx, pair.FirstImage)
	if err != nil {
		return similarity.StrategyResult{}, err
	}
	second, err := c.generateEmbedding(ctx, pair.SecondImage)
	if err != nil {
		return similarity.StrategyResult{}, err
	}

	score, err := cosineSimilarity(first, second)
	if err != nil {
		return similarity.StrategyResult{}, err
	}
	score = approval.Clamp(score)
	status := c.machine.Observe(score)

	c.logger.Debug("embedding pair compared",
		zap.Float64("similarity", score),
		zap.String("status", string(status)),
	)

	return similarity.StrategyResult{
		Strategy:   similarity.StrategyEmbeddings,
		Similarity: score,
		Status:     status,
	}, nil
}

type embeddingRequest struct {
	Image string `json:"image"`
}

func (c *Comparer) generateEmbedding(ctx context.Context, payload []byte) ([]float64, error) {
	body, err := json.Marshal(embeddingRequest{Image: base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, faults.NewRemote("embedding", "Embedding endpoint is unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, faults.NewRemote("embedding", "read embedding response", err)
	}

	if resp.StatusCode >= 400 {
		detail := strings.TrimSpace(string(respBody))
		if detail == "" {
			detail = "no details"
		}
		return nil, faults.NewRemote("embedding", fmt.Sprintf("Embedding endpoint failed with status %d: %s", resp.StatusCode, detail), nil)
	}

	var envelope struct {
		Embedding json.RawMessage `json:"embedding"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, faults.NewValidation("Embedding endpoint returned invalid JSON", err)
	}
	if len(envelope.Embedding) == 0 || string(envelope.Embedding) == "null" {
		return nil, faults.NewValidation("Embedding endpoint returned an empty embedding", nil)
	}

	var vector []float64
	if err := json.Unmarshal(envelope.Embedding, &vector); err != nil {
		return nil, faults.NewValidation("Embedding endpoint returned non-numeric values", err)
	}
	if len(vector) == 0 {
		return nil, faults.NewValidation("Embedding endpoint returned an empty embedding", nil)
	}
	return vector, nil
}

// cosineSimilarity is the normalized dot product of two vectors. A vector of
// zero magnitude yields similarity 0 rather than a division error.
func cosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, faults.NewValidation("Embedding endpoint returned vectors of mismatched dimensions", nil)
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
