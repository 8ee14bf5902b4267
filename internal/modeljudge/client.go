// Package modeljudge compares an image pair by asking a deployed generative
// model to judge whether both faces belong to the same person. The model
// answers in strict JSON; a same_person veto zeroes the similarity the
// approval machine observes.
package modeljudge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/approval"
	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/similarity"
)

const (
	defaultAPIVersion     = "2024-12-01-preview"
	defaultMaxTokens      = 2048
	defaultRequestTimeout = 60 * time.Second
	maxResponseBytes      = 4 << 20

	systemPrompt = "You are an identity verification assistant. Compare the two provided facial images and " +
		"respond with strict JSON containing keys similarity (float 0-1), same_person (boolean), " +
		"and explanation (string describing visual evidence)."

	userInstructions = "Evaluate how similar the two faces are and decide if they belong to the same person. " +
		"Explain distinct facial traits, lighting, pose, and any discrepancies."
)

// Config carries the deployment settings for the model judge.
type Config struct {
	Endpoint       string
	Deployment     string
	APIKey         string
	APIVersion     string
	Threshold      float64
	MaxTokens      int
	RequestTimeout time.Duration
}

// Comparer implements the model strategy against a chat-completions style
// deployment endpoint.
type Comparer struct {
	endpoint   string
	deployment string
	apiKey     string
	apiVersion string
	maxTokens  int
	client     *http.Client
	machine    *approval.Machine
	logger     *zap.Logger
}

var _ similarity.Comparer = (*Comparer)(nil)

// New builds the model comparer. Endpoint, deployment, and API key are
// required.
func New(cfg Config, logger *zap.Logger) (*Comparer, error) {
	if cfg.Endpoint == "" || cfg.Deployment == "" || cfg.APIKey == "" {
		return nil, faults.NewUnavailable("model")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = approval.DefaultThreshold
	}
	machine, err := approval.NewMachine(cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Comparer{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		deployment: cfg.Deployment,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		maxTokens:  cfg.MaxTokens,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		machine:    machine,
		logger:     logger,
	}, nil
}

// Status exposes the approval state left behind by the last comparison.
func (c *Comparer) Status() approval.Status {
	return c.machine.Status()
}

// Compare implements similarity.Comparer. The machine observes the judged
// similarity only when the model affirms the same person; otherwise it
// observes zero, so a same_person veto always denies approval.
func (c *Comparer) Compare(ctx context.Context, pair similarity.Pair) (similarity.StrategyResult, error) {
	if len(pair.FirstImage) == 0 || len(pair.SecondImage) == 0 {
		return similarity.StrategyResult{}, faults.NewValidation("Image payloads must not be empty", nil)
	}

	content, err := c.requestJudgment(ctx, pair.FirstImage, pair.SecondImage)
	if err != nil {
		return similarity.StrategyResult{}, err
	}

	verdict, err := parseVerdict(content)
	if err != nil {
		return similarity.StrategyResult{}, err
	}

	score := approval.Clamp(verdict.Similarity)
	observed := 0.0
	if verdict.SamePerson {
		observed = score
	}
	status := c.machine.Observe(observed)

	c.logger.Debug("model judged pair",
		zap.Float64("similarity", score),
		zap.Bool("same_person", verdict.SamePerson),
		zap.String("status", string(status)),
	)

	return similarity.StrategyResult{
		Strategy:   similarity.StrategyModel,
		Similarity: score,
		Status:     status,
		Model: &similarity.ModelDetail{
			SamePerson:  verdict.SamePerson,
			Explanation: verdict.Explanation,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	MaxCompletionTokens int            `json:"max_completion_tokens"`
	ResponseFormat      responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Comparer) requestJudgment(ctx context.Context, firstImage, secondImage []byte) (string, error) {
	payload := chatRequest{
		Model: c.deployment,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "input_text", Text: userInstructions},
				{Type: "input_image", ImageBase64: base64.StdEncoding.EncodeToString(firstImage)},
				{Type: "input_image", ImageBase64: base64.StdEncoding.EncodeToString(secondImage)},
			}},
		},
		MaxCompletionTokens: c.maxTokens,
		ResponseFormat:      responseFormat{Type: "json_object"},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal judge request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s", c.endpoint, c.deployment, c.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create judge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", faults.NewRemote("model", "Azure OpenAI endpoint is unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", faults.NewRemote("model", "read judge response", err)
	}

	if resp.StatusCode >= 400 {
		detail := strings.TrimSpace(string(respBody))
		if detail == "" {
			detail = "no details"
		}
		return "", faults.NewRemote("model", fmt.Sprintf("Azure OpenAI request failed with status %d: %s", resp.StatusCode, detail), nil)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", faults.NewValidation("Azure OpenAI returned invalid JSON", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", faults.NewValidation("Azure OpenAI response did not include content", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

type verdict struct {
	Similarity  float64
	SamePerson  bool
	Explanation string
}

// parseVerdict decodes the strict JSON the model was instructed to emit. All
// three keys must be present; explanation may be null.
func parseVerdict(content string) (verdict, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return verdict{}, faults.NewValidation("Azure OpenAI returned invalid JSON", err)
	}

	for _, key := range []string{"similarity", "same_person", "explanation"} {
		if _, ok := fields[key]; !ok {
			return verdict{}, faults.NewValidation("Azure OpenAI response is missing required fields", nil)
		}
	}

	var v verdict
	if err := json.Unmarshal(fields["similarity"], &v.Similarity); err != nil {
		return verdict{}, faults.NewValidation("Azure OpenAI returned a non-numeric similarity", err)
	}
	if err := json.Unmarshal(fields["same_person"], &v.SamePerson); err != nil {
		return verdict{}, faults.NewValidation("Azure OpenAI returned a non-boolean same_person", err)
	}
	if string(fields["explanation"]) != "null" {
		if err := json.Unmarshal(fields["explanation"], &v.Explanation); err != nil {
			return verdict{}, faults.NewValidation("Azure OpenAI returned a malformed explanation", err)
		}
	}
	return v, nil
}
