package modeljudge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/approval"
	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/similarity"
)

// newJudgeServer answers every chat completion with the given message
// content and records the most recent request body.
func newJudgeServer(t *testing.T, content string) (*httptest.Server, *[]byte) {
	t.Helper()

	lastBody := new([]byte)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "judge-key", r.Header.Get("api-key"))
		assert.Contains(t, r.URL.Path, "/openai/deployments/face-judge/chat/completions")
		assert.Equal(t, "2024-12-01-preview", r.URL.Query().Get("api-version"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		*lastBody = body

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	return server, lastBody
}

func newComparer(t *testing.T, endpoint string) *Comparer {
	t.Helper()

	comparer, err := New(Config{
		Endpoint:   endpoint,
		Deployment: "face-judge",
		APIKey:     "judge-key",
	}, zap.NewNop())
	require.NoError(t, err)
	return comparer
}

func bytePair() similarity.Pair {
	return similarity.Pair{FirstImage: []byte("first"), SecondImage: []byte("second")}
}

func TestCompareSamePersonApproves(t *testing.T) {
	server, lastBody := newJudgeServer(t, `{"similarity": 0.995, "same_person": true, "explanation": "matching jawline"}`)
	defer server.Close()

	comparer := newComparer(t, server.URL)

	result, err := comparer.Compare(context.Background(), bytePair())
	require.NoError(t, err)

	assert.Equal(t, similarity.StrategyModel, result.Strategy)
	assert.InDelta(t, 0.995, result.Similarity, 1e-9)
	assert.Equal(t, approval.Approved, result.Status)
	require.NotNil(t, result.Model)
	assert.True(t, result.Model.SamePerson)
	assert.Equal(t, "matching jawline", result.Model.Explanation)

	var sent struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
	}
	require.NoError(t, json.Unmarshal(*lastBody, &sent))
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Equal(t, "json_object", sent.ResponseFormat.Type)

	var parts []contentPart
	require.NoError(t, json.Unmarshal(sent.Messages[1].Content, &parts))
	require.Len(t, parts, 3)
	assert.Equal(t, "input_text", parts[0].Type)
	assert.Equal(t, "input_image", parts[1].Type)
	assert.Equal(t, "input_image", parts[2].Type)
}

func TestCompareSamePersonVetoObservesZero(t *testing.T) {
	server, _ := newJudgeServer(t, `{"similarity": 1.0, "same_person": false, "explanation": "different ears"}`)
	defer server.Close()

	comparer := newComparer(t, server.URL)

	result, err := comparer.Compare(context.Background(), bytePair())
	require.NoError(t, err)

	// The reported similarity stays high, but the machine observed zero.
	assert.Equal(t, 1.0, result.Similarity)
	assert.Equal(t, approval.NotApproved, result.Status)
}

func TestCompareClampsOutOfRangeSimilarity(t *testing.T) {
	server, _ := newJudgeServer(t, `{"similarity": 1.7, "same_person": true, "explanation": ""}`)
	defer server.Close()

	comparer := newComparer(t, server.URL)

	result, err := comparer.Compare(context.Background(), bytePair())
	require.NoError(t, err)

	assert.Equal(t, 1.0, result.Similarity)
	assert.Equal(t, approval.Approved, result.Status)
}

func TestCompareMalformedVerdicts(t *testing.T) {
	for name, content := range map[string]string{
		"invalid json":   "similar, probably",
		"missing fields": `{"similarity": 0.9, "same_person": true}`,
		"empty content":  "",
	} {
		t.Run(name, func(t *testing.T) {
			server, _ := newJudgeServer(t, content)
			defer server.Close()

			comparer := newComparer(t, server.URL)
			_, err := comparer.Compare(context.Background(), bytePair())

			var validationErr *faults.ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestCompareNullExplanationBecomesEmpty(t *testing.T) {
	server, _ := newJudgeServer(t, `{"similarity": 0.999, "same_person": true, "explanation": null}`)
	defer server.Close()

	comparer := newComparer(t, server.URL)

	result, err := comparer.Compare(context.Background(), bytePair())
	require.NoError(t, err)
	require.NotNil(t, result.Model)
	assert.Empty(t, result.Model.Explanation)
}

func TestCompareMapsEndpointFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "deployment overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	comparer := newComparer(t, server.URL)
	_, err := comparer.Compare(context.Background(), bytePair())

	var remoteErr *faults.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Error(), "status 503")
}

func TestCompareRejectsEmptyPayloads(t *testing.T) {
	comparer := newComparer(t, "http://127.0.0.1:0")

	var validationErr *faults.ValidationError
	_, err := comparer.Compare(context.Background(), similarity.Pair{SecondImage: []byte("second")})
	require.ErrorAs(t, err, &validationErr)
}

func TestNewRequiresDeploymentSettings(t *testing.T) {
	var unavailableErr *faults.UnavailableError

	_, err := New(Config{Deployment: "face-judge", APIKey: "judge-key"}, nil)
	require.ErrorAs(t, err, &unavailableErr)

	_, err = New(Config{Endpoint: "http://judge.example", APIKey: "judge-key"}, nil)
	require.ErrorAs(t, err, &unavailableErr)

	_, err = New(Config{Endpoint: "http://judge.example", Deployment: "face-judge"}, nil)
	require.ErrorAs(t, err, &unavailableErr)
}
