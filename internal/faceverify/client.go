// Package faceverify compares an image pair through a face verification API.
// The flow is multi-step: provision a person group, register the reference
// face, train, detect the candidate face, verify, and always release the
// group again, even when a step failed.
package faceverify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/approval"
	"github.com/example/liveness-check/internal/faults"
	"github.com/example/liveness-check/internal/similarity"
)

const (
	providerName = "face_verification"

	detectionModel   = "detection_03"
	recognitionModel = "recognition_04"
	qualityHigh      = "high"
	qualityLow       = "low"

	defaultPollInterval    = 5 * time.Second
	defaultTrainingTimeout = 60 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	maxResponseBytes       = 1 << 20
)

// Config carries the face API settings.
type Config struct {
	Endpoint        string
	APIKey          string
	Threshold       float64
	PollInterval    time.Duration
	TrainingTimeout time.Duration
	RequestTimeout  time.Duration
}

// Comparer implements the face_verification strategy.
type Comparer struct {
	endpoint        string
	apiKey          string
	client          *http.Client
	machine         *approval.Machine
	pollInterval    time.Duration
	trainingTimeout time.Duration
	logger          *zap.Logger
}

var _ similarity.Comparer = (*Comparer)(nil)

// New builds the face comparer. Endpoint and API key are required.
func New(cfg Config, logger *zap.Logger) (*Comparer, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, faults.NewUnavailable(providerName)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = approval.DefaultThreshold
	}
	machine, err := approval.NewMachine(cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.TrainingTimeout <= 0 {
		cfg.TrainingTimeout = defaultTrainingTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Comparer{
		endpoint:        strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:          cfg.APIKey,
		client:          &http.Client{Timeout: cfg.RequestTimeout},
		machine:         machine,
		pollInterval:    cfg.PollInterval,
		trainingTimeout: cfg.TrainingTimeout,
		logger:          logger,
	}, nil
}

// Status exposes the approval state left behind by the last comparison.
func (c *Comparer) Status() approval.Status {
	return c.machine.Status()
}

// Compare implements similarity.Comparer. It needs both images as URLs; the
// face API fetches them server side.
func (c *Comparer) Compare(ctx context.Context, pair similarity.Pair) (similarity.StrategyResult, error) {
	if pair.FirstURL == "" || pair.SecondURL == "" {
		return similarity.StrategyResult{}, faults.NewValidation("Image URLs must not be empty", nil)
	}

	groupID := strings.ReplaceAll(uuid.NewString(), "-", "")
	defer c.deleteGroup(groupID)

	verdict, err := c.verifyPair(ctx, groupID, pair.FirstURL, pair.SecondURL)
	if err != nil {
		return similarity.StrategyResult{}, err
	}

	confidence := approval.Clamp(verdict.Confidence)
	observed := 0.0
	if verdict.IsIdentical {
		observed = confidence
	}
	status := c.machine.Observe(observed)

	faces := "different"
	if verdict.IsIdentical {
		faces = "identical"
	}
	reason := fmt.Sprintf("Verification returned %s faces with confidence %.4f.", faces, confidence)

	c.logger.Debug("face pair verified",
		zap.Bool("is_identical", verdict.IsIdentical),
		zap.Float64("confidence", confidence),
		zap.String("status", string(status)),
	)

	return similarity.StrategyResult{
		Strategy:   similarity.StrategyFaceVerification,
		Similarity: confidence,
		Status:     status,
		Face: &similarity.FaceDetail{
			IsIdentical: verdict.IsIdentical,
			Confidence:  confidence,
			Reason:      reason,
		},
	}, nil
}

type verifyResult struct {
	IsIdentical bool    `json:"isIdentical"`
	Confidence  float64 `json:"confidence"`
}

func (c *Comparer) verifyPair(ctx context.Context, groupID, referenceURL, candidateURL string) (verifyResult, error) {
	if err := c.createGroup(ctx, groupID); err != nil {
		return verifyResult{}, err
	}
	personID, err := c.createPerson(ctx, groupID)
	if err != nil {
		return verifyResult{}, err
	}
	if err := c.registerReferenceFace(ctx, groupID, personID, referenceURL); err != nil {
		return verifyResult{}, err
	}
	if err := c.trainGroup(ctx, groupID); err != nil {
		return verifyResult{}, err
	}
	candidateFaceID, err := c.detectCandidateFace(ctx, candidateURL)
	if err != nil {
		return verifyResult{}, err
	}
	return c.verifyCandidate(ctx, groupID, personID, candidateFaceID)
}

func (c *Comparer) createGroup(ctx context.Context, groupID string) error {
	payload := map[string]string{"name": groupID, "recognitionModel": recognitionModel}
	status, _, err := c.do(ctx, http.MethodPut, c.groupURL(groupID), payload)
	return remoteStep("Failed to create Face API person group", status, err)
}

func (c *Comparer) createPerson(ctx context.Context, groupID string) (string, error) {
	status, body, err := c.do(ctx, http.MethodPost, c.groupURL(groupID)+"/persons", map[string]string{"name": "reference"})
	if stepErr := remoteStep("Failed to create Face API person", status, err); stepErr != nil {
		return "", stepErr
	}

	var person struct {
		PersonID string `json:"personId"`
	}
	if err := json.Unmarshal(body, &person); err != nil || person.PersonID == "" {
		return "", faults.NewValidation("Face API returned a malformed person payload", err)
	}
	return person.PersonID, nil
}

func (c *Comparer) registerReferenceFace(ctx context.Context, groupID, personID, imageURL string) error {
	faceID, err := c.detectSingleFace(ctx, imageURL, true)
	if err != nil {
		return err
	}
	if faceID == "" {
		return faults.NewValidation("Reference image does not contain a valid face", nil)
	}

	addURL := c.groupURL(groupID) + "/persons/" + personID + "/persistedfaces?detectionModel=" + detectionModel
	status, _, err := c.do(ctx, http.MethodPost, addURL, map[string]string{"url": imageURL})
	return remoteStep("Failed to add reference face to Face API group", status, err)
}

func (c *Comparer) trainGroup(ctx context.Context, groupID string) error {
	status, _, err := c.do(ctx, http.MethodPost, c.groupURL(groupID)+"/train", nil)
	if stepErr := remoteStep("Training Face API person group failed", status, err); stepErr != nil {
		return stepErr
	}

	deadline := time.Now().Add(c.trainingTimeout)
	for {
		status, body, err := c.do(ctx, http.MethodGet, c.groupURL(groupID)+"/training", nil)
		if stepErr := remoteStep("Training Face API person group failed", status, err); stepErr != nil {
			return stepErr
		}

		var training struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &training); err != nil {
			return faults.NewValidation("Face API returned a malformed training status", err)
		}
		switch strings.ToLower(training.Status) {
		case "succeeded":
			return nil
		case "failed":
			return faults.NewRemote(providerName, "Training Face API person group failed", nil)
		}

		if time.Now().After(deadline) {
			return faults.NewRemote(providerName, "Training Face API person group did not complete in time", nil)
		}
		select {
		case <-ctx.Done():
			return faults.NewRemote(providerName, "Training Face API person group failed", ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Comparer) detectCandidateFace(ctx context.Context, candidateURL string) (string, error) {
	faceID, err := c.detectSingleFace(ctx, candidateURL, false)
	if err != nil {
		return "", err
	}
	if faceID == "" {
		return "", faults.NewValidation("Candidate image does not contain a recognizable face", nil)
	}
	return faceID, nil
}

func (c *Comparer) verifyCandidate(ctx context.Context, groupID, personID, faceID string) (verifyResult, error) {
	payload := map[string]string{
		"faceId":             faceID,
		"personId":           personID,
		"largePersonGroupId": groupID,
	}
	status, body, err := c.do(ctx, http.MethodPost, c.endpoint+"/face/v1.0/verify", payload)
	if stepErr := remoteStep("Face verification failed", status, err); stepErr != nil {
		return verifyResult{}, stepErr
	}

	var verdict verifyResult
	if err := json.Unmarshal(body, &verdict); err != nil {
		return verifyResult{}, faults.NewValidation("Face API returned a malformed verification payload", err)
	}
	return verdict, nil
}

type detectedFace struct {
	FaceID         string `json:"faceId"`
	FaceAttributes struct {
		QualityForRecognition string `json:"qualityForRecognition"`
	} `json:"faceAttributes"`
}

// detectSingleFace returns the face id when the image contains exactly one
// face of acceptable quality, or "" when it does not. Reference images demand
// high quality; candidate images merely exclude low quality.
func (c *Comparer) detectSingleFace(ctx context.Context, imageURL string, highQualityOnly bool) (string, error) {
	query := url.Values{}
	query.Set("returnFaceId", "true")
	query.Set("detectionModel", detectionModel)
	query.Set("recognitionModel", recognitionModel)
	query.Set("returnFaceAttributes", "qualityForRecognition")

	detectURL := c.endpoint + "/face/v1.0/detect?" + query.Encode()
	status, body, err := c.do(ctx, http.MethodPost, detectURL, map[string]string{"url": imageURL})
	if stepErr := remoteStep("Face detection failed", status, err); stepErr != nil {
		return "", stepErr
	}

	var detections []detectedFace
	if err := json.Unmarshal(body, &detections); err != nil {
		return "", faults.NewValidation("Face API returned a malformed detection payload", err)
	}

	var valid []detectedFace
	for _, face := range detections {
		quality := face.FaceAttributes.QualityForRecognition
		if quality == "" {
			continue
		}
		if highQualityOnly && !strings.EqualFold(quality, qualityHigh) {
			continue
		}
		if !highQualityOnly && strings.EqualFold(quality, qualityLow) {
			continue
		}
		valid = append(valid, face)
	}
	if len(valid) != 1 {
		return "", nil
	}
	return valid[0].FaceID, nil
}

// deleteGroup releases the provisioned group. It runs on a fresh context so
// cleanup still happens when the caller's context is already canceled.
func (c *Comparer) deleteGroup(groupID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()

	status, _, err := c.do(ctx, http.MethodDelete, c.groupURL(groupID), nil)
	if err != nil || status >= 400 {
		c.logger.Debug("face group cleanup failed",
			zap.String("group_id", groupID),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
}

func (c *Comparer) groupURL(groupID string) string {
	return c.endpoint + "/face/v1.0/largepersongroups/" + groupID
}

func (c *Comparer) do(ctx context.Context, method, requestURL string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal face request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("create face request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func remoteStep(msg string, status int, err error) error {
	if err != nil {
		return faults.NewRemote(providerName, msg, err)
	}
	if status >= 400 {
		return faults.NewRemote(providerName, msg, fmt.Errorf("status %d", status))
	}
	return nil
}
