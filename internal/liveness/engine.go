// Package liveness implements the liveness detection engine with an
// extensible strategy interface. The engine itself performs no ML; detectors
// plug in the actual analysis while the session handles attempt accounting
// and lifecycle.
package liveness

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"time"
)

// Result is the structured verdict produced by a detector for one frame.
type Result struct {
	IsLive     bool      `json:"is_live"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Detector is the contract for pluggable liveness detection strategies.
// ResetSession and Close are required methods so the capability set is
// checked at compile time; strategies without detector-local state or
// external resources implement them as no-ops.
type Detector interface {
	// Evaluate returns a liveness verdict for a raw video frame payload.
	// The attempt number is informational; detectors must not derive
	// verdicts from it.
	Evaluate(ctx context.Context, frame []byte, attempt int) (Result, error)

	// ResetSession discards detector-local state between capture sessions.
	ResetSession()

	// Close releases any external resources held by the detector.
	Close() error
}

// HeuristicDetector is the deterministic default strategy used while no real
// detector is configured. The verdict is a pure function of the frame bytes:
// the first byte of the SHA-256 digest, normalized to [0,1] and rounded to
// three decimals, acts as a pseudo confidence score.
type HeuristicDetector struct{}

// NewHeuristicDetector returns the default detection strategy.
func NewHeuristicDetector() *HeuristicDetector {
	return &HeuristicDetector{}
}

// Evaluate implements Detector. Empty frames are not an error: they yield a
// negative verdict so streaming callers can keep their sessions open.
func (d *HeuristicDetector) Evaluate(_ context.Context, frame []byte, attempt int) (Result, error) {
	if len(frame) == 0 {
		return Result{
			IsLive:     false,
			Confidence: 0.0,
			Reason:     "Empty frame received",
			Timestamp:  time.Now().UTC(),
		}, nil
	}

	digest := sha256.Sum256(frame)
	confidence := math.Round(float64(digest[0])/255.0*1000) / 1000
	isLive := confidence >= 0.5

	reason := "Confidence threshold not met"
	if isLive {
		reason = "Confidence threshold satisfied"
	}
	if attempt > 0 {
		reason = fmt.Sprintf("%s on attempt %d", reason, attempt)
	}

	return Result{
		IsLive:     isLive,
		Confidence: confidence,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// ResetSession implements Detector. The heuristic holds no session state.
func (d *HeuristicDetector) ResetSession() {}

// Close implements Detector.
func (d *HeuristicDetector) Close() error { return nil }
