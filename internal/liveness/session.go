package liveness

import (
	"context"
	"sync"
)

// Session coordinates the selected detector and session-scoped metadata.
// One Session is constructed in main and shared by every caller, so the
// attempt counter spans the whole process.
//
// The mutex is held across Evaluate: detectors backed by an external process
// have a single result slot and wait signal, so overlapping evaluations on
// one instance are not independent.
type Session struct {
	mu       sync.Mutex
	detector Detector
	attempts int
}

// NewSession builds a session around the given detector, falling back to the
// heuristic strategy when detector is nil.
func NewSession(detector Detector) *Session {
	if detector == nil {
		detector = NewHeuristicDetector()
	}
	return &Session{detector: detector}
}

// Evaluate advances the attempt counter and forwards the frame to the active
// detector, returning its result verbatim.
func (s *Session) Evaluate(ctx context.Context, frame []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	return s.detector.Evaluate(ctx, frame, s.attempts)
}

// SetDetector swaps the active detection strategy without reconstructing the
// session. The attempt counter is not touched; only Reset clears it.
func (s *Session) SetDetector(detector Detector) {
	if detector == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector = detector
}

// Reset zeroes the attempt counter and clears detector-local state so that
// nothing leaks into the next capture session.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts = 0
	s.detector.ResetSession()
}

// Close releases the active detector's external resources.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.Close()
}

// Attempts reports how many frames this session has evaluated since the last
// reset.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
