// Package approval implements the two-state approval machine shared by every
// comparison provider. The state is re-derived from the latest similarity on
// each observation; it is retained only so callers can read the status
// between evaluations, not to encode history.
package approval

import "sync"

// Status is the externally visible approval state.
type Status string

const (
	// Approved means the last observed similarity met the threshold.
	Approved Status = "approved"
	// NotApproved means it did not. New machines start here.
	NotApproved Status = "not approved"
)

// DefaultThreshold is the similarity bar applied when a provider does not
// configure its own.
const DefaultThreshold = 0.99

// Machine transitions between Approved and NotApproved based on observed
// similarities. Safe for concurrent use; each provider owns exactly one.
type Machine struct {
	mu        sync.RWMutex
	threshold float64
	status    Status
}

// NewMachine builds a machine with the given threshold. The threshold must
// lie within (0, 1].
func NewMachine(threshold float64) (*Machine, error) {
	if threshold <= 0.0 || threshold > 1.0 {
		return nil, &ThresholdError{Threshold: threshold}
	}
	return &Machine{threshold: threshold, status: NotApproved}, nil
}

// Threshold returns the similarity bar this machine applies.
func (m *Machine) Threshold() float64 {
	return m.threshold
}

// Status returns the state left behind by the last observation.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Observe applies the transition rule for a similarity score and returns the
// resulting status. Approved drops to NotApproved when the score falls below
// the threshold; NotApproved rises to Approved when the score meets it. The
// net effect is that the post-call state always equals score >= threshold.
func (m *Machine) Observe(similarity float64) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case Approved:
		if similarity < m.threshold {
			m.status = NotApproved
		}
	case NotApproved:
		if similarity >= m.threshold {
			m.status = Approved
		}
	}
	return m.status
}

// ThresholdError reports a threshold outside (0, 1].
type ThresholdError struct {
	Threshold float64
}

func (e *ThresholdError) Error() string {
	return "approval threshold must be within (0.0, 1.0]"
}

// Clamp bounds a similarity score into [0, 1]. Providers apply it before
// feeding upstream scores into a machine.
func Clamp(similarity float64) float64 {
	if similarity < 0.0 {
		return 0.0
	}
	if similarity > 1.0 {
		return 1.0
	}
	return similarity
}
