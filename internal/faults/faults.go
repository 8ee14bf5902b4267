// Package faults defines the error taxonomy shared by the liveness engine and
// the comparison providers. Providers translate low-level transport and
// decoding failures into these types at their boundary so that callers can
// branch on errors.As without inspecting message text.
package faults

import "fmt"

// ValidationError reports malformed or empty input that the caller can fix.
type ValidationError struct {
	Msg string
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidation builds a ValidationError with an optional cause.
func NewValidation(msg string, err error) error {
	return &ValidationError{Msg: msg, Err: err}
}

// RemoteError reports an upstream provider that is unreachable or returned a
// failure status.
type RemoteError struct {
	Provider string
	Msg      string
	Err      error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Msg)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemote builds a RemoteError annotated with the provider name.
func NewRemote(provider, msg string, err error) error {
	return &RemoteError{Provider: provider, Msg: msg, Err: err}
}

// UnavailableError reports a required provider that was never configured.
type UnavailableError struct {
	Provider string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s provider is not configured", e.Provider)
}

// NewUnavailable builds an UnavailableError for the named provider.
func NewUnavailable(provider string) error {
	return &UnavailableError{Provider: provider}
}

// TimeoutError reports an external detector that stayed silent past its
// deadline.
type TimeoutError struct {
	Msg string
}

func (e *TimeoutError) Error() string { return e.Msg }

// NewTimeout builds a TimeoutError.
func NewTimeout(msg string) error {
	return &TimeoutError{Msg: msg}
}

// StartupError reports an external process that failed to launch.
type StartupError struct {
	Msg string
	Err error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StartupError) Unwrap() error { return e.Err }

// NewStartup builds a StartupError with an optional cause.
func NewStartup(msg string, err error) error {
	return &StartupError{Msg: msg, Err: err}
}
