package reporter

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied is returned when location access is refused. It is
	// never retried automatically.
	ErrPermissionDenied = errors.New("reporter: location permission denied")
	// ErrRetriesExhausted reports that automatic retries are used up; only an
	// explicit retry or the next good fix re-arms them.
	ErrRetriesExhausted = errors.New("reporter: retries exhausted")
)

type GPSCode int

const (
	GPSUnknown GPSCode = iota
	GPSPermissionDenied
	GPSUnavailable
	GPSTimeout
)

func (c GPSCode) String() string {
	switch c {
	case GPSPermissionDenied:
		return "permission_denied"
	case GPSUnavailable:
		return "unavailable"
	case GPSTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ParseGPSCode maps a wire name to a code; unrecognised names are GPSUnknown.
func ParseGPSCode(s string) GPSCode {
	switch s {
	case "permission_denied", "PERMISSION_DENIED":
		return GPSPermissionDenied
	case "unavailable", "POSITION_UNAVAILABLE":
		return GPSUnavailable
	case "timeout", "TIMEOUT":
		return GPSTimeout
	default:
		return GPSUnknown
	}
}

// GPSError is a failed location read.
type GPSError struct {
	Code GPSCode
	Msg  string
}

func (e *GPSError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("gps %s: %s", e.Code, e.Msg)
	}
	return "gps " + e.Code.String()
}

// Message is the user-facing text for the error.
func (e *GPSError) Message() string {
	switch e.Code {
	case GPSPermissionDenied:
		return "Location permission denied. Please enable GPS in your settings."
	case GPSUnavailable:
		return "GPS signal unavailable. Make sure you're not indoors or in a tunnel."
	case GPSTimeout:
		return "GPS request timed out. Retrying..."
	default:
		return "Unknown GPS error occurred."
	}
}

const (
	DefaultReadRetries    = 3
	DefaultReadRetryDelay = 3 * time.Second
)

// ReadPolicy decides what to do after a failed location read. Consecutive
// failures are counted until the next successful fix.
type ReadPolicy struct {
	MaxRetries int
	Delay      time.Duration

	mu       sync.Mutex
	failures int
}

// Decision is the outcome of a failed read.
type Decision struct {
	// Retry is false when the error is terminal; Err then says why.
	Retry   bool
	After   time.Duration
	Attempt int
	Message string
	Err     error
}

func NewReadPolicy() *ReadPolicy {
	return &ReadPolicy{MaxRetries: DefaultReadRetries, Delay: DefaultReadRetryDelay}
}

// OnFix resets the failure counter.
func (p *ReadPolicy) OnFix() { p.Reset() }

// Reset re-arms automatic retries after they were exhausted.
func (p *ReadPolicy) Reset() {
	p.mu.Lock()
	p.failures = 0
	p.mu.Unlock()
}

func (p *ReadPolicy) OnError(err error) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	var gerr *GPSError
	if !errors.As(err, &gerr) {
		gerr = &GPSError{Code: GPSUnknown, Msg: err.Error()}
	}
	if gerr.Code == GPSPermissionDenied {
		return Decision{Message: gerr.Message(), Err: fmt.Errorf("%w: %w", ErrPermissionDenied, err)}
	}
	if p.failures >= p.MaxRetries {
		return Decision{Message: gerr.Message(), Attempt: p.failures, Err: fmt.Errorf("%w: %w", ErrRetriesExhausted, err)}
	}
	p.failures++
	return Decision{
		Retry:   true,
		After:   p.Delay,
		Attempt: p.failures,
		Message: fmt.Sprintf("%s (Attempt %d/%d)", gerr.Message(), p.failures, p.MaxRetries),
	}
}
