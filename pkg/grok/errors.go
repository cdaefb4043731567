package grok

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/grokgate/grokgate/pkg/credential"
)

// ErrCancelled marks a caller disconnect. It is a clean teardown, not a
// surfaced failure.
var ErrCancelled = errors.New("cancelled by caller")

// TimeoutPhase names which of the three stream clocks expired.
type TimeoutPhase string

const (
	PhaseFirstByte  TimeoutPhase = "first_byte"
	PhaseInterChunk TimeoutPhase = "inter_chunk"
	PhaseTotal      TimeoutPhase = "total"
)

// TimeoutError reports expiry of one stream timeout clock.
type TimeoutError struct {
	Phase TimeoutPhase
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream timeout (%s after %s)", e.Phase, e.Limit)
}

// RejectedError is an explicit upstream rejection: a non-2xx status on the
// conversation call or an inline error event in the stream.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream rejected request: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream rejected request: %s", e.Message)
}

// FailureKind maps the rejection onto a pool health transition: expired
// sessions are revoked, rate-limit and anti-automation blocks cool down,
// anything else counts as transient.
func (e *RejectedError) FailureKind() credential.FailureKind {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return credential.FailureAuth
	case http.StatusForbidden, http.StatusTooManyRequests:
		return credential.FailureRateLimit
	default:
		return credential.FailureNetwork
	}
}

// PartialError wraps a failure that happened after output already reached
// the caller. No retry is attempted; the stream is terminated with a
// trailing error indicator instead of silently truncated.
type PartialError struct {
	Err error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("stream failed after partial output: %v", e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

func classifyFailure(err error) credential.FailureKind {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.FailureKind()
	}
	return credential.FailureNetwork
}
