// Package errs defines the error taxonomy shared by the pipeline.
//
// Every terminal cause the coordinator can surface maps onto one of the
// typed errors below so callers can branch with errors.As instead of
// string matching.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// TransientError is a retryable infrastructure failure: RPC timeout,
// rate limit, node lag. Scanners and adapters swallow these after the
// retry budget is spent; they never abort a scan loop.
type TransientError struct {
	Source string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure from %s: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure attributed to source.
func Transient(source string, err error) error {
	return &TransientError{Source: source, Err: err}
}

// QuoteUnavailableError marks a venue that could not quote a pair.
// The scanner skips the venue and continues.
type QuoteUnavailableError struct {
	Venue string
	Pair  string
	Err   error
}

func (e *QuoteUnavailableError) Error() string {
	return fmt.Sprintf("no quote from %s for %s: %v", e.Venue, e.Pair, e.Err)
}

func (e *QuoteUnavailableError) Unwrap() error { return e.Err }

// RiskRejectedError carries the reason a risk gate refused an opportunity.
type RiskRejectedError struct {
	Reason string
}

func (e *RiskRejectedError) Error() string {
	return "risk rejected: " + e.Reason
}

// RiskRejected builds a rejection with a formatted reason.
func RiskRejected(format string, args ...any) error {
	return &RiskRejectedError{Reason: fmt.Sprintf(format, args...)}
}

// ErrStale marks an opportunity that aged past its freshness TTL.
var ErrStale = errors.New("opportunity stale")

// PartialExecutionError records a multi-step plan that failed mid-way.
// There is no compensating action; the partial state is surfaced as-is.
type PartialExecutionError struct {
	StepIndex int
	Step      string
	Cause     error
}

func (e *PartialExecutionError) Error() string {
	return fmt.Sprintf("execution failed at step %d (%s): %v", e.StepIndex, e.Step, e.Cause)
}

func (e *PartialExecutionError) Unwrap() error { return e.Cause }

// AtomicExecutionError records an atomic (flash-loan) path that reverted
// on-chain. The protocol rolls the whole call back; only gas is lost.
type AtomicExecutionError struct {
	Cause error
}

func (e *AtomicExecutionError) Error() string {
	return fmt.Sprintf("atomic execution reverted: %v", e.Cause)
}

func (e *AtomicExecutionError) Unwrap() error { return e.Cause }

// TimeoutError marks a deadline exceeded at a named stage.
type TimeoutError struct {
	Stage string
}

func (e *TimeoutError) Error() string {
	return "timeout at stage " + e.Stage
}

// Timeout builds a TimeoutError for stage.
func Timeout(stage string) error { return &TimeoutError{Stage: stage} }

// FatalError aborts initialization, or moves a chain to Degraded when it
// occurs at runtime. The orchestrator decides which.
type FatalError struct {
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Fatal wraps err as non-recoverable.
func Fatal(err error) error { return &FatalError{Cause: err} }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Cause returns a short machine-friendly tag for a terminal error,
// suitable for metrics labels and notifications.
func Cause(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStale):
		return "stale"
	}
	var (
		rr *RiskRejectedError
		pe *PartialExecutionError
		ae *AtomicExecutionError
		to *TimeoutError
		tr *TransientError
		fe *FatalError
	)
	switch {
	case errors.As(err, &rr):
		return "risk_rejected"
	case errors.As(err, &pe):
		return "execution_partial"
	case errors.As(err, &ae):
		return "execution_reverted"
	case errors.As(err, &to):
		return "timeout"
	case errors.As(err, &tr):
		return "transient"
	case errors.As(err, &fe):
		return "fatal"
	default:
		return "error"
	}
}

// RetryConfig bounds the Retry helper.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	JitterFrac  float64
}

// DefaultRetryConfig matches the pipeline-wide retry policy: 3 attempts,
// exponential backoff, 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		JitterFrac:  0.2,
	}
}
