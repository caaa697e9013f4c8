package fiscal

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationKind classifies a ValidationError
type ValidationKind string

const (
	ValidationKindMissingField      ValidationKind = "missing-field"
	ValidationKindMalformedNumber   ValidationKind = "malformed-number"
	ValidationKindInvalidDate       ValidationKind = "invalid-date"
	ValidationKindInvalidCode       ValidationKind = "invalid-code"
	ValidationKindReservedSeparator ValidationKind = "reserved-separator"
)

// ValidationError reports malformed input. It is raised before any hashing or
// network I/O and is never retried: the caller must fix the data and resubmit
// it as a new record.
type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fiscal: %s: %s", e.Kind, e.Field)
	}
	return fmt.Sprintf("fiscal: %s: %s: %s", e.Kind, e.Field, e.Message)
}

func newValidationError(kind ValidationKind, field, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// ChainIntegrityError is raised when a record would be chained onto a stale or
// already-advanced previous hash. It is fatal for the entity: processing halts
// until an operator investigates.
type ChainIntegrityError struct {
	EntityID string
	Expected string
	Actual   string
	Reason   string
}

func (e *ChainIntegrityError) Error() string {
	var b strings.Builder
	b.WriteString("fiscal: chain integrity violation")
	if e.EntityID != "" {
		b.WriteString(" for entity ")
		b.WriteString(e.EntityID)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	fmt.Fprintf(&b, " (expected %q, got %q)", e.Expected, e.Actual)
	return b.String()
}

// TransportError wraps network and TLS failures talking to the authority.
// These are retryable and must never move a record to Rejected.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fiscal: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// AuthorityRejection is a valid call with a negative business outcome.
type AuthorityRejection struct {
	StatusCode string
	Messages   []string
}

func (e *AuthorityRejection) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("fiscal: rejected by authority (%s)", e.StatusCode)
	}
	return fmt.Sprintf("fiscal: rejected by authority (%s): %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

var (
	ErrMalformedAcknowledgment = errors.New("fiscal: malformed acknowledgment")
	ErrRetriesExhausted        = errors.New("fiscal: retries exhausted")
	ErrTaskCancelled           = errors.New("fiscal: task cancelled")
	ErrTaskInFlight            = errors.New("fiscal: task already in flight")
	ErrTaskNotFound            = errors.New("fiscal: task not found")
	ErrEntityHalted            = errors.New("fiscal: entity halted after chain integrity failure")
	ErrSubmissionNotFound      = errors.New("fiscal: submission not found")
	ErrInvalidTransition       = errors.New("fiscal: invalid submission state transition")
	ErrChainConflict           = errors.New("fiscal: chain state changed concurrently")
	ErrEmptyBatch              = errors.New("fiscal: batch has no records")
)

// IsRetryable reports whether err leaves a record eligible for automatic retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrMalformedAcknowledgment)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsChainIntegrityError reports whether err is (or wraps) a ChainIntegrityError.
func IsChainIntegrityError(err error) bool {
	var ce *ChainIntegrityError
	return errors.As(err, &ce)
}

// RetryClassOf maps an error surfaced to the host onto what it should do next.
func RetryClassOf(err error) RetryClass {
	var rej *AuthorityRejection
	switch {
	case err == nil:
		return RetryClassNone
	case IsValidationError(err):
		return RetryClassFixAndResubmit
	case IsRetryable(err):
		return RetryClassWillRetry
	case errors.As(err, &rej), IsChainIntegrityError(err), errors.Is(err, ErrRetriesExhausted), errors.Is(err, ErrEntityHalted):
		return RetryClassNeedsHuman
	}
	return RetryClassNone
}
