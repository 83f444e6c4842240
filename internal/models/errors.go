package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrEventOutOfOrder is returned when a ledger event arrives before the
// local state it depends on. The worker defers and redelivers with backoff
// instead of dropping it.
var ErrEventOutOfOrder = errors.New("event out of order")

// ErrUnknownIdentifier is returned by the ledger gateway when a write was
// included but no identifier could be derived from the receipt or from the
// ledger's totals. The caller must not fabricate one.
var ErrUnknownIdentifier = errors.New("ledger: identifier unknown")

// ValidationError rejects a malformed or out-of-range request. Local, never
// retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvalidTransitionError names an illegal state-machine edge. Never a
// silent no-op, never retried.
type InvalidTransitionError struct {
	From  AuctionStatus
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %q not allowed from status %q", e.Event, e.From)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var te *InvalidTransitionError
	return errors.As(err, &te)
}

// LedgerSubmissionError wraps a failed ledger write: nonce conflict,
// insufficient funds, node unavailability, inclusion timeout. Distinct from
// business rejections; the caller may retry with backoff after the nonce
// sequencer has been reset.
type LedgerSubmissionError struct {
	Op  string
	Err error
}

func (e *LedgerSubmissionError) Error() string {
	return fmt.Sprintf("ledger submission %s: %v", e.Op, e.Err)
}

func (e *LedgerSubmissionError) Unwrap() error { return e.Err }

// IsLedgerSubmission reports whether err is a LedgerSubmissionError.
func IsLedgerSubmission(err error) bool {
	var le *LedgerSubmissionError
	return errors.As(err, &le)
}

// ReconciliationConflictError marks an observed ledger event that disagrees
// with a terminal local state. It is logged and routed to manual review;
// the local record is never overwritten from it.
type ReconciliationConflictError struct {
	EventType   string
	AuctionID   string
	LocalStatus AuctionStatus
}

func (e *ReconciliationConflictError) Error() string {
	return fmt.Sprintf("reconciliation conflict: event %s for auction %s conflicts with local status %q",
		e.EventType, e.AuctionID, e.LocalStatus)
}

// IsReconciliationConflict reports whether err is a ReconciliationConflictError.
func IsReconciliationConflict(err error) bool {
	var re *ReconciliationConflictError
	return errors.As(err, &re)
}
