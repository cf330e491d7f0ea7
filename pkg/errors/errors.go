// Package errors defines the common error kinds used across the pledge
// ledger. Components return these sentinels (optionally wrapped with
// context via fmt.Errorf and %w); no other error types cross component
// boundaries.
//
// Callers branch with errors.Is, never by matching message text.
package errors

import "errors"

// Concurrency errors.
var (
	// ErrBusy is returned when the named allocation lock cannot be
	// acquired within its wait budget. The caller should retry later.
	ErrBusy = errors.New("busy: allocation lock not acquired")

	// ErrLockReentry is returned when a holder attempts to re-acquire a
	// named lock it already holds. Nested acquisition is forbidden.
	ErrLockReentry = errors.New("lock re-entry forbidden")
)

// Lookup errors.
var (
	// ErrNotFound is returned when a pledge, allocation, subscription or
	// sheet row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownStudent is returned when a beneficiary lookup fails during
	// allocation validation.
	ErrUnknownStudent = errors.New("unknown student")
)

// Pre-commit validation errors — the transaction aborts, nothing is written.
var (
	// ErrNoProof is returned when allocation is attempted against a pledge
	// with no recorded receipt.
	ErrNoProof = errors.New("no proof of transfer on pledge")

	// ErrInsufficientFunds is returned when the requested amount exceeds
	// the pledge's real-time cash balance.
	ErrInsufficientFunds = errors.New("amount exceeds pledge balance")

	// ErrExceedsNeed is returned when the requested amount exceeds the
	// beneficiary's outstanding need.
	ErrExceedsNeed = errors.New("amount exceeds student need")

	// ErrInvalidAmount is returned when an amount fails to parse or is not
	// strictly positive.
	ErrInvalidAmount = errors.New("invalid amount")
)

// State machine errors.
var (
	// ErrInvalidTransition is returned when a status change is not a legal
	// edge of the entity's state machine. Nothing is written.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Side-effect errors.
var (
	// ErrMailSendFailed is returned when an outbound email fails. Under
	// the commit-last rule the enclosing transaction aborts.
	ErrMailSendFailed = errors.New("mail send failed")

	// ErrAINull is returned when the AI oracle could not produce a
	// schema-valid result. The thread is left unlabeled for retry.
	ErrAINull = errors.New("ai oracle returned null")

	// ErrOrphanEmail is returned when an email was sent but the row it was
	// meant to govern could not be appended. Requires operator
	// reconciliation; surfaced via an ALERT audit entry.
	ErrOrphanEmail = errors.New("email sent but ledger append failed")
)

// Storage errors.
var (
	// ErrSchemaDrift is returned at startup when a sheet's columns do not
	// match the registered schema. The process must fail loudly.
	ErrSchemaDrift = errors.New("sheet schema drift")

	// ErrAuditWriteFailed is returned when an audit entry cannot be
	// written. Never aborts the enclosing business operation.
	ErrAuditWriteFailed = errors.New("audit write failed")
)
