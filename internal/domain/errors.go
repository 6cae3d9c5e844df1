package domain

import "errors"

// Sentinel errors for the domain layer. Callers classify failures with
// errors.Is; storage and network errors never cross the service boundary
// without being wrapped in one of these.
var (
	ErrNotFound     = errors.New("domain: not found")
	ErrConflict     = errors.New("domain: conflict")
	ErrUnauthorized = errors.New("domain: unauthorized")
	ErrForbidden    = errors.New("domain: forbidden")

	ErrInsufficientFunds       = errors.New("domain: insufficient funds")
	ErrAccountDisabled         = errors.New("domain: account disabled")
	ErrChainIntegrityViolation = errors.New("domain: chain integrity violation")
	ErrExternalWork            = errors.New("domain: external work failed")
	ErrInvalidInput            = errors.New("domain: invalid input")
	ErrInvalidTransition       = errors.New("domain: invalid status transition")

	// ErrDuplicate reports a unique-key collision in a store. Services
	// translate it before returning to callers.
	ErrDuplicate = errors.New("domain: duplicate")

	// ErrWorkNotStarted is returned by external work collaborators when the
	// request never reached the remote side, so no cost was incurred.
	ErrWorkNotStarted = errors.New("domain: external work not started")
)
