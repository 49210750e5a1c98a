package domain

import "errors"

// Error taxonomy (sentinels)
var (
	// ErrTransient marks store/network hiccups that are safe to retry.
	ErrTransient = errors.New("transient error")
	// ErrValidation marks inputs rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrQuotaExceeded marks an isolation refusal; trips the circuit breaker.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrTimeout marks an action that exceeded its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrExhausted marks retries exhausted (DLQ, DIRECT mode, escalation).
	ErrExhausted = errors.New("retries exhausted")
	// ErrCompensation marks a failed compensation; recorded, never halts rollback.
	ErrCompensation = errors.New("compensation failed")
	// ErrCircuitOpen marks a call refused by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrFatal marks unrecoverable misconfiguration (e.g. missing sandbox image).
	ErrFatal = errors.New("fatal error")

	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
