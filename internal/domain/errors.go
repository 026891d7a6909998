package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Admission errors
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrMissingTenant       = errors.New("no tenant identifier on request")
	ErrSubmissionFailed    = errors.New("job submission failed")
	ErrInvalidPriority     = errors.New("unknown priority")

	// Ledger errors
	ErrInvalidAmount    = errors.New("credit amount must be positive")
	ErrAmountOutOfRange = errors.New("credit amount exceeds ledger capacity")
	ErrAlreadySettled   = errors.New("reference already settled")

	// Settlement errors (logged, never returned to the completion path)
	ErrSettlementShortfall = errors.New("insufficient credits to settle completed job")

	// Queue errors
	ErrQueueUnavailable = errors.New("job queue unavailable")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotActive     = errors.New("job is not active")

	// Pricing errors
	ErrInvalidSurgeConfig = errors.New("invalid surge configuration")
)
