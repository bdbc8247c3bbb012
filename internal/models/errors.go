package models

import "errors"

// Sentinel errors shared across the ledger and scheduler boundaries.
var (
	// ErrInsufficientCredits rejects a debit that would drive a balance negative.
	ErrInsufficientCredits = errors.New("Insufficient credits")
	// ErrJobNotFound signals a scheduler operation referencing an unknown job.
	ErrJobNotFound = errors.New("job not found")
)
