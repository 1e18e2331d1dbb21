package domain

import "errors"

// Engine error taxonomy. Callers branch with errors.Is; storage and
// transport layers wrap their native failures into one of these classes
// before surfacing them.
var (
	// ErrNotFound indicates a referenced order, proposal, or provider is absent.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateEntry indicates a unique-constraint violation on creation.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrInvalidTransition indicates a state-machine violation.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict indicates a concurrent write lost its race.
	ErrConflict = errors.New("conflict")
	// ErrNoEligibleCandidate indicates matching produced no usable provider.
	ErrNoEligibleCandidate = errors.New("no eligible candidate")
	// ErrInvalidData indicates a malformed amount, fee, or address encoding.
	ErrInvalidData = errors.New("invalid data")
	// ErrStorageUnavailable indicates the durable store is unreachable.
	// This is the only class eligible for local retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
