package types

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	// ErrInvalidSignature is returned when a statement fails verification.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMalformedStatement is returned when required fields are missing or invalid.
	ErrMalformedStatement = errors.New("malformed statement")

	// ErrNotFound is returned when a lookup by hash or pointer yields nothing.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when an administrative operation lacks privilege.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStoreUnavailable wraps persistence failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrIndexStale is returned by a trust index invalidated by a deletion.
	ErrIndexStale = errors.New("trust index stale")
)
