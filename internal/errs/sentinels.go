// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a unique constraint violation on insert.
	ErrAlreadyExists = errors.New("already exists")
	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates an authenticated caller acting on something it does not own.
	ErrForbidden = errors.New("forbidden")
	// ErrRateLimited indicates a temporary submission lock due to repeated failures.
	ErrRateLimited = errors.New("rate limited")
	// ErrConflict indicates the staff member already has an active session.
	ErrConflict = errors.New("active session already exists")
	// ErrInvalidState indicates a lifecycle transition that is not allowed (e.g. restarting an ended session).
	ErrInvalidState = errors.New("invalid session state")
	// ErrLeaseHeld indicates another replica holds an unexpired rotation lease on the session.
	ErrLeaseHeld = errors.New("rotation lease held by another replica")
	// ErrValidation indicates malformed input rejected before reaching storage.
	ErrValidation = errors.New("validation")
)
