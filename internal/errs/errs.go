// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrNotFound indicates the requested entity does not exist or is not
	// owned by the caller's namespace. Callers cannot tell the two apart.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness or state violation (e.g. deleting
	// an active session, duplicate username).
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates a credential that resolves to no identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidInput indicates a request rejected before touching storage.
	ErrInvalidInput = errors.New("invalid input")
)
