package domain

import "errors"

// Sentinel errors separating the three caller-visible failure classes:
// an entity that does not exist, an entity that exists but is not in a
// state that permits the operation, and input that fails validation.
var (
	ErrNotFound      = errors.New("not found")
	ErrCannotProceed = errors.New("cannot proceed")
	ErrInvalid       = errors.New("invalid")
)
