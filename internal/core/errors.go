package core

import "errors"

// Error categories surfaced to callers. Services wrap these with fmt.Errorf
// and %w so transports can map them with errors.Is without parsing messages.
var (
	// ErrValidation marks malformed or missing input. Retry with different input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a reference to an unknown order, draft, section or product.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks an atomically rejected operation: occupied table,
	// insufficient stock, insufficient transfer quantity.
	ErrConflict = errors.New("conflict")
	// ErrForbidden marks an operation the acting user is not allowed to perform.
	ErrForbidden = errors.New("forbidden")
)
