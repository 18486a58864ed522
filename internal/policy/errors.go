package policy

import "errors"

var (
	// ErrUnknownMode indicates a permission mode string that is not recognised.
	ErrUnknownMode = errors.New("policy: unknown permission mode")

	// ErrInvalidPattern indicates a tool pattern that cannot be compiled.
	ErrInvalidPattern = errors.New("policy: invalid tool pattern")
)
