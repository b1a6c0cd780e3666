package command

import "github.com/goliatone/go-errors"

// ErrValidation marks params validation failures. Params Validate methods
// can return it, or wrap it, to signal invalid input.
var ErrValidation = errors.New("validation error", errors.CategoryValidation).
	WithTextCode("VALIDATION_FAILED")
