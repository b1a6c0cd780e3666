package command

import (
	"reflect"

	"github.com/goliatone/go-errors"
)

// Message is implemented by params that carry their own code and checks.
type Message interface {
	Type() string
	Validate() error
}

// Validator is implemented by params that can check themselves.
type Validator interface {
	Validate() error
}

func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// validateParams rejects nil pointer params and params whose Validate fails.
func validateParams[P any](params P) error {
	t := reflect.TypeOf((*P)(nil)).Elem()
	if t.Kind() == reflect.Ptr && IsNilMessage(any(params)) {
		return errors.New("nil params pointer", errors.CategoryValidation).
			WithTextCode("INVALID_MESSAGE").
			WithMetadata(map[string]any{"params_type": t.String()})
	}

	if v, ok := any(params).(Validator); ok {
		if err := v.Validate(); err != nil {
			return errors.Wrap(err, errors.CategoryValidation, "params validation failed").
				WithTextCode("VALIDATION_FAILED")
		}
	}

	return nil
}
