package flow

import "github.com/goliatone/go-lifecycle/operation"

// IsTransitionError reports whether err is a state machine transition error.
func IsTransitionError(err error) bool {
	return operation.IsKind(err, operation.KindTransition)
}

// IsInitializationError reports whether err is a state machine
// initialization error.
func IsInitializationError(err error) bool {
	return operation.IsKind(err, operation.KindInitialization)
}
