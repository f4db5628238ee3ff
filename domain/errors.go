package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrActionNotAllowed  = errors.New("action not allowed")
	ErrNotActor          = errors.New("object is not an actor")
	ErrTransientDelivery = errors.New("activity delivery failed")
)

// ErrTransientResolution is returned when a remote document could not be fetched.
// Callers that need an account treat it as ErrNotFound.
var ErrTransientResolution = &transientResolutionError{}

type transientResolutionError struct{}

func (*transientResolutionError) Error() string { return "remote resolution failed" }

func (*transientResolutionError) Is(target error) bool {
	return target == ErrNotFound
}
