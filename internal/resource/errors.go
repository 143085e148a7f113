package resource

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no live record exists for a (type, id).
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when an explicit id collides on create.
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrVersionConflict is returned when the expected version does not match
	// the live version. No state is mutated when it is returned.
	ErrVersionConflict = errors.New("version conflict")
	// ErrValidationFailed wraps a rejection from the validation collaborator.
	ErrValidationFailed = errors.New("validation failed")
	// ErrSerialization is returned when a payload cannot be decoded or encoded.
	ErrSerialization = errors.New("serialization error")
	// ErrNotificationDelivery marks a failed subscriber delivery. It is only
	// ever logged, never returned from a write.
	ErrNotificationDelivery = errors.New("notification delivery failed")
)

// ErrUnknownType is returned for resource types with no registered definition.
// It matches ErrValidationFailed under errors.Is.
var ErrUnknownType = fmt.Errorf("%w: unknown resource type", ErrValidationFailed)
