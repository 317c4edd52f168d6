package rule

import "errors"

// Domain errors for the rule package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, rule.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a rule ID does not exist.
	ErrNotFound = errors.New("rule: not found")

	// ErrExists is returned when creating a rule with an ID or slug that
	// already exists.
	ErrExists = errors.New("rule: already exists")

	// ErrDisabled is returned when attempting to run a disabled rule.
	ErrDisabled = errors.New("rule: disabled")

	// ErrInvalid is returned when rule validation fails.
	ErrInvalid = errors.New("rule: invalid")

	// ErrInvalidName is returned when a rule name is empty or too long.
	ErrInvalidName = errors.New("rule: invalid name")

	// ErrInvalidSlug is returned when a slug format is invalid.
	ErrInvalidSlug = errors.New("rule: invalid slug")

	// ErrInvalidEntity is returned when an entity ID is malformed or its
	// domain is not supported.
	ErrInvalidEntity = errors.New("rule: invalid entity")

	// ErrInvalidCommand is returned when a model command fails validation.
	ErrInvalidCommand = errors.New("rule: invalid command")

	// ErrNoActuators is returned when a rule has no actuator entities.
	ErrNoActuators = errors.New("rule: no actuators")

	// ErrExecutionNotFound is returned when an execution ID does not exist.
	ErrExecutionNotFound = errors.New("rule: execution not found")
)
