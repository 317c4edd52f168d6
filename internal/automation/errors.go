// Package automation errors.
//
// All errors are prefixed with "automation:" for easy identification.
// Use errors.Is for comparison:
//
//	if errors.Is(err, automation.ErrSuspended) {
//	    // rule is rate-limit suspended
//	}
package automation

import "errors"

var (
	// ErrSuspended is returned when a trigger is refused because the rule
	// is inside a rate-limit suspension window.
	ErrSuspended = errors.New("automation: rule suspended")

	// ErrInFlight is returned when a trigger is refused because an
	// evaluation of the same rule is already running.
	ErrInFlight = errors.New("automation: evaluation in flight")

	// ErrInvalidResponse is returned when the model reply contains no
	// parseable JSON or fails schema validation.
	ErrInvalidResponse = errors.New("automation: invalid model response")

	// ErrRunnerNotFound is returned when triggering a rule that has no
	// active runner (disabled or unknown rule).
	ErrRunnerNotFound = errors.New("automation: runner not found")

	// ErrNotStarted is returned when the runner is used before Start.
	ErrNotStarted = errors.New("automation: not started")
)
