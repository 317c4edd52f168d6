package hass

import "errors"

var (
	// ErrInvalidTopic is returned when a state topic does not match the
	// deepseek/state/{domain}/{object_id} shape.
	ErrInvalidTopic = errors.New("hass: invalid topic")

	// ErrInvalidEntity is returned when a command targets a malformed
	// entity ID.
	ErrInvalidEntity = errors.New("hass: invalid entity id")
)
