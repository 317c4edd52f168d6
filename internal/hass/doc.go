// Package hass adapts the Home Assistant MQTT surface to the automation
// loop's collaborator interfaces.
//
// State updates mirrored by the host platform arrive on
// deepseek/state/{domain}/{object_id} and are cached by StateCache, which
// serves sensor snapshots. Validated actuator commands leave through
// CommandPublisher on deepseek/command/{domain}/{object_id}, and
// user-facing notices go out retained on deepseek/notify via Notifier.
//
// Everything here speaks to the broker through small interfaces, so the
// package tests run without a live broker.
package hass
