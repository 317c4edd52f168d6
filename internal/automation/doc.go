// Package automation contains the rule evaluation loop.
//
// An Evaluator performs a single evaluation: it snapshots the rule's sensor
// entities, builds a prompt, sends it to the model via the chat client,
// parses and validates the JSON reply into actuator commands, dispatches
// them through the command sink, and records the execution.
//
// A Runner owns one goroutine per enabled rule, ticking at the rule's
// interval. Rules are isolated from each other: an in-flight guard coalesces
// overlapping triggers for one rule, and a provider rate limit (HTTP 429)
// suspends only the affected rule. Suspension lasts for the server's
// Retry-After hint when present, otherwise for the next exponential backoff
// step, and ends with a resume notification; other rules keep evaluating
// throughout.
//
// All collaborators (sensor source, chat client, command sink, notifier,
// recorder) are interfaces defined in this package, so the loop can be
// tested without a broker, a database, or a network.
package automation
