// Package rule defines evaluation rules and their persistence.
//
// A rule names the sensor entities whose states feed the prompt, the
// actuator entities the model may command, a natural-language
// instruction, and the evaluation interval. Executions record each
// evaluation outcome with its status, reasoning, dispatched commands,
// and token usage.
//
// # Architecture
//
//	Registry (cache, validation)
//	    └── Repository (interface)
//	            └── SQLiteRepository
//
// The Registry wraps a Repository with an in-memory cache because the
// evaluation loop reads rule definitions on every tick. All reads are
// served from cache as deep copies; mutations validate, persist, then
// update the cache and notify the change callback so runners can
// reconcile.
//
// # Command Validation
//
// Model-returned commands are checked against SupportedDomains and the
// rule's actuator allowlist before dispatch. A command naming an entity
// outside the allowlist, or an action the domain doesn't support, is
// rejected rather than forwarded.
package rule
