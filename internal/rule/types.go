package rule

import "time"

// Rule defines a periodic LLM evaluation: which sensors to read, which
// actuators the model may command, and the instruction describing the
// desired behaviour.
type Rule struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`

	// Description (optional)
	Description *string `json:"description,omitempty"`

	// Configuration
	Enabled bool `json:"enabled"`

	// Interval between evaluations.
	Interval time.Duration `json:"interval"`

	// Sensors are the entity IDs whose states feed the prompt.
	Sensors []string `json:"sensors"`

	// Actuators are the entity IDs the model is allowed to command.
	Actuators []string `json:"actuators"`

	// Instruction is the natural-language goal given to the model
	// (e.g., "keep the hallway lit at 30% after sunset").
	Instruction string `json:"instruction"`

	// Model parameters. Empty/zero values fall back to controller defaults.
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Command is a single actuator instruction returned by the model.
type Command struct {
	// EntityID is the target entity ("light.hallway").
	EntityID string `json:"entity_id"`

	// Action is the service to invoke ("turn_on", "set_temperature").
	Action string `json:"action"`

	// ServiceParams carries optional service data ({"brightness": 200}).
	ServiceParams map[string]any `json:"service_params,omitempty"`
}

// Execution records a single evaluation of a rule.
type Execution struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	TriggeredAt time.Time  `json:"triggered_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Trigger describes what started the evaluation: "interval" or "manual".
	Trigger string `json:"trigger"`

	Status ExecutionStatus `json:"status"`

	// Reasoning is the model's explanation of its decision.
	Reasoning string `json:"reasoning,omitempty"`

	// Commands the model returned, after validation.
	Commands []Command `json:"commands,omitempty"`

	// Command counts
	CommandsTotal      int `json:"commands_total"`
	CommandsDispatched int `json:"commands_dispatched"`
	CommandsFailed     int `json:"commands_failed"`

	// Token usage reported by the provider.
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`

	// Error detail for failed evaluations.
	Error *string `json:"error,omitempty"`

	// Total evaluation duration in milliseconds.
	DurationMS *int `json:"duration_ms,omitempty"`
}

// ExecutionStatus represents the terminal state of an evaluation.
type ExecutionStatus string

const (
	// StatusCompleted: all commands dispatched successfully.
	StatusCompleted ExecutionStatus = "completed"

	// StatusPartial: some commands dispatched, some failed.
	StatusPartial ExecutionStatus = "partial"

	// StatusFailed: the evaluation aborted (transport error, dispatch failure).
	StatusFailed ExecutionStatus = "failed"

	// StatusRateLimited: the provider returned 429; the rule is suspended.
	StatusRateLimited ExecutionStatus = "rate_limited"

	// StatusInvalidResponse: the model reply failed parsing or validation.
	StatusInvalidResponse ExecutionStatus = "invalid_response"

	// StatusSkipped: the tick fired while the rule was suspended or an
	// evaluation was already in flight.
	StatusSkipped ExecutionStatus = "skipped"
)

// MaxExecutionLimit caps how many executions a single listing returns.
// Callers advertising a limit (the HTTP API) share this bound.
const MaxExecutionLimit = 500

// SupportedDomains maps Home Assistant entity domains to the actions the
// controller will dispatch for them. Commands targeting anything else are
// rejected during response validation.
var SupportedDomains = map[string][]string{
	"light":        {"turn_on", "turn_off", "toggle"},
	"switch":       {"turn_on", "turn_off", "toggle"},
	"climate":      {"set_temperature", "set_hvac_mode", "set_fan_mode"},
	"cover":        {"open_cover", "close_cover", "set_cover_position"},
	"media_player": {"play_media", "volume_set", "media_play", "media_pause"},
}

// DeepCopy creates a complete independent copy of the Rule.
// All slice fields are cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}

	cpy := *r // Shallow copy of value fields

	cpy.Description = cloneStringPtr(r.Description)

	if r.Sensors != nil {
		cpy.Sensors = make([]string, len(r.Sensors))
		copy(cpy.Sensors, r.Sensors)
	}
	if r.Actuators != nil {
		cpy.Actuators = make([]string, len(r.Actuators))
		copy(cpy.Actuators, r.Actuators)
	}

	return &cpy
}

// DeepCopy creates an independent copy of the Command, cloning the
// service params map.
func (c *Command) DeepCopy() Command {
	cpy := *c
	if c.ServiceParams != nil {
		cpy.ServiceParams = deepCopyMap(c.ServiceParams)
	}
	return cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v // Primitives are immutable
	}
}

// cloneStringPtr creates an independent copy of a *string.
func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
