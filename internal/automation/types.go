package automation

import (
	"context"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// EntityState is the cached state of one entity at snapshot time.
type EntityState struct {
	// State is the primary state value ("on", "21.5", "playing").
	State string `json:"state"`

	// Attributes carries the entity's attribute map (brightness,
	// temperature, position, ...).
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Snapshot maps entity IDs to their states at a single point in time.
// Entities that were not available at snapshot time are absent.
type Snapshot map[string]EntityState

// SensorSource provides entity state snapshots for prompt construction.
type SensorSource interface {
	// States returns the current states of the requested entities.
	// Unknown or stale entities are omitted from the result, not errors.
	States(ctx context.Context, entityIDs []string) (Snapshot, error)
}

// CommandSink applies a validated actuator command to the host platform.
type CommandSink interface {
	// Dispatch sends one command. An error means the command was not
	// accepted for delivery; it does not confirm device-level success.
	Dispatch(ctx context.Context, source string, cmd rule.Command) error
}

// Notification is a persistent user-facing notification.
//
// ID is a dedup key: re-sending with the same ID replaces the previous
// notification instead of stacking a new one.
type Notification struct {
	ID      string `json:"notification_id,omitempty"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Notifier delivers persistent notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ChatClient sends chat completion requests to the model provider.
type ChatClient interface {
	ChatCompletion(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error)
}

// KeyProber reports account quota status from the model provider.
type KeyProber interface {
	KeyStatus(ctx context.Context) (*openrouter.KeyStatus, error)
}

// RuleSource is the interface the runner needs from the rule registry.
type RuleSource interface {
	Get(ctx context.Context, id string) (*rule.Rule, error)
	ListEnabled(ctx context.Context) ([]rule.Rule, error)
	RecordExecution(ctx context.Context, exec *rule.Execution) error
}

// EventSink broadcasts loop events (evaluations, suspensions, resumes) to
// observers such as the WebSocket hub. May be nil.
type EventSink interface {
	Broadcast(channel string, payload any)
}

// Metrics records evaluation outcomes to a time-series store. May be nil.
type Metrics interface {
	WriteEvaluation(ruleID, model string, status string, duration time.Duration, commandCount int)
	WriteTokenUsage(ruleID, model string, promptTokens, completionTokens int)
	WriteRateLimit(ruleID string, suspendedFor time.Duration)
	WriteQuota(usage float64, limit float64, freeTier bool)
}

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RuleState is the lifecycle state of a rule's runner.
type RuleState string

const (
	// StateIdle: waiting for the next tick.
	StateIdle RuleState = "idle"

	// StateEvaluating: an evaluation is in flight.
	StateEvaluating RuleState = "evaluating"

	// StateSuspended: rate-limited; ticks are skipped until RetryAt.
	StateSuspended RuleState = "suspended"
)

// RateLimitState tracks a rule's rate-limit suspension. Each rule has its
// own instance; nothing is shared across rules.
type RateLimitState struct {
	// Suspended is true while ticks are being skipped.
	Suspended bool `json:"suspended"`

	// RetryAt is when evaluation may resume. Zero when not suspended.
	RetryAt time.Time `json:"retry_at,omitempty"`

	// ConsecutiveFailures counts rate-limit responses since the last
	// successful evaluation, driving the backoff progression.
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// RunnerStatus is a point-in-time view of one rule's runner, served by the
// API status endpoint.
type RunnerStatus struct {
	RuleID    string         `json:"rule_id"`
	RuleName  string         `json:"rule_name"`
	State     RuleState      `json:"state"`
	Interval  time.Duration  `json:"interval"`
	LastRun   *time.Time     `json:"last_run,omitempty"`
	RateLimit RateLimitState `json:"rate_limit"`
}
