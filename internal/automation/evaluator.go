package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// Trigger types recorded on executions.
const (
	TriggerInterval = "interval"
	TriggerManual   = "manual"
)

// maxEvaluationTime is the hard limit for a single evaluation, covering the
// sensor snapshot, the model round trip (with transport retries), and
// command dispatch. Prevents goroutine accumulation from a hung provider.
const maxEvaluationTime = 3 * time.Minute

// Transport retry policy for a single evaluation. A rate limit or an API
// error aborts immediately; only network and 5xx failures are retried.
const (
	transportRetryAttempts = 3
	transportRetryInitial  = 1 * time.Second
	transportRetryMax      = 30 * time.Second
)

// Defaults applied to rules that do not set their own model parameters.
type Defaults struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Evaluator performs single rule evaluations.
//
// It is stateless between evaluations; all per-rule loop state (tickers,
// suspension) lives in the Runner.
//
// Thread Safety: Evaluate is safe for concurrent use across different
// rules. The Runner guarantees per-rule serialization.
type Evaluator struct {
	sensors  SensorSource
	chat     ChatClient
	sink     CommandSink
	rules    RuleSource
	defaults Defaults
	logger   Logger

	// Transport retry intervals, shortened in tests.
	retryInitial time.Duration
	retryMax     time.Duration
}

// NewEvaluator creates an evaluator.
//
// Parameters:
//   - sensors: Entity state source for prompt construction
//   - chat: Model provider client
//   - sink: Command dispatcher for validated commands
//   - rules: Registry, used here only to persist execution records
//   - defaults: Model parameters for rules that do not set their own
//   - logger: Logger instance (nil for no logging)
func NewEvaluator(sensors SensorSource, chat ChatClient, sink CommandSink, rules RuleSource, defaults Defaults, logger Logger) *Evaluator {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Evaluator{
		sensors:      sensors,
		chat:         chat,
		sink:         sink,
		rules:        rules,
		defaults:     defaults,
		logger:       logger,
		retryInitial: transportRetryInitial,
		retryMax:     transportRetryMax,
	}
}

// Evaluate runs one evaluation of the rule and records the execution.
//
// The returned Execution always carries a terminal status; the error is
// non-nil for rate_limited, invalid_response, and failed outcomes so the
// caller can branch on the taxonomy:
//
//   - *openrouter.RateLimitError (via errors.As): suspend the rule
//   - ErrInvalidResponse: count the failure, do not retry this reply
//   - anything else: transport or dispatch failure, already retried
//
// Commands are dispatched only after the full reply validates; a reply
// that never parses applies nothing.
func (e *Evaluator) Evaluate(ctx context.Context, r *rule.Rule, trigger string) (*rule.Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, maxEvaluationTime)
	defer cancel()

	started := time.Now().UTC()
	exec := &rule.Execution{
		ID:          rule.GenerateID(),
		RuleID:      r.ID,
		TriggeredAt: started,
		Trigger:     trigger,
	}

	err := e.evaluate(ctx, r, exec)

	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	duration := int(completed.Sub(started).Milliseconds())
	exec.DurationMS = &duration
	if err != nil {
		msg := err.Error()
		exec.Error = &msg
	}

	if recordErr := e.rules.RecordExecution(ctx, exec); recordErr != nil {
		// Evaluation outcome matters more than its audit trail.
		e.logger.Error("failed to record execution",
			"rule_id", r.ID, "execution_id", exec.ID, "error", recordErr)
	}

	e.logger.Info("evaluation complete",
		"rule_id", r.ID,
		"execution_id", exec.ID,
		"trigger", trigger,
		"status", exec.Status,
		"dispatched", exec.CommandsDispatched,
		"failed", exec.CommandsFailed,
		"duration_ms", duration,
	)
	return exec, err
}

// evaluate performs the snapshot/prompt/completion/dispatch sequence,
// setting the execution status as a side effect.
func (e *Evaluator) evaluate(ctx context.Context, r *rule.Rule, exec *rule.Execution) error {
	snapshot, err := e.sensors.States(ctx, r.Sensors)
	if err != nil {
		exec.Status = rule.StatusFailed
		return fmt.Errorf("reading sensors: %w", err)
	}

	req := e.buildRequest(r, snapshot)

	resp, err := e.chatWithRetry(ctx, req)
	if err != nil {
		if _, limited := openrouter.IsRateLimited(err); limited {
			exec.Status = rule.StatusRateLimited
		} else {
			exec.Status = rule.StatusFailed
		}
		return err
	}

	exec.PromptTokens = resp.Usage.PromptTokens
	exec.CompletionTokens = resp.Usage.CompletionTokens

	decision, err := ParseDecision(resp.Content(), r.Actuators)
	if err != nil {
		exec.Status = rule.StatusInvalidResponse
		return err
	}

	exec.Reasoning = decision.Reasoning
	exec.Commands = decision.Commands
	exec.CommandsTotal = len(decision.Commands) + len(decision.Rejected)
	exec.CommandsFailed = len(decision.Rejected)

	for _, rejected := range decision.Rejected {
		e.logger.Warn("model command rejected",
			"rule_id", r.ID,
			"entity_id", rejected.Command.EntityID,
			"action", rejected.Command.Action,
			"reason", rejected.Reason,
		)
	}

	source := "rule:" + r.ID
	for _, cmd := range decision.Commands {
		if dispatchErr := e.sink.Dispatch(ctx, source, cmd); dispatchErr != nil {
			exec.CommandsFailed++
			e.logger.Error("command dispatch failed",
				"rule_id", r.ID,
				"entity_id", cmd.EntityID,
				"action", cmd.Action,
				"error", dispatchErr,
			)
			continue
		}
		exec.CommandsDispatched++
	}

	switch {
	case exec.CommandsFailed == 0:
		exec.Status = rule.StatusCompleted
	case exec.CommandsDispatched > 0:
		exec.Status = rule.StatusPartial
	default:
		exec.Status = rule.StatusFailed
		return fmt.Errorf("all %d commands failed", exec.CommandsFailed)
	}
	return nil
}

// buildRequest assembles the chat request, falling back to controller
// defaults for unset model parameters.
func (e *Evaluator) buildRequest(r *rule.Rule, snapshot Snapshot) openrouter.ChatRequest {
	model := r.Model
	if model == "" {
		model = e.defaults.Model
	}
	maxTokens := r.MaxTokens
	if maxTokens == 0 {
		maxTokens = e.defaults.MaxTokens
	}
	temperature := r.Temperature
	if temperature == 0 {
		temperature = e.defaults.Temperature
	}

	return openrouter.ChatRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages: []openrouter.Message{
			{Role: openrouter.RoleSystem, Content: systemMessage},
			{Role: openrouter.RoleUser, Content: BuildPrompt(snapshot, r.Actuators, r.Instruction)},
		},
	}
}

// chatWithRetry sends the completion request, retrying transport failures
// with capped exponential backoff. Rate limits and API errors are permanent
// within an evaluation; the runner decides what happens across evaluations.
func (e *Evaluator) chatWithRetry(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.retryInitial
	exp.MaxInterval = e.retryMax
	exp.Multiplier = 2.0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = backoff.WithContext(exp, ctx)
	b = backoff.WithMaxRetries(b, transportRetryAttempts-1)

	var resp *openrouter.ChatResponse
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		resp, err = e.chat.ChatCompletion(ctx, req)
		if err == nil {
			return nil
		}
		if !errors.Is(err, openrouter.ErrTransport) {
			return backoff.Permanent(err)
		}
		e.logger.Warn("chat completion transport failure",
			"attempt", attempt, "error", err)
		return err
	}

	if err := backoff.Retry(operation, b); err != nil {
		return nil, err
	}
	return resp, nil
}
