package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// mockSensors serves a fixed snapshot.
type mockSensors struct {
	snapshot Snapshot
	err      error
}

func (m *mockSensors) States(_ context.Context, entityIDs []string) (Snapshot, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make(Snapshot, len(entityIDs))
	for _, id := range entityIDs {
		if state, ok := m.snapshot[id]; ok {
			out[id] = state
		}
	}
	return out, nil
}

// mockChat replays a scripted sequence of replies and errors. When the
// script runs out the last step repeats.
type mockChat struct {
	mu       sync.Mutex
	script   []chatStep
	calls    int
	requests []openrouter.ChatRequest

	// blockFor makes each call take this long, for concurrency tests.
	blockFor time.Duration

	// active tracks concurrent calls; maxActive records the peak.
	maxActive int
	active    int
}

type chatStep struct {
	reply string
	usage openrouter.Usage
	err   error
}

func (m *mockChat) ChatCompletion(ctx context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
	idx := m.calls - 1
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	step := m.script[idx]
	block := m.blockFor
	m.mu.Unlock()

	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	m.active--
	m.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	return &openrouter.ChatResponse{
		Choices: []openrouter.Choice{{Message: openrouter.Message{
			Role:    openrouter.RoleAssistant,
			Content: step.reply,
		}}},
		Usage: step.usage,
	}, nil
}

func (m *mockChat) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockChat) lastRequest() openrouter.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// mockSink records dispatched commands.
type mockSink struct {
	mu         sync.Mutex
	dispatched []rule.Command
	failEntity string
}

func (m *mockSink) Dispatch(_ context.Context, _ string, cmd rule.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEntity != "" && cmd.EntityID == m.failEntity {
		return errors.New("sink rejected command")
	}
	m.dispatched = append(m.dispatched, cmd)
	return nil
}

func (m *mockSink) commands() []rule.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]rule.Command, len(m.dispatched))
	copy(cpy, m.dispatched)
	return cpy
}

// mockRuleSource holds rules in memory and records executions.
type mockRuleSource struct {
	mu         sync.Mutex
	rules      map[string]*rule.Rule
	executions []rule.Execution
}

func newMockRuleSource(rules ...*rule.Rule) *mockRuleSource {
	m := &mockRuleSource{rules: make(map[string]*rule.Rule)}
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	return m
}

func (m *mockRuleSource) Get(_ context.Context, id string) (*rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok {
		return r.DeepCopy(), nil
	}
	return nil, rule.ErrNotFound
}

func (m *mockRuleSource) ListEnabled(_ context.Context) ([]rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rule.Rule
	for _, r := range m.rules {
		if r.Enabled {
			out = append(out, *r.DeepCopy())
		}
	}
	return out, nil
}

func (m *mockRuleSource) RecordExecution(_ context.Context, exec *rule.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, *exec)
	return nil
}

func (m *mockRuleSource) recorded() []rule.Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]rule.Execution, len(m.executions))
	copy(cpy, m.executions)
	return cpy
}

func (m *mockRuleSource) setEnabled(id string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[id]; ok {
		r.Enabled = enabled
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func hallwayRule() *rule.Rule {
	return &rule.Rule{
		ID:          "rule-01",
		Name:        "Hallway Motion Light",
		Slug:        "hallway_motion_light",
		Enabled:     true,
		Interval:    5 * time.Minute,
		Sensors:     []string{"binary_sensor.hallway_motion", "sensor.hallway_illuminance"},
		Actuators:   []string{"light.hallway"},
		Instruction: "Turn on the hallway light at 30% when it is dark and motion is detected.",
	}
}

func hallwaySnapshot() Snapshot {
	return Snapshot{
		"binary_sensor.hallway_motion": {State: "on"},
		"sensor.hallway_illuminance":   {State: "8"},
	}
}

const hallwayReply = `{"reasoning": "Motion detected in darkness, turning on hallway light at 30%.", "commands": [{"entity_id": "light.hallway", "action": "turn_on", "service_params": {"brightness_pct": 30}}]}`

func setupEvaluator(t *testing.T, chat *mockChat) (*Evaluator, *mockSink, *mockRuleSource) {
	t.Helper()

	sensors := &mockSensors{snapshot: hallwaySnapshot()}
	sink := &mockSink{}
	source := newMockRuleSource(hallwayRule())
	defaults := Defaults{Model: "deepseek/deepseek-chat", MaxTokens: 500, Temperature: 0.7}

	eval := NewEvaluator(sensors, chat, sink, source, defaults, noopLogger{})
	eval.retryInitial = time.Millisecond
	eval.retryMax = 5 * time.Millisecond
	return eval, sink, source
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestEvaluate_Success(t *testing.T) {
	chat := &mockChat{script: []chatStep{{
		reply: hallwayReply,
		usage: openrouter.Usage{PromptTokens: 120, CompletionTokens: 40},
	}}}
	eval, sink, source := setupEvaluator(t, chat)

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if exec.Status != rule.StatusCompleted {
		t.Errorf("status = %q, want completed", exec.Status)
	}
	if exec.Trigger != TriggerInterval {
		t.Errorf("trigger = %q, want interval", exec.Trigger)
	}
	if exec.PromptTokens != 120 || exec.CompletionTokens != 40 {
		t.Errorf("tokens = %d/%d, want 120/40", exec.PromptTokens, exec.CompletionTokens)
	}
	if exec.Reasoning == "" {
		t.Error("reasoning not captured")
	}

	// The hallway command was dispatched exactly once.
	cmds := sink.commands()
	if len(cmds) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(cmds))
	}
	if cmds[0].EntityID != "light.hallway" || cmds[0].Action != "turn_on" {
		t.Errorf("dispatched %s/%s, want light.hallway/turn_on", cmds[0].EntityID, cmds[0].Action)
	}
	if cmds[0].ServiceParams["brightness_pct"] != float64(30) {
		t.Errorf("brightness_pct = %v, want 30", cmds[0].ServiceParams["brightness_pct"])
	}

	// The execution was recorded.
	recorded := source.recorded()
	if len(recorded) != 1 {
		t.Fatalf("recorded %d executions, want 1", len(recorded))
	}
	if recorded[0].Status != rule.StatusCompleted || recorded[0].CommandsDispatched != 1 {
		t.Errorf("recorded execution = %+v", recorded[0])
	}
	if recorded[0].DurationMS == nil {
		t.Error("duration not recorded")
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	// The same model decision twice produces the same command set.
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	eval, sink, _ := setupEvaluator(t, chat)

	r := hallwayRule()
	for i := 0; i < 2; i++ {
		if _, err := eval.Evaluate(context.Background(), r, TriggerInterval); err != nil {
			t.Fatalf("Evaluate() #%d error = %v", i, err)
		}
	}

	cmds := sink.commands()
	if len(cmds) != 2 {
		t.Fatalf("dispatched %d commands, want 2", len(cmds))
	}
	if cmds[0].EntityID != cmds[1].EntityID || cmds[0].Action != cmds[1].Action {
		t.Error("identical decisions produced different commands")
	}
}

func TestEvaluate_RateLimited(t *testing.T) {
	chat := &mockChat{script: []chatStep{{
		err: &openrouter.RateLimitError{RetryAfter: 30 * time.Second},
	}}}
	eval, sink, source := setupEvaluator(t, chat)

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)

	rle, ok := openrouter.IsRateLimited(err)
	if !ok {
		t.Fatalf("error = %v, want RateLimitError", err)
	}
	if rle.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", rle.RetryAfter)
	}
	if exec.Status != rule.StatusRateLimited {
		t.Errorf("status = %q, want rate_limited", exec.Status)
	}

	// Rate limits are not retried within an evaluation.
	if chat.callCount() != 1 {
		t.Errorf("chat called %d times, want 1", chat.callCount())
	}
	if len(sink.commands()) != 0 {
		t.Error("commands dispatched despite rate limit")
	}
	if recorded := source.recorded(); len(recorded) != 1 || recorded[0].Status != rule.StatusRateLimited {
		t.Errorf("recorded = %+v", recorded)
	}
}

func TestEvaluate_InvalidResponse(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: "Sorry, I can't help with that."}}}
	eval, sink, _ := setupEvaluator(t, chat)

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("error = %v, want ErrInvalidResponse", err)
	}
	if exec.Status != rule.StatusInvalidResponse {
		t.Errorf("status = %q, want invalid_response", exec.Status)
	}
	if len(sink.commands()) != 0 {
		t.Error("commands dispatched from invalid response")
	}
	if chat.callCount() != 1 {
		t.Errorf("chat called %d times, want 1 (no retry on invalid response)", chat.callCount())
	}
}

func TestEvaluate_TransportRetry(t *testing.T) {
	transportErr := fmt.Errorf("%w: status 502", openrouter.ErrTransport)
	chat := &mockChat{script: []chatStep{
		{err: transportErr},
		{err: transportErr},
		{reply: hallwayReply},
	}}
	eval, sink, _ := setupEvaluator(t, chat)

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if exec.Status != rule.StatusCompleted {
		t.Errorf("status = %q, want completed", exec.Status)
	}
	if chat.callCount() != 3 {
		t.Errorf("chat called %d times, want 3", chat.callCount())
	}
	if len(sink.commands()) != 1 {
		t.Errorf("dispatched %d commands, want 1", len(sink.commands()))
	}
}

func TestEvaluate_TransportExhausted(t *testing.T) {
	transportErr := fmt.Errorf("%w: connection refused", openrouter.ErrTransport)
	chat := &mockChat{script: []chatStep{{err: transportErr}}}
	eval, sink, _ := setupEvaluator(t, chat)

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)
	if !errors.Is(err, openrouter.ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	if exec.Status != rule.StatusFailed {
		t.Errorf("status = %q, want failed", exec.Status)
	}
	if chat.callCount() != 3 {
		t.Errorf("chat called %d times, want 3 attempts", chat.callCount())
	}
	if len(sink.commands()) != 0 {
		t.Error("commands dispatched despite transport failure")
	}
}

func TestEvaluate_PartialDispatch(t *testing.T) {
	reply := `{"reasoning": "r", "commands": [` +
		`{"entity_id": "light.hallway", "action": "turn_on"},` +
		`{"entity_id": "switch.fan", "action": "turn_on"}]}`
	chat := &mockChat{script: []chatStep{{reply: reply}}}

	sensors := &mockSensors{snapshot: hallwaySnapshot()}
	sink := &mockSink{failEntity: "switch.fan"}
	source := newMockRuleSource()
	eval := NewEvaluator(sensors, chat, sink, source, Defaults{Model: "m"}, noopLogger{})

	r := hallwayRule()
	r.Actuators = []string{"light.hallway", "switch.fan"}

	exec, err := eval.Evaluate(context.Background(), r, TriggerManual)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if exec.Status != rule.StatusPartial {
		t.Errorf("status = %q, want partial", exec.Status)
	}
	if exec.CommandsDispatched != 1 || exec.CommandsFailed != 1 {
		t.Errorf("dispatched/failed = %d/%d, want 1/1", exec.CommandsDispatched, exec.CommandsFailed)
	}
}

func TestEvaluate_RejectedCommandCounts(t *testing.T) {
	// A command outside the actuator allowlist is counted as failed but
	// does not block the valid one.
	reply := `{"reasoning": "r", "commands": [` +
		`{"entity_id": "light.hallway", "action": "turn_on"},` +
		`{"entity_id": "light.bedroom", "action": "turn_on"}]}`
	chat := &mockChat{script: []chatStep{{reply: reply}}}
	eval, sink, _ := setupEvaluator(t, chat)

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if exec.Status != rule.StatusPartial {
		t.Errorf("status = %q, want partial", exec.Status)
	}
	if exec.CommandsTotal != 2 || exec.CommandsDispatched != 1 || exec.CommandsFailed != 1 {
		t.Errorf("counts = %d/%d/%d, want 2/1/1",
			exec.CommandsTotal, exec.CommandsDispatched, exec.CommandsFailed)
	}
	if len(sink.commands()) != 1 {
		t.Errorf("dispatched %d commands, want 1", len(sink.commands()))
	}
}

func TestEvaluate_EmptyCommands(t *testing.T) {
	chat := &mockChat{script: []chatStep{{
		reply: `{"reasoning": "nothing to do, no motion", "commands": []}`,
	}}}
	eval, sink, _ := setupEvaluator(t, chat)

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if exec.Status != rule.StatusCompleted {
		t.Errorf("status = %q, want completed", exec.Status)
	}
	if len(sink.commands()) != 0 {
		t.Error("commands dispatched from empty decision")
	}
	if exec.Reasoning != "nothing to do, no motion" {
		t.Errorf("reasoning = %q", exec.Reasoning)
	}
}

func TestEvaluate_DefaultsApplied(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	eval, _, _ := setupEvaluator(t, chat)

	// Rule sets nothing: controller defaults fill the request.
	r := hallwayRule()
	if _, err := eval.Evaluate(context.Background(), r, TriggerInterval); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	req := chat.lastRequest()
	if req.Model != "deepseek/deepseek-chat" || req.MaxTokens != 500 || req.Temperature != 0.7 {
		t.Errorf("request = %s/%d/%.1f, want defaults", req.Model, req.MaxTokens, req.Temperature)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != openrouter.RoleSystem {
		t.Errorf("messages = %+v, want system+user", req.Messages)
	}

	// Rule overrides win.
	r.Model = "openai/gpt-4o"
	r.MaxTokens = 800
	r.Temperature = 0.2
	if _, err := eval.Evaluate(context.Background(), r, TriggerInterval); err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	req = chat.lastRequest()
	if req.Model != "openai/gpt-4o" || req.MaxTokens != 800 || req.Temperature != 0.2 {
		t.Errorf("request = %s/%d/%.1f, want rule overrides", req.Model, req.MaxTokens, req.Temperature)
	}
}

func TestEvaluate_SensorFailure(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	sensors := &mockSensors{err: errors.New("broker gone")}
	sink := &mockSink{}
	source := newMockRuleSource()
	eval := NewEvaluator(sensors, chat, sink, source, Defaults{Model: "m"}, noopLogger{})

	exec, err := eval.Evaluate(context.Background(), hallwayRule(), TriggerInterval)
	if err == nil {
		t.Fatal("Evaluate() expected error when sensors fail")
	}
	if exec.Status != rule.StatusFailed {
		t.Errorf("status = %q, want failed", exec.Status)
	}
	if chat.callCount() != 0 {
		t.Error("model called despite sensor failure")
	}
}
