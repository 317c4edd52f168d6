package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

type mockNotifier struct {
	mu            sync.Mutex
	notifications []Notification
}

func (m *mockNotifier) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *mockNotifier) all() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]Notification, len(m.notifications))
	copy(cpy, m.notifications)
	return cpy
}

type mockEvents struct {
	mu     sync.Mutex
	events []struct {
		Channel string
		Payload any
	}
}

func (m *mockEvents) Broadcast(channel string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, struct {
		Channel string
		Payload any
	}{channel, payload})
}

func (m *mockEvents) channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Channel
	}
	return out
}

type mockMetrics struct {
	mu         sync.Mutex
	rateLimits []time.Duration
}

func (m *mockMetrics) WriteEvaluation(string, string, string, time.Duration, int) {}
func (m *mockMetrics) WriteTokenUsage(string, string, int, int)                   {}
func (m *mockMetrics) WriteQuota(float64, float64, bool)                          {}

func (m *mockMetrics) WriteRateLimit(_ string, suspendedFor time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = append(m.rateLimits, suspendedFor)
}

func (m *mockMetrics) suspensions() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]time.Duration, len(m.rateLimits))
	copy(cpy, m.rateLimits)
	return cpy
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func fastRule(id string, interval time.Duration) *rule.Rule {
	r := hallwayRule()
	r.ID = id
	r.Slug = id
	r.Interval = interval
	return r
}

func setupRunner(t *testing.T, chat *mockChat, cfg RunnerConfig, rules ...*rule.Rule) (*Runner, *mockRuleSource, *mockNotifier) {
	t.Helper()

	sensors := &mockSensors{snapshot: hallwaySnapshot()}
	sink := &mockSink{}
	source := newMockRuleSource(rules...)
	eval := NewEvaluator(sensors, chat, sink, source, Defaults{Model: "deepseek/deepseek-chat"}, noopLogger{})
	eval.retryInitial = time.Millisecond
	eval.retryMax = 2 * time.Millisecond

	runner := NewRunner(eval, source, cfg)
	notifier := &mockNotifier{}
	runner.SetNotifier(notifier)
	return runner, source, notifier
}

func countStatus(execs []rule.Execution, status rule.ExecutionStatus) int {
	n := 0
	for _, e := range execs {
		if e.Status == status {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestRunner_NoConcurrentEvaluations(t *testing.T) {
	// Evaluations take 80ms against a 20ms tick: ticks must coalesce.
	chat := &mockChat{
		script:   []chatStep{{reply: hallwayReply}},
		blockFor: 80 * time.Millisecond,
	}
	runner, _, _ := setupRunner(t, chat, RunnerConfig{}, fastRule("rule-fast", 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	waitFor(t, 2*time.Second, func() bool { return chat.callCount() >= 3 },
		"evaluations never ran")
	runner.Stop()

	chat.mu.Lock()
	peak := chat.maxActive
	chat.mu.Unlock()
	if peak > 1 {
		t.Errorf("observed %d concurrent evaluations of one rule, want 1", peak)
	}
}

func TestRunner_TriggerNowWhileInFlight(t *testing.T) {
	chat := &mockChat{
		script:   []chatStep{{reply: hallwayReply}},
		blockFor: 200 * time.Millisecond,
	}
	runner, source, _ := setupRunner(t, chat, RunnerConfig{}, fastRule("rule-01", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = runner.TriggerNow(ctx, "rule-01")
	}()

	waitFor(t, time.Second, func() bool { return chat.callCount() >= 1 },
		"first trigger never started")

	if _, err := runner.TriggerNow(ctx, "rule-01"); !errors.Is(err, ErrInFlight) {
		t.Errorf("TriggerNow() during evaluation error = %v, want ErrInFlight", err)
	}
	wg.Wait()

	if n := countStatus(source.recorded(), rule.StatusSkipped); n != 1 {
		t.Errorf("skipped executions = %d, want 1", n)
	}
}

func TestRunner_RateLimitSuspendResume(t *testing.T) {
	// First evaluation hits a 429 with a Retry-After hint, which sets
	// the suspension window. After the window the rule resumes.
	chat := &mockChat{script: []chatStep{
		{err: &openrouter.RateLimitError{RetryAfter: 150 * time.Millisecond}},
		{reply: hallwayReply},
	}}
	cfg := RunnerConfig{BackoffInitial: 50 * time.Millisecond, BackoffMax: time.Second}
	runner, source, notifier := setupRunner(t, chat, cfg, fastRule("rule-01", 40*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	// Wait for the suspension.
	waitFor(t, 2*time.Second, func() bool {
		st, err := runner.Status("rule-01")
		return err == nil && st.State == StateSuspended
	}, "rule never suspended")

	st, err := runner.Status("rule-01")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.RateLimit.Suspended || st.RateLimit.ConsecutiveFailures != 1 {
		t.Errorf("rate limit state = %+v", st.RateLimit)
	}
	if st.RateLimit.RetryAt.IsZero() {
		t.Error("RetryAt not set during suspension")
	}

	// Manual triggers are refused while suspended.
	if _, trigErr := runner.TriggerNow(ctx, "rule-01"); !errors.Is(trigErr, ErrSuspended) {
		t.Errorf("TriggerNow() while suspended error = %v, want ErrSuspended", trigErr)
	}

	// No request leaves before the window elapses: exactly one chat call
	// happened so far (the one that produced the 429).
	if chat.callCount() != 1 {
		t.Errorf("chat called %d times during suspension, want 1", chat.callCount())
	}

	// After the window the rule resumes and evaluates again.
	waitFor(t, 2*time.Second, func() bool { return chat.callCount() >= 2 },
		"rule never resumed")

	waitFor(t, time.Second, func() bool {
		st, stErr := runner.Status("rule-01")
		return stErr == nil && !st.RateLimit.Suspended
	}, "suspension flag never cleared")

	// Both notifications went out, suspend first.
	notes := notifier.all()
	if len(notes) < 2 {
		t.Fatalf("notifications = %d, want at least 2", len(notes))
	}
	if notes[0].ID != notificationID || !strings.Contains(notes[0].Message, "rate limit exceeded") {
		t.Errorf("suspend notification = %+v", notes[0])
	}
	if !strings.Contains(notes[1].Message, "resumed normal operation") {
		t.Errorf("resume notification = %+v", notes[1])
	}

	// Skipped ticks during the window were recorded.
	if n := countStatus(source.recorded(), rule.StatusSkipped); n == 0 {
		t.Error("no skipped executions recorded during suspension")
	}
}

func TestRunner_RetryAfterUsedVerbatim(t *testing.T) {
	// At production backoff defaults a 429 carrying Retry-After: 30
	// suspends for the hinted 30s, not the 60s backoff floor, and the
	// doubling progression stays reserved for hint-less 429s.
	chat := &mockChat{script: []chatStep{
		{err: &openrouter.RateLimitError{RetryAfter: 30 * time.Second}},
	}}
	runner, _, _ := setupRunner(t, chat, RunnerConfig{}, fastRule("rule-01", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	before := time.Now().UTC()
	exec, _ := runner.TriggerNow(ctx, "rule-01")
	if exec == nil || exec.Status != rule.StatusRateLimited {
		t.Fatalf("execution = %+v, want rate_limited", exec)
	}

	st, err := runner.Status("rule-01")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !st.RateLimit.Suspended {
		t.Fatal("rule not suspended after 429")
	}
	window := st.RateLimit.RetryAt.Sub(before)
	if window < 29*time.Second || window > 31*time.Second {
		t.Errorf("suspension window = %s, want the 30s server hint", window)
	}

	// The hinted 429 must not have consumed the exponential progression:
	// the next hint-less suspension still starts at the initial interval.
	runner.mu.Lock()
	rr := runner.runners["rule-01"]
	runner.mu.Unlock()
	rr.mu.Lock()
	next := rr.backoff.NextBackOff()
	rr.mu.Unlock()
	if next != defaultBackoffInitial {
		t.Errorf("backoff after hinted 429 = %s, want untouched initial %s", next, defaultBackoffInitial)
	}
}

func TestRunner_BackoffProgression(t *testing.T) {
	// Without a server hint, consecutive 429s double the window.
	chat := &mockChat{script: []chatStep{{err: &openrouter.RateLimitError{}}}}
	cfg := RunnerConfig{BackoffInitial: 40 * time.Millisecond, BackoffMax: time.Second}
	runner, _, _ := setupRunner(t, chat, cfg, fastRule("rule-01", 25*time.Millisecond))
	metrics := &mockMetrics{}
	runner.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	waitFor(t, 3*time.Second, func() bool { return len(metrics.suspensions()) >= 3 },
		"suspensions never progressed")
	runner.Stop()

	windows := metrics.suspensions()
	if windows[0] != 40*time.Millisecond {
		t.Errorf("first window = %v, want 40ms", windows[0])
	}
	if windows[1] != 80*time.Millisecond {
		t.Errorf("second window = %v, want 80ms", windows[1])
	}
	if windows[2] != 160*time.Millisecond {
		t.Errorf("third window = %v, want 160ms", windows[2])
	}
}

func TestRunner_BackoffResetOnSuccess(t *testing.T) {
	// 429, success, 429: the second suspension starts at the floor again.
	chat := &mockChat{script: []chatStep{
		{err: &openrouter.RateLimitError{}},
		{reply: hallwayReply},
		{err: &openrouter.RateLimitError{}},
		{reply: hallwayReply},
	}}
	cfg := RunnerConfig{BackoffInitial: 30 * time.Millisecond, BackoffMax: time.Second}
	runner, _, _ := setupRunner(t, chat, cfg, fastRule("rule-01", 20*time.Millisecond))
	metrics := &mockMetrics{}
	runner.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	waitFor(t, 3*time.Second, func() bool { return len(metrics.suspensions()) >= 2 },
		"second suspension never happened")
	runner.Stop()

	windows := metrics.suspensions()
	if windows[0] != 30*time.Millisecond || windows[1] != 30*time.Millisecond {
		t.Errorf("windows = %v, want both at the 30ms floor", windows[:2])
	}
}

func TestRunner_RuleIsolation(t *testing.T) {
	// Rule A is permanently rate limited; rule B keeps evaluating.
	chatA := &openrouter.RateLimitError{}
	chat := &scriptedByRule{
		replies: map[string]chatStep{
			"rule-a": {err: chatA},
			"rule-b": {reply: hallwayReply},
		},
	}
	cfg := RunnerConfig{BackoffInitial: 10 * time.Second, BackoffMax: time.Minute}
	ruleA := fastRule("rule-a", 30*time.Millisecond)
	ruleA.Instruction = "rule-a instruction"
	ruleB := fastRule("rule-b", 30*time.Millisecond)
	ruleB.Instruction = "rule-b instruction"

	sensors := &mockSensors{snapshot: hallwaySnapshot()}
	sink := &mockSink{}
	source := newMockRuleSource(ruleA, ruleB)
	eval := NewEvaluator(sensors, chat, sink, source, Defaults{Model: "m"}, noopLogger{})
	runner := NewRunner(eval, source, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	waitFor(t, 2*time.Second, func() bool { return chat.count("rule-b") >= 3 },
		"rule B stopped evaluating")

	stA, err := runner.Status("rule-a")
	if err != nil {
		t.Fatalf("Status(rule-a) error = %v", err)
	}
	if stA.State != StateSuspended {
		t.Errorf("rule A state = %q, want suspended", stA.State)
	}
	stB, err := runner.Status("rule-b")
	if err != nil {
		t.Fatalf("Status(rule-b) error = %v", err)
	}
	if stB.State == StateSuspended {
		t.Error("rule B suspended by rule A's rate limit")
	}
}

// scriptedByRule answers per rule ID, keyed off the prompt content.
type scriptedByRule struct {
	mu      sync.Mutex
	replies map[string]chatStep
	calls   map[string]int
}

func (s *scriptedByRule) ChatCompletion(_ context.Context, req openrouter.ChatRequest) (*openrouter.ChatResponse, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	var step chatStep
	for id, st := range s.replies {
		if strings.Contains(req.Messages[1].Content, id) {
			step = st
			s.calls[id]++
			break
		}
	}
	s.mu.Unlock()

	if step.err != nil {
		return nil, step.err
	}
	return &openrouter.ChatResponse{
		Choices: []openrouter.Choice{{Message: openrouter.Message{Content: step.reply}}},
	}, nil
}

func (s *scriptedByRule) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func TestRunner_TriggerNow(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	runner, source, _ := setupRunner(t, chat, RunnerConfig{}, fastRule("rule-01", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	exec, err := runner.TriggerNow(ctx, "rule-01")
	if err != nil {
		t.Fatalf("TriggerNow() error = %v", err)
	}
	if exec.Trigger != TriggerManual {
		t.Errorf("trigger = %q, want manual", exec.Trigger)
	}
	if exec.Status != rule.StatusCompleted {
		t.Errorf("status = %q, want completed", exec.Status)
	}
	if len(source.recorded()) != 1 {
		t.Errorf("recorded %d executions, want 1", len(source.recorded()))
	}

	if _, err := runner.TriggerNow(ctx, "no-such-rule"); !errors.Is(err, ErrRunnerNotFound) {
		t.Errorf("TriggerNow(unknown) error = %v, want ErrRunnerNotFound", err)
	}
}

func TestRunner_TriggerNowBeforeStart(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	runner, _, _ := setupRunner(t, chat, RunnerConfig{}, fastRule("rule-01", time.Hour))

	if _, err := runner.TriggerNow(context.Background(), "rule-01"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("TriggerNow() before Start error = %v, want ErrNotStarted", err)
	}
}

func TestRunner_OnRuleChanged(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	r := fastRule("rule-01", time.Hour)
	runner, source, _ := setupRunner(t, chat, RunnerConfig{}, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	if _, err := runner.Status("rule-01"); err != nil {
		t.Fatalf("runner missing after Start: %v", err)
	}

	// Disable: runner goes away.
	source.setEnabled("rule-01", false)
	runner.OnRuleChanged("rule-01")
	if _, err := runner.Status("rule-01"); !errors.Is(err, ErrRunnerNotFound) {
		t.Errorf("Status() after disable error = %v, want ErrRunnerNotFound", err)
	}

	// Re-enable: runner comes back with the fresh definition.
	source.setEnabled("rule-01", true)
	runner.OnRuleChanged("rule-01")
	st, err := runner.Status("rule-01")
	if err != nil {
		t.Fatalf("Status() after re-enable error = %v", err)
	}
	if st.State != StateIdle {
		t.Errorf("state = %q, want idle", st.State)
	}

	// Unknown rule is a no-op.
	runner.OnRuleChanged("no-such-rule")
}

func TestRunner_StatusAll(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	runner, _, _ := setupRunner(t, chat, RunnerConfig{},
		fastRule("rule-a", time.Hour), fastRule("rule-b", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	statuses := runner.StatusAll()
	if len(statuses) != 2 {
		t.Fatalf("StatusAll() = %d runners, want 2", len(statuses))
	}
	for _, st := range statuses {
		if st.State != StateIdle {
			t.Errorf("rule %s state = %q, want idle", st.RuleID, st.State)
		}
	}
}

func TestRunner_EventBroadcasts(t *testing.T) {
	chat := &mockChat{script: []chatStep{
		{err: &openrouter.RateLimitError{}},
		{reply: hallwayReply},
	}}
	cfg := RunnerConfig{BackoffInitial: 40 * time.Millisecond, BackoffMax: time.Second}
	runner, _, _ := setupRunner(t, chat, cfg, fastRule("rule-01", 25*time.Millisecond))
	events := &mockEvents{}
	runner.SetEvents(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer runner.Stop()

	waitFor(t, 2*time.Second, func() bool {
		seen := map[string]bool{}
		for _, ch := range events.channels() {
			seen[ch] = true
		}
		return seen["rule.suspended"] && seen["rule.resumed"] && seen["rule.evaluated"]
	}, "expected suspended, resumed, and evaluated broadcasts")
}

func TestRunner_StopIdempotent(t *testing.T) {
	chat := &mockChat{script: []chatStep{{reply: hallwayReply}}}
	runner, _, _ := setupRunner(t, chat, RunnerConfig{}, fastRule("rule-01", time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	runner.Stop()
	runner.Stop() // second call is a no-op
}
