package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// Rate-limit suspension backoff defaults. The first suspension without a
// server hint waits backoffInitial; consecutive rate limits double the wait
// up to backoffMax.
const (
	defaultBackoffInitial = 60 * time.Second
	defaultBackoffMax     = 3600 * time.Second

	// notificationID deduplicates rate-limit notifications: a new
	// suspension replaces the previous notice instead of stacking.
	notificationID = "openrouter_rate_limit"
)

// RunnerConfig tunes the rate-limit suspension backoff. Zero values use
// the defaults above. Shortened intervals are only useful in tests.
type RunnerConfig struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Runner schedules periodic evaluations for all enabled rules.
//
// Each rule gets its own goroutine ticking at the rule's interval. Rules
// never share loop state: a suspension or slow evaluation of one rule does
// not delay any other.
//
// Thread Safety: all public methods are safe for concurrent use.
type Runner struct {
	evaluator *Evaluator
	rules     RuleSource
	cfg       RunnerConfig

	notifier Notifier
	events   EventSink
	metrics  Metrics
	logger   Logger

	mu      sync.Mutex
	runners map[string]*ruleRunner
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner.
//
// Parameters:
//   - evaluator: Performs single evaluations
//   - rules: Registry for listing enabled rules and recording skips
//   - cfg: Backoff tuning (zero values for production defaults)
func NewRunner(evaluator *Evaluator, rules RuleSource, cfg RunnerConfig) *Runner {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = defaultBackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	return &Runner{
		evaluator: evaluator,
		rules:     rules,
		cfg:       cfg,
		logger:    noopLogger{},
		runners:   make(map[string]*ruleRunner),
	}
}

// SetNotifier sets the notifier for suspension and resume notices.
func (r *Runner) SetNotifier(n Notifier) {
	r.notifier = n
}

// SetEvents sets the event sink for loop broadcasts.
func (r *Runner) SetEvents(events EventSink) {
	r.events = events
}

// SetMetrics sets the metrics recorder.
func (r *Runner) SetMetrics(m Metrics) {
	r.metrics = m
}

// SetLogger sets the logger for the runner and its rule goroutines.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// Start launches a runner goroutine for every enabled rule.
//
// The context bounds the lifetime of all rule goroutines; cancelling it is
// equivalent to Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	rules, err := r.rules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing enabled rules: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true

	for i := range rules {
		r.startRunnerLocked(&rules[i])
	}

	r.logger.Info("automation runner started", "rules", len(rules))
	return nil
}

// Stop cancels all rule goroutines and waits for in-flight evaluations.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.cancel()
	for id, rr := range r.runners {
		rr.stopResumeTimer()
		delete(r.runners, id)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("automation runner stopped")
}

// OnRuleChanged reconciles the runner set after a rule mutation. Wire it
// to the registry's change callback.
//
// A created or re-enabled rule gets a fresh runner; an updated rule's
// runner is restarted with the new definition (losing any suspension,
// which is intentional: edits are an operator reset); a deleted or
// disabled rule's runner is stopped.
func (r *Runner) OnRuleChanged(ruleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	if existing, ok := r.runners[ruleID]; ok {
		existing.stop()
		delete(r.runners, ruleID)
	}

	rl, err := r.rules.Get(r.ctx, ruleID)
	if err != nil || !rl.Enabled {
		r.logger.Info("rule runner stopped", "rule_id", ruleID)
		return
	}

	r.startRunnerLocked(rl)
	r.logger.Info("rule runner reloaded", "rule_id", ruleID, "interval", rl.Interval)
}

// TriggerNow runs an immediate evaluation of the rule in the caller's
// goroutine.
//
// Returns ErrRunnerNotFound for unknown or disabled rules, ErrSuspended
// inside a rate-limit window, and ErrInFlight when an evaluation is
// already running. Refused triggers are recorded as skipped executions.
func (r *Runner) TriggerNow(ctx context.Context, ruleID string) (*rule.Execution, error) {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil, ErrNotStarted
	}
	rr, ok := r.runners[ruleID]
	r.mu.Unlock()

	if !ok {
		return nil, ErrRunnerNotFound
	}
	return rr.evaluate(ctx, TriggerManual)
}

// Status returns the runner state for one rule.
func (r *Runner) Status(ruleID string) (RunnerStatus, error) {
	r.mu.Lock()
	rr, ok := r.runners[ruleID]
	r.mu.Unlock()

	if !ok {
		return RunnerStatus{}, ErrRunnerNotFound
	}
	return rr.status(), nil
}

// StatusAll returns the runner state for every scheduled rule.
func (r *Runner) StatusAll() []RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]RunnerStatus, 0, len(r.runners))
	for _, rr := range r.runners {
		statuses = append(statuses, rr.status())
	}
	return statuses
}

// startRunnerLocked creates and launches a rule runner. Caller holds r.mu.
func (r *Runner) startRunnerLocked(rl *rule.Rule) {
	if rl.Interval <= 0 {
		r.logger.Error("rule has no interval, not scheduling", "rule_id", rl.ID)
		return
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.BackoffInitial
	exp.MaxInterval = r.cfg.BackoffMax
	exp.Multiplier = 2.0
	exp.RandomizationFactor = 0 // suspension windows are deterministic
	exp.MaxElapsedTime = 0
	exp.Reset()

	ctx, cancel := context.WithCancel(r.ctx)
	rr := &ruleRunner{
		parent:  r,
		rule:    rl.DeepCopy(),
		cancel:  cancel,
		backoff: exp,
		state:   StateIdle,
	}
	r.runners[rl.ID] = rr

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		rr.run(ctx)
	}()
}

// ruleRunner owns the evaluation loop for a single rule.
type ruleRunner struct {
	parent *Runner
	rule   *rule.Rule
	cancel context.CancelFunc

	mu          sync.Mutex
	state       RuleState
	inFlight    bool
	lastRun     *time.Time
	rateLimit   RateLimitState
	backoff     *backoff.ExponentialBackOff
	resumeTimer *time.Timer
}

// run ticks at the rule's interval until the context is cancelled.
func (rr *ruleRunner) run(ctx context.Context) {
	ticker := time.NewTicker(rr.rule.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rr.stopResumeTimer()
			return
		case <-ticker.C:
			// Outcomes are recorded and logged inside evaluate; the
			// loop itself never stops on a failed evaluation.
			_, _ = rr.evaluate(ctx, TriggerInterval)
		}
	}
}

func (rr *ruleRunner) stop() {
	rr.cancel()
	rr.stopResumeTimer()
}

func (rr *ruleRunner) stopResumeTimer() {
	rr.mu.Lock()
	if rr.resumeTimer != nil {
		rr.resumeTimer.Stop()
		rr.resumeTimer = nil
	}
	rr.mu.Unlock()
}

// evaluate guards and runs a single evaluation.
//
// The guard admits at most one evaluation at a time and none during a
// suspension window; refused triggers are recorded as skipped.
func (rr *ruleRunner) evaluate(ctx context.Context, trigger string) (*rule.Execution, error) {
	if err := rr.begin(); err != nil {
		rr.recordSkip(ctx, trigger, err)
		return nil, err
	}
	defer rr.end()

	exec, err := rr.parent.evaluator.Evaluate(ctx, rr.rule, trigger)

	if rle, limited := openrouter.IsRateLimited(err); limited {
		rr.suspend(ctx, rle)
		return exec, err
	}
	if err == nil {
		rr.clearFailures()
	}

	rr.parent.broadcast("rule.evaluated", map[string]any{
		"rule_id":      rr.rule.ID,
		"rule_name":    rr.rule.Name,
		"execution_id": exec.ID,
		"status":       string(exec.Status),
		"trigger":      trigger,
	})
	if rr.parent.metrics != nil {
		duration := time.Duration(0)
		if exec.DurationMS != nil {
			duration = time.Duration(*exec.DurationMS) * time.Millisecond
		}
		rr.parent.metrics.WriteEvaluation(rr.rule.ID, rr.model(), string(exec.Status), duration, exec.CommandsDispatched)
		if exec.PromptTokens > 0 || exec.CompletionTokens > 0 {
			rr.parent.metrics.WriteTokenUsage(rr.rule.ID, rr.model(), exec.PromptTokens, exec.CompletionTokens)
		}
	}
	return exec, err
}

// begin admits an evaluation or returns the refusal reason.
func (rr *ruleRunner) begin() error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	if rr.rateLimit.Suspended {
		return ErrSuspended
	}
	if rr.inFlight {
		return ErrInFlight
	}
	rr.inFlight = true
	rr.state = StateEvaluating
	return nil
}

func (rr *ruleRunner) end() {
	now := time.Now().UTC()
	rr.mu.Lock()
	rr.inFlight = false
	rr.lastRun = &now
	if !rr.rateLimit.Suspended {
		rr.state = StateIdle
	}
	rr.mu.Unlock()
}

// suspend enters the rate-limit window and schedules the resume. The
// server's Retry-After hint is honoured verbatim when present; the
// exponential progression is consumed only for hint-less 429s, so a
// server hint never advances the doubling delay.
func (rr *ruleRunner) suspend(ctx context.Context, rle *openrouter.RateLimitError) {
	rr.mu.Lock()
	rr.rateLimit.ConsecutiveFailures++
	wait := rle.RetryAfter
	if wait <= 0 {
		wait = rr.backoff.NextBackOff()
	}
	retryAt := time.Now().UTC().Add(wait)
	rr.rateLimit.Suspended = true
	rr.rateLimit.RetryAt = retryAt
	rr.state = StateSuspended
	if rr.resumeTimer != nil {
		rr.resumeTimer.Stop()
	}
	rr.resumeTimer = time.AfterFunc(wait, rr.resume)
	failures := rr.rateLimit.ConsecutiveFailures
	rr.mu.Unlock()

	rr.parent.logger.Warn("rule suspended by rate limit",
		"rule_id", rr.rule.ID,
		"wait", wait,
		"retry_at", retryAt,
		"consecutive_failures", failures,
	)

	rr.parent.notify(ctx, Notification{
		ID:      notificationID,
		Title:   "OpenRouter Rate Limit Exceeded",
		Message: suspendMessage(wait),
	})
	rr.parent.broadcast("rule.suspended", map[string]any{
		"rule_id":   rr.rule.ID,
		"rule_name": rr.rule.Name,
		"retry_at":  retryAt,
		"wait_s":    int(wait.Seconds()),
	})
	if rr.parent.metrics != nil {
		rr.parent.metrics.WriteRateLimit(rr.rule.ID, wait)
	}
}

// resume ends the suspension window. Runs on the resume timer goroutine.
func (rr *ruleRunner) resume() {
	rr.mu.Lock()
	if !rr.rateLimit.Suspended {
		rr.mu.Unlock()
		return
	}
	rr.rateLimit.Suspended = false
	rr.rateLimit.RetryAt = time.Time{}
	rr.resumeTimer = nil
	if !rr.inFlight {
		rr.state = StateIdle
	}
	rr.mu.Unlock()

	rr.parent.logger.Info("rate limit period ended, resuming", "rule_id", rr.rule.ID)

	ctx := context.Background()
	rr.parent.notify(ctx, Notification{
		Title:   "OpenRouter Rate Limit Ended",
		Message: "Rate limit period has ended. AI automation has resumed normal operation.",
	})
	rr.parent.broadcast("rule.resumed", map[string]any{
		"rule_id":   rr.rule.ID,
		"rule_name": rr.rule.Name,
	})
}

// clearFailures resets the backoff progression after a successful
// evaluation.
func (rr *ruleRunner) clearFailures() {
	rr.mu.Lock()
	rr.rateLimit.ConsecutiveFailures = 0
	rr.backoff.Reset()
	rr.mu.Unlock()
}

// recordSkip persists a skipped execution so refused triggers show up in
// the rule's history.
func (rr *ruleRunner) recordSkip(ctx context.Context, trigger string, reason error) {
	rr.parent.logger.Warn("evaluation skipped",
		"rule_id", rr.rule.ID, "trigger", trigger, "reason", reason)

	now := time.Now().UTC()
	msg := reason.Error()
	exec := &rule.Execution{
		ID:          rule.GenerateID(),
		RuleID:      rr.rule.ID,
		TriggeredAt: now,
		CompletedAt: &now,
		Trigger:     trigger,
		Status:      rule.StatusSkipped,
		Error:       &msg,
	}
	if err := rr.parent.rules.RecordExecution(ctx, exec); err != nil {
		rr.parent.logger.Error("failed to record skipped execution",
			"rule_id", rr.rule.ID, "error", err)
	}
}

func (rr *ruleRunner) status() RunnerStatus {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	return RunnerStatus{
		RuleID:    rr.rule.ID,
		RuleName:  rr.rule.Name,
		State:     rr.state,
		Interval:  rr.rule.Interval,
		LastRun:   rr.lastRun,
		RateLimit: rr.rateLimit,
	}
}

func (rr *ruleRunner) model() string {
	if rr.rule.Model != "" {
		return rr.rule.Model
	}
	return rr.parent.evaluator.defaults.Model
}

// notify delivers a notification, tolerating a nil notifier.
func (r *Runner) notify(ctx context.Context, n Notification) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		r.logger.Error("notification failed", "title", n.Title, "error", err)
	}
}

// broadcast emits a loop event, tolerating a nil sink.
func (r *Runner) broadcast(channel string, payload any) {
	if r.events != nil {
		r.events.Broadcast(channel, payload)
	}
}

// suspendMessage builds the user-facing suspension notice, including the
// provider's published free-tier limits.
func suspendMessage(wait time.Duration) string {
	minutes := int(wait.Minutes())
	return fmt.Sprintf(
		"OpenRouter API rate limit exceeded. "+
			"AI automation will resume in approximately %d minutes. "+
			"Free tier limits: 20 requests/minute, 50 requests/day (if <10 credits), "+
			"1000 requests/day (if >=10 credits). "+
			"Consider upgrading at https://openrouter.ai/account",
		minutes,
	)
}
