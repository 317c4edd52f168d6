package rule

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
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

// Registry provides rule management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups,
// since the evaluation loop reads rules on every tick.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Rule // Cached rules by ID
	cacheMu sync.RWMutex     // Protects cache
	logger  Logger

	// onChange is notified after every successful create/update/delete,
	// so the evaluation loop can start, restart, or stop rule runners.
	onChange func(ruleID string)
}

// NewRegistry creates a new rule registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Rule),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetOnChange sets a callback invoked with the rule ID after every
// successful mutation. Used by the evaluation loop to reconcile runners.
func (r *Registry) SetOnChange(callback func(ruleID string)) {
	r.onChange = callback
}

// RefreshCache reloads all rules from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	rules, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading rules: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with deep copies
	r.cache = make(map[string]*Rule, len(rules))
	for i := range rules {
		rl := rules[i]
		r.cache[rl.ID] = rl.DeepCopy()
	}

	r.logger.Info("rule cache refreshed", "count", len(rules))
	return nil
}

// Get retrieves a rule by ID.
// The returned rule is a deep copy; callers can safely modify it.
func (r *Registry) Get(_ context.Context, id string) (*Rule, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	return nil, ErrNotFound
}

// GetBySlug retrieves a rule by its slug.
// The returned rule is a deep copy.
func (r *Registry) GetBySlug(_ context.Context, slug string) (*Rule, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	for _, rl := range r.cache {
		if rl.Slug == slug {
			return rl.DeepCopy(), nil
		}
	}
	return nil, ErrNotFound
}

// List retrieves all rules from the cache.
// Returns deep copies sorted by name for deterministic ordering.
func (r *Registry) List(_ context.Context) ([]Rule, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	rules := make([]Rule, 0, len(r.cache))
	for _, rl := range r.cache {
		rules = append(rules, *rl.DeepCopy())
	}
	sortRules(rules)
	return rules, nil
}

// ListEnabled retrieves all enabled rules from the cache.
// The evaluation loop uses this to decide which runners to schedule.
func (r *Registry) ListEnabled(_ context.Context) ([]Rule, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var rules []Rule
	for _, rl := range r.cache {
		if rl.Enabled {
			rules = append(rules, *rl.DeepCopy())
		}
	}
	sortRules(rules)
	return rules, nil
}

// sortRules sorts rules by name, matching the DB query ordering.
func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Name < rules[j].Name
	})
}

// Create validates, persists, and caches a new rule.
func (r *Registry) Create(ctx context.Context, rl *Rule) error {
	if rl.ID == "" {
		rl.ID = GenerateID()
	}
	if rl.Slug == "" {
		rl.Slug = GenerateSlug(rl.Name)
	}

	if err := Validate(rl); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, rl); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[rl.ID] = rl.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("rule created", "id", rl.ID, "name", rl.Name)
	r.notifyChange(rl.ID)
	return nil
}

// Update validates, persists, and updates the cached rule.
func (r *Registry) Update(ctx context.Context, rl *Rule) error {
	if err := Validate(rl); err != nil {
		return err
	}

	if err := r.repo.Update(ctx, rl); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[rl.ID] = rl.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("rule updated", "id", rl.ID, "name", rl.Name)
	r.notifyChange(rl.ID)
	return nil
}

// Delete removes a rule from persistence and cache.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("rule deleted", "id", id)
	r.notifyChange(id)
	return nil
}

// Count returns the number of cached rules.
func (r *Registry) Count() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// RecordExecution persists a finished execution.
func (r *Registry) RecordExecution(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = GenerateID()
	}
	return r.repo.CreateExecution(ctx, exec)
}

// ListExecutions retrieves recent executions for a rule, newest first.
func (r *Registry) ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error) {
	return r.repo.ListExecutions(ctx, ruleID, limit)
}

func (r *Registry) notifyChange(ruleID string) {
	if r.onChange != nil {
		r.onChange(ruleID)
	}
}
