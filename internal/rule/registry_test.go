package rule

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockRepository is an in-memory Repository for registry tests.
type mockRepository struct {
	rules      map[string]*Rule
	executions map[string]*Execution

	listErr   error
	createErr error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		rules:      make(map[string]*Rule),
		executions: make(map[string]*Execution),
	}
}

func (m *mockRepository) GetByID(_ context.Context, id string) (*Rule, error) {
	if r, ok := m.rules[id]; ok {
		return r.DeepCopy(), nil
	}
	return nil, ErrNotFound
}

func (m *mockRepository) GetBySlug(_ context.Context, slug string) (*Rule, error) {
	for _, r := range m.rules {
		if r.Slug == slug {
			return r.DeepCopy(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepository) List(_ context.Context) ([]Rule, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, *r.DeepCopy())
	}
	return out, nil
}

func (m *mockRepository) Create(_ context.Context, r *Rule) error {
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.rules[r.ID]; exists {
		return ErrExists
	}
	m.rules[r.ID] = r.DeepCopy()
	return nil
}

func (m *mockRepository) Update(_ context.Context, r *Rule) error {
	if _, exists := m.rules[r.ID]; !exists {
		return ErrNotFound
	}
	m.rules[r.ID] = r.DeepCopy()
	return nil
}

func (m *mockRepository) Delete(_ context.Context, id string) error {
	if _, exists := m.rules[id]; !exists {
		return ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *mockRepository) CreateExecution(_ context.Context, exec *Execution) error {
	m.executions[exec.ID] = exec
	return nil
}

func (m *mockRepository) GetExecution(_ context.Context, id string) (*Execution, error) {
	if e, ok := m.executions[id]; ok {
		return e, nil
	}
	return nil, ErrExecutionNotFound
}

func (m *mockRepository) ListExecutions(_ context.Context, ruleID string, _ int) ([]Execution, error) {
	var out []Execution
	for _, e := range m.executions {
		if e.RuleID == ruleID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func setupRegistry(t *testing.T) (*Registry, *mockRepository) {
	t.Helper()
	repo := newMockRepository()
	reg := NewRegistry(repo)
	return reg, repo
}

func TestRegistry_CreateAndGet(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	r := validRule()
	r.ID = "" // Registry generates the ID
	r.Slug = ""

	if err := reg.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.ID == "" {
		t.Error("Create did not generate an ID")
	}
	if r.Slug != "morning_lights" {
		t.Errorf("generated slug = %q, want morning_lights", r.Slug)
	}

	got, err := reg.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The cache must hand out copies, not shared pointers.
	got.Name = "Changed"
	again, _ := reg.Get(ctx, r.ID)
	if again.Name != "Morning Lights" {
		t.Error("cache returned a shared pointer")
	}
}

func TestRegistry_CreateInvalid(t *testing.T) {
	reg, repo := setupRegistry(t)

	r := validRule()
	r.Actuators = nil

	if err := reg.Create(context.Background(), r); !errors.Is(err, ErrNoActuators) {
		t.Errorf("Create(invalid) error = %v, want ErrNoActuators", err)
	}
	if len(repo.rules) != 0 {
		t.Error("invalid rule reached the repository")
	}
}

func TestRegistry_RefreshCache(t *testing.T) {
	reg, repo := setupRegistry(t)
	ctx := context.Background()

	repo.rules["rule-01"] = validRule()

	if err := reg.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}

	repo.listErr = errors.New("db gone")
	if err := reg.RefreshCache(ctx); err == nil {
		t.Error("RefreshCache() expected error when repository fails")
	}
}

func TestRegistry_ListEnabled(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	enabled := validRule()
	enabled.ID = "rule-on"
	enabled.Slug = "rule_on"
	if err := reg.Create(ctx, enabled); err != nil {
		t.Fatalf("Create: %v", err)
	}

	disabled := validRule()
	disabled.ID = "rule-off"
	disabled.Slug = "rule_off"
	disabled.Name = "Disabled Rule"
	disabled.Enabled = false
	if err := reg.Create(ctx, disabled); err != nil {
		t.Fatalf("Create: %v", err)
	}

	rules, err := reg.ListEnabled(ctx)
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "rule-on" {
		t.Errorf("ListEnabled() = %+v, want only rule-on", rules)
	}
}

func TestRegistry_UpdateAndDelete(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	r := validRule()
	if err := reg.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.Interval = 10 * time.Minute
	if err := reg.Update(ctx, r); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := reg.Get(ctx, r.ID)
	if got.Interval != 10*time.Minute {
		t.Errorf("Interval = %v after update", got.Interval)
	}

	if err := reg.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.Get(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_OnChangeCallback(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	var changed []string
	reg.SetOnChange(func(ruleID string) {
		changed = append(changed, ruleID)
	})

	r := validRule()
	if err := reg.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(changed) != 2 {
		t.Fatalf("onChange fired %d times, want 2", len(changed))
	}
	if changed[0] != r.ID || changed[1] != r.ID {
		t.Errorf("onChange IDs = %v", changed)
	}
}

func TestRegistry_GetBySlug(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	r := validRule()
	if err := reg.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := reg.GetBySlug(ctx, "morning_lights")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
}
