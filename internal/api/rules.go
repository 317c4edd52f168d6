package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/automation"
	"github.com/landirector2008-wq/ha-deepseek-control/internal/rule"
)

// maxURLParamLen limits URL parameter length to prevent DoS via oversized params.
const maxURLParamLen = 100

// Execution listing limits. The cap mirrors the repository's
// rule.MaxExecutionLimit so the API never advertises more rows than the
// store will return.
const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = rule.MaxExecutionLimit
)

// ruleView is the API representation of a rule. Intervals are expressed in
// seconds on the wire rather than Go duration encoding.
type ruleView struct {
	ID              string    `json:"id,omitempty"`
	Name            string    `json:"name"`
	Slug            string    `json:"slug,omitempty"`
	Description     *string   `json:"description,omitempty"`
	Enabled         bool      `json:"enabled"`
	IntervalSeconds int       `json:"interval_seconds"`
	Sensors         []string  `json:"sensors"`
	Actuators       []string  `json:"actuators"`
	Instruction     string    `json:"instruction"`
	Model           string    `json:"model,omitempty"`
	MaxTokens       int       `json:"max_tokens,omitempty"`
	Temperature     float64   `json:"temperature,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// newRuleView converts a domain rule to its API representation.
func newRuleView(r *rule.Rule) ruleView {
	return ruleView{
		ID:              r.ID,
		Name:            r.Name,
		Slug:            r.Slug,
		Description:     r.Description,
		Enabled:         r.Enabled,
		IntervalSeconds: int(r.Interval / time.Second),
		Sensors:         r.Sensors,
		Actuators:       r.Actuators,
		Instruction:     r.Instruction,
		Model:           r.Model,
		MaxTokens:       r.MaxTokens,
		Temperature:     r.Temperature,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// toRule converts the API representation back to a domain rule.
func (v ruleView) toRule() *rule.Rule {
	return &rule.Rule{
		ID:          v.ID,
		Name:        v.Name,
		Slug:        v.Slug,
		Description: v.Description,
		Enabled:     v.Enabled,
		Interval:    time.Duration(v.IntervalSeconds) * time.Second,
		Sensors:     v.Sensors,
		Actuators:   v.Actuators,
		Instruction: v.Instruction,
		Model:       v.Model,
		MaxTokens:   v.MaxTokens,
		Temperature: v.Temperature,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
}

// handleListRules returns all rules.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.List(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list rules")
		return
	}

	views := make([]ruleView, 0, len(rules))
	for i := range rules {
		views = append(views, newRuleView(&rules[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": views, "count": len(views)})
}

// handleGetRule returns a single rule by ID.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxURLParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	rl, err := s.rules.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeNotFound(w, "rule not found")
			return
		}
		writeInternalError(w, "failed to get rule")
		return
	}

	writeJSON(w, http.StatusOK, newRuleView(rl))
}

// handleCreateRule creates a new rule.
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	// New rules are enabled unless the body says otherwise.
	view := ruleView{Enabled: true}
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	view.ID = "" // IDs are assigned server-side

	rl := view.toRule()
	if err := s.rules.Create(r.Context(), rl); err != nil {
		if isValidationErr(err) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		if errors.Is(err, rule.ErrExists) {
			writeConflict(w, err.Error())
			return
		}
		writeInternalError(w, "failed to create rule")
		return
	}

	writeJSON(w, http.StatusCreated, newRuleView(rl))
}

// handleUpdateRule partially updates a rule. Fields absent from the body
// keep their current values.
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxURLParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	existing, err := s.rules.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeNotFound(w, "rule not found")
			return
		}
		writeInternalError(w, "failed to get rule")
		return
	}

	// Decode partial update onto the current representation
	view := newRuleView(existing)
	if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	view.ID = id // Ensure ID cannot be changed

	rl := view.toRule()
	if err := s.rules.Update(r.Context(), rl); err != nil {
		if isValidationErr(err) {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		if errors.Is(err, rule.ErrNotFound) {
			writeNotFound(w, "rule not found")
			return
		}
		writeInternalError(w, "failed to update rule")
		return
	}

	writeJSON(w, http.StatusOK, newRuleView(rl))
}

// handleDeleteRule removes a rule by ID.
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxURLParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	if err := s.rules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeNotFound(w, "rule not found")
			return
		}
		writeInternalError(w, "failed to delete rule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRunRule triggers an immediate evaluation of a rule, outside its
// normal interval. The evaluation runs synchronously and the resulting
// execution record is returned whatever its outcome.
func (s *Server) handleRunRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxURLParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	exec, err := s.runner.TriggerNow(r.Context(), id)
	if exec != nil {
		// Evaluation ran; its status field carries any failure.
		writeJSON(w, http.StatusOK, exec)
		return
	}

	switch {
	case errors.Is(err, automation.ErrRunnerNotFound):
		writeNotFound(w, "no runner for rule (missing or disabled)")
	case errors.Is(err, automation.ErrSuspended):
		writeConflict(w, "rule is suspended by a rate limit")
	case errors.Is(err, automation.ErrInFlight):
		writeConflict(w, "an evaluation is already in progress")
	case errors.Is(err, automation.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, ErrCodeInternal, "evaluation loop is not running")
	default:
		writeInternalError(w, "failed to run rule")
	}
}

// handleListExecutions returns execution history for a rule, newest first.
//
// Query parameters:
//   - limit: maximum number of executions to return (default 50, max 500)
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxURLParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	limit := defaultExecutionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		if parsed > maxExecutionLimit {
			parsed = maxExecutionLimit
		}
		limit = parsed
	}

	// Verify the rule exists so unknown IDs return 404, not an empty list
	if _, err := s.rules.Get(r.Context(), id); err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeNotFound(w, "rule not found")
			return
		}
		writeInternalError(w, "failed to get rule")
		return
	}

	execs, err := s.rules.ListExecutions(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, "failed to list executions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"executions": execs, "count": len(execs)})
}

// handleRuleStatus returns the live runner state for one rule.
func (s *Server) handleRuleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxURLParamLen {
		writeBadRequest(w, "invalid rule ID")
		return
	}

	status, err := s.runner.Status(id)
	if err != nil {
		if errors.Is(err, automation.ErrRunnerNotFound) {
			writeNotFound(w, "no runner for rule (missing or disabled)")
			return
		}
		writeInternalError(w, "failed to get rule status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// isValidationErr reports whether the error is any of the rule validation
// sentinels that map to a 400 response.
func isValidationErr(err error) bool {
	return errors.Is(err, rule.ErrInvalid) ||
		errors.Is(err, rule.ErrInvalidName) ||
		errors.Is(err, rule.ErrInvalidSlug) ||
		errors.Is(err, rule.ErrInvalidEntity) ||
		errors.Is(err, rule.ErrNoActuators)
}
