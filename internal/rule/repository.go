package rule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for rule persistence.
// This abstraction allows different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Rule CRUD
	GetByID(ctx context.Context, id string) (*Rule, error)
	GetBySlug(ctx context.Context, slug string) (*Rule, error)
	List(ctx context.Context) ([]Rule, error)
	Create(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id string) error

	// Execution logging
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error)
}

// ruleColumns is the SELECT column list for rule queries.
const ruleColumns = `id, name, slug, description, enabled, interval_seconds,
			sensors, actuators, instruction, model, max_tokens, temperature,
			created_at, updated_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a rule by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	rule, err := scanRuleRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying rule by id: %w", err)
	}
	return rule, nil
}

// GetBySlug retrieves a rule by its slug.
func (r *SQLiteRepository) GetBySlug(ctx context.Context, slug string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE slug = ?`

	row := r.db.QueryRowContext(ctx, query, slug)
	rule, err := scanRuleRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying rule by slug: %w", err)
	}
	return rule, nil
}

// List retrieves all rules ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query cleanup

	var rules []Rule
	for rows.Next() {
		rule, scanErr := scanRuleRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning rule: %w", scanErr)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// Create inserts a new rule.
func (r *SQLiteRepository) Create(ctx context.Context, rule *Rule) error {
	sensorsJSON, actuatorsJSON, err := marshalEntityLists(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (
			id, name, slug, description, enabled, interval_seconds,
			sensors, actuators, instruction, model, max_tokens, temperature,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Slug,
		nullableString(rule.Description),
		boolToInt(rule.Enabled),
		int(rule.Interval.Seconds()),
		sensorsJSON,
		actuatorsJSON,
		rule.Instruction,
		rule.Model,
		rule.MaxTokens,
		rule.Temperature,
		rule.CreatedAt.Format(time.RFC3339),
		rule.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// Update modifies an existing rule.
func (r *SQLiteRepository) Update(ctx context.Context, rule *Rule) error {
	sensorsJSON, actuatorsJSON, err := marshalEntityLists(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE rules SET
			name = ?, slug = ?, description = ?, enabled = ?, interval_seconds = ?,
			sensors = ?, actuators = ?, instruction = ?, model = ?,
			max_tokens = ?, temperature = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		rule.Name,
		rule.Slug,
		nullableString(rule.Description),
		boolToInt(rule.Enabled),
		int(rule.Interval.Seconds()),
		sensorsJSON,
		actuatorsJSON,
		rule.Instruction,
		rule.Model,
		rule.MaxTokens,
		rule.Temperature,
		rule.UpdatedAt.Format(time.RFC3339),
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a rule by ID. Execution history cascades.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateExecution inserts a finished execution record.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *Execution) error {
	commandsJSON, err := marshalCommands(exec.Commands)
	if err != nil {
		return fmt.Errorf("marshalling commands: %w", err)
	}

	query := `
		INSERT INTO rule_executions (
			id, rule_id, triggered_at, completed_at, trigger_type, status,
			reasoning, commands, commands_total, commands_dispatched, commands_failed,
			prompt_tokens, completion_tokens, error, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		exec.ID,
		exec.RuleID,
		exec.TriggeredAt.Format(time.RFC3339),
		nullableTime(exec.CompletedAt),
		exec.Trigger,
		string(exec.Status),
		exec.Reasoning,
		commandsJSON,
		exec.CommandsTotal,
		exec.CommandsDispatched,
		exec.CommandsFailed,
		exec.PromptTokens,
		exec.CompletionTokens,
		nullableString(exec.Error),
		exec.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := executionSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	exec, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// ListExecutions retrieves recent executions for a rule, newest first.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, ruleID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > MaxExecutionLimit {
		limit = MaxExecutionLimit
	}

	query := executionSelect + `
		WHERE rule_id = ?
		ORDER BY triggered_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only query cleanup

	var executions []Execution
	for rows.Next() {
		exec, scanErr := scanExecutionRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning execution: %w", scanErr)
		}
		executions = append(executions, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return executions, nil
}

const executionSelect = `
	SELECT id, rule_id, triggered_at, completed_at, trigger_type, status,
		reasoning, commands, commands_total, commands_dispatched, commands_failed,
		prompt_tokens, completion_tokens, error, duration_ms
	FROM rule_executions`

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleRow(scanner rowScanner) (*Rule, error) {
	var r Rule
	var description sql.NullString
	var enabled, intervalSeconds int
	var sensorsJSON, actuatorsJSON string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&r.ID,
		&r.Name,
		&r.Slug,
		&description,
		&enabled,
		&intervalSeconds,
		&sensorsJSON,
		&actuatorsJSON,
		&r.Instruction,
		&r.Model,
		&r.MaxTokens,
		&r.Temperature,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		r.Description = &description.String
	}
	r.Enabled = enabled != 0
	r.Interval = time.Duration(intervalSeconds) * time.Second

	if err := unmarshalStringList(sensorsJSON, &r.Sensors); err != nil {
		return nil, fmt.Errorf("unmarshalling sensors: %w", err)
	}
	if err := unmarshalStringList(actuatorsJSON, &r.Actuators); err != nil {
		return nil, fmt.Errorf("unmarshalling actuators: %w", err)
	}

	// Timestamps stored as RFC3339 strings
	if t, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
		r.CreatedAt = t
	}
	if t, parseErr := time.Parse(time.RFC3339, updatedAt); parseErr == nil {
		r.UpdatedAt = t
	}

	return &r, nil
}

func scanExecutionRow(scanner rowScanner) (*Execution, error) {
	var e Execution
	var triggeredAt, status string
	var completedAt, commandsJSON, errMsg sql.NullString
	var durationMS sql.NullInt64

	err := scanner.Scan(
		&e.ID,
		&e.RuleID,
		&triggeredAt,
		&completedAt,
		&e.Trigger,
		&status,
		&e.Reasoning,
		&commandsJSON,
		&e.CommandsTotal,
		&e.CommandsDispatched,
		&e.CommandsFailed,
		&e.PromptTokens,
		&e.CompletionTokens,
		&errMsg,
		&durationMS,
	)
	if err != nil {
		return nil, err
	}

	e.Status = ExecutionStatus(status)
	if t, parseErr := time.Parse(time.RFC3339, triggeredAt); parseErr == nil {
		e.TriggeredAt = t
	}
	if completedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339, completedAt.String); parseErr == nil {
			e.CompletedAt = &t
		}
	}
	if errMsg.Valid {
		e.Error = &errMsg.String
	}
	if durationMS.Valid {
		d := int(durationMS.Int64)
		e.DurationMS = &d
	}

	if commandsJSON.Valid && commandsJSON.String != "" && commandsJSON.String != "null" {
		if jsonErr := json.Unmarshal([]byte(commandsJSON.String), &e.Commands); jsonErr != nil {
			return nil, fmt.Errorf("unmarshalling commands: %w", jsonErr)
		}
	}

	return &e, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

func marshalEntityLists(r *Rule) (sensors, actuators string, err error) {
	sensorsJSON, err := json.Marshal(r.Sensors)
	if err != nil {
		return "", "", fmt.Errorf("marshalling sensors: %w", err)
	}
	actuatorsJSON, err := json.Marshal(r.Actuators)
	if err != nil {
		return "", "", fmt.Errorf("marshalling actuators: %w", err)
	}
	return string(sensorsJSON), string(actuatorsJSON), nil
}

func marshalCommands(commands []Command) (sql.NullString, error) {
	if len(commands) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(commands)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalStringList(data string, dest *[]string) error {
	if data == "" || data == "null" {
		*dest = []string{}
		return nil
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return err
	}
	if *dest == nil {
		*dest = []string{}
	}
	return nil
}

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
