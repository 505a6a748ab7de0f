package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence operations for automations.
type Repository interface {
	// List retrieves all automations ordered by alias.
	List(ctx context.Context) ([]Automation, error)

	// Get retrieves an automation by ID.
	// Returns ErrAutomationNotFound if the automation does not exist.
	Get(ctx context.Context, id string) (*Automation, error)

	// Create inserts a new automation.
	// Returns ErrAutomationExists if the ID or alias is taken.
	Create(ctx context.Context, a *Automation) error

	// Update modifies an existing automation.
	// Returns ErrAutomationNotFound if the automation does not exist.
	Update(ctx context.Context, a *Automation) error

	// Delete removes an automation by ID.
	// Returns ErrAutomationNotFound if the automation does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateLastTriggered records when an automation last ran.
	UpdateLastTriggered(ctx context.Context, id string, at time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed automation repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
	SELECT id, alias, description, triggers, conditions, actions, enabled,
	       last_triggered, created_at, updated_at
	FROM automations`

// List retrieves all automations.
func (r *SQLiteRepository) List(ctx context.Context) ([]Automation, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+" ORDER BY alias, id")
	if err != nil {
		return nil, fmt.Errorf("querying automations: %w", err)
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating automations: %w", err)
	}
	return out, nil
}

// Get retrieves an automation by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Automation, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id)
	a, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAutomationNotFound
	}
	return a, err
}

// Create inserts a new automation. An empty ID is generated.
func (r *SQLiteRepository) Create(ctx context.Context, a *Automation) error {
	cols, err := encodeColumns(a)
	if err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = GenerateID()
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automations (
			id, alias, description, triggers, conditions, actions, enabled,
			last_triggered, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.Alias,
		a.Description,
		cols.triggers,
		cols.conditions,
		cols.actions,
		boolToInt(a.Enabled),
		nullableTime(a.LastTriggered),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAutomationExists
		}
		return fmt.Errorf("inserting automation: %w", err)
	}
	return nil
}

// Update modifies an existing automation. LastTriggered is left untouched.
func (r *SQLiteRepository) Update(ctx context.Context, a *Automation) error {
	cols, err := encodeColumns(a)
	if err != nil {
		return err
	}
	a.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE automations SET
			alias = ?, description = ?, triggers = ?, conditions = ?,
			actions = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		a.Alias,
		a.Description,
		cols.triggers,
		cols.conditions,
		cols.actions,
		boolToInt(a.Enabled),
		formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAutomationExists
		}
		return fmt.Errorf("updating automation: %w", err)
	}
	return expectOneRow(result)
}

// Delete removes an automation by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}
	return expectOneRow(result)
}

// UpdateLastTriggered records when an automation last ran.
func (r *SQLiteRepository) UpdateLastTriggered(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE automations SET last_triggered = ? WHERE id = ?",
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("updating last_triggered: %w", err)
	}
	return expectOneRow(result)
}

type encodedColumns struct {
	triggers, conditions, actions string
}

func encodeColumns(a *Automation) (encodedColumns, error) {
	triggers, err := json.Marshal(nonNil(a.Triggers))
	if err != nil {
		return encodedColumns{}, fmt.Errorf("marshalling triggers: %w", err)
	}
	conditions, err := json.Marshal(nonNil(a.Conditions))
	if err != nil {
		return encodedColumns{}, fmt.Errorf("marshalling conditions: %w", err)
	}
	actions, err := json.Marshal(nonNil(a.Actions))
	if err != nil {
		return encodedColumns{}, fmt.Errorf("marshalling actions: %w", err)
	}
	return encodedColumns{
		triggers:   string(triggers),
		conditions: string(conditions),
		actions:    string(actions),
	}, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(s rowScanner) (*Automation, error) {
	var (
		a                             Automation
		triggers, conditions, actions string
		enabled                       int
		lastTriggered                 sql.NullString
		createdAt, updatedAt          string
	)
	err := s.Scan(
		&a.ID,
		&a.Alias,
		&a.Description,
		&triggers,
		&conditions,
		&actions,
		&enabled,
		&lastTriggered,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning automation: %w", err)
	}

	if err := json.Unmarshal([]byte(triggers), &a.Triggers); err != nil {
		return nil, fmt.Errorf("unmarshalling triggers for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(conditions), &a.Conditions); err != nil {
		return nil, fmt.Errorf("unmarshalling conditions for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &a.Actions); err != nil {
		return nil, fmt.Errorf("unmarshalling actions for %s: %w", a.ID, err)
	}

	a.Enabled = enabled != 0
	if lastTriggered.Valid {
		t := parseTime(lastTriggered.String)
		a.LastTriggered = &t
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY")
}
