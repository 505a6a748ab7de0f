package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/homecore/internal/event"
)

// ErrUnencodable is returned when an event's data cannot be stored as JSON.
var ErrUnencodable = errors.New("history: event data is not JSON encodable")

// DefaultQueryLimit caps Query when no limit is given.
const DefaultQueryLimit = 100

// Record is one persisted event.
type Record struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Type      event.Type      `json:"type"`
	Data      json.RawMessage `json:"data"`
	ContextID string          `json:"context_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	TimeFired time.Time       `json:"time_fired"`
}

// Query selects persisted events.
type Query struct {
	// Types restricts the result to these event types; empty means all.
	Types []event.Type

	// Limit is the number of newest matching records to return.
	Limit int
}

// Repository persists events.
type Repository interface {
	// Insert stores e. Storing the same event ID twice is a no-op.
	Insert(ctx context.Context, e event.Event) error

	// Query returns the newest matching records, oldest first.
	Query(ctx context.Context, q Query) ([]Record, error)

	// Prune deletes all but the newest keep records and returns how many
	// were removed.
	Prune(ctx context.Context, keep int) (int64, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed event repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores one event.
func (r *SQLiteRepository) Insert(ctx context.Context, e event.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnencodable, e.Type, err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT OR IGNORE INTO events
		(id, type, data, context_id, parent_id, time_fired)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(data), e.Context.ID, e.Context.ParentID,
		e.TimeFired.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event %s: %w", e.ID, err)
	}
	return nil
}

// Query returns the newest matching records in chronological order.
func (r *SQLiteRepository) Query(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var (
		where string
		args  []any
	)
	if len(q.Types) > 0 {
		marks := make([]string, len(q.Types))
		for i, t := range q.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = "WHERE type IN (" + strings.Join(marks, ", ") + ")"
	}
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, `SELECT seq, id, type, data, context_id, parent_id, time_fired
		FROM events `+where+`
		ORDER BY seq DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec             Record
			typ, data, when string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &typ, &data, &rec.ContextID, &rec.ParentID, &when); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		rec.Type = event.Type(typ)
		rec.Data = json.RawMessage(data)
		if rec.TimeFired, err = time.Parse(time.RFC3339Nano, when); err != nil {
			return nil, fmt.Errorf("parsing time_fired of %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Prune keeps the newest keep records.
func (r *SQLiteRepository) Prune(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM events
		WHERE seq NOT IN (SELECT seq FROM events ORDER BY seq DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	return n, nil
}

// Count returns the number of stored events.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}
