package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Repository defines device and entity persistence.
type Repository interface {
	// ListDevices retrieves all devices ordered by name.
	ListDevices(ctx context.Context) ([]Device, error)

	// ListEntities retrieves all entities ordered by entity ID.
	ListEntities(ctx context.Context) ([]Entity, error)

	// ApplyDiscovery upserts the discovered devices and entities of one
	// integration in a single transaction. Existing enabled flags are kept.
	// Rows of that integration not in the batch are marked unavailable; the
	// number of rows newly marked is returned.
	ApplyDiscovery(ctx context.Context, integration string, devices []Device, entities []Entity) (int, error)

	// SetEntityEnabled updates one entity's enabled flag.
	// Returns ErrEntityNotFound if the entity does not exist.
	SetEntityEnabled(ctx context.Context, entityID string, enabled bool) error

	// SetDeviceEnabled updates a device and all of its entities.
	// Returns ErrDeviceNotFound if the device does not exist.
	SetDeviceEnabled(ctx context.Context, deviceID string, enabled bool) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ListDevices retrieves all devices.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, integration, type, name, metadata, enabled, available, created_at, updated_at
		FROM devices
		ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d                    Device
			metadataJSON         string
			enabled, available   int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&d.ID, &d.Integration, &d.Type, &d.Name, &metadataJSON,
			&enabled, &available, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		if err := json.Unmarshal([]byte(metadataJSON), &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata for %s: %w", d.ID, err)
		}
		d.Enabled = enabled != 0
		d.Available = available != 0
		d.CreatedAt = parseTime(createdAt)
		d.UpdatedAt = parseTime(updatedAt)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// ListEntities retrieves all entities.
func (r *SQLiteRepository) ListEntities(ctx context.Context) ([]Entity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, external_id, device_id, integration, type, name,
			enabled, available, created_at, updated_at
		FROM entities
		ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var (
			e                    Entity
			deviceID             sql.NullString
			entityType           string
			enabled, available   int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&e.EntityID, &e.ExternalID, &deviceID, &e.Integration, &entityType,
			&e.Name, &enabled, &available, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e.DeviceID = deviceID.String
		e.Type = EntityType(entityType)
		e.Enabled = enabled != 0
		e.Available = available != 0
		e.CreatedAt = parseTime(createdAt)
		e.UpdatedAt = parseTime(updatedAt)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

// ApplyDiscovery merges one integration's discovery result.
func (r *SQLiteRepository) ApplyDiscovery(ctx context.Context, integration string, devices []Device, entities []Entity) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after Commit is a no-op

	now := formatTime(time.Now().UTC())

	deviceIDs := make([]any, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		metadataJSON, err := json.Marshal(nonNilMap(d.Metadata))
		if err != nil {
			return 0, fmt.Errorf("marshalling metadata for %s: %w", d.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO devices (id, integration, type, name, metadata, enabled, available, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				integration = excluded.integration,
				type = excluded.type,
				name = excluded.name,
				metadata = excluded.metadata,
				available = 1,
				updated_at = excluded.updated_at`,
			d.ID, integration, d.Type, d.Name, string(metadataJSON), now, now)
		if err != nil {
			return 0, fmt.Errorf("upserting device %s: %w", d.ID, err)
		}
		deviceIDs = append(deviceIDs, d.ID)
	}

	externalIDs := make([]any, 0, len(entities))
	for i := range entities {
		e := &entities[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (entity_id, external_id, device_id, integration, type, name,
				enabled, available, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, 1, ?, ?)
			ON CONFLICT(integration, external_id) DO UPDATE SET
				device_id = excluded.device_id,
				name = excluded.name,
				available = 1,
				updated_at = excluded.updated_at`,
			e.EntityID, e.ExternalID, nullableString(e.DeviceID), integration, string(e.Type), e.Name, now, now)
		if err != nil {
			if isUniqueConstraintError(err) {
				return 0, fmt.Errorf("%w: %s", ErrEntityExists, e.EntityID)
			}
			return 0, fmt.Errorf("upserting entity %s: %w", e.EntityID, err)
		}
		externalIDs = append(externalIDs, e.ExternalID)
	}

	marked, err := markMissing(ctx, tx, "devices", "id", integration, deviceIDs, now)
	if err != nil {
		return 0, err
	}
	markedEntities, err := markMissing(ctx, tx, "entities", "external_id", integration, externalIDs, now)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing discovery: %w", err)
	}
	return marked + markedEntities, nil
}

// markMissing flags rows of integration whose key is not in keep as
// unavailable. Table and column names are constants supplied by callers.
func markMissing(ctx context.Context, tx *sql.Tx, table, column, integration string, keep []any, now string) (int, error) {
	query := fmt.Sprintf(`UPDATE %s SET available = 0, updated_at = ?
		WHERE integration = ? AND available = 1`, table)
	args := []any{now, integration}
	if len(keep) > 0 {
		query += fmt.Sprintf(" AND %s NOT IN (%s)", column, placeholders(len(keep)))
		args = append(args, keep...)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking missing %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// SetEntityEnabled updates one entity's enabled flag.
func (r *SQLiteRepository) SetEntityEnabled(ctx context.Context, entityID string, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE entities SET enabled = ?, updated_at = ? WHERE entity_id = ?`,
		boolToInt(enabled), formatTime(time.Now().UTC()), entityID)
	if err != nil {
		return fmt.Errorf("updating entity %s: %w", entityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// SetDeviceEnabled updates a device and its entities in one transaction.
func (r *SQLiteRepository) SetDeviceEnabled(ctx context.Context, deviceID string, enabled bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after Commit is a no-op

	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx,
		`UPDATE devices SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), now, deviceID)
	if err != nil {
		return fmt.Errorf("updating device %s: %w", deviceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET enabled = ?, updated_at = ? WHERE device_id = ?`,
		boolToInt(enabled), now, deviceID); err != nil {
		return fmt.Errorf("updating entities of %s: %w", deviceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device update: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
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

// nullableString maps an empty string to SQL NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
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
