package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Config is the stored configuration of one integration instance.
type Config struct {
	ID              string         `json:"id"`
	IntegrationName string         `json:"integration_name"`
	DisplayName     string         `json:"display_name"`
	UserConfig      map[string]any `json:"user_config"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ConfigRepository persists integration configs.
type ConfigRepository interface {
	// List returns every stored config ordered by integration name.
	List(ctx context.Context) ([]Config, error)

	// Get returns the config for an integration name.
	// Returns ErrConfigNotFound if none is stored.
	Get(ctx context.Context, name string) (*Config, error)

	// Save inserts or replaces the config for cfg.IntegrationName.
	Save(ctx context.Context, cfg *Config) error

	// Delete removes the config for an integration name.
	// Returns ErrConfigNotFound if none is stored.
	Delete(ctx context.Context, name string) error
}

// SQLiteConfigRepository implements ConfigRepository using SQLite.
type SQLiteConfigRepository struct {
	db *sql.DB
}

// NewSQLiteConfigRepository creates a new SQLite-backed config repository.
func NewSQLiteConfigRepository(db *sql.DB) *SQLiteConfigRepository {
	return &SQLiteConfigRepository{db: db}
}

const configColumns = `id, integration_name, display_name, user_config, enabled, created_at, updated_at`

// List returns every stored config.
func (r *SQLiteConfigRepository) List(ctx context.Context) ([]Config, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+configColumns+`
		FROM integration_configs
		ORDER BY integration_name`)
	if err != nil {
		return nil, fmt.Errorf("querying integration configs: %w", err)
	}
	defer rows.Close()

	var out []Config
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating integration configs: %w", err)
	}
	return out, nil
}

// Get returns the config for name.
func (r *SQLiteConfigRepository) Get(ctx context.Context, name string) (*Config, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+configColumns+`
		FROM integration_configs
		WHERE integration_name = ?`, name)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, name)
		}
		return nil, err
	}
	return cfg, nil
}

// Save upserts cfg keyed by integration name.
func (r *SQLiteConfigRepository) Save(ctx context.Context, cfg *Config) error {
	if cfg.IntegrationName == "" {
		return fmt.Errorf("%w: integration_name is required", ErrInvalidConfig)
	}
	userJSON, err := json.Marshal(cfg.UserConfig)
	if err != nil {
		return fmt.Errorf("marshalling user config: %w", err)
	}
	if cfg.UserConfig == nil {
		userJSON = []byte("{}")
	}

	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO integration_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(integration_name) DO UPDATE SET
			display_name = excluded.display_name,
			user_config = excluded.user_config,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.IntegrationName, cfg.DisplayName, string(userJSON), boolToInt(cfg.Enabled),
		cfg.CreatedAt.Format(time.RFC3339Nano), cfg.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving integration config %s: %w", cfg.IntegrationName, err)
	}
	return nil
}

// Delete removes the config for name.
func (r *SQLiteConfigRepository) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM integration_configs WHERE integration_name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting integration config %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConfigNotFound, name)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*Config, error) {
	var (
		cfg                  Config
		userJSON             string
		enabled              int
		createdAt, updatedAt string
	)
	if err := row.Scan(&cfg.ID, &cfg.IntegrationName, &cfg.DisplayName, &userJSON,
		&enabled, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning integration config: %w", err)
	}
	if err := json.Unmarshal([]byte(userJSON), &cfg.UserConfig); err != nil {
		return nil, fmt.Errorf("unmarshalling user config for %s: %w", cfg.IntegrationName, err)
	}
	cfg.Enabled = enabled != 0
	cfg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
