package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection pool settings for the postgres backend.
type PostgresConfig struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PostgresStore persists memory entries in a single keyed table.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens the connection pool, pings the server, and applies
// pending migrations. Migration files are embedded into the binary so
// deployments need no external SQL files.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// runMigrations applies pending migrations with golang-migrate over the
// embedded migration files.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "crewline", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the
	// database driver, which closes the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// DB returns the underlying pool for health checks.
func (s *PostgresStore) DB() *stdsql.DB { return s.db }

// Save writes or overwrites one value.
func (s *PostgresStore) Save(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_entries (namespace, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (namespace, key)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		namespace, key, value)
	if err != nil {
		return fmt.Errorf("saving %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Load returns the value for key, or ErrNotFound.
func (s *PostgresStore) Load(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM memory_entries WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// LoadAll returns every key/value pair in the namespace.
func (s *PostgresStore) LoadAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM memory_entries WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, fmt.Errorf("loading namespace %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", namespace, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", namespace, err)
	}
	return out, nil
}

// Delete removes one key.
func (s *PostgresStore) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return fmt.Errorf("deleting %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys lists the keys in the namespace.
func (s *PostgresStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM memory_entries WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, fmt.Errorf("listing keys in %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning key in %s: %w", namespace, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating keys in %s: %w", namespace, err)
	}
	return keys, nil
}

// Clear removes the whole namespace.
func (s *PostgresStore) Clear(ctx context.Context, namespace string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE namespace = $1`, namespace)
	if err != nil {
		return fmt.Errorf("clearing %s: %w", namespace, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }
