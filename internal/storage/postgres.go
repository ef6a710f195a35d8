// Package storage - optional durable KeyValueStore backed by Postgres via
// lib/pq, exercising the domain stack's database driver the way the teacher
// uses lib/pq for its own relational tables. Schema is a single generic
// key/value table; components that need real relational queries (reports,
// audit summaries) read through the in-memory components instead and use
// this only for durability across restarts.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists key/value records in a single table, created on
// first use if absent.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig mirrors the teacher's db.Config shape (Host/Port/User/...).
type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c PostgresConfig) dsn() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// NewPostgresStore opens a connection and ensures the backing table exists.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS osxfleet_kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("migrate osxfleet_kv: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO osxfleet_kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM osxfleet_kv WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM osxfleet_kv WHERE key = $1`, key)
	return err
}

func (p *PostgresStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM osxfleet_kv WHERE key LIKE $1`, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
