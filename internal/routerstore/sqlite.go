package routerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/normanking/miniphi/internal/bandit"
	_ "modernc.org/sqlite"
)

const routerStateSchema = `
CREATE TABLE IF NOT EXISTS router_state (
	name       TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);`

// SQLiteStore keeps named router states in a SQLite table, so several
// routers can share one database file.
type SQLiteStore struct {
	db   *sql.DB
	name string
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path, name string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(routerStateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create router_state table: %w", err)
	}
	if name == "" {
		name = "default"
	}
	return &SQLiteStore{db: db, name: name}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (*bandit.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM router_state WHERE name = ?`, s.name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query router state: %w", err)
	}
	state, err := bandit.UnmarshalState([]byte(raw))
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *SQLiteStore) Save(ctx context.Context, state bandit.State) error {
	data, err := bandit.MarshalState(state)
	if err != nil {
		return fmt.Errorf("encode router state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO router_state (name, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		s.name, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save router state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
