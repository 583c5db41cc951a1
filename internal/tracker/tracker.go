// Package tracker records chat exchanges and prompt events in SQLite and
// turns each exchange into quality signals for the router.
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/miniphi/internal/llm"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const trackerSchema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id              TEXT PRIMARY KEY,
	model           TEXT NOT NULL,
	transport       TEXT NOT NULL,
	scope           TEXT,
	label           TEXT,
	schema_id       TEXT,
	main_prompt_id  TEXT,
	sub_prompt_id   TEXT,
	prompt          TEXT,
	response        TEXT,
	reasoning       TEXT,
	schema_valid    INTEGER,
	error           TEXT,
	attempt         INTEGER NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL DEFAULT 0,
	first_token_ms  INTEGER NOT NULL DEFAULT 0,
	solution_tokens INTEGER NOT NULL DEFAULT 0,
	score           REAL,
	follow_up       INTEGER,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_model ON exchanges(model, created_at);

CREATE TABLE IF NOT EXISTS prompt_events (
	id          TEXT PRIMARY KEY,
	exchange_id TEXT,
	model       TEXT,
	type        TEXT NOT NULL,
	severity    TEXT,
	message     TEXT,
	metadata    TEXT,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompt_events_exchange ON prompt_events(exchange_id);`

// Scorer rates a finished exchange. Either field of the summary may be nil.
type Scorer interface {
	Score(ctx context.Context, ex *llm.Exchange) (*llm.PerformanceSummary, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, ex *llm.Exchange) (*llm.PerformanceSummary, error)

func (f ScorerFunc) Score(ctx context.Context, ex *llm.Exchange) (*llm.PerformanceSummary, error) {
	return f(ctx, ex)
}

// SQLiteTracker implements llm.PerformanceTracker.
type SQLiteTracker struct {
	db     *sql.DB
	scorer Scorer
}

// Option configures a tracker.
type Option func(*SQLiteTracker)

// WithScorer sets the scorer. Without one, Track returns no signals.
func WithScorer(s Scorer) Option {
	return func(t *SQLiteTracker) { t.scorer = s }
}

// Open opens (or creates) the tracker database at path.
func Open(path string, opts ...Option) (*SQLiteTracker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(trackerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tracker tables: %w", err)
	}

	t := &SQLiteTracker{db: db}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Close closes the database.
func (t *SQLiteTracker) Close() error { return t.db.Close() }

// Track stores ex and returns the scorer's verdict. A scorer failure is
// logged and the exchange is still stored.
func (t *SQLiteTracker) Track(ctx context.Context, ex *llm.Exchange) (*llm.PerformanceSummary, error) {
	if ex == nil {
		return nil, nil
	}
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}

	var summary *llm.PerformanceSummary
	if t.scorer != nil {
		s, err := t.scorer.Score(ctx, ex)
		if err != nil {
			log.Warn().Err(err).Str("exchange", ex.ID).Msg("scoring failed")
		} else {
			summary = s
		}
	}

	var trace llm.TraceContext
	if ex.Trace != nil {
		trace = *ex.Trace
	}
	var schemaValid, score, followUp any
	if ex.Validation != nil {
		schemaValid = ex.Validation.Valid
	}
	if summary != nil {
		if summary.Score != nil {
			score = *summary.Score
		}
		if summary.FollowUpNeeded != nil {
			followUp = *summary.FollowUpNeeded
		}
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO exchanges (
			id, model, transport, scope, label, schema_id, main_prompt_id, sub_prompt_id,
			prompt, response, reasoning, schema_valid, error, attempt,
			duration_ms, first_token_ms, solution_tokens, score, follow_up, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Model, ex.Transport, trace.Scope, trace.Label, ex.SchemaID,
		trace.MainPromptID, trace.SubPromptID, ex.Prompt, ex.Text, ex.Reasoning,
		schemaValid, ex.Error, ex.Attempt,
		ex.Duration().Milliseconds(), ex.TimeToFirstToken.Milliseconds(), ex.SolutionTokens,
		score, followUp, time.Now().UTC(),
	)
	if err != nil {
		return summary, fmt.Errorf("insert exchange: %w", err)
	}
	return summary, nil
}

// RecordEvent stores a prompt event.
func (t *SQLiteTracker) RecordEvent(ctx context.Context, ev llm.Event) error {
	var meta []byte
	if len(ev.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO prompt_events (id, exchange_id, model, type, severity, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ev.ExchangeID, ev.Model, ev.Type, ev.Severity, ev.Message,
		string(meta), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert prompt event: %w", err)
	}
	return nil
}
