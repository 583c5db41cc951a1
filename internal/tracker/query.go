package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ModelStats aggregates stored exchanges for one model.
type ModelStats struct {
	Model        string
	Exchanges    int
	Failures     int
	SchemaFailed int
	AvgDuration  time.Duration
	AvgScore     *float64
}

// Stats returns per-model aggregates ordered by model.
func (t *SQLiteTracker) Stats(ctx context.Context) ([]ModelStats, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT model,
		       COUNT(*),
		       SUM(CASE WHEN error IS NOT NULL AND error != '' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN schema_valid = 0 THEN 1 ELSE 0 END),
		       AVG(duration_ms),
		       AVG(score)
		FROM exchanges
		GROUP BY model
		ORDER BY model`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		var (
			s        ModelStats
			avgMs    float64
			avgScore sql.NullFloat64
		)
		if err := rows.Scan(&s.Model, &s.Exchanges, &s.Failures, &s.SchemaFailed, &avgMs, &avgScore); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		s.AvgDuration = time.Duration(avgMs) * time.Millisecond
		if avgScore.Valid {
			v := avgScore.Float64
			s.AvgScore = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EventCounts returns how often each event type was recorded.
func (t *SQLiteTracker) EventCounts(ctx context.Context) (map[string]int, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM prompt_events GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan events: %w", err)
		}
		out[typ] = n
	}
	return out, rows.Err()
}
