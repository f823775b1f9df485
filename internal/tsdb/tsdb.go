// Package tsdb persists per-query history samples in SQLite. The
// in-memory stats collector only holds a day of samples and loses them
// on restart; this store is the durable record behind the history API
// and the seed source that repopulates the collector at boot.
package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultStepMs is the bucket width used when a history query does not
// ask for one.
const DefaultStepMs = 60_000

// flushBatch is how many buffered samples trigger a write.
const flushBatch = 100

const defaultRetention = 7 * 24 * time.Hour

// Sample is one model query observation.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	LatencyMs float64   `json:"latency_ms"`
	Success   bool      `json:"success"`
}

// Series is the downsampled history for one model on one provider.
type Series struct {
	Model    string   `json:"model"`
	Provider string   `json:"provider"`
	Buckets  []Bucket `json:"buckets"`
}

// Bucket aggregates the samples of one time step.
type Bucket struct {
	T            time.Time `json:"t"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	Queries      int64     `json:"queries"`
	Errors       int64     `json:"errors"`
}

// Params filters a history query.
type Params struct {
	Model    string
	Provider string
	Since    time.Time
	Until    time.Time
	StepMs   int64 // bucket width; <=0 selects DefaultStepMs
}

// whereClause assembles the SQL filter for these params.
func (p Params) whereClause() (string, []any) {
	var conds []string
	var args []any
	if p.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, p.Model)
	}
	if p.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, p.Provider)
	}
	if !p.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, p.Since.UnixMilli())
	}
	if !p.Until.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, p.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Store buffers samples in memory and batch-flushes them to SQLite.
// Writes are best-effort: a batch that fails to persist is dropped,
// never retried, so history can never block the serving path.
type Store struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time

	mu     sync.Mutex
	buf    []Sample
	bufMax int
}

// New creates a history store on the given SQLite handle and runs its
// migration.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, retention: defaultRetention, now: time.Now, bufMax: flushBatch}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("history schema: %w", err)
	}
	return s, nil
}

// SetRetention overrides the default 7-day retention.
func (s *Store) SetRetention(d time.Duration) {
	s.retention = d
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS query_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		model TEXT NOT NULL,
		provider TEXT NOT NULL,
		latency_ms REAL NOT NULL,
		success INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_query_history_ts ON query_history(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_query_history_model ON query_history(model, ts)`,
}

func (s *Store) migrate() error {
	for i, q := range migrations {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Record buffers one sample, flushing the batch once it is full.
func (s *Store) Record(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	s.mu.Lock()
	s.buf = append(s.buf, sample)
	full := len(s.buf) >= s.bufMax
	s.mu.Unlock()
	if full {
		s.Flush()
	}
}

// Flush forces all buffered samples to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	batch := s.buf
	s.buf = nil
	s.mu.Unlock()
	s.persist(batch)
}

func (s *Store) persist(batch []Sample) {
	if len(batch) == 0 {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO query_history (ts, model, provider, latency_ms, success) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	for _, sm := range batch {
		success := 0
		if sm.Success {
			success = 1
		}
		_, _ = stmt.Exec(sm.Timestamp.UnixMilli(), sm.Model, sm.Provider, sm.LatencyMs, success)
	}
	_ = stmt.Close()
	_ = tx.Commit()
}

// History returns downsampled series matching the given filters, one
// series per model+provider pair, buckets in ascending time order.
func (s *Store) History(ctx context.Context, p Params) ([]Series, error) {
	s.Flush() // make buffered samples visible

	step := p.StepMs
	if step <= 0 {
		step = DefaultStepMs
	}
	where, args := p.whereClause()
	query := fmt.Sprintf(
		`SELECT (ts / %d) * %d AS bucket, model, provider,
			AVG(latency_ms), COUNT(*), SUM(1 - success)
		 FROM query_history%s
		 GROUP BY bucket, model, provider
		 ORDER BY bucket ASC`, step, step, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Buckets arrive time-ordered; fold them into one series per
	// model+provider pair, first-seen order.
	var result []Series
	index := map[[2]string]int{}
	for rows.Next() {
		var (
			bucketMs        int64
			model, provider string
			b               Bucket
		)
		if err := rows.Scan(&bucketMs, &model, &provider, &b.AvgLatencyMs, &b.Queries, &b.Errors); err != nil {
			return nil, err
		}
		b.T = time.UnixMilli(bucketMs)

		k := [2]string{model, provider}
		i, seen := index[k]
		if !seen {
			i = len(result)
			index[k] = i
			result = append(result, Series{Model: model, Provider: provider})
		}
		result[i].Buckets = append(result[i].Buckets, b)
	}
	return result, rows.Err()
}

// Recent returns raw samples at or after since in ascending time order,
// capped at limit. Used to reseed the in-memory collector at startup.
func (s *Store) Recent(ctx context.Context, since time.Time, limit int) ([]Sample, error) {
	s.Flush()
	if limit <= 0 {
		limit = 10000
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, model, provider, latency_ms, success
		 FROM query_history WHERE ts >= ? ORDER BY ts ASC LIMIT ?`,
		since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var samples []Sample
	for rows.Next() {
		var (
			tsMs    int64
			success int
			sm      Sample
		)
		if err := rows.Scan(&tsMs, &sm.Model, &sm.Provider, &sm.LatencyMs, &success); err != nil {
			return nil, err
		}
		sm.Timestamp = time.UnixMilli(tsMs)
		sm.Success = success != 0
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// Prune deletes samples older than the retention period and reports how
// many were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush()
	cutoff := s.now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_history WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
