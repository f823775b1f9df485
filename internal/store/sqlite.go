package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs Store with modernc.org/sqlite, keeping the binary CGO-free.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database at dsn, creating the file on first use.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if isMemoryDSN(dsn) {
		// An in-memory database exists per connection; a second pool
		// conn would see its own empty schema.
		db.SetMaxOpenConns(1)
	} else {
		// SQLite only supports one writer at a time. Limit connections to
		// avoid contention and keep a small idle pool for read concurrency.
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func isMemoryDSN(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			stage1 TEXT NOT NULL DEFAULT '',
			stage2 TEXT NOT NULL DEFAULT '',
			stage3 TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vault_salt (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deliberations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			search_ms INTEGER NOT NULL DEFAULT 0,
			stage1_ms INTEGER NOT NULL DEFAULT 0,
			stage2_ms INTEGER NOT NULL DEFAULT 0,
			stage3_ms INTEGER NOT NULL DEFAULT 0,
			total_ms INTEGER NOT NULL DEFAULT 0,
			council_size INTEGER NOT NULL DEFAULT 0,
			web_search INTEGER NOT NULL DEFAULT 0,
			cancelled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliberations_started ON deliberations(started_at)`,
	}
	for i, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sidecar tables (query history)
// can live in the same file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Conversations

func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Title == "" {
		c.Title = "New Conversation"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Title, c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at, COUNT(m.id)
		 FROM conversations c
		 LEFT JOIN messages m ON m.conversation_id = c.id
		 GROUP BY c.id
		 ORDER BY c.updated_at DESC, c.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var conversations []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Title, &createdAt, &updatedAt, &c.MessageCount); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

func (s *SQLiteStore) SetConversationTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// Messages

func (s *SQLiteStore) AddMessage(ctx context.Context, m Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	stage1, err := marshalBlob(m.Stage1, len(m.Stage1) > 0)
	if err != nil {
		return 0, fmt.Errorf("marshal stage1: %w", err)
	}
	stage2, err := marshalBlob(m.Stage2, len(m.Stage2) > 0)
	if err != nil {
		return 0, fmt.Errorf("marshal stage2: %w", err)
	}
	stage3, err := marshalBlob(m.Stage3, m.Stage3 != nil)
	if err != nil {
		return 0, fmt.Errorf("marshal stage3: %w", err)
	}
	metadata, err := marshalBlob(m.Metadata, m.Metadata != nil)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, stage1, stage2, stage3, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, stage1, stage2, stage3, metadata,
		m.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		m.CreatedAt.Format(time.RFC3339), m.ConversationID); err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, stage1, stage2, stage3, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var messages []Message
	for rows.Next() {
		var m Message
		var stage1, stage2, stage3, metadata, createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&stage1, &stage2, &stage3, &metadata, &createdAt); err != nil {
			return nil, err
		}
		if stage1 != "" {
			if err := json.Unmarshal([]byte(stage1), &m.Stage1); err != nil {
				return nil, fmt.Errorf("unmarshal stage1 for message %d: %w", m.ID, err)
			}
		}
		if stage2 != "" {
			if err := json.Unmarshal([]byte(stage2), &m.Stage2); err != nil {
				return nil, fmt.Errorf("unmarshal stage2 for message %d: %w", m.ID, err)
			}
		}
		if stage3 != "" {
			if err := json.Unmarshal([]byte(stage3), &m.Stage3); err != nil {
				return nil, fmt.Errorf("unmarshal stage3 for message %d: %w", m.ID, err)
			}
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata for message %d: %w", m.ID, err)
			}
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// marshalBlob serialises an optional JSON column; absent values persist as
// the empty string.
func marshalBlob(v any, present bool) (string, error) {
	if !present {
		return "", nil
	}
	j, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(j), nil
}

// Settings

func (s *SQLiteStore) SaveSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for name, value := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO settings (name, value) VALUES (?, ?)
			 ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
			name, value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, rows.Err()
}

// Vault salt

func (s *SQLiteStore) SaveVaultSalt(ctx context.Context, salt []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vault_salt (id, salt) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt`, salt)
	return err
}

func (s *SQLiteStore) LoadVaultSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT salt FROM vault_salt WHERE id = 1`).Scan(&salt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return salt, nil
}

// Deliberations

func (s *SQLiteStore) LogDeliberation(ctx context.Context, d DeliberationRecord) error {
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliberations (conversation_id, started_at, search_ms, stage1_ms, stage2_ms, stage3_ms, total_ms, council_size, web_search, cancelled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ConversationID, d.StartedAt.Format(time.RFC3339),
		d.SearchMs, d.Stage1Ms, d.Stage2Ms, d.Stage3Ms, d.TotalMs,
		d.CouncilSize, boolInt(d.WebSearch), boolInt(d.Cancelled))
	return err
}

func (s *SQLiteStore) ListDeliberations(ctx context.Context, limit int, offset int) ([]DeliberationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, started_at, search_ms, stage1_ms, stage2_ms, stage3_ms, total_ms, council_size, web_search, cancelled
		 FROM deliberations ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []DeliberationRecord
	for rows.Next() {
		var d DeliberationRecord
		var startedAt string
		var webSearch, cancelled int
		if err := rows.Scan(&d.ID, &d.ConversationID, &startedAt,
			&d.SearchMs, &d.Stage1Ms, &d.Stage2Ms, &d.Stage3Ms, &d.TotalMs,
			&d.CouncilSize, &webSearch, &cancelled); err != nil {
			return nil, err
		}
		d.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
		d.WebSearch = webSearch != 0
		d.Cancelled = cancelled != 0
		records = append(records, d)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) DeliberationStats(ctx context.Context) (DeliberationStats, error) {
	var stats DeliberationStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(cancelled), 0),
		 COALESCE(SUM(web_search), 0),
		 COALESCE(AVG(total_ms), 0),
		 COALESCE(AVG(stage1_ms), 0),
		 COALESCE(AVG(stage2_ms), 0),
		 COALESCE(AVG(stage3_ms), 0)
		 FROM deliberations`).
		Scan(&stats.TotalRuns, &stats.Cancelled, &stats.WebSearches,
			&stats.AvgTotalMs, &stats.AvgStage1Ms, &stats.AvgStage2Ms, &stats.AvgStage3Ms)
	if err != nil {
		return DeliberationStats{}, err
	}
	return stats, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
