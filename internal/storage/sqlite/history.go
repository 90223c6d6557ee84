// Package sqlite persists the transcript history: one row per delivered or
// rejected session, queryable by recency for the status surface.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yegors/sotto/pkg/logger"
)

// HistoryRecord is one session's outcome
type HistoryRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	Content    string    `json:"text"`
	Provider   string    `json:"provider"`
	Mode       string    `json:"mode,omitempty"`
	Similarity float64   `json:"similarity"`
	Accepted   bool      `json:"accepted"`
	DurationMs int64     `json:"duration_ms"`
}

// Open opens (creating if needed) the history database at path
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	return db, nil
}

// HistoryStorage handles storage of session history records
type HistoryStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewHistoryStorage creates a SQLite history storage and its schema
func NewHistoryStorage(db *sql.DB, log *logger.Logger) (*HistoryStorage, error) {
	storage := &HistoryStorage{
		db:     db,
		logger: log.Named("sqlite-history"),
	}
	if err := storage.initDB(); err != nil {
		return nil, err
	}
	return storage, nil
}

func (s *HistoryStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			content TEXT NOT NULL,
			provider TEXT NOT NULL,
			mode TEXT,
			similarity REAL NOT NULL,
			accepted BOOLEAN NOT NULL,
			duration_ms INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_created_at ON history(created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create created_at index: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_session_id ON history(session_id)`)
	if err != nil {
		return fmt.Errorf("failed to create session_id index: %w", err)
	}

	return nil
}

// Store inserts a history record
func (s *HistoryStorage) Store(record *HistoryRecord) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO history
		(session_id, created_at, content, provider, mode, similarity, accepted, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.CreatedAt.Format(time.RFC3339),
		record.Content,
		record.Provider,
		record.Mode,
		record.Similarity,
		record.Accepted,
		record.DurationMs,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// Recent returns the newest records, most recent first
func (s *HistoryStorage) Recent(limit int) ([]*HistoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, created_at, content, provider, mode, similarity, accepted, duration_ms
		FROM history
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// BySession returns the records for one session
func (s *HistoryStorage) BySession(sessionID string) ([]*HistoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, created_at, content, provider, mode, similarity, accepted, duration_ms
		FROM history
		WHERE session_id = ?
		ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history by session: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*HistoryRecord, error) {
	var records []*HistoryRecord
	for rows.Next() {
		var record HistoryRecord
		var createdAt string
		var mode sql.NullString

		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&createdAt,
			&record.Content,
			&record.Provider,
			&mode,
			&record.Similarity,
			&record.Accepted,
			&record.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}

		parsed, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		record.CreatedAt = parsed

		if mode.Valid {
			record.Mode = mode.String
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
