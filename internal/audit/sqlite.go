package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores audit entries in a SQLite database.
type SQLiteSink struct {
	recorder
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// NewSQLiteSink opens (creating if needed) the database at dbPath.
// Use ":memory:" for an in-memory database.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection: every :memory: connection is a separate database, and
	// concurrent processes serialise on the file lock anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db, now: time.Now}
	s.recorder = recorder{append: s.append}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initialize() error {
	schema := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS audit_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		fields TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_run_id ON audit_entries(run_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fieldsJSON []byte
	if len(e.Fields) > 0 {
		var err error
		fieldsJSON, err = json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_entries (run_id, kind, stage, message, timestamp, fields) VALUES (?, ?, ?, ?, ?, ?)",
		e.RunID, string(e.Kind), e.Stage, e.Message, s.now().UnixMilli(), fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ByRun returns every entry of a run in insertion order.
func (s *SQLiteSink) ByRun(ctx context.Context, runID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, kind, stage, message, timestamp, fields FROM audit_entries WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Range returns the entries recorded between start and end, inclusive.
func (s *SQLiteSink) Range(ctx context.Context, start, end time.Time) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, run_id, kind, stage, message, timestamp, fields FROM audit_entries WHERE timestamp >= ? AND timestamp <= ? ORDER BY id",
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			kind       string
			ts         int64
			fieldsJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &kind, &e.Stage, &e.Message, &ts, &fieldsJSON); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = Kind(kind)
		e.Timestamp = time.UnixMilli(ts)
		if len(fieldsJSON) > 0 {
			if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
