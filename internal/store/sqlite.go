package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex // serializes writes (SQLite is single-writer)
}

// NewSQLiteStore opens or creates a SQLite database at dataDir/history.db
// and runs schema migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			session     TEXT NOT NULL,
			process_id  INTEGER NOT NULL,
			node        TEXT NOT NULL DEFAULT '',
			command     TEXT NOT NULL,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME,
			exit_code   INTEGER,
			PRIMARY KEY (session, process_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_started ON processes(started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Record(_ context.Context, rec ProcessRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO processes (session, process_id, node, command, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session, process_id) DO UPDATE SET
		   command = excluded.command,
		   started_at = excluded.started_at`,
		rec.Session, int64(rec.ProcessID), rec.Node, rec.Command, rec.StartedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) Finish(_ context.Context, session string, processID uint64, exitCode int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE processes SET finished_at = ?, exit_code = ? WHERE session = ? AND process_id = ?",
		time.Now().UTC(), exitCode, session, int64(processID),
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("process %d in session %s not recorded", processID, session)
	}
	return nil
}

func (s *SQLiteStore) List(_ context.Context, filter ListFilter) ([]ProcessRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.Session != "" {
		where = append(where, "session = ?")
		args = append(args, filter.Session)
	}
	query := "SELECT session, process_id, node, command, started_at, finished_at, exit_code FROM processes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, process_id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ProcessRecord
	for rows.Next() {
		var (
			r   ProcessRecord
			pid int64
		)
		if err := rows.Scan(&r.Session, &pid, &r.Node, &r.Command, &r.StartedAt, &r.FinishedAt, &r.ExitCode); err != nil {
			return nil, err
		}
		r.ProcessID = uint64(pid)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"DELETE FROM processes WHERE finished_at IS NOT NULL AND finished_at < ?",
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
