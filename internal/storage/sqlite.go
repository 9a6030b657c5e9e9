// Package storage is the durability layer: SQLite via database/sql with
// embedded migrations. It persists conversation windows, archive entries,
// and the error-record audit trail; the in-memory session state in
// internal/memory stays the source of truth while a session is live.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/parley/internal/faults"
	"github.com/kalambet/parley/internal/memory"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database. It implements memory.Persister and
// faults.Trail.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used
// by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "parley.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded SQL migrations that have not been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending
// order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Conversation windows ---

// SaveWindow replaces the persisted window for a session with msgs, in
// order. Called from memory flush paths; idempotent.
func (s *Store) SaveWindow(sessionID string, msgs []memory.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning window save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM window_messages WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clearing window: %w", err)
	}

	for i, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO window_messages (session_id, position, message_id, role, text, token_estimate, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, i, m.ID, m.Role, m.Text, m.TokenEstimate,
			m.Timestamp.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting window message %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// LoadWindow returns the persisted window for a session, in order. An
// unknown session yields an empty window, not an error.
func (s *Store) LoadWindow(sessionID string) ([]memory.Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, role, text, token_estimate, created_at
		FROM window_messages WHERE session_id = ? ORDER BY position ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []memory.Message
	for rows.Next() {
		m := memory.Message{SessionID: sessionID}
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Role, &m.Text, &m.TokenEstimate, &createdAt); err != nil {
			return nil, err
		}
		if m.Timestamp, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Archive entries ---

// SaveArchiveEntries appends archive entries. Entries are append-only
// and re-flushing the same entry is a no-op.
func (s *Store) SaveArchiveEntries(entries []memory.ArchiveEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning archive save: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO archive_entries (id, session_id, summary, original_message_count, weight, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.Summary, e.OriginalMessageCount, e.Weight,
			e.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting archive entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// LoadArchiveEntries returns a session's archive entries, oldest first.
func (s *Store) LoadArchiveEntries(sessionID string) ([]memory.ArchiveEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, summary, original_message_count, weight, created_at
		FROM archive_entries WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []memory.ArchiveEntry
	for rows.Next() {
		var e memory.ArchiveEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Summary, &e.OriginalMessageCount, &e.Weight, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Error records ---

// Append writes one classified failure to the audit trail.
func (s *Store) Append(r faults.Record) error {
	_, err := s.db.Exec(`
		INSERT INTO error_records (id, category, message, session_id, created_at, recovered)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Category), r.Message, r.SessionID,
		r.Timestamp.UTC().Format(time.RFC3339), boolToInt(r.Recovered),
	)
	return err
}

// MarkRecovered flips the recovered flag on an existing record.
func (s *Store) MarkRecovered(id string) error {
	res, err := s.db.Exec("UPDATE error_records SET recovered = 1 WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecentErrorRecords returns the newest limit records across all
// sessions, newest first.
func (s *Store) RecentErrorRecords(limit int) ([]faults.Record, error) {
	rows, err := s.db.Query(`
		SELECT id, category, message, session_id, created_at, recovered
		FROM error_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []faults.Record
	for rows.Next() {
		var r faults.Record
		var category, createdAt string
		var recovered int
		if err := rows.Scan(&r.ID, &category, &r.Message, &r.SessionID, &createdAt, &recovered); err != nil {
			return nil, err
		}
		r.Category = faults.Category(category)
		r.Recovered = recovered != 0
		if r.Timestamp, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
