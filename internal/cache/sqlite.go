package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/store"
	"github.com/mattn/go-sqlite3"
)

const (
	cacheFile = "cache.db"
	pageSize  = 4096
)

// migration upgrades the cache schema by one version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "entities, mutation journal and info tables",
		SQL: `
CREATE TABLE IF NOT EXISTS entities (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    row TEXT NOT NULL,
    confirmed TEXT,
    pending INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS mutations (
    id TEXT PRIMARY KEY,
    ord INTEGER NOT NULL,
    body TEXT NOT NULL
);`,
	},
	{
		Version:     2,
		Description: "inline rejection message per entity",
		SQL:         `ALTER TABLE entities ADD COLUMN error TEXT NOT NULL DEFAULT '';`,
	},
}

// SQLite is the default on-device backend. One database file per user,
// guarded by an OS file lock.
type SQLite struct {
	db   *sql.DB
	lock *fileLock
	path string
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the cache in dir. maxBytes caps the
// database size; zero leaves it unbounded.
func OpenSQLite(dir string, maxBytes int64) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	lock := newFileLock(dir)
	if err := lock.acquire(defaultLockTimeout); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, cacheFile)
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	// max_page_count is per connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, lock: lock, path: path}
	if err := s.init(maxBytes); err != nil {
		db.Close()
		lock.release()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(maxBytes int64) error {
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA page_size=%d", pageSize)); err != nil {
		return fmt.Errorf("set page size: %w", err)
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS cache_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create cache_info: %w", err)
	}

	version := s.version()
	if version > SnapshotVersion {
		slog.Warn("cache written by a newer version, discarding", "version", version, "supported", SnapshotVersion)
		if err := s.reset(); err != nil {
			return err
		}
		version = 0
	}
	for _, m := range migrations {
		if m.Version <= version {
			continue
		}
		if _, err := s.db.Exec(m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := s.setInfo("version", strconv.Itoa(m.Version)); err != nil {
			return fmt.Errorf("set version %d: %w", m.Version, err)
		}
	}

	if maxBytes > 0 {
		pages := maxBytes / pageSize
		if pages < 8 {
			pages = 8
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA max_page_count=%d", pages)); err != nil {
			return fmt.Errorf("set max page count: %w", err)
		}
	}
	return nil
}

func (s *SQLite) version() int {
	var v string
	if err := s.db.QueryRow(`SELECT value FROM cache_info WHERE key = 'version'`).Scan(&v); err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func (s *SQLite) setInfo(key, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache_info (key, value) VALUES (?, ?)`, key, value)
	return mapErr("set info", err)
}

func (s *SQLite) reset() error {
	for _, stmt := range []string{
		`DROP TABLE IF EXISTS entities`,
		`DROP TABLE IF EXISTS mutations`,
		`DELETE FROM cache_info`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("reset cache: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// PutMutation journals a mutation.
func (s *SQLite) PutMutation(m queue.Mutation) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO mutations (id, ord, body) VALUES (?, ?, ?)`, m.ID, m.Order, string(body))
	return mapErr("journal mutation", err)
}

// DeleteMutation removes a journaled mutation.
func (s *SQLite) DeleteMutation(id string) error {
	_, err := s.db.Exec(`DELETE FROM mutations WHERE id = ?`, id)
	return mapErr("delete mutation", err)
}

// LoadSnapshot reads every entity and journaled mutation.
func (s *SQLite) LoadSnapshot(ctx context.Context) (Snapshot, []queue.Mutation, error) {
	snap := Snapshot{Version: s.version()}
	var user, saved sql.NullString
	s.db.QueryRowContext(ctx, `SELECT value FROM cache_info WHERE key = 'user_id'`).Scan(&user)
	s.db.QueryRowContext(ctx, `SELECT value FROM cache_info WHERE key = 'saved_at'`).Scan(&saved)
	snap.UserID = user.String
	if saved.Valid {
		snap.SavedAt, _ = time.Parse(time.RFC3339Nano, saved.String)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT collection, id, row, confirmed, pending, deleted, error FROM entities`)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load entities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e                store.Entry
			rowJSON          string
			confirmedJSON    sql.NullString
			pending, deleted int
		)
		if err := rows.Scan(&e.Collection, &e.ID, &rowJSON, &confirmedJSON, &pending, &deleted, &e.Error); err != nil {
			return Snapshot{}, nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := json.Unmarshal([]byte(rowJSON), &e.Row); err != nil {
			slog.Warn("skip unreadable cached entity", "collection", e.Collection, "id", e.ID, "err", err)
			continue
		}
		if confirmedJSON.Valid {
			if err := json.Unmarshal([]byte(confirmedJSON.String), &e.Confirmed); err != nil {
				e.Confirmed = nil
			}
		}
		e.Pending = pending != 0
		e.Deleted = deleted != 0
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, nil, err
	}

	mrows, err := s.db.QueryContext(ctx, `SELECT body FROM mutations ORDER BY ord`)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("load mutations: %w", err)
	}
	defer mrows.Close()
	var muts []queue.Mutation
	for mrows.Next() {
		var body string
		if err := mrows.Scan(&body); err != nil {
			return Snapshot{}, nil, fmt.Errorf("scan mutation: %w", err)
		}
		var m queue.Mutation
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			slog.Warn("skip unreadable journaled mutation", "err", err)
			continue
		}
		muts = append(muts, m)
	}
	return snap, muts, mrows.Err()
}

// SaveSnapshot replaces the stored entities in one transaction.
func (s *SQLite) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin snapshot", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities`); err != nil {
		return mapErr("clear entities", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO entities (collection, id, row, confirmed, pending, deleted, updated_at, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return mapErr("prepare snapshot", err)
	}
	defer stmt.Close()

	for _, e := range snap.Entries {
		rowJSON, err := json.Marshal(e.Row)
		if err != nil {
			return fmt.Errorf("marshal %s/%s: %w", e.Collection, e.ID, err)
		}
		var confirmed any
		if e.Confirmed != nil {
			data, err := json.Marshal(e.Confirmed)
			if err != nil {
				return fmt.Errorf("marshal %s/%s: %w", e.Collection, e.ID, err)
			}
			confirmed = string(data)
		}
		if _, err := stmt.ExecContext(ctx, e.Collection, e.ID, string(rowJSON), confirmed,
			boolInt(e.Pending), boolInt(e.Deleted), e.Row.Str("updated_at"), e.Error); err != nil {
			return mapErr("save entity", err)
		}
	}

	for key, value := range map[string]string{
		"user_id":  snap.UserID,
		"saved_at": snap.SavedAt.UTC().Format(time.RFC3339Nano),
	} {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO cache_info (key, value) VALUES (?, ?)`, key, value); err != nil {
			return mapErr("save info", err)
		}
	}
	return mapErr("commit snapshot", tx.Commit())
}

// Clear deletes the snapshot and journal, keeping the schema.
func (s *SQLite) Clear(ctx context.Context) error {
	for _, stmt := range []string{
		`DELETE FROM entities`,
		`DELETE FROM mutations`,
		`DELETE FROM cache_info WHERE key <> 'version'`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mapErr("clear cache", err)
		}
	}
	return nil
}

// Close closes the database and releases the user lock.
func (s *SQLite) Close() error {
	err := s.db.Close()
	s.lock.release()
	return err
}

// mapErr turns SQLITE_FULL into a quota error.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return QuotaError(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
