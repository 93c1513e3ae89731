// Package rowstore is the authoritative relational store behind kept-server:
// one table per collection, an idempotency table for mutation replays, and
// API keys. SQLite (modernc.org/sqlite) and PostgreSQL (pgx) are supported.
package rowstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/marcus/kept/internal/schema"
)

// SchemaVersion is the current rowstore schema version.
const SchemaVersion = 2

// Migration is one schema step.
type Migration struct {
	Version     int
	Description string
	SQL         func(d dialect, reg *schema.Registry) []string
}

// Migrations run in order on open.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "api keys and idempotency keys",
		SQL: func(d dialect, _ *schema.Registry) []string {
			return []string{
				`CREATE TABLE IF NOT EXISTS api_keys (
    key_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    key_prefix TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    last_used_at TEXT
)`,
				`CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id)`,
				`CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    collection TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    response TEXT NOT NULL,
    created_at TEXT NOT NULL
)`,
			}
		},
	},
	{
		Version:     2,
		Description: "collection tables",
		SQL: func(d dialect, reg *schema.Registry) []string {
			var stmts []string
			for _, c := range reg.Collections() {
				s, _ := reg.Lookup(c)
				stmts = append(stmts, d.createTable(s)...)
			}
			return stmts
		},
	},
}

// DB is the row store handle.
type DB struct {
	conn    *sql.DB
	dialect dialect
	reg     *schema.Registry
	now     func() time.Time
}

// Open connects to dsn and runs pending migrations. A postgres:// or
// postgresql:// DSN selects PostgreSQL; anything else is a SQLite path
// (":memory:" for a throwaway database).
func Open(dsn string) (*DB, error) {
	d := dialectFor(dsn)
	if d.name == "sqlite" && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if d.name == "sqlite" {
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, dialect: d, reg: schema.Default, now: time.Now}
	if _, err := db.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// Ping checks the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database.
func (db *DB) Close() error {
	if db.dialect.name == "sqlite" {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return db.conn.Close()
}

// Dialect names the backing database ("sqlite" or "postgres").
func (db *DB) Dialect() string { return db.dialect.name }

// RunMigrations applies every migration newer than the stored version.
func (db *DB) RunMigrations() (int, error) {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return 0, fmt.Errorf("create schema_info: %w", err)
	}

	current := db.schemaVersion()
	if current >= SchemaVersion {
		return 0, nil
	}

	run := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		for _, stmt := range m.SQL(db.dialect, db.reg) {
			if _, err := db.conn.Exec(stmt); err != nil {
				return run, fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
		if err := db.setSchemaVersion(m.Version); err != nil {
			return run, fmt.Errorf("set version %d: %w", m.Version, err)
		}
		slog.Debug("rowstore migration", "version", m.Version, "desc", m.Description)
		run++
	}
	return run, nil
}

func (db *DB) schemaVersion() int {
	var v string
	if err := db.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&v); err != nil {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func (db *DB) setSchemaVersion(version int) error {
	_, err := db.conn.Exec(db.dialect.rebind(`INSERT INTO schema_info (key, value) VALUES ('version', ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value`), strconv.Itoa(version))
	return err
}

// dialect captures the few differences between SQLite and PostgreSQL.
type dialect struct {
	name      string
	driver    string
	placehold bool
	intType   string
	floatType string
}

func dialectFor(dsn string) dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dialect{name: "postgres", driver: "pgx", placehold: true, intType: "BIGINT", floatType: "DOUBLE PRECISION"}
	}
	return dialect{name: "sqlite", driver: "sqlite", intType: "INTEGER", floatType: "REAL"}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if !d.placehold {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) columnType(k schema.Kind) string {
	switch k {
	case schema.Int, schema.Bool:
		return d.intType
	case schema.Float:
		return d.floatType
	default:
		return "TEXT"
	}
}

func (d dialect) createTable(s *schema.Schema) []string {
	var cols []string
	for _, f := range s.Fields {
		def := f.Column + " " + d.columnType(f.Kind)
		switch f.Column {
		case schema.ColID:
			def += " PRIMARY KEY"
		case schema.ColUserID, schema.ColCreatedAt, schema.ColUpdatedAt:
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	table := s.Collection
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", table, strings.Join(cols, ",\n    ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user_updated ON %s(user_id, updated_at)", table, table),
	}
}
