package rowstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/kept/internal/dateparse"
	"github.com/marcus/kept/internal/schema"
)

// Sentinel errors for Apply outcomes the API maps to status codes.
var (
	ErrUnknownCollection = errors.New("unknown collection")
	ErrForbidden         = errors.New("row owned by another user")
	ErrConflict          = errors.New("conflict")
)

// ValidationError rejects a payload.
type ValidationError struct {
	Column  string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Column == "" {
		return e.Message
	}
	return e.Column + ": " + e.Message
}

// ConflictError reports a stale or impossible write. Current is the server
// row, nil when the entity does not exist.
type ConflictError struct {
	Reason  string
	Current schema.Row
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Mutation is one client write.
type Mutation struct {
	Op             string
	ID             string
	IdempotencyKey string
	BaseUpdatedAt  string
	Force          bool
	Row            schema.Row
}

// Result is the outcome of a successful Apply.
type Result struct {
	// Row is the authoritative row; nil after a hard delete.
	Row schema.Row
	// Replayed is set when the idempotency key was seen before and nothing
	// was applied.
	Replayed bool
}

// Apply performs one mutation for userID inside a transaction. A replayed
// idempotency key returns the stored response without touching the table.
func (db *DB) Apply(ctx context.Context, userID, collection string, m Mutation) (Result, error) {
	s, err := db.reg.Lookup(collection)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if m.ID == "" {
		return Result{}, &ValidationError{Column: schema.ColID, Message: "required"}
	}
	if m.IdempotencyKey == "" {
		return Result{}, &ValidationError{Message: "idempotency_key required"}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if row, ok, err := db.replay(ctx, tx, userID, m.IdempotencyKey); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Row: row, Replayed: true}, nil
	}

	existing, err := db.selectRow(ctx, tx, s, m.ID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil && existing.Str(schema.ColUserID) != userID {
		return Result{}, ErrForbidden
	}
	live := existing != nil && existing[schema.ColDeletedAt] == nil

	var out schema.Row
	stamp := db.stamp(existing)
	switch m.Op {
	case "create":
		if live {
			return Result{}, &ConflictError{Reason: "already exists", Current: existing}
		}
		if existing != nil {
			return Result{}, &ConflictError{Reason: "deleted", Current: existing}
		}
		row, err := db.payload(s, m.Row)
		if err != nil {
			return Result{}, err
		}
		row[schema.ColID] = m.ID
		row[schema.ColUserID] = userID
		if row.Str(schema.ColCreatedAt) == "" {
			row[schema.ColCreatedAt] = stamp
		}
		row[schema.ColUpdatedAt] = stamp
		if s.SoftDelete {
			row[schema.ColDeletedAt] = nil
		}
		if err := validate(s, row); err != nil {
			return Result{}, err
		}
		if err := db.insert(ctx, tx, s, row); err != nil {
			return Result{}, err
		}
		out = row

	case "update":
		if !live {
			return Result{}, &ConflictError{Reason: "not found"}
		}
		if !m.Force && m.BaseUpdatedAt != existing.Str(schema.ColUpdatedAt) {
			return Result{}, &ConflictError{Reason: "stale base", Current: existing}
		}
		diff, err := db.payload(s, m.Row)
		if err != nil {
			return Result{}, err
		}
		for _, col := range []string{schema.ColID, schema.ColUserID, schema.ColCreatedAt, schema.ColDeletedAt} {
			delete(diff, col)
		}
		row := schema.Merge(existing, diff)
		row[schema.ColUpdatedAt] = stamp
		if err := validate(s, row); err != nil {
			return Result{}, err
		}
		if err := db.update(ctx, tx, s, row); err != nil {
			return Result{}, err
		}
		out = row

	case "delete":
		if !live {
			return Result{}, &ConflictError{Reason: "not found"}
		}
		if s.SoftDelete {
			row := existing.Clone()
			row[schema.ColDeletedAt] = stamp
			row[schema.ColUpdatedAt] = stamp
			if err := db.update(ctx, tx, s, row); err != nil {
				return Result{}, err
			}
			out = row
		} else if _, err := tx.ExecContext(ctx, db.dialect.rebind(`DELETE FROM `+s.Collection+` WHERE id = ?`), m.ID); err != nil {
			return Result{}, fmt.Errorf("delete %s/%s: %w", collection, m.ID, err)
		}

	default:
		return Result{}, &ValidationError{Column: "op", Message: fmt.Sprintf("unknown op %q", m.Op)}
	}

	if err := db.remember(ctx, tx, userID, collection, m, out); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit: %w", err)
	}
	slog.Debug("applied", "collection", collection, "id", m.ID, "op", m.Op, "user", userID)
	return Result{Row: out}, nil
}

// List returns userID's rows updated after since (empty for all), soft
// deleted rows included, oldest first.
func (db *DB) List(ctx context.Context, userID, collection, since string) ([]schema.Row, error) {
	s, err := db.reg.Lookup(collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	query := `SELECT ` + strings.Join(s.Columns(), ", ") + ` FROM ` + s.Collection + ` WHERE user_id = ?`
	args := []any{userID}
	if since != "" {
		t, err := dateparse.ParseTimestamp(since)
		if err != nil {
			return nil, &ValidationError{Column: "since", Message: err.Error()}
		}
		query += ` AND updated_at > ?`
		args = append(args, dateparse.FormatTimestamp(t))
	}
	query += ` ORDER BY updated_at, id`

	rows, err := db.conn.QueryContext(ctx, db.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		row, err := scanRow(s, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: iterate: %w", collection, err)
	}
	return out, nil
}

// stamp returns the server updated_at for a write, strictly after the
// previous value so since-queries never miss an edit.
func (db *DB) stamp(existing schema.Row) string {
	now := dateparse.Normalize(db.now())
	if existing != nil {
		if prev, err := dateparse.ParseTimestamp(existing.Str(schema.ColUpdatedAt)); err == nil && !now.After(prev) {
			now = prev.Add(time.Millisecond)
		}
	}
	return dateparse.FormatTimestamp(now)
}

// payload normalizes client columns, dropping ones the table lacks.
func (db *DB) payload(s *schema.Schema, in schema.Row) (schema.Row, error) {
	row, err := s.Normalize(in)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	known := make(map[string]bool, len(s.Fields))
	for _, col := range s.Columns() {
		known[col] = true
	}
	for col := range row {
		if !known[col] {
			slog.Debug("dropping unknown column", "collection", s.Collection, "column", col)
			delete(row, col)
		}
	}
	return row, nil
}

func validate(s *schema.Schema, row schema.Row) error {
	for _, col := range s.RequiredColumns() {
		if v, ok := row[col].(string); !ok || strings.TrimSpace(v) == "" {
			return &ValidationError{Column: col, Message: "required"}
		}
	}
	switch s.Collection {
	case schema.Transactions:
		if v, ok := row["amount"].(float64); ok && v < 0 {
			return &ValidationError{Column: "amount", Message: "must not be negative"}
		}
	case schema.Habits:
		if v, ok := row["target_per_week"].(int64); ok && (v < 0 || v > 7) {
			return &ValidationError{Column: "target_per_week", Message: "must be between 0 and 7"}
		}
	}
	return nil
}

func (db *DB) selectRow(ctx context.Context, tx *sql.Tx, s *schema.Schema, id string) (schema.Row, error) {
	query := `SELECT ` + strings.Join(s.Columns(), ", ") + ` FROM ` + s.Collection + ` WHERE id = ?`
	rows, err := tx.QueryContext(ctx, db.dialect.rebind(query), id)
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", s.Collection, id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRow(s, rows)
}

func scanRow(s *schema.Schema, rows *sql.Rows) (schema.Row, error) {
	cols := s.Columns()
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.Collection, err)
	}
	raw := make(schema.Row, len(cols))
	for i, col := range cols {
		raw[col] = vals[i]
	}
	row, err := s.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.Collection, err)
	}
	return row, nil
}

func (db *DB) insert(ctx context.Context, tx *sql.Tx, s *schema.Schema, row schema.Row) error {
	cols := s.Columns()
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := `INSERT INTO ` + s.Collection + ` (` + strings.Join(cols, ", ") + `) VALUES (` + marks + `)`
	if _, err := tx.ExecContext(ctx, db.dialect.rebind(query), bindArgs(row, cols)...); err != nil {
		return fmt.Errorf("insert %s/%s: %w", s.Collection, row.ID(), err)
	}
	return nil
}

func (db *DB) update(ctx context.Context, tx *sql.Tx, s *schema.Schema, row schema.Row) error {
	var sets []string
	var cols []string
	for _, col := range s.Columns() {
		if col == schema.ColID {
			continue
		}
		sets = append(sets, col+" = ?")
		cols = append(cols, col)
	}
	query := `UPDATE ` + s.Collection + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args := append(bindArgs(row, cols), row.ID())
	if _, err := tx.ExecContext(ctx, db.dialect.rebind(query), args...); err != nil {
		return fmt.Errorf("update %s/%s: %w", s.Collection, row.ID(), err)
	}
	return nil
}

// bindArgs converts canonical values to driver values. Booleans are stored
// as 0/1 integers on both dialects.
func bindArgs(row schema.Row, cols []string) []any {
	args := make([]any, len(cols))
	for i, col := range cols {
		v := row[col]
		if b, ok := v.(bool); ok {
			if b {
				v = int64(1)
			} else {
				v = int64(0)
			}
		}
		args[i] = v
	}
	return args
}

func (db *DB) replay(ctx context.Context, tx *sql.Tx, userID, key string) (schema.Row, bool, error) {
	var owner, collection, response string
	err := tx.QueryRowContext(ctx, db.dialect.rebind(`SELECT user_id, collection, response FROM idempotency_keys WHERE key = ?`), key).
		Scan(&owner, &collection, &response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if owner != userID {
		return nil, false, ErrForbidden
	}
	if response == "null" {
		return nil, true, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(response)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, false, fmt.Errorf("decode stored response: %w", err)
	}
	s, err := db.reg.Lookup(collection)
	if err != nil {
		return nil, false, err
	}
	row, err := s.Normalize(raw)
	if err != nil {
		return nil, false, err
	}
	slog.Debug("idempotent replay", "key", key, "collection", collection)
	return row, true, nil
}

func (db *DB) remember(ctx context.Context, tx *sql.Tx, userID, collection string, m Mutation, row schema.Row) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.dialect.rebind(`INSERT INTO idempotency_keys (key, user_id, collection, entity_id, response, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		m.IdempotencyKey, userID, collection, m.ID, string(data), dateparse.FormatTimestamp(db.now()))
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

// PruneIdempotencyKeys deletes replay records older than maxAge.
func (db *DB) PruneIdempotencyKeys(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := dateparse.FormatTimestamp(db.now().Add(-maxAge))
	res, err := db.conn.ExecContext(ctx, db.dialect.rebind(`DELETE FROM idempotency_keys WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
