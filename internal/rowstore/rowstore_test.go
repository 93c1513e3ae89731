package rowstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/kept/internal/schema"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return base }
	return db
}

func create(t *testing.T, db *DB, user, collection, id string, row schema.Row) schema.Row {
	t.Helper()
	res, err := db.Apply(context.Background(), user, collection, Mutation{Op: "create", ID: id, IdempotencyKey: "k-" + id, Row: row})
	if err != nil {
		t.Fatalf("create %s/%s: %v", collection, id, err)
	}
	return res.Row
}

func TestOpenRunsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "rows.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if db.Dialect() != "sqlite" {
		t.Errorf("dialect = %s", db.Dialect())
	}
	if v := db.schemaVersion(); v != SchemaVersion {
		t.Errorf("schema version = %d, want %d", v, SchemaVersion)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	if n, err := db.RunMigrations(); err != nil || n != 0 {
		t.Errorf("RunMigrations on current db = %d, %v", n, err)
	}
}

func TestRebind(t *testing.T) {
	pg := dialectFor("postgres://localhost/kept")
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	lite := dialectFor("/tmp/x.db")
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestCreateAndList(t *testing.T) {
	db := newTestDB(t)
	row := create(t, db, "u1", schema.Tasks, "t1", schema.Row{
		"title": "Buy milk", "tags": `["home"]`, "position": int64(3), "due_date": "2026-03-02",
	})
	if row["user_id"] != "u1" || row.Str("updated_at") != "2026-03-01T12:00:00.000Z" {
		t.Fatalf("created row = %v", row)
	}

	rows, err := db.List(context.Background(), "u1", schema.Tasks, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	got := rows[0]
	if got["title"] != "Buy milk" || got["position"] != int64(3) || got["tags"] != `["home"]` || got["due_date"] != "2026-03-02" {
		t.Errorf("listed row = %v", got)
	}

	other, err := db.List(context.Background(), "u2", schema.Tasks, "")
	if err != nil || len(other) != 0 {
		t.Errorf("other user sees %d rows, err %v", len(other), err)
	}
}

func TestBoolColumnsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	create(t, db, "u1", schema.Notes, "n1", schema.Row{"title": "pinned", "pinned": true})
	rows, err := db.List(context.Background(), "u1", schema.Notes, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if rows[0]["pinned"] != true {
		t.Errorf("pinned = %#v", rows[0]["pinned"])
	}
}

func TestIdempotentReplay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	m := Mutation{Op: "create", ID: "t1", IdempotencyKey: "same", Row: schema.Row{"title": "once"}}
	first, err := db.Apply(ctx, "u1", schema.Tasks, m)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	second, err := db.Apply(ctx, "u1", schema.Tasks, m)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Row.Str("updated_at") != first.Row.Str("updated_at") {
		t.Errorf("replay = %+v", second)
	}
	if _, err := db.Apply(ctx, "u2", schema.Tasks, m); !errors.Is(err, ErrForbidden) {
		t.Errorf("replay by another user = %v", err)
	}
}

func TestFailedMutationIsNotRemembered(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	m := Mutation{Op: "create", ID: "t1", IdempotencyKey: "k", Row: schema.Row{"title": ""}}
	var verr *ValidationError
	if _, err := db.Apply(ctx, "u1", schema.Tasks, m); !errors.As(err, &verr) || verr.Column != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
	m.Row = schema.Row{"title": "fixed"}
	if _, err := db.Apply(ctx, "u1", schema.Tasks, m); err != nil {
		t.Fatalf("retry with same key after failure: %v", err)
	}
}

func TestUpdateConflicts(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	row := create(t, db, "u1", schema.Tasks, "t1", schema.Row{"title": "v1"})
	base := row.Str("updated_at")

	res, err := db.Apply(ctx, "u1", schema.Tasks, Mutation{Op: "update", ID: "t1", IdempotencyKey: "u1", BaseUpdatedAt: base, Row: schema.Row{"title": "v2"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Row["title"] != "v2" || res.Row.Str("updated_at") <= base {
		t.Fatalf("updated row = %v", res.Row)
	}

	_, err = db.Apply(ctx, "u1", schema.Tasks, Mutation{Op: "update", ID: "t1", IdempotencyKey: "u2", BaseUpdatedAt: base, Row: schema.Row{"title": "stale"}})
	var cerr *ConflictError
	if !errors.As(err, &cerr) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if cerr.Current["title"] != "v2" {
		t.Errorf("conflict current = %v", cerr.Current)
	}

	res, err = db.Apply(ctx, "u1", schema.Tasks, Mutation{Op: "update", ID: "t1", IdempotencyKey: "u3", BaseUpdatedAt: base, Force: true, Row: schema.Row{"title": "forced"}})
	if err != nil || res.Row["title"] != "forced" {
		t.Fatalf("forced update = %v, %v", res.Row, err)
	}

	_, err = db.Apply(ctx, "u1", schema.Tasks, Mutation{Op: "update", ID: "missing", IdempotencyKey: "u4", Row: schema.Row{"title": "x"}})
	if !errors.As(err, &cerr) || cerr.Current != nil {
		t.Errorf("update of missing row = %v", err)
	}
}

func TestOwnershipIsEnforced(t *testing.T) {
	db := newTestDB(t)
	row := create(t, db, "u1", schema.Tasks, "t1", schema.Row{"title": "mine"})
	_, err := db.Apply(context.Background(), "u2", schema.Tasks, Mutation{Op: "update", ID: "t1", IdempotencyKey: "x", BaseUpdatedAt: row.Str("updated_at"), Row: schema.Row{"title": "theirs"}})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDeleteSoftAndHard(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	create(t, db, "u1", schema.Projects, "p1", schema.Row{"name": "Garden"})
	create(t, db, "u1", schema.Tasks, "t1", schema.Row{"title": "x"})

	res, err := db.Apply(ctx, "u1", schema.Projects, Mutation{Op: "delete", ID: "p1", IdempotencyKey: "d1"})
	if err != nil || res.Row["deleted_at"] == nil {
		t.Fatalf("soft delete = %v, %v", res.Row, err)
	}
	rows, _ := db.List(ctx, "u1", schema.Projects, "")
	if len(rows) != 1 || rows[0]["deleted_at"] == nil {
		t.Errorf("soft-deleted row should still be listed with deleted_at: %v", rows)
	}

	res, err = db.Apply(ctx, "u1", schema.Tasks, Mutation{Op: "delete", ID: "t1", IdempotencyKey: "d2"})
	if err != nil || res.Row != nil {
		t.Fatalf("hard delete = %v, %v", res.Row, err)
	}
	rows, _ = db.List(ctx, "u1", schema.Tasks, "")
	if len(rows) != 0 {
		t.Errorf("hard-deleted row still listed")
	}
	replay, err := db.Apply(ctx, "u1", schema.Tasks, Mutation{Op: "delete", ID: "t1", IdempotencyKey: "d2"})
	if err != nil || !replay.Replayed || replay.Row != nil {
		t.Errorf("delete replay = %+v, %v", replay, err)
	}
	if _, err := db.Apply(ctx, "u1", schema.Tasks, Mutation{Op: "delete", ID: "t1", IdempotencyKey: "d3"}); !errors.Is(err, ErrConflict) {
		t.Errorf("second delete = %v", err)
	}
}

func TestListSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return clock }
	create(t, db, "u1", schema.Notes, "n1", schema.Row{"title": "early"})
	clock = clock.Add(time.Hour)
	create(t, db, "u1", schema.Notes, "n2", schema.Row{"title": "late"})

	rows, err := db.List(ctx, "u1", schema.Notes, "2026-03-01T12:30:00Z")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].ID() != "n2" {
		t.Errorf("since rows = %v", rows)
	}
	var verr *ValidationError
	if _, err := db.List(ctx, "u1", schema.Notes, "yesterday-ish"); !errors.As(err, &verr) {
		t.Errorf("bad since = %v", err)
	}
}

func TestValidationRules(t *testing.T) {
	db := newTestDB(t)
	tests := []struct {
		collection string
		row        schema.Row
		column     string
	}{
		{schema.Tasks, schema.Row{"title": "   "}, "title"},
		{schema.Projects, schema.Row{}, "name"},
		{schema.Transactions, schema.Row{"amount": -4.5}, "amount"},
		{schema.Habits, schema.Row{"name": "run", "target_per_week": int64(9)}, "target_per_week"},
	}
	for i, tt := range tests {
		_, err := db.Apply(context.Background(), "u1", tt.collection, Mutation{Op: "create", ID: "x", IdempotencyKey: tt.collection + string(rune('a'+i)), Row: tt.row})
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Column != tt.column {
			t.Errorf("%s %v: got %v, want validation on %s", tt.collection, tt.row, err, tt.column)
		}
	}
	if _, err := db.Apply(context.Background(), "u1", "widgets", Mutation{Op: "create", ID: "x", IdempotencyKey: "w"}); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("unknown collection = %v", err)
	}
}

func TestUnknownColumnsAreDropped(t *testing.T) {
	db := newTestDB(t)
	row := create(t, db, "u1", schema.Tasks, "t1", schema.Row{"title": "x", "from_the_future": "y"})
	if _, ok := row["from_the_future"]; ok {
		t.Error("unknown column should be dropped")
	}
}

func TestAPIKeys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	key, err := db.CreateAPIKey(ctx, "u1", "laptop")
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if !strings.HasPrefix(key, apiKeyPrefix) || len(key) != len(apiKeyPrefix)+keyLength {
		t.Errorf("key = %q", key)
	}
	user, err := db.UserForKey(ctx, key)
	if err != nil || user != "u1" {
		t.Fatalf("UserForKey = %q, %v", user, err)
	}
	if user, _ := db.UserForKey(ctx, "kept_bogus"); user != "" {
		t.Errorf("bogus key resolved to %q", user)
	}
	keys, err := db.ListAPIKeys(ctx, "u1")
	if err != nil || len(keys) != 1 || keys[0].Name != "laptop" || keys[0].LastUsedAt == "" {
		t.Fatalf("ListAPIKeys = %+v, %v", keys, err)
	}
	if n, err := db.RevokeAPIKeys(ctx, "u1", keys[0].KeyPrefix); err != nil || n != 1 {
		t.Errorf("RevokeAPIKeys = %d, %v", n, err)
	}
	if _, err := db.CreateAPIKey(ctx, " ", ""); err == nil {
		t.Error("expected error for empty user")
	}
}

func TestPruneIdempotencyKeys(t *testing.T) {
	db := newTestDB(t)
	create(t, db, "u1", schema.Tasks, "t1", schema.Row{"title": "x"})
	base := db.now()
	db.now = func() time.Time { return base.Add(48 * time.Hour) }
	n, err := db.PruneIdempotencyKeys(context.Background(), 24*time.Hour)
	if err != nil || n != 1 {
		t.Errorf("PruneIdempotencyKeys = %d, %v", n, err)
	}
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("KEPT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KEPT_TEST_POSTGRES_DSN not set")
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	id := "pg-" + time.Now().Format("150405.000000")
	res, err := db.Apply(ctx, "pg-user", schema.Notes, Mutation{Op: "create", ID: id, IdempotencyKey: id, Row: schema.Row{"title": "pg", "pinned": true}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	rows, err := db.List(ctx, "pg-user", schema.Notes, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.ID() == id && r["pinned"] == true {
			found = true
		}
	}
	if !found {
		t.Errorf("row %v not listed", res.Row)
	}
}
