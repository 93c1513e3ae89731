package cache

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncerr"
)

func openTestSQLite(t *testing.T, dir string, maxBytes int64) *SQLite {
	t.Helper()
	s, err := OpenSQLite(dir, maxBytes)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	return s
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestSQLite(t, dir, 0)

	saved := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	failed := store.Entry{Collection: "tasks", ID: "t2", Row: schema.Row{"id": "t2", "title": ""}, Error: "title is required"}
	err := s.SaveSnapshot(ctx, Snapshot{
		Version: SnapshotVersion, UserID: "u1", SavedAt: saved,
		Entries: []store.Entry{confirmedEntry("a", "2026-01-01T00:00:00.000Z"), failed},
	})
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	m := queue.Mutation{ID: "m1", Order: 1, Collection: "tasks", EntityID: "t2", Op: queue.OpCreate, IdempotencyKey: "k", State: queue.StateInFlight}
	if err := s.PutMutation(m); err != nil {
		t.Fatalf("PutMutation: %v", err)
	}
	if err := s.PutMutation(queue.Mutation{ID: "m0", Order: 0}); err != nil {
		t.Fatalf("PutMutation: %v", err)
	}
	if err := s.DeleteMutation("m0"); err != nil {
		t.Fatalf("DeleteMutation: %v", err)
	}
	s.Close()

	s = openTestSQLite(t, dir, 0)
	defer s.Close()
	snap, muts, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.UserID != "u1" || !snap.SavedAt.Equal(saved) || snap.Version != SnapshotVersion {
		t.Errorf("snapshot meta = %+v", snap)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("entries = %d", len(snap.Entries))
	}
	for _, e := range snap.Entries {
		if e.ID == "t2" && (e.Error != "title is required" || e.Confirmed != nil) {
			t.Errorf("failed entry = %+v", e)
		}
		if e.ID == "a" && (e.Confirmed["title"] != "note a" || e.Row["pinned"] != true) {
			t.Errorf("confirmed entry = %+v", e)
		}
	}
	if len(muts) != 1 || muts[0].IdempotencyKey != "k" || muts[0].State != queue.StateInFlight {
		t.Errorf("mutations = %+v", muts)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	snap, muts, _ = s.LoadSnapshot(ctx)
	if len(snap.Entries) != 0 || len(muts) != 0 || snap.UserID != "" {
		t.Errorf("after Clear: %+v, %d mutations", snap, len(muts))
	}
}

func TestSQLiteLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	s := openTestSQLite(t, dir, 0)
	if _, err := OpenSQLite(dir, 0); !errors.Is(err, ErrLocked) {
		t.Fatalf("second open err = %v, want ErrLocked", err)
	}
	s.Close()
	again := openTestSQLite(t, dir, 0)
	again.Close()
}

func TestSQLiteDiscardsNewerFormat(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestSQLite(t, dir, 0)
	s.SaveSnapshot(ctx, Snapshot{UserID: "u1", Entries: []store.Entry{confirmedEntry("a", "")}})
	s.setInfo("version", "99")
	s.Close()

	s = openTestSQLite(t, dir, 0)
	defer s.Close()
	snap, _, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Entries) != 0 || snap.Version != SnapshotVersion {
		t.Errorf("newer snapshot not discarded: %+v", snap)
	}
}

func TestSQLiteMigratesVersion1(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, cacheFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, stmt := range []string{
		`CREATE TABLE cache_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		migrations[0].SQL,
		`INSERT INTO cache_info (key, value) VALUES ('version', '1'), ('user_id', 'u1')`,
		`INSERT INTO entities (collection, id, row, confirmed, pending, deleted) VALUES ('notes', 'n1', '{"id":"n1","title":"kept"}', '{"id":"n1","title":"kept"}', 0, 0)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed v1: %v", err)
		}
	}
	db.Close()

	s := openTestSQLite(t, dir, 0)
	defer s.Close()
	snap, _, err := s.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Row["title"] != "kept" || snap.Entries[0].Error != "" {
		t.Errorf("migrated entries = %+v", snap.Entries)
	}
	if snap.Version != 2 {
		t.Errorf("version = %d", snap.Version)
	}
}

func TestSQLiteFullIsQuotaError(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, t.TempDir(), 64*1024)
	defer s.Close()

	big := strings.Repeat("x", 8*1024)
	var entries []store.Entry
	for i := 0; i < 64; i++ {
		id := string(rune('a'+i%26)) + strings.Repeat("z", i/26)
		entries = append(entries, store.Entry{Collection: "notes", ID: id, Row: schema.Row{"id": id, "body": big}})
	}
	err := s.SaveSnapshot(ctx, Snapshot{UserID: "u1", Entries: entries})
	if !errors.Is(err, syncerr.KindQuota) {
		t.Fatalf("err = %v, want quota error", err)
	}
	if err := s.SaveSnapshot(ctx, Snapshot{UserID: "u1", Entries: entries[:2]}); err != nil {
		t.Errorf("small snapshot after quota failure: %v", err)
	}
}
