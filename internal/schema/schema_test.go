package schema

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/marcus/kept/internal/models"
	"github.com/marcus/kept/internal/syncerr"
)

func ms(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

func sampleRecords() []models.Record {
	created := ms(time.Date(2026, 2, 1, 8, 0, 0, 123456789, time.UTC))
	updated := ms(time.Date(2026, 2, 2, 9, 30, 15, 0, time.FixedZone("X", 3600)))
	done := ms(time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC))
	meta := func(id string) models.Meta {
		return models.Meta{ID: id, UserID: "u1", CreatedAt: created, UpdatedAt: updated}
	}
	deletedMeta := meta("p-2")
	deletedMeta.DeletedAt = &done

	return []models.Record{
		&models.Task{
			Meta: meta("t-1"), Title: "Write report", Notes: "draft first",
			Status: models.TaskInProgress, Priority: models.PriorityHigh,
			DueDate: "2026-03-01", ProjectID: "p-1",
			SubTasks: []models.SubTask{{ID: "s1", Title: "outline", Done: true}, {ID: "s2", Title: "body"}},
			Tags:     []string{"work", "q1"}, Position: 3, CompletedAt: &done,
		},
		&models.Task{Meta: meta("t-2"), Title: "Empty lists", Tags: []string{}},
		&models.Project{Meta: meta("p-1"), Name: "Home", Color: "#ff0000", Status: "active"},
		&models.Project{Meta: deletedMeta, Name: "Old"},
		&models.Goal{Meta: meta("g-1"), Title: "Run 10k", TargetDate: "2026-06-01", Progress: 0.25,
			Milestones: []models.Milestone{{Title: "5k", Done: true}}},
		&models.Habit{Meta: meta("h-1"), Name: "Read", Frequency: "weekly", TargetPerWeek: 5, DaysOfWeek: []int{1, 3, 5}},
		&models.HabitCheckin{Meta: meta("hc-1"), HabitID: "h-1", Date: "2026-02-02", Count: 1},
		&models.Transaction{Meta: meta("tx-1"), AccountID: "a-1", Amount: 12.5, Currency: "EUR", Kind: "expense", Date: "2026-02-02"},
		&models.Account{Meta: meta("a-1"), Name: "Checking", Balance: -40.75},
		&models.Budget{Meta: meta("b-1"), Name: "Food", Limit: 300, Period: "monthly", StartDate: "2026-02-01"},
		&models.JournalEntry{Meta: meta("j-1"), Body: "quiet day", Mood: 4, Date: "2026-02-02"},
		&models.CalendarEvent{Meta: meta("e-1"), Title: "Standup", StartsAt: created, EndsAt: updated, AllDay: false,
			Attendees: []models.Attendee{{Name: "Ana", Email: "ana@example.com", Response: "yes"}}},
		&models.Note{Meta: meta("n-1"), Title: "Ideas", Pinned: true},
		&models.Contact{Meta: meta("c-1"), Name: "Bo", Birthday: "1990-05-04",
			SocialLinks: map[string]string{"github": "bo", "mastodon": "@bo"}},
		&models.WorkItem{Meta: meta("w-1"), Title: "Fix login", Priority: models.PriorityLow, Estimate: 2.5, Labels: []string{"bug"}},
		&models.TimeEntry{Meta: meta("te-1"), WorkItemID: "w-1", StartedAt: created, DurationMinutes: 45, Billable: true},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, rec := range sampleRecords() {
		s, err := Default.For(rec)
		if err != nil {
			t.Fatalf("For: %v", err)
		}
		row, err := s.Encode(rec)
		if err != nil {
			t.Fatalf("Encode %s: %v", s.Collection, err)
		}
		got, err := s.Decode(row)
		if err != nil {
			t.Fatalf("Decode %s: %v", s.Collection, err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("%s round trip mismatch:\n got  %+v\n want %+v", s.Collection, got, rec)
		}
	}
}

func TestRoundTripZeroValues(t *testing.T) {
	for _, name := range Default.Collections() {
		s, _ := Default.Lookup(name)
		rec := s.New()
		row, err := s.Encode(rec)
		if err != nil {
			t.Fatalf("Encode %s: %v", name, err)
		}
		got, err := s.Decode(row)
		if err != nil {
			t.Fatalf("Decode %s: %v", name, err)
		}
		if !reflect.DeepEqual(got, rec) {
			t.Errorf("%s zero round trip mismatch: %+v", name, got)
		}
	}
}

func TestEncodeColumns(t *testing.T) {
	s, _ := Default.Lookup(Tasks)
	rec := sampleRecords()[0]
	row, err := s.Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	checks := map[string]any{
		"id":           "t-1",
		"user_id":      "u1",
		"due_date":     "2026-03-01",
		"project_id":   "p-1",
		"position":     int64(3),
		"tags":         `["work","q1"]`,
		"sub_tasks":    `[{"done":true,"id":"s1","title":"outline"},{"done":false,"id":"s2","title":"body"}]`,
		"created_at":   "2026-02-01T08:00:00.123Z",
		"updated_at":   "2026-02-02T08:30:15.000Z",
		"completed_at": "2026-02-03T10:00:00.000Z",
		"goal_id":      "",
	}
	for col, want := range checks {
		if got := row[col]; !reflect.DeepEqual(got, want) {
			t.Errorf("row[%q] = %#v, want %#v", col, got, want)
		}
	}
	if _, ok := row["deleted_at"]; ok {
		t.Error("tasks are hard-deleted; deleted_at column should not be emitted")
	}

	b, _ := Default.Lookup(Budgets)
	brow, _ := b.Encode(&models.Budget{Limit: 10})
	if brow["amount_limit"] != float64(10) {
		t.Errorf("budget limit column = %#v", brow["amount_limit"])
	}
}

func TestUnknownColumnsPassThrough(t *testing.T) {
	s, _ := Default.Lookup(Notes)
	row := Row{"id": "n-1", "title": "x", "color_label": "blue", "legacy_score": float64(7)}
	rec, err := s.Decode(row)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	extra := rec.Base().Extra
	if extra["color_label"] != "blue" || extra["legacy_score"] != float64(7) {
		t.Fatalf("Extra = %v", extra)
	}
	out, err := s.Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if out["color_label"] != "blue" || out["legacy_score"] != float64(7) {
		t.Errorf("unknown columns lost: %v", out)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		collection string
		row        Row
	}{
		{Tasks, Row{"id": "t", "due_date": "next tuesday-ish"}},
		{Tasks, Row{"id": "t", "tags": "{not json"}},
		{Tasks, Row{"id": "t", "tags": `{"a":1}`}},
		{Tasks, Row{"id": "t", "position": "three"}},
		{Tasks, Row{"id": "t", "position": 2.5}},
		{Tasks, Row{"id": "t", "created_at": "yesterday"}},
		{Notes, Row{"id": "n", "pinned": int64(2)}},
		{Notes, Row{"id": "n", "title": int64(5)}},
	}
	for _, tt := range tests {
		s, _ := Default.Lookup(tt.collection)
		_, err := s.Decode(tt.row)
		if err == nil {
			t.Errorf("Decode(%v): expected error", tt.row)
			continue
		}
		if !errors.Is(err, syncerr.KindTranslation) {
			t.Errorf("Decode(%v): error %v is not a translation error", tt.row, err)
		}
	}
}

func TestNormalizeDriverValues(t *testing.T) {
	s, _ := Default.Lookup(Tasks)
	row := Row{
		"id":           []byte("t-1"),
		"position":     float64(4),
		"created_at":   time.Date(2026, 1, 1, 0, 0, 0, 999999, time.UTC),
		"due_date":     time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		"tags":         []any{"a"},
		"completed_at": "",
	}
	got, err := s.Normalize(row)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want := Row{
		"id":           "t-1",
		"position":     int64(4),
		"created_at":   "2026-01-01T00:00:00.000Z",
		"due_date":     "2026-01-02",
		"tags":         `["a"]`,
		"completed_at": nil,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize = %#v, want %#v", got, want)
	}

	n, _ := Default.Lookup(Notes)
	nrow, err := n.Normalize(Row{"pinned": int64(1)})
	if err != nil || nrow["pinned"] != true {
		t.Errorf("pinned = %#v, %v", nrow["pinned"], err)
	}
}

func TestDiffAndMerge(t *testing.T) {
	prev := Row{"id": "t", "title": "a", "notes": "x", "position": int64(1)}
	next := Row{"id": "t", "title": "b", "notes": "x", "position": int64(1), "tags": `["z"]`}
	diff := Diff(prev, next)
	want := Row{"title": "b", "tags": `["z"]`}
	if !reflect.DeepEqual(diff, want) {
		t.Fatalf("Diff = %v, want %v", diff, want)
	}
	if got := Merge(prev, diff); !reflect.DeepEqual(got, next) {
		t.Errorf("Merge = %v, want %v", got, next)
	}
	if prev["title"] != "a" {
		t.Error("Merge mutated base")
	}
	if d := Diff(Row{"id": "t", "gone": "v"}, Row{"id": "t"}); !reflect.DeepEqual(d, Row{"gone": nil}) {
		t.Errorf("dropped column diff = %v", d)
	}
}

func TestFromStrings(t *testing.T) {
	s, _ := Default.Lookup(Tasks)
	row, err := s.FromStrings(map[string]string{
		"title":       "Buy milk",
		"dueDate":     "2026-04-01",
		"position":    "2",
		"tags":        "home, errands",
		"sub_tasks":   `[{"id":"1","title":"x","done":false}]`,
		"completedAt": "2026-04-01 10:00",
		"notes":       "",
		"project_id":  "",
	})
	if err != nil {
		t.Fatalf("FromStrings: %v", err)
	}
	want := Row{
		"title":        "Buy milk",
		"due_date":     "2026-04-01",
		"position":     int64(2),
		"tags":         `["home","errands"]`,
		"sub_tasks":    `[{"id":"1","title":"x","done":false}]`,
		"completed_at": "2026-04-01T10:00:00.000Z",
		"notes":        "",
		"project_id":   "",
	}
	if !reflect.DeepEqual(row, want) {
		t.Errorf("FromStrings = %#v\nwant %#v", row, want)
	}

	for _, bad := range []map[string]string{
		{"nope": "1"},
		{"id": "x"},
		{"position": "two"},
		{"dueDate": "whenever"},
	} {
		if _, err := s.FromStrings(bad); !errors.Is(err, syncerr.KindTranslation) {
			t.Errorf("FromStrings(%v) err = %v, want translation error", bad, err)
		}
	}
}

func TestRegistry(t *testing.T) {
	if len(Default.Collections()) != 14 {
		t.Errorf("collections = %v", Default.Collections())
	}
	if _, err := Default.Lookup("widgets"); err == nil {
		t.Error("expected error for unknown collection")
	}
	soft := map[string]bool{Projects: true, Goals: true, Habits: true, Accounts: true, Contacts: true, WorkItems: true}
	for _, name := range Default.Collections() {
		s, _ := Default.Lookup(name)
		if s.SoftDelete != soft[name] {
			t.Errorf("%s SoftDelete = %v", name, s.SoftDelete)
		}
		if f, ok := s.Field("created_at"); !ok || f.Kind != Timestamp {
			t.Errorf("%s missing created_at", name)
		}
	}
	p, _ := Default.Lookup(Projects)
	if got := p.RequiredColumns(); !reflect.DeepEqual(got, []string{"name"}) {
		t.Errorf("RequiredColumns = %v", got)
	}
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"dueDate": "due_date", "projectId": "project_id", "title": "title", "socialLinks": "social_links",
	} {
		if got := SnakeCase(in); got != want {
			t.Errorf("SnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
