package suggest

import "testing"

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "ab", 2},
		{"tasks", "tasks", 0},
		{"taks", "tasks", 1},
		{"kitten", "sitting", 3},
	}
	for _, tc := range tests {
		if got := levenshtein(tc.a, tc.b); got != tc.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestClosest(t *testing.T) {
	names := []string{"tasks", "habits", "habit_checkins", "notes", "goals"}
	tests := []struct {
		word string
		want string
	}{
		{"taks", "tasks"},
		{"Habit", "habits"},
		{"habit-checkin", "habit_checkins"},
		{"note", "notes"},
	}
	for _, tc := range tests {
		got := Closest(tc.word, names)
		if len(got) == 0 || got[0] != tc.want {
			t.Errorf("Closest(%q) = %v, want %q first", tc.word, got, tc.want)
		}
	}
	if got := Closest("invoices", names); len(got) != 0 {
		t.Errorf("Closest(invoices) = %v, want none", got)
	}
	if got := Closest("", names); got != nil {
		t.Errorf("Closest(\"\") = %v, want nil", got)
	}
}

func TestHint(t *testing.T) {
	if got := Hint("taks", []string{"tasks", "goals"}); got != " (did you mean tasks?)" {
		t.Errorf("Hint = %q", got)
	}
	if got := Hint("zzz", []string{"tasks"}); got != "" {
		t.Errorf("Hint = %q, want empty", got)
	}
	if got := Hint("nots", []string{"notes", "note"}); got != " (did you mean notes or note?)" && got != " (did you mean note or notes?)" {
		t.Errorf("Hint = %q", got)
	}
}
