// Package suggest finds near matches for mistyped collection and field names.
package suggest

import (
	"sort"
	"strings"
)

// levenshtein returns the edit distance between a and b.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Closest returns up to three candidates within reach of word, best first.
// Comparison ignores case, and "-" and "_" are treated alike.
func Closest(word string, candidates []string) []string {
	w := normalize(word)
	if w == "" {
		return nil
	}
	type scored struct {
		name string
		dist int
	}
	var hits []scored
	limit := max(2, len(w)/3)
	for _, c := range candidates {
		n := normalize(c)
		d := levenshtein(w, n)
		if strings.HasPrefix(n, w) && len(w) >= 3 {
			d = min(d, 1)
		}
		if d <= limit {
			hits = append(hits, scored{c, d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })

	var out []string
	for i := 0; i < len(hits) && i < 3; i++ {
		out = append(out, hits[i].name)
	}
	return out
}

// Hint formats suggestions as " (did you mean a or b?)", or "" when there
// are none.
func Hint(word string, candidates []string) string {
	s := Closest(word, candidates)
	switch len(s) {
	case 0:
		return ""
	case 1:
		return " (did you mean " + s[0] + "?)"
	}
	return " (did you mean " + strings.Join(s[:len(s)-1], ", ") + " or " + s[len(s)-1] + "?)"
}

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}
