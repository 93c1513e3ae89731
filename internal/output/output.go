// Package output provides styled terminal output helpers (success, error,
// warning, entity formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncstatus"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	stateStyles  = map[syncstatus.State]lipgloss.Style{
		syncstatus.Idle:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		syncstatus.Syncing: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		syncstatus.Offline: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		syncstatus.Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound     = "not_found"
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeConflict     = "conflict"
	ErrCodeOffline      = "offline"
	ErrCodeAuthRequired = "auth_required"
	ErrCodeQuota        = "quota"
	ErrCodeInternal     = "internal"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// StateBadge formats a sync state with a symbol and color
func StateBadge(state syncstatus.State) string {
	var symbol string
	switch state {
	case syncstatus.Idle:
		symbol = "✓"
	case syncstatus.Syncing:
		symbol = "↻"
	case syncstatus.Offline:
		symbol = "○"
	case syncstatus.Error:
		symbol = "✗"
	default:
		return string(state)
	}
	return stateStyles[state].Render(fmt.Sprintf("%s %s", symbol, state))
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// ShortID shortens an entity id to 8 characters
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RowTitle picks the most descriptive text column of a row
func RowTitle(row schema.Row) string {
	for _, col := range []string{"title", "name", "description", "note", "category", "body"} {
		if s := row.Str(col); s != "" {
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[:i]
			}
			return s
		}
	}
	return row.ID()
}

// FormatEntryShort formats an entry on one line with its sync marks
// e.g., "3f2a9c1e  Buy milk  [queued]"
func FormatEntryShort(e store.Entry) string {
	var sb strings.Builder
	sb.WriteString(subtleStyle.Render(ShortID(e.ID)))
	sb.WriteString("  ")
	sb.WriteString(RowTitle(e.Row))
	if e.Pending {
		sb.WriteString("  ")
		sb.WriteString(pendingStyle.Render("[queued]"))
	}
	if e.Error != "" {
		sb.WriteString("  ")
		sb.WriteString(errorStyle.Render("[" + e.Error + "]"))
	}
	return sb.String()
}

// FormatEntryLong formats every column of an entry. Markdown columns (body)
// are rendered for the terminal.
func FormatEntryLong(s *schema.Schema, e store.Entry) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(RowTitle(e.Row)))
	sb.WriteString("\n")
	sb.WriteString(subtleStyle.Render(fmt.Sprintf("%s/%s", s.Collection, e.ID)))
	sb.WriteString("\n")

	switch {
	case e.Error != "":
		sb.WriteString(errorStyle.Render("Rejected: " + e.Error))
		sb.WriteString("\n")
	case e.Pending:
		sb.WriteString(pendingStyle.Render("Not yet synced"))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	var body string
	for _, col := range s.Columns() {
		if col == schema.ColID || col == schema.ColUserID {
			continue
		}
		v, ok := e.Row[col]
		if !ok || v == nil || v == "" {
			continue
		}
		if col == "body" {
			body = fmt.Sprint(v)
			continue
		}
		sb.WriteString(fmt.Sprintf("%-16s %v\n", col+":", v))
	}

	var extra []string
	for col := range e.Row {
		if _, known := s.Field(col); !known {
			extra = append(extra, col)
		}
	}
	sort.Strings(extra)
	for _, col := range extra {
		sb.WriteString(subtleStyle.Render(fmt.Sprintf("%-16s %v", col+":", e.Row[col])))
		sb.WriteString("\n")
	}

	if body != "" {
		sb.WriteString(SectionHeader("body"))
		rendered, err := RenderMarkdown(body)
		if err != nil {
			rendered = body
		}
		sb.WriteString(rendered)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nERRORS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	return strings.Join(IndentLines(strings.Split(s, "\n"), spaces), "\n")
}
