package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/marcus/kept/internal/syncstatus"
)

func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}

	width := m.Width - 2
	sync := m.wrapPanel("SYNC", m.renderSync(), width)
	counts := m.wrapPanel("COLLECTIONS", m.renderCounts(), width)
	failures := m.wrapPanel(fmt.Sprintf("ERRORS (%d)", len(m.Status.Failures)), m.renderFailures(), width)

	return lipgloss.JoinVertical(lipgloss.Left, sync, counts, failures, m.renderFooter())
}

func (m Model) renderCompact() string {
	var s strings.Builder
	s.WriteString("kept watch (resize for full view)\n\n")
	s.WriteString(FormatState(m.Status.State))
	s.WriteString(fmt.Sprintf("\nqueued: %d  sending: %d  errors: %d\n",
		m.Status.Pending, m.Status.InFlight, len(m.Status.Failures)))
	s.WriteString("\nq:quit s:sync")
	return s.String()
}

func (m Model) renderSync() string {
	var s strings.Builder
	s.WriteString(FormatState(m.Status.State))
	if m.Status.State == syncstatus.Syncing || m.Syncing {
		s.WriteString(" " + m.spinner.View())
	}
	s.WriteString("\n")

	conn := "online"
	if !m.Status.Online {
		conn = "offline"
	}
	if m.Status.AuthRequired {
		conn = errorTextStyle.Render("sign-in required")
	}
	s.WriteString(fmt.Sprintf("remote: %s   queued: %d   sending: %d\n", conn, m.Status.Pending, m.Status.InFlight))
	if !m.Status.UpdatedAt.IsZero() {
		s.WriteString(timestampStyle.Render("changed " + m.Status.UpdatedAt.Local().Format("15:04:05")))
	}
	if m.Err != nil {
		s.WriteString("\n" + errorTextStyle.Render("sync: "+m.Err.Error()))
	}
	return s.String()
}

func (m Model) renderCounts() string {
	if len(m.Counts) == 0 {
		return subtleStyle.Render("No local data")
	}
	var s strings.Builder
	s.WriteString(subtleStyle.Render(fmt.Sprintf("%-18s %7s %7s %7s", "collection", "items", "queued", "errors")))
	for _, c := range m.Counts {
		s.WriteString(fmt.Sprintf("\n%-18s %7d %7d %7d", c.Collection, c.Visible, c.Pending, c.Errored))
	}
	return s.String()
}

func (m Model) renderFailures() string {
	if len(m.Status.Failures) == 0 {
		return subtleStyle.Render("No errors")
	}
	var lines []string
	lineWidth := max(m.Width-8, 10)
	for i, f := range m.Status.Failures {
		line := fmt.Sprintf("%s %s/%s: %s", f.Op, f.Collection, shortID(f.ID), f.Message)
		line = ansi.Truncate(line, lineWidth, "…")
		if i == m.Cursor {
			line = selectedRowStyle.Render("> " + line)
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	footer := m.help.View(keys)
	if m.Notice != "" {
		footer = m.Notice + "\n" + footer
	}
	return footer
}

func (m Model) wrapPanel(title, content string, width int) string {
	return panelStyle.Width(width).Render(panelTitleStyle.Render(title) + "\n" + content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
