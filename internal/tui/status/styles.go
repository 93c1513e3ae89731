package status

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/marcus/kept/internal/syncstatus"
)

var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	subtleStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	selectedRowStyle = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	errorTextStyle   = lipgloss.NewStyle().Foreground(errorColor)
	spinnerStyle     = lipgloss.NewStyle().Foreground(primaryColor)

	badgeStyles = map[syncstatus.State]lipgloss.Style{
		syncstatus.Idle:    lipgloss.NewStyle().Foreground(successColor).Bold(true),
		syncstatus.Syncing: lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Bold(true),
		syncstatus.Offline: lipgloss.NewStyle().Foreground(warningColor).Bold(true),
		syncstatus.Error:   lipgloss.NewStyle().Foreground(errorColor).Bold(true),
	}
)

// FormatState renders a sync state as a colored badge
func FormatState(s syncstatus.State) string {
	style, ok := badgeStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render("● " + string(s))
}
