// Package status is the live sync status screen behind `kept watch`.
package status

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/kept/internal/syncstatus"
	"github.com/marcus/kept/pkg/kept"
)

// Source is the session the screen observes.
type Source interface {
	Status() syncstatus.Status
	SubscribeStatus() (<-chan syncstatus.Status, func())
	Counts() []kept.CollectionCount
	Acknowledge(collection, id string) int
	Sync(ctx context.Context) error
}

// MinWidth is the minimum terminal width for the full view
const MinWidth = 40

// MinHeight is the minimum terminal height for the full view
const MinHeight = 12

// TickMsg triggers a counts refresh
type TickMsg time.Time

// StatusMsg carries a published status
type StatusMsg syncstatus.Status

// NoticeMsg shows a one-line message in the footer, e.g. a sign-in change
type NoticeMsg string

// SyncDoneMsg reports a manual sync
type SyncDoneMsg struct{ Err error }

type keyMap struct {
	Up, Down, Sync, Ack, AckAll, Help, Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Sync, k.Ack, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Sync, k.Ack, k.AckAll}, {k.Help, k.Quit}}
}

var keys = keyMap{
	Up:     key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("↓/j", "down")),
	Sync:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "sync now")),
	Ack:    key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "dismiss error")),
	AckAll: key.NewBinding(key.WithKeys("A"), key.WithHelp("A", "dismiss all")),
	Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// Model is the Bubble Tea model for the status screen
type Model struct {
	source  Source
	updates <-chan syncstatus.Status
	stop    func()

	Width  int
	Height int

	Status      syncstatus.Status
	Counts      []kept.CollectionCount
	Cursor      int
	Notice      string
	Syncing     bool
	LastRefresh time.Time
	Err         error

	RefreshInterval time.Duration
	SyncTimeout     time.Duration

	spinner spinner.Model
	help    help.Model
}

// NewModel creates a status model observing src
func NewModel(src Source, interval time.Duration) Model {
	updates, stop := src.SubscribeStatus()
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle
	return Model{
		source:          src,
		updates:         updates,
		stop:            stop,
		Status:          src.Status(),
		Counts:          src.Counts(),
		RefreshInterval: interval,
		SyncTimeout:     30 * time.Second,
		spinner:         sp,
		help:            help.New(),
	}
}

// Close stops the status subscription
func (m Model) Close() {
	if m.stop != nil {
		m.stop()
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitStatus(), m.scheduleTick(), m.spinner.Tick)
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case StatusMsg:
		m.Status = syncstatus.Status(msg)
		m.clampCursor()
		return m, m.waitStatus()

	case TickMsg:
		m.Counts = m.source.Counts()
		m.LastRefresh = time.Time(msg)
		return m, m.scheduleTick()

	case NoticeMsg:
		m.Notice = string(msg)
		return m, nil

	case SyncDoneMsg:
		m.Syncing = false
		m.Err = msg.Err
		m.Counts = m.source.Counts()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Down):
		if m.Cursor < len(m.Status.Failures)-1 {
			m.Cursor++
		}
		return m, nil

	case key.Matches(msg, keys.Up):
		if m.Cursor > 0 {
			m.Cursor--
		}
		return m, nil

	case key.Matches(msg, keys.Sync):
		if m.Syncing {
			return m, nil
		}
		m.Syncing = true
		m.Err = nil
		return m, m.syncNow()

	case key.Matches(msg, keys.Ack):
		if m.Cursor < len(m.Status.Failures) {
			f := m.Status.Failures[m.Cursor]
			m.source.Acknowledge(f.Collection, f.ID)
		}
		return m, nil

	case key.Matches(msg, keys.AckAll):
		m.source.Acknowledge("", "")
		return m, nil

	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}
	return m, nil
}

func (m *Model) clampCursor() {
	if m.Cursor >= len(m.Status.Failures) {
		m.Cursor = max(len(m.Status.Failures)-1, 0)
	}
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// waitStatus blocks on the next published status
func (m Model) waitStatus() tea.Cmd {
	ch := m.updates
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return StatusMsg(st)
	}
}

func (m Model) syncNow() tea.Cmd {
	src, timeout := m.source, m.SyncTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return SyncDoneMsg{Err: src.Sync(ctx)}
	}
}

// scheduleTick returns a command that sends a TickMsg after the refresh interval
func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
