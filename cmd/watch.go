package cmd

import (
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/marcus/kept/internal/authwatch"
	"github.com/marcus/kept/internal/syncconfig"
	"github.com/marcus/kept/internal/tui/status"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Sync continuously and show live status",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := syncconfig.AuthPath()
		if err != nil {
			return fail(cmd, err)
		}
		watcher, err := authwatch.New(path)
		if err != nil {
			return fail(cmd, err)
		}
		if err := watcher.Start(); err != nil {
			return fail(cmd, err)
		}
		defer watcher.Stop()

		sess, creds, err := openSession(cmd.Context(), watcher)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()
		sess.Start()

		interval, _ := cmd.Flags().GetDuration("interval")
		model := status.NewModel(sess, interval)
		defer model.Close()

		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
		go forwardAuthEvents(p, watcher.Events(), creds.UserID, sess.Resume)

		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running watch: %w", err)
		}
		return nil
	},
}

// forwardAuthEvents turns credential changes into screen notices. A new key
// for the same user resumes syncing; another user needs a restart because
// the open cache belongs to the old one.
func forwardAuthEvents(p *tea.Program, events <-chan authwatch.Event, userID string, resume func()) {
	for ev := range events {
		switch {
		case ev.Creds == nil:
			slog.Info("signed out while watching", "user", userID)
			p.Send(status.NoticeMsg("signed out; sync paused"))
		case ev.Creds.UserID == userID:
			resume()
			p.Send(status.NoticeMsg("credentials refreshed; sync resumed"))
		default:
			slog.Info("signed in as another user", "user", ev.Creds.UserID, "watching", userID)
			p.Send(status.NoticeMsg(fmt.Sprintf("signed in as %s; restart kept watch", ev.Creds.UserID)))
		}
	}
}

func init() {
	watchCmd.Flags().Duration("interval", time.Second, "refresh interval")
	rootCmd.AddCommand(watchCmd)
}
