package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/kept/internal/output"
	"github.com/marcus/kept/internal/syncstatus"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Pull remote changes and push queued writes",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		before := sess.Status().Pending
		start := time.Now()
		syncErr := sess.Sync(ctx)
		st := sess.Status()

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			result := map[string]any{
				"status":   st,
				"pushed":   before - st.Pending,
				"duration": time.Since(start).String(),
			}
			if syncErr != nil {
				result["error"] = syncErr.Error()
			}
			return output.JSON(result)
		}

		if syncErr != nil {
			output.Warning("%s", describeSyncErr(syncErr))
		}
		for _, f := range st.Failures {
			output.Error("%s %s/%s rejected: %s", f.Op, f.Collection, output.ShortID(f.ID), f.Message)
		}
		if syncErr == nil && len(st.Failures) == 0 {
			output.Success("Synced (%d pushed, %s)", before-st.Pending, time.Since(start).Round(time.Millisecond))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show sync state, queue and collection counts",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, creds, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		st := sess.Status()
		counts := sess.Counts()
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(map[string]any{
				"user":        creds.UserID,
				"server":      creds.ServerURL,
				"status":      st,
				"collections": counts,
			})
		}

		fmt.Printf("%s  %s\n", output.StateBadge(st.State), creds.UserID)
		fmt.Printf("  Server:  %s\n", creds.ServerURL)
		fmt.Printf("  Queued:  %d\n", st.Pending+st.InFlight)
		if len(st.Failures) > 0 {
			fmt.Printf("  Errors:  %d (run: kept errors)\n", len(st.Failures))
		}
		fmt.Println()
		for _, c := range counts {
			if c.Visible == 0 && c.Pending == 0 && c.Errored == 0 {
				continue
			}
			line := fmt.Sprintf("  %-16s %5d", c.Collection, c.Visible)
			if c.Pending > 0 {
				line += fmt.Sprintf("  %d queued", c.Pending)
			}
			if c.Errored > 0 {
				line += fmt.Sprintf("  %d rejected", c.Errored)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var errorsCmd = &cobra.Command{
	Use:     "errors",
	Short:   "List writes the server rejected",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		failures := sess.Failures()
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			if failures == nil {
				failures = []syncstatus.Failure{}
			}
			return output.JSON(failures)
		}
		if len(failures) == 0 {
			output.Info("No rejected writes")
			return nil
		}
		for _, f := range failures {
			fmt.Printf("%s %s/%s %s: %s (%s)\n",
				output.StateBadge(syncstatus.Error), f.Collection, output.ShortID(f.ID),
				f.Op, f.Message, output.FormatTimeAgo(f.At))
		}
		return nil
	},
}

var errorsAckCmd = &cobra.Command{
	Use:   "ack [<collection> <id>]",
	Short: "Dismiss rejected writes (all when no entity is given)",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return fmt.Errorf("want no arguments or <collection> <id>")
		}
		return nil
	},
	ValidArgsFunction: collectionArg,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		var collection, id string
		if len(args) == 2 {
			collection, id = args[0], args[1]
			for _, f := range sess.Failures() {
				if f.Collection == collection && strings.HasPrefix(f.ID, id) {
					id = f.ID
					break
				}
			}
		}
		n := sess.Acknowledge(collection, id)
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(map[string]int{"acknowledged": n})
		}
		output.Success("Dismissed %d error(s)", n)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset",
	Short:   "Discard local data and queued writes, then pull fresh",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		force, _ := cmd.Flags().GetBool("force")
		warning := unsyncedWarning(sess.Status())
		if warning == "" {
			warning = "Local data will be discarded and downloaded again."
		}
		ok, err := confirm("Reset local data?", warning, force)
		if err != nil {
			return fail(cmd, err)
		}
		if !ok {
			output.Info("Cancelled.")
			return nil
		}
		if err := sess.Reset(cmd.Context()); err != nil {
			return fail(cmd, err)
		}
		output.Success("Local data reset")

		if skip, _ := cmd.Flags().GetBool("no-sync"); skip {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := sess.Sync(ctx); err != nil {
			output.Warning("%s; run kept sync to retry", describeSyncErr(err))
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, statusCmd, errorsCmd, errorsAckCmd} {
		c.Flags().Bool("json", false, "JSON output")
	}
	syncCmd.Flags().Duration("timeout", 30*time.Second, "give up after this long")
	resetCmd.Flags().Bool("force", false, "skip confirmation")
	resetCmd.Flags().Bool("no-sync", false, "do not pull after resetting")

	errorsCmd.AddCommand(errorsAckCmd)
	rootCmd.AddCommand(syncCmd, statusCmd, errorsCmd, resetCmd)
}
