package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/marcus/kept/internal/output"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/suggest"
	"github.com/marcus/kept/internal/syncconfig"
	"github.com/marcus/kept/internal/syncengine"
	"github.com/marcus/kept/internal/syncerr"
	"github.com/marcus/kept/internal/syncstatus"
	"github.com/marcus/kept/pkg/kept"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

// errNotLoggedIn is returned by commands that need a session.
var errNotLoggedIn = errors.New("not logged in (run: kept login --user <id> --key <api-key>)")

// openSession opens the signed-in user's session. tokens overrides the
// static key from auth.json, e.g. with a watcher.
func openSession(ctx context.Context, tokens oauth2.TokenSource) (*kept.Session, *syncconfig.AuthCredentials, error) {
	settings, err := syncconfig.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	creds, err := syncconfig.LoadAuth()
	if err != nil {
		return nil, nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds == nil || creds.UserID == "" {
		return nil, nil, errNotLoggedIn
	}
	if tokens == nil {
		creds.APIKey = syncconfig.GetAPIKey()
	}
	sess, err := kept.Open(ctx, kept.OptionsFromSettings(settings, creds, tokens))
	if err != nil {
		return nil, nil, err
	}
	return sess, creds, nil
}

// autoSync drains briefly after a write so quick edits reach the server
// before the process exits. Anything left stays queued.
func autoSync(cmd *cobra.Command, sess *kept.Session) {
	if skip, _ := cmd.Flags().GetBool("no-sync"); skip {
		return
	}
	timeout, _ := cmd.Flags().GetDuration("sync-timeout")
	if timeout <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := sess.Drain(ctx); err != nil {
		output.Warning("%s; changes are saved locally and will sync later", describeSyncErr(err))
	}
	for _, f := range sess.Failures() {
		output.Error("%s %s/%s rejected: %s", f.Op, f.Collection, output.ShortID(f.ID), f.Message)
	}
}

// addSyncFlags registers the auto-sync flags on a mutating command.
func addSyncFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-sync", false, "only queue the change; do not contact the server")
	cmd.Flags().Duration("sync-timeout", 5*time.Second, "how long to wait for the server after the change")
}

func describeSyncErr(err error) string {
	switch {
	case errors.Is(err, syncengine.ErrAuthRequired):
		return "sign-in required"
	case errors.Is(err, syncengine.ErrOffline):
		return "server unreachable"
	case errors.Is(err, context.DeadlineExceeded):
		return "sync still in progress"
	}
	return err.Error()
}

// errorCode maps an error to a structured JSON error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, kept.ErrNotFound):
		return output.ErrCodeNotFound
	case errors.Is(err, kept.ErrExists):
		return output.ErrCodeConflict
	case errors.Is(err, errNotLoggedIn), errors.Is(err, syncerr.KindAuth):
		return output.ErrCodeAuthRequired
	case errors.Is(err, syncerr.KindNetwork):
		return output.ErrCodeOffline
	case errors.Is(err, syncerr.KindQuota):
		return output.ErrCodeQuota
	case errors.Is(err, syncerr.KindValidation), errors.Is(err, syncerr.KindTranslation):
		return output.ErrCodeInvalidInput
	}
	return output.ErrCodeInternal
}

// fail prints err in the requested format and returns it for cobra.
func fail(cmd *cobra.Command, err error) error {
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		output.JSONError(errorCode(err), err.Error())
		return err
	}
	output.Error("%v", err)
	return err
}

// parseSets parses repeated --set key=value flags into a row for collection.
func parseSets(s *schema.Schema, sets []string) (schema.Row, error) {
	kv := make(map[string]string, len(sets))
	for _, set := range sets {
		key, value, ok := strings.Cut(set, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (want key=value)", set)
		}
		if _, known := s.Field(key); !known {
			return nil, fmt.Errorf("unknown field %q for %s%s", key, s.Collection, suggest.Hint(key, fieldNames(s)))
		}
		kv[key] = value
	}
	return s.FromStrings(kv)
}

func fieldNames(s *schema.Schema) []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// openCollection looks up a collection, suggesting near matches for typos.
func openCollection(sess *kept.Session, name string) (*kept.Raw, error) {
	coll, err := sess.Collection(name)
	if err != nil {
		return nil, fmt.Errorf("%w%s", err, suggest.Hint(name, schema.Default.Collections()))
	}
	return coll, nil
}

// confirm asks a yes/no question. Without a terminal the answer is no
// unless force is set.
func confirm(title, description string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	if !output.IsTerminal() {
		return false, fmt.Errorf("%s: not a terminal, pass --force to confirm", strings.ToLower(strings.TrimSuffix(title, "?")))
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// unsyncedWarning describes queued writes for destructive confirmations.
func unsyncedWarning(st syncstatus.Status) string {
	if !st.HasUnsynced() {
		return ""
	}
	return fmt.Sprintf("%d change(s) have not reached the server and will be lost.", st.Pending+st.InFlight)
}
