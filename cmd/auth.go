package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/kept/internal/dateparse"
	"github.com/marcus/kept/internal/output"
	"github.com/marcus/kept/internal/remote"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/syncconfig"
	"github.com/marcus/kept/internal/syncerr"
	"github.com/marcus/kept/pkg/kept"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:     "login --user <id> --key <api-key>",
	Short:   "Sign in to a sync server",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		key, _ := cmd.Flags().GetString("key")
		userID, key = strings.TrimSpace(userID), strings.TrimSpace(key)
		if userID == "" || key == "" {
			return fail(cmd, errors.New("--user and --key are required"))
		}

		settings, err := syncconfig.Load()
		if err != nil {
			return fail(cmd, err)
		}
		serverURL, _ := cmd.Flags().GetString("server")
		if serverURL == "" {
			serverURL = settings.ServerURL
		}

		existing, err := syncconfig.LoadAuth()
		if err != nil {
			return fail(cmd, err)
		}
		if existing != nil && existing.UserID != "" && existing.UserID != userID {
			return fail(cmd, fmt.Errorf("already logged in as %s (run: kept logout)", existing.UserID))
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			return fail(cmd, fmt.Errorf("get device id: %w", err))
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := verifyKey(ctx, remote.New(serverURL, key, deviceID)); err != nil {
			if errors.Is(err, syncerr.KindAuth) {
				return fail(cmd, fmt.Errorf("server rejected the key: %w", err))
			}
			output.Warning("could not reach %s (%v); saving credentials anyway", serverURL, err)
		}

		creds := &syncconfig.AuthCredentials{
			APIKey:    key,
			UserID:    userID,
			ServerURL: serverURL,
			DeviceID:  deviceID,
		}
		if err := syncconfig.SaveAuth(creds); err != nil {
			return fail(cmd, fmt.Errorf("save credentials: %w", err))
		}
		output.Success("Logged in as %s (%s)", userID, serverURL)
		return nil
	},
}

// verifyKey makes one cheap authenticated request.
func verifyKey(ctx context.Context, c *remote.Client) error {
	_, err := c.List(ctx, schema.Tasks, dateparse.FormatTimestamp(time.Now()))
	return err
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	Short:   "Sign out and discard this device's local data",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			return fail(cmd, err)
		}
		if creds == nil {
			output.Info("Not logged in.")
			return nil
		}
		force, _ := cmd.Flags().GetBool("force")

		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			// The cache cannot be opened; remove it from disk directly.
			output.Warning("open local data: %v", err)
			if !force {
				return fail(cmd, errors.New("pass --force to sign out without checking for unsynced changes"))
			}
			settings, serr := syncconfig.Load()
			if serr == nil {
				if derr := kept.DiscardUser(settings.DataDir, creds.UserID); derr != nil {
					output.Warning("%v", derr)
				}
			}
			return clearCreds(cmd, creds.UserID)
		}

		if warning := unsyncedWarning(sess.Status()); warning != "" {
			ok, err := confirm("Sign out?", warning, force)
			if err != nil || !ok {
				sess.Close()
				if err != nil {
					return fail(cmd, err)
				}
				output.Info("Cancelled.")
				return nil
			}
		}
		if err := sess.SignOut(cmd.Context()); err != nil {
			return fail(cmd, err)
		}
		return clearCreds(cmd, creds.UserID)
	},
}

func clearCreds(cmd *cobra.Command, userID string) error {
	if err := syncconfig.ClearAuth(); err != nil {
		return fail(cmd, err)
	}
	output.Success("Logged out %s. Local data removed.", userID)
	return nil
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	Short:   "Show the signed-in user",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := syncconfig.LoadAuth()
		if err != nil {
			return fail(cmd, err)
		}
		if creds == nil || creds.UserID == "" {
			output.Info("Not logged in.")
			return nil
		}
		keyPrefix := creds.APIKey
		if len(keyPrefix) > 12 {
			keyPrefix = keyPrefix[:12] + "..."
		}
		fmt.Printf("User:   %s\n", creds.UserID)
		fmt.Printf("Server: %s\n", creds.ServerURL)
		fmt.Printf("Device: %s\n", creds.DeviceID)
		fmt.Printf("Key:    %s\n", keyPrefix)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("user", "", "user id")
	loginCmd.Flags().String("key", "", "API key issued by the server")
	loginCmd.Flags().String("server", "", "server URL (default: server.url setting)")
	logoutCmd.Flags().Bool("force", false, "discard unsynced changes without asking")
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}
