package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/marcus/kept/internal/api"
	"github.com/marcus/kept/internal/rowstore"
)

const dbFlagUsage = "database path or postgres:// DSN (default: from SYNC_DATABASE_URL or ./data/kept.db)"

// runAdmin dispatches admin subcommands and returns the exit code.
func runAdmin(args []string) int {
	return admin(args, os.Stdout, os.Stderr)
}

func admin(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printAdminUsage(stderr)
		return 1
	}

	switch args[0] {
	case "issue-key":
		return adminIssueKey(args[1:], stdout, stderr)
	case "list-keys":
		return adminListKeys(args[1:], stdout, stderr)
	case "revoke-key":
		return adminRevokeKey(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown admin command: %s\n", args[0])
		printAdminUsage(stderr)
		return 1
	}
}

func printAdminUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: kept-server admin <command> [flags] <user>

Commands:
  issue-key   Create an API key for a user
  list-keys   List a user's API keys
  revoke-key  Revoke a user's API key by prefix`)
}

func openDB(dsn string) (*rowstore.DB, error) {
	if dsn == "" {
		dsn = api.LoadConfig().DatabaseURL
	}
	return rowstore.Open(dsn)
}

// parseUserArgs parses flags and the single positional user argument.
func parseUserArgs(fs *flag.FlagSet, args []string, stderr io.Writer) (string, bool) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return "", false
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "error: exactly one <user> argument is required")
		fs.Usage()
		return "", false
	}
	return fs.Arg(0), true
}

func adminIssueKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin issue-key", flag.ContinueOnError)
	name := fs.String("name", "cli", "key name")
	dsn := fs.String("db", "", dbFlagUsage)
	user, ok := parseUserArgs(fs, args, stderr)
	if !ok {
		return 1
	}

	store, err := openDB(*dsn)
	if err != nil {
		fmt.Fprintf(stderr, "error: open database: %v\n", err)
		return 1
	}
	defer store.Close()

	key, err := store.CreateAPIKey(context.Background(), user, *name)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "created API key for %s\n", user)
	fmt.Fprintf(stdout, "  name: %s\n", *name)
	fmt.Fprintf(stdout, "  key:  %s\n", key)
	fmt.Fprintln(stdout, "\nSave this key now -- it will not be shown again.")
	return 0
}

func adminListKeys(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin list-keys", flag.ContinueOnError)
	dsn := fs.String("db", "", dbFlagUsage)
	user, ok := parseUserArgs(fs, args, stderr)
	if !ok {
		return 1
	}

	store, err := openDB(*dsn)
	if err != nil {
		fmt.Fprintf(stderr, "error: open database: %v\n", err)
		return 1
	}
	defer store.Close()

	keys, err := store.ListAPIKeys(context.Background(), user)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if len(keys) == 0 {
		fmt.Fprintf(stdout, "no keys for %s\n", user)
		return 0
	}
	for _, k := range keys {
		lastUsed := k.LastUsedAt
		if lastUsed == "" {
			lastUsed = "never"
		}
		fmt.Fprintf(stdout, "%s  %-12s created %s  last used %s\n", k.KeyPrefix, k.Name, k.CreatedAt, lastUsed)
	}
	return 0
}

func adminRevokeKey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin revoke-key", flag.ContinueOnError)
	prefix := fs.String("prefix", "", "key prefix shown by list-keys")
	dsn := fs.String("db", "", dbFlagUsage)
	user, ok := parseUserArgs(fs, args, stderr)
	if !ok {
		return 1
	}
	if *prefix == "" {
		fmt.Fprintln(stderr, "error: --prefix is required")
		return 1
	}

	store, err := openDB(*dsn)
	if err != nil {
		fmt.Fprintf(stderr, "error: open database: %v\n", err)
		return 1
	}
	defer store.Close()

	n, err := store.RevokeAPIKeys(context.Background(), user, *prefix)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	if n == 0 {
		fmt.Fprintf(stderr, "error: no key %s for %s\n", *prefix, user)
		return 1
	}
	fmt.Fprintf(stdout, "revoked %d key(s) for %s\n", n, user)
	return 0
}
