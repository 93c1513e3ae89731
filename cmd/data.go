package cmd

import (
	"fmt"
	"strings"

	"github.com/marcus/kept/internal/output"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/spf13/cobra"
)

// collectionArg completes and validates the collection argument.
func collectionArg(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return schema.Default.Collections(), cobra.ShellCompDirectiveNoFileComp
}

var addCmd = &cobra.Command{
	Use:               "add <collection> --set key=value ...",
	Aliases:           []string{"create", "new"},
	Short:             "Create an entity",
	GroupID:           "data",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: collectionArg,
	Example: `  kept add tasks --set title="Buy milk" --set dueDate=2026-03-01
  kept add transactions --set amount=12.50 --set category=food`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		coll, err := openCollection(sess, args[0])
		if err != nil {
			return fail(cmd, err)
		}
		sets, _ := cmd.Flags().GetStringArray("set")
		row, err := parseSets(coll.Schema(), sets)
		if err != nil {
			return fail(cmd, err)
		}
		if id, _ := cmd.Flags().GetString("id"); id != "" {
			row[schema.ColID] = id
		}

		created, err := coll.Create(row)
		if err != nil {
			return fail(cmd, err)
		}
		autoSync(cmd, sess)

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(created)
		}
		output.Success("CREATED %s/%s %s", coll.Name(), created.ID(), output.RowTitle(created))
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:               "ls <collection>",
	Aliases:           []string{"list"},
	Short:             "List a collection",
	GroupID:           "data",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: collectionArg,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		coll, err := openCollection(sess, args[0])
		if err != nil {
			return fail(cmd, err)
		}
		entries := coll.Entries()
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			rows := make([]schema.Row, len(entries))
			for i, e := range entries {
				rows[i] = e.Row
			}
			return output.JSON(rows)
		}
		if len(entries) == 0 {
			output.Info("No %s", strings.ReplaceAll(coll.Name(), "_", " "))
			return nil
		}
		for _, e := range entries {
			fmt.Println(output.FormatEntryShort(e))
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:               "show <collection> <id>",
	Short:             "Show one entity",
	GroupID:           "data",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: collectionArg,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		coll, err := openCollection(sess, args[0])
		if err != nil {
			return fail(cmd, err)
		}
		entry, err := coll.Entry(resolveID(coll.Entries(), args[1]))
		if err != nil {
			return fail(cmd, err)
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(entry)
		}
		fmt.Println(output.FormatEntryLong(coll.Schema(), entry))
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:               "set <collection> <id> --set key=value ...",
	Aliases:           []string{"update", "edit"},
	Short:             "Change fields of an entity",
	GroupID:           "data",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: collectionArg,
	Example:           `  kept set tasks 3f2a9c1e --set status=done`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sets, _ := cmd.Flags().GetStringArray("set")
		if len(sets) == 0 {
			return fail(cmd, fmt.Errorf("nothing to change (use --set key=value)"))
		}

		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		coll, err := openCollection(sess, args[0])
		if err != nil {
			return fail(cmd, err)
		}
		changes, err := parseSets(coll.Schema(), sets)
		if err != nil {
			return fail(cmd, err)
		}
		id := resolveID(coll.Entries(), args[1])
		updated, err := coll.Update(id, changes)
		if err != nil {
			return fail(cmd, err)
		}
		autoSync(cmd, sess)

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(updated)
		}
		output.Success("UPDATED %s/%s", coll.Name(), id)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:               "rm <collection> <id>...",
	Aliases:           []string{"delete"},
	Short:             "Delete entities",
	GroupID:           "data",
	Args:              cobra.MinimumNArgs(2),
	ValidArgsFunction: collectionArg,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, _, err := openSession(cmd.Context(), nil)
		if err != nil {
			return fail(cmd, err)
		}
		defer sess.Close()

		coll, err := openCollection(sess, args[0])
		if err != nil {
			return fail(cmd, err)
		}
		entries := coll.Entries()
		var deleted []string
		for _, arg := range args[1:] {
			id := resolveID(entries, arg)
			if err := coll.Delete(id); err != nil {
				return fail(cmd, err)
			}
			deleted = append(deleted, id)
		}
		autoSync(cmd, sess)

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(map[string]any{"collection": coll.Name(), "deleted": deleted})
		}
		for _, id := range deleted {
			output.Success("DELETED %s/%s", coll.Name(), id)
		}
		return nil
	},
}

// resolveID expands a unique id prefix (as printed by ls) to the full id.
func resolveID(entries []store.Entry, arg string) string {
	match := ""
	for _, e := range entries {
		id := e.ID
		if id == arg {
			return id
		}
		if strings.HasPrefix(id, arg) {
			if match != "" {
				return arg
			}
			match = id
		}
	}
	if match == "" {
		return arg
	}
	return match
}

func init() {
	for _, c := range []*cobra.Command{addCmd, lsCmd, showCmd, setCmd, rmCmd} {
		c.Flags().Bool("json", false, "JSON output")
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{addCmd, setCmd} {
		c.Flags().StringArray("set", nil, "field value as key=value (repeatable)")
	}
	for _, c := range []*cobra.Command{addCmd, setCmd, rmCmd} {
		addSyncFlags(c)
	}
	addCmd.Flags().String("id", "", "client-chosen id (default: generated)")
	lsCmd.Flags().IntP("limit", "n", 0, "show only the newest n entities")
}
