package cmd

import (
	"fmt"

	"github.com/marcus/kept/internal/output"
	"github.com/marcus/kept/internal/syncconfig"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	Short:   "Show or change settings",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		values := make(map[string]any)
		for _, k := range syncconfig.Keys() {
			v, err := syncconfig.Get(k)
			if err != nil {
				return fail(cmd, err)
			}
			values[k] = v
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(values)
		}
		dir, err := syncconfig.ConfigDir()
		if err != nil {
			return fail(cmd, err)
		}
		fmt.Printf("Config dir: %s\n\n", dir)
		for _, k := range syncconfig.Keys() {
			fmt.Printf("  %-22s %v\n", k, values[k])
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return syncconfig.Keys(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := syncconfig.Get(args[0])
		if err != nil {
			return fail(cmd, err)
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change one setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.Set(args[0], args[1]); err != nil {
			return fail(cmd, err)
		}
		if _, err := syncconfig.Load(); err != nil {
			output.Warning("saved, but the configuration is now invalid: %v", err)
			return nil
		}
		output.Success("%s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.Flags().Bool("json", false, "JSON output")
	configCmd.AddCommand(configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}
