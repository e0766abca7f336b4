package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/output"
	"github.com/marcus/pricetrack/internal/syncconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write client settings",
	Long: `Settings live in ~/.config/pt/config.json. Every key can be overridden by
an environment variable: sync.max_attempts becomes PT_SYNC_MAX_ATTEMPTS.

Keys:
  ` + strings.Join(syncconfig.Keys(), "\n  "),
	GroupID: "system",
}

var configListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "Show every setting and where its value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := syncconfig.List()
		if err != nil {
			return fail("%v", err)
		}
		if ok, err := output.Structured(outputMode(), settings); ok || err != nil {
			return err
		}
		for _, s := range settings {
			fmt.Printf("%-22s %-28s %s\n", s.Key, s.Value, output.Subtle(s.Source))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := syncconfig.Get(args[0])
		if err != nil {
			return fail("%v", err)
		}
		if ok, err := output.Structured(outputMode(), map[string]string{"key": args[0], "value": v}); ok || err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a setting to config.json",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.Set(args[0], args[1]); err != nil {
			return fail("%v", err)
		}
		output.Success("%s = %s", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a setting from config.json",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := syncconfig.Unset(args[0]); err != nil {
			return fail("%v", err)
		}
		output.Success("%s unset", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := syncconfig.ConfigPath()
		if err != nil {
			return fail("%v", err)
		}
		fmt.Println(p)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configUnsetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
