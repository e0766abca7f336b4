package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/pricetrack/internal/output"
)

var (
	version    string
	formatFlag string
	dataDirArg string
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "pt",
	Short: "Offline-first price reporting CLI",
	Long: `pt - report market prices from anywhere, online or not.

Every change is written to a local queue first and replayed against the
price API when a connection is available. Run "pt daemon" to drain the
queue in the background, or "pt sync" to drain it once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := output.ParseMode(formatFlag); err != nil {
			return err
		}
		slog.SetDefault(slog.New(cliHandler(os.Stderr)))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if isMutatingCommand(cmd.Name()) {
			autoSyncAfterMutation(cmd)
		}
	},
}

// Execute runs the root command
func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		if !errorPrinted(err) {
			output.Error("%v", err)
		}
		os.Exit(1)
	}
}

// cliHandler discards logs unless PT_DEBUG is set, so regular command output
// stays clean.
func cliHandler(w io.Writer) slog.Handler {
	if !debugEnabled() {
		return slog.NewTextHandler(io.Discard, nil)
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func debugEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PT_DEBUG")))
	return v != "" && v != "0" && v != "false"
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

// outputMode is the parsed --format flag
func outputMode() output.Mode {
	m, _ := output.ParseMode(formatFlag)
	return m
}

// printed marks an error whose message was already shown to the user
type printed struct{ error }

func (p printed) Unwrap() error { return p.error }

func errorPrinted(err error) bool {
	_, ok := err.(printed)
	return ok
}

// fail prints err in the command's style and returns it marked as shown
func fail(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	if outputMode() == output.ModeText {
		output.Error("%v", err)
	} else {
		output.JSONError("error", err.Error())
	}
	return printed{err}
}

func init() {
	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)
	cobra.AddTemplateFunc("add", func(a, b int) int { return a + b })

	usageTemplate := `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`
	rootCmd.SetUsageTemplate(usageTemplate)

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	rootCmd.SetHelpCommandGroupID("system")
	rootCmd.SetCompletionCommandGroupID("system")

	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().StringVar(&dataDirArg, "data-dir", "", "Local data directory (default $PT_DATA_DIR or the XDG data dir)")
}
