// commands.go contains the cobra command definitions and their flag
// wiring. Each builder creates one command and routes it to a handler in
// handlers.go.
package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aide",
		Short: "aide - personal assistant task core",
		Long: `aide plans and executes tool tasks from natural-language requests.

A request becomes a validated task graph: server-side builtins run in
process, client-target tasks run on this machine (desktop mode) or on a
connected desktop client (hosted mode).`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// buildServeCmd creates the "serve" command that runs the hosted core.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hosted core with the client gateway",
		Long: `Run the hosted core. The websocket gateway accepts desktop client
connections; client-target tasks are forwarded to the client registered
for their session. The Prometheus endpoint is served when metrics are
enabled in the configuration.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with the default config lookup (AIDE_CONFIG, then aide.yaml)
  aide serve

  # Start with an explicit config and debug logging
  aide serve --config /etc/aide/aide.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildChatCmd creates the "chat" command for one desktop-mode turn.
func buildChatCmd() *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run one assistant turn on this machine",
		Long: `Send one utterance through the assistant pipeline in desktop mode:
memory recall, reply, planning, and local execution of any planned
tasks. Approval-gated tasks prompt on the terminal. The reply is printed
to stdout; progress and task outcomes go to stderr.`,
		Example: `  aide chat -m "create a folder called projects and a readme inside it"
  aide chat --session notes -m "save a note about the standup"
  aide chat -y -m "tidy my downloads"`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.text == "" {
				opts.text = strings.Join(args, " ")
			}
			return runChat(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.text, "message", "m", "", "Utterance to send (positional args are joined as a fallback)")
	cmd.Flags().StringVarP(&opts.sessionID, "session", "s", "local", "Session ID; history and memory are keyed by it")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override for the reply and planning calls")
	cmd.Flags().BoolVarP(&opts.autoApprove, "yes", "y", false, "Approve gated tasks without prompting")

	return cmd
}

// buildToolsCmd creates the "tools" command that lists the catalog.
func buildToolsCmd() *cobra.Command {
	var (
		configPath string
		target     string
		category   string
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tool catalog",
		Example: `  aide tools
  aide tools --target client
  aide tools --category files`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.OutOrStdout(), configPath, target, category)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	cmd.Flags().StringVarP(&target, "target", "t", "", `Filter by execution target ("server" or "client")`)
	cmd.Flags().StringVar(&category, "category", "", "Filter by catalog category")

	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report the first error",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		Long:  "Print the JSON schema for the configuration file, for editor completion and CI validation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aide %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
