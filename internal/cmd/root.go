// Package cmd implements the atm CLI: daemon lifecycle, the viewer, and
// the hook/status-line forwarding entry points the shell scripts call.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agent-tmux-monitor/atm/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "atm",
	Short: "Live monitor for Claude Code sessions in tmux",
	Long: `atm aggregates hook events and status-line reports from Claude Code
sessions running in tmux panes into one live view: which agents are
running, what they are doing, and which need you.

The daemon listens on a unix socket; hook scripts forward events with
"atm hook" and "atm statusline", and "atm tui" attaches a live viewer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (defaults to ~/.config/atm/config.yaml)")
}

// loadConfig resolves the --config flag and loads the effective config.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	return cfg, path, err
}

// Execute runs the CLI and returns the process exit code: 0 on success,
// 1 on any I/O or lifecycle error.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("atm:", err)
		return 1
	}
	return 0
}
