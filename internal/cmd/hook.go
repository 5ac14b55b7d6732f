package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-tmux-monitor/atm/internal/hookfwd"
)

// The hook and statusline commands are invoked by the host agent's hook
// configuration. They must never fail the host: every error path exits 0.

var hookCmd = &cobra.Command{
	Use:    "hook",
	Short:  "Forward a hook event from stdin to the daemon (internal use)",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, err := loadConfig()
		if err != nil {
			return
		}
		fwd := hookfwd.NewForwarder(cfg.Socket.Path)
		_ = fwd.ForwardHook(os.Stdin)
	},
}

var statuslineCmd = &cobra.Command{
	Use:    "statusline",
	Short:  "Forward a status-line report from stdin to the daemon (internal use)",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, _, err := loadConfig()
		if err != nil {
			return
		}
		fwd := hookfwd.NewForwarder(cfg.Socket.Path)
		_ = fwd.ForwardStatusLine(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(statuslineCmd)
}
