package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agent-tmux-monitor/atm/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Attach the live session viewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return tui.Run(ctx, cfg.Socket.Path)
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
