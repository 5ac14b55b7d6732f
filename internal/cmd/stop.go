package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-tmux-monitor/atm/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the monitor daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if err := daemon.Stop(cfg); err != nil {
			return err
		}
		fmt.Println("daemon stopping")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
