package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agent-tmux-monitor/atm/internal/daemon"
	"github.com/agent-tmux-monitor/atm/internal/proc"
)

var statusVerbose bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "also list discovered agent processes")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	info := daemon.Probe(cfg)
	if info.Running == 0 {
		fmt.Println("daemon: not running")
	} else {
		fmt.Printf("daemon: running (pid %d)\n", info.Running)
	}
	if info.SocketOK {
		fmt.Printf("socket: %s (accepting connections)\n", info.SocketPath)
	} else {
		fmt.Printf("socket: %s (unreachable)\n", info.SocketPath)
	}

	if statusVerbose {
		agents, err := proc.DiscoverAgents()
		if err != nil {
			fmt.Printf("agents: discovery failed: %v\n", err)
		} else if len(agents) == 0 {
			fmt.Println("agents: none discovered")
		} else {
			for _, a := range agents {
				fmt.Printf("agent: pid %d in %s\n", a.PID, a.WorkingDir)
			}
		}
	}

	if info.Running == 0 {
		return fmt.Errorf("daemon not running")
	}
	return nil
}
