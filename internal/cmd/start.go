package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-tmux-monitor/atm/internal/daemon"
	"github.com/agent-tmux-monitor/atm/internal/logging"
)

var startForeground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the monitor daemon",
	Long: `Start the monitor daemon listening on the unix socket.

Without --foreground the daemon detaches into its own session and logs
to the rotating file under the XDG state directory.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", false, "run in the foreground, logging to stderr as well")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}

	if !startForeground {
		return spawnDetached(cfg.Log.Path)
	}

	closer, err := logging.Setup(cfg.Log, true)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return daemon.New(cfg, cfgPath).Run(ctx)
}

// spawnDetached re-executes the binary in its own session with output
// appended to the log file, then reports the child's pid after a short
// pause. It does not check that the child went on to start serving.
func spawnDetached(logPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(exe, "start", "--foreground")
	if configPath != "" {
		child.Args = append(child.Args, "--config", configPath)
	}
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	// Let the child claim the pidfile lock before reporting.
	time.Sleep(200 * time.Millisecond)
	fmt.Printf("daemon started (pid %d)\n", child.Process.Pid)
	return child.Process.Release()
}
