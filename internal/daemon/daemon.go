// Package daemon wires the core together and manages the process
// lifecycle: pidfile locking, signal handling, and the start/stop/status
// operations the CLI fronts.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/agent-tmux-monitor/atm/internal/broker"
	"github.com/agent-tmux-monitor/atm/internal/config"
	"github.com/agent-tmux-monitor/atm/internal/proc"
	"github.com/agent-tmux-monitor/atm/internal/registry"
	"github.com/agent-tmux-monitor/atm/internal/server"
	"github.com/agent-tmux-monitor/atm/internal/web"
)

// ErrAlreadyRunning is returned when another daemon holds the pidfile
// lock.
var ErrAlreadyRunning = errors.New("daemon already running")

type Daemon struct {
	cfgPath string
	cfg     atomic.Pointer[config.Config]
}

// New creates a daemon around a loaded config. cfgPath is re-read on
// SIGHUP; pass "" to disable reload.
func New(cfg *config.Config, cfgPath string) *Daemon {
	d := &Daemon{cfgPath: cfgPath}
	d.cfg.Store(cfg)
	return d
}

// Run serves until ctx is cancelled. It acquires the pidfile lock, binds
// the socket, and runs the actor, sweeper, pump, and acceptor.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg.Load()

	lock := flock.New(cfg.Socket.PidFile + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking pidfile: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer lock.Unlock()

	if err := writePidFile(cfg.Socket.PidFile); err != nil {
		return err
	}
	defer os.Remove(cfg.Socket.PidFile)

	ln, err := server.ListenSocket(cfg.Socket.Path)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.Socket.Path)

	// The window lookup reads through the atomic pointer so SIGHUP model
	// table changes apply without a restart.
	reg := registry.New(registry.Limits{
		MaxSessions:     cfg.Registry.MaxSessions,
		StaleThreshold:  cfg.Registry.StaleThreshold.Std(),
		CleanupInterval: cfg.Registry.CleanupInterval.Std(),
		MaxSessionAge:   cfg.Registry.MaxSessionAge.Std(),
	}, func(model string) int {
		return d.cfg.Load().MaxContextTokens(model)
	})
	brk := broker.New(reg, cfg.BroadcastInterval(), cfg.Clients.ClientBufferSize)
	limiter := server.NewClientLimiter(cfg.Clients.MaxClients)
	srv := server.New(reg, brk, limiter)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(reg.Run)
	run(reg.RunSweeper)
	run(brk.Run)

	errCh := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			errCh <- err
		}
	}()

	if cfg.Web.Enabled {
		bridge := web.NewBridge(cfg.Web.Addr, brk, limiter)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Serve(ctx); err != nil {
				errCh <- err
			}
		}()
		log.Printf("web bridge listening on %s", cfg.Web.Addr)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				d.reload()
			}
		}
	}()

	log.Printf("daemon listening on %s (pid %d)", cfg.Socket.Path, os.Getpid())

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
		cancel()
	}
	wg.Wait()
	log.Printf("daemon stopped")
	return err
}

// reload re-reads the config file and applies the runtime-safe subset.
func (d *Daemon) reload() {
	if d.cfgPath == "" {
		return
	}
	next, err := config.LoadOrDefault(d.cfgPath)
	if err != nil {
		log.Printf("WARN daemon: config reload failed: %v", err)
		return
	}
	changes := config.Diff(d.cfg.Load(), next)
	if len(changes) == 0 {
		log.Printf("config reload: no changes")
		return
	}
	d.cfg.Store(next)
	for _, c := range changes {
		log.Printf("config reload: %s", c)
	}
	log.Printf("config reload: only the model table applies now; other changes require a restart")
}

func writePidFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPidFile returns the recorded daemon pid, or 0 when absent.
func ReadPidFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Stop signals a running daemon with SIGTERM.
func Stop(cfg *config.Config) error {
	pid := ReadPidFile(cfg.Socket.PidFile)
	if pid == 0 || !proc.PidAlive(pid) {
		return errors.New("daemon not running")
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	return nil
}

// StatusInfo describes a probe of the daemon's runtime state: pidfile,
// process liveness, and a socket dial.
type StatusInfo struct {
	Running    int // daemon pid, 0 when not running
	SocketPath string
	SocketOK   bool
}

// Probe inspects the daemon's runtime state.
func Probe(cfg *config.Config) StatusInfo {
	info := StatusInfo{SocketPath: cfg.Socket.Path}
	pid := ReadPidFile(cfg.Socket.PidFile)
	if pid != 0 && proc.PidAlive(pid) {
		info.Running = pid
	}
	conn, err := net.DialTimeout("unix", cfg.Socket.Path, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		info.SocketOK = true
	}
	return info
}
