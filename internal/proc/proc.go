// Package proc provides host-process helpers: pid liveness for the
// registry sweeper and /proc discovery of running Claude Code agents.
package proc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// PidAlive reports whether the process still exists.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return false
	}
	return alive
}

// AgentProcess describes a discovered coding-agent process.
type AgentProcess struct {
	PID        int
	WorkingDir string
	StartTime  time.Time
	CmdLine    string
}

// DiscoverAgents scans /proc for running Claude Code processes. Agent
// internals (cwd under ~/.claude) are skipped.
func DiscoverAgents() ([]AgentProcess, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("reading /proc: %w", err)
	}

	homeDir, _ := os.UserHomeDir()
	claudeDir := filepath.Join(homeDir, ".claude")

	var results []AgentProcess

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		cmdline, err := readProcFile(pid, "cmdline")
		if err != nil {
			continue
		}

		if !IsAgentCmdline(cmdline) {
			continue
		}

		cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
		if err != nil {
			continue
		}

		if cwd == claudeDir || strings.HasPrefix(cwd, claudeDir+"/") {
			continue
		}

		results = append(results, AgentProcess{
			PID:        pid,
			WorkingDir: cwd,
			StartTime:  processStartTime(pid),
			CmdLine:    CleanCmdline(cmdline),
		})
	}

	return results, nil
}

// IsAgentCmdline reports whether a /proc cmdline (null-separated)
// belongs to a Claude Code process: the claude binary itself, or node
// running it.
func IsAgentCmdline(cmdline string) bool {
	parts := strings.Split(cmdline, "\x00")
	if len(parts) == 0 {
		return false
	}

	exe := filepath.Base(parts[0])

	if exe == "claude" || exe == "claude-code" {
		return true
	}

	if exe == "node" {
		for _, part := range parts[1:] {
			if strings.Contains(part, "claude") && !strings.Contains(part, "node_modules/.bin") {
				return true
			}
		}
	}

	return false
}

// CleanCmdline joins a null-separated /proc cmdline into a display string.
func CleanCmdline(cmdline string) string {
	parts := strings.Split(cmdline, "\x00")
	var cleaned []string
	for _, p := range parts {
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, " ")
}

func readProcFile(pid int, name string) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/%s", pid, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func processStartTime(pid int) time.Time {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}
