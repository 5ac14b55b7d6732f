package proc

import (
	"os"
	"testing"
)

func TestIsAgentCmdline(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		want    bool
	}{
		{"ClaudeBinary", "/usr/local/bin/claude\x00--resume", true},
		{"ClaudeCode", "claude-code\x00", true},
		{"NodeRunningClaude", "/usr/bin/node\x00/home/u/.nvm/lib/claude/cli.js", true},
		{"NodeBinShim", "/usr/bin/node\x00/proj/node_modules/.bin/claude-lint", false},
		{"OtherProcess", "/usr/bin/vim\x00main.go", false},
		{"NodeOther", "/usr/bin/node\x00server.js", false},
		{"Empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAgentCmdline(tt.cmdline); got != tt.want {
				t.Errorf("IsAgentCmdline(%q) = %v, want %v", tt.cmdline, got, tt.want)
			}
		})
	}
}

func TestCleanCmdline(t *testing.T) {
	got := CleanCmdline("claude\x00--resume\x00abc\x00")
	if got != "claude --resume abc" {
		t.Errorf("CleanCmdline = %q", got)
	}
}

func TestPidAlive(t *testing.T) {
	if !PidAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if PidAlive(0) || PidAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
	// A pid far beyond the default pid_max range.
	if PidAlive(99999999) {
		t.Error("absurd pid should not be alive")
	}
}
