// Package logging routes the daemon's log output to a rotating file
// under the XDG state directory.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agent-tmux-monitor/atm/internal/config"
)

// Setup directs the standard logger at a rotating file. With alsoStderr
// set (foreground mode) output is teed to stderr as well. The returned
// closer flushes and releases the file.
func Setup(cfg config.LogConfig, alsoStderr bool) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	var out io.Writer = rotator
	if alsoStderr {
		out = io.MultiWriter(os.Stderr, rotator)
	}

	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	return rotator, nil
}
