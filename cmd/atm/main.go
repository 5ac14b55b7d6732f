package main

import (
	"os"

	"github.com/agent-tmux-monitor/atm/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
