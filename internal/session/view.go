package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// View is the read-only projection of a Record delivered to viewers.
// Views are recomputed on demand and carry no identity of their own.
type View struct {
	ID                ID      `json:"id"`
	IDShort           string  `json:"id_short"`
	AgentType         string  `json:"agent_type"`
	AgentLabel        string  `json:"agent_label"`
	Model             string  `json:"model"`
	Status            Status  `json:"status"`
	StatusLabel       string  `json:"status_label"`
	StatusIcon        string  `json:"status_icon"`
	ShouldBlink       bool    `json:"should_blink"`
	ActivityDetail    string  `json:"activity_detail,omitempty"`
	ContextPercentage float64 `json:"context_percentage"`
	CostDisplay       string  `json:"cost_display"`
	DurationDisplay   string  `json:"duration_display"`
	LinesAdded        int     `json:"lines_added"`
	LinesRemoved      int     `json:"lines_removed"`
	WorkingDirectory  string  `json:"working_directory,omitempty"`
	TmuxPane          string  `json:"tmux_pane,omitempty"`
	PID               int     `json:"pid,omitempty"`
	AgeDisplay        string  `json:"age_display"`
	LastActivityAgo   string  `json:"last_activity_ago"`
	IsStale           bool    `json:"is_stale"`
	SubagentDepth     int     `json:"subagent_depth,omitempty"`
}

const (
	iconIdle      = "-"
	iconWorking   = "*"
	iconAttention = "!"

	maxCwdDisplay = 32
)

var statusLabels = map[Status]string{
	Idle:            "idle",
	Working:         "working",
	AttentionNeeded: "needs input",
}

var statusIcons = map[Status]string{
	Idle:            iconIdle,
	Working:         iconWorking,
	AttentionNeeded: iconAttention,
}

// NewView projects a record at the given instant. staleThreshold feeds the
// derived staleness predicate.
func NewView(r *Record, now time.Time, staleThreshold time.Duration) View {
	v := View{
		ID:                r.ID,
		IDShort:           r.ID.Short(),
		AgentType:         string(r.AgentType),
		AgentLabel:        r.AgentType.Label(),
		Model:             r.Model,
		Status:            r.Status,
		StatusLabel:       statusLabels[r.Status],
		StatusIcon:        statusIcons[r.Status],
		ShouldBlink:       r.Status == AttentionNeeded,
		ContextPercentage: roundPct(r.Context.UsagePercentage()),
		CostDisplay:       fmt.Sprintf("$%.2f", r.Cost.USD()),
		DurationDisplay:   FormatDuration(r.Duration),
		LinesAdded:        r.LinesChanged.Added,
		LinesRemoved:      r.LinesChanged.Removed,
		WorkingDirectory:  TruncateDir(r.WorkingDirectory),
		TmuxPane:          r.TmuxPane,
		PID:               r.PID,
		AgeDisplay:        FormatDuration(r.Age(now)),
		LastActivityAgo:   FormatDuration(now.Sub(r.LastActivity)),
		IsStale:           r.IsStale(now, staleThreshold),
		SubagentDepth:     r.SubagentDepth,
	}
	if r.CurrentActivity != nil {
		v.ActivityDetail = r.CurrentActivity.Display()
	}
	return v
}

func roundPct(p float64) float64 {
	return float64(int(p*10+0.5)) / 10
}

// FormatDuration renders a duration compactly: 42s, 4m, 1h12m, 2d3h.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		days := int(d.Hours()) / 24
		h := int(d.Hours()) - days*24
		if h == 0 {
			return fmt.Sprintf("%dd", days)
		}
		return fmt.Sprintf("%dd%dh", days, h)
	}
}

// TruncateDir abbreviates the home directory to ~ and keeps the trailing
// path components that fit the display budget.
func TruncateDir(dir string) string {
	if dir == "" {
		return ""
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if dir == home {
			dir = "~"
		} else if strings.HasPrefix(dir, home+string(filepath.Separator)) {
			dir = "~" + dir[len(home):]
		}
	}
	if len(dir) <= maxCwdDisplay {
		return dir
	}
	prefix := "…" + string(filepath.Separator)
	parts := strings.Split(dir, string(filepath.Separator))
	kept := parts[len(parts)-1]
	for i := len(parts) - 2; i >= 0; i-- {
		next := parts[i] + string(filepath.Separator) + kept
		if len(prefix)+len(next) > maxCwdDisplay {
			break
		}
		kept = next
	}
	return prefix + kept
}
