package session

import (
	"strings"
	"testing"
	"time"
)

func TestIDShort(t *testing.T) {
	if got := ID("abcdef1234567890").Short(); got != "abcdef12" {
		t.Errorf("Short() = %q", got)
	}
	if got := ID("abc").Short(); got != "abc" {
		t.Errorf("Short() on short id = %q", got)
	}
}

func TestNewView_StatusPresentation(t *testing.T) {
	tests := []struct {
		status    Status
		wantLabel string
		wantIcon  string
		wantBlink bool
	}{
		{Idle, "idle", "-", false},
		{Working, "working", "*", false},
		{AttentionNeeded, "needs input", "!", true},
	}

	for _, tt := range tests {
		t.Run(tt.wantLabel, func(t *testing.T) {
			r := newTestRecord()
			r.Status = tt.status
			v := NewView(r, t0.Add(time.Second), 90*time.Second)
			if v.StatusLabel != tt.wantLabel {
				t.Errorf("label = %q, want %q", v.StatusLabel, tt.wantLabel)
			}
			if v.StatusIcon != tt.wantIcon {
				t.Errorf("icon = %q, want %q", v.StatusIcon, tt.wantIcon)
			}
			if v.ShouldBlink != tt.wantBlink {
				t.Errorf("blink = %v, want %v", v.ShouldBlink, tt.wantBlink)
			}
		})
	}
}

func TestNewView_Fields(t *testing.T) {
	r := newTestRecord()
	r.ApplyStatusLine(StatusFields{
		UsedPercentage: 37.25,
		InputTokens:    24113,
		OutputTokens:   8221,
		CostUSD:        0.142,
		Duration:       412 * time.Second,
	}, 200000, t0.Add(10*time.Second))

	v := NewView(r, t0.Add(15*time.Second), 90*time.Second)

	if v.IDShort != "abcdef12" {
		t.Errorf("id short = %q", v.IDShort)
	}
	if v.ContextPercentage != 37.3 {
		t.Errorf("context pct = %v, want 37.3", v.ContextPercentage)
	}
	if v.CostDisplay != "$0.14" {
		t.Errorf("cost display = %q", v.CostDisplay)
	}
	if v.DurationDisplay != "6m" {
		t.Errorf("duration display = %q", v.DurationDisplay)
	}
	if v.LastActivityAgo != "5s" {
		t.Errorf("last activity ago = %q", v.LastActivityAgo)
	}
	if v.IsStale {
		t.Error("fresh record marked stale")
	}
}

func TestNewView_StaleIsDerived(t *testing.T) {
	r := newTestRecord()
	v := NewView(r, t0.Add(2*time.Minute), 90*time.Second)
	if !v.IsStale {
		t.Error("view should be stale after threshold")
	}
	if r.Status != Idle {
		t.Error("staleness must not mutate the record's status")
	}
}

func TestUsagePercentageClamps(t *testing.T) {
	tests := []struct {
		name string
		ctx  ContextUsage
		want float64
	}{
		{"Reported", ContextUsage{UsedPercentage: 37.2, WindowSize: 200000}, 37.2},
		{"DerivedFromTokens", ContextUsage{InputTokens: 50000, OutputTokens: 50000, WindowSize: 200000}, 50},
		{"OverWindow", ContextUsage{InputTokens: 300000, OutputTokens: 0, WindowSize: 200000}, 100},
		{"ReportedOver100", ContextUsage{UsedPercentage: 140}, 100},
		{"Negative", ContextUsage{UsedPercentage: -3}, 0},
		{"NoWindow", ContextUsage{InputTokens: 100}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.UsagePercentage(); got != tt.want {
				t.Errorf("UsagePercentage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{4 * time.Minute, "4m"},
		{72 * time.Minute, "1h12m"},
		{2 * time.Hour, "2h"},
		{51 * time.Hour, "2d3h"},
		{48 * time.Hour, "2d"},
		{-5 * time.Second, "0s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncateDir(t *testing.T) {
	if got := TruncateDir(""); got != "" {
		t.Errorf("empty dir = %q", got)
	}
	if got := TruncateDir("/srv/app"); got != "/srv/app" {
		t.Errorf("short dir = %q", got)
	}
	long := "/very/long/path/to/some/deeply/nested/project/dir"
	got := TruncateDir(long)
	if len(got) > maxCwdDisplay {
		t.Errorf("truncated dir too long: %q (%d)", got, len(got))
	}
	if !strings.HasSuffix(got, "dir") {
		t.Errorf("should keep trailing component: %q", got)
	}
	if !strings.HasPrefix(got, "…") {
		t.Errorf("should mark truncation: %q", got)
	}
}

func TestAgentTypeLabel(t *testing.T) {
	if got := AgentType("general-purpose").Label(); got != "agent" {
		t.Errorf("label = %q", got)
	}
	if got := AgentType("").Label(); got != "agent" {
		t.Errorf("empty label = %q", got)
	}
	if got := AgentType("custom-thing").Label(); got != "custom-thing" {
		t.Errorf("unknown label = %q", got)
	}
}
