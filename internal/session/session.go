// Package session defines the per-session data model: the canonical
// SessionRecord, the three-state status machine driven by hook events,
// and the derived SessionView projection sent to viewers.
package session

import (
	"encoding/json"
	"time"
)

// ID is the opaque session identifier supplied by the agent.
// Equality is byte-exact; Short is for display only.
type ID string

const shortIDLen = 8

// Short returns the first eight characters of the id.
func (id ID) Short() string {
	if len(id) <= shortIDLen {
		return string(id)
	}
	return string(id[:shortIDLen])
}

type Status int

const (
	Idle Status = iota
	Working
	AttentionNeeded
)

var statusNames = map[Status]string{
	Idle:            "idle",
	Working:         "working",
	AttentionNeeded: "attention_needed",
}

var statusFromName = map[string]Status{
	"idle":             Idle,
	"working":          Working,
	"attention_needed": AttentionNeeded,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if v, ok := statusFromName[name]; ok {
		*s = v
	}
	return nil
}

// AgentType identifies the kind of agent driving the session.
type AgentType string

var agentLabels = map[AgentType]string{
	"general-purpose": "agent",
	"code-reviewer":   "review",
	"output-style":    "style",
	"plan":            "plan",
}

// Label returns a short display name for the agent type.
func (a AgentType) Label() string {
	if l, ok := agentLabels[a]; ok {
		return l
	}
	if a == "" {
		return "agent"
	}
	return string(a)
}

// Cost is a fixed-point USD amount in hundredths of a cent.
type Cost int64

// CostFromUSD converts a floating-point dollar amount to fixed point.
func CostFromUSD(usd float64) Cost {
	return Cost(usd*10000 + 0.5)
}

// USD returns the amount in dollars.
func (c Cost) USD() float64 {
	return float64(c) / 10000
}

// ContextUsage tracks the session's context-window consumption. The token
// sum may exceed WindowSize; it is a best-effort ratio for display.
type ContextUsage struct {
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	WindowSize     int     `json:"window_size"`
	UsedPercentage float64 `json:"used_percentage"`
}

// UsagePercentage returns the display ratio clamped to [0,100]. The
// reported used_percentage wins when present; otherwise it is derived
// from the token counts.
func (c ContextUsage) UsagePercentage() float64 {
	pct := c.UsedPercentage
	if pct == 0 && c.WindowSize > 0 {
		pct = float64(c.InputTokens+c.OutputTokens) / float64(c.WindowSize) * 100
	}
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// LinesChanged counts lines added and removed by the session so far.
type LinesChanged struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// ActivityDetail describes what a working session is currently doing.
// At least one of ToolName/Context is set.
type ActivityDetail struct {
	ToolName  string    `json:"tool_name,omitempty"`
	Context   string    `json:"context,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Display prefers the tool name over freeform context.
func (a ActivityDetail) Display() string {
	if a.ToolName != "" {
		return a.ToolName
	}
	return a.Context
}

// Record is the canonical per-session entity. It is owned solely by the
// registry actor; all mutation happens through the Apply* methods under
// the actor's serialization.
type Record struct {
	ID               ID
	AgentType        AgentType
	Model            string
	Status           Status
	CurrentActivity  *ActivityDetail
	Context          ContextUsage
	Cost             Cost
	Duration         time.Duration
	LinesChanged     LinesChanged
	StartedAt        time.Time
	LastActivity     time.Time
	WorkingDirectory string
	PID              int
	TmuxPane         string
	SubagentDepth    int
}

// NewRecord creates a record in the Idle state. windowSize comes from the
// model table at registration time.
func NewRecord(id ID, agentType AgentType, model, cwd string, pid int, pane string, windowSize int, now time.Time) *Record {
	return &Record{
		ID:               id,
		AgentType:        agentType,
		Model:            model,
		Status:           Idle,
		Context:          ContextUsage{WindowSize: windowSize},
		StartedAt:        now,
		LastActivity:     now,
		WorkingDirectory: cwd,
		PID:              pid,
		TmuxPane:         pane,
	}
}

// IsStale reports whether no event has been observed within threshold.
// Staleness is derived at view time, never stored.
func (r *Record) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.LastActivity) > threshold
}

// Age returns wall-clock time since the session registered.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(r.StartedAt)
}

// Clone returns a deep copy that can be read outside the actor.
func (r *Record) Clone() *Record {
	c := *r
	if r.CurrentActivity != nil {
		a := *r.CurrentActivity
		c.CurrentActivity = &a
	}
	return &c
}
