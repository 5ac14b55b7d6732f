package session

import "time"

// Hook event names emitted by the agent at lifecycle points.
const (
	EventPreToolUse         = "PreToolUse"
	EventPostToolUse        = "PostToolUse"
	EventPostToolUseFailure = "PostToolUseFailure"
	EventUserPromptSubmit   = "UserPromptSubmit"
	EventStop               = "Stop"
	EventSubagentStart      = "SubagentStart"
	EventSubagentStop       = "SubagentStop"
	EventSessionStart       = "SessionStart"
	EventSessionEnd         = "SessionEnd"
	EventPreCompact         = "PreCompact"
	EventSetup              = "Setup"
	EventNotification       = "Notification"
)

// Notification subtypes that change status.
const (
	NotifPermissionPrompt  = "permission_prompt"
	NotifIdlePrompt        = "idle_prompt"
	NotifElicitationDialog = "elicitation_dialog"
)

// interactiveTools block on the human operator.
var interactiveTools = map[string]bool{
	"AskUserQuestion": true,
	"EnterPlanMode":   true,
	"ExitPlanMode":    true,
}

// IsInteractiveTool reports whether invoking the tool blocks on the operator.
func IsInteractiveTool(name string) bool {
	return interactiveTools[name]
}

// KnownEvent reports whether name is one of the twelve hook event kinds.
func KnownEvent(name string) bool {
	switch name {
	case EventPreToolUse, EventPostToolUse, EventPostToolUseFailure,
		EventUserPromptSubmit, EventStop, EventSubagentStart, EventSubagentStop,
		EventSessionStart, EventSessionEnd, EventPreCompact, EventSetup,
		EventNotification:
		return true
	}
	return false
}

// HookUpdate carries the fields of a hook event that affect a record.
type HookUpdate struct {
	Event            string
	ToolName         string
	NotificationType string
	PID              int
	TmuxPane         string
	Cwd              string
}

// StatusFields carries the fields of a status-line report.
type StatusFields struct {
	UsedPercentage float64
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Model          string
	Duration       time.Duration
	LinesAdded     int
	LinesRemoved   int
}

// ApplyHookEvent runs the status state machine for one event. It returns
// true when the event ends the session and the record must be removed.
// Transitions are total: any event is valid in any state.
func (r *Record) ApplyHookEvent(up HookUpdate, now time.Time) (remove bool) {
	r.touch(up, now)

	switch up.Event {
	case EventPreToolUse:
		if IsInteractiveTool(up.ToolName) {
			r.Status = AttentionNeeded
		} else {
			r.Status = Working
		}
		r.CurrentActivity = &ActivityDetail{ToolName: up.ToolName, StartedAt: now}

	case EventPostToolUse, EventPostToolUseFailure:
		r.Status = Working
		r.CurrentActivity = &ActivityDetail{Context: "Thinking", StartedAt: now}

	case EventUserPromptSubmit:
		r.Status = Working
		r.CurrentActivity = nil

	case EventStop, EventSessionStart:
		r.Status = Idle
		r.CurrentActivity = nil

	case EventSessionEnd:
		return true

	case EventPreCompact:
		r.Status = Working
		r.CurrentActivity = &ActivityDetail{Context: "Compacting", StartedAt: now}

	case EventSetup:
		r.Status = Working
		r.CurrentActivity = &ActivityDetail{Context: "Setup", StartedAt: now}

	case EventNotification:
		switch up.NotificationType {
		case NotifPermissionPrompt:
			r.Status = AttentionNeeded
			r.CurrentActivity = &ActivityDetail{Context: "Permission", StartedAt: now}
		case NotifIdlePrompt:
			r.Status = Idle
			r.CurrentActivity = nil
		case NotifElicitationDialog:
			r.Status = AttentionNeeded
			r.CurrentActivity = &ActivityDetail{Context: "MCP Input", StartedAt: now}
		}
		// Other notification types leave status and activity unchanged.

	case EventSubagentStart:
		r.Status = Working
		r.SubagentDepth++

	case EventSubagentStop:
		r.Status = Working
		if r.SubagentDepth > 0 {
			r.SubagentDepth--
		}
	}

	return false
}

// ApplyStatusLine refreshes the high-frequency metrics. It promotes the
// session to Working unless it is waiting on the operator: a permission
// wait must not be clobbered by a cost tick. It never clears the current
// activity.
func (r *Record) ApplyStatusLine(f StatusFields, windowSize int, now time.Time) {
	r.Context.UsedPercentage = f.UsedPercentage
	r.Context.InputTokens = f.InputTokens
	r.Context.OutputTokens = f.OutputTokens
	if windowSize > 0 {
		r.Context.WindowSize = windowSize
	}
	r.Cost = CostFromUSD(f.CostUSD)
	r.Duration = f.Duration
	if f.Model != "" {
		r.Model = f.Model
	}
	if f.LinesAdded > 0 || f.LinesRemoved > 0 {
		r.LinesChanged = LinesChanged{Added: f.LinesAdded, Removed: f.LinesRemoved}
	}
	if r.Status != AttentionNeeded {
		r.Status = Working
	}
	r.LastActivity = now
}

// touch updates last_activity and absorbs the identity fields hook
// scripts inject on every event.
func (r *Record) touch(up HookUpdate, now time.Time) {
	r.LastActivity = now
	if up.PID > 0 {
		r.PID = up.PID
	}
	if up.TmuxPane != "" {
		r.TmuxPane = up.TmuxPane
	}
	if up.Cwd != "" {
		r.WorkingDirectory = up.Cwd
	}
}
