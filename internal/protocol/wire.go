package protocol

import (
	"encoding/json"
	"fmt"
)

// wireRecord is the flat wire-layer form: one record with every possible
// field optional. Unknown fields are ignored, which lets new hook variants
// arrive without a schema change; the conversion to a domain message
// validates what the discriminant actually requires.
//
// model is a raw message because register carries it as a string while
// status_line carries an object with an id.
type wireRecord struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientType      string `json:"client_type"`

	SessionID string          `json:"session_id"`
	AgentType string          `json:"agent_type"`
	Model     json.RawMessage `json:"model"`
	Cwd       string          `json:"cwd"`
	PID       int             `json:"pid"`
	TmuxPane  string          `json:"tmux_pane"`

	ContextWindow   *ContextWindowFields `json:"context_window"`
	Cost            *CostFields          `json:"cost"`
	DurationSeconds float64              `json:"duration_seconds"`
	LinesChanged    *LinesChangedFields  `json:"lines_changed"`

	HookEventName    string          `json:"hook_event_name"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	Prompt           string          `json:"prompt"`
	StopHookActive   bool            `json:"stop_hook_active"`
	AgentID          string          `json:"agent_id"`
	Source           string          `json:"source"`
	Reason           string          `json:"reason"`
	Trigger          string          `json:"trigger"`
	NotificationType string          `json:"notification_type"`
	Message          string          `json:"message"`

	Accepted bool   `json:"accepted"`
	Code     string `json:"code"`
}

// modelID extracts the model identifier from either wire form.
func (w *wireRecord) modelID() string {
	if len(w.Model) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(w.Model, &s); err == nil {
		return s
	}
	var obj ModelFields
	if err := json.Unmarshal(w.Model, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// Decode parses one line into a typed domain message. It is total over
// inputs within the size limit: every outcome is either a message or a
// typed error.
func Decode(line []byte) (any, error) {
	var w wireRecord
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	switch w.Type {
	case TypeClientHello:
		if w.ProtocolVersion == "" {
			return nil, MissingFieldError{"protocol_version"}
		}
		if w.ClientType != ClientSession && w.ClientType != ClientViewer {
			return nil, MissingFieldError{"client_type"}
		}
		return ClientHello{Type: w.Type, ProtocolVersion: w.ProtocolVersion, ClientType: w.ClientType}, nil

	case TypeRegister:
		if w.SessionID == "" {
			return nil, MissingFieldError{"session_id"}
		}
		if w.AgentType == "" {
			return nil, MissingFieldError{"agent_type"}
		}
		model := w.modelID()
		if model == "" {
			return nil, MissingFieldError{"model"}
		}
		return Register{
			Type:      w.Type,
			SessionID: w.SessionID,
			AgentType: w.AgentType,
			Model:     model,
			Cwd:       w.Cwd,
			PID:       w.PID,
			TmuxPane:  w.TmuxPane,
		}, nil

	case TypeStatusLine:
		if w.SessionID == "" {
			return nil, MissingFieldError{"session_id"}
		}
		if w.ContextWindow == nil {
			return nil, MissingFieldError{"context_window"}
		}
		if w.Cost == nil {
			return nil, MissingFieldError{"cost"}
		}
		model := w.modelID()
		if model == "" {
			return nil, MissingFieldError{"model"}
		}
		return StatusLine{
			Type:            w.Type,
			SessionID:       w.SessionID,
			ContextWindow:   *w.ContextWindow,
			Cost:            *w.Cost,
			Model:           ModelFields{ID: model},
			DurationSeconds: w.DurationSeconds,
			LinesChanged:    w.LinesChanged,
		}, nil

	case TypeHookEvent:
		if w.SessionID == "" {
			return nil, MissingFieldError{"session_id"}
		}
		if w.HookEventName == "" {
			return nil, MissingFieldError{"hook_event_name"}
		}
		if w.HookEventName == "PreToolUse" && w.ToolName == "" {
			return nil, MissingFieldError{"tool_name"}
		}
		return HookEvent{
			Type:             w.Type,
			SessionID:        w.SessionID,
			HookEventName:    w.HookEventName,
			ToolName:         w.ToolName,
			NotificationType: w.NotificationType,
			Message:          w.Message,
			Prompt:           w.Prompt,
			Source:           w.Source,
			Reason:           w.Reason,
			PID:              w.PID,
			TmuxPane:         w.TmuxPane,
			Cwd:              w.Cwd,
		}, nil

	case TypeUnregister:
		if w.SessionID == "" {
			return nil, MissingFieldError{"session_id"}
		}
		return Unregister{Type: w.Type, SessionID: w.SessionID}, nil

	case TypeServerHello:
		if w.ProtocolVersion == "" {
			return nil, MissingFieldError{"protocol_version"}
		}
		return ServerHello{Type: w.Type, ProtocolVersion: w.ProtocolVersion, Accepted: w.Accepted, Reason: w.Reason}, nil

	case TypeSnapshot:
		var msg Snapshot
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parsing snapshot: %w", err)
		}
		return msg, nil

	case TypeDelta:
		var msg Delta
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parsing delta: %w", err)
		}
		return msg, nil

	case TypeError:
		if w.Code == "" {
			return nil, MissingFieldError{"code"}
		}
		return Error{Type: w.Type, Code: w.Code, Message: w.Message}, nil

	case "":
		return nil, MissingFieldError{"type"}

	default:
		return nil, UnknownTypeError{w.Type}
	}
}
