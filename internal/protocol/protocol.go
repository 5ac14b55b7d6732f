// Package protocol implements the line-delimited JSON message protocol
// spoken over the daemon's unix socket. Parsing is split into a flat wire
// layer that accepts every hook variant and a typed domain layer produced
// by validated conversion.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agent-tmux-monitor/atm/internal/session"
)

// Version is the protocol version the daemon speaks. Major must match;
// minor differences are forward-compatible.
const Version = "1.0"

// MaxMessageSize is the per-line byte cap. A longer line closes the
// connection.
const MaxMessageSize = 1 << 20

// Message type discriminators.
const (
	TypeClientHello = "client_hello"
	TypeRegister    = "register"
	TypeStatusLine  = "status_line"
	TypeHookEvent   = "hook_event"
	TypeUnregister  = "unregister"
	TypeServerHello = "server_hello"
	TypeSnapshot    = "snapshot"
	TypeDelta       = "delta"
	TypeError       = "error"
)

// Client types announced in the handshake.
const (
	ClientSession = "session"
	ClientViewer  = "viewer"
)

// Error codes carried by Error messages.
const (
	CodeBadMessage      = "bad_message"
	CodeMessageTooLarge = "message_too_large"
	CodeVersionMismatch = "version_mismatch"
	CodeAlreadyExists   = "already_exists"
	CodeRegistryFull    = "registry_full"
	CodeNotFound        = "not_found"
)

var (
	ErrMessageTooLarge = errors.New("message exceeds size limit")
	ErrVersionMismatch = errors.New("unsupported protocol version")
)

// MissingFieldError reports a wire record that lacks a field required by
// its discriminant.
type MissingFieldError struct {
	Field string
}

func (e MissingFieldError) Error() string {
	return "missing field: " + e.Field
}

// UnknownTypeError reports an unrecognized type discriminator.
type UnknownTypeError struct {
	Type string
}

func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// CompatibleVersion reports whether the client's version can be served.
// Major must match; minor may differ.
func CompatibleVersion(client string) bool {
	return major(client) == major(Version)
}

func major(v string) string {
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// ClientHello opens every connection and pins the protocol version for
// its lifetime.
type ClientHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientType      string `json:"client_type"`
}

// ServerHello answers the handshake. Reason is set when not accepted.
type ServerHello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
}

// Register announces a new session.
type Register struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	AgentType string `json:"agent_type"`
	Model     string `json:"model"`
	Cwd       string `json:"cwd,omitempty"`
	PID       int    `json:"pid,omitempty"`
	TmuxPane  string `json:"tmux_pane,omitempty"`
}

// ContextWindowFields mirrors the status-line context_window object.
type ContextWindowFields struct {
	UsedPercentage    float64 `json:"used_percentage"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
}

// CostFields mirrors the status-line cost object.
type CostFields struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// ModelFields mirrors the status-line model object.
type ModelFields struct {
	ID string `json:"id"`
}

// LinesChangedFields mirrors the optional status-line lines object.
type LinesChangedFields struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// StatusLine is the high-frequency context/cost/model report.
type StatusLine struct {
	Type            string              `json:"type"`
	SessionID       string              `json:"session_id"`
	ContextWindow   ContextWindowFields `json:"context_window"`
	Cost            CostFields          `json:"cost"`
	Model           ModelFields         `json:"model"`
	DurationSeconds float64             `json:"duration_seconds"`
	LinesChanged    *LinesChangedFields `json:"lines_changed,omitempty"`
}

// Fields converts the message into the session-layer update.
func (s StatusLine) Fields() session.StatusFields {
	f := session.StatusFields{
		UsedPercentage: s.ContextWindow.UsedPercentage,
		InputTokens:    s.ContextWindow.TotalInputTokens,
		OutputTokens:   s.ContextWindow.TotalOutputTokens,
		CostUSD:        s.Cost.TotalCostUSD,
		Model:          s.Model.ID,
		Duration:       time.Duration(s.DurationSeconds * float64(time.Second)),
	}
	if s.LinesChanged != nil {
		f.LinesAdded = s.LinesChanged.Added
		f.LinesRemoved = s.LinesChanged.Removed
	}
	return f
}

// HookEvent is one of the twelve lifecycle events. Only session_id and
// hook_event_name are universally required; the rest depend on the kind.
type HookEvent struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	HookEventName    string `json:"hook_event_name"`
	ToolName         string `json:"tool_name,omitempty"`
	NotificationType string `json:"notification_type,omitempty"`
	Message          string `json:"message,omitempty"`
	Prompt           string `json:"prompt,omitempty"`
	Source           string `json:"source,omitempty"`
	Reason           string `json:"reason,omitempty"`
	PID              int    `json:"pid,omitempty"`
	TmuxPane         string `json:"tmux_pane,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
}

// Update converts the event into the session-layer update.
func (h HookEvent) Update() session.HookUpdate {
	return session.HookUpdate{
		Event:            h.HookEventName,
		ToolName:         h.ToolName,
		NotificationType: h.NotificationType,
		PID:              h.PID,
		TmuxPane:         h.TmuxPane,
		Cwd:              h.Cwd,
	}
}

// Unregister removes a session explicitly.
type Unregister struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// Snapshot carries the full registry state to a freshly subscribed viewer.
type Snapshot struct {
	Type     string         `json:"type"`
	Sessions []session.View `json:"sessions"`
}

// Delta carries the views updated since the previous broadcast tick and
// the ids removed. Views always hold current values, so a lost Delta is
// superseded by the next one.
type Delta struct {
	Type    string         `json:"type"`
	Updated []session.View `json:"updated"`
	Removed []string       `json:"removed,omitempty"`
}

// Error reports a protocol or registry failure to the peer.
type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// NewServerHello builds an accepted or refused handshake reply.
func NewServerHello(accepted bool, reason string) ServerHello {
	return ServerHello{Type: TypeServerHello, ProtocolVersion: Version, Accepted: accepted, Reason: reason}
}

// NewError builds an Error message.
func NewError(code, msg string) Error {
	return Error{Type: TypeError, Code: code, Message: msg}
}

// NewSnapshot builds a Snapshot message.
func NewSnapshot(views []session.View) Snapshot {
	if views == nil {
		views = []session.View{}
	}
	return Snapshot{Type: TypeSnapshot, Sessions: views}
}

// NewDelta builds a Delta message.
func NewDelta(updated []session.View, removed []string) Delta {
	if updated == nil {
		updated = []session.View{}
	}
	return Delta{Type: TypeDelta, Updated: updated, Removed: removed}
}
