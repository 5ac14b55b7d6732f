// Package hookfwd is the client side of the monitor: it forwards hook
// events and status-line reports from stdin to the daemon socket. By
// contract it must never fail the host agent — every path degrades to a
// silent no-op within the send deadline.
package hookfwd

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/agent-tmux-monitor/atm/internal/protocol"
)

// SendTimeout bounds the whole dial-and-write exchange.
const SendTimeout = 100 * time.Millisecond

// Forwarder carries the per-invocation environment the hook scripts
// would otherwise inject.
type Forwarder struct {
	SocketPath string
	PID        int    // host agent pid; defaults to the parent process
	TmuxPane   string // defaults to $TMUX_PANE
	Now        func() time.Time
}

// NewForwarder builds a forwarder for the given socket, reading pane and
// pid from the process environment.
func NewForwarder(socketPath string) *Forwarder {
	return &Forwarder{
		SocketPath: socketPath,
		PID:        os.Getppid(),
		TmuxPane:   os.Getenv("TMUX_PANE"),
		Now:        time.Now,
	}
}

// ForwardHook reads one hook event object from r, injects pid and
// tmux_pane, and sends it. A SessionStart or Setup event is preceded by
// a register message so the daemon learns the session on first contact.
func (f *Forwarder) ForwardHook(r io.Reader) error {
	fields, err := f.readObject(r)
	if err != nil {
		return err
	}
	fields["type"] = protocol.TypeHookEvent

	var lines [][]byte

	if name, _ := fields["hook_event_name"].(string); name == "SessionStart" || name == "Setup" {
		reg := f.registerFrom(fields)
		if reg != nil {
			line, err := protocol.Encode(reg)
			if err != nil {
				return err
			}
			lines = append(lines, line)
		}
	}

	line, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	lines = append(lines, append(line, '\n'))

	return f.send(lines)
}

// ForwardStatusLine reads one status-line object from r, forwards it,
// and writes the rendered one-line summary for the host's status bar to
// w. The render happens even when the daemon is unreachable.
func (f *Forwarder) ForwardStatusLine(r io.Reader, w io.Writer) error {
	fields, err := f.readObject(r)
	if err != nil {
		return err
	}
	fields["type"] = protocol.TypeStatusLine

	fmt.Fprintln(w, renderStatusLine(fields))

	line, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return f.send([][]byte{append(line, '\n')})
}

// readObject decodes a single JSON object, capping input at the
// protocol's message size.
func (f *Forwarder) readObject(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(r, protocol.MaxMessageSize))
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	if _, ok := fields["pid"]; !ok && f.PID > 0 {
		fields["pid"] = f.PID
	}
	if _, ok := fields["tmux_pane"]; !ok && f.TmuxPane != "" {
		fields["tmux_pane"] = f.TmuxPane
	}
	return fields, nil
}

// registerFrom derives a register message from a session-start event's
// fields. Returns nil when no session id is present.
func (f *Forwarder) registerFrom(fields map[string]any) *protocol.Register {
	id, _ := fields["session_id"].(string)
	if id == "" {
		return nil
	}
	agentType, _ := fields["agent_type"].(string)
	if agentType == "" {
		agentType = "general-purpose"
	}
	model, _ := fields["model"].(string)
	if model == "" {
		model = "unknown"
	}
	cwd, _ := fields["cwd"].(string)
	pid, _ := fields["pid"].(int)
	if pid == 0 {
		if pf, ok := fields["pid"].(float64); ok {
			pid = int(pf)
		}
	}
	pane, _ := fields["tmux_pane"].(string)
	return &protocol.Register{
		Type:      protocol.TypeRegister,
		SessionID: id,
		AgentType: agentType,
		Model:     model,
		Cwd:       cwd,
		PID:       pid,
		TmuxPane:  pane,
	}
}

// send performs hello + payload writes within the send deadline. The
// caller treats any error as advisory; the hook contract forbids
// propagating it to the host.
func (f *Forwarder) send(lines [][]byte) error {
	deadline := f.Now().Add(SendTimeout)

	conn, err := net.DialTimeout("unix", f.SocketPath, SendTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	hello := protocol.ClientHello{
		Type:            protocol.TypeClientHello,
		ProtocolVersion: protocol.Version,
		ClientType:      protocol.ClientSession,
	}
	if err := protocol.WriteMessage(conn, hello); err != nil {
		return err
	}

	for _, line := range lines {
		if _, err := conn.Write(line); err != nil {
			return err
		}
	}
	return nil
}

// renderStatusLine formats the summary shown in the host's status bar:
// model, context percentage, cost.
func renderStatusLine(fields map[string]any) string {
	model := "?"
	if m, ok := fields["model"].(map[string]any); ok {
		if id, ok := m["id"].(string); ok && id != "" {
			model = id
		}
		if name, ok := m["display_name"].(string); ok && name != "" {
			model = name
		}
	}

	pct := 0.0
	if cw, ok := fields["context_window"].(map[string]any); ok {
		if p, ok := cw["used_percentage"].(float64); ok {
			pct = p
		}
	}

	cost := 0.0
	if c, ok := fields["cost"].(map[string]any); ok {
		if v, ok := c["total_cost_usd"].(float64); ok {
			cost = v
		}
	}

	return fmt.Sprintf("%s | ctx %.0f%% | $%.2f", model, pct, cost)
}
