package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agent-tmux-monitor/atm/internal/broker"
	"github.com/agent-tmux-monitor/atm/internal/protocol"
	"github.com/agent-tmux-monitor/atm/internal/registry"
	"github.com/agent-tmux-monitor/atm/internal/session"
)

const testBroadcastInterval = 20 * time.Millisecond

// startStack runs the full daemon core (registry, pump, acceptor) on a
// socket in a temp dir and returns its path.
func startStack(t *testing.T, maxClients int) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "atm.sock")

	reg := registry.New(registry.Limits{
		MaxSessions:     100,
		StaleThreshold:  90 * time.Second,
		CleanupInterval: 30 * time.Second,
		MaxSessionAge:   24 * time.Hour,
	}, nil)
	brk := broker.New(reg, testBroadcastInterval, 100)
	srv := New(reg, brk, NewClientLimiter(maxClients))

	ln, err := ListenSocket(sock)
	if err != nil {
		t.Fatalf("ListenSocket: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 3)
	go func() { reg.Run(ctx); done <- struct{}{} }()
	go func() { brk.Run(ctx); done <- struct{}{} }()
	go func() { srv.Serve(ctx, ln); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		for i := 0; i < 3; i++ {
			<-done
		}
	})

	return sock
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *protocol.LineReader
}

// dial connects and completes the handshake, failing the test unless the
// server answers with the expected acceptance.
func dial(t *testing.T, sock, clientType, version string) (*testClient, protocol.ServerHello) {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn, reader: protocol.NewLineReader(conn)}
	c.send(protocol.ClientHello{Type: protocol.TypeClientHello, ProtocolVersion: version, ClientType: clientType})

	msg := c.read(time.Second)
	hello, ok := msg.(protocol.ServerHello)
	if !ok {
		t.Fatalf("handshake reply = %T", msg)
	}
	return c, hello
}

func dialSession(t *testing.T, sock string) *testClient {
	t.Helper()
	c, hello := dial(t, sock, protocol.ClientSession, protocol.Version)
	if !hello.Accepted {
		t.Fatalf("session handshake refused: %s", hello.Reason)
	}
	return c
}

// dialViewer connects a viewer and consumes the initial snapshot.
func dialViewer(t *testing.T, sock string) (*testClient, protocol.Snapshot) {
	t.Helper()
	c, hello := dial(t, sock, protocol.ClientViewer, protocol.Version)
	if !hello.Accepted {
		t.Fatalf("viewer handshake refused: %s", hello.Reason)
	}
	msg := c.read(time.Second)
	snapshot, ok := msg.(protocol.Snapshot)
	if !ok {
		t.Fatalf("expected snapshot, got %T", msg)
	}
	return c, snapshot
}

func (c *testClient) send(msg any) {
	c.t.Helper()
	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		c.t.Fatalf("send: %v", err)
	}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("send raw: %v", err)
	}
}

func (c *testClient) read(timeout time.Duration) any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	msg, err := c.reader.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return msg
}

// tryRead returns the next message or nil on timeout/close.
func (c *testClient) tryRead(timeout time.Duration) any {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	msg, err := c.reader.ReadMessage()
	if err != nil {
		return nil
	}
	return msg
}

// waitForView reads deltas until one carries a view for id matching the
// predicate. A read deadline error after a timeout poisons the
// underlying scanner, so the whole wait runs under one deadline.
func (c *testClient) waitForView(id string, pred func(session.View) bool) session.View {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.t.Fatalf("no matching view for %s: %v", id, err)
		}
		delta, ok := msg.(protocol.Delta)
		if !ok {
			continue
		}
		for _, v := range delta.Updated {
			if string(v.ID) == id && pred(v) {
				return v
			}
		}
	}
}

func registerMsg(id string) protocol.Register {
	return protocol.Register{
		Type:      protocol.TypeRegister,
		SessionID: id,
		AgentType: "general-purpose",
		Model:     "claude-opus-4.5",
	}
}

func TestRegisterThenIdle(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	time.Sleep(2 * testBroadcastInterval)

	_, snapshot := dialViewer(t, sock)
	if len(snapshot.Sessions) != 1 {
		t.Fatalf("snapshot sessions = %d", len(snapshot.Sessions))
	}
	v := snapshot.Sessions[0]
	if v.StatusLabel != "idle" || v.StatusIcon != "-" || v.ShouldBlink {
		t.Errorf("view = %q/%q/blink=%v, want idle/-/false", v.StatusLabel, v.StatusIcon, v.ShouldBlink)
	}
}

func TestInteractiveTool(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))

	viewer, _ := dialViewer(t, sock)

	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "PreToolUse", ToolName: "AskUserQuestion"})

	v := viewer.waitForView("S", func(v session.View) bool { return v.StatusLabel == "needs input" })
	if v.ActivityDetail != "AskUserQuestion" {
		t.Errorf("activity = %q", v.ActivityDetail)
	}
	if !v.ShouldBlink {
		t.Error("attention view should blink")
	}
}

func TestStandardToolThenResult(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	viewer, _ := dialViewer(t, sock)

	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "PreToolUse", ToolName: "Bash"})
	v := viewer.waitForView("S", func(v session.View) bool { return v.ActivityDetail == "Bash" })
	if v.StatusLabel != "working" {
		t.Errorf("label = %q, want working", v.StatusLabel)
	}

	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "PostToolUse"})
	v = viewer.waitForView("S", func(v session.View) bool { return v.ActivityDetail == "Thinking" })
	if v.StatusLabel != "working" {
		t.Errorf("label = %q, want working", v.StatusLabel)
	}
}

func TestStatusLineDoesNotClobberPermissionWait(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	viewer, _ := dialViewer(t, sock)

	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "Notification", NotificationType: "permission_prompt"})
	viewer.waitForView("S", func(v session.View) bool { return v.StatusLabel == "needs input" })

	sess.send(protocol.StatusLine{
		Type:          protocol.TypeStatusLine,
		SessionID:     "S",
		ContextWindow: protocol.ContextWindowFields{UsedPercentage: 42},
		Cost:          protocol.CostFields{TotalCostUSD: 0.1},
		Model:         protocol.ModelFields{ID: "claude-opus-4.5"},
	})

	v := viewer.waitForView("S", func(v session.View) bool { return v.ContextPercentage == 42 })
	if v.StatusLabel != "needs input" {
		t.Errorf("label = %q, status line must not demote attention", v.StatusLabel)
	}
}

func TestSessionEndDeliversRemoval(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	viewer, _ := dialViewer(t, sock)

	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "SessionEnd"})

	viewer.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		msg, err := viewer.reader.ReadMessage()
		if err != nil {
			t.Fatalf("removal never delivered: %v", err)
		}
		if delta, ok := msg.(protocol.Delta); ok {
			for _, id := range delta.Removed {
				if id == "S" {
					return
				}
			}
		}
	}
}

func TestRegisterFailureReply(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	sess.send(registerMsg("S"))

	msg := sess.read(time.Second)
	errMsg, ok := msg.(protocol.Error)
	if !ok {
		t.Fatalf("got %T, want Error", msg)
	}
	if errMsg.Code != protocol.CodeAlreadyExists {
		t.Errorf("code = %q", errMsg.Code)
	}
}

func TestClientCapacity(t *testing.T) {
	sock := startStack(t, 1)

	dialSession(t, sock)

	_, hello := dial(t, sock, protocol.ClientViewer, protocol.Version)
	if hello.Accepted {
		t.Fatal("connection over capacity should be refused")
	}
	if hello.Reason != "capacity" {
		t.Errorf("reason = %q", hello.Reason)
	}
}

func TestVersionMismatch(t *testing.T) {
	sock := startStack(t, 10)

	c, hello := dial(t, sock, protocol.ClientSession, "2.0")
	if hello.Accepted {
		t.Fatal("major version mismatch should be refused")
	}

	// The connection closes after the refusal.
	if msg := c.tryRead(200 * time.Millisecond); msg != nil {
		t.Errorf("unexpected message after refusal: %#v", msg)
	}
}

func TestMinorVersionAccepted(t *testing.T) {
	sock := startStack(t, 10)
	_, hello := dial(t, sock, protocol.ClientSession, "1.7")
	if !hello.Accepted {
		t.Errorf("minor version difference refused: %s", hello.Reason)
	}
}

func TestOversizedLineClosesConnectionButKeepsState(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	time.Sleep(2 * testBroadcastInterval)

	sess.sendRaw(`{"type":"hook_event","session_id":"S","hook_event_name":"Stop","message":"` +
		strings.Repeat("x", protocol.MaxMessageSize) + `"}`)

	msg := sess.tryRead(time.Second)
	if errMsg, ok := msg.(protocol.Error); !ok || errMsg.Code != protocol.CodeMessageTooLarge {
		t.Fatalf("got %#v, want message_too_large error", msg)
	}
	if msg := sess.tryRead(200 * time.Millisecond); msg != nil {
		t.Errorf("connection should be closed, got %#v", msg)
	}

	// Existing registry state survives the protocol violation.
	_, snapshot := dialViewer(t, sock)
	if len(snapshot.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1 preserved", len(snapshot.Sessions))
	}
}

func TestMalformedLineKeepsConnectionAlive(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	viewer, _ := dialViewer(t, sock)

	sess.sendRaw(`{this is not json`)
	sess.sendRaw(`{"type":"hook_event","session_id":"S"}`) // missing hook_event_name

	// The same connection still ingests valid events afterwards.
	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "PreToolUse", ToolName: "Bash"})
	viewer.waitForView("S", func(v session.View) bool { return v.ActivityDetail == "Bash" })
}

func TestHookEventForUnknownSession(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "ghost", HookEventName: "SessionEnd"})

	// No state change and the connection stays up.
	sess.send(registerMsg("S"))
	time.Sleep(2 * testBroadcastInterval)
	_, snapshot := dialViewer(t, sock)
	if len(snapshot.Sessions) != 1 || snapshot.Sessions[0].ID != "S" {
		t.Errorf("snapshot = %+v", snapshot.Sessions)
	}
}

func TestHandshakeRequired(t *testing.T) {
	sock := startStack(t, 10)

	conn, err := net.DialTimeout("unix", sock, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	protocol.WriteMessage(conn, registerMsg("S"))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	reader := protocol.NewLineReader(conn)
	msg, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if errMsg, ok := msg.(protocol.Error); !ok || errMsg.Code != protocol.CodeBadMessage {
		t.Errorf("got %#v, want bad_message error", msg)
	}
}

func TestSocketPermissions(t *testing.T) {
	sock := startStack(t, 10)

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket permissions = %o, want 600", perm)
	}
}

func TestIngestOrdering(t *testing.T) {
	sock := startStack(t, 10)

	sess := dialSession(t, sock)
	sess.send(registerMsg("S"))
	viewer, _ := dialViewer(t, sock)

	// A rapid sequence from one connection lands in order; the final
	// state reflects the last message sent.
	for i := 0; i < 20; i++ {
		sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "PreToolUse", ToolName: fmt.Sprintf("Tool%d", i)})
	}
	sess.send(protocol.HookEvent{Type: protocol.TypeHookEvent, SessionID: "S", HookEventName: "Stop"})

	v := viewer.waitForView("S", func(v session.View) bool { return v.StatusLabel == "idle" })
	if v.ActivityDetail != "" {
		t.Errorf("idle view retains activity %q", v.ActivityDetail)
	}
}
