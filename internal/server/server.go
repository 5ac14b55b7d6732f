// Package server listens on the daemon's unix socket and runs one
// handler per connection: ingestion for session clients, subscription
// forwarding for viewers.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/agent-tmux-monitor/atm/internal/broker"
	"github.com/agent-tmux-monitor/atm/internal/protocol"
	"github.com/agent-tmux-monitor/atm/internal/registry"
	"github.com/agent-tmux-monitor/atm/internal/session"
)

// ErrTooManyClients names the refusal at MAX_CLIENTS. The server does not
// return it: a refused client receives a ServerHello with Accepted false
// and reason "capacity".
var ErrTooManyClients = errors.New("too many clients")

// ClientLimiter caps concurrent connections across all listeners that
// share it (socket server and web bridge).
type ClientLimiter struct {
	mu    sync.Mutex
	max   int
	count int
}

// NewClientLimiter creates a limiter admitting max concurrent clients.
func NewClientLimiter(max int) *ClientLimiter {
	return &ClientLimiter{max: max}
}

// Acquire claims a slot, reporting false at capacity.
func (l *ClientLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.max > 0 && l.count >= l.max {
		return false
	}
	l.count++
	return true
}

// Release frees a slot.
func (l *ClientLimiter) Release() {
	l.mu.Lock()
	if l.count > 0 {
		l.count--
	}
	l.mu.Unlock()
}

// Count reports the connections currently admitted.
func (l *ClientLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

type Server struct {
	reg     *registry.Registry
	brk     *broker.Broker
	limiter *ClientLimiter
}

func New(reg *registry.Registry, brk *broker.Broker, limiter *ClientLimiter) *Server {
	return &Server{reg: reg, brk: brk, limiter: limiter}
}

// ListenSocket binds the unix socket at path with 0600 permissions,
// replacing any stale socket file left by a previous run.
func ListenSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}
	return ln, nil
}

// Serve accepts connections until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn performs the handshake and runs the per-client loop.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()[:8]
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	lr := protocol.NewLineReader(conn)

	msg, err := lr.ReadMessage()
	if err != nil {
		log.Printf("WARN server: conn %s: handshake read: %v", connID, err)
		return
	}
	hello, ok := msg.(protocol.ClientHello)
	if !ok {
		protocol.WriteMessage(conn, protocol.NewError(protocol.CodeBadMessage, "expected client_hello"))
		return
	}

	if !protocol.CompatibleVersion(hello.ProtocolVersion) {
		log.Printf("WARN server: conn %s: protocol version %s not supported", connID, hello.ProtocolVersion)
		protocol.WriteMessage(conn, protocol.NewServerHello(false, "unsupported protocol version"))
		return
	}

	if !s.limiter.Acquire() {
		log.Printf("WARN server: conn %s: refused, client capacity reached", connID)
		protocol.WriteMessage(conn, protocol.NewServerHello(false, "capacity"))
		return
	}
	defer s.limiter.Release()

	if err := protocol.WriteMessage(conn, protocol.NewServerHello(true, "")); err != nil {
		return
	}

	switch hello.ClientType {
	case protocol.ClientSession:
		log.Printf("session client connected: %s", connID)
		s.ingest(ctx, connID, conn, lr)
		log.Printf("session client disconnected: %s", connID)
	case protocol.ClientViewer:
		log.Printf("viewer connected: %s", connID)
		s.forward(ctx, connID, conn, lr)
		log.Printf("viewer disconnected: %s", connID)
	}
}

// ingest reads lines from a session client and applies them to the
// registry in arrival order. Ingestion is fire-and-forget except for
// registration failures, which are reported back on the socket.
func (s *Server) ingest(ctx context.Context, connID string, conn net.Conn, lr *protocol.LineReader) {
	for {
		msg, err := lr.ReadMessage()
		switch {
		case err == nil:

		case errors.Is(err, io.EOF):
			return

		case errors.Is(err, protocol.ErrMessageTooLarge):
			log.Printf("WARN server: conn %s: message too large, closing", connID)
			protocol.WriteMessage(conn, protocol.NewError(protocol.CodeMessageTooLarge, "line exceeds 1 MiB"))
			return

		default:
			if ctx.Err() != nil {
				return
			}
			var missing protocol.MissingFieldError
			var unknown protocol.UnknownTypeError
			if errors.As(err, &missing) || errors.As(err, &unknown) {
				log.Printf("WARN server: conn %s: dropping message: %v", connID, err)
				protocol.WriteMessage(conn, protocol.NewError(protocol.CodeBadMessage, err.Error()))
				continue
			}
			// Malformed JSON drops the line; a transport error ends the
			// connection.
			if _, isNet := err.(net.Error); isNet {
				log.Printf("DEBUG server: conn %s: read: %v", connID, err)
				return
			}
			log.Printf("WARN server: conn %s: dropping malformed line: %v", connID, err)
			continue
		}

		s.apply(ctx, connID, conn, msg)
	}
}

// apply dispatches one ingested message to the registry.
func (s *Server) apply(ctx context.Context, connID string, conn net.Conn, msg any) {
	switch m := msg.(type) {
	case protocol.Register:
		err := s.reg.Register(ctx, registry.RegisterRequest{
			SessionID: m.SessionID,
			AgentType: m.AgentType,
			Model:     m.Model,
			Cwd:       m.Cwd,
			PID:       m.PID,
			TmuxPane:  m.TmuxPane,
		})
		switch {
		case errors.Is(err, registry.ErrAlreadyExists):
			log.Printf("INFO server: conn %s: register %s: already exists", connID, session.ID(m.SessionID).Short())
			protocol.WriteMessage(conn, protocol.NewError(protocol.CodeAlreadyExists, "session already registered"))
		case errors.Is(err, registry.ErrFull):
			log.Printf("INFO server: conn %s: register %s: registry full", connID, session.ID(m.SessionID).Short())
			protocol.WriteMessage(conn, protocol.NewError(protocol.CodeRegistryFull, "session limit reached"))
		}

	case protocol.StatusLine:
		if err := s.reg.ApplyStatusLine(ctx, session.ID(m.SessionID), m.Fields()); errors.Is(err, registry.ErrNotFound) {
			log.Printf("INFO server: conn %s: status_line for unknown session %s", connID, session.ID(m.SessionID).Short())
		}

	case protocol.HookEvent:
		if !session.KnownEvent(m.HookEventName) {
			log.Printf("WARN server: conn %s: unknown hook event %q", connID, m.HookEventName)
			return
		}
		if err := s.reg.ApplyHookEvent(ctx, session.ID(m.SessionID), m.Update()); errors.Is(err, registry.ErrNotFound) {
			log.Printf("INFO server: conn %s: %s for unknown session %s", connID, m.HookEventName, session.ID(m.SessionID).Short())
		}

	case protocol.Unregister:
		if err := s.reg.Unregister(ctx, session.ID(m.SessionID)); errors.Is(err, registry.ErrNotFound) {
			log.Printf("INFO server: conn %s: unregister for unknown session %s", connID, session.ID(m.SessionID).Short())
		}

	default:
		log.Printf("WARN server: conn %s: unexpected %T from session client", connID, msg)
	}
}

// forward subscribes the connection and streams the snapshot followed by
// Deltas until either side closes.
func (s *Server) forward(ctx context.Context, connID string, conn net.Conn, lr *protocol.LineReader) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshot, sub := s.brk.Subscribe(ctx)
	defer s.brk.Unsubscribe(sub)

	if err := protocol.WriteMessage(conn, snapshot); err != nil {
		log.Printf("DEBUG server: viewer %s: snapshot write: %v", connID, err)
		return
	}

	// Drain the read side so a closing viewer cancels the forwarder.
	go func() {
		for {
			if _, err := lr.ReadLine(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case delta, ok := <-sub.Deltas():
			if !ok {
				return
			}
			if err := protocol.WriteMessage(conn, delta); err != nil {
				log.Printf("DEBUG server: viewer %s: write: %v", connID, err)
				return
			}
		}
	}
}
