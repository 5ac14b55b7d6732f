// Package web mirrors the viewer subscription stream over a WebSocket
// endpoint so a browser dashboard can follow the registry. Bridge
// clients count against the same capacity limit as socket clients.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-tmux-monitor/atm/internal/broker"
	"github.com/agent-tmux-monitor/atm/internal/server"
)

const writeTimeout = 10 * time.Second

type Bridge struct {
	addr    string
	brk     *broker.Broker
	limiter *server.ClientLimiter
}

func NewBridge(addr string, brk *broker.Broker, limiter *server.ClientLimiter) *Bridge {
	return &Bridge{addr: addr, brk: brk, limiter: limiter}
}

// Serve runs the bridge's HTTP server until ctx ends.
func (b *Bridge) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)

	srv := &http.Server{
		Addr:        b.addr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed || ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return isLoopbackOrigin(r) },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARN web: upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if !b.limiter.Acquire() {
		log.Printf("WARN web: refused, client capacity reached")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "capacity"))
		return
	}
	defer b.limiter.Release()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshot, sub := b.brk.Subscribe(ctx)
	defer b.brk.Unsubscribe(sub)

	if err := writeJSON(conn, snapshot); err != nil {
		return
	}

	// Drain and ignore the read side; a close cancels the writer.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
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
			if err := writeJSON(conn, delta); err != nil {
				log.Printf("DEBUG web: write: %v", err)
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// isLoopbackOrigin accepts requests without an Origin header and
// localhost origins only; the bridge binds loopback and has no further
// access control.
func isLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
