// Package tui is the terminal viewer: a socket client feeding a Bubble
// Tea program that renders the live session table.
package tui

import (
	"context"
	"fmt"
	"net"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/agent-tmux-monitor/atm/internal/protocol"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	dialTimeout        = 2 * time.Second
)

// Client manages the viewer connection to the daemon socket.
type Client struct {
	socketPath string

	conn   net.Conn
	reader *protocol.LineReader
}

// NewClient creates a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// ConnectedMsg is sent when the handshake completes.
type ConnectedMsg struct{}

// DisconnectedMsg is sent when the connection drops.
type DisconnectedMsg struct{ Err error }

// SnapshotMsg delivers the full session list.
type SnapshotMsg struct{ Snapshot protocol.Snapshot }

// DeltaMsg delivers incremental updates.
type DeltaMsg struct{ Delta protocol.Delta }

// Listen returns a command that connects with exponential backoff and
// performs the viewer handshake.
func (c *Client) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			if err := c.connect(); err != nil {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}
			return ConnectedMsg{}
		}
	}
}

func (c *Client) connect() error {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return err
	}

	hello := protocol.ClientHello{
		Type:            protocol.TypeClientHello,
		ProtocolVersion: protocol.Version,
		ClientType:      protocol.ClientViewer,
	}
	if err := protocol.WriteMessage(conn, hello); err != nil {
		conn.Close()
		return err
	}

	reader := protocol.NewLineReader(conn)
	msg, err := reader.ReadMessage()
	if err != nil {
		conn.Close()
		return err
	}
	reply, ok := msg.(protocol.ServerHello)
	if !ok {
		conn.Close()
		return fmt.Errorf("unexpected handshake reply %T", msg)
	}
	if !reply.Accepted {
		conn.Close()
		return fmt.Errorf("connection refused: %s", reply.Reason)
	}

	c.conn = conn
	c.reader = reader
	return nil
}

// ReadNext returns a command that delivers the next server message.
func (c *Client) ReadNext() tea.Cmd {
	return func() tea.Msg {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.Close()
			return DisconnectedMsg{Err: err}
		}
		switch m := msg.(type) {
		case protocol.Snapshot:
			return SnapshotMsg{Snapshot: m}
		case protocol.Delta:
			return DeltaMsg{Delta: m}
		default:
			// Unknown server messages are skipped; keep reading.
			return c.ReadNext()()
		}
	}
}

// Close tears down the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
