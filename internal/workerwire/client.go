package workerwire

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

// Client is the worker-side half of the IPC protocol: dial the
// supervisor's local WebSocket, announce this process's PID, then forward
// Completed/progress frames as the runner produces them (spec.md §4.8).
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Dial connects to the supervisor at url, sends Ack then WhoAmI{pid}.
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &blderrors.IOError{Op: "dial supervisor worker socket", Path: url, Cause: err}
	}

	c := &Client{conn: conn}
	if err := c.write(Frame{Type: FrameAck}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.write(Frame{Type: FrameWhoAmI, PID: os.Getpid()}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return &blderrors.IOError{Op: "write worker frame", Cause: err}
	}
	return nil
}

// SendProgress forwards an arbitrary progress payload to the supervisor.
func (c *Client) SendProgress(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &blderrors.IOError{Op: "marshal progress frame", Cause: err}
	}
	return c.write(Frame{Type: FrameProgress, Payload: raw})
}

// SendCompleted announces the runner finished executing, letting the
// supervisor reap this worker immediately instead of waiting to notice
// the process exit.
func (c *Client) SendCompleted() error {
	return c.write(Frame{Type: FrameCompleted})
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
