package ipc

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client talks to the controller's control socket
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control socket client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// Do sends req and waits for the reply. A non-OK result is returned as
// the matching sentinel error.
func (c *Client) Do(ctx context.Context, req Message) (Message, error) {
	d := net.Dialer{Timeout: c.timeout}
	nc, err := d.DialContext(ctx, "unixpacket", c.socketPath)
	if err != nil {
		return Message{}, fmt.Errorf("failed to connect to controller: %w", err)
	}
	conn := newConn(nc.(*net.UnixConn), MaxControlPayload)
	defer func() { _ = conn.Close() }()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := nc.SetDeadline(deadline); err != nil {
		return Message{}, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	if err := conn.Send(req); err != nil {
		return Message{}, fmt.Errorf("failed to send request: %w", err)
	}

	resp, files, err := conn.Recv()
	CloseFiles(files)
	if err != nil {
		return Message{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.Command != req.Command {
		return Message{}, fmt.Errorf("unexpected response %s to %s", resp.Command, req.Command)
	}
	if err := resp.Err(); err != nil {
		return resp, fmt.Errorf("controller refused %s: %w", req.Command, err)
	}
	return resp, nil
}

// Sessions lists the active sessions known to the controller.
func (c *Client) Sessions(ctx context.Context) ([]SessionEntry, error) {
	resp, err := c.Do(ctx, Message{Command: CmdSessionInfo})
	if err != nil {
		return nil, err
	}
	if resp.Payload == nil {
		return nil, nil
	}
	info, err := Payload[SessionInfo](resp)
	if err != nil {
		return nil, err
	}
	return info.Entries, nil
}

// SetTimeout sets the connection timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}
