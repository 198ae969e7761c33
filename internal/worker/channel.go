package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/al-bashkir/tlsvpnd/internal/ipc"
)

// ErrChannelClosed is returned once the controller channel is gone
var ErrChannelClosed = errors.New("controller channel closed")

type reply struct {
	msg   ipc.Message
	files []*os.File
}

// udpSocket is a connected datagram socket handed over by the controller
type udpSocket struct {
	remote string
	hello  []byte
	file   *os.File
}

// channel is the worker end of the controller channel. Requests are
// answered in order, one at a time; CMD_TERMINATE and CMD_UDP_FD may
// arrive at any moment and are routed separately.
type channel struct {
	conn *ipc.Conn
	log  *slog.Logger

	mu      sync.Mutex // one request in flight
	broken  bool
	replies chan reply

	terminate chan string
	udp       chan udpSocket

	done chan struct{}
	err  error
}

func newChannel(conn *ipc.Conn, log *slog.Logger) *channel {
	c := &channel{
		conn:      conn,
		log:       log,
		replies:   make(chan reply, 1),
		terminate: make(chan string, 1),
		udp:       make(chan udpSocket, 1),
		done:      make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *channel) read() {
	defer close(c.done)
	for {
		m, files, err := c.conn.Recv()
		if err != nil {
			c.err = err
			return
		}

		switch m.Command {
		case ipc.CmdTerminate:
			ipc.CloseFiles(files)
			reason := ""
			if t, err := ipc.Payload[ipc.Terminate](m); err == nil {
				reason = t.Reason
			}
			select {
			case c.terminate <- reason:
			default:
			}

		case ipc.CmdUDPFD:
			u, err := ipc.Payload[ipc.UDPSocket](m)
			if err != nil || len(files) != 1 {
				ipc.CloseFiles(files)
				c.log.Warn("ignoring malformed datagram socket hand-over")
				continue
			}
			select {
			case c.udp <- udpSocket{remote: u.Remote, hello: u.Hello, file: files[0]}:
			default:
				// a hand-over is still being set up, the client will retry
				ipc.CloseFiles(files)
			}

		default:
			select {
			case c.replies <- reply{msg: m, files: files}:
			default:
				ipc.CloseFiles(files)
				c.log.Warn("unsolicited reply from controller", "cmd", m.Command.String())
			}
		}
	}
}

// Request sends m and waits for its reply. Replies carrying a non-OK
// result are returned as they are; the caller decides what they mean.
func (c *channel) Request(ctx context.Context, m ipc.Message) (ipc.Message, []*os.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return ipc.Message{}, nil, ErrChannelClosed
	}

	if err := c.conn.Send(m); err != nil {
		c.broken = true
		return ipc.Message{}, nil, fmt.Errorf("send %s: %w", m.Command, err)
	}

	select {
	case r := <-c.replies:
		return r.msg, r.files, nil
	case <-c.done:
		c.broken = true
		return ipc.Message{}, nil, ErrChannelClosed
	case <-ctx.Done():
		// a late reply would answer the next request
		c.broken = true
		return ipc.Message{}, nil, ctx.Err()
	}
}

// Notify sends a message that gets no reply
func (c *channel) Notify(m ipc.Message) error {
	return c.conn.Send(m)
}

// Done is closed when the controller side is gone
func (c *channel) Done() <-chan struct{} {
	return c.done
}

func (c *channel) Close() error {
	return c.conn.Close()
}
