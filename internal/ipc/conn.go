package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// maxFiles bounds the descriptors accepted with a single frame
const maxFiles = 4

// Conn exchanges frames over an AF_UNIX SOCK_SEQPACKET socket, so every
// read returns exactly one frame. Descriptors travel as SCM_RIGHTS.
type Conn struct {
	c     *net.UnixConn
	limit int
	wmu   sync.Mutex
	rmu   sync.Mutex
	buf   []byte
	oob   []byte
}

// NewConn wraps an established unixpacket connection.
func NewConn(c *net.UnixConn) *Conn {
	return newConn(c, MaxPayload)
}

func newConn(c *net.UnixConn, limit int) *Conn {
	return &Conn{
		c:     c,
		limit: limit,
		buf:   make([]byte, HeaderSize+limit+1),
		oob:   make([]byte, unix.CmsgSpace(maxFiles*4)),
	}
}

// FileConn turns an inherited socket descriptor into a Conn. f is closed;
// the Conn keeps its own duplicate.
func FileConn(f *os.File) (*Conn, error) {
	defer func() { _ = f.Close() }()

	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap channel descriptor: %w", err)
	}
	uc, ok := nc.(*net.UnixConn)
	if !ok {
		_ = nc.Close()
		return nil, fmt.Errorf("channel descriptor is %T, not a unix socket", nc)
	}
	return NewConn(uc), nil
}

// SocketPair creates a connected channel. The Conn stays with the caller;
// the file is meant for the other side (a child's ExtraFiles, or FileConn
// in the same process).
func SocketPair() (*Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	local := os.NewFile(uintptr(fds[0]), "ipc-local")
	remote := os.NewFile(uintptr(fds[1]), "ipc-remote")

	conn, err := FileConn(local)
	if err != nil {
		_ = remote.Close()
		return nil, nil, err
	}
	return conn, remote, nil
}

// Send writes one frame, attaching files as SCM_RIGHTS. The caller keeps
// ownership of files.
func (c *Conn) Send(m Message, files ...*os.File) error {
	frame, err := encode(m, c.limit)
	if err != nil {
		return err
	}

	var oob []byte
	if len(files) > 0 {
		if len(files) > maxFiles {
			return fmt.Errorf("send %s: too many descriptors (%d)", m.Command, len(files))
		}
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, oobn, err := c.c.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("send %s: %w", m.Command, err)
	}
	if n != len(frame) || oobn != len(oob) {
		return fmt.Errorf("send %s: short write", m.Command)
	}
	return nil
}

// Recv reads one frame and any descriptors that came with it. A peer
// close yields io.EOF. Malformed frames yield a *DecodeError; received
// descriptors are closed in that case.
func (c *Conn) Recv() (Message, []*os.File, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	n, oobn, flags, _, err := c.c.ReadMsgUnix(c.buf, c.oob)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Message{}, nil, io.EOF
		}
		return Message{}, nil, err
	}
	if n == 0 && oobn == 0 {
		return Message{}, nil, io.EOF
	}

	files, ferr := parseRights(c.oob[:oobn])
	switch {
	case ferr != nil:
		err = ferr
	case flags&unix.MSG_CTRUNC != 0:
		err = fmt.Errorf("descriptor list truncated")
	case flags&unix.MSG_TRUNC != 0 || n > HeaderSize+c.limit:
		err = newDecodeError(Command(c.buf[0]), ErrPayloadTooLarge, "frame exceeds %d bytes", HeaderSize+c.limit)
	}
	if err != nil {
		CloseFiles(files)
		return Message{}, nil, err
	}

	m, err := decode(c.buf[:n], c.limit)
	if err != nil {
		CloseFiles(files)
		return Message{}, nil, err
	}
	return m, files, nil
}

// SetReadDeadline bounds the next Recv
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.c.SetReadDeadline(t)
}

// Close closes the underlying socket and unblocks a pending Recv.
func (c *Conn) Close() error {
	return c.c.Close()
}

func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse control message: %w", err)
	}
	var files []*os.File
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ipc-received"))
		}
	}
	return files, nil
}

// CloseFiles releases descriptors received with a frame that the caller
// does not keep.
func CloseFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
