package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
	"github.com/al-bashkir/tlsvpnd/internal/session"
)

// DTLS record and handshake layout up to the ClientHello session id
const (
	dtlsRecordHeader    = 13
	dtlsHandshakeHeader = 12
	contentHandshake    = 22
	handshakeHello      = 1
	helloSessionOffset  = dtlsRecordHeader + dtlsHandshakeHeader + 2 + 32

	maxHello = 16 << 10
)

// ListenUDP opens the datagram listener. Address reuse lets the
// per-client connected sockets share its port.
func ListenUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

func reuseAddr(_, _ string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// helloSessionID extracts the session id of a DTLS ClientHello. Clients
// put the id advertised on the tunnel's stream channel there.
func helloSessionID(b []byte) (session.ID, bool) {
	if len(b) < helloSessionOffset+1 || b[0] != contentHandshake || b[dtlsRecordHeader] != handshakeHello {
		return session.ID{}, false
	}
	n := int(b[helloSessionOffset])
	if n != session.IDSize || len(b) < helloSessionOffset+1+n {
		return session.ID{}, false
	}
	id, err := session.IDFromBytes(b[helloSessionOffset+1 : helloSessionOffset+1+n])
	return id, err == nil
}

// ServeUDP reads ClientHellos on pc and hands each matching client a
// connected socket of its own, together with the hello itself.
func (c *Controller) ServeUDP(ctx context.Context, pc *net.UDPConn) error {
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()

	local, _ := pc.LocalAddr().(*net.UDPAddr)
	buf := make([]byte, 64*1024)
	for {
		n, from, err := pc.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.log.Warn("datagram read failed", "error", err)
			continue
		}

		if n > maxHello {
			continue
		}
		id, ok := helloSessionID(buf[:n])
		if !ok {
			continue
		}
		p := c.lookupDTLS(id)
		if p == nil {
			c.log.Debug("datagram for unknown session", "ip", logsanitize.Sanitize(from.String()))
			continue
		}

		hello := append([]byte(nil), buf[:n]...)
		if err := c.handOver(ctx, p, local, from, hello); err != nil {
			p.log.Warn("failed to hand over datagram socket", "error", err)
		}
	}
}

func (c *Controller) handOver(ctx context.Context, p *peer, local, remote *net.UDPAddr, hello []byte) error {
	d := net.Dialer{LocalAddr: local, Control: reuseAddr}
	conn, err := d.DialContext(ctx, "udp", remote.String())
	if err != nil {
		return fmt.Errorf("failed to connect datagram socket: %w", err)
	}
	f, err := conn.(*net.UDPConn).File()
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("failed to duplicate datagram socket: %w", err)
	}
	defer func() { _ = f.Close() }()

	p.log.Debug("datagram channel handed over", "ip", logsanitize.Sanitize(remote.String()))
	return p.send(ipc.Message{
		Command: ipc.CmdUDPFD,
		Payload: &ipc.UDPSocket{Remote: remote.String(), Hello: hello},
	}, f)
}
