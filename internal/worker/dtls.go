package worker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"

	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
	"github.com/al-bashkir/tlsvpnd/internal/tunnel"
)

const (
	// pskLabel is the exporter label clients use to derive the DTLS key
	// from the TLS session
	pskLabel = "EXPORTER-openconnect-psk"
	pskSize  = 32

	dtlsHandshakeTimeout = 10 * time.Second
)

var dtlsSuite = dtls.TLS_PSK_WITH_AES_128_GCM_SHA256

// acceptDatagrams attaches each datagram socket the controller hands over
// to the relay. A newer socket replaces the previous one.
func (c *conn) acceptDatagrams(ctx context.Context, relay *tunnel.Relay) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-relay.Done():
			return
		case u := <-c.ch.udp:
			dc, err := c.acceptDTLS(ctx, u)
			if err != nil {
				c.log.Warn("datagram channel not established",
					"ip", logsanitize.Sanitize(u.remote),
					"error", err,
				)
				continue
			}
			c.mu.Lock()
			c.dtlsCipher = dtls.CipherSuiteName(dtlsSuite)
			c.mu.Unlock()
			relay.SetDatagram(tunnel.NewDatagram(dc))
			c.log.Info("datagram channel established", "ip", logsanitize.Sanitize(u.remote))
		}
	}
}

// acceptDTLS runs the server handshake on a handed-over socket. The key is
// exported from the TLS session, so only the client of this session can
// complete it.
func (c *conn) acceptDTLS(ctx context.Context, u udpSocket) (*dtls.Conn, error) {
	nc, err := net.FileConn(u.file)
	_ = u.file.Close()
	if err != nil {
		return nil, fmt.Errorf("wrap datagram socket: %w", err)
	}

	cs := c.tls.ConnectionState()
	psk, err := cs.ExportKeyingMaterial(pskLabel, nil, pskSize)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("derive datagram key: %w", err)
	}

	cfg := &dtls.Config{
		CipherSuites: []dtls.CipherSuiteID{dtlsSuite},
		PSK: func([]byte) ([]byte, error) {
			return psk, nil
		},
		ExtendedMasterSecret: dtls.RequestExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, dtlsHandshakeTimeout)
		},
	}
	dc, err := dtls.Server(&helloConn{Conn: nc, hello: u.hello}, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("dtls handshake: %w", err)
	}
	return dc, nil
}

// helloConn replays the ClientHello the controller already read from the
// socket before reading from it.
type helloConn struct {
	net.Conn

	mu    sync.Mutex
	hello []byte
}

func (h *helloConn) Read(b []byte) (int, error) {
	h.mu.Lock()
	hello := h.hello
	h.hello = nil
	h.mu.Unlock()
	if hello != nil {
		return copy(b, hello), nil
	}
	return h.Conn.Read(b)
}
