package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
)

// fakeDevice is a tun stand-in: packets queued on in are read by the
// relay, packets the relay writes arrive on out.
type fakeDevice struct {
	in   chan []byte
	out  chan []byte
	once sync.Once
	done chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{in: make(chan []byte, 16), out: make(chan []byte, 16), done: make(chan struct{})}
}

func (d *fakeDevice) Read(b []byte) (int, error) {
	select {
	case p := <-d.in:
		return copy(b, p), nil
	case <-d.done:
		return 0, io.EOF
	}
}

func (d *fakeDevice) Write(b []byte) (int, error) {
	select {
	case d.out <- append([]byte(nil), b...):
		return len(b), nil
	case <-d.done:
		return 0, io.ErrClosedPipe
	}
}

func (d *fakeDevice) Close() { d.once.Do(func() { close(d.done) }) }

type harness struct {
	dev    *fakeDevice
	relay  *Relay
	client *Stream
	conn   net.Conn
	recv   chan Packet
	result chan error
}

func startRelay(t *testing.T, opts Options) *harness {
	t.Helper()
	server, client := net.Pipe()
	h := &harness{
		dev:    newFakeDevice(),
		client: NewStream(client, 0),
		conn:   client,
		recv:   make(chan Packet, 16),
		result: make(chan error, 1),
	}
	h.relay = NewRelay(h.dev, NewStream(server, 0), opts)

	go func() {
		for {
			p, err := h.client.ReadPacket()
			if err != nil {
				close(h.recv)
				return
			}
			p.Payload = append([]byte(nil), p.Payload...)
			h.recv <- p
		}
	}()
	go func() { h.result <- h.relay.Run(context.Background()) }()

	t.Cleanup(func() {
		h.dev.Close()
		server.Close()
		client.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, p Packet) {
	t.Helper()
	if err := h.client.WritePacket(p); err != nil {
		t.Fatalf("client write %s: %v", p.Type, err)
	}
}

func (h *harness) expectPacket(t *testing.T) Packet {
	t.Helper()
	select {
	case p, ok := <-h.recv:
		if !ok {
			t.Fatal("client stream closed")
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet reached the client")
	}
	return Packet{}
}

func (h *harness) expectDevice(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-h.dev.out:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no packet reached the device")
	}
	return nil
}

func (h *harness) expectResult(t *testing.T, want error) {
	t.Helper()
	select {
	case err := <-h.result:
		if !errors.Is(err, want) {
			t.Fatalf("Run = %v, want %v", err, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelayControlPacketsNeverReachDevice(t *testing.T) {
	h := startRelay(t, Options{})

	pkt1 := []byte{0x45, 0, 0, 28, 1, 2, 3, 4}
	pkt2 := bytes.Repeat([]byte{0x60, 7}, 200)

	h.send(t, Packet{Type: PktKeepalive})
	h.send(t, Packet{Type: PktDPDOut, Payload: []byte("dpd-seq-1")})
	h.send(t, Packet{Type: PktDPDResp})
	h.send(t, Packet{Type: PktData, Payload: pkt1})
	h.send(t, Packet{Type: PktCompressed, Payload: snappy.Encode(nil, pkt2)})

	resp := h.expectPacket(t)
	if resp.Type != PktDPDResp || string(resp.Payload) != "dpd-seq-1" {
		t.Errorf("DPD answer = %s %q", resp.Type, resp.Payload)
	}

	if got := h.expectDevice(t); !bytes.Equal(got, pkt1) {
		t.Errorf("first device packet = %v, want %v", got, pkt1)
	}
	if got := h.expectDevice(t); !bytes.Equal(got, pkt2) {
		t.Errorf("second device packet differs from the uncompressed original")
	}
	select {
	case b := <-h.dev.out:
		t.Errorf("unexpected device packet %v", b)
	case <-time.After(50 * time.Millisecond):
	}

	in, _ := h.relay.Stats()
	if in != uint64(len(pkt1)+len(pkt2)) {
		t.Errorf("bytes in = %d", in)
	}
}

func TestRelayDeviceToClient(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		payload  []byte
		wantType PacketType
	}{
		{name: "plain", payload: []byte{0x45, 1, 2, 3}, wantType: PktData},
		{name: "compressed", compress: true, payload: bytes.Repeat([]byte("a"), 512), wantType: PktCompressed},
		{name: "incompressible stays plain", compress: true, payload: []byte{0x45, 9}, wantType: PktData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startRelay(t, Options{Compress: tt.compress})
			h.dev.in <- tt.payload

			p := h.expectPacket(t)
			if p.Type != tt.wantType {
				t.Fatalf("type = %s, want %s", p.Type, tt.wantType)
			}
			got := p.Payload
			if p.Type == PktCompressed {
				var err error
				if got, err = snappy.Decode(nil, p.Payload); err != nil {
					t.Fatal(err)
				}
			}
			if !bytes.Equal(got, tt.payload) {
				t.Errorf("payload mismatch")
			}
		})
	}
}

func TestRelayClientDisconnect(t *testing.T) {
	h := startRelay(t, Options{})
	h.send(t, Packet{Type: PktDisconnect})
	h.expectResult(t, ErrClientDisconnect)
}

func TestRelayStreamClosed(t *testing.T) {
	h := startRelay(t, Options{})
	h.conn.Close()
	h.expectResult(t, ErrClientDisconnect)
}

func TestRelayUnexpectedPacket(t *testing.T) {
	h := startRelay(t, Options{})
	h.send(t, Packet{Type: PktTermServer})
	h.expectResult(t, ErrUnexpectedPacket)
}

func TestRelayBadCompressed(t *testing.T) {
	h := startRelay(t, Options{})
	h.send(t, Packet{Type: PktCompressed, Payload: []byte{0xff, 0xff, 0xff, 0xff, 0x0f}})
	h.expectResult(t, ErrBadCompressed)
}

func TestRelayKick(t *testing.T) {
	h := startRelay(t, Options{})

	h.dev.in <- []byte{0x45, 1}
	if p := h.expectPacket(t); p.Type != PktData {
		t.Fatalf("got %s before kick", p.Type)
	}

	if err := h.relay.Kick(); err != nil {
		t.Fatalf("Kick: %v", err)
	}
	if p := h.expectPacket(t); p.Type != PktTermServer {
		t.Fatalf("got %s, want TERM_SERVER", p.Type)
	}
	h.expectResult(t, ErrKicked)

	if err := h.relay.writePrimary(Packet{Type: PktData, Payload: []byte{1}}); !errors.Is(err, ErrKicked) {
		t.Errorf("write after kick = %v", err)
	}
}

func TestRelayDeadPeer(t *testing.T) {
	h := startRelay(t, Options{DPD: 20 * time.Millisecond})
	h.expectResult(t, ErrDeadPeer)
}

func TestRelayPrefersDatagram(t *testing.T) {
	h := startRelay(t, Options{})

	dServer, dClient := net.Pipe()
	defer dClient.Close()
	h.relay.SetDatagram(NewDatagram(dServer))
	if !h.relay.HasDatagram() {
		t.Fatal("datagram channel not attached")
	}

	h.dev.in <- []byte{0x45, 7}
	buf := make([]byte, 64)
	n, err := dClient.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], []byte{byte(PktData), 0x45, 7}) {
		t.Errorf("datagram = %v", buf[:n])
	}

	// Datagram traffic reaches the device too
	if _, err := dClient.Write([]byte{byte(PktData), 0x45, 8}); err != nil {
		t.Fatal(err)
	}
	if got := h.expectDevice(t); !bytes.Equal(got, []byte{0x45, 8}) {
		t.Errorf("device got %v", got)
	}

	// Losing the datagram channel falls back to the stream
	dClient.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.relay.HasDatagram() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.dev.in <- []byte{0x45, 9}
	if p := h.expectPacket(t); p.Type != PktData || !bytes.Equal(p.Payload, []byte{0x45, 9}) {
		t.Errorf("fallback packet = %s %v", p.Type, p.Payload)
	}
}
