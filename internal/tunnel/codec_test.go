package tunnel

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestStreamRoundTrip(t *testing.T) {
	packets := []Packet{
		{Type: PktData, Payload: []byte{0x45, 0, 0, 20}},
		{Type: PktDPDOut},
		{Type: PktDPDResp},
		{Type: PktKeepalive},
		{Type: PktDisconnect},
		{Type: PktCompressed, Payload: []byte("zz")},
		{Type: PktTermServer},
		{Type: PktData, Payload: bytes.Repeat([]byte{1}, MaxPacket)},
	}

	var wire []byte
	for _, p := range packets {
		var err error
		wire, err = AppendStream(wire, p)
		if err != nil {
			t.Fatalf("AppendStream(%s): %v", p.Type, err)
		}
	}

	r := bytes.NewReader(wire)
	buf := make([]byte, MaxPacket)
	for _, want := range packets {
		got, err := ReadStream(r, buf)
		if err != nil {
			t.Fatalf("ReadStream: %v", err)
		}
		if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("got %s/%d bytes, want %s/%d bytes", got.Type, len(got.Payload), want.Type, len(want.Payload))
		}
	}
	if _, err := ReadStream(r, buf); err != io.EOF {
		t.Errorf("after last packet err = %v, want EOF", err)
	}
}

func TestStreamHeaderLayout(t *testing.T) {
	wire, err := AppendStream(nil, Packet{Type: PktDPDOut, Payload: []byte{9, 9, 9}})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'S', 'T', 'F', 1, 0, 3, 3, 0, 9, 9, 9}
	if !bytes.Equal(wire, want) {
		t.Errorf("wire = %v, want %v", wire, want)
	}
}

func TestReadStreamMalformed(t *testing.T) {
	tests := []struct {
		name string
		wire []byte
		want error
	}{
		{name: "bad magic", wire: []byte{'S', 'T', 'G', 1, 0, 0, 0, 0}, want: ErrBadMagic},
		{name: "bad trailer", wire: []byte{'S', 'T', 'F', 1, 0, 0, 0, 1}, want: ErrBadMagic},
		{name: "unknown type", wire: []byte{'S', 'T', 'F', 1, 0, 0, 6, 0}, want: ErrUnknownType},
		{name: "short header", wire: []byte{'S', 'T', 'F'}, want: io.ErrUnexpectedEOF},
		{name: "short payload", wire: []byte{'S', 'T', 'F', 1, 0, 4, 0, 0, 1, 2}, want: io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadStream(bytes.NewReader(tt.wire), make([]byte, 16))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAppendRejects(t *testing.T) {
	if _, err := AppendStream(nil, Packet{Type: 1}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("stream unknown type: %v", err)
	}
	if _, err := AppendDatagram(nil, Packet{Type: PktData, Payload: make([]byte, MaxPacket+1)}); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("datagram too large: %v", err)
	}
}

func TestDatagram(t *testing.T) {
	wire, err := AppendDatagram(nil, Packet{Type: PktKeepalive})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wire, []byte{7}) {
		t.Errorf("keepalive wire = %v", wire)
	}

	p, err := ParseDatagram([]byte{0, 0x45, 0})
	if err != nil || p.Type != PktData || !bytes.Equal(p.Payload, []byte{0x45, 0}) {
		t.Errorf("ParseDatagram = %+v, %v", p, err)
	}
	if _, err := ParseDatagram(nil); !errors.Is(err, ErrEmptyDatagram) {
		t.Errorf("empty: %v", err)
	}
	if _, err := ParseDatagram([]byte{2}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("unknown: %v", err)
	}
}

func TestPacketTypeString(t *testing.T) {
	if PktTermServer.String() != "TERM_SERVER" || PacketType(42).String() != "PacketType(42)" {
		t.Error("unexpected names")
	}
	if !PktCompressed.IsData() || PktKeepalive.IsData() {
		t.Error("IsData")
	}
}
