package tunnel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// StreamHeaderSize is the size of the header preceding every packet on
// the TLS channel: 'S' 'T' 'F' 0x01, length (big endian u16), type, 0.
const StreamHeaderSize = 8

var streamMagic = [4]byte{'S', 'T', 'F', 1}

// AppendStream appends the stream encoding of p to dst
func AppendStream(dst []byte, p Packet) ([]byte, error) {
	if !p.Type.Valid() {
		return dst, fmt.Errorf("%w: %d", ErrUnknownType, p.Type)
	}
	if len(p.Payload) > MaxPacket {
		return dst, ErrPacketTooLarge
	}
	dst = append(dst, streamMagic[:]...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(p.Payload)))
	dst = append(dst, byte(p.Type), 0)
	return append(dst, p.Payload...), nil
}

// ReadStream reads one stream packet. The payload aliases buf when it fits.
func ReadStream(r io.Reader, buf []byte) (Packet, error) {
	var hdr [StreamHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	if [4]byte(hdr[:4]) != streamMagic || hdr[7] != 0 {
		return Packet{}, ErrBadMagic
	}
	t := PacketType(hdr[6])
	if !t.Valid() {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownType, hdr[6])
	}
	n := int(binary.BigEndian.Uint16(hdr[4:6]))
	if n > len(buf) {
		buf = make([]byte, n)
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	return Packet{Type: t, Payload: buf[:n]}, nil
}

// AppendDatagram appends the datagram encoding of p (a bare type byte)
func AppendDatagram(dst []byte, p Packet) ([]byte, error) {
	if !p.Type.Valid() {
		return dst, fmt.Errorf("%w: %d", ErrUnknownType, p.Type)
	}
	if len(p.Payload) > MaxPacket {
		return dst, ErrPacketTooLarge
	}
	dst = append(dst, byte(p.Type))
	return append(dst, p.Payload...), nil
}

// ParseDatagram decodes one datagram. The payload aliases b.
func ParseDatagram(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, ErrEmptyDatagram
	}
	t := PacketType(b[0])
	if !t.Valid() {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownType, b[0])
	}
	return Packet{Type: t, Payload: b[1:]}, nil
}

// Channel is one client transport carrying tunnel packets
type Channel interface {
	ReadPacket() (Packet, error)
	WritePacket(p Packet) error
}

// Stream frames packets on a reliable byte stream (the TLS channel).
// Writes are atomic: a packet is always written and flushed whole.
type Stream struct {
	r   *bufio.Reader
	buf []byte

	mu  sync.Mutex
	w   *bufio.Writer
	out []byte
}

// NewStream wraps rw. outputBuffer sizes the write buffer.
func NewStream(rw io.ReadWriter, outputBuffer int) *Stream {
	return NewStreamReader(bufio.NewReader(rw), rw, outputBuffer)
}

// NewStreamReader takes an already buffered reader, so bytes read ahead
// during the HTTP bootstrap are not lost.
func NewStreamReader(r *bufio.Reader, w io.Writer, outputBuffer int) *Stream {
	if outputBuffer < StreamHeaderSize+MaxPacket {
		outputBuffer = StreamHeaderSize + MaxPacket
	}
	return &Stream{
		r:   r,
		buf: make([]byte, MaxPacket),
		w:   bufio.NewWriterSize(w, outputBuffer),
	}
}

// ReadPacket reads the next packet. The payload is valid until the next call.
func (s *Stream) ReadPacket() (Packet, error) {
	return ReadStream(s.r, s.buf)
}

// WritePacket writes and flushes p
func (s *Stream) WritePacket(p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	s.out, err = AppendStream(s.out[:0], p)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(s.out); err != nil {
		return err
	}
	return s.w.Flush()
}

// Datagram frames packets on a datagram transport (the DTLS channel)
type Datagram struct {
	conn net.Conn
	buf  []byte

	mu  sync.Mutex
	out []byte
}

// NewDatagram wraps conn
func NewDatagram(conn net.Conn) *Datagram {
	return &Datagram{conn: conn, buf: make([]byte, MaxPacket+1)}
}

// ReadPacket reads the next datagram. The payload is valid until the next call.
func (d *Datagram) ReadPacket() (Packet, error) {
	n, err := d.conn.Read(d.buf)
	if err != nil {
		return Packet{}, err
	}
	return ParseDatagram(d.buf[:n])
}

// WritePacket sends p as one datagram
func (d *Datagram) WritePacket(p Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	d.out, err = AppendDatagram(d.out[:0], p)
	if err != nil {
		return err
	}
	_, err = d.conn.Write(d.out)
	return err
}

// Close closes the underlying connection
func (d *Datagram) Close() error {
	return d.conn.Close()
}
