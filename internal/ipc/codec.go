package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"unicode/utf8"
)

const (
	// HeaderSize is cmd(1) + result(1) + payload length(4, big endian)
	HeaderSize = 6

	// MaxPayload bounds a single payload so a worker cannot make the
	// controller allocate arbitrary amounts of memory.
	MaxPayload = 64 * 1024

	// MaxFrame is the largest frame Decode accepts
	MaxFrame = HeaderSize + MaxPayload

	// MaxControlPayload bounds replies on the control socket, where a
	// session listing may be large. It stays below the default socket
	// send buffer, which bounds a single SOCK_SEQPACKET message.
	MaxControlPayload = 160 << 10
)

// Decode failures. Each is wrapped in a *DecodeError.
var (
	ErrShortFrame      = errors.New("frame shorter than header")
	ErrFrameLength     = errors.New("declared length does not match frame")
	ErrUnknownCommand  = errors.New("unknown command")
	ErrUnknownResult   = errors.New("unknown result code")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrPayloadMismatch = errors.New("payload does not match command")
	ErrInvalidUTF8     = errors.New("string is not valid UTF-8")
)

// DecodeError reports a malformed frame.
type DecodeError struct {
	Command Command
	Err     error
	reason  string
}

func (e *DecodeError) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("decode %s: %v: %s", e.Command, e.Err, e.reason)
	}
	return fmt.Sprintf("decode %s: %v", e.Command, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func newDecodeError(cmd Command, err error, reason string, args ...any) error {
	return &DecodeError{Command: cmd, Err: err, reason: fmt.Sprintf(reason, args...)}
}

// IsDecodeError reports whether err came from a malformed frame
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Message is one decoded frame. Payload is nil or a pointer to the type
// registered for Command (e.g. *AuthInitMsg for AuthInit).
type Message struct {
	Command Command
	Result  Result
	Payload any
}

// Err returns the error carried by the result code.
func (m *Message) Err() error {
	return m.Result.Err()
}

// Encode serializes m into a single frame.
func Encode(m Message) ([]byte, error) {
	return encode(m, MaxPayload)
}

func encode(m Message, limit int) ([]byte, error) {
	if !m.Command.Valid() {
		return nil, fmt.Errorf("encode: %w %d", ErrUnknownCommand, uint8(m.Command))
	}
	if !m.Result.Valid() {
		return nil, fmt.Errorf("encode %s: %w %d", m.Command, ErrUnknownResult, int8(m.Result))
	}

	var payload []byte
	if v := reflect.ValueOf(m.Payload); m.Payload != nil && !(v.Kind() == reflect.Pointer && v.IsNil()) {
		want := newPayload(m.Command)
		if want == nil || reflect.TypeOf(want) != v.Type() {
			return nil, fmt.Errorf("encode %s: %w: %T", m.Command, ErrPayloadMismatch, m.Payload)
		}
		if !validUTF8(v) {
			return nil, fmt.Errorf("encode %s: %w", m.Command, ErrInvalidUTF8)
		}
		var err error
		payload, err = json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.Command, err)
		}
		if len(payload) > limit {
			return nil, fmt.Errorf("encode %s: %w: %d bytes", m.Command, ErrPayloadTooLarge, len(payload))
		}
	}

	frame := make([]byte, HeaderSize+len(payload))
	frame[0] = byte(m.Command)
	frame[1] = byte(m.Result)
	binary.BigEndian.PutUint32(frame[2:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// validUTF8 walks the exported string fields of a payload. encoding/json
// would otherwise replace invalid bytes with U+FFFD and the peer would see
// a different username or password than the one sent.
func validUTF8(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil() || validUTF8(v.Elem())
	case reflect.String:
		return utf8.ValidString(v.String())
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if t.Field(i).IsExported() && !validUTF8(v.Field(i)) {
				return false
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return true
		}
		for i := 0; i < v.Len(); i++ {
			if !validUTF8(v.Index(i)) {
				return false
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if !validUTF8(iter.Key()) || !validUTF8(iter.Value()) {
				return false
			}
		}
	}
	return true
}

// Decode parses exactly one frame. It never guesses: unknown commands,
// length mismatches, oversized and unexpected payloads are all errors.
func Decode(frame []byte) (Message, error) {
	return decode(frame, MaxPayload)
}

func decode(frame []byte, limit int) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, newDecodeError(0, ErrShortFrame, "%d bytes", len(frame))
	}

	cmd := Command(frame[0])
	if !cmd.Valid() {
		return Message{}, newDecodeError(cmd, ErrUnknownCommand, "")
	}
	result := Result(int8(frame[1]))
	if !result.Valid() {
		return Message{}, newDecodeError(cmd, ErrUnknownResult, "%d", int8(result))
	}

	length := binary.BigEndian.Uint32(frame[2:HeaderSize])
	if uint64(length) > uint64(limit) {
		return Message{}, newDecodeError(cmd, ErrPayloadTooLarge, "%d bytes", length)
	}
	if uint64(length) != uint64(len(frame)-HeaderSize) {
		return Message{}, newDecodeError(cmd, ErrFrameLength, "declared %d, have %d", length, len(frame)-HeaderSize)
	}

	m := Message{Command: cmd, Result: result}
	if length == 0 {
		return m, nil
	}

	payload := newPayload(cmd)
	if payload == nil {
		return Message{}, newDecodeError(cmd, ErrPayloadMismatch, "command carries no payload")
	}
	if !utf8.Valid(frame[HeaderSize:]) {
		return Message{}, newDecodeError(cmd, ErrInvalidUTF8, "")
	}
	dec := json.NewDecoder(bytes.NewReader(frame[HeaderSize:]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return Message{}, newDecodeError(cmd, ErrPayloadMismatch, "%v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Message{}, newDecodeError(cmd, ErrPayloadMismatch, "trailing data")
	}
	m.Payload = payload
	return m, nil
}

// Payload returns m.Payload as *T, or an ErrPayloadMismatch error when the
// frame carried no payload or a different type.
func Payload[T any](m Message) (*T, error) {
	p, ok := m.Payload.(*T)
	if !ok || p == nil {
		var zero T
		return nil, newDecodeError(m.Command, ErrPayloadMismatch, "want %T", &zero)
	}
	return p, nil
}
