// Package session provides the controller-owned store of resumable sessions.
// Entries are keyed by an opaque identifier that doubles as the client cookie.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// IDSize is the length of a session identifier in bytes
	IDSize = 32

	// MaxDataSize bounds the serialized TLS resumption state kept per entry
	MaxDataSize = 4096
)

// ID is an opaque session identifier.
type ID [IDSize]byte

// NewID generates a cryptographically secure random identifier.
func NewID() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("failed to generate session ID: %w", err)
	}
	return id, nil
}

// IDFromBytes converts a wire identifier, rejecting any other length.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDSize {
		return id, fmt.Errorf("session ID must be %d bytes, got %d", IDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseID decodes the hex form used in cookies.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid session ID: %w", err)
	}
	return IDFromBytes(b)
}

// String returns the identifier as 64 hex characters.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier.
func (id ID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// Record is one resumable session.
type Record struct {
	ID ID

	// Data is the serialized TLS resumption state, at most MaxDataSize bytes
	Data []byte

	// Username and Group are set for records issued on successful
	// authentication. TLS ticket records leave them empty.
	Username string
	Group    string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Authenticated reports whether the record was issued for an authenticated identity.
func (r *Record) Authenticated() bool {
	return r.Username != ""
}

func (r *Record) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Record) clone() Record {
	c := *r
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	return c
}
