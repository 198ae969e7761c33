// Package ipc implements the command protocol spoken between the controller
// and its workers, and by operational tooling on the control socket.
package ipc

import (
	"fmt"

	"github.com/al-bashkir/tlsvpnd/internal/config"
)

// Command identifies a control message. Values are part of the wire format.
type Command uint8

const (
	AuthInit       Command = 1
	AuthRep        Command = 2
	AuthReq        Command = 3
	AuthCookieReq  Command = 4
	AuthMsg        Command = 5
	ResumeStoreReq Command = 6
	ResumeDelete   Command = 7
	ResumeFetchReq Command = 8
	ResumeFetchRep Command = 9
	CmdUDPFD       Command = 10
	CmdTunMTU      Command = 11
	CmdTerminate   Command = 12
	CmdSessionInfo Command = 13
	AuthReinit     Command = 14
)

var commandNames = map[Command]string{
	AuthInit:       "AUTH_INIT",
	AuthRep:        "AUTH_REP",
	AuthReq:        "AUTH_REQ",
	AuthCookieReq:  "AUTH_COOKIE_REQ",
	AuthMsg:        "AUTH_MSG",
	ResumeStoreReq: "RESUME_STORE_REQ",
	ResumeDelete:   "RESUME_DELETE_REQ",
	ResumeFetchReq: "RESUME_FETCH_REQ",
	ResumeFetchRep: "RESUME_FETCH_REP",
	CmdUDPFD:       "CMD_UDP_FD",
	CmdTunMTU:      "CMD_TUN_MTU",
	CmdTerminate:   "CMD_TERMINATE",
	CmdSessionInfo: "CMD_SESSION_INFO",
	AuthReinit:     "AUTH_REINIT",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// Valid reports whether c is a known command
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// Commands returns every known command in wire order.
func Commands() []Command {
	out := make([]Command, 0, len(commandNames))
	for c := AuthInit; c <= AuthReinit; c++ {
		out = append(out, c)
	}
	return out
}

// newPayload returns a pointer to the payload type carried by c, or nil
// when c never carries a payload.
func newPayload(c Command) any {
	switch c {
	case AuthInit:
		return &AuthInitMsg{}
	case AuthRep:
		return &AuthReply{}
	case AuthReq:
		return &AuthRequest{}
	case AuthCookieReq:
		return &CookieRequest{}
	case AuthMsg:
		return &AuthMessage{}
	case ResumeStoreReq:
		return &ResumeStore{}
	case ResumeDelete, ResumeFetchReq:
		return &ResumeKey{}
	case ResumeFetchRep:
		return &ResumeData{}
	case CmdUDPFD:
		return &UDPSocket{}
	case CmdTunMTU:
		return &TunMTU{}
	case CmdTerminate:
		return &Terminate{}
	case CmdSessionInfo:
		return &SessionInfo{}
	}
	return nil
}

// AuthInitMsg starts an authentication exchange. It carries what the
// worker learned from the TLS handshake and the client request.
type AuthInitMsg struct {
	Username   string   `json:"username,omitempty"`
	CertUser   string   `json:"cert_user,omitempty"`
	CertGroups []string `json:"cert_groups,omitempty"`
	RemoteIP   string   `json:"remote_ip"`
	UserAgent  string   `json:"user_agent,omitempty"`
	Hostname   string   `json:"hostname,omitempty"`
	TLSCipher  string   `json:"tls_cipher,omitempty"`

	// Tunnel marks an exchange started by a tunnel request. When it is
	// accepted the reply carries the network, as for a cookie.
	Tunnel bool `json:"tunnel,omitempty"`
}

// AuthRequest submits a password or a challenge response.
type AuthRequest struct {
	Password string `json:"password"`
}

// AuthMessage is a prompt for another round of input.
type AuthMessage struct {
	Prompt string `json:"prompt"`
}

// CookieRequest asks the controller to resume a session by cookie.
type CookieRequest struct {
	Cookie    []byte `json:"cookie"`
	CertUser  string `json:"cert_user,omitempty"`
	RemoteIP  string `json:"remote_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	TLSCipher string `json:"tls_cipher,omitempty"`
}

// Reason qualifies a failed AUTH_REP so the worker can tell a client to
// retry later rather than fix its credentials.
type Reason string

const (
	ReasonCredentials Reason = "credentials"
	ReasonLimit       Reason = "limit"
	ReasonTimeout     Reason = "timeout"
	ReasonConfig      Reason = "config"
	ReasonNoAddress   Reason = "no-address"
)

// AuthReply is the final verdict of an exchange. On success with an
// attached session the tun device travels with the frame.
type AuthReply struct {
	Reason        Reason                  `json:"reason,omitempty"`
	Username      string                  `json:"username,omitempty"`
	Group         string                  `json:"group,omitempty"`
	Cookie        []byte                  `json:"cookie,omitempty"`
	DTLSSessionID []byte                  `json:"dtls_session_id,omitempty"`
	Network       *config.VpnNetworkState `json:"network,omitempty"`
	RxPerSec      int                     `json:"rx_per_sec,omitempty"`
	TxPerSec      int                     `json:"tx_per_sec,omitempty"`
}

// ResumeStore asks the controller to keep TLS resumption state.
type ResumeStore struct {
	ID   []byte `json:"id"`
	Data []byte `json:"data"`
}

// ResumeKey names a stored entry for fetch or delete.
type ResumeKey struct {
	ID []byte `json:"id"`
}

// ResumeData answers a fetch. A miss is a reply without payload.
type ResumeData struct {
	Data []byte `json:"data"`
}

// UDPSocket accompanies a connected datagram socket handed to a worker.
// Hello is the first datagram, already consumed by the controller.
type UDPSocket struct {
	Remote string `json:"remote"`
	Hello  []byte `json:"hello"`
}

// TunMTU reports a change of the tunnel MTU.
type TunMTU struct {
	MTU int `json:"mtu"`
}

// Terminate carries an optional reason for ending a worker. WorkerID is
// only used on the control socket, to name the session to end.
type Terminate struct {
	Reason   string `json:"reason,omitempty"`
	WorkerID string `json:"worker_id,omitempty"`
}

// SessionEntry describes one active session for tooling.
// Times are unix seconds.
type SessionEntry struct {
	WorkerID    string `json:"worker_id"`
	Username    string `json:"username"`
	Group       string `json:"group,omitempty"`
	RemoteIP    string `json:"remote_ip"`
	UserAgent   string `json:"user_agent,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	State       string `json:"state"`
	ConnectedAt int64  `json:"connected_at"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	TLSCipher   string `json:"tls_cipher,omitempty"`
	DTLSCipher  string `json:"dtls_cipher,omitempty"`
	IPv4        string `json:"ipv4,omitempty"`
	IPv6        string `json:"ipv6,omitempty"`
	Device      string `json:"device,omitempty"`
}

// SessionInfo is sent by a worker to report its own counters and by the
// controller to answer a tooling query.
type SessionInfo struct {
	Entries []SessionEntry `json:"entries"`
}
