package worker

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
)

// HTTP bootstrap endpoints
const (
	PathAuth   = "/auth"
	PathLogout = "/logout"
	PathTunnel = "/CSCOSSLC/tunnel"

	CookieName = "webvpn"

	maxFormSize = 4 << 10
	minMTU      = 576
)

type authState int

const (
	authNone authState = iota
	authPrompted
	authRejected
	authAccepted
)

// tunnelSetup is what an accepted tunnel request yields
type tunnelSetup struct {
	reply    *ipc.AuthReply
	dev      *os.File
	compress bool
}

// bootstrap answers HTTP requests until a tunnel is established or the
// client goes away. A nil setup with a nil error is a clean close.
func (c *conn) bootstrap(ctx context.Context) (*tunnelSetup, error) {
	for {
		req, err := http.ReadRequest(c.br)
		if err != nil {
			if errors.Is(err, io.EOF) || c.terminated.Load() {
				return nil, nil
			}
			return nil, fmt.Errorf("read request: %w", err)
		}
		if ua := req.UserAgent(); ua != "" {
			c.userAgent = ua
		}
		if h := req.Header.Get("X-CSTP-Hostname"); h != "" {
			c.hostname = h
		}

		var t *tunnelSetup
		switch {
		case req.Method == http.MethodPost && req.URL.Path == PathAuth:
			err = c.handleAuth(ctx, req)
		case req.Method == http.MethodConnect && req.URL.Path == PathTunnel:
			t, err = c.handleConnect(ctx, req)
		case req.URL.Path == PathLogout:
			err = c.handleLogout(ctx, req)
		default:
			_, _ = io.Copy(io.Discard, io.LimitReader(req.Body, maxFormSize))
			err = c.respond(http.StatusNotFound, nil, "not found")
		}
		_ = req.Body.Close()
		if err != nil || t != nil {
			return t, err
		}
		if req.Close {
			return nil, nil
		}
	}
}

// respond writes a complete, non-tunnel response
func (c *conn) respond(status int, h http.Header, body string) error {
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(strings.NewReader(body)),
	}
	return resp.Write(c.tls)
}

func (c *conn) respondFailure(rep *ipc.AuthReply) error {
	status := http.StatusUnauthorized
	reason := ipc.ReasonCredentials
	if rep != nil && rep.Reason != "" {
		reason = rep.Reason
	}
	switch reason {
	case ipc.ReasonLimit, ipc.ReasonConfig, ipc.ReasonNoAddress:
		status = http.StatusServiceUnavailable
	case ipc.ReasonTimeout:
		status = http.StatusRequestTimeout
	}
	h := make(http.Header)
	h.Set("X-Reason", string(reason))
	return c.respond(status, h, "authentication failed")
}

func (c *conn) initMessage(username string, tunnel bool) *ipc.AuthInitMsg {
	return &ipc.AuthInitMsg{
		Username:   username,
		CertUser:   c.certUser,
		CertGroups: c.certGroups,
		RemoteIP:   c.remote,
		UserAgent:  c.userAgent,
		Hostname:   c.hostname,
		TLSCipher:  c.cipher,
		Tunnel:     tunnel,
	}
}

// handleAuth runs the password exchange: the first post names the user,
// later ones answer prompts. Both may come in one post.
func (c *conn) handleAuth(ctx context.Context, req *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxFormSize+1))
	if err != nil {
		return err
	}
	if len(body) > maxFormSize {
		return c.respond(http.StatusRequestEntityTooLarge, nil, "form too large")
	}
	form, err := url.ParseQuery(string(body))
	if err != nil || !validForm(form) {
		return c.respond(http.StatusBadRequest, nil, "malformed form")
	}
	if c.w.types.CertificateOnly() {
		return c.respond(http.StatusBadRequest, nil, "password login is not enabled")
	}

	if c.auth == authAccepted {
		return c.respondAccepted()
	}
	if c.auth == authRejected {
		if err := c.reinit(ctx); err != nil {
			return err
		}
	}

	password, hasPassword := form["password"]
	if c.auth == authNone {
		username := form.Get("username")
		if username == "" {
			return c.respond(http.StatusBadRequest, nil, "username required")
		}
		o, err := c.authStep(ctx, ipc.Message{Command: ipc.AuthInit, Payload: c.initMessage(username, false)})
		if err != nil {
			return err
		}
		if o.prompt == nil || !hasPassword {
			return c.answer(o)
		}
	}
	if !hasPassword {
		return c.respond(http.StatusBadRequest, nil, "password required")
	}
	o, err := c.authStep(ctx, ipc.Message{Command: ipc.AuthReq, Payload: &ipc.AuthRequest{Password: password[0]}})
	if err != nil {
		return err
	}
	return c.answer(o)
}

// validForm rejects credentials that are not UTF-8. Different byte
// strings must never reach the backend as the same text.
func validForm(form url.Values) bool {
	for k, vs := range form {
		if !utf8.ValidString(k) {
			return false
		}
		for _, v := range vs {
			if !utf8.ValidString(v) {
				return false
			}
		}
	}
	return true
}

// authOutcome is the controller's answer to one auth request: a prompt,
// or a final reply
type authOutcome struct {
	prompt *ipc.AuthMessage
	reply  *ipc.AuthReply
	ok     bool
}

// authStep sends one auth request and tracks where the exchange stands
func (c *conn) authStep(ctx context.Context, m ipc.Message) (authOutcome, error) {
	rep, files, err := c.ch.Request(ctx, m)
	ipc.CloseFiles(files)
	if err != nil {
		return authOutcome{}, err
	}

	switch {
	case rep.Command == ipc.AuthMsg && rep.Result == ipc.ResultAuthContinue:
		msg, err := ipc.Payload[ipc.AuthMessage](rep)
		if err != nil {
			return authOutcome{}, err
		}
		c.auth = authPrompted
		return authOutcome{prompt: msg}, nil

	case rep.Command == ipc.AuthRep && rep.Result == ipc.ResultOK:
		ar, err := ipc.Payload[ipc.AuthReply](rep)
		if err != nil {
			return authOutcome{}, err
		}
		c.auth = authAccepted
		c.cookie = ar.Cookie
		c.log.Info("login accepted", "username", logsanitize.Sanitize(ar.Username))
		return authOutcome{reply: ar, ok: true}, nil

	case rep.Command == ipc.AuthRep:
		ar, _ := ipc.Payload[ipc.AuthReply](rep)
		c.auth = authRejected
		return authOutcome{reply: ar}, nil
	}
	return authOutcome{}, fmt.Errorf("unexpected %s reply (%s) to %s", rep.Command, rep.Result, m.Command)
}

func (c *conn) answer(o authOutcome) error {
	switch {
	case o.prompt != nil:
		h := make(http.Header)
		h.Set("X-Auth-Prompt", o.prompt.Prompt)
		return c.respond(http.StatusOK, h, o.prompt.Prompt)
	case o.ok:
		return c.respondAccepted()
	}
	return c.respondFailure(o.reply)
}

func (c *conn) respondAccepted() error {
	h := make(http.Header)
	if len(c.cookie) > 0 {
		ck := &http.Cookie{
			Name:     CookieName,
			Value:    hex.EncodeToString(c.cookie),
			Path:     "/",
			Secure:   true,
			HttpOnly: true,
		}
		h.Set("Set-Cookie", ck.String())
	}
	return c.respond(http.StatusOK, h, "ok")
}

func (c *conn) reinit(ctx context.Context) error {
	rep, files, err := c.ch.Request(ctx, ipc.Message{Command: ipc.AuthReinit})
	ipc.CloseFiles(files)
	if err != nil {
		return err
	}
	if rep.Command != ipc.AuthReinit || rep.Result != ipc.ResultOK {
		return fmt.Errorf("reinit refused: %s", rep.Result)
	}
	c.auth = authNone
	return nil
}

func requestCookie(req *http.Request) []byte {
	ck, err := req.Cookie(CookieName)
	if err != nil {
		return nil
	}
	b, err := hex.DecodeString(ck.Value)
	if err != nil {
		return nil
	}
	return b
}

// handleConnect asks the controller for the tunnel, by cookie or, with
// certificate-only authentication, by the certificate alone. A login
// accepted on this connection needs no cookie.
func (c *conn) handleConnect(ctx context.Context, req *http.Request) (*tunnelSetup, error) {
	var m ipc.Message
	cookie := requestCookie(req)
	if cookie == nil && c.auth == authAccepted {
		cookie = c.cookie
	}
	switch {
	case cookie != nil || c.auth == authAccepted:
		if c.auth == authRejected || c.auth == authPrompted {
			if err := c.reinit(ctx); err != nil {
				return nil, err
			}
		}
		m = ipc.Message{Command: ipc.AuthCookieReq, Payload: &ipc.CookieRequest{
			Cookie:    cookie,
			CertUser:  c.certUser,
			RemoteIP:  c.remote,
			UserAgent: c.userAgent,
			Hostname:  c.hostname,
			TLSCipher: c.cipher,
		}}
	case c.w.types.CertificateOnly() && c.auth == authNone:
		m = ipc.Message{Command: ipc.AuthInit, Payload: c.initMessage("", true)}
	default:
		return nil, c.respond(http.StatusUnauthorized, nil, "login required")
	}

	rep, files, err := c.ch.Request(ctx, m)
	if err != nil {
		ipc.CloseFiles(files)
		return nil, err
	}
	ar, perr := ipc.Payload[ipc.AuthReply](rep)
	if rep.Command != ipc.AuthRep || rep.Result != ipc.ResultOK || perr != nil {
		ipc.CloseFiles(files)
		c.auth = authRejected
		return nil, c.respondFailure(ar)
	}
	if len(files) != 1 || ar.Network == nil {
		ipc.CloseFiles(files)
		return nil, fmt.Errorf("tunnel reply without a device")
	}
	c.auth = authAccepted
	if len(cookie) > 0 {
		c.cookie = cookie
	}

	t := &tunnelSetup{
		reply:    ar,
		dev:      files[0],
		compress: c.w.cfg.Tunnel.Compression == "snappy" && acceptsEncoding(req, "snappy"),
	}
	mtu := ar.Network.MTU
	if want, err := strconv.Atoi(req.Header.Get("X-CSTP-MTU")); err == nil && want >= minMTU && want < mtu {
		if c.setMTU(ctx, want) {
			mtu = want
		}
	}

	if err := c.writeConnected(t, mtu); err != nil {
		_ = t.dev.Close()
		return nil, err
	}
	c.log.Info("tunnel established",
		"username", logsanitize.Sanitize(ar.Username),
		"ipv4", ar.Network.IPv4,
		"ipv6", ar.Network.IPv6,
		"dtls", len(ar.DTLSSessionID) > 0,
	)
	return t, nil
}

func acceptsEncoding(req *http.Request, enc string) bool {
	for _, v := range strings.Split(req.Header.Get("X-CSTP-Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), enc) {
			return true
		}
	}
	return false
}

func (c *conn) setMTU(ctx context.Context, mtu int) bool {
	rep, files, err := c.ch.Request(ctx, ipc.Message{Command: ipc.CmdTunMTU, Payload: &ipc.TunMTU{MTU: mtu}})
	ipc.CloseFiles(files)
	if err != nil || rep.Result != ipc.ResultOK {
		c.log.Warn("tunnel mtu not changed", "mtu", mtu, "result", rep.Result.String())
		return false
	}
	return true
}

// writeConnected answers the CONNECT. The response has no body; tunnel
// framing starts right after it.
func (c *conn) writeConnected(t *tunnelSetup, mtu int) error {
	ns := t.reply.Network
	cfg := c.w.cfg
	h := make(http.Header)
	h.Set("X-CSTP-Version", "1")
	h.Set("X-CSTP-MTU", strconv.Itoa(mtu))
	h.Set("X-CSTP-Keepalive", strconv.Itoa(int(cfg.Keepalive().Seconds())))
	h.Set("X-CSTP-DPD", strconv.Itoa(int(cfg.DPD().Seconds())))
	if ns.IPv4 != "" {
		h.Set("X-CSTP-Address", ns.IPv4)
		h.Set("X-CSTP-Netmask", ns.IPv4Netmask)
	}
	if ns.IPv6 != "" {
		h.Set("X-CSTP-Address-IP6", ns.IPv6+"/"+ns.IPv6Netmask)
	}
	for _, dns := range []string{ns.IPv4DNS, ns.IPv6DNS} {
		if dns != "" {
			h.Add("X-CSTP-DNS", dns)
		}
	}
	for _, nbns := range []string{ns.IPv4NBNS, ns.IPv6NBNS} {
		if nbns != "" {
			h.Add("X-CSTP-NBNS", nbns)
		}
	}
	for _, r := range ns.Routes {
		h.Add("X-CSTP-Split-Include", r)
	}
	if ns.Domain != "" {
		h.Set("X-CSTP-Default-Domain", ns.Domain)
	}
	if t.compress {
		h.Set("X-CSTP-Content-Encoding", "snappy")
	}
	if id := t.reply.DTLSSessionID; len(id) > 0 {
		h.Set("X-DTLS-App-ID", hex.EncodeToString(id))
		h.Set("X-DTLS-CipherSuite", "PSK-NEGOTIATE")
		h.Set("X-DTLS-DPD", strconv.Itoa(int(cfg.DPD().Seconds())))
		h.Set("X-DTLS-Keepalive", strconv.Itoa(int(cfg.Keepalive().Seconds())))
		if port := udpPort(cfg.Listen.UDP); port != "" {
			h.Set("X-DTLS-Port", port)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 200 CONNECTED\r\n")
	if err := h.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	_, err := c.tls.Write(buf.Bytes())
	return err
}

func udpPort(addr string) string {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

// handleLogout invalidates the session cookie
func (c *conn) handleLogout(ctx context.Context, req *http.Request) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(req.Body, maxFormSize))
	if cookie := requestCookie(req); cookie != nil {
		c.cookie = cookie
	}
	c.logout(ctx)
	return c.respond(http.StatusOK, nil, "logged out")
}

// logout asks the controller to forget the session cookie. The
// controller only honours this for the cookie this session was
// authenticated with.
func (c *conn) logout(ctx context.Context) {
	if len(c.cookie) == 0 {
		return
	}
	rep, files, err := c.ch.Request(ctx, ipc.Message{Command: ipc.ResumeDelete, Payload: &ipc.ResumeKey{ID: c.cookie}})
	ipc.CloseFiles(files)
	if err != nil {
		c.log.Debug("failed to invalidate cookie", "error", err)
		return
	}
	if rep.Result != ipc.ResultOK {
		c.log.Warn("cookie invalidation refused", "result", rep.Result.String())
		return
	}
	c.cookie = nil
}
