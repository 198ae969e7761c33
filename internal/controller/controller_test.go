package controller

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/al-bashkir/tlsvpnd/internal/auth"
	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/pool"
	"github.com/al-bashkir/tlsvpnd/internal/session"
	"github.com/al-bashkir/tlsvpnd/internal/tun"
)

// fakeBackend accepts "pw" for every user. With hang set, Submit blocks
// until its context ends.
type fakeBackend struct {
	calls atomic.Int32
	hang  atomic.Bool
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Begin(context.Context, auth.Client) (auth.Exchange, string, error) {
	return b, "Password:", nil
}

func (b *fakeBackend) Submit(ctx context.Context, response string) (auth.Verdict, error) {
	b.calls.Add(1)
	if b.hang.Load() {
		<-ctx.Done()
		return auth.Verdict{}, ctx.Err()
	}
	if response == "pw" {
		return auth.Verdict{Outcome: auth.Accept, Groups: []string{"staff"}}, nil
	}
	return auth.Verdict{Outcome: auth.Reject}, nil
}

type fakeTun struct {
	mu      sync.Mutex
	created []config.VpnNetworkState
	closed  int
}

func (f *fakeTun) Create(ns *config.VpnNetworkState, _ []string) (tun.Device, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ns.Name = ns.Name + "0"
	f.created = append(f.created, *ns)
	return &fakeDevice{r: r, w: w, owner: f}, nil
}

func (f *fakeTun) counts() (created, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), f.closed
}

type fakeDevice struct {
	r, w  *os.File
	owner *fakeTun
	mtu   atomic.Int32
}

func (d *fakeDevice) Name() string            { return "vpns0" }
func (d *fakeDevice) File() (*os.File, error) { return d.r, nil }
func (d *fakeDevice) SetMTU(mtu int) error    { d.mtu.Store(int32(mtu)); return nil }

func (d *fakeDevice) Close() error {
	_ = d.r.Close()
	_ = d.w.Close()
	d.owner.mu.Lock()
	d.owner.closed++
	d.owner.mu.Unlock()
	return nil
}

// script plays the worker side of one connection
type script func(ctx context.Context, conn *ipc.Conn, raw *net.UnixConn)

type harness struct {
	ctrl    *Controller
	addr    string
	store   *session.Store
	tickets *session.Store
	tun     *fakeTun
	backend *fakeBackend
	spawned atomic.Int32
	clients []net.Conn
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Listen.UDP = ""
	cfg.Limits.RateLimitMS = 0
	cfg.Worker.TerminateGrace = 1
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, scripts ...script) *harness {
	t.Helper()

	h := &harness{
		store:   session.NewStore(16, time.Hour, session.WithCleanupInterval(0)),
		tickets: session.NewStore(16, time.Hour, session.WithCleanupInterval(0)),
		tun:     &fakeTun{},
		backend: &fakeBackend{},
	}
	t.Cleanup(h.store.Stop)
	t.Cleanup(h.tickets.Stop)

	spawner := InProcessSpawner{Run: func(ctx context.Context, id string, channel, client *os.File) error {
		n := int(h.spawned.Add(1)) - 1
		nc, err := net.FileConn(channel)
		if err != nil {
			return err
		}
		raw := nc.(*net.UnixConn)
		conn := ipc.NewConn(raw)
		defer func() { _ = conn.Close() }()
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		if n < len(scripts) && scripts[n] != nil {
			scripts[n](ctx, conn, raw)
			return nil
		}
		<-ctx.Done()
		return nil
	}}

	ctrl, err := New(Options{
		Config:  cfg,
		Backend: h.backend,
		Store:   h.store,
		Tickets: h.tickets,
		Pools:   pool.NewManager(),
		Tun:     h.tun,
		Spawner: spawner,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.ctrl = ctrl

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		_ = ctrl.Serve(ctx, ln)
		close(served)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		ctrl.Wait()
		for _, c := range h.clients {
			_ = c.Close()
		}
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatal(err)
	}
	h.clients = append(h.clients, c)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// exchange sends req and returns the next frame
func exchange(conn *ipc.Conn, req ipc.Message) (ipc.Message, []*os.File, error) {
	if err := conn.Send(req); err != nil {
		return ipc.Message{}, nil, err
	}
	return conn.Recv()
}

// login runs AUTH_INIT and AUTH_REQ and returns the cookie
func login(conn *ipc.Conn, user, password string) (ipc.Message, error) {
	m, _, err := exchange(conn, ipc.Message{Command: ipc.AuthInit, Payload: &ipc.AuthInitMsg{Username: user}})
	if err != nil {
		return m, err
	}
	if m.Command != ipc.AuthMsg || m.Result != ipc.ResultAuthContinue {
		return m, errors.New("expected a password prompt, got " + m.Command.String())
	}
	m, _, err = exchange(conn, ipc.Message{Command: ipc.AuthReq, Payload: &ipc.AuthRequest{Password: password}})
	return m, err
}

func TestAdmissionLimits(t *testing.T) {
	a := NewAdmission(2, 1, 0)
	if err := a.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(); !errors.Is(err, ErrTooManyClients) {
		t.Fatalf("third Connect = %v, want ErrTooManyClients", err)
	}
	a.Disconnect()
	if err := a.Connect(); err != nil {
		t.Fatalf("Connect after Disconnect = %v", err)
	}

	if err := a.Claim("alice"); err != nil {
		t.Fatal(err)
	}
	if err := a.Claim("alice"); !errors.Is(err, ErrTooManySameClients) {
		t.Fatalf("second Claim = %v", err)
	}
	if err := a.Claim("bob"); err != nil {
		t.Fatalf("Claim for another identity = %v", err)
	}
	a.Release("alice")
	a.Release("alice")
	if n := a.Sessions("alice"); n != 0 {
		t.Errorf("sessions after release = %d", n)
	}
}

func TestAdmissionRateLimit(t *testing.T) {
	a := NewAdmission(0, 0, time.Hour)
	if err := a.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Connect = %v, want ErrRateLimited", err)
	}
	if a.Active() != 1 {
		t.Errorf("active = %d, a refused attempt must not count", a.Active())
	}
}

func TestMaxClientsRefusedBeforeSpawn(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxClients = 1
	h := newHarness(t, cfg)

	h.dial(t)
	eventually(t, "first worker", func() bool { return h.spawned.Load() == 1 })

	second := h.dial(t)
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("second connection read = %v, want EOF", err)
	}
	if n := h.spawned.Load(); n != 1 {
		t.Errorf("spawned %d workers, want 1", n)
	}
	if n := h.ctrl.Admission().Active(); n != 1 {
		t.Errorf("active = %d, want 1", n)
	}
}

func TestPasswordLoginOpensTunnel(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.UDP = ":0"

	type result struct {
		cookie []byte
		reply  *ipc.AuthReply
		files  int
		err    error
	}
	results := make(chan result, 1)
	proceed := make(chan struct{})

	h := newHarness(t, cfg, func(ctx context.Context, conn *ipc.Conn, _ *net.UnixConn) {
		var r result
		sent := false
		defer func() {
			if !sent {
				results <- r
			}
		}()

		m, err := login(conn, "alice", "pw")
		if err != nil {
			r.err = err
			return
		}
		rep, err := ipc.Payload[ipc.AuthReply](m)
		if err != nil || m.Result != ipc.ResultOK {
			r.err = errors.New("login refused: " + m.Result.String())
			return
		}
		r.cookie = rep.Cookie

		m, files, err := exchange(conn, ipc.Message{Command: ipc.AuthCookieReq, Payload: &ipc.CookieRequest{Cookie: rep.Cookie}})
		ipc.CloseFiles(files)
		if err != nil {
			r.err = err
			return
		}
		r.files = len(files)
		if r.reply, err = ipc.Payload[ipc.AuthReply](m); err != nil {
			r.err = err
			return
		}

		_ = conn.Send(ipc.Message{Command: ipc.CmdSessionInfo, Payload: &ipc.SessionInfo{
			Entries: []ipc.SessionEntry{{BytesIn: 10, BytesOut: 20, DTLSCipher: "PSK-AES128-GCM-SHA256"}},
		}})
		m, _, err = exchange(conn, ipc.Message{Command: ipc.CmdTunMTU, Payload: &ipc.TunMTU{MTU: 1300}})
		if err != nil || m.Result != ipc.ResultOK {
			r.err = errors.New("mtu change refused")
			return
		}
		results <- r
		sent = true

		select {
		case <-proceed:
		case <-ctx.Done():
		}
		_ = conn.Send(ipc.Message{Command: ipc.CmdTerminate, Payload: &ipc.Terminate{Reason: "client disconnected"}})
	})
	h.dial(t)

	r := <-results
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.files != 1 {
		t.Errorf("tunnel reply carried %d descriptors, want 1", r.files)
	}
	if r.reply.Network == nil || r.reply.Network.IPv4 != "192.168.99.2" || r.reply.Network.IPv4Local != "192.168.99.1" {
		t.Errorf("network = %+v", r.reply.Network)
	}
	if len(r.reply.DTLSSessionID) != session.IDSize {
		t.Errorf("dtls session id length = %d", len(r.reply.DTLSSessionID))
	}
	if r.reply.Username != "alice" || r.reply.Group != "staff" {
		t.Errorf("identity = %s/%s", r.reply.Username, r.reply.Group)
	}

	id, err := session.IDFromBytes(r.cookie)
	if err != nil {
		t.Fatal(err)
	}
	rec, ok := h.store.Fetch(id)
	if !ok || rec.Username != "alice" {
		t.Fatalf("cookie record = %+v, %v", rec, ok)
	}

	sessions := h.ctrl.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.Username != "alice" || s.State != "connected" || s.IPv4 != "192.168.99.2" || s.BytesIn != 10 || s.BytesOut != 20 {
		t.Errorf("session entry = %+v", s)
	}
	if s.RemoteIP != "127.0.0.1" {
		t.Errorf("remote ip = %q", s.RemoteIP)
	}

	var dtlsID session.ID
	copy(dtlsID[:], r.reply.DTLSSessionID)
	if h.ctrl.lookupDTLS(dtlsID) == nil {
		t.Error("dtls session id not registered")
	}

	close(proceed)
	eventually(t, "worker release", func() bool { return h.ctrl.Admission().Active() == 0 })
	if created, closed := h.tun.counts(); created != 1 || closed != 1 {
		t.Errorf("devices created %d closed %d", created, closed)
	}
	if h.ctrl.lookupDTLS(dtlsID) != nil {
		t.Error("dtls session id still registered after release")
	}
	if n := h.ctrl.Admission().Sessions("alice"); n != 0 {
		t.Errorf("alice still holds %d sessions", n)
	}
}

func TestSameClientLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.MaxSameClients = 1

	first := make(chan error, 1)
	second := make(chan ipc.Message, 1)
	h := newHarness(t, cfg,
		func(ctx context.Context, conn *ipc.Conn, _ *net.UnixConn) {
			m, err := login(conn, "alice", "pw")
			if err == nil && m.Result != ipc.ResultOK {
				err = errors.New("first login refused")
			}
			first <- err
			<-ctx.Done()
		},
		func(_ context.Context, conn *ipc.Conn, _ *net.UnixConn) {
			m, _ := login(conn, "alice", "pw")
			second <- m
		},
	)

	h.dial(t)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	h.dial(t)
	m := <-second
	if m.Command != ipc.AuthRep || m.Result != ipc.ResultAuthFail {
		t.Fatalf("second login = %s/%s", m.Command, m.Result)
	}
	rep, err := ipc.Payload[ipc.AuthReply](m)
	if err != nil || rep.Reason != ipc.ReasonLimit {
		t.Errorf("reason = %v, want limit", rep)
	}
}

func TestMalformedFrameTerminatesOnlyThatWorker(t *testing.T) {
	terminated := make(chan ipc.Message, 1)
	healthy := make(chan ipc.Message, 1)
	h := newHarness(t, testConfig(),
		func(_ context.Context, conn *ipc.Conn, raw *net.UnixConn) {
			_, _ = raw.Write([]byte{0xee, 0, 0, 0, 0, 0})
			m, _, _ := conn.Recv()
			terminated <- m
		},
		func(_ context.Context, conn *ipc.Conn, _ *net.UnixConn) {
			m, _, _ := exchange(conn, ipc.Message{Command: ipc.AuthInit, Payload: &ipc.AuthInitMsg{Username: "bob"}})
			healthy <- m
		},
	)

	h.dial(t)
	if m := <-terminated; m.Command != ipc.CmdTerminate {
		t.Fatalf("malformed frame answered with %s", m.Command)
	}

	h.dial(t)
	if m := <-healthy; m.Command != ipc.AuthMsg {
		t.Fatalf("next worker got %s, controller should still serve", m.Command)
	}
}

func TestResumptionCannotTouchCookies(t *testing.T) {
	type result struct {
		fetched   []byte
		cookieHit bool
		overwrite ipc.Result
		deleteRes ipc.Result
		after     ipc.Command
		cookie    []byte
		err       error
	}
	results := make(chan result, 1)

	h := newHarness(t, testConfig(), func(_ context.Context, conn *ipc.Conn, _ *net.UnixConn) {
		var r result
		defer func() { results <- r }()

		m, err := login(conn, "alice", "pw")
		if err != nil {
			r.err = err
			return
		}
		rep, err := ipc.Payload[ipc.AuthReply](m)
		if err != nil || m.Result != ipc.ResultOK {
			r.err = errors.New("login refused: " + m.Result.String())
			return
		}
		r.cookie = rep.Cookie

		ticket := bytes.Repeat([]byte{7}, session.IDSize)
		if m, _, _ := exchange(conn, ipc.Message{Command: ipc.ResumeStoreReq, Payload: &ipc.ResumeStore{ID: ticket, Data: []byte("state")}}); m.Result != ipc.ResultOK {
			r.err = errors.New("store refused: " + m.Result.String())
			return
		}
		m, _, _ = exchange(conn, ipc.Message{Command: ipc.ResumeFetchReq, Payload: &ipc.ResumeKey{ID: ticket}})
		if d, err := ipc.Payload[ipc.ResumeData](m); err == nil {
			r.fetched = d.Data
		}
		m, _, _ = exchange(conn, ipc.Message{Command: ipc.ResumeFetchReq, Payload: &ipc.ResumeKey{ID: rep.Cookie}})
		r.cookieHit = m.Payload != nil

		other := bytes.Repeat([]byte{9}, session.IDSize)
		m, _, _ = exchange(conn, ipc.Message{Command: ipc.ResumeDelete, Payload: &ipc.ResumeKey{ID: other}})
		r.deleteRes = m.Result

		m, _, _ = exchange(conn, ipc.Message{Command: ipc.ResumeStoreReq, Payload: &ipc.ResumeStore{ID: rep.Cookie, Data: []byte("x")}})
		r.overwrite = m.Result
		m, _, _ = conn.Recv()
		r.after = m.Command
	})
	h.dial(t)

	r := <-results
	if r.err != nil {
		t.Fatal(r.err)
	}
	if string(r.fetched) != "state" {
		t.Errorf("fetched %q", r.fetched)
	}
	if r.cookieHit {
		t.Error("a cookie record was returned as resumption state")
	}
	if r.deleteRes != ipc.ResultOK {
		t.Errorf("delete of absent id = %s", r.deleteRes)
	}
	if r.overwrite != ipc.ResultBadCommand || r.after != ipc.CmdTerminate {
		t.Errorf("cookie overwrite = %s then %s, want bad command then terminate", r.overwrite, r.after)
	}

	id, _ := session.IDFromBytes(r.cookie)
	if rec, ok := h.store.Fetch(id); !ok || rec.Username != "alice" {
		t.Errorf("cookie record changed: %+v %v", rec, ok)
	}
}

func TestAuthTimeoutEndsWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.AuthTimeout = 1

	got := make(chan []ipc.Message, 1)
	h := newHarness(t, cfg, func(_ context.Context, conn *ipc.Conn, _ *net.UnixConn) {
		var msgs []ipc.Message
		m, _, _ := exchange(conn, ipc.Message{Command: ipc.AuthInit, Payload: &ipc.AuthInitMsg{Username: "slow"}})
		msgs = append(msgs, m)
		for i := 0; i < 2; i++ {
			m, _, err := conn.Recv()
			if err != nil {
				break
			}
			msgs = append(msgs, m)
		}
		got <- msgs
	})
	h.dial(t)

	msgs := <-got
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want prompt, failure and terminate", len(msgs))
	}
	rep, err := ipc.Payload[ipc.AuthReply](msgs[1])
	if err != nil || rep.Reason != ipc.ReasonTimeout {
		t.Errorf("timeout reply = %+v", msgs[1])
	}
	if msgs[2].Command != ipc.CmdTerminate {
		t.Errorf("last message = %s, want CMD_TERMINATE", msgs[2].Command)
	}
	if n := h.backend.calls.Load(); n != 0 {
		t.Errorf("backend called %d times", n)
	}
}

func TestTicketsDoNotCrowdOutCookies(t *testing.T) {
	flooded := make(chan error, 1)
	logged := make(chan ipc.Message, 1)
	h := newHarness(t, testConfig(),
		func(ctx context.Context, conn *ipc.Conn, _ *net.UnixConn) {
			// handshakes only, no login
			for i := 0; i <= 16; i++ {
				id, err := session.NewID()
				if err != nil {
					flooded <- err
					return
				}
				m, _, err := exchange(conn, ipc.Message{Command: ipc.ResumeStoreReq, Payload: &ipc.ResumeStore{ID: id.Bytes(), Data: []byte("state")}})
				if err != nil {
					flooded <- err
					return
				}
				want := ipc.ResultOK
				if i == 16 {
					want = ipc.ResultMem
				}
				if m.Result != want {
					flooded <- errors.New("ticket " + m.Result.String())
					return
				}
			}
			flooded <- nil
			<-ctx.Done()
		},
		func(_ context.Context, conn *ipc.Conn, _ *net.UnixConn) {
			m, _ := login(conn, "alice", "pw")
			logged <- m
		},
	)

	h.dial(t)
	if err := <-flooded; err != nil {
		t.Fatal(err)
	}
	if h.tickets.Len() != 16 || h.store.Len() != 0 {
		t.Fatalf("tickets %d cookies %d", h.tickets.Len(), h.store.Len())
	}

	h.dial(t)
	m := <-logged
	rep, err := ipc.Payload[ipc.AuthReply](m)
	if err != nil || m.Result != ipc.ResultOK {
		t.Fatalf("login = %s/%s", m.Command, m.Result)
	}
	if len(rep.Cookie) != session.IDSize {
		t.Fatalf("cookie length = %d, login must stay resumable", len(rep.Cookie))
	}
	id, _ := session.IDFromBytes(rep.Cookie)
	if rec, ok := h.store.Fetch(id); !ok || rec.Username != "alice" {
		t.Errorf("cookie record = %+v, %v", rec, ok)
	}
}

func TestTunnelWithoutStoredCookie(t *testing.T) {
	type result struct {
		cookie []byte
		reply  ipc.Message
		files  int
		err    error
	}
	results := make(chan result, 1)
	h := newHarness(t, testConfig(), func(ctx context.Context, conn *ipc.Conn, _ *net.UnixConn) {
		var r result
		m, err := login(conn, "alice", "pw")
		if err != nil || m.Result != ipc.ResultOK {
			r.err = errors.New("login refused")
			results <- r
			return
		}
		if rep, err := ipc.Payload[ipc.AuthReply](m); err == nil {
			r.cookie = rep.Cookie
		}
		m, files, err := exchange(conn, ipc.Message{Command: ipc.AuthCookieReq, Payload: &ipc.CookieRequest{}})
		ipc.CloseFiles(files)
		r.reply, r.files, r.err = m, len(files), err
		results <- r
		<-ctx.Done()
	})
	for i := 0; i < 16; i++ {
		id, _ := session.NewID()
		if _, err := h.store.Put(session.Record{ID: id, Username: "someone"}); err != nil {
			t.Fatal(err)
		}
	}

	h.dial(t)
	r := <-results
	if r.err != nil {
		t.Fatal(r.err)
	}
	if len(r.cookie) != 0 {
		t.Errorf("cookie issued from a full store")
	}
	rep, err := ipc.Payload[ipc.AuthReply](r.reply)
	if err != nil || r.reply.Result != ipc.ResultOK || rep.Network == nil {
		t.Fatalf("tunnel reply = %s/%s %+v", r.reply.Command, r.reply.Result, rep)
	}
	if r.files != 1 {
		t.Errorf("tunnel reply carried %d descriptors", r.files)
	}
}

// collect reads frames until CMD_TERMINATE or the channel fails
func collect(conn *ipc.Conn) []ipc.Message {
	var msgs []ipc.Message
	for {
		m, files, err := conn.Recv()
		ipc.CloseFiles(files)
		if err != nil {
			return msgs
		}
		msgs = append(msgs, m)
		if m.Command == ipc.CmdTerminate {
			return msgs
		}
	}
}

func TestStalledBackendTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.AuthTimeout = 1

	got := make(chan []ipc.Message, 1)
	h := newHarness(t, cfg, func(_ context.Context, conn *ipc.Conn, _ *net.UnixConn) {
		if m, _, _ := exchange(conn, ipc.Message{Command: ipc.AuthInit, Payload: &ipc.AuthInitMsg{Username: "alice"}}); m.Command != ipc.AuthMsg {
			got <- []ipc.Message{m}
			return
		}
		_ = conn.Send(ipc.Message{Command: ipc.AuthReq, Payload: &ipc.AuthRequest{Password: "pw"}})
		got <- collect(conn)
	})
	h.backend.hang.Store(true)
	h.dial(t)

	var msgs []ipc.Message
	select {
	case msgs = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not ended while the backend stalled")
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want failure and terminate", len(msgs))
	}
	rep, err := ipc.Payload[ipc.AuthReply](msgs[0])
	if err != nil || msgs[0].Result != ipc.ResultAuthFail || rep.Reason != ipc.ReasonTimeout {
		t.Errorf("reply = %+v", msgs[0])
	}
	if msgs[1].Command != ipc.CmdTerminate {
		t.Errorf("last message = %s, want CMD_TERMINATE", msgs[1].Command)
	}
}

func TestTerminateDuringBackendCall(t *testing.T) {
	got := make(chan []ipc.Message, 1)
	h := newHarness(t, testConfig(), func(_ context.Context, conn *ipc.Conn, _ *net.UnixConn) {
		_, _, _ = exchange(conn, ipc.Message{Command: ipc.AuthInit, Payload: &ipc.AuthInitMsg{Username: "alice"}})
		_ = conn.Send(ipc.Message{Command: ipc.AuthReq, Payload: &ipc.AuthRequest{Password: "pw"}})
		got <- collect(conn)
	})
	h.backend.hang.Store(true)
	h.dial(t)

	eventually(t, "backend call", func() bool { return h.backend.calls.Load() == 1 })
	sessions := h.ctrl.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if err := h.ctrl.Terminate(sessions[0].WorkerID, "maintenance"); err != nil {
		t.Fatal(err)
	}

	select {
	case msgs := <-got:
		if len(msgs) == 0 || msgs[len(msgs)-1].Command != ipc.CmdTerminate {
			t.Fatalf("messages = %+v, want CMD_TERMINATE last", msgs)
		}
		term, err := ipc.Payload[ipc.Terminate](msgs[len(msgs)-1])
		if err != nil || term.Reason != "maintenance" {
			t.Errorf("terminate = %+v", term)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("terminate was not served during the backend call")
	}
	eventually(t, "release", func() bool { return len(h.ctrl.Sessions()) == 0 })
	if h.ctrl.lockout.Locked("alice") {
		t.Error("an administrative kick must not lock the identity out")
	}
}

func TestHandleControl(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dial(t)
	eventually(t, "worker", func() bool { return len(h.ctrl.Sessions()) == 1 })

	resp, err := h.ctrl.HandleControl(context.Background(), ipc.Message{Command: ipc.CmdSessionInfo})
	if err != nil {
		t.Fatal(err)
	}
	info, err := ipc.Payload[ipc.SessionInfo](resp)
	if err != nil || len(info.Entries) != 1 {
		t.Fatalf("listing = %+v, %v", info, err)
	}

	_, err = h.ctrl.HandleControl(context.Background(), ipc.Message{
		Command: ipc.CmdTerminate,
		Payload: &ipc.Terminate{WorkerID: "nope"},
	})
	if !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("terminate unknown = %v", err)
	}

	_, err = h.ctrl.HandleControl(context.Background(), ipc.Message{
		Command: ipc.CmdTerminate,
		Payload: &ipc.Terminate{WorkerID: info.Entries[0].WorkerID},
	})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "termination", func() bool { return len(h.ctrl.Sessions()) == 0 })

	if _, err := h.ctrl.HandleControl(context.Background(), ipc.Message{Command: ipc.AuthInit}); !errors.Is(err, ipc.ErrBadCommand) {
		t.Errorf("worker command on control socket = %v", err)
	}
}

func TestHelloSessionID(t *testing.T) {
	sid := bytes.Repeat([]byte{0xab}, session.IDSize)
	hello := make([]byte, helloSessionOffset)
	hello[0] = contentHandshake
	hello[dtlsRecordHeader] = handshakeHello
	hello = append(hello, byte(len(sid)))
	hello = append(hello, sid...)
	hello = append(hello, 0, 2, 0xc0, 0x2b) // cipher suites follow

	id, ok := helloSessionID(hello)
	if !ok || !bytes.Equal(id[:], sid) {
		t.Fatalf("helloSessionID = %x, %v", id, ok)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "short", frame: hello[:helloSessionOffset]},
		{name: "not handshake", frame: append([]byte{23}, hello[1:]...)},
		{name: "truncated id", frame: hello[:helloSessionOffset+10]},
		{name: "empty id", frame: append(append([]byte(nil), hello[:helloSessionOffset]...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := helloSessionID(tt.frame); ok {
				t.Error("accepted")
			}
		})
	}
}
