package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/time/rate"
)

// Reasons a relay stops
var (
	ErrClientDisconnect = errors.New("client disconnected")
	ErrDeadPeer         = errors.New("dead peer detected")
	ErrKicked           = errors.New("session terminated by server")
	ErrUnexpectedPacket = errors.New("unexpected packet from client")
	ErrBadCompressed    = errors.New("malformed compressed packet")
)

// Idle limits, in DPD intervals
const (
	deadPeerIntervals      = 3 // no packet on any channel: the session ends
	staleDatagramIntervals = 2 // no packet on the datagram channel: fall back to the stream
)

// Options tunes a Relay
type Options struct {
	DPD      time.Duration // zero disables dead peer detection
	Compress bool          // send device traffic compressed when it shrinks
	RxPerSec int           // client to device, bytes/s, zero means unlimited
	TxPerSec int           // device to client
	Logger   *slog.Logger
}

// Relay moves IP packets between a tun device and the client. The stream
// channel is always present; a datagram channel may be attached later and
// is preferred for device traffic while it works.
type Relay struct {
	dev     io.ReadWriter
	primary Channel
	opts    Options
	log     *slog.Logger
	rx, tx  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	wmu    sync.Mutex // primary writes, so a kick is the last packet out
	kicked bool

	devMu sync.Mutex
	dgram atomic.Pointer[dgramSlot]

	lastRecv  atomic.Int64
	lastDgram atomic.Int64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64

	stopOnce sync.Once
	done     chan struct{}
	err      error
}

type dgramSlot struct {
	ch Channel
}

// NewRelay creates a relay between dev and the stream channel primary
func NewRelay(dev io.ReadWriter, primary Channel, opts Options) *Relay {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		dev:     dev,
		primary: primary,
		opts:    opts,
		log:     log,
		rx:      newLimiter(opts.RxPerSec),
		tx:      newLimiter(opts.TxPerSec),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.lastRecv.Store(time.Now().UnixNano())
	return r
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	burst := perSec
	if burst < MaxPacket {
		burst = MaxPacket
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Run relays until the client disconnects, the peer dies, the relay is
// kicked, a channel fails or ctx ends. The caller closes the device and
// channels afterwards, which unblocks the remaining readers.
func (r *Relay) Run(ctx context.Context) error {
	go r.readChannel(r.primary, false)
	go r.readDevice()

	var tick <-chan time.Time
	if r.opts.DPD > 0 {
		t := time.NewTicker(r.opts.DPD / 2)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			r.stop(ctx.Err())
		case <-r.done:
			return r.err
		case <-tick:
			r.checkPeer()
		}
	}
}

// SetDatagram attaches the datagram channel, replacing any previous one
func (r *Relay) SetDatagram(ch Channel) {
	r.lastDgram.Store(time.Now().UnixNano())
	if old := r.dgram.Swap(&dgramSlot{ch: ch}); old != nil {
		closeChannel(old.ch)
	}
	go r.readChannel(ch, true)
}

// HasDatagram reports whether a datagram channel is attached
func (r *Relay) HasDatagram() bool {
	return r.dgram.Load() != nil
}

// Kick sends the server kick on the stream channel and stops the relay.
// A packet being written when Kick is called is completed first and
// nothing is written after the kick.
func (r *Relay) Kick() error {
	r.wmu.Lock()
	var err error
	if !r.kicked {
		r.kicked = true
		err = r.primary.WritePacket(Packet{Type: PktTermServer})
	}
	r.wmu.Unlock()
	r.stop(ErrKicked)
	return err
}

// Stats returns bytes received from and sent to the client
func (r *Relay) Stats() (in, out uint64) {
	return r.bytesIn.Load(), r.bytesOut.Load()
}

// Done is closed when the relay has stopped
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

func (r *Relay) stop(err error) {
	r.stopOnce.Do(func() {
		r.err = err
		r.cancel()
		close(r.done)
	})
}

func (r *Relay) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Relay) readChannel(ch Channel, datagram bool) {
	for {
		p, err := ch.ReadPacket()
		if err != nil {
			if datagram {
				if errors.Is(err, ErrUnknownType) || errors.Is(err, ErrEmptyDatagram) {
					continue
				}
				r.dropDatagram(ch, err)
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrClientDisconnect
			}
			r.stop(fmt.Errorf("stream channel: %w", err))
			return
		}

		now := time.Now().UnixNano()
		r.lastRecv.Store(now)
		if datagram {
			r.lastDgram.Store(now)
		}

		if err := r.handle(ch, p); err != nil {
			r.stop(err)
			return
		}
	}
}

func (r *Relay) handle(ch Channel, p Packet) error {
	switch p.Type {
	case PktData:
		return r.toDevice(p.Payload)
	case PktCompressed:
		n, err := snappy.DecodedLen(p.Payload)
		if err != nil || n > MaxPacket {
			return ErrBadCompressed
		}
		plain, err := snappy.Decode(nil, p.Payload)
		if err != nil {
			return ErrBadCompressed
		}
		return r.toDevice(plain)
	case PktDPDOut:
		if ch == r.primary {
			return r.writePrimary(Packet{Type: PktDPDResp, Payload: p.Payload})
		}
		if err := ch.WritePacket(Packet{Type: PktDPDResp, Payload: p.Payload}); err != nil {
			r.dropDatagram(ch, err)
		}
		return nil
	case PktDPDResp, PktKeepalive:
		return nil
	case PktDisconnect:
		return ErrClientDisconnect
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedPacket, p.Type)
}

func (r *Relay) toDevice(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if r.rx != nil {
		if err := r.rx.WaitN(r.ctx, len(b)); err != nil {
			return err
		}
	}
	r.devMu.Lock()
	_, err := r.dev.Write(b)
	r.devMu.Unlock()
	if err != nil {
		return fmt.Errorf("device write: %w", err)
	}
	r.bytesIn.Add(uint64(len(b)))
	return nil
}

func (r *Relay) readDevice() {
	buf := make([]byte, MaxPacket)
	var cbuf []byte
	for {
		n, err := r.dev.Read(buf)
		if err != nil {
			r.stop(fmt.Errorf("device read: %w", err))
			return
		}
		if n == 0 {
			continue
		}
		if r.tx != nil {
			if err := r.tx.WaitN(r.ctx, n); err != nil {
				return
			}
		}

		p := Packet{Type: PktData, Payload: buf[:n]}
		if r.opts.Compress {
			cbuf = snappy.Encode(cbuf[:cap(cbuf)], buf[:n])
			if len(cbuf) < n {
				p = Packet{Type: PktCompressed, Payload: cbuf}
			}
		}
		if err := r.send(p); err != nil {
			r.stop(err)
			return
		}
		r.bytesOut.Add(uint64(n))
	}
}

func (r *Relay) send(p Packet) error {
	if d := r.dgram.Load(); d != nil {
		err := d.ch.WritePacket(p)
		if err == nil {
			return nil
		}
		r.dropDatagram(d.ch, err)
	}
	return r.writePrimary(p)
}

func (r *Relay) writePrimary(p Packet) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	if r.kicked {
		return ErrKicked
	}
	if err := r.primary.WritePacket(p); err != nil {
		return fmt.Errorf("stream channel: %w", err)
	}
	return nil
}

func (r *Relay) dropDatagram(ch Channel, cause error) {
	cur := r.dgram.Load()
	if cur == nil || cur.ch != ch || !r.dgram.CompareAndSwap(cur, nil) {
		return
	}
	closeChannel(ch)
	if !r.stopped() {
		r.log.Info("datagram channel dropped, using stream", "error", cause)
	}
}

func (r *Relay) checkPeer() {
	now := time.Now()
	if now.Sub(time.Unix(0, r.lastRecv.Load())) > deadPeerIntervals*r.opts.DPD {
		r.stop(ErrDeadPeer)
		return
	}
	if d := r.dgram.Load(); d != nil && now.Sub(time.Unix(0, r.lastDgram.Load())) > staleDatagramIntervals*r.opts.DPD {
		r.dropDatagram(d.ch, errors.New("datagram channel idle"))
	}
}

func closeChannel(ch Channel) {
	if c, ok := ch.(io.Closer); ok {
		_ = c.Close()
	}
}
