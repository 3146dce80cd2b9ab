// Package client implements the VSOA client core: connect/disconnect,
// ping/subscribe/unsubscribe, async and sync RPC calls, the quick (datagram)
// channel, and stream tunnels. Structurally grounded on the NATS client
// wrapper's connect/disconnect/handler shape (Config struct, Close,
// IsConnected, status accessor) even though the wire protocol itself is
// VSOA's own framing, not NATS.
package client

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/acoinfo/vsoa-go/internal/vsoa/vsoaerr"
	"github.com/acoinfo/vsoa-go/internal/vsoa/wire"
)

// MessageFunc is invoked once per inbound PUBLISH or DATAGRAM frame, on the
// client's single dispatch goroutine.
type MessageFunc func(url string, param, data []byte, quick bool)

// ReplyCallback is invoked exactly once per async call: with a valid header
// on reply, or with ok=false on timeout/disconnect.
type ReplyCallback func(ok bool, status uint8, param, data []byte)

// Config configures a Client.
type Config struct {
	OnMessage MessageFunc
	Logger    zerolog.Logger
}

// pendingCall is one outstanding async RPC.
type pendingCall struct {
	cb      ReplyCallback
	timer   *time.Timer
}

// Client is a VSOA client connection. Not safe for concurrent Connect/Close;
// all other exported methods are thread-safe.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	conn    net.Conn
	rx      *wire.Receiver
	id      uint32 // this client's id as assigned by the quick channel, if any
	connected atomic.Bool

	seqno atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint32]*pendingCall

	subMu sync.Mutex
	subPending map[uint32]func(ok bool, status uint8)

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an unconnected Client.
func New(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "client").Logger(),
		pending:    make(map[uint32]*pendingCall),
		subPending: make(map[uint32]func(ok bool, status uint8)),
		events:     make(chan func(), 256),
	}
}

// Connect performs the blocking SERVINFO handshake against serverAddr and
// returns the server info bytes. Fails with ErrRefused/ErrTimeout/
// ErrBadPassword/ErrProtocolError.
func (c *Client) Connect(ctx context.Context, serverAddr, passwd string) ([]byte, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vsoaerr.ErrRefused, err)
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = conn.SetDeadline(deadline)
	}

	seq := c.seqno.Add(1)
	url := []byte(nil)
	total, _ := wire.CalcSize(0, len(passwd), 0)
	buf := make([]byte, total)
	if _, err := wire.Encode(buf, wire.Header{Type: wire.TypeServInfo, Seqno: seq}, url, []byte(passwd), nil); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(buf); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", vsoaerr.ErrRefused, err)
	}

	rx := wire.NewReceiver(false)
	readBuf := make([]byte, 4096)
	var info []byte
	var status uint8
	got := false
	for !got {
		n, err := conn.Read(readBuf)
		if err != nil {
			conn.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, vsoaerr.ErrTimeout
			}
			return nil, fmt.Errorf("%w: %v", vsoaerr.ErrRefused, err)
		}
		if ferr := rx.Feed(readBuf[:n], func(f wire.Frame) {
			if f.Header.Type == wire.TypeServInfo {
				status = f.Header.Status
				info = append([]byte(nil), f.Data...)
				got = true
			}
		}); ferr != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", vsoaerr.ErrProtocolError, ferr)
		}
	}
	_ = conn.SetDeadline(time.Time{})

	if status == wire.StatusPassword {
		conn.Close()
		return nil, vsoaerr.ErrBadPassword
	}
	if status != wire.StatusSuccess {
		conn.Close()
		return nil, vsoaerr.ErrProtocolError
	}

	c.mu.Lock()
	c.conn = conn
	c.rx = wire.NewReceiver(false)
	c.mu.Unlock()
	c.connected.Store(true)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(2)
	go c.dispatchLoop()
	go c.readLoop()

	return info, nil
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// SetQuickID sets the client id tagged onto outgoing quick-channel (UDP)
// frames. The server assigns this id out of band (e.g. in the SERVINFO
// reply payload); callers are expected to parse it from Connect's info
// bytes and set it here before calling Datagram.
func (c *Client) SetQuickID(id uint32) { c.id = id }

// Disconnect gracefully shuts the connection down; the client object is
// reusable for another Connect afterwards. Every pending call is woken with
// ok=false before Disconnect returns.
func (c *Client) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]*pendingCall)
	c.pendingMu.Unlock()
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.cb(false, 0, nil, nil)
	}
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			done := make(chan struct{})
			select {
			case c.events <- func() {
				defer close(done)
				c.rx.Feed(chunk, c.handleFrame)
			}:
				<-done
			case <-c.ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case f := <-c.events:
			c.runEvent(f)
		case <-c.ctx.Done():
			return
		}
	}
}

// runEvent executes one dispatch-goroutine event, recovering a panic from a
// caller-supplied callback (OnMessage, a reply/ping/subscribe callback) so
// it can't take down the dispatcher.
func (c *Client) runEvent(f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in dispatch handler")
		}
	}()
	f()
}

func (c *Client) handleFrame(f wire.Frame) {
	switch f.Header.Type {
	case wire.TypePublish, wire.TypeDatagram:
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(string(f.URL), append([]byte(nil), f.Param...), append([]byte(nil), f.Data...), f.Header.Type == wire.TypeDatagram)
		}
	case wire.TypeRPC:
		c.pendingMu.Lock()
		p, ok := c.pending[f.Header.Seqno]
		if ok {
			delete(c.pending, f.Header.Seqno)
		}
		c.pendingMu.Unlock()
		if ok {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.cb(true, f.Header.Status, append([]byte(nil), f.Param...), append([]byte(nil), f.Data...))
		}
		// unknown seqno: ignore, per the correlation error policy
	case wire.TypeSubscribe, wire.TypeUnsubscribe:
		c.subMu.Lock()
		cb, ok := c.subPending[f.Header.Seqno]
		if ok {
			delete(c.subPending, f.Header.Seqno)
		}
		c.subMu.Unlock()
		if ok {
			cb(true, f.Header.Status)
		}
	case wire.TypePingEcho:
		c.pendingMu.Lock()
		p, ok := c.pending[f.Header.Seqno]
		if ok {
			delete(c.pending, f.Header.Seqno)
		}
		c.pendingMu.Unlock()
		if ok {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.cb(true, f.Header.Status, nil, nil)
		}
	}
}

func (c *Client) writeFrame(h wire.Header, url, param, data []byte) error {
	total, _ := wire.CalcSize(len(url), len(param), len(data))
	buf := make([]byte, total)
	if _, err := wire.Encode(buf, h, url, param, data); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return vsoaerr.ErrClosed
	}
	_, err := conn.Write(buf)
	return err
}

// Ping sends a PINGECHO and invokes cb exactly once: on reply, or with
// ok=false at timeout.
func (c *Client) Ping(cb func(ok bool), timeout time.Duration) error {
	seq := c.seqno.Add(1)
	return c.arm(seq, timeout, func(ok bool, status uint8, param, data []byte) { cb(ok) },
		func() error { return c.writeFrame(wire.Header{Type: wire.TypePingEcho, Seqno: seq}, nil, nil, nil) })
}

// Subscribe requests subscription to url, non-blocking, correlated by seqno.
func (c *Client) Subscribe(url string, cb func(ok bool), timeout time.Duration) error {
	return c.subOrUnsub(wire.TypeSubscribe, url, cb, timeout)
}

// Unsubscribe requests unsubscription from url.
func (c *Client) Unsubscribe(url string, cb func(ok bool), timeout time.Duration) error {
	return c.subOrUnsub(wire.TypeUnsubscribe, url, cb, timeout)
}

func (c *Client) subOrUnsub(typ uint8, url string, cb func(ok bool), timeout time.Duration) error {
	seq := c.seqno.Add(1)
	c.subMu.Lock()
	c.subPending[seq] = func(ok bool, status uint8) { cb(ok && status == wire.StatusSuccess) }
	c.subMu.Unlock()
	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			c.subMu.Lock()
			_, ok := c.subPending[seq]
			delete(c.subPending, seq)
			c.subMu.Unlock()
			if ok {
				cb(false)
			}
		})
	}
	return c.writeFrame(wire.Header{Type: typ, Seqno: seq}, []byte(url), nil, nil)
}

// Call issues an async RPC. cb is invoked exactly once: with the reply, or
// with ok=false at timeout.
func (c *Client) Call(method uint8, url string, param, data []byte, cb ReplyCallback, timeout time.Duration) error {
	seq := c.seqno.Add(1)
	flags := uint8(0)
	if method != 0 {
		flags |= wire.FlagSet
	}
	return c.arm(seq, timeout, cb,
		func() error {
			return c.writeFrame(wire.Header{Type: wire.TypeRPC, Flags: flags, Seqno: seq}, []byte(url), param, data)
		})
}

func (c *Client) arm(seq uint32, timeout time.Duration, cb ReplyCallback, send func() error) error {
	p := &pendingCall{cb: cb}
	c.pendingMu.Lock()
	if _, dup := c.pending[seq]; dup {
		c.pendingMu.Unlock()
		return vsoaerr.ErrDuplicateSeqno
	}
	c.pending[seq] = p
	c.pendingMu.Unlock()

	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.pendingMu.Lock()
			_, ok := c.pending[seq]
			delete(c.pending, seq)
			c.pendingMu.Unlock()
			if ok {
				cb(false, 0, nil, nil)
			}
		})
	}

	if err := send(); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		if p.timer != nil {
			p.timer.Stop()
		}
		return err
	}
	return nil
}

// SyncCall blocks until reply, timeout, or disconnect. Must not be called
// from the client's own dispatch goroutine (i.e. from inside OnMessage or a
// Call callback) — doing so would deadlock waiting on itself.
func (c *Client) SyncCall(ctx context.Context, method uint8, url string, param, data []byte, timeout time.Duration) (status uint8, rparam, rdata []byte, err error) {
	type result struct {
		ok     bool
		status uint8
		param  []byte
		data   []byte
	}
	ch := make(chan result, 1)
	cbErr := c.Call(method, url, param, data, func(ok bool, status uint8, param, data []byte) {
		ch <- result{ok, status, param, data}
	}, timeout)
	if cbErr != nil {
		return 0, nil, nil, cbErr
	}
	select {
	case r := <-ch:
		if !r.ok {
			return 0, nil, nil, vsoaerr.ErrTimeout
		}
		return r.status, r.param, r.data, nil
	case <-ctx.Done():
		return 0, nil, nil, ctx.Err()
	}
}

// Datagram sends a best-effort UDP quick-channel publish-style message.
// quickAddr is the peer's quick-channel UDP address.
func (c *Client) Datagram(quickAddr, url string, param, data []byte) error {
	total, _ := wire.CalcSize(len(url), len(param), len(data))
	if total > wire.MaxQuickPacketLength {
		return wire.ErrQuickTooLarge
	}
	buf := make([]byte, total)
	h := wire.Header{Type: wire.TypeDatagram, Seqno: c.id}
	if _, err := wire.Encode(buf, h, []byte(url), param, data); err != nil {
		return err
	}
	conn, err := net.Dial("udp", quickAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write(buf)
	return err
}

// StreamCreate opens a new TCP connection to the peer's tunnel listener for
// raw byte transport, outside VSOA framing.
func (c *Client) StreamCreate(ctx context.Context, tunnelAddr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", tunnelAddr)
}
