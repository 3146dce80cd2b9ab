// Package server implements the VSOA server core: accept loop, SERVINFO
// handshake, per-client state, subscription/RPC/datagram dispatch, publish
// fan-out and stream tunnels. Grounded on the teacher's Server (net.Listener,
// sync.Map client table, context-driven shutdown, admin HTTP mux), adapted
// from a WebSocket broadcast server to VSOA's own binary framing and RPC
// dispatch rules.
//
// The distilled spec models one "dispatcher thread" owning a select loop, so
// that decoder/user callbacks are serialized and disconnect/remove-listener
// calls from inside a callback are forbidden. In Go the idiomatic equivalent
// keeps a per-connection read goroutine (letting the runtime netpoller do the
// multiplexing) but funnels every decoded frame through a single dispatch
// goroutine's channel, so callback serialization and the "no close from
// inside a callback" invariant still hold: CliClose and internally triggered
// client closes enqueue command objects consumed between dispatch iterations
// rather than running synchronously. RemoveListener is not queued; it takes
// the listener-table lock directly.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/acoinfo/vsoa-go/internal/metrics"
	"github.com/acoinfo/vsoa-go/internal/vsoa/mware"
	"github.com/acoinfo/vsoa-go/internal/vsoa/plistener"
	"github.com/acoinfo/vsoa-go/internal/vsoa/pmem"
	"github.com/acoinfo/vsoa-go/internal/vsoa/psend"
	"github.com/acoinfo/vsoa-go/internal/vsoa/subtrie"
	"github.com/acoinfo/vsoa-go/internal/vsoa/vsoaerr"
	"github.com/acoinfo/vsoa-go/internal/vsoa/wire"
)

// RPCHandler handles a routed RPC call. It must eventually call reply with
// the same correlation info it was given, exactly once (directly, or via a
// captured mware.Resolve for an asynchronous reply).
type RPCHandler func(c *Client, method uint8, url string, param, data []byte, reply ReplyFunc)

// ReplyFunc sends an RPC reply correlated to the call that produced it.
type ReplyFunc func(status uint8, param, data []byte)

// DatagramHandler handles an inbound DATAGRAM frame. No reply is sent.
type DatagramHandler func(c *Client, url string, param, data []byte)

// ConnectFunc is invoked when a client completes (or fails) the handshake.
type ConnectFunc func(c *Client, authed bool)

// DisconnectFunc is invoked when a client's connection is torn down.
type DisconnectFunc func(c *Client, err error)

// Config configures a Server.
type Config struct {
	Passwd          string
	Info            []byte // arbitrary server info bytes returned in SERVINFO
	Backlog         int
	SenderWorkers   int
	SenderQueue     int
	SendTimeout     time.Duration
	PlistenerWorkers int
	PoolMaxSlab     int64
	MaxClients      int // 0 = unlimited
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics // nil disables metrics instrumentation
}

func (c *Config) setDefaults() {
	if c.Backlog <= 0 {
		c.Backlog = 32
	}
	if c.SenderWorkers <= 0 {
		c.SenderWorkers = 4
	}
	if c.SenderQueue <= 0 {
		c.SenderQueue = 128
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.PlistenerWorkers <= 0 {
		c.PlistenerWorkers = 4
	}
}

// listener is one registered RPC route.
type listenerEntry struct {
	url     string
	handler RPCHandler
	handle  *plistener.Handle // nil => invoked synchronously on the dispatch goroutine
}

// Server is a VSOA server instance. Create with New, then ListenAndServe.
type Server struct {
	cfg Config

	logger zerolog.Logger

	ln       net.Listener
	udpConn  *net.UDPConn
	tunLn    map[uint16]net.Listener
	tunMu    sync.Mutex
	nextTun  uint32

	pool   *pmem.Pool
	sender *psend.Sender
	plist  *plistener.Pool
	subs   *subtrie.Index
	mwares *mware.Registry

	listenersMu sync.RWMutex
	listeners   map[string]*listenerEntry

	clientsMu sync.RWMutex
	clients   map[uint32]*Client
	nextID    atomic.Uint32

	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	onDatagram   DatagramHandler

	events  chan func() // frame/command events consumed by the single dispatch goroutine
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// Client is the server-side view of a connected peer.
type Client struct {
	ID          uint32
	conn        net.Conn
	addr        net.Addr
	rx          *wire.Receiver
	authed      atomic.Bool
	priority    atomic.Uint32
	linger      atomic.Int64 // time.Duration, 0 = discard-on-close
	sendTimeout time.Duration
	lastActive  atomic.Int64 // unix nanos
	custom      atomic.Value
	quickAddr   atomic.Value // *net.UDPAddr, last-seen quick-channel source
	closeOnce   sync.Once
}

// SetLinger controls flush-vs-discard behaviour of pending parallel-sender
// buffers when this client is closed. d==0 discards immediately (default);
// d>0 gives the sender up to d to flush before the remaining buffers are
// discarded. Resolves Open Question 1 from the Design Notes.
func (c *Client) SetLinger(d time.Duration) { c.linger.Store(int64(d)) }

// SetCustom stores arbitrary application state alongside the client.
func (c *Client) SetCustom(v any) { c.custom.Store(v) }

// Custom retrieves application state previously stored with SetCustom.
func (c *Client) Custom() any { return c.custom.Load() }

// Addr returns the client's remote address.
func (c *Client) Addr() net.Addr { return c.addr }

// SetQuickAddr records the UDP address c's most recent quick-channel
// datagram arrived from; QuickPublish uses this to route replies back since
// UDP carries no persistent connection to read it from otherwise.
func (c *Client) SetQuickAddr(addr *net.UDPAddr) { c.quickAddr.Store(addr) }

// QuickAddr returns the address previously recorded by SetQuickAddr.
func (c *Client) QuickAddr() (*net.UDPAddr, bool) {
	v := c.quickAddr.Load()
	if v == nil {
		return nil, false
	}
	return v.(*net.UDPAddr), true
}

// New creates a Server. Call ListenAndServe to start accepting connections.
func New(cfg Config) *Server {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "server").Logger(),
		tunLn:     make(map[uint16]net.Listener),
		pool:      pmem.New(cfg.PoolMaxSlab),
		subs:      subtrie.New(),
		mwares:    mware.NewRegistry(),
		listeners: make(map[string]*listenerEntry),
		clients:   make(map[uint32]*Client),
		events:    make(chan func(), 1024),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.sender = psend.New(cfg.SenderWorkers, cfg.SenderQueue, cfg.SendTimeout, s.onSendFailure, s.logger)
	s.plist = plistener.New(cfg.PlistenerWorkers, s.logger)
	return s
}

// OnConnect registers the handshake-completion callback.
func (s *Server) OnConnect(f ConnectFunc) { s.onConnect = f }

// OnDisconnect registers the teardown callback.
func (s *Server) OnDisconnect(f DisconnectFunc) { s.onDisconnect = f }

// OnDatagram registers the quick-channel callback.
func (s *Server) OnDatagram(f DatagramHandler) { s.onDatagram = f }

// AddListener registers an RPC route. Pattern "/" is the default wildcard
// (lowest precedence). Returns ErrDuplicateURL if the exact pattern is
// already registered.
func (s *Server) AddListener(url string, parallel bool, maxQueued int, h RPCHandler) error {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	if _, ok := s.listeners[url]; ok {
		return vsoaerr.ErrDuplicateURL
	}
	entry := &listenerEntry{url: url, handler: h}
	if maxQueued >= 0 {
		entry.handle = s.plist.Register(parallel, maxQueued)
	}
	s.listeners[url] = entry
	return nil
}

// Use registers a middleware step on url's chain, creating the chain on
// first use. Steps run in registration order on every RPC routed to url (or
// a trailing-slash descendant of it) before the listener's handler, and a
// step returning cont=false stops the chain and skips the handler entirely.
func (s *Server) Use(url string, step mware.Step) {
	s.mwares.Register(url).Use(step)
}

// RemoveListener unregisters url. Per the concurrency model this must not be
// called from within an RPC handler running on the dispatch goroutine.
func (s *Server) RemoveListener(url string) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	delete(s.listeners, url)
}

// bestListener implements the RPC routing precedence: exact match wins over
// trailing-slash prefix match; "/" is the fallback.
func (s *Server) bestListener(url string) *listenerEntry {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	if e, ok := s.listeners[url]; ok {
		return e
	}
	best := ""
	var bestEntry *listenerEntry
	for pattern, e := range s.listeners {
		if pattern == "/" {
			continue
		}
		if !strings.HasSuffix(pattern, "/") {
			continue
		}
		key := strings.TrimSuffix(pattern, "/")
		if url == key || strings.HasPrefix(url, key+"/") {
			if len(pattern) > len(best) {
				best = pattern
				bestEntry = e
			}
		}
	}
	if bestEntry != nil {
		return bestEntry
	}
	if e, ok := s.listeners["/"]; ok {
		return e
	}
	return nil
}

// ListenAndServe binds listenAddr, starts the sender/plistener pools and the
// single dispatch goroutine, then accepts connections until Shutdown.
func (s *Server) ListenAndServe(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", vsoaerr.ErrBindFailed, err)
	}
	s.ln = ln

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("%w: %v", vsoaerr.ErrBindFailed, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("%w: %v", vsoaerr.ErrBindFailed, err)
	}
	s.udpConn = udpConn

	s.sender.Start()
	s.plist.Start()

	s.wg.Add(1)
	go s.dispatchLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.udpReadLoop()

	if s.cfg.Metrics != nil {
		s.wg.Add(1)
		go s.metricsLoop()
	}

	return nil
}

// udpReadLoop receives quick-channel datagrams on the shared UDP socket and
// dispatches each to its sender, identified by the CLIENT_ID the wire format
// carries in the quick frame's SEQNO field (see client.Datagram). Datagrams
// from an unrecognized id, or that fail to parse as a well-formed quick
// frame, are silently dropped: the quick channel is best-effort by design.
func (s *Server) udpReadLoop() {
	defer s.wg.Done()
	buf := make([]byte, wire.MaxQuickPacketLength)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Debug().Err(err).Msg("quick channel read failed")
				continue
			}
		}
		if n < wire.HeaderLength {
			continue
		}
		h, err := wire.DecodeHeader(buf[:wire.HeaderLength])
		if err != nil || h.Type != wire.TypeDatagram {
			continue
		}
		total := h.TotalLength()
		if total > n {
			continue
		}

		off := wire.HeaderLength
		url := append([]byte(nil), buf[off:off+int(h.URLLen)]...)
		off += int(h.URLLen)
		param := append([]byte(nil), buf[off:off+int(h.ParamLen)]...)
		off += int(h.ParamLen)
		data := append([]byte(nil), buf[off:off+int(h.DataLen)]...)

		clientID := h.Seqno
		s.clientsMu.RLock()
		c, ok := s.clients[clientID]
		s.clientsMu.RUnlock()
		if !ok {
			continue
		}
		c.SetQuickAddr(addr)

		s.enqueueEvent(func() {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.DatagramsTotal.Inc()
			}
			if s.onDatagram != nil {
				s.onDatagram(c, string(url), param, data)
			}
		})
	}
}

// metricsLoop periodically samples gauges that have no natural call site
// (queue depths, cumulative dropped-frame deltas).
func (s *Server) metricsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastDropped int64
	for {
		select {
		case <-ticker.C:
			s.cfg.Metrics.SenderQueueDepth.Set(float64(s.sender.QueueDepth()))
			s.cfg.Metrics.PlistenerQueueDepth.Set(float64(s.plist.QueueDepth()))
			s.cfg.Metrics.PoolOutstandingBytes.Set(float64(s.pool.OutstandingBytes()))
			dropped := s.sender.DroppedCount()
			if delta := dropped - lastDropped; delta > 0 {
				s.cfg.Metrics.SenderDropped.Add(float64(delta))
			}
			lastDropped = dropped
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.clientsMu.Lock()
		full := s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients
		s.clientsMu.Unlock()
		if full {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.ClientsRejected.Inc()
			}
			s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Int("max_clients", s.cfg.MaxClients).Msg("rejecting connection: at capacity")
			conn.Close()
			continue
		}

		id := s.nextID.Add(1)
		c := &Client{ID: id, conn: conn, addr: conn.RemoteAddr(), rx: wire.NewReceiver(false), sendTimeout: s.cfg.SendTimeout}
		s.clientsMu.Lock()
		s.clients[id] = c
		active := len(s.clients)
		s.clientsMu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ClientsTotal.Inc()
			s.cfg.Metrics.ClientsActive.Set(float64(active))
		}

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

func (s *Server) readLoop(c *Client) {
	defer s.wg.Done()
	defer s.closeClient(c, nil)

	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastActive.Store(time.Now().UnixNano())
			chunk := append([]byte(nil), buf[:n]...)
			done := make(chan struct{})
			s.enqueueEvent(func() {
				defer close(done)
				ferr := c.rx.Feed(chunk, func(f wire.Frame) { s.handleFrame(c, f) })
				if ferr != nil {
					s.logger.Debug().Err(ferr).Uint32("client", c.ID).Msg("protocol error")
					s.closeClientAsync(c, ferr)
				}
			})
			<-done
		}
		if err != nil {
			return
		}
	}
}

// enqueueEvent funnels work onto the single dispatch goroutine so that all
// decoder and user callbacks are serialized, matching the "one dispatcher
// owns the loop" invariant.
func (s *Server) enqueueEvent(f func()) {
	select {
	case s.events <- f:
	case <-s.ctx.Done():
	}
}

func (s *Server) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case f := <-s.events:
			s.runEvent(f)
		case <-s.ctx.Done():
			return
		}
	}
}

// runEvent executes one dispatch-goroutine event, recovering a panic from a
// user-supplied handler (RPC, publish, middleware, connect/disconnect
// callback) so a single misbehaving handler can't take down the dispatcher.
func (s *Server) runEvent(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in dispatch handler")
		}
	}()
	f()
}

func (s *Server) handleFrame(c *Client, f wire.Frame) {
	switch f.Header.Type {
	case wire.TypeServInfo:
		s.handleServInfo(c, f)
	case wire.TypeRPC:
		s.handleRPC(c, f)
	case wire.TypeSubscribe:
		s.handleSubscribe(c, f, true)
	case wire.TypeUnsubscribe:
		s.handleSubscribe(c, f, false)
	case wire.TypeDatagram:
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DatagramsTotal.Inc()
		}
		if s.onDatagram != nil {
			s.onDatagram(c, string(f.URL), append([]byte(nil), f.Param...), append([]byte(nil), f.Data...))
		}
	case wire.TypePublish:
		// Invalid from a client: protocol error, close the connection.
		s.closeClientAsync(c, vsoaerr.ErrProtocolError)
	case wire.TypePingEcho:
		s.reply(c, wire.TypePingEcho, f.Header.Seqno, f.Header.TunID, wire.StatusSuccess, nil, nil)
	case wire.TypeNoop:
		// ignore
	case wire.TypeQOSSetup:
		c.priority.Store(uint32(f.Header.Status))
	}
}

func (s *Server) handleServInfo(c *Client, f wire.Frame) {
	if string(f.Param) != s.cfg.Passwd {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AuthFailures.Inc()
		}
		s.reply(c, wire.TypeServInfo, f.Header.Seqno, 0, wire.StatusPassword, nil, nil)
		s.closeClientAsync(c, vsoaerr.ErrBadPassword)
		return
	}
	c.authed.Store(true)
	s.reply(c, wire.TypeServInfo, f.Header.Seqno, 0, wire.StatusSuccess, nil, s.cfg.Info)
	if s.onConnect != nil {
		s.onConnect(c, true)
	}
}

func (s *Server) handleSubscribe(c *Client, f wire.Frame, subscribe bool) {
	url := string(f.URL)
	if subscribe {
		s.subs.Add(c.ID, url)
	} else {
		s.subs.Remove(c.ID, url)
	}
	s.reply(c, f.Header.Type, f.Header.Seqno, f.Header.TunID, wire.StatusSuccess, nil, nil)
}

func (s *Server) handleRPC(c *Client, f wire.Frame) {
	url := string(f.URL)
	entry := s.bestListener(url)
	if entry == nil {
		s.reply(c, wire.TypeRPC, f.Header.Seqno, f.Header.TunID, wire.StatusInvalidURL, nil, nil)
		return
	}
	method := f.Header.Flags & wire.FlagSet
	seqno, tunID := f.Header.Seqno, f.Header.TunID
	param := append([]byte(nil), f.Param...)
	data := append([]byte(nil), f.Data...)
	start := time.Now()
	reply := func(status uint8, rp, rd []byte) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RPCCallsTotal.WithLabelValues(entry.url, fmt.Sprintf("%d", status)).Inc()
			s.cfg.Metrics.RPCDuration.WithLabelValues(entry.url).Observe(time.Since(start).Seconds())
		}
		s.reply(c, wire.TypeRPC, seqno, tunID, status, rp, rd)
	}

	if chain, ok := s.mwares.BestMatch(url); ok && chain.Len() > 0 {
		_, completed := chain.Run(func(status uint8, _ uint16, rp, rd []byte) { reply(status, rp, rd) })
		if !completed {
			return
		}
	}

	task := func() { entry.handler(c, method, url, param, data, reply) }
	if entry.handle != nil {
		entry.handle.Submit(task)
		return
	}
	task()
}

func (s *Server) reply(c *Client, typ uint8, seqno uint32, tunID uint16, status uint8, param, data []byte) {
	h := wire.Header{Type: typ, Flags: wire.FlagReply, Status: status, Seqno: seqno, TunID: tunID}
	if tunID != 0 {
		h.Flags |= wire.FlagTunnel
	}
	s.send(c, h, nil, param, data)
}

func (s *Server) send(c *Client, h wire.Header, url, param, data []byte) {
	total, pad := wire.CalcSize(len(url), len(param), len(data))
	_ = pad
	buf, err := s.pool.Alloc(total)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PoolAllocFailures.Inc()
		}
		s.logger.Warn().Err(err).Msg("pool exhausted, dropping frame")
		return
	}
	if _, err := wire.Encode(buf.Bytes(), h, url, param, data); err != nil {
		buf.Free()
		s.logger.Warn().Err(err).Msg("encode failed")
		return
	}
	s.sender.Write(c.ID, c.conn, buf)
}

// Publish delivers payload to every client whose subscription set matches
// url. Each recipient gets its own ref on a single shared buffer.
func (s *Server) Publish(url string, param, data []byte) {
	recipients := s.subs.Matches(url)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PublishesTotal.Inc()
		s.cfg.Metrics.PublishFanout.Observe(float64(len(recipients)))
	}
	if len(recipients) == 0 {
		return
	}
	h := wire.Header{Type: wire.TypePublish}
	total, _ := wire.CalcSize(len(url), len(param), len(data))
	buf, err := s.pool.Alloc(total)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PoolAllocFailures.Inc()
		}
		s.logger.Warn().Err(err).Msg("pool exhausted, dropping publish")
		return
	}
	if _, err := wire.Encode(buf.Bytes(), h, []byte(url), param, data); err != nil {
		buf.Free()
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	sent := false
	for _, id := range recipients {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		if sent {
			buf.Ref()
		}
		sent = true
		s.sender.Write(c.ID, c.conn, buf)
	}
	if !sent {
		buf.Free()
	}
}

// QuickPublish delivers payload to every subscribed client's quick channel,
// best-effort over UDP. A client that has never sent a quick-channel
// datagram has no known return address and is skipped; unlike Publish this
// bypasses the parallel sender since UDP writes don't block on a slow peer.
func (s *Server) QuickPublish(url string, param, data []byte) {
	recipients := s.subs.Matches(url)
	if len(recipients) == 0 || s.udpConn == nil {
		return
	}
	h := wire.Header{Type: wire.TypeDatagram}
	total, _ := wire.CalcSize(len(url), len(param), len(data))
	if total > wire.MaxQuickPacketLength {
		s.logger.Warn().Str("url", url).Int("size", total).Msg("quick publish exceeds max quick packet length")
		return
	}
	buf, err := s.pool.Alloc(total)
	if err != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PoolAllocFailures.Inc()
		}
		return
	}
	defer buf.Free()
	if _, err := wire.Encode(buf.Bytes(), h, []byte(url), param, data); err != nil {
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PublishesTotal.Inc()
		s.cfg.Metrics.PublishFanout.Observe(float64(len(recipients)))
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, id := range recipients {
		c, ok := s.clients[id]
		if !ok {
			continue
		}
		addr, ok := c.QuickAddr()
		if !ok {
			continue
		}
		if _, err := s.udpConn.WriteToUDP(buf.Bytes(), addr); err != nil {
			s.logger.Debug().Err(err).Uint32("client", c.ID).Msg("quick publish write failed")
		}
	}
}

// CliReply is the server's RPC reply channel, callable from any thread
// (including asynchronously from a captured mware.Resolve).
func (s *Server) CliReply(id uint32, status uint8, seqno uint32, tunID uint16, param, data []byte) {
	s.clientsMu.RLock()
	c, ok := s.clients[id]
	s.clientsMu.RUnlock()
	if !ok {
		return
	}
	s.reply(c, wire.TypeRPC, seqno, tunID, status, param, data)
}

// CliClose closes the given client's connection. Thread-safe.
func (s *Server) CliClose(id uint32) {
	s.clientsMu.RLock()
	c, ok := s.clients[id]
	s.clientsMu.RUnlock()
	if ok {
		s.closeClientAsync(c, nil)
	}
}

// CliPriority sets a client's priority, clamped to [0,5].
func (s *Server) CliPriority(id uint32, priority uint8) {
	if priority > 5 {
		priority = 5
	}
	s.clientsMu.RLock()
	c, ok := s.clients[id]
	s.clientsMu.RUnlock()
	if ok {
		c.priority.Store(uint32(priority))
	}
}

// CliSetAuthed force-sets a client's authed flag.
func (s *Server) CliSetAuthed(id uint32, authed bool) {
	s.clientsMu.RLock()
	c, ok := s.clients[id]
	s.clientsMu.RUnlock()
	if ok {
		c.authed.Store(authed)
	}
}

func (s *Server) onSendFailure(socketID uint32, err error) {
	s.clientsMu.RLock()
	c, ok := s.clients[socketID]
	s.clientsMu.RUnlock()
	if ok {
		s.closeClientAsync(c, err)
	}
}

// closeClientAsync enqueues the close so it never runs synchronously from
// inside a callback already executing on the dispatch goroutine.
func (s *Server) closeClientAsync(c *Client, err error) {
	s.enqueueEvent(func() { s.closeClient(c, err) })
}

func (s *Server) closeClient(c *Client, err error) {
	c.closeOnce.Do(func() {
		linger := time.Duration(c.linger.Load())
		if linger > 0 {
			// Stop reading but keep the write side open so queued frames can flush.
			if tc, ok := c.conn.(*net.TCPConn); ok {
				_ = tc.CloseRead()
			}
			time.AfterFunc(linger, func() {
				s.sender.Discard(c.ID)
				_ = c.conn.Close()
			})
		} else {
			s.sender.Discard(c.ID)
			_ = c.conn.Close()
		}
		s.subs.RemoveClient(c.ID)
		s.clientsMu.Lock()
		delete(s.clients, c.ID)
		active := len(s.clients)
		s.clientsMu.Unlock()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ClientsActive.Set(float64(active))
		}
		if s.onDisconnect != nil {
			s.onDisconnect(c, err)
		}
	})
}

// ClientInfo is a point-in-time snapshot of a connected client, exposed by
// Clients() for health/debug endpoints.
type ClientInfo struct {
	ID       uint32 `json:"id"`
	Addr     string `json:"addr"`
	Authed   bool   `json:"authed"`
	Priority uint8  `json:"priority"`
}

// Clients returns a snapshot of all currently connected clients.
func (s *Server) Clients() []ClientInfo {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientInfo{
			ID:       c.ID,
			Addr:     c.addr.String(),
			Authed:   c.authed.Load(),
			Priority: uint8(c.priority.Load()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StreamCreate allocates a secondary TCP listener for raw-byte tunnel
// transport and returns its assigned tunnel id.
func (s *Server) StreamCreate(listenAddr string) (uint16, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", vsoaerr.ErrListenFailed, err)
	}
	tunID := uint16(s.nextTun.Add(1))
	s.tunMu.Lock()
	s.tunLn[tunID] = ln
	s.tunMu.Unlock()
	return tunID, nil
}

// StreamAccept blocks until a peer dials tunID's listener, returning the raw connection.
func (s *Server) StreamAccept(tunID uint16) (net.Conn, error) {
	s.tunMu.Lock()
	ln, ok := s.tunLn[tunID]
	s.tunMu.Unlock()
	if !ok {
		return nil, vsoaerr.ErrNotFound
	}
	return ln.Accept()
}

// StreamClose tears down tunID's listener.
func (s *Server) StreamClose(tunID uint16) {
	s.tunMu.Lock()
	ln, ok := s.tunLn[tunID]
	delete(s.tunLn, tunID)
	s.tunMu.Unlock()
	if ok {
		_ = ln.Close()
	}
}

// Shutdown closes the listening socket, every client connection, the
// parallel sender and the plistener pool, then waits for all goroutines to
// exit. Idempotent. Must be called from outside any server callback.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
	}
	s.tunMu.Lock()
	for _, ln := range s.tunLn {
		_ = ln.Close()
	}
	s.tunMu.Unlock()

	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.sender.Stop()
	s.plist.Stop()
	return nil
}

// MarshalInfo is a convenience for building a JSON SERVINFO payload, since
// the engine itself treats info as an opaque byte string.
func MarshalInfo(v any) ([]byte, error) { return json.Marshal(v) }
