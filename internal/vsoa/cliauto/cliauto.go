// Package cliauto wraps client.Client with a dedicated reconnect/ping/
// consistency-replay state machine, structurally grounded on the NATS
// client's ConnectHandler/DisconnectErrHandler/ReconnectHandler wiring and on
// the original vsoa_cliauto.h API. Runs its state machine on a single task
// goroutine driven by a command channel and timers, per the Design Notes'
// "task with channel-based command queue and timer wheel" guidance.
package cliauto

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/acoinfo/vsoa-go/internal/vsoa/client"
	"github.com/acoinfo/vsoa-go/internal/vsoa/position"
)

// State is one of the auto-client's state-machine states.
type State int

const (
	Idle State = iota
	Resolving
	Connecting
	Auth
	Subscribing
	ConsistencyReplay
	Ready
	PingLost
	ReconnectWait
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Resolving:
		return "RESOLVING"
	case Connecting:
		return "CONNECTING"
	case Auth:
		return "AUTH"
	case Subscribing:
		return "SUBSCRIBING"
	case ConsistencyReplay:
		return "CONSISTENCY_REPLAY"
	case Ready:
		return "READY"
	case PingLost:
		return "PING_LOST"
	case ReconnectWait:
		return "RECONNECT_WAIT"
	default:
		return "UNKNOWN"
	}
}

// MaxPingLost is the number of consecutive ping timeouts that trigger a
// transition out of READY.
const MaxPingLost = 3

// ConnectFunc is fired with (true, info) on transition into READY, and
// (false, nil) on any transition into RECONNECT_WAIT. Never fired from
// RESOLVING or CONSISTENCY_REPLAY.
type ConnectFunc func(connected bool, info []byte)

// ConsistentEntry re-issues an RPC GET on reconnect and replays the result to
// OnMessage as a synthetic PUBLISH, so that subscribers relying on server
// push state see a consistent value across a reconnect gap.
type ConsistentEntry struct {
	URL string
}

// Config configures an AutoClient.
type Config struct {
	Server        string
	Passwd        string
	URLs          []string // re-subscribed on every entry into READY
	KeepAlive     time.Duration // >= 50ms, ping period while READY when TurboInterval is 0
	ConnTimeout   time.Duration // >= 20ms
	ReconnDelay   time.Duration // >= 20ms
	TurboInterval time.Duration // 0 disables; otherwise >= 25ms, <= KeepAlive, used as the READY ping period
	TurboMaxCount int           // >= 3 when TurboInterval > 0; not otherwise used

	Consistent        []ConsistentEntry
	ConsistentTimeout time.Duration // >= 20ms

	OnMessage client.MessageFunc
	OnConnect ConnectFunc
	Resolver  *position.Resolver // nil => Server is used as a literal address
	Logger    zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.KeepAlive < 50*time.Millisecond {
		c.KeepAlive = 50 * time.Millisecond
	}
	if c.ConnTimeout < 20*time.Millisecond {
		c.ConnTimeout = 20 * time.Millisecond
	}
	if c.ReconnDelay < 20*time.Millisecond {
		c.ReconnDelay = 20 * time.Millisecond
	}
	if c.TurboInterval > 0 {
		if c.TurboInterval < 25*time.Millisecond {
			c.TurboInterval = 25 * time.Millisecond
		}
		if c.TurboInterval > c.KeepAlive {
			c.TurboInterval = c.KeepAlive
		}
		if c.TurboMaxCount < 3 {
			c.TurboMaxCount = 3
		}
	}
	if c.ConsistentTimeout < 20*time.Millisecond {
		c.ConsistentTimeout = 20 * time.Millisecond
	}
}

// AutoClient is the auto-reconnecting client robot described by component
// 4.10: it owns a client.Client and drives it through resolve, connect,
// auth, subscribe, consistency-replay and steady-state ping cycles, retrying
// the whole cycle from RESOLVING on any failure.
type AutoClient struct {
	cfg    Config
	logger zerolog.Logger

	cli *client.Client

	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state         State
	pingLostCount int
	resolvedAddr  string
	lastInfo      []byte
	pingTicker    *time.Ticker
	generation    int // bumped on every ReconnectWait entry, invalidates stale async callbacks
}

// New creates an AutoClient. Call Start to begin the state machine.
func New(cfg Config) *AutoClient {
	cfg.setDefaults()
	a := &AutoClient{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "cliauto").Logger(),
		cmds:   make(chan func(), 64),
		done:   make(chan struct{}),
		state:  Idle,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// Start launches the state-machine task goroutine.
func (a *AutoClient) Start() {
	go a.run()
	a.enqueue(func() { a.transition(Resolving) })
}

// Stop terminates the state machine and disconnects, if connected.
func (a *AutoClient) Stop() {
	a.cancel()
	<-a.done
}

// Handle returns the underlying client for read-only communication use
// (subscribe/call/datagram are fine; Disconnect must not be called on it
// directly — that would desync the auto-client's own state tracking).
func (a *AutoClient) Handle() *client.Client { return a.cli }

// State returns the current state machine state. Safe to call from any goroutine.
func (a *AutoClient) State() State {
	ch := make(chan State, 1)
	select {
	case a.cmds <- func() { ch <- a.state }:
		return <-ch
	case <-a.ctx.Done():
		return a.state
	}
}

func (a *AutoClient) enqueue(f func()) {
	select {
	case a.cmds <- f:
	case <-a.ctx.Done():
	}
}

func (a *AutoClient) run() {
	defer close(a.done)
	for {
		select {
		case f := <-a.cmds:
			a.runCmd(f)
		case <-a.ctx.Done():
			a.stopPing()
			if a.cli != nil && a.cli.IsConnected() {
				a.cli.Disconnect()
			}
			return
		}
	}
}

// runCmd executes one command-channel entry, recovering a panic from a
// caller-supplied OnConnect/OnMessage callback so it can't kill the state
// machine's single consumer goroutine.
func (a *AutoClient) runCmd(f func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered panic in auto-client command")
		}
	}()
	f()
}

func (a *AutoClient) transition(s State) {
	a.state = s
	a.logger.Debug().Stringer("state", s).Msg("auto-client transition")
	switch s {
	case Resolving:
		go a.doResolve(a.generation)
	case Connecting:
		go a.doConnect(a.generation)
	case Auth:
		// handshake already completed by client.Connect; proceed straight to subscribe.
		a.transition(Subscribing)
	case Subscribing:
		go a.doSubscribe(a.generation)
	case ConsistencyReplay:
		go a.doConsistencyReplay(a.generation)
	case Ready:
		a.pingLostCount = 0
		a.startPing()
		if a.cfg.OnConnect != nil {
			a.cfg.OnConnect(true, a.lastInfo)
		}
	case PingLost:
		a.enterReconnectWait()
	case ReconnectWait:
		a.enterReconnectWait()
	}
}

// enterReconnectWait tears down the current client and schedules a retry. It
// is idempotent against being called from both PingLost and ReconnectWait.
func (a *AutoClient) enterReconnectWait() {
	a.generation++
	gen := a.generation
	a.stopPing()
	if a.cli != nil && a.cli.IsConnected() {
		a.cli.Disconnect()
	}
	a.state = ReconnectWait
	if a.cfg.OnConnect != nil {
		a.cfg.OnConnect(false, nil)
	}
	go a.doReconnectWait(gen)
}

func (a *AutoClient) doResolve(gen int) {
	addr := a.cfg.Server
	if a.cfg.Resolver != nil {
		resolved, err := a.cfg.Resolver.Resolve(a.ctx, a.cfg.Server)
		if err != nil {
			a.enqueue(func() {
				if a.generation != gen {
					return
				}
				a.enterReconnectWait()
			})
			return
		}
		addr = resolved.Addr
	}
	a.enqueue(func() {
		if a.generation != gen {
			return
		}
		a.resolvedAddr = addr
		a.transition(Connecting)
	})
}

func (a *AutoClient) doConnect(gen int) {
	cli := client.New(client.Config{OnMessage: a.cfg.OnMessage, Logger: a.logger})
	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.ConnTimeout)
	defer cancel()
	info, err := cli.Connect(ctx, a.resolvedAddr, a.cfg.Passwd)
	a.enqueue(func() {
		if a.generation != gen {
			if err == nil {
				cli.Disconnect()
			}
			return
		}
		if err != nil {
			a.enterReconnectWait()
			return
		}
		a.cli = cli
		a.lastInfo = info
		a.transition(Auth)
	})
}

func (a *AutoClient) doSubscribe(gen int) {
	cli := a.cli
	remaining := len(a.cfg.URLs)
	if remaining == 0 {
		a.enqueue(func() {
			if a.generation != gen {
				return
			}
			a.transition(ConsistencyReplay)
		})
		return
	}
	results := make(chan bool, remaining)
	for _, url := range a.cfg.URLs {
		u := url
		if err := cli.Subscribe(u, func(ok bool) { results <- ok }, a.cfg.ConnTimeout); err != nil {
			results <- false
		}
	}
	ok := true
	for i := 0; i < remaining; i++ {
		if !<-results {
			ok = false
		}
	}
	a.enqueue(func() {
		if a.generation != gen {
			return
		}
		if !ok {
			a.enterReconnectWait()
			return
		}
		a.transition(ConsistencyReplay)
	})
}

// doConsistencyReplay re-issues a GET-style RPC for every configured
// consistent URL and replays each successful reply to OnMessage as though it
// had arrived via PUBLISH, so that reconnecting does not lose the latest
// server-held value for state a subscriber cares about.
func (a *AutoClient) doConsistencyReplay(gen int) {
	cli := a.cli
	if len(a.cfg.Consistent) == 0 {
		a.enqueue(func() {
			if a.generation != gen {
				return
			}
			a.transition(Ready)
		})
		return
	}
	done := make(chan struct{}, len(a.cfg.Consistent))
	for _, entry := range a.cfg.Consistent {
		url := entry.URL
		err := cli.Call(0, url, nil, nil, func(ok bool, status uint8, param, data []byte) {
			if ok && status == 0 && a.cfg.OnMessage != nil {
				a.cfg.OnMessage(url, param, data, false)
			}
			done <- struct{}{}
		}, a.cfg.ConsistentTimeout)
		if err != nil {
			done <- struct{}{}
		}
	}
	for range a.cfg.Consistent {
		<-done
	}
	a.enqueue(func() {
		if a.generation != gen {
			return
		}
		a.transition(Ready)
	})
}

func (a *AutoClient) startPing() {
	a.stopPing()
	period := a.cfg.KeepAlive
	if a.cfg.TurboInterval > 0 {
		period = a.cfg.TurboInterval
	}
	a.pingTicker = time.NewTicker(period)
	gen := a.generation
	ticker := a.pingTicker
	go func() {
		for {
			select {
			case <-ticker.C:
				a.enqueue(func() {
					if a.generation != gen || a.state != Ready {
						return
					}
					a.sendPing(gen)
				})
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

func (a *AutoClient) stopPing() {
	if a.pingTicker != nil {
		a.pingTicker.Stop()
		a.pingTicker = nil
	}
}

func (a *AutoClient) sendPing(gen int) {
	cli := a.cli
	if err := cli.Ping(func(ok bool) {
		a.enqueue(func() {
			if a.generation != gen {
				return
			}
			if ok {
				a.pingLostCount = 0
				return
			}
			a.pingLostCount++
			if a.pingLostCount >= MaxPingLost {
				a.transition(PingLost)
			}
		})
	}, a.cfg.KeepAlive); err != nil {
		a.pingLostCount++
		if a.pingLostCount >= MaxPingLost {
			a.transition(PingLost)
		}
	}
}

func (a *AutoClient) doReconnectWait(gen int) {
	select {
	case <-time.After(a.cfg.ReconnDelay):
		a.enqueue(func() {
			if a.generation != gen {
				return
			}
			a.transition(Resolving)
		})
	case <-a.ctx.Done():
	}
}
