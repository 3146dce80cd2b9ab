package cliauto_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/acoinfo/vsoa-go/internal/vsoa/cliauto"
	"github.com/acoinfo/vsoa-go/internal/vsoa/wire"
)

// fakeAutoServer accepts connections, performs the SERVINFO handshake, acks
// subscribes, and replies to pings unless told to go silent (simulating a
// lost link for ping-timeout tests).
type fakeAutoServer struct {
	ln net.Listener

	mu      sync.Mutex
	silent  bool
	subURLs []string
}

func startFakeAutoServer(t *testing.T) *fakeAutoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeAutoServer{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go s.acceptLoop(t)
	return s
}

func (s *fakeAutoServer) setSilent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

func (s *fakeAutoServer) isSilent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silent
}

func (s *fakeAutoServer) addSub(url string) {
	s.mu.Lock()
	s.subURLs = append(s.subURLs, url)
	s.mu.Unlock()
}

func (s *fakeAutoServer) subs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subURLs...)
}

func (s *fakeAutoServer) acceptLoop(t *testing.T) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(t, conn)
	}
}

func (s *fakeAutoServer) serve(t *testing.T, conn net.Conn) {
	defer conn.Close()
	rx := wire.NewReceiver(false)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		var frames []wire.Frame
		if err := rx.Feed(buf[:n], func(f wire.Frame) {
			frames = append(frames, wire.Frame{
				Header: f.Header,
				URL:    append([]byte(nil), f.URL...),
				Param:  append([]byte(nil), f.Param...),
			})
		}); err != nil {
			return
		}
		for _, f := range frames {
			s.handle(conn, f)
		}
	}
}

func (s *fakeAutoServer) handle(conn net.Conn, f wire.Frame) {
	switch f.Header.Type {
	case wire.TypeServInfo:
		s.reply(conn, f, wire.TypeServInfo, wire.StatusSuccess, nil, []byte(`{"v":1}`))
	case wire.TypeSubscribe:
		s.addSub(string(f.URL))
		s.reply(conn, f, wire.TypeSubscribe, wire.StatusSuccess, nil, nil)
	case wire.TypePingEcho:
		if s.isSilent() {
			return
		}
		s.reply(conn, f, wire.TypePingEcho, wire.StatusSuccess, nil, nil)
	case wire.TypeRPC:
		s.reply(conn, f, wire.TypeRPC, wire.StatusSuccess, nil, []byte("ok"))
	}
}

func (s *fakeAutoServer) reply(conn net.Conn, req wire.Frame, typ uint8, status uint8, param, data []byte) {
	total, _ := wire.CalcSize(0, len(param), len(data))
	buf := make([]byte, total)
	h := wire.Header{Type: typ, Flags: wire.FlagReply, Status: status, Seqno: req.Header.Seqno}
	if _, err := wire.Encode(buf, h, nil, param, data); err != nil {
		return
	}
	conn.Write(buf)
}

func TestAutoClientReachesReadyAndResubscribes(t *testing.T) {
	srv := startFakeAutoServer(t)

	var mu sync.Mutex
	readyCount := 0
	a := cliauto.New(cliauto.Config{
		Server:      srv.ln.Addr().String(),
		Passwd:      "secret",
		URLs:        []string{"/telemetry/speed"},
		ConnTimeout: 500 * time.Millisecond,
		ReconnDelay: 50 * time.Millisecond,
		KeepAlive:   200 * time.Millisecond,
		OnConnect: func(connected bool, info []byte) {
			if connected {
				mu.Lock()
				readyCount++
				mu.Unlock()
			}
		},
		Logger: zerolog.Nop(),
	})
	a.Start()
	defer a.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == cliauto.Ready {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.State() != cliauto.Ready {
		t.Fatalf("state = %v, want READY", a.State())
	}

	subs := srv.subs()
	found := false
	for _, u := range subs {
		if u == "/telemetry/speed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("subs = %v, want /telemetry/speed resubscribed", subs)
	}

	mu.Lock()
	rc := readyCount
	mu.Unlock()
	if rc != 1 {
		t.Fatalf("readyCount = %d, want 1", rc)
	}
}

func TestAutoClientPingLostAfterThreeTimeoutsTriggersReconnect(t *testing.T) {
	srv := startFakeAutoServer(t)

	var mu sync.Mutex
	var disconnects int
	a := cliauto.New(cliauto.Config{
		Server:      srv.ln.Addr().String(),
		Passwd:      "secret",
		ConnTimeout: 500 * time.Millisecond,
		ReconnDelay: 2 * time.Second, // long enough we don't race a second reconnect mid-assert
		KeepAlive:   60 * time.Millisecond,
		OnConnect: func(connected bool, info []byte) {
			if !connected {
				mu.Lock()
				disconnects++
				mu.Unlock()
			}
		},
		Logger: zerolog.Nop(),
	})
	a.Start()
	defer a.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.State() != cliauto.Ready {
		time.Sleep(10 * time.Millisecond)
	}
	if a.State() != cliauto.Ready {
		t.Fatalf("never reached READY")
	}

	srv.setSilent(true)

	// 3 consecutive missed pings at KeepAlive=60ms should trip PingLost well
	// within a second, tearing down into RECONNECT_WAIT.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		d := disconnects
		mu.Unlock()
		if d >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	d := disconnects
	mu.Unlock()
	if d < 1 {
		t.Fatalf("disconnects = %d, want >= 1 after 3 consecutive ping timeouts", d)
	}
}
