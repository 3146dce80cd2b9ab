package position

import (
	"context"
	"net"
	"testing"
	"time"
)

func startFakePositionServer(t *testing.T, reply func(name string) []byte) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 1 || buf[0] != opLookup {
				continue
			}
			name := string(buf[1:n])
			resp := reply(name)
			if resp != nil {
				conn.WriteToUDP(resp, raddr)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func encodeReply(status, secure byte, ip net.IP, port uint16) []byte {
	b := make([]byte, 4+len(ip))
	b[0] = status
	b[1] = secure
	b[2] = byte(port >> 8)
	b[3] = byte(port)
	copy(b[4:], ip)
	return b
}

func TestResolveLiteralAddressSkipsNetwork(t *testing.T) {
	r := New(Config{ServerAddr: "127.0.0.1:1"})
	got, err := r.Resolve(context.Background(), "10.0.0.1:8080")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Addr != "10.0.0.1:8080" {
		t.Fatalf("addr = %q, want unchanged literal", got.Addr)
	}
}

func TestResolveSucceedsAndCaches(t *testing.T) {
	calls := 0
	addr := startFakePositionServer(t, func(name string) []byte {
		calls++
		if name != "svc-a" {
			return encodeReply(1, 0, nil, 0)
		}
		return encodeReply(0, 1, net.IPv4(127, 0, 0, 1).To4(), 9000)
	})

	r := New(Config{ServerAddr: addr, Timeout: 2 * time.Second, TTL: time.Minute})
	got, err := r.Resolve(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Addr != "127.0.0.1:9000" || !got.Secure {
		t.Fatalf("got %+v, want 127.0.0.1:9000 secure", got)
	}

	if _, err := r.Resolve(context.Background(), "svc-a"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if calls != 1 {
		t.Fatalf("network lookups = %d, want 1 (second call should hit cache)", calls)
	}
}

func TestResolveNotFound(t *testing.T) {
	addr := startFakePositionServer(t, func(name string) []byte {
		return encodeReply(1, 0, nil, 0)
	})
	r := New(Config{ServerAddr: addr, Timeout: 2 * time.Second})
	if _, err := r.Resolve(context.Background(), "missing"); err == nil {
		t.Fatalf("want error for unknown name")
	}
}

func TestResolveTimesOutWhenServerSilent(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	defer conn.Close()

	r := New(Config{ServerAddr: conn.LocalAddr().String(), Timeout: 100 * time.Millisecond})
	start := time.Now()
	if _, err := r.Resolve(context.Background(), "whatever"); err == nil {
		t.Fatalf("want timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("took too long: %v", elapsed)
	}
}
