package client_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/acoinfo/vsoa-go/internal/vsoa/client"
	"github.com/acoinfo/vsoa-go/internal/vsoa/wire"
)

// miniServer is a hand-rolled single-connection VSOA server used only to
// exercise the client package in isolation from the server package.
type miniServer struct {
	ln net.Listener
}

func startMiniServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

func replyServInfo(t *testing.T, conn net.Conn, status uint8, info []byte) wire.Frame {
	t.Helper()
	rx := wire.NewReceiver(false)
	buf := make([]byte, 4096)
	var req wire.Frame
	for {
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		got := false
		rx.Feed(buf[:n], func(f wire.Frame) {
			req = wire.Frame{Header: f.Header, URL: append([]byte(nil), f.URL...), Param: append([]byte(nil), f.Param...)}
			got = true
		})
		if got {
			break
		}
	}
	total, _ := wire.CalcSize(0, 0, len(info))
	out := make([]byte, total)
	wire.Encode(out, wire.Header{Type: wire.TypeServInfo, Flags: wire.FlagReply, Status: status, Seqno: req.Header.Seqno}, nil, nil, info)
	conn.Write(out)
	return req
}

func TestConnectHandshakeOK(t *testing.T) {
	addr := startMiniServer(t, func(conn net.Conn) {
		defer conn.Close()
		replyServInfo(t, conn, wire.StatusSuccess, []byte(`{"v":1}`))
		time.Sleep(200 * time.Millisecond)
	})

	c := client.New(client.Config{Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := c.Connect(ctx, addr, "secret")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if string(info) != `{"v":1}` {
		t.Fatalf("info = %q, want {\"v\":1}", info)
	}
	defer c.Disconnect()
}

func TestConnectBadPassword(t *testing.T) {
	addr := startMiniServer(t, func(conn net.Conn) {
		defer conn.Close()
		replyServInfo(t, conn, wire.StatusPassword, nil)
	})

	c := client.New(client.Config{Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Connect(ctx, addr, "wrong")
	if err == nil {
		t.Fatalf("want error for bad password")
	}
}

func TestCallTimeoutInvokesCallbackWithNullHeader(t *testing.T) {
	addr := startMiniServer(t, func(conn net.Conn) {
		defer conn.Close()
		replyServInfo(t, conn, wire.StatusSuccess, nil)
		// never reply to the RPC that follows
		buf := make([]byte, 4096)
		conn.Read(buf)
		time.Sleep(500 * time.Millisecond)
	})

	c := client.New(client.Config{Logger: zerolog.Nop()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Connect(ctx, addr, "secret"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	done := make(chan bool, 1)
	if err := c.Call(0, "/nope", nil, nil, func(ok bool, status uint8, param, data []byte) {
		done <- ok
	}, 100*time.Millisecond); err != nil {
		t.Fatalf("Call: %v", err)
	}

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("callback invoked with ok=true, want timeout (ok=false)")
		}
	case <-time.After(time.Second):
		t.Fatal("callback never invoked")
	}
}
