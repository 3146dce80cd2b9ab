// Package position resolves a service name to a dial address (and a secure
// flag) via a small UDP request/response protocol against a position
// server, with a short-TTL cache layered on top so that a reconnect storm
// does not hammer the position server with repeat lookups.
package position

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/acoinfo/vsoa-go/internal/vsoa/vsoaerr"
)

// EnvServerAddr names the environment variable that, when set, overrides the
// configured position server address.
const EnvServerAddr = "VSOA_POS_SERVER"

// ConfigFile is consulted when neither an explicit address nor the
// environment variable is set.
const ConfigFile = "/etc/vsoa.pos"

// opLookup is the single request opcode the position wire protocol defines.
const opLookup = 0x01

// maxReplyLen bounds a position reply to a single UDP MTU-sized datagram.
const maxReplyLen = 1472

// Resolved is the result of a successful name lookup.
type Resolved struct {
	Addr   string // host:port, dialable
	Secure bool
}

// Resolver looks up service names against a position server, caching
// positive results for a short TTL.
type Resolver struct {
	serverAddr string
	timeout    time.Duration
	cache      *cache.Cache
}

// Config configures a Resolver. ServerAddr, if empty, falls back to
// EnvServerAddr then ConfigFile.
type Config struct {
	ServerAddr string
	Timeout    time.Duration // default 500ms
	TTL        time.Duration // default 5s
}

// New constructs a Resolver. It does not contact the network.
func New(cfg Config) *Resolver {
	addr := cfg.ServerAddr
	if addr == "" {
		addr = resolveServerAddr()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	return &Resolver{
		serverAddr: addr,
		timeout:    cfg.Timeout,
		cache:      cache.New(cfg.TTL, 2*cfg.TTL),
	}
}

func resolveServerAddr() string {
	if v := os.Getenv(EnvServerAddr); v != "" {
		return v
	}
	if b, err := os.ReadFile(ConfigFile); err == nil {
		for _, line := range strings.Split(string(b), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				return line
			}
		}
	}
	return ""
}

// Resolve looks up name, consulting the cache first. A name that already
// looks like a dialable host:port (contains ':') is returned unchanged
// without a network round trip, so callers can pass either a symbolic name
// or a literal address through the same path.
func (r *Resolver) Resolve(ctx context.Context, name string) (Resolved, error) {
	if strings.Contains(name, ":") {
		return Resolved{Addr: name}, nil
	}
	if v, ok := r.cache.Get(name); ok {
		return v.(Resolved), nil
	}
	if r.serverAddr == "" {
		return Resolved{}, vsoaerr.ErrNotFound
	}

	res, err := r.lookup(ctx, name)
	if err != nil {
		return Resolved{}, err
	}
	r.cache.SetDefault(name, res)
	return res, nil
}

// lookup performs the UDP request/response exchange. Wire shape:
//
//	request:  [1]byte opcode | name (remaining bytes)
//	response: [1]byte status | [1]byte secure | [2]byte port (BE) | ip (4 or 16 bytes)
func (r *Resolver) lookup(ctx context.Context, name string) (Resolved, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", r.serverAddr)
	if err != nil {
		return Resolved{}, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return Resolved{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(r.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return Resolved{}, err
	}

	req := make([]byte, 1+len(name))
	req[0] = opLookup
	copy(req[1:], name)
	if _, err := conn.Write(req); err != nil {
		return Resolved{}, err
	}

	buf := make([]byte, maxReplyLen)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Resolved{}, vsoaerr.ErrTimeout
		}
		return Resolved{}, err
	}
	return decodeReply(buf[:n])
}

func decodeReply(b []byte) (Resolved, error) {
	if len(b) < 4 {
		return Resolved{}, errors.New("position: short reply")
	}
	status := b[0]
	if status != 0 {
		return Resolved{}, vsoaerr.ErrNotFound
	}
	secure := b[1] != 0
	port := binary.BigEndian.Uint16(b[2:4])
	ipBytes := b[4:]
	ip := net.IP(ipBytes)
	if ip == nil || (len(ipBytes) != 4 && len(ipBytes) != 16) {
		return Resolved{}, errors.New("position: malformed address")
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(int(port)))
	return Resolved{Addr: addr, Secure: secure}, nil
}
