// Package mware implements the middleware chain: an ordered list of step
// functions registered under a single URL, sharing a refcounted "resolve"
// scratchpad across steps, including steps that reply asynchronously.
// Grounded on the original header's refcounted resolve-context design,
// replaced per the Design Notes with a typed handle over a map instead of a
// void* key-value list.
package mware

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/acoinfo/vsoa-go/internal/vsoa/vsoaerr"
)

// ReplyFunc resolves an in-flight RPC using the header info captured when
// the chain started. status/payload follow the same shape cli_reply expects.
type ReplyFunc func(status uint8, tunID uint16, param, data []byte)

// Step is one link in a middleware chain. It returns whether the chain
// should continue to the next step. A step that intends to reply
// asynchronously should call resolve.Ref() before returning and call
// resolve.Unref() itself later; Reply does not release that reference.
type Step func(resolve *Resolve) (cont bool)

type entry struct {
	value any
	free  func(any)
}

// Resolve is the per-invocation key-value scratchpad shared across a chain's
// steps, refcounted so steps may capture it for an asynchronous reply.
type Resolve struct {
	mu      sync.Mutex
	values  map[string]entry
	ref     atomic.Int32
	reply   ReplyFunc
	replied atomic.Bool
}

func newResolve(reply ReplyFunc) *Resolve {
	r := &Resolve{values: make(map[string]entry), reply: reply}
	r.ref.Store(1)
	return r
}

// Add stores value under key with an optional free function invoked when the
// Resolve's refcount reaches zero.
func (r *Resolve) Add(key string, value any, free func(any)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = entry{value: value, free: free}
}

// Get retrieves a previously Add'ed value.
func (r *Resolve) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.values[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Ref increments the refcount, keeping the Resolve alive past the chain's
// synchronous return for an asynchronous reply.
func (r *Resolve) Ref() { r.ref.Add(1) }

// Unref decrements the refcount; at zero it invokes every stored value's
// free function. Returns the post-decrement refcount.
func (r *Resolve) Unref() int32 {
	n := r.ref.Add(-1)
	if n == 0 {
		r.mu.Lock()
		for _, e := range r.values {
			if e.free != nil {
				e.free(e.value)
			}
		}
		r.values = nil
		r.mu.Unlock()
	}
	return n
}

// Reply resolves the originating RPC exactly once using the header info
// captured when the chain started.
func (r *Resolve) Reply(status uint8, tunID uint16, param, data []byte) {
	if r.replied.CompareAndSwap(false, true) {
		r.reply(status, tunID, param, data)
	}
}

// Chain is an ordered list of steps registered under one URL.
type Chain struct {
	mu    sync.Mutex
	url   string
	steps []Step
}

// New creates an empty chain for url.
func New(url string) *Chain {
	return &Chain{url: url}
}

// Use appends a step to the chain.
func (c *Chain) Use(step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
}

// Run invokes the chain's steps in order against a fresh Resolve (refcount=1),
// stopping early if a step returns cont=false. reply is the chain's RPC
// reply sink. Run releases its own reference to the Resolve when done;
// any step that called resolve.Ref() keeps it alive until it Unrefs. The
// second return value reports whether every step ran to completion; a caller
// routing RPCs should treat false as "already handled, don't dispatch".
func (c *Chain) Run(reply ReplyFunc) (*Resolve, bool) {
	c.mu.Lock()
	steps := append([]Step(nil), c.steps...)
	c.mu.Unlock()

	r := newResolve(reply)
	completed := true
	for _, step := range steps {
		if !step(r) {
			completed = false
			break
		}
	}
	r.Unref()
	return r, completed
}

// Len reports the number of steps currently registered, mostly for tests.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps)
}

// Registry maps URLs to their middleware chains, with the same exact-URL /
// trailing-slash precedence rules as the RPC listener table.
type Registry struct {
	mu     sync.RWMutex
	chains map[string]*Chain
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry { return &Registry{chains: make(map[string]*Chain)} }

// Register creates (or returns the existing) chain for url.
func (reg *Registry) Register(url string) *Chain {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if c, ok := reg.chains[url]; ok {
		return c
	}
	c := New(url)
	reg.chains[url] = c
	return c
}

// Delete removes url's chain. Fails with ErrInUse if any Resolve spawned by
// that chain still holds outstanding references; callers are expected to
// track that externally since Chain itself does not enumerate live Resolves.
func (reg *Registry) Delete(url string, inUse bool) error {
	if inUse {
		return vsoaerr.ErrInUse
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.chains, url)
	return nil
}

// Lookup returns url's chain, if any, by exact match only.
func (reg *Registry) Lookup(url string) (*Chain, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	c, ok := reg.chains[url]
	return c, ok
}

// BestMatch resolves url against the registry using the same precedence as
// the RPC listener table: an exact match wins, then the longest
// trailing-slash prefix, then "/" as a catch-all.
func (reg *Registry) BestMatch(url string) (*Chain, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if c, ok := reg.chains[url]; ok {
		return c, true
	}
	best := ""
	var bestChain *Chain
	for pattern, c := range reg.chains {
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
				bestChain = c
			}
		}
	}
	if bestChain != nil {
		return bestChain, true
	}
	if c, ok := reg.chains["/"]; ok {
		return c, true
	}
	return nil, false
}
