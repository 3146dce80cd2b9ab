// Package psend implements the parallel sender: N worker goroutines, each
// owning a stable-hash partition of sockets, draining a single-producer
// queue in strict FIFO order per (worker, socket). Grounded on the worker
// pool pattern used throughout the ambient stack, adapted from "drop on
// full" semantics to "retry until send_timeout, then mark the client
// failed".
package psend

import (
	"hash/fnv"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/acoinfo/vsoa-go/internal/vsoa/pmem"
)

// Writer is the minimal per-client sink the sender writes frames to.
type Writer interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

// FailureFunc is invoked (from a worker goroutine) when a socket's write
// fails permanently; the caller is expected to close the client on its next
// dispatcher pass, not synchronously from within this callback.
type FailureFunc func(socketID uint32, err error)

type job struct {
	socketID uint32
	w        Writer
	buf      *pmem.Buffer
}

// Sender is the parallel sender. Create with New, then Start before
// enqueuing with Write.
type Sender struct {
	workers     int
	sendTimeout time.Duration
	queues      []chan job
	onFailure   FailureFunc
	logger      zerolog.Logger

	wg      sync.WaitGroup
	closing atomic.Bool
	dropped atomic.Int64

	mu        sync.Mutex
	pending   map[uint32][]*pmem.Buffer // socketID -> still-queued buffers, for discard()
	discarded map[uint32]int           // socketID -> queued jobs still to skip, set by Discard
}

// New creates a Sender with the given worker count, per-write queue depth,
// and EAGAIN retry budget (sendTimeout).
func New(workers, queueDepth int, sendTimeout time.Duration, onFailure FailureFunc, logger zerolog.Logger) *Sender {
	s := &Sender{
		workers:     workers,
		sendTimeout: sendTimeout,
		queues:      make([]chan job, workers),
		onFailure:   onFailure,
		logger:      logger.With().Str("component", "psend").Logger(),
		pending:     make(map[uint32][]*pmem.Buffer),
		discarded:   make(map[uint32]int),
	}
	for i := range s.queues {
		s.queues[i] = make(chan job, queueDepth)
	}
	return s
}

// Start launches the worker goroutines. Call once.
func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop closes all worker queues and waits for in-flight writes to finish.
func (s *Sender) Stop() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	for _, q := range s.queues {
		close(q)
	}
	s.wg.Wait()
}

// workerFor hashes a socket id to a stable worker index so that all frames
// for the same socket are always drained by the same worker, preserving
// per-client FIFO order.
func (s *Sender) workerFor(socketID uint32) int {
	h := fnv.New32a()
	var b [4]byte
	b[0] = byte(socketID)
	b[1] = byte(socketID >> 8)
	b[2] = byte(socketID >> 16)
	b[3] = byte(socketID >> 24)
	h.Write(b[:])
	return int(h.Sum32()) % s.workers
}

// Write enqueues buf for delivery to w, identified by socketID. buf.Ref()
// must already account for this enqueue (Write does not call Ref itself).
// Write blocks if the destination worker's queue is full, applying natural
// backpressure to the dispatcher.
func (s *Sender) Write(socketID uint32, w Writer, buf *pmem.Buffer) {
	if s.closing.Load() {
		buf.Free()
		return
	}
	s.mu.Lock()
	s.pending[socketID] = append(s.pending[socketID], buf)
	s.mu.Unlock()

	idx := s.workerFor(socketID)
	s.queues[idx] <- job{socketID: socketID, w: w, buf: buf}
}

// Discard drops any buffers still queued for socketID without sending them,
// used when a client disconnects with linger disabled. The buffers
// themselves are still sitting as jobs in a worker's queue, so Discard must
// not free them directly: it tombstones the count instead, and send() frees
// each tombstoned job exactly once as the worker drains it.
func (s *Sender) Discard(socketID uint32) {
	s.mu.Lock()
	n := len(s.pending[socketID])
	delete(s.pending, socketID)
	if n > 0 {
		s.discarded[socketID] += n
	}
	s.mu.Unlock()
}

// consumeDiscarded reports whether job j was tombstoned by Discard, and if
// so decrements the remaining count (removing the entry once it hits zero).
func (s *Sender) consumeDiscarded(socketID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.discarded[socketID]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(s.discarded, socketID)
	} else {
		s.discarded[socketID] = n - 1
	}
	return true
}

func (s *Sender) removePending(socketID uint32, buf *pmem.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[socketID]
	for i, b := range list {
		if b == buf {
			s.pending[socketID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (s *Sender) worker(i int) {
	defer s.wg.Done()
	for j := range s.queues[i] {
		s.send(j)
	}
}

func (s *Sender) send(j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("sender worker panic recovered")
		}
	}()
	defer j.buf.Free()
	defer s.removePending(j.socketID, j.buf)

	if s.consumeDiscarded(j.socketID) {
		return
	}

	deadline := time.Now().Add(s.sendTimeout)
	_ = j.w.SetWriteDeadline(deadline)
	_, err := j.w.Write(j.buf.Bytes())
	if err != nil {
		s.dropped.Add(1)
		if s.onFailure != nil {
			s.onFailure(j.socketID, err)
		}
	}
}

// DroppedCount returns the number of frames that failed to send permanently.
func (s *Sender) DroppedCount() int64 { return s.dropped.Load() }

// QueueDepth returns the sum of every worker queue's current length, for
// backpressure monitoring.
func (s *Sender) QueueDepth() int {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}
