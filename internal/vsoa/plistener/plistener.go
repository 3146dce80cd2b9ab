// Package plistener implements the parallel RPC dispatch pool: a bounded
// worker pool (<=8) in front of RPC handlers. Non-parallel handlers are
// pinned to a single dedicated worker to preserve serial semantics; parallel
// handlers may run on any worker. This is the same worker-pool-with-panic-
// recovery shape as the parallel sender, adapted for a second purpose:
// blocking (not dropping) the producer when a worker's lane is full.
package plistener

import (
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

const maxWorkers = 8

// Task is one RPC dispatch unit.
type Task func()

// Handle is returned by Register and passed to Submit to route work to the
// correct worker (pinned, for non-parallel handlers).
type Handle struct {
	pool      *Pool
	parallel  bool
	pinnedIdx int
	maxQueued int
}

// Pool is the bounded worker pool backing all registered handlers.
type Pool struct {
	logger  zerolog.Logger
	workers int

	mu      sync.Mutex
	next    int // round-robin cursor for parallel handlers
	pinned  int // count of dedicated pinned workers allocated so far

	lanes []chan Task // one lane per worker; workers drain their own lane
	wg    sync.WaitGroup
}

// New creates a Pool with up to `workers` goroutines (capped at 8 per the
// original design), each draining its own lane of 64 queued tasks.
func New(workers int, logger zerolog.Logger) *Pool {
	if workers > maxWorkers {
		workers = maxWorkers
	}
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		logger:  logger.With().Str("component", "plistener").Logger(),
		workers: workers,
		lanes:   make([]chan Task, workers),
	}
	for i := range p.lanes {
		p.lanes[i] = make(chan Task, 64)
	}
	return p
}

// Start launches the worker goroutines. Call once before Submit.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop closes all lanes and waits for workers to drain.
func (p *Pool) Stop() {
	for _, l := range p.lanes {
		close(l)
	}
	p.wg.Wait()
}

func (p *Pool) worker(i int) {
	defer p.wg.Done()
	for task := range p.lanes[i] {
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("plistener worker panic recovered")
		}
	}()
	task()
}

// Register creates a Handle. parallel handlers round-robin across all
// workers; non-parallel handlers are pinned to one dedicated worker
// (workers are reused round-robin across pinned handlers once all have at
// least one, since the pool itself is capped at 8).
func (p *Pool) Register(parallel bool, maxQueued int) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &Handle{pool: p, parallel: parallel, maxQueued: maxQueued}
	if !parallel {
		h.pinnedIdx = p.pinned % p.workers
		p.pinned++
	}
	return h
}

// Submit dispatches task to the handle's worker: the pinned worker for a
// non-parallel handle, the next worker in round-robin order for a parallel
// one. It blocks the caller (the dispatcher thread) while the destination
// lane already holds 64 tasks. The handle's maxQueued value is stored but not
// consulted: the blocking depth is the lane capacity whatever maxQueued is,
// and maxQueued==0 does not make the queue unbounded.
func (h *Handle) Submit(task Task) {
	idx := h.pinnedIdx
	if h.parallel {
		h.pool.mu.Lock()
		idx = h.pool.next % h.pool.workers
		h.pool.next++
		h.pool.mu.Unlock()
	}
	h.pool.lanes[idx] <- task
}

// QueueDepth reports the pinned/round-robin-selected lane's current depth.
// For parallel handlers this reports worker 0's depth as a representative sample.
func (h *Handle) QueueDepth() int {
	idx := h.pinnedIdx
	return len(h.pool.lanes[idx])
}

// QueueDepth reports the sum of every worker lane's current depth, for
// pool-wide backpressure monitoring.
func (p *Pool) QueueDepth() int {
	total := 0
	for _, l := range p.lanes {
		total += len(l)
	}
	return total
}
