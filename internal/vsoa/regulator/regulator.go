// Package regulator implements the speed regulator: a per-URL coalescing
// slot drained at a fixed period. Grounded on the connection-rate-limiter's
// token-bucket admission check (golang.org/x/time/rate) for an optional
// per-slot update-rate cap, and on the original regulator's per-slot mutex/dirty-flag design for
// the coalescing mechanism itself.
package regulator

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/acoinfo/vsoa-go/internal/metrics"
)

// OnDelayFunc is invoked once per dirty slot per period, holding that slot's
// mutex for the duration, with the most recently updated payload.
type OnDelayFunc func(url string, payload []byte)

type slot struct {
	mu       sync.Mutex
	url      string
	buf      []byte
	bufSize  int
	dirty    bool
	ondelay  OnDelayFunc
	// admission limiter bounds update() calls the way the teacher's
	// per-IP limiter bounds connection attempts; VSOA's regulator doesn't
	// reject on rate (it coalesces), so this exists purely to cap pathological
	// update() call rates from starving the dispatcher before the next drain.
	limiter *rate.Limiter
}

// Regulator owns a period-based timer that drains all dirty slots.
type Regulator struct {
	period time.Duration

	mu    sync.RWMutex
	slots map[string]*slot

	stop chan struct{}
	wg   sync.WaitGroup

	metrics *metrics.Metrics
}

// SetMetrics attaches a metrics set whose RegulatorDrops/RegulatorSlots
// collectors are updated as slots are registered, removed, and rejected.
func (r *Regulator) SetMetrics(m *metrics.Metrics) { r.metrics = m }

// New creates a Regulator with the given global drain period (must be >= 1ms).
func New(period time.Duration) *Regulator {
	if period < time.Millisecond {
		period = time.Millisecond
	}
	r := &Regulator{
		period: period,
		slots:  make(map[string]*slot),
		stop:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Slot registers (or replaces) the coalescing slot for url, with the given
// buffer capacity and ondelay callback.
func (r *Regulator) Slot(url string, bufSize int, ondelay OnDelayFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[url] = &slot{
		url:     url,
		bufSize: bufSize,
		ondelay: ondelay,
		limiter: rate.NewLimiter(rate.Inf, 0), // unbounded by default; callers may tighten via Throttle
	}
	if r.metrics != nil {
		r.metrics.RegulatorSlots.Set(float64(len(r.slots)))
	}
}

// Throttle sets an update-rate cap on an existing slot. Update calls beyond
// that rate are dropped without touching the buffered payload: Update returns
// nil and counts a "rate_limited" rejection when metrics are attached.
// Optional: most slots never need this since coalescing already bounds
// delivery rate to once per period.
func (r *Regulator) Throttle(url string, perSecond float64, burst int) {
	r.mu.RLock()
	s, ok := r.slots[url]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	s.mu.Unlock()
}

// ErrBufferTooSmall is returned by Update when payload exceeds the slot's buf_size.
type ErrBufferTooSmall struct{ URL string }

func (e *ErrBufferTooSmall) Error() string { return "regulator: payload exceeds buf_size for " + e.URL }

// Update writes the latest payload into url's slot, coalescing any earlier
// unsent update. Update and Clear are mutually exclusive with the timer's
// ondelay invocation via the slot's own mutex.
func (r *Regulator) Update(url string, payload []byte) error {
	r.mu.RLock()
	s, ok := r.slots[url]
	r.mu.RUnlock()
	if !ok {
		return nil // unknown slot: silently dropped, mirrors unslot() having already run
	}
	if len(payload) > s.bufSize {
		if r.metrics != nil {
			r.metrics.RegulatorDrops.WithLabelValues("oversize").Inc()
		}
		return &ErrBufferTooSmall{URL: url}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.limiter.Allow() {
		if r.metrics != nil {
			r.metrics.RegulatorDrops.WithLabelValues("rate_limited").Inc()
		}
		return nil
	}
	if cap(s.buf) < len(payload) {
		s.buf = make([]byte, len(payload))
	} else {
		s.buf = s.buf[:len(payload)]
	}
	copy(s.buf, payload)
	s.dirty = true
	return nil
}

// Clear drops the buffered payload for url without removing the slot.
func (r *Regulator) Clear(url string) {
	r.mu.RLock()
	s, ok := r.slots[url]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.dirty = false
	s.mu.Unlock()
}

// Unslot atomically removes url's slot and any buffered payload.
func (r *Regulator) Unslot(url string) {
	r.mu.Lock()
	delete(r.slots, url)
	remaining := len(r.slots)
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.RegulatorSlots.Set(float64(remaining))
	}
}

func (r *Regulator) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.drain()
		case <-r.stop:
			return
		}
	}
}

func (r *Regulator) drain() {
	r.mu.RLock()
	snapshot := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		s.mu.Lock()
		if s.dirty {
			s.dirty = false
			payload := append([]byte(nil), s.buf...)
			if s.ondelay != nil {
				s.ondelay(s.url, payload)
			}
		}
		s.mu.Unlock()
	}
}

// Stop terminates the drain timer goroutine. Idempotent.
func (r *Regulator) Stop() {
	select {
	case <-r.stop:
		return
	default:
		close(r.stop)
	}
	r.wg.Wait()
}
