// Package pmem implements the packet memory pool: a bucketed slab of
// refcounted outbound-frame buffers. A packet's lifetime spans fan-out to
// many subscribers, so buffers are refcounted rather than copied per
// recipient; the pool is shared by one server instance and its parallel
// sender.
package pmem

import (
	"sync"
	"sync/atomic"

	"github.com/acoinfo/vsoa-go/internal/vsoa/vsoaerr"
)

// bucket sizes, smallest to largest, capped at MaxPacketLength.
var bucketSizes = []int{4096, 16384, 65536, 262144}

// Buffer is a refcounted packet buffer obtained from a Pool. The slice
// returned by Bytes() must not be retained beyond the holder's own Free call.
type Buffer struct {
	pool   *Pool
	bucket int
	raw    []byte // full bucket-sized backing array
	length int    // logical length in use
	ref    int32
}

// Bytes returns the buffer's logical contents.
func (b *Buffer) Bytes() []byte { return b.raw[:b.length] }

// Ref increments the buffer's refcount. Call once per additional holder
// (e.g. once per fan-out recipient beyond the first).
func (b *Buffer) Ref() { atomic.AddInt32(&b.ref, 1) }

// Free decrements the refcount and returns the backing array to its slab
// bucket once it reaches zero.
func (b *Buffer) Free() {
	if atomic.AddInt32(&b.ref, -1) > 0 {
		return
	}
	b.pool.put(b)
}

// Pool is a length-bucketed slab allocator for outbound frame buffers.
type Pool struct {
	buckets []sync.Pool
	slots   []int64 // outstanding-allocation counters per bucket, for Outstanding/OutstandingBytes
	maxSlab int64    // total backing bytes ever allowed outstanding; 0 = unbounded
	used    int64
}

// New creates a Pool. maxSlabBytes bounds total outstanding buffer bytes
// across all buckets; 0 means unbounded (bounded only by MaxPacketLength per
// allocation). Exceeding maxSlabBytes causes Alloc to fail with ErrNoMemory.
func New(maxSlabBytes int64) *Pool {
	p := &Pool{
		buckets: make([]sync.Pool, len(bucketSizes)),
		slots:   make([]int64, len(bucketSizes)),
		maxSlab: maxSlabBytes,
	}
	for i, size := range bucketSizes {
		size := size
		p.buckets[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
	return p
}

func bucketFor(length int) int {
	for i, size := range bucketSizes {
		if length <= size {
			return i
		}
	}
	return len(bucketSizes) - 1
}

// Alloc returns a Buffer with ref=1 and len(Bytes())==length. It fails with
// vsoaerr.ErrNoMemory when the pool's slab budget is exhausted or length
// exceeds the largest bucket.
func (p *Pool) Alloc(length int) (*Buffer, error) {
	idx := bucketFor(length)
	if length > bucketSizes[len(bucketSizes)-1] {
		return nil, vsoaerr.ErrNoMemory
	}
	if p.maxSlab > 0 {
		if atomic.AddInt64(&p.used, int64(bucketSizes[idx])) > p.maxSlab {
			atomic.AddInt64(&p.used, -int64(bucketSizes[idx]))
			return nil, vsoaerr.ErrNoMemory
		}
	}
	v := p.buckets[idx].Get()
	raw, ok := v.(*[]byte)
	if !ok || cap(*raw) < length {
		newBuf := make([]byte, bucketSizes[idx])
		raw = &newBuf
	}
	atomic.AddInt64(&p.slots[idx], 1)
	return &Buffer{pool: p, bucket: idx, raw: (*raw)[:bucketSizes[idx]], length: length, ref: 1}, nil
}

func (p *Pool) put(b *Buffer) {
	atomic.AddInt64(&p.slots[b.bucket], -1)
	if p.maxSlab > 0 {
		atomic.AddInt64(&p.used, -int64(bucketSizes[b.bucket]))
	}
	raw := b.raw
	p.buckets[b.bucket].Put(&raw)
}

// Outstanding returns the number of buffers currently allocated per bucket,
// indexed the same as bucketSizes, for metrics/debugging.
func (p *Pool) Outstanding() []int64 {
	out := make([]int64, len(p.slots))
	for i := range p.slots {
		out[i] = atomic.LoadInt64(&p.slots[i])
	}
	return out
}

// OutstandingBytes returns the total backing-array bytes currently checked
// out across all buckets, regardless of whether a slab budget is configured.
func (p *Pool) OutstandingBytes() int64 {
	var total int64
	for i, size := range bucketSizes {
		total += atomic.LoadInt64(&p.slots[i]) * int64(size)
	}
	return total
}
