package plistener

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNonParallelHandlerSerializesOnOneWorker(t *testing.T) {
	p := New(4, zerolog.Nop())
	p.Start()
	defer p.Stop()

	h := p.Register(false, 8)

	var mu sync.Mutex
	running := 0
	maxConcurrent := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		h.Submit(func() {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxConcurrent {
				maxConcurrent = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("max concurrent tasks on pinned worker = %d, want 1", maxConcurrent)
	}
}

func TestParallelHandlerUsesMultipleWorkers(t *testing.T) {
	p := New(4, zerolog.Nop())
	p.Start()
	defer p.Stop()

	h := p.Register(true, 8)

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	block := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		idx := i
		h.Submit(func() {
			defer wg.Done()
			mu.Lock()
			seen[idx%4] = true
			mu.Unlock()
			<-block
		})
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	concurrent := len(seen)
	mu.Unlock()
	close(block)
	wg.Wait()

	if concurrent < 2 {
		t.Fatalf("%d tasks running at once before release, want >= 2 across workers", concurrent)
	}
}

func TestPanicInTaskDoesNotKillWorker(t *testing.T) {
	p := New(1, zerolog.Nop())
	p.Start()
	defer p.Stop()

	h := p.Register(false, 4)
	h.Submit(func() { panic("boom") })

	done := make(chan struct{})
	h.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not process task after a prior panic")
	}
}
