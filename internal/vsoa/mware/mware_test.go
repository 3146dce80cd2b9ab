package mware

import (
	"testing"
	"time"
)

func TestChainRunsStepsInOrder(t *testing.T) {
	c := New("/api/foo")
	var order []int
	c.Use(func(r *Resolve) bool { order = append(order, 1); return true })
	c.Use(func(r *Resolve) bool { order = append(order, 2); return true })
	c.Use(func(r *Resolve) bool { order = append(order, 3); return true })

	var gotStatus uint8
	c.Run(func(status uint8, tunID uint16, param, data []byte) { gotStatus = status })

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("step order = %v, want [1 2 3]", order)
	}
	_ = gotStatus
}

func TestChainStopsOnFalse(t *testing.T) {
	c := New("/x")
	var ran []int
	c.Use(func(r *Resolve) bool { ran = append(ran, 1); return false })
	c.Use(func(r *Resolve) bool { ran = append(ran, 2); return true })

	c.Run(func(uint8, uint16, []byte, []byte) {})

	if len(ran) != 1 {
		t.Fatalf("ran %v steps, want only step 1", ran)
	}
}

func TestResolveFreeFnCalledAtZeroRefcount(t *testing.T) {
	c := New("/async")
	done := make(chan struct{})
	c.Use(func(r *Resolve) bool {
		r.Add("k", "v", func(any) { close(done) })
		r.Ref() // simulate capturing resolve for an async reply
		go r.Unref()
		return true
	})
	c.Run(func(uint8, uint16, []byte, []byte) {})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("free function never called")
	}
}

func TestRunReportsWhetherChainCompleted(t *testing.T) {
	full := New("/full")
	full.Use(func(r *Resolve) bool { return true })
	full.Use(func(r *Resolve) bool { return true })
	if _, completed := full.Run(func(uint8, uint16, []byte, []byte) {}); !completed {
		t.Fatal("completed = false, want true when every step returns cont=true")
	}

	short := New("/short")
	short.Use(func(r *Resolve) bool { return false })
	short.Use(func(r *Resolve) bool { t.Fatal("second step ran after short-circuit"); return true })
	if _, completed := short.Run(func(uint8, uint16, []byte, []byte) {}); completed {
		t.Fatal("completed = true, want false when a step returns cont=false")
	}
}

func TestRegistryBestMatchPrecedence(t *testing.T) {
	reg := NewRegistry()
	root := reg.Register("/")
	api := reg.Register("/api/")
	exact := reg.Register("/api/foo")

	if c, ok := reg.BestMatch("/api/foo"); !ok || c != exact {
		t.Fatal("exact match did not win over prefix")
	}
	if c, ok := reg.BestMatch("/api/foo/bar"); !ok || c != api {
		t.Fatal("longest trailing-slash prefix not selected")
	}
	if c, ok := reg.BestMatch("/unrelated"); !ok || c != root {
		t.Fatal("\"/\" fallback not selected for unmatched url")
	}
}

func TestRegistryBestMatchNoFallbackRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/api/")
	if _, ok := reg.BestMatch("/other"); ok {
		t.Fatal("expected no match when neither a prefix nor \"/\" is registered")
	}
}

func TestReplyInvokedExactlyOnce(t *testing.T) {
	c := New("/once")
	calls := 0
	c.Use(func(r *Resolve) bool {
		r.Reply(0, 0, nil, nil)
		r.Reply(0, 0, nil, nil) // second call must be a no-op
		return true
	})
	c.Run(func(uint8, uint16, []byte, []byte) { calls++ })
	if calls != 1 {
		t.Fatalf("reply invoked %d times, want exactly 1", calls)
	}
}
