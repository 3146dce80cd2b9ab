package pmem

import "testing"

func TestAllocRefFree(t *testing.T) {
	p := New(0)
	buf, err := p.Alloc(100)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf.Bytes()) != 100 {
		t.Fatalf("len = %d, want 100", len(buf.Bytes()))
	}

	buf.Ref() // two holders now
	buf.Free()
	if p.Outstanding()[0] != 1 {
		t.Fatalf("buffer freed early: outstanding = %d", p.Outstanding()[0])
	}
	buf.Free()
	if p.Outstanding()[0] != 0 {
		t.Fatalf("buffer not freed at zero refcount: outstanding = %d", p.Outstanding()[0])
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	p := New(8192) // two 4096 buckets fit, a third should fail
	if _, err := p.Alloc(100); err != nil {
		t.Fatalf("first Alloc: %v", err)
	}
	if _, err := p.Alloc(100); err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if _, err := p.Alloc(100); err == nil {
		t.Fatalf("third Alloc: want ErrNoMemory, got nil")
	}
}

func TestAllocOversizeFails(t *testing.T) {
	p := New(0)
	if _, err := p.Alloc(bucketSizes[len(bucketSizes)-1] + 1); err == nil {
		t.Fatalf("want ErrNoMemory for oversize alloc")
	}
}
