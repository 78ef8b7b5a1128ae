package resource

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBarrier_FiresOnceAfterAllPiecesAndSeal(t *testing.T) {
	var fired atomic.Int32
	b := NewBarrier(func() { fired.Add(1) })

	cbs := make([]func(), 5)
	for i := range cbs {
		cbs[i] = b.Inc()
	}
	b.Seal()

	if fired.Load() != 0 {
		t.Fatalf("fired before any piece completed: %d", fired.Load())
	}

	for _, cb := range cbs {
		cb()
	}

	if got := fired.Load(); got != 1 {
		t.Fatalf("fire count = %d, want 1", got)
	}
}

func TestBarrier_DoesNotFirePrematurely(t *testing.T) {
	var fired atomic.Int32
	b := NewBarrier(func() { fired.Add(1) })

	cb1 := b.Inc()
	cb2 := b.Inc()
	cb1()
	if fired.Load() != 0 {
		t.Fatalf("fired with pieces still outstanding and Seal not yet called")
	}
	cb2()
	if fired.Load() != 0 {
		t.Fatalf("fired before Seal released the placeholder")
	}
	b.Seal()
	if fired.Load() != 1 {
		t.Fatalf("fire count = %d, want 1 after Seal", fired.Load())
	}
}

func TestBarrier_CompletionBeforeConstructionFinishes(t *testing.T) {
	// Mirrors the race called out in spec §4.2: a piece may complete
	// before every piece has even been constructed (Inc called for it).
	var fired atomic.Int32
	b := NewBarrier(func() { fired.Add(1) })

	cb0 := b.Inc()
	cb0() // fires before the producer calls Inc for piece 1
	if fired.Load() != 0 {
		t.Fatalf("fired while producer still constructing pieces")
	}
	cb1 := b.Inc()
	cb1()
	b.Seal()
	if fired.Load() != 1 {
		t.Fatalf("fire count = %d, want 1", fired.Load())
	}
}

func TestBarrier_DoubleInvokeIsSafe(t *testing.T) {
	var fired atomic.Int32
	b := NewBarrier(func() { fired.Add(1) })
	cb := b.Inc()
	b.Seal()
	cb()
	cb()
	if got := fired.Load(); got != 1 {
		t.Fatalf("fire count = %d, want 1", got)
	}
}

func TestBarrier_ConcurrentPieces(t *testing.T) {
	const n = 200
	var fired atomic.Int32
	b := NewBarrier(func() { fired.Add(1) })

	var wg sync.WaitGroup
	cbs := make([]func(), n)
	for i := range cbs {
		cbs[i] = b.Inc()
	}
	b.Seal()

	wg.Add(n)
	for _, cb := range cbs {
		cb := cb
		go func() {
			defer wg.Done()
			cb()
		}()
	}
	wg.Wait()

	if got := fired.Load(); got != 1 {
		t.Fatalf("fire count under concurrency = %d, want exactly 1", got)
	}
}
