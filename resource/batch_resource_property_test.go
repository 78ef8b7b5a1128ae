package resource

import (
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/agentflow-labs/batchflow/tensor"
)

// Property 1 (spec §8): a Barrier fires exactly once, and only once
// every one of the N pieces (plus Seal) has completed, regardless of
// completion order or interleaving with construction.
func TestProperty_BarrierFiresExactlyOnceAfterAllPieces(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 64).Draw(rt, "n")
		concurrent := rapid.Bool().Draw(rt, "concurrent")

		var fired atomic.Int32
		b := NewBarrier(func() { fired.Add(1) })

		cbs := make([]func(), n)
		for i := range cbs {
			cbs[i] = b.Inc()
		}
		if fired.Load() != 0 {
			rt.Fatalf("fired before Seal, with %d pieces still outstanding", n)
		}
		b.Seal()
		if n > 0 && fired.Load() != 0 {
			rt.Fatalf("fired on Seal alone with %d pieces still outstanding", n)
		}

		order := indices(n)
		for i := n - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(rt, "swap")
			order[i], order[j] = order[j], order[i]
		}
		if concurrent {
			var wg sync.WaitGroup
			wg.Add(n)
			for _, idx := range order {
				idx := idx
				go func() { defer wg.Done(); cbs[idx]() }()
			}
			wg.Wait()
		} else {
			for _, idx := range order {
				cbs[idx]()
			}
		}

		if got := fired.Load(); got != 1 {
			rt.Fatalf("fire count = %d for n=%d, want exactly 1", got, n)
		}
	})
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Property 4 (spec §8): round_up_to_allowed returns the smallest
// allowed entry >= n, or n unchanged when no entry covers it or the
// set is empty.
func TestProperty_PaddingRoundsUpToAllowedSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		count := rapid.IntRange(0, 6).Draw(rt, "count")
		seen := make(map[int]struct{})
		var allowed []int
		for i := 0; i < count; i++ {
			v := rapid.IntRange(1, 200).Draw(rt, "allowed_val")
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			allowed = append(allowed, v)
		}
		sortInts(allowed)
		n := rapid.IntRange(1, 250).Draw(rt, "n")

		br := &BatchResource{logger: zap.NewNop()}
		got := br.roundToLowestAllowed(allowed, n, "q")

		if len(allowed) == 0 {
			if got != n {
				rt.Fatalf("empty allowed set: got %d, want unchanged %d", got, n)
			}
			return
		}
		max := allowed[len(allowed)-1]
		if n > max {
			if got != n {
				rt.Fatalf("n=%d exceeds max allowed %d: got %d, want unchanged %d", n, max, got, n)
			}
			return
		}
		if got < n {
			rt.Fatalf("rounded size %d is smaller than requested %d", got, n)
		}
		found := false
		for _, a := range allowed {
			if a == got {
				found = true
			}
		}
		if !found {
			rt.Fatalf("rounded size %d is not one of the allowed sizes %v", got, allowed)
		}
		for _, a := range allowed {
			if a >= n && a < got {
				rt.Fatalf("allowed size %d is smaller than chosen %d and still covers n=%d", a, got, n)
			}
		}
	})
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

// Property 7 (spec §8): Concat composed with Split by the original
// per-piece sizes reconstructs the original tensor element-for-element.
func TestProperty_ConcatSplitRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		numPieces := rapid.IntRange(1, 6).Draw(rt, "numPieces")
		rowElems := rapid.IntRange(1, 4).Draw(rt, "rowElems")

		sizes := make([]int, numPieces)
		pieces := make([]*tensor.Tensor, numPieces)
		var wantData []float64
		val := 0.0
		for i := range pieces {
			rows := rapid.IntRange(0, 5).Draw(rt, "rows")
			sizes[i] = rows
			tn := tensor.New(tensor.Shape{rows, rowElems})
			for j := range tn.Data {
				tn.Data[j] = val
				val++
			}
			pieces[i] = tn
			wantData = append(wantData, tn.Data...)
		}

		ops := tensor.CPUOps{}
		concatenated, err := ops.Concat(pieces)
		if err != nil {
			rt.Fatalf("Concat: %v", err)
		}
		split, err := ops.Split(concatenated, sizes)
		if err != nil {
			rt.Fatalf("Split: %v", err)
		}
		if len(split) != numPieces {
			rt.Fatalf("split into %d pieces, want %d", len(split), numPieces)
		}
		var gotData []float64
		for i, p := range split {
			if p.Shape.Rows() != sizes[i] {
				rt.Fatalf("piece %d rows = %d, want %d", i, p.Shape.Rows(), sizes[i])
			}
			gotData = append(gotData, p.Data...)
		}
		if len(gotData) != len(wantData) {
			rt.Fatalf("round-tripped %d elements, want %d", len(gotData), len(wantData))
		}
		for i := range wantData {
			if gotData[i] != wantData[i] {
				rt.Fatalf("element %d = %v, want %v", i, gotData[i], wantData[i])
			}
		}
	})
}
