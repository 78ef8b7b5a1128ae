package resource

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/agentflow-labs/batchflow/status"
	"github.com/agentflow-labs/batchflow/tensor"
	"github.com/agentflow-labs/batchflow/testutil"
)

// Property 6 (spec §8): every distinct batch key rendezvous is
// delivered to exactly one waiter; a waiter with no matching tensor is
// evicted with DeadlineExceeded no later than timeout + the evictor's
// ~1ms granularity + slack.
func TestProperty_UnbatchKeyUniquenessAndEventualResolution(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		timeoutMs := rapid.IntRange(5, 30).Draw(rt, "timeoutMs")
		timeout := time.Duration(timeoutMs) * time.Millisecond
		deliverBeforeWaiting := rapid.Bool().Draw(rt, "deliverBeforeWaiting")
		willDeliver := rapid.Bool().Draw(rt, "willDeliver")

		u := NewUnbatchResource(timeout, tensor.CPUOps{}, zap.NewNop())
		defer u.Close()

		const key = int64(4242)
		rows := rapid.IntRange(1, 4).Draw(rt, "rows")

		deliver := func() *status.Status {
			data := rowTensor(rows, 1)
			return u.Compute(data, []BatchIndexRow{{Key: key, Start: 0, End: int64(rows)}}, key+1, newFakeSink(1), func() {})
		}

		sink := newFakeSink(1)
		if deliverBeforeWaiting && willDeliver {
			if st := deliver(); st != nil {
				rt.Fatalf("deliver: %v", st)
			}
		}

		if st := u.Compute(nil, nil, key, sink, sink.markDone); st != nil {
			rt.Fatalf("wait Compute: %v", st)
		}

		if !deliverBeforeWaiting && willDeliver {
			if st := deliver(); st != nil {
				rt.Fatalf("deliver: %v", st)
			}
		}

		epsilon := 200 * time.Millisecond
		ok := testutil.WaitFor(func() bool {
			select {
			case <-sink.doneCh:
				return true
			default:
				return false
			}
		}, timeout+epsilon)
		if !ok {
			rt.Fatalf("waiter never resolved within timeout+epsilon")
		}

		if willDeliver {
			if !status.Ok(sink.Status()) {
				rt.Fatalf("expected OK status on delivery, got %v", sink.Status())
			}
			if got := sink.Output(0).Shape.Rows(); got != rows {
				rt.Fatalf("delivered rows = %d, want %d", got, rows)
			}
		} else {
			if sink.Status() == nil || sink.Status().Code != status.DeadlineExceeded {
				rt.Fatalf("expected DeadlineExceeded on eviction, got %v", sink.Status())
			}
		}
	})
}
