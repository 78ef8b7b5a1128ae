package resource

import (
	"context"

	"github.com/agentflow-labs/batchflow/tensor"
)

// Executor is the host compute runtime BatchResource invokes once per
// closed batch (spec §1, §6): an opaque callback over the concatenated
// batch arguments. Out of scope for this module by design; a real
// binding wraps whatever inference runtime owns the actual compute.
type Executor interface {
	Run(ctx context.Context, args []*tensor.Tensor) ([]*tensor.Tensor, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, args []*tensor.Tensor) ([]*tensor.Tensor, error)

// Run implements Executor.
func (f ExecutorFunc) Run(ctx context.Context, args []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return f(ctx, args)
}
