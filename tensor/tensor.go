// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package tensor defines the external TensorOps collaborator (spec §1,
§6): a minimal leading-dimension-aware array value and the
Concat/Split/Slice operations the batch and unbatch resources need,
without taking on dtype machinery, device placement, or allocation
pooling — those belong to the host tensor runtime this package stands
in for in tests and examples.

Tensor stores its elements as a flat []float64 row-major buffer plus a
Shape; production callers wire their own Ops against whatever
dtype-aware storage their runtime provides. Only dimension 0 (the
leading dimension) is ever split or concatenated — that is the
spec's one hard requirement.
*/
package tensor

import (
	"fmt"

	"github.com/agentflow-labs/batchflow/status"
)

// Shape is the dimension-size vector of a Tensor, leading dimension
// first.
type Shape []int

// Rows returns the leading-dimension size, or 0 for a rank-0 shape.
func (s Shape) Rows() int {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

// RowElems returns the number of scalar elements in one leading-dimension
// row (the product of all trailing dimensions).
func (s Shape) RowElems() int {
	n := 1
	for _, d := range s[1:] {
		n *= d
	}
	return n
}

func (s Shape) withRows(rows int) Shape {
	out := make(Shape, len(s))
	copy(out, s)
	if len(out) > 0 {
		out[0] = rows
	}
	return out
}

// Tensor is a reference dense array value, used by the default Ops
// implementation and by tests. Production integrations will usually
// have their own tensor type and a thin Ops adapter instead.
type Tensor struct {
	Shape Shape
	Data  []float64
}

// New allocates a zero-filled Tensor of the given shape.
func New(shape Shape) *Tensor {
	n := shape.Rows() * shape.RowElems()
	if len(shape) == 0 {
		n = 0
	}
	return &Tensor{Shape: shape, Data: make([]float64, n)}
}

// Row returns the scalar slice for leading-dimension index i.
func (t *Tensor) Row(i int) []float64 {
	elems := t.Shape.RowElems()
	return t.Data[i*elems : (i+1)*elems]
}

// Ops is the per-dtype leading-dimension concat/split/slice contract
// the batch and unbatch resources depend on (spec §6). A production
// binding implements this against real tensor storage; CPUOps below is
// the reference implementation used by tests and examples.
type Ops interface {
	// Concat joins tensors along the leading dimension. All inputs
	// must share identical trailing dimensions.
	Concat(tensors []*Tensor) (*Tensor, error)
	// Split divides t along the leading dimension into len(sizes)
	// pieces whose row counts are sizes, in order. sum(sizes) must
	// equal t.Shape.Rows().
	Split(t *Tensor, sizes []int) ([]*Tensor, error)
	// Slice returns rows [begin, end) of t without copying when the
	// underlying storage allows it.
	Slice(t *Tensor, begin, end int) (*Tensor, error)
}

// CPUOps is the reference in-memory implementation of Ops. Spec §9
// Open Question (ii) scopes this module to CPU only; GPU-side
// concat/split is an orthogonal optimization left to the host runtime.
type CPUOps struct{}

var _ Ops = CPUOps{}

// Concat implements Ops.
func (CPUOps) Concat(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, status.New(status.InvalidArgument, "concat requires at least one tensor")
	}
	trailing := tensors[0].Shape[1:]
	rowElems := tensors[0].Shape.RowElems()
	totalRows := 0
	for i, t := range tensors {
		if !sameTrailing(t.Shape[1:], trailing) {
			return nil, status.Newf(status.InvalidArgument,
				"concat: tensor %d trailing shape %v does not match %v", i, t.Shape[1:], trailing)
		}
		totalRows += t.Shape.Rows()
	}

	out := New(append(Shape{totalRows}, trailing...))
	offset := 0
	for _, t := range tensors {
		n := t.Shape.Rows() * rowElems
		copy(out.Data[offset:offset+n], t.Data)
		offset += n
	}
	return out, nil
}

// Split implements Ops.
func (CPUOps) Split(t *Tensor, sizes []int) ([]*Tensor, error) {
	total := 0
	for _, s := range sizes {
		if s < 0 {
			return nil, status.New(status.InvalidArgument, "split sizes must be non-negative")
		}
		total += s
	}
	if total != t.Shape.Rows() {
		return nil, status.Newf(status.InvalidArgument,
			"split: sizes sum to %d, tensor has %d rows", total, t.Shape.Rows())
	}

	rowElems := t.Shape.RowElems()
	out := make([]*Tensor, len(sizes))
	offset := 0
	for i, s := range sizes {
		piece := New(t.Shape.withRows(s))
		n := s * rowElems
		copy(piece.Data, t.Data[offset*rowElems:offset*rowElems+n])
		out[i] = piece
		offset += s
	}
	return out, nil
}

// Slice implements Ops.
func (CPUOps) Slice(t *Tensor, begin, end int) (*Tensor, error) {
	if begin < 0 || end > t.Shape.Rows() || begin > end {
		return nil, status.Newf(status.InvalidArgument, "slice [%d:%d) out of bounds for %d rows", begin, end, t.Shape.Rows())
	}
	rowElems := t.Shape.RowElems()
	out := New(t.Shape.withRows(end - begin))
	copy(out.Data, t.Data[begin*rowElems:end*rowElems])
	return out, nil
}

func sameTrailing(a, b Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", []int(t.Shape))
}
