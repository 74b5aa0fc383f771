// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorplan/backends"
	"github.com/gomlx/tensorplan/backends/host"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// Aliases
var (
	F32 = dtypes.Float32
	I32 = dtypes.Int32

	MS = shapes.Make
)

func newTestGraph(t *testing.T) *Graph {
	g := New(host.New(""), t.Name())
	t.Cleanup(g.Finalize)
	return g
}

// catch returns the error thrown by fn, or nil if it didn't panic.
func catch(fn func()) error {
	return exceptions.TryCatch[error](fn)
}

func TestAddOperator(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(MS(F32, 2, 3))
	w := g.AddTensor(MS(F32, 3, 4))
	mm := g.MatMul(x, w, false, false)
	require.True(t, MS(F32, 2, 4).Equal(mm.Output().Shape()))
	assert.Equal(t, OpKindMatMul, mm.Kind())
	assert.Equal(t, mm, mm.Output().Producer())
	assert.Equal(t, []*Operator{mm}, x.Consumers())
	assert.Equal(t, 3, g.NumTensors())
	assert.Equal(t, 1, g.NumOperators())

	relu := g.Relu(mm.Output())
	assert.Equal(t, []*Operator{mm}, relu.Predecessors())
	assert.Equal(t, []*Operator{relu}, mm.Successors())
	g.CheckValid()

	// Invalid shapes.
	err := catch(func() { g.MatMul(x, x, false, false) })
	require.Error(t, err)

	// Tensor from another graph.
	other := newTestGraph(t)
	err = catch(func() { other.Relu(x) })
	require.ErrorContains(t, err, "is not a tensor of graph")

	// Output with a producer already.
	err = catch(func() { g.AddOperator(&Relu{}, []*Tensor{x}, []*Tensor{mm.Output()}) })
	require.ErrorContains(t, err, "already produced")

	// Connected tensors can't be re-added.
	err = catch(func() { g.AddExistingTensor(x) })
	require.Error(t, err)
}

func TestTopoSort(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(MS(F32, 2, 3)).SetName("a")
	b := g.AddTensor(MS(F32, 2, 3)).SetName("b")
	c := g.AddTensor(MS(F32, 2, 3)).SetName("c")
	d := g.AddTensor(MS(F32, 2, 3)).SetName("d")

	// Operators are added in reverse execution order.
	op3 := g.AddOperator(&Add{}, []*Tensor{c, a}, []*Tensor{d})
	op2 := g.AddOperator(&Relu{}, []*Tensor{b}, []*Tensor{c})
	op1 := g.AddOperator(&Relu{}, []*Tensor{a}, []*Tensor{b})
	g.CheckValid()
	require.False(t, g.IsSorted())
	require.True(t, g.TopoSort())
	require.True(t, g.IsSorted())
	require.Equal(t, []*Operator{op1, op2, op3}, g.Operators())
	assert.Contains(t, g.String(), "Graph operators:")

	// Sorting again is a no-op.
	require.True(t, g.TopoSort())
	require.Equal(t, []*Operator{op1, op2, op3}, g.Operators())
}

func TestTopoSortCycle(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(MS(F32, 4))
	b := g.AddTensor(MS(F32, 4))
	x := g.AddTensor(MS(F32, 4))
	opA := g.AddOperator(&Add{}, []*Tensor{x, b}, []*Tensor{a})
	opB := g.AddOperator(&Relu{}, []*Tensor{a}, []*Tensor{b})
	g.Relu(a)
	g.CheckValid()
	before := g.Operators()
	require.False(t, g.TopoSort())
	require.False(t, g.IsSorted())
	require.Equal(t, before, g.Operators())
	assert.Equal(t, []*Operator{opB}, opA.Predecessors())

	err := catch(g.ShapeInfer)
	require.ErrorContains(t, err, "cycle")
	err = catch(func() { _ = g.DataMalloc() })
	require.ErrorContains(t, err, "cycle")
}

func TestShapeInfer(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(MS(F32, 2, 3))
	w := g.AddTensor(MS(F32, 4, 3))

	// Placeholder outputs, with shapes to be inferred.
	h := g.AddTensor(MS(F32))
	out := g.AddTensor(MS(F32))
	g.AddOperator(&Concat{Axis: 0}, []*Tensor{h, h}, []*Tensor{out})
	g.AddOperator(&MatMul{TransB: true}, []*Tensor{x, w}, []*Tensor{h})
	g.ShapeInfer()
	assert.True(t, g.IsSorted())
	assert.True(t, MS(F32, 2, 4).Equal(h.Shape()), "got %s", h.Shape())
	assert.True(t, MS(F32, 4, 4).Equal(out.Shape()), "got %s", out.Shape())

	// Shapes that don't match.
	g2 := newTestGraph(t)
	x = g2.AddTensor(MS(F32, 2, 3))
	y := g2.AddTensor(MS(I32, 2, 3))
	g2.AddOperator(&Add{}, []*Tensor{x, y}, []*Tensor{g2.AddTensor(MS(F32))})
	err := catch(g2.ShapeInfer)
	require.Error(t, err)
	require.ErrorContains(t, err, "ShapeInfer")
}

func TestCheckValid(t *testing.T) {
	t.Run("dangling", func(t *testing.T) {
		g := newTestGraph(t)
		g.Relu(g.AddTensor(MS(F32, 3)))
		g.CheckValid()
		g.AddTensor(MS(F32, 3))
		require.ErrorContains(t, catch(g.CheckValid), "neither producer nor consumers")
	})
	t.Run("duplicate FUID", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(MS(F32, 3))
		g.Relu(x)
		clone := g.AddExistingTensor(x.Clone())
		require.Equal(t, x.FUID(), clone.FUID())
		require.NotEqual(t, x.GUID(), clone.GUID())
		g.Relu(clone)
		require.ErrorContains(t, catch(g.CheckValid), "share the FUID")
		require.Equal(t, x, g.GetTensor(x.FUID()))
	})
	t.Run("broken edges", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(MS(F32, 3))
		relu := g.Relu(x)
		relu.inputs = nil
		require.ErrorContains(t, catch(g.CheckValid), "doesn't read it")
	})
}

func TestInversePermutation(t *testing.T) {
	assert.True(t, isInversePermutation([]int{1, 0}, []int{1, 0}))
	assert.True(t, isInversePermutation([]int{1, 2, 0}, []int{2, 0, 1}))
	assert.True(t, isInversePermutation([]int{0, 1, 2}, []int{0, 1, 2}))
	assert.False(t, isInversePermutation([]int{1, 2, 0}, []int{1, 2, 0}))
	assert.False(t, isInversePermutation([]int{1, 0}, []int{0, 2, 1}))
	assert.False(t, isInversePermutation([]int{0, 0}, []int{0, 0}))

	assert.True(t, swapsLastTwoAxes([]int{1, 0}))
	assert.True(t, swapsLastTwoAxes([]int{0, 1, 3, 2}))
	assert.False(t, swapsLastTwoAxes([]int{1, 0, 2}))
	assert.False(t, swapsLastTwoAxes([]int{0, 1}))
	assert.False(t, swapsLastTwoAxes([]int{0}))
}

func TestCancelTransposes(t *testing.T) {
	g := newTestGraph(t)
	w := g.AddTensor(MS(F32, 2, 3, 4))
	src := g.Relu(w)
	x := src.Output()
	t1 := g.Transpose(x, 1, 2, 0)
	t2 := g.Transpose(t1.Output(), 2, 0, 1)
	consumer := g.Relu(t2.Output())
	require.Equal(t, 5, g.NumTensors())
	require.Equal(t, 4, g.NumOperators())

	require.Equal(t, 1, g.Optimize())
	assert.Equal(t, 3, g.NumTensors())
	assert.Equal(t, 2, g.NumOperators())
	assert.Equal(t, x, consumer.Input(0))
	assert.Equal(t, []*Operator{consumer}, x.Consumers())
	assert.Equal(t, []*Operator{src}, consumer.Predecessors())
	assert.Equal(t, []*Operator{consumer}, src.Successors())
	assert.NotContains(t, g.Tensors(), t1.Output())
	assert.NotContains(t, g.Tensors(), t2.Output())
	g.CheckValid()
	g.ShapeInfer()
	assert.True(t, MS(F32, 2, 3, 4).Equal(consumer.Output().Shape()))

	// Nothing left to do.
	require.Equal(t, 0, g.Optimize())
}

func TestCancelTransposesMultipleConsumers(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(MS(F32, 2, 3))
	t1 := g.Transpose(x, 1, 0)
	t2 := g.Transpose(t1.Output(), 1, 0)
	c1 := g.Relu(t2.Output())
	c2 := g.Add(t2.Output(), x)
	require.Equal(t, 1, g.Optimize())
	assert.Equal(t, x, c1.Input(0))
	assert.Equal(t, []*Tensor{x, x}, c2.Inputs())
	assert.ElementsMatch(t, []*Operator{c1, c2}, x.Consumers())
	g.CheckValid()
}

func TestCancelTransposesNoRewrite(t *testing.T) {
	t.Run("first transpose shared", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(MS(F32, 2, 3))
		t1 := g.Transpose(x, 1, 0)
		t2 := g.Transpose(t1.Output(), 1, 0)
		g.Relu(t2.Output())
		g.Relu(t1.Output())
		require.Equal(t, 0, g.Optimize())
		require.Equal(t, 4, g.NumOperators())
	})
	t.Run("not inverse", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(MS(F32, 2, 3, 4))
		t1 := g.Transpose(x, 1, 2, 0)
		t2 := g.Transpose(t1.Output(), 1, 2, 0)
		g.Relu(t2.Output())
		require.Equal(t, 0, g.Optimize())
		require.Equal(t, 3, g.NumOperators())
	})
	t.Run("graph output", func(t *testing.T) {
		g := newTestGraph(t)
		x := g.AddTensor(MS(F32, 2, 3))
		t1 := g.Transpose(x, 1, 0)
		g.Transpose(t1.Output(), 1, 0)
		require.Equal(t, 0, g.Optimize())
		require.Equal(t, 2, g.NumOperators())
	})
}

func TestFuseTransposeIntoMatMul(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(MS(F32, 4, 3))
	b := g.AddTensor(MS(F32, 4, 5))
	ta := g.Transpose(a, 1, 0)
	mm := g.MatMul(ta.Output(), b, false, false)
	require.True(t, MS(F32, 3, 5).Equal(mm.Output().Shape()))

	require.Equal(t, 1, g.Optimize())
	attrs := mm.Attrs().(*MatMul)
	assert.True(t, attrs.TransA)
	assert.False(t, attrs.TransB)
	assert.Equal(t, []*Tensor{a, b}, mm.Inputs())
	assert.Equal(t, 1, g.NumOperators())
	assert.Equal(t, 3, g.NumTensors())
	assert.Empty(t, mm.Predecessors())
	g.CheckValid()
	g.ShapeInfer()
	assert.True(t, MS(F32, 3, 5).Equal(mm.Output().Shape()))
}

func TestFuseTransposeIntoMatMulToggles(t *testing.T) {
	g := newTestGraph(t)
	a := g.AddTensor(MS(F32, 7, 3, 4))
	b := g.AddTensor(MS(F32, 7, 4, 5))
	tb := g.Transpose(b, 0, 2, 1)
	mm := g.MatMul(a, tb.Output(), false, true)
	require.True(t, MS(F32, 7, 3, 5).Equal(mm.Output().Shape()))

	require.Equal(t, 1, g.Optimize())
	attrs := mm.Attrs().(*MatMul)
	assert.False(t, attrs.TransA)
	assert.False(t, attrs.TransB)
	assert.Equal(t, b, mm.Input(1))
	g.ShapeInfer()
	assert.True(t, MS(F32, 7, 3, 5).Equal(mm.Output().Shape()))
}

func TestFuseTransposeIntoMatMulNoRewrite(t *testing.T) {
	t.Run("shared transpose", func(t *testing.T) {
		g := newTestGraph(t)
		a := g.AddTensor(MS(F32, 3, 3))
		ta := g.Transpose(a, 1, 0)
		g.MatMul(ta.Output(), ta.Output(), false, false)
		require.Equal(t, 0, g.Optimize())
	})
	t.Run("other consumer", func(t *testing.T) {
		g := newTestGraph(t)
		a := g.AddTensor(MS(F32, 4, 3))
		b := g.AddTensor(MS(F32, 4, 5))
		ta := g.Transpose(a, 1, 0)
		g.MatMul(ta.Output(), b, false, false)
		g.Relu(ta.Output())
		require.Equal(t, 0, g.Optimize())
	})
	t.Run("batch axes permuted", func(t *testing.T) {
		g := newTestGraph(t)
		a := g.AddTensor(MS(F32, 2, 7, 3))
		b := g.AddTensor(MS(F32, 3, 5))
		ta := g.Transpose(a, 1, 0, 2)
		g.MatMul(ta.Output(), b, false, false)
		require.Equal(t, 0, g.Optimize())
	})
}

func TestOptimizeToFixedPoint(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(MS(F32, 2, 3, 4))
	t1 := g.Transpose(x, 1, 2, 0)
	t2 := g.Transpose(t1.Output(), 0, 2, 1)
	t3 := g.Transpose(t2.Output(), 0, 2, 1)
	t4 := g.Transpose(t3.Output(), 2, 0, 1)
	relu := g.Relu(t4.Output())
	require.True(t, MS(F32, 2, 3, 4).Equal(t4.Output().Shape()))

	// A single pass only removes the inner pair.
	require.Equal(t, 1, g.Optimize())
	require.Equal(t, []*Operator{t1, t4, relu}, g.Operators())
	assert.Equal(t, t1.Output(), t4.Input(0))
	g.CheckValid()

	require.Equal(t, 1, g.OptimizeToFixedPoint())
	require.Equal(t, []*Operator{relu}, g.Operators())
	assert.Equal(t, x, relu.Input(0))
	assert.Equal(t, 2, g.NumTensors())
	g.CheckValid()
}

// tensorLiveness returns the index of the first and last operators during which t must be kept in memory.
func tensorLiveness(g *Graph, t *Tensor) (first, last int) {
	ops := g.Operators()
	first, last = -1, len(ops)
	for ii, op := range ops {
		if op == t.Producer() {
			first = ii
		}
	}
	if consumers := t.Consumers(); len(consumers) > 0 {
		last = -1
		for ii, op := range ops {
			for _, consumer := range consumers {
				if op == consumer {
					last = max(last, ii)
				}
			}
		}
	}
	return
}

func TestDataMalloc(t *testing.T) {
	g := newTestGraph(t)
	x := g.AddTensor(MS(F32, 2, 3))
	w := g.AddTensor(MS(F32, 3, 4))
	h := g.MatMul(x, w, false, false).Output()
	r := g.Relu(h).Output()
	out := g.Add(r, h).Output()
	require.NoError(t, g.DataMalloc())

	alloc := g.Allocator()
	assert.Equal(t, 104, alloc.Peak())
	assert.Equal(t, 104, alloc.Extent())
	assert.Equal(t, 32, alloc.Used())
	assert.Equal(t, 0, x.Blob().Offset)
	assert.Equal(t, 24, w.Blob().Offset)
	assert.Equal(t, 72, h.Blob().Offset)
	assert.Equal(t, 0, r.Blob().Offset)
	assert.Equal(t, 32, out.Blob().Offset)

	tensors := g.Tensors()
	for ii, t1 := range tensors {
		blob := t1.Blob()
		require.NotNil(t, blob)
		assert.Equal(t, t1.Bytes(), blob.Size)
		assert.Len(t, blob.Bytes(), blob.Size)
		assert.Zero(t, blob.Offset%alloc.Alignment())
		assert.Equal(t, alloc.Extent(), blob.Buffer.Size())
		first1, last1 := tensorLiveness(g, t1)
		for _, t2 := range tensors[ii+1:] {
			first2, last2 := tensorLiveness(g, t2)
			if first1 > last2 || first2 > last1 {
				continue
			}
			overlap := blob.Offset < t2.Blob().Offset+t2.Blob().Size && t2.Blob().Offset < blob.Offset+blob.Size
			assert.False(t, overlap, "live tensors %s and %s overlap in memory", t1, t2)
		}
	}

	// Memory is planned only once.
	require.ErrorContains(t, catch(func() { _ = g.DataMalloc() }), "already allocated")

	g.Finalize()
	assert.Nil(t, x.Blob())
}

// failingBackend fails every allocation.
type failingBackend struct {
	*host.Backend
}

func (b *failingBackend) Alloc(nbytes int) (backends.Buffer, error) {
	return nil, errors.Errorf("cannot allocate %d bytes", nbytes)
}

func TestDataMallocBackendFailure(t *testing.T) {
	g := New(&failingBackend{Backend: host.New("").(*host.Backend)}, t.Name())
	x := g.AddTensor(MS(F32, 16))
	g.Relu(x)
	err := g.DataMalloc()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot allocate 128 bytes")
	assert.Nil(t, x.Blob())
}
