// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/tensorplan/pkg/core/shapeinference"
	"k8s.io/klog/v2"
)

// Optimize applies peephole rewrites to the graph, in one scan over the operators in their current order:
//
//   - Transpose cancellation: a Transpose whose output is read only by another Transpose with the inverse
//     permutation is removed together with it, and the consumers of the second Transpose read the input
//     of the first one directly.
//   - Transpose fusion: a MatMul operand produced by a Transpose that only swaps the last two axes (and is
//     read by nothing else) is replaced by the Transpose input, toggling the MatMul TransA or TransB flag.
//
// Rewrites only remove operators and their intermediate tensors: the graph inputs and outputs are preserved.
// Patterns exposed by a rewrite on operators already scanned are not revisited, see OptimizeToFixedPoint.
//
// It returns the number of rewrites applied.
func (g *Graph) Optimize() int {
	numRewrites := 0
	for _, op := range slices.Clone(g.ops) {
		if op.removed {
			continue
		}
		switch op.Kind() {
		case OpKindTranspose:
			if g.cancelTransposes(op) {
				numRewrites++
			}
		case OpKindMatMul:
			for operand := range 2 {
				if g.fuseTransposeIntoMatMul(op, operand) {
					numRewrites++
				}
			}
		default:
		}
	}
	if numRewrites > 0 {
		klog.V(1).Infof("Graph %q (%s): optimizer applied %d rewrites, %d operators and %d tensors left",
			g.name, g.id, numRewrites, len(g.ops), len(g.tensors))
	}
	return numRewrites
}

// OptimizeToFixedPoint calls Optimize until a pass makes no rewrite. It cleans up patterns that only appear
// after other rewrites, like nested pairs of inverse transposes.
//
// It returns the total number of rewrites applied.
func (g *Graph) OptimizeToFixedPoint() int {
	total := 0
	for {
		numRewrites := g.Optimize()
		if numRewrites == 0 {
			return total
		}
		total += numRewrites
	}
}

// isInversePermutation returns whether applying perm1 and then perm2 is the identity, that is,
// perm1[perm2[j]] == j for every axis j.
func isInversePermutation(perm1, perm2 []int) bool {
	if len(perm1) != len(perm2) || !shapeinference.IsPermutation(perm1) || !shapeinference.IsPermutation(perm2) {
		return false
	}
	for j, axis := range perm2 {
		if perm1[axis] != j {
			return false
		}
	}
	return true
}

// swapsLastTwoAxes returns whether perm swaps the last two axes and leaves all others in place.
func swapsLastTwoAxes(perm []int) bool {
	rank := len(perm)
	if rank < 2 {
		return false
	}
	for axis := range rank - 2 {
		if perm[axis] != axis {
			return false
		}
	}
	return perm[rank-2] == rank-1 && perm[rank-1] == rank-2
}

// isSimpleTranspose returns the transpose attributes of op, if it is a Transpose with one input and one output.
func isSimpleTranspose(op *Operator) (*Transpose, bool) {
	attrs, ok := op.attrs.(*Transpose)
	if !ok || len(op.inputs) != 1 || len(op.outputs) != 1 {
		return nil, false
	}
	return attrs, true
}

// bypass rewires consumer to read x instead of its input from, a tensor produced by the operator being
// removed: it updates the consumers of x and the predecessor/successor edges with x's producer.
// The edge between consumer and the producer of from is left for the caller.
func bypass(consumer *Operator, from, x *Tensor) {
	consumer.replaceInput(from, x)
	x.addConsumer(consumer)
	if src := x.producer; src != nil {
		src.addSuccessor(consumer)
		consumer.addPredecessor(src)
	}
}

// detachInput removes op from the consumers of its single input x, and from the successors of x's producer.
func detachInput(op *Operator, x *Tensor) {
	x.removeConsumer(op)
	if src := x.producer; src != nil {
		src.removeSuccessor(op)
	}
}

// cancelTransposes removes p1 and its single consumer p2 if both are transposes and p2 undoes p1.
func (g *Graph) cancelTransposes(p1 *Operator) bool {
	t1, ok := isSimpleTranspose(p1)
	if !ok {
		return false
	}
	y1 := p1.outputs[0]
	if len(y1.consumers) != 1 {
		return false
	}
	p2 := y1.consumers[0]
	t2, ok := isSimpleTranspose(p2)
	if !ok || !isInversePermutation(t1.Permutation, t2.Permutation) {
		return false
	}
	y2 := p2.outputs[0]
	if len(y2.consumers) == 0 {
		// y2 is a graph output, it must be kept.
		return false
	}

	x := p1.inputs[0]
	consumers := slices.Clone(y2.consumers)
	detachInput(p1, x)
	for _, consumer := range consumers {
		consumer.removePredecessor(p2)
		bypass(consumer, y2, x)
	}
	g.removeOperator(p1)
	g.removeOperator(p2)
	g.removeTensor(y1)
	g.removeTensor(y2)
	klog.V(1).Infof("Graph %q: cancelled transposes %d and %d, %d consumers now read tensor %d",
		g.name, p1.guid, p2.guid, len(consumers), x.guid)
	return true
}

// fuseTransposeIntoMatMul folds the Transpose producing the given operand (0 or 1) of the MatMul mm into
// its TransA/TransB attribute.
func (g *Graph) fuseTransposeIntoMatMul(mm *Operator, operand int) bool {
	attrs, ok := mm.attrs.(*MatMul)
	if !ok || len(mm.inputs) != 2 {
		return false
	}
	y := mm.inputs[operand]
	tr := y.producer
	if tr == nil {
		return false
	}
	trAttrs, ok := isSimpleTranspose(tr)
	if !ok || !swapsLastTwoAxes(trAttrs.Permutation) {
		return false
	}
	// The transposed value must not be needed by anything else, including the other operand.
	if len(y.consumers) != 1 || mm.inputs[1-operand] == y {
		return false
	}

	x := tr.inputs[0]
	detachInput(tr, x)
	mm.removePredecessor(tr)
	bypass(mm, y, x)
	if operand == 0 {
		attrs.TransA = !attrs.TransA
	} else {
		attrs.TransB = !attrs.TransB
	}
	g.removeOperator(tr)
	g.removeTensor(y)
	klog.V(1).Infof("Graph %q: fused transpose %d into %s", g.name, tr.guid, mm)
	return true
}
