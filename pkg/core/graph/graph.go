// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the planning IR of tensorplan: a dataflow graph of Tensor values and Operator
// computations, with the passes that prepare it for execution.
//
// The passes run strictly in sequence, once the graph is built:
//
//   - Graph.Optimize: peephole rewrites that remove redundant transposes, or fuse them into MatMul.
//   - Graph.TopoSort: orders the operators so that each comes after the producers of its inputs.
//   - Graph.ShapeInfer: propagates shapes through the operators, refining placeholder shapes.
//   - Graph.DataMalloc: plans the memory of every tensor in one arena (see package arena) and
//     binds each tensor to its Blob.
//
// Graph owns its tensors and operators. The producer/consumer links of tensors and the
// predecessor/successor links of operators are plain references kept consistent by every mutation;
// Graph.CheckValid verifies them.
//
// Builder defects (invalid shapes, foreign tensors, broken invariants) panic with an error carrying a stack
// trace, see github.com/gomlx/exceptions. A Graph is not safe for concurrent use.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorplan/backends"
	"github.com/gomlx/tensorplan/pkg/core/arena"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
	"github.com/gomlx/tensorplan/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph of tensors and operators. See package documentation.
type Graph struct {
	id   string
	name string

	backend   backends.Backend
	allocator *arena.Allocator

	tensors []*Tensor
	ops     []*Operator

	// sorted is true if ops is known to be in topological order.
	sorted bool

	// planned is set by DataMalloc.
	planned bool
}

// New creates an empty Graph whose memory will be allocated with backend.
func New(backend backends.Backend, name string) *Graph {
	return &Graph{
		id:        uuid.NewString(),
		name:      name,
		backend:   backend,
		allocator: arena.New(backend),
	}
}

// Id is a unique identifier of the graph, used in logs.
func (g *Graph) Id() string { return g.id }

// Name of the graph, given at its creation.
func (g *Graph) Name() string { return g.name }

// Backend used to allocate the graph memory.
func (g *Graph) Backend() backends.Backend { return g.backend }

// Allocator planning the graph memory.
func (g *Graph) Allocator() *arena.Allocator { return g.allocator }

// Tensors of the graph, in the order they were added.
func (g *Graph) Tensors() []*Tensor { return slices.Clone(g.tensors) }

// Operators of the graph: in topological order after a successful TopoSort.
func (g *Graph) Operators() []*Operator { return slices.Clone(g.ops) }

// NumTensors in the graph.
func (g *Graph) NumTensors() int { return len(g.tensors) }

// NumOperators in the graph.
func (g *Graph) NumOperators() int { return len(g.ops) }

// IsSorted returns whether the operators are known to be in topological order.
func (g *Graph) IsSorted() bool { return g.sorted }

// AddTensor creates a new tensor with the given shape, owned by the graph.
func (g *Graph) AddTensor(shape shapes.Shape) *Tensor {
	if !shapes.IsSupported(shape.DType) {
		exceptions.Panicf("Graph.AddTensor(%s): dtype not supported", shape)
	}
	t := newTensor(shape)
	g.tensors = append(g.tensors, t)
	return t
}

// AddExistingTensor adds a tensor created elsewhere (e.g. with Tensor.Clone) to the graph.
// It panics if the tensor is already connected to operators, or already in the graph.
func (g *Graph) AddExistingTensor(t *Tensor) *Tensor {
	if t.producer != nil || len(t.consumers) > 0 {
		exceptions.Panicf("Graph.AddExistingTensor(%s): tensor is already connected to operators", t)
	}
	if slices.Contains(g.tensors, t) {
		exceptions.Panicf("Graph.AddExistingTensor(%s): tensor already in graph %q", t, g.name)
	}
	g.tensors = append(g.tensors, t)
	return t
}

// AddOperator creates an operator with the given attributes and connects it to its inputs and outputs.
//
// If outputs is nil, the output tensors are created with the shapes inferred from the inputs. Otherwise,
// the given outputs must be tensors of the graph without a producer: their shapes are left as they are,
// and can be refined later with ShapeInfer.
func (g *Graph) AddOperator(attrs OpAttrs, inputs []*Tensor, outputs []*Tensor) *Operator {
	for ii, input := range inputs {
		if input == nil || !slices.Contains(g.tensors, input) {
			exceptions.Panicf("Graph.AddOperator(%s): input #%d (%v) is not a tensor of graph %q", attrs.Kind(), ii, input, g.name)
		}
	}
	op := &Operator{guid: newGUID(), attrs: attrs, inputs: slices.Clone(inputs)}
	if outputs == nil {
		outputShapes, err := op.InferShapes()
		if err != nil {
			panic(errors.WithMessagef(err, "Graph.AddOperator(%s)", attrs.Kind()))
		}
		for _, shape := range outputShapes {
			outputs = append(outputs, g.AddTensor(shape))
		}
	} else {
		for ii, output := range outputs {
			if output == nil || !slices.Contains(g.tensors, output) {
				exceptions.Panicf("Graph.AddOperator(%s): output #%d (%v) is not a tensor of graph %q", attrs.Kind(), ii, output, g.name)
			}
			if slices.Contains(outputs[:ii], output) {
				exceptions.Panicf("Graph.AddOperator(%s): output #%d (%s) given more than once", attrs.Kind(), ii, output)
			}
			if output.producer != nil {
				exceptions.Panicf("Graph.AddOperator(%s): output #%d (%s) is already produced by %s", attrs.Kind(), ii, output, output.producer)
			}
		}
	}
	op.outputs = slices.Clone(outputs)
	g.addOperatorAndConnect(op)
	return op
}

// addOperatorAndConnect registers op and wires the edges to the producers of its inputs and to the
// consumers (already registered) of its outputs.
func (g *Graph) addOperatorAndConnect(op *Operator) {
	g.sorted = false
	g.ops = append(g.ops, op)
	for _, input := range op.inputs {
		input.addConsumer(op)
		if pred := input.producer; pred != nil {
			pred.addSuccessor(op)
			op.addPredecessor(pred)
		}
	}
	for _, output := range op.outputs {
		output.producer = op
		for _, succ := range output.consumers {
			succ.addPredecessor(op)
			op.addSuccessor(succ)
		}
	}
}

// removeOperator takes op out of the operators list. The edges must have been fixed by the caller.
func (g *Graph) removeOperator(op *Operator) {
	g.sorted = false
	g.ops = slices.DeleteFunc(g.ops, func(o *Operator) bool { return o == op })
	op.removed = true
}

// removeTensor takes t out of the tensors list. The edges must have been fixed by the caller.
func (g *Graph) removeTensor(t *Tensor) {
	g.tensors = slices.DeleteFunc(g.tensors, func(o *Tensor) bool { return o == t })
}

// GetTensor returns the tensor with the given fuid, or nil if there is none.
func (g *Graph) GetTensor(fuid FUID) *Tensor {
	for _, t := range g.tensors {
		if t.fuid == fuid {
			return t
		}
	}
	return nil
}

// TopoSort orders the operators so that every operator comes after the producers of all its inputs.
//
// It returns false if the graph has a cycle, in which case the operators are left untouched. It is a no-op
// if the graph is already sorted.
func (g *Graph) TopoSort() bool {
	if g.sorted {
		return true
	}
	sorted := make([]*Operator, 0, len(g.ops))
	scheduled := sets.Make[*Operator](len(g.ops))
	for len(sorted) < len(g.ops) {
		// Each scan must schedule at least one more operator.
		modified := false
		for _, op := range g.ops {
			if scheduled.Has(op) {
				continue
			}
			ready := true
			for _, input := range op.inputs {
				if input.producer != nil && !scheduled.Has(input.producer) {
					ready = false
					break
				}
			}
			if ready {
				modified = true
				sorted = append(sorted, op)
				scheduled.Insert(op)
			}
		}
		if !modified {
			klog.V(1).Infof("Graph %q (%s): cycle found, %d of %d operators could not be scheduled",
				g.name, g.id, len(g.ops)-len(sorted), len(g.ops))
			return false
		}
	}
	g.ops = sorted
	g.sorted = true
	return true
}

// ShapeInfer propagates shapes through the graph, in topological order, updating the output tensors whose
// shape differs from the inferred one.
//
// It panics if the graph has a cycle, if an operator's shape inference fails, or if it returns the wrong
// number of shapes: these are model construction defects.
func (g *Graph) ShapeInfer() {
	if !g.TopoSort() {
		exceptions.Panicf("Graph.ShapeInfer(%q): graph has a cycle", g.name)
	}
	for _, op := range g.ops {
		outputShapes, err := op.InferShapes()
		if err != nil {
			panic(errors.WithMessagef(err, "Graph.ShapeInfer(%q): failed for %s", g.name, op))
		}
		if len(outputShapes) != len(op.outputs) {
			exceptions.Panicf("Graph.ShapeInfer(%q): %s inferred %d shapes, but it has %d outputs",
				g.name, op, len(outputShapes), len(op.outputs))
		}
		for ii, shape := range outputShapes {
			output := op.outputs[ii]
			if !shape.Equal(output.shape) {
				klog.V(2).Infof("Graph.ShapeInfer(%q): tensor %d shape %s -> %s", g.name, output.guid, output.shape, shape)
				output.shape = shape
			}
		}
	}
}

// Finalize releases the memory allocated for the graph. The tensors are left without blobs.
func (g *Graph) Finalize() {
	g.allocator.Finalize()
	for _, t := range g.tensors {
		t.blob = nil
	}
}

// String implements fmt.Stringer. It lists the tensors and operators with their edges.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q: %d tensors, %d operators\n", g.name, len(g.tensors), len(g.ops))
	sb.WriteString("Graph Tensors:\n")
	for _, t := range g.tensors {
		fmt.Fprintf(&sb, "\t%s\n", t)
	}
	sb.WriteString("Graph operators:\n")
	for _, op := range g.ops {
		fmt.Fprintf(&sb, "\tOP %d, pred %s, succ %s, %s\n", op.guid, guidsOf(op.predecessors), guidsOf(op.successors), op)
	}
	return sb.String()
}
