// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
)

// OpKind enumerates the operator types of the graph.
type OpKind int

const (
	OpKindInvalid OpKind = iota
	OpKindMatMul
	OpKindTranspose
	OpKindConcat
	OpKindAdd
	OpKindRelu
)

var opKindNames = []string{"Invalid", "MatMul", "Transpose", "Concat", "Add", "Relu"}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if k < 0 || int(k) >= len(opKindNames) {
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
	return opKindNames[k]
}

// OpKinds returns all valid kinds.
func OpKinds() []OpKind {
	return []OpKind{OpKindMatMul, OpKindTranspose, OpKindConcat, OpKindAdd, OpKindRelu}
}

// OpAttrs holds the kind-specific attributes of an Operator, and implements its shape inference.
//
// There is one implementation per OpKind, see MatMul, Transpose, Concat, Add and Relu.
type OpAttrs interface {
	Kind() OpKind

	// InferShapes returns the shapes of the outputs given the shapes of the inputs.
	InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error)

	// String prints the attributes.
	String() string
}

// Operator is a computation in the graph: it reads its input tensors and writes its output tensors.
//
// Predecessors and successors are the operators directly connected through the tensors, they are kept
// in sync with the tensors' producer and consumers by every Graph mutation.
type Operator struct {
	guid  GUID
	attrs OpAttrs

	inputs, outputs []*Tensor

	predecessors, successors []*Operator

	// removed is set when the optimizer takes the operator out of the graph.
	removed bool
}

// GUID of the operator.
func (op *Operator) GUID() GUID { return op.guid }

// Kind of the operator.
func (op *Operator) Kind() OpKind { return op.attrs.Kind() }

// Attrs returns the kind-specific attributes. Cast it to the concrete type (e.g. *MatMul) to access them.
func (op *Operator) Attrs() OpAttrs { return op.attrs }

// Inputs of the operator, in order.
func (op *Operator) Inputs() []*Tensor { return slices.Clone(op.inputs) }

// Input returns the ii-th input.
func (op *Operator) Input(ii int) *Tensor { return op.inputs[ii] }

// Outputs of the operator, in order.
func (op *Operator) Outputs() []*Tensor { return slices.Clone(op.outputs) }

// Output returns the output of a single-output operator. It panics otherwise.
func (op *Operator) Output() *Tensor {
	if len(op.outputs) != 1 {
		exceptions.Panicf("Operator.Output() called on %s, which has %d outputs", op, len(op.outputs))
	}
	return op.outputs[0]
}

// Predecessors returns the operators producing the inputs of op.
func (op *Operator) Predecessors() []*Operator { return slices.Clone(op.predecessors) }

// Successors returns the operators consuming the outputs of op.
func (op *Operator) Successors() []*Operator { return slices.Clone(op.successors) }

// InferShapes runs the kind-specific shape inference on the current shapes of the inputs.
func (op *Operator) InferShapes() ([]shapes.Shape, error) {
	inputShapes := make([]shapes.Shape, len(op.inputs))
	for ii, input := range op.inputs {
		inputShapes[ii] = input.shape
	}
	return op.attrs.InferShapes(inputShapes)
}

func (op *Operator) addPredecessor(pred *Operator) {
	if !slices.Contains(op.predecessors, pred) {
		op.predecessors = append(op.predecessors, pred)
	}
}

func (op *Operator) removePredecessor(pred *Operator) {
	op.predecessors = slices.DeleteFunc(op.predecessors, func(o *Operator) bool { return o == pred })
}

func (op *Operator) addSuccessor(succ *Operator) {
	if !slices.Contains(op.successors, succ) {
		op.successors = append(op.successors, succ)
	}
}

func (op *Operator) removeSuccessor(succ *Operator) {
	op.successors = slices.DeleteFunc(op.successors, func(o *Operator) bool { return o == succ })
}

// replaceInput replaces every occurrence of oldInput by newInput. It doesn't touch the edges.
func (op *Operator) replaceInput(oldInput, newInput *Tensor) {
	for ii, input := range op.inputs {
		if input == oldInput {
			op.inputs[ii] = newInput
		}
	}
}

// String implements fmt.Stringer.
func (op *Operator) String() string {
	var attrs string
	if s := op.attrs.String(); s != "" {
		attrs = s + ", "
	}
	return fmt.Sprintf("%s[%d](%sinputs=%v, outputs=%v)", op.Kind(), op.guid, attrs,
		guidsOf(op.inputs), guidsOf(op.outputs))
}

type hasGUID interface {
	GUID() GUID
}

func guidsOf[T hasGUID](elements []T) string {
	parts := make([]string, len(elements))
	for ii, e := range elements {
		parts[ii] = fmt.Sprint(e.GUID())
	}
	return "[" + strings.Join(parts, ",") + "]"
}
