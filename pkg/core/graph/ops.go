// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/tensorplan/pkg/core/shapeinference"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
	"github.com/pkg/errors"
)

// MatMul is a batched matrix multiplication of its two inputs. TransA (TransB) means the last two axes
// of the first (second) input are transposed before the multiplication.
type MatMul struct {
	TransA, TransB bool
}

// Transpose permutes the axes of its input: output axis `i` is the input axis `Permutation[i]`.
type Transpose struct {
	Permutation []int
}

// Concat concatenates its inputs along Axis.
type Concat struct {
	Axis int
}

// Add is the element-wise addition of its two inputs, with broadcasting.
type Add struct{}

// Relu is the element-wise max(x, 0).
type Relu struct{}

// Compile-time checks.
var (
	_ OpAttrs = (*MatMul)(nil)
	_ OpAttrs = (*Transpose)(nil)
	_ OpAttrs = (*Concat)(nil)
	_ OpAttrs = (*Add)(nil)
	_ OpAttrs = (*Relu)(nil)
)

func checkNumInputs(kind OpKind, inputs []shapes.Shape, want int) error {
	if len(inputs) != want {
		return errors.Errorf("%s takes %d inputs, got %d", kind, want, len(inputs))
	}
	return nil
}

// Kind implements OpAttrs.
func (a *MatMul) Kind() OpKind { return OpKindMatMul }

// InferShapes implements OpAttrs.
func (a *MatMul) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := checkNumInputs(a.Kind(), inputs, 2); err != nil {
		return nil, err
	}
	output, err := shapeinference.MatMulOp(inputs[0], inputs[1], a.TransA, a.TransB)
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// String implements OpAttrs.
func (a *MatMul) String() string {
	lhs, rhs := "A", "B"
	if a.TransA {
		lhs = "A^T"
	}
	if a.TransB {
		rhs = "B^T"
	}
	return fmt.Sprintf("[%s,%s]", lhs, rhs)
}

// Kind implements OpAttrs.
func (a *Transpose) Kind() OpKind { return OpKindTranspose }

// InferShapes implements OpAttrs.
func (a *Transpose) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := checkNumInputs(a.Kind(), inputs, 1); err != nil {
		return nil, err
	}
	output, err := shapeinference.TransposeOp(inputs[0], a.Permutation)
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// String implements OpAttrs.
func (a *Transpose) String() string { return fmt.Sprintf("perm=%v", a.Permutation) }

// Kind implements OpAttrs.
func (a *Concat) Kind() OpKind { return OpKindConcat }

// InferShapes implements OpAttrs.
func (a *Concat) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	output, err := shapeinference.ConcatOp(inputs, a.Axis)
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// String implements OpAttrs.
func (a *Concat) String() string { return fmt.Sprintf("axis=%d", a.Axis) }

// Kind implements OpAttrs.
func (a *Add) Kind() OpKind { return OpKindAdd }

// InferShapes implements OpAttrs.
func (a *Add) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := checkNumInputs(a.Kind(), inputs, 2); err != nil {
		return nil, err
	}
	output, err := shapeinference.ElementwiseBinaryOp(inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// String implements OpAttrs.
func (a *Add) String() string { return "" }

// Kind implements OpAttrs.
func (a *Relu) Kind() OpKind { return OpKindRelu }

// InferShapes implements OpAttrs.
func (a *Relu) InferShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := checkNumInputs(a.Kind(), inputs, 1); err != nil {
		return nil, err
	}
	output, err := shapeinference.UnaryOp(inputs[0])
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}

// String implements OpAttrs.
func (a *Relu) String() string { return "" }

// MatMul adds a MatMul operator computing `op(a) x op(b)`, see MatMul attributes.
func (g *Graph) MatMul(a, b *Tensor, transA, transB bool) *Operator {
	return g.AddOperator(&MatMul{TransA: transA, TransB: transB}, []*Tensor{a, b}, nil)
}

// Transpose adds a Transpose operator.
func (g *Graph) Transpose(x *Tensor, permutation ...int) *Operator {
	return g.AddOperator(&Transpose{Permutation: slices.Clone(permutation)}, []*Tensor{x}, nil)
}

// Concat adds a Concat operator. A negative axis counts from the end, and is converted to its
// non-negative value using the rank of the first input.
func (g *Graph) Concat(axis int, inputs ...*Tensor) *Operator {
	if axis < 0 && len(inputs) > 0 {
		axis += inputs[0].Rank()
	}
	return g.AddOperator(&Concat{Axis: axis}, inputs, nil)
}

// Add adds an element-wise Add operator.
func (g *Graph) Add(a, b *Tensor) *Operator {
	return g.AddOperator(&Add{}, []*Tensor{a, b}, nil)
}

// Relu adds an element-wise Relu operator.
func (g *Graph) Relu(x *Tensor) *Operator {
	return g.AddOperator(&Relu{}, []*Tensor{x}, nil)
}
