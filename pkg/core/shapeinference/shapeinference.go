// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the shapes resulting from operations and validates their inputs.
//
// The functions are pure: they take input shapes (and the operation attributes) and return the output
// shape or an error describing why the inputs are not compatible. The graph package uses them both
// when creating operators and when re-propagating shapes (Graph.ShapeInfer).
package shapeinference

import (
	"slices"

	"github.com/gomlx/tensorplan/pkg/core/shapes"
	"github.com/pkg/errors"
)

// TransposeOp returns the shape of operand with its axes permuted: output axis `i` is the operand
// axis `permutation[i]`.
func TransposeOp(operand shapes.Shape, permutation []int) (output shapes.Shape, err error) {
	rank := operand.Rank()
	if len(permutation) != rank {
		err = errors.Errorf("Transpose requires all axes permutations to be defined, operand has shape %s, but %d permutations were given",
			operand, len(permutation))
		return
	}
	if !IsPermutation(permutation) {
		err = errors.Errorf("invalid permutation %v given to Transpose(%s), each axis in [0, %d) must appear exactly once",
			permutation, operand, rank)
		return
	}
	output = operand.Clone()
	for axis, srcAxis := range permutation {
		output.Dimensions[axis] = operand.Dimensions[srcAxis]
	}
	return
}

// IsPermutation returns whether perm holds each of the values 0 to len(perm)-1 exactly once.
func IsPermutation(perm []int) bool {
	sorted := slices.Clone(perm)
	slices.Sort(sorted)
	for ii, axis := range sorted {
		if axis != ii {
			return false
		}
	}
	return true
}

// ConcatOp returns the shape of the concatenation of inputs along axis.
//
// All inputs must have the same dtype and rank, and the same dimensions on every axis other than
// the concatenation one. Negative axes count from the end.
func ConcatOp(inputs []shapes.Shape, axis int) (output shapes.Shape, err error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("ConcatOp requires at least one input shape")
	}
	first := inputs[0]
	rank := first.Rank()
	if !first.Ok() {
		return shapes.Invalid(), errors.Errorf("invalid shape %s for first input of ConcatOp", first)
	}
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += rank
	}
	if adjustedAxis < 0 || adjustedAxis >= rank {
		return shapes.Invalid(), errors.Errorf("invalid concatenation axis %d for shapes with rank %d", axis, rank)
	}

	output = first.Clone()
	for ii := 1; ii < len(inputs); ii++ {
		current := inputs[ii]
		if current.DType != first.DType {
			return shapes.Invalid(), errors.Errorf("mismatched DTypes for ConcatOp: input #0 has %s, input #%d has %s",
				first.DType, ii, current.DType)
		}
		if current.Rank() != rank {
			return shapes.Invalid(), errors.Errorf("mismatched ranks for ConcatOp: input #0 has rank %d, input #%d has rank %d",
				rank, ii, current.Rank())
		}
		for d := range rank {
			if d == adjustedAxis {
				output.Dimensions[d] += current.Dimensions[d]
			} else if current.Dimensions[d] != output.Dimensions[d] {
				return shapes.Invalid(), errors.Errorf("mismatched dimensions for ConcatOp at axis %d (non-concatenation axis): input #0 has %d, input #%d has %d",
					d, output.Dimensions[d], ii, current.Dimensions[d])
			}
		}
	}
	return output, nil
}

// MatMulOp returns the shape of a batched matrix multiplication `op(lhs) x op(rhs)`, where op transposes
// the last two axes of its operand if the corresponding flag is set.
//
// Both operands must have rank >= 2. The contraction dimensions must match exactly, and the leading
// (batch) axes are broadcast right-aligned: each pair must be equal or one of them 1, and a missing
// axis counts as 1. The output is the broadcast batch axes followed by [M, N].
func MatMulOp(lhs, rhs shapes.Shape, transposeLHS, transposeRHS bool) (output shapes.Shape, err error) {
	if lhs.DType != rhs.DType {
		err = errors.Errorf("data types (DType) for MatMul must match, got %s and %s", lhs, rhs)
		return
	}
	lhsRank, rhsRank := lhs.Rank(), rhs.Rank()
	if lhsRank < 2 || rhsRank < 2 {
		err = errors.Errorf("MatMul operands must have rank >= 2, got %s and %s", lhs, rhs)
		return
	}
	m, lhsK := lhs.Dimensions[lhsRank-2], lhs.Dimensions[lhsRank-1]
	if transposeLHS {
		m, lhsK = lhsK, m
	}
	rhsK, n := rhs.Dimensions[rhsRank-2], rhs.Dimensions[rhsRank-1]
	if transposeRHS {
		rhsK, n = n, rhsK
	}
	if lhsK != rhsK {
		err = errors.Errorf("MatMul contracting dimensions don't match: %s (transposed=%v) has %d, %s (transposed=%v) has %d",
			lhs, transposeLHS, lhsK, rhs, transposeRHS, rhsK)
		return
	}

	batchDims, err := broadcastDims(lhs.Dimensions[:lhsRank-2], rhs.Dimensions[:rhsRank-2])
	if err != nil {
		err = errors.WithMessagef(err, "MatMul(%s, %s) batch axes", lhs, rhs)
		return
	}
	output = shapes.Shape{DType: lhs.DType, Dimensions: append(batchDims, m, n)}
	return
}

// ElementwiseBinaryOp returns the shape of an element-wise binary operation with broadcasting: dimensions
// are aligned from the right, and each pair must be equal or one of them 1.
func ElementwiseBinaryOp(lhs, rhs shapes.Shape) (output shapes.Shape, err error) {
	if !lhs.Ok() || !rhs.Ok() {
		err = errors.Errorf("invalid shape for %s or %s for element-wise binary op", lhs, rhs)
		return
	}
	if lhs.DType != rhs.DType {
		err = errors.Errorf("data types (DType) for element-wise binary op must match, got %s and %s", lhs, rhs)
		return
	}
	dims, err := broadcastDims(lhs.Dimensions, rhs.Dimensions)
	if err != nil {
		err = errors.WithMessagef(err, "element-wise binary op of %s and %s", lhs, rhs)
		return
	}
	return shapes.Shape{DType: lhs.DType, Dimensions: dims}, nil
}

// UnaryOp returns the shape of an element-wise unary operation: the operand shape itself.
func UnaryOp(operand shapes.Shape) (output shapes.Shape, err error) {
	if !operand.Ok() {
		err = errors.Errorf("invalid shape %s for unary op", operand)
		return
	}
	return operand.Clone(), nil
}

// broadcastDims broadcasts two lists of dimensions aligned from the right.
func broadcastDims(lhs, rhs []int) ([]int, error) {
	rank := max(len(lhs), len(rhs))
	output := make([]int, rank)
	for axis := range rank {
		lhsDim, rhsDim := 1, 1
		if idx := axis - (rank - len(lhs)); idx >= 0 {
			lhsDim = lhs[idx]
		}
		if idx := axis - (rank - len(rhs)); idx >= 0 {
			rhsDim = rhs[idx]
		}
		switch {
		case lhsDim == rhsDim, rhsDim == 1:
			output[axis] = lhsDim
		case lhsDim == 1:
			output[axis] = rhsDim
		default:
			return nil, errors.Errorf("dimensions %v and %v cannot be broadcast: axis %d has %d and %d",
				lhs, rhs, axis, lhsDim, rhsDim)
		}
	}
	return output, nil
}
