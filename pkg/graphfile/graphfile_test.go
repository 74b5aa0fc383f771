// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphfile

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorplan/backends/host"
	"github.com/gomlx/tensorplan/pkg/core/graph"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tensorByName(g *graph.Graph, name string) *graph.Tensor {
	for _, t := range g.Tensors() {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func TestParseDType(t *testing.T) {
	for name, want := range map[string]dtypes.DType{
		"float32": dtypes.Float32, "Float32": dtypes.Float32, "f32": dtypes.Float32,
		"bf16": dtypes.BFloat16, "int64": dtypes.Int64, "bool": dtypes.Bool,
	} {
		got, err := ParseDType(name)
		require.NoError(t, err, "dtype %q", name)
		assert.Equal(t, want, got, "dtype %q", name)
	}
	_, err := ParseDType("complex64")
	require.Error(t, err)
	_, err = ParseDType("float128")
	require.Error(t, err)
}

func TestLoadAndBuild(t *testing.T) {
	f, err := Load("testdata/attention.yaml")
	require.NoError(t, err)
	require.Equal(t, "attention", f.Name)
	require.Len(t, f.Tensors, 5)
	require.Len(t, f.Operators, 9)
	assert.Equal(t, []int{1, 2, 0}, f.Operators[3].Perm)
	assert.Equal(t, -1, f.Operators[8].Axis)

	g, err := f.Build(host.New(""))
	require.NoError(t, err)
	defer g.Finalize()
	assert.Equal(t, 9, g.NumOperators())
	assert.Equal(t, 13, g.NumTensors())
	g.CheckValid()

	scores := tensorByName(g, "scores")
	require.NotNil(t, scores)
	assert.True(t, shapes.Make(dtypes.Float32, 8, 64, 64).Equal(scores.Shape()), "got %s", scores.Shape())

	// Placeholder output, refined by ShapeInfer.
	out := tensorByName(g, "out")
	require.NotNil(t, out)
	assert.Equal(t, 0, out.Rank())
	g.ShapeInfer()
	assert.True(t, shapes.Make(dtypes.Float32, 8, 64, 48).Equal(out.Shape()), "got %s", out.Shape())

	// Redundant transposes removed, and the projection transpose fused.
	require.Equal(t, 3, g.Optimize())
	assert.Equal(t, 5, g.NumOperators())
	require.NoError(t, g.DataMalloc())
	assert.Greater(t, g.Allocator().Peak(), 0)
}

func TestBuildErrors(t *testing.T) {
	for name, yamlText := range map[string]string{
		"unknown kind": `
tensors: [{name: x, dtype: f32, shape: [2]}]
operators: [{kind: Softmax, inputs: [x], outputs: [y]}]`,
		"unknown input": `
tensors: [{name: x, dtype: f32, shape: [2]}]
operators: [{kind: Relu, inputs: [z], outputs: [y]}]`,
		"unknown dtype": `
tensors: [{name: x, dtype: string, shape: [2]}]`,
		"negative dimension": `
tensors: [{name: x, dtype: f32, shape: [-2]}]`,
		"duplicate tensor": `
tensors: [{name: x, dtype: f32, shape: [2]}, {name: x, dtype: f32, shape: [3]}]`,
		"shape mismatch": `
tensors: [{name: a, dtype: f32, shape: [2, 3]}, {name: b, dtype: f32, shape: [2, 3]}]
operators: [{kind: MatMul, inputs: [a, b], outputs: [c]}]`,
		"bad permutation": `
tensors: [{name: a, dtype: f32, shape: [2, 3]}]
operators: [{kind: Transpose, inputs: [a], outputs: [b], perm: [0, 0]}]`,
		"mixed outputs": `
tensors: [{name: a, dtype: f32, shape: [2, 3]}, {name: b, dtype: f32, shape: []}]
operators: [{kind: Concat, inputs: [a], outputs: [b, c]}]`,
	} {
		t.Run(name, func(t *testing.T) {
			f, err := Parse([]byte(yamlText))
			require.NoError(t, err)
			_, err = f.Build(host.New(""))
			require.Error(t, err)
		})
	}

	// Unknown fields are rejected by the parser.
	_, err := Parse([]byte("tensors: [{name: x, dtype: f32, dims: [2]}]"))
	require.Error(t, err)
}

func TestMarshal(t *testing.T) {
	f, err := Load("testdata/attention.yaml")
	require.NoError(t, err)
	data, err := f.Marshal()
	require.NoError(t, err)
	f2, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, f, f2)
}
