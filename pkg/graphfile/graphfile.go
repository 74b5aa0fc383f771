// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphfile builds a graph.Graph from a YAML description, for tests and for the tensorplan
// command line tool.
//
// Example:
//
//	name: attention_scores
//	tensors:
//	  - {name: q, dtype: float32, shape: [8, 64, 32]}
//	  - {name: k, dtype: float32, shape: [8, 64, 32]}
//	operators:
//	  - {kind: Transpose, inputs: [k], outputs: [kt], perm: [0, 2, 1]}
//	  - {kind: MatMul, inputs: [q, kt], outputs: [scores]}
//
// Tensors listed under `tensors` are created first, in order. Operator outputs not listed there are created
// with the shapes inferred from the operator inputs; outputs that are listed are placeholders, whose shapes
// are refined by graph.Graph.ShapeInfer.
package graphfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorplan/backends"
	"github.com/gomlx/tensorplan/pkg/core/graph"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
	"github.com/gomlx/tensorplan/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// File is the YAML description of a graph.
type File struct {
	Name      string         `yaml:"name"`
	Tensors   []TensorDecl   `yaml:"tensors"`
	Operators []OperatorDecl `yaml:"operators"`
}

// TensorDecl declares a graph input, or an operator output placeholder.
type TensorDecl struct {
	Name  string `yaml:"name"`
	DType string `yaml:"dtype"`
	Shape []int  `yaml:"shape"`
}

// OperatorDecl declares an operator. Only the attributes of its kind are used.
type OperatorDecl struct {
	Kind    string   `yaml:"kind"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`

	// Transpose
	Perm []int `yaml:"perm,omitempty"`

	// Concat
	Axis int `yaml:"axis,omitempty"`

	// MatMul
	TransA bool `yaml:"trans_a,omitempty"`
	TransB bool `yaml:"trans_b,omitempty"`
}

// Parse decodes a YAML graph description. Unknown fields are errors.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	f := &File{}
	if err := dec.Decode(f); err != nil {
		return nil, errors.Wrap(err, "failed to parse graph description")
	}
	return f, nil
}

// Load reads and parses the YAML graph description in filePath.
func Load(filePath string) (*File, error) {
	filePath, err := fsutil.ExpandPath(filePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph description %q", filePath)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", filePath)
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	}
	return f, nil
}

// Marshal encodes the description back to YAML.
func (f *File) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode graph description")
	}
	return data, nil
}

// dtypeAliases maps the short names accepted in graph files, besides the lower-cased dtype names.
var dtypeAliases = map[string]dtypes.DType{
	"f16":  dtypes.Float16,
	"bf16": dtypes.BFloat16,
	"f32":  dtypes.Float32,
	"f64":  dtypes.Float64,
	"i8":   dtypes.Int8,
	"i16":  dtypes.Int16,
	"i32":  dtypes.Int32,
	"i64":  dtypes.Int64,
	"u8":   dtypes.Uint8,
	"u16":  dtypes.Uint16,
	"u32":  dtypes.Uint32,
	"u64":  dtypes.Uint64,
}

// ParseDType converts a dtype name (case-insensitive, e.g. "float32" or "f32") to one of the
// shapes.SupportedDTypes.
func ParseDType(name string) (dtypes.DType, error) {
	name = strings.ToLower(name)
	if dtype, found := dtypeAliases[name]; found {
		return dtype, nil
	}
	for _, dtype := range shapes.SupportedDTypes {
		if strings.ToLower(dtype.String()) == name {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown or unsupported dtype %q", name)
}

// newAttrs creates the operator attributes for the declaration.
func (decl *OperatorDecl) newAttrs() (graph.OpAttrs, error) {
	switch strings.ToLower(decl.Kind) {
	case "matmul":
		return &graph.MatMul{TransA: decl.TransA, TransB: decl.TransB}, nil
	case "transpose":
		return &graph.Transpose{Permutation: decl.Perm}, nil
	case "concat":
		return &graph.Concat{Axis: decl.Axis}, nil
	case "add":
		return &graph.Add{}, nil
	case "relu":
		return &graph.Relu{}, nil
	default:
		return nil, errors.Errorf("unknown operator kind %q", decl.Kind)
	}
}

// Build creates the graph described by f, with memory to be allocated on backend.
//
// Malformed descriptions (unknown names, shapes that don't match) are returned as errors.
func (f *File) Build(backend backends.Backend) (g *graph.Graph, err error) {
	g = graph.New(backend, f.Name)
	byName := make(map[string]*graph.Tensor, len(f.Tensors))
	for ii, decl := range f.Tensors {
		if decl.Name == "" {
			return nil, errors.Errorf("tensor #%d has no name", ii)
		}
		if _, found := byName[decl.Name]; found {
			return nil, errors.Errorf("tensor %q declared more than once", decl.Name)
		}
		dtype, err := ParseDType(decl.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", decl.Name)
		}
		for _, dim := range decl.Shape {
			if dim < 0 {
				return nil, errors.Errorf("tensor %q has negative dimension in shape %v", decl.Name, decl.Shape)
			}
		}
		byName[decl.Name] = g.AddTensor(shapes.Make(dtype, decl.Shape...)).SetName(decl.Name)
	}

	for ii, decl := range f.Operators {
		err = exceptions.TryCatch[error](func() { f.addOperator(g, byName, &decl) })
		if err != nil {
			return nil, errors.WithMessagef(err, "operator #%d (%s)", ii, decl.Kind)
		}
	}
	klog.V(1).Infof("graphfile: built graph %q with %d tensors and %d operators", f.Name, g.NumTensors(), g.NumOperators())
	return g, nil
}

// addOperator adds the operator declared by decl to g. It panics on errors.
func (f *File) addOperator(g *graph.Graph, byName map[string]*graph.Tensor, decl *OperatorDecl) {
	attrs, err := decl.newAttrs()
	if err != nil {
		panic(err)
	}
	inputs := make([]*graph.Tensor, 0, len(decl.Inputs))
	for _, name := range decl.Inputs {
		t, found := byName[name]
		if !found {
			exceptions.Panicf("unknown input tensor %q", name)
		}
		inputs = append(inputs, t)
	}
	if concat, ok := attrs.(*graph.Concat); ok && concat.Axis < 0 && len(inputs) > 0 {
		concat.Axis += inputs[0].Rank()
	}

	// Outputs are either all placeholders or all inferred.
	var outputs []*graph.Tensor
	numDeclared := 0
	for _, name := range decl.Outputs {
		if t, found := byName[name]; found {
			outputs = append(outputs, t)
			numDeclared++
		}
	}
	switch {
	case numDeclared == len(decl.Outputs) && numDeclared > 0:
		g.AddOperator(attrs, inputs, outputs)
	case numDeclared == 0:
		op := g.AddOperator(attrs, inputs, nil)
		if len(decl.Outputs) > 0 && len(decl.Outputs) != len(op.Outputs()) {
			exceptions.Panicf("%d outputs named, but the operator has %d", len(decl.Outputs), len(op.Outputs()))
		}
		for jj, output := range op.Outputs() {
			name := fmt.Sprintf("%s_%d", strings.ToLower(attrs.Kind().String()), output.GUID())
			if jj < len(decl.Outputs) {
				name = decl.Outputs[jj]
			}
			output.SetName(name)
			byName[name] = output
		}
	default:
		exceptions.Panicf("outputs %v mix declared placeholders and new tensors", decl.Outputs)
	}
}
