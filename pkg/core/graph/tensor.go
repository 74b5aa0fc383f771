// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorplan/backends"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
)

// GUID identifies a Tensor or Operator object: it is unique within the process.
type GUID int64

// FUID identifies the value a Tensor holds. Clones of a tensor share it, and no two tensors of a valid
// Graph can have the same FUID.
type FUID int64

var guidCounter, fuidCounter atomic.Int64

func newGUID() GUID { return GUID(guidCounter.Add(1)) }

func newFUID() FUID { return FUID(fuidCounter.Add(1)) }

// Tensor is a value in the graph: the output of at most one producer Operator, read by any number of
// consumer Operators. Tensors without a producer are the graph inputs (or constants), and tensors without
// consumers are the graph outputs.
//
// Tensors are owned by a Graph, and created with Graph.AddTensor or as outputs of Graph.AddOperator.
type Tensor struct {
	guid  GUID
	fuid  FUID
	name  string
	shape shapes.Shape

	producer  *Operator
	consumers []*Operator

	blob *Blob
}

// Blob is the memory bound to a tensor after Graph.DataMalloc: the byte range [Offset, Offset+Size)
// of the arena Buffer.
type Blob struct {
	Buffer backends.Buffer
	Offset int
	Size   int
}

// Bytes returns the tensor memory if the buffer lives in the host (see backends.HostBuffer), or nil otherwise.
func (b *Blob) Bytes() []byte {
	host, ok := b.Buffer.(backends.HostBuffer)
	if !ok {
		return nil
	}
	return host.Bytes()[b.Offset : b.Offset+b.Size]
}

func newTensor(shape shapes.Shape) *Tensor {
	return &Tensor{guid: newGUID(), fuid: newFUID(), shape: shape.Clone()}
}

// GUID of the tensor object.
func (t *Tensor) GUID() GUID { return t.guid }

// FUID of the value held by the tensor.
func (t *Tensor) FUID() FUID { return t.fuid }

// Name is an optional label, used for printing.
func (t *Tensor) Name() string { return t.name }

// SetName sets the label of the tensor. It returns the tensor itself, so it can be chained.
func (t *Tensor) SetName(name string) *Tensor {
	t.name = name
	return t
}

// Shape of the tensor. It may be a placeholder until Graph.ShapeInfer is called.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Bytes is the memory needed to store the tensor: number of elements times the dtype width.
func (t *Tensor) Bytes() int { return t.shape.Memory() }

// Producer returns the operator that outputs this tensor, or nil for graph inputs.
func (t *Tensor) Producer() *Operator { return t.producer }

// Consumers returns the operators that take this tensor as input.
func (t *Tensor) Consumers() []*Operator { return slices.Clone(t.consumers) }

// Blob bound to the tensor by Graph.DataMalloc, or nil.
func (t *Tensor) Blob() *Blob { return t.blob }

// Clone returns a new tensor object, not connected to any operator, with the same shape and FUID.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{guid: newGUID(), fuid: t.fuid, name: t.name, shape: t.shape.Clone()}
}

func (t *Tensor) addConsumer(op *Operator) {
	if !slices.Contains(t.consumers, op) {
		t.consumers = append(t.consumers, op)
	}
}

func (t *Tensor) removeConsumer(op *Operator) {
	t.consumers = slices.DeleteFunc(t.consumers, func(c *Operator) bool { return c == op })
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	var name string
	if t.name != "" {
		name = fmt.Sprintf(" %q", t.name)
	}
	producer := "none"
	if t.producer != nil {
		producer = fmt.Sprint(t.producer.guid)
	}
	return fmt.Sprintf("Tensor %d%s, Fuid %d, shape %s, producer %s, consumers %v",
		t.guid, name, t.fuid, t.shape, producer, guidsOf(t.consumers))
}
