// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorplan/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataMalloc plans the memory of every tensor of the graph in its arena allocator, materializes the arena
// buffer on the backend, and binds each tensor to its Blob.
//
// Tensors are allocated following the execution order (see TopoSort): graph inputs first, then the outputs
// of each operator when it runs. A tensor is freed right after its last consumer runs, so its memory can be
// reused by later tensors. Graph outputs are never freed.
//
// It panics if the graph is not valid (see CheckValid), has a cycle, or if DataMalloc was already called.
// It returns an error if the backend fails to allocate the buffer.
func (g *Graph) DataMalloc() error {
	if g.planned {
		exceptions.Panicf("Graph.DataMalloc(%q): memory already allocated", g.name)
	}
	g.CheckValid()
	if !g.TopoSort() {
		exceptions.Panicf("Graph.DataMalloc(%q): graph has a cycle", g.name)
	}
	g.planned = true

	// Index of the operator after which each tensor can be freed.
	opIndex := make(map[*Operator]int, len(g.ops))
	for ii, op := range g.ops {
		opIndex[op] = ii
	}
	lastUse := make(map[*Tensor]int, len(g.tensors))
	for _, t := range g.tensors {
		last := -1
		for _, consumer := range t.consumers {
			last = max(last, opIndex[consumer])
		}
		lastUse[t] = last
	}

	offsets := make(map[*Tensor]int, len(g.tensors))
	alloc := func(t *Tensor) {
		offsets[t] = g.allocator.Alloc(t.Bytes())
	}
	for _, t := range g.tensors {
		if t.producer == nil {
			alloc(t)
		}
	}
	for ii, op := range g.ops {
		for _, output := range op.outputs {
			alloc(output)
		}
		freed := sets.Make[*Tensor](len(op.inputs))
		for _, input := range op.inputs {
			if freed.Has(input) || lastUse[input] != ii {
				continue
			}
			freed.Insert(input)
			g.allocator.Free(offsets[input], input.Bytes())
		}
	}

	buffer, err := g.allocator.Buffer()
	if err != nil {
		return errors.WithMessagef(err, "Graph.DataMalloc(%q)", g.name)
	}
	for _, t := range g.tensors {
		t.blob = &Blob{Buffer: buffer, Offset: offsets[t], Size: t.Bytes()}
	}
	klog.V(1).Infof("Graph %q: %d tensors bound to %s", g.name, len(g.tensors), g.allocator)
	g.allocator.Info()
	return nil
}
