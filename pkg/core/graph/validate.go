// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorplan/pkg/support/sets"
)

// CheckValid verifies the structural invariants of the graph, and panics on the first violation:
//
//   - Every tensor has a producer or at least one consumer.
//   - Producers and consumers of tensors are operators of the graph.
//   - Inputs and outputs of operators are tensors of the graph.
//   - Predecessors and successors of operators are operators of the graph, and match exactly the
//     producers of their inputs and the consumers of their outputs.
//   - No two tensors share a FUID.
//
// It is meant as a consistency check after building or rewriting a graph, not for hot paths.
func (g *Graph) CheckValid() {
	tensorSet := sets.MakeWith(g.tensors...)
	opSet := sets.MakeWith(g.ops...)

	for _, t := range g.tensors {
		if t.producer == nil && len(t.consumers) == 0 {
			exceptions.Panicf("Graph %q: %s has neither producer nor consumers", g.name, t)
		}
		if t.producer != nil && !opSet.Has(t.producer) {
			exceptions.Panicf("Graph %q: producer of %s is not in the graph", g.name, t)
		}
		for _, consumer := range t.consumers {
			if !opSet.Has(consumer) {
				exceptions.Panicf("Graph %q: consumer %d of %s is not in the graph", g.name, consumer.guid, t)
			}
			if !slices.Contains(consumer.inputs, t) {
				exceptions.Panicf("Graph %q: %s lists consumer %s, which doesn't read it", g.name, t, consumer)
			}
		}
	}

	for _, op := range g.ops {
		wantPreds := sets.Make[*Operator]()
		for _, input := range op.inputs {
			if !tensorSet.Has(input) {
				exceptions.Panicf("Graph %q: input %d of %s is not in the graph", g.name, input.guid, op)
			}
			if !slices.Contains(input.consumers, op) {
				exceptions.Panicf("Graph %q: %s reads %s, but it is not listed as a consumer", g.name, op, input)
			}
			if input.producer != nil {
				wantPreds.Insert(input.producer)
			}
		}
		wantSuccs := sets.Make[*Operator]()
		for _, output := range op.outputs {
			if !tensorSet.Has(output) {
				exceptions.Panicf("Graph %q: output %d of %s is not in the graph", g.name, output.guid, op)
			}
			if output.producer != op {
				exceptions.Panicf("Graph %q: %s writes %s, but it is not its producer", g.name, op, output)
			}
			wantSuccs.Insert(output.consumers...)
		}
		for _, pred := range op.predecessors {
			if !opSet.Has(pred) {
				exceptions.Panicf("Graph %q: predecessor %d of %s is not in the graph", g.name, pred.guid, op)
			}
		}
		for _, succ := range op.successors {
			if !opSet.Has(succ) {
				exceptions.Panicf("Graph %q: successor %d of %s is not in the graph", g.name, succ.guid, op)
			}
		}
		if len(op.predecessors) != len(wantPreds) || !wantPreds.HasAll(op.predecessors...) {
			exceptions.Panicf("Graph %q: predecessors %s of %s don't match the producers of its inputs",
				g.name, guidsOf(op.predecessors), op)
		}
		if len(op.successors) != len(wantSuccs) || !wantSuccs.HasAll(op.successors...) {
			exceptions.Panicf("Graph %q: successors %s of %s don't match the consumers of its outputs",
				g.name, guidsOf(op.successors), op)
		}
	}

	fuids := make(map[FUID]*Tensor, len(g.tensors))
	for _, t := range g.tensors {
		if other, found := fuids[t.fuid]; found {
			exceptions.Panicf("Graph %q: %s and %s share the FUID %d", g.name, other, t, t.fuid)
		}
		fuids[t.fuid] = t
	}
}
