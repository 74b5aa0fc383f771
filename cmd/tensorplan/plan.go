// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorplan/backends"
	"github.com/gomlx/tensorplan/pkg/core/graph"
	"github.com/gomlx/tensorplan/pkg/graphfile"
	"github.com/gomlx/tensorplan/pkg/support/fsutil"
	"github.com/gomlx/tensorplan/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// newBackend creates the backend selected by --backend, or the default one.
func newBackend() backends.Backend {
	if flagBackend != "" {
		return must.M1(backends.NewWithConfig(flagBackend))
	}
	return must.M1(backends.New())
}

// loadGraph builds the graph described in filePath.
func loadGraph(backend backends.Backend, filePath string) *graph.Graph {
	f := must.M1(graphfile.Load(filePath))
	return must.M1(f.Build(backend))
}

// optimize runs the optimizer as configured by the flags, and returns the number of rewrites.
func optimize(g *graph.Graph) int {
	if flagFixedPoint {
		return g.OptimizeToFixedPoint()
	}
	return g.Optimize()
}

func runPlan(cmd *cobra.Command, args []string) error {
	return exceptions.TryCatch[error](func() {
		backend := newBackend()
		defer backend.Finalize()
		g := loadGraph(backend, args[0])
		defer g.Finalize()

		numOpsBefore := g.NumOperators()
		var numRewrites int
		if flagOptimize {
			numRewrites = optimize(g)
		}
		g.ShapeInfer()
		must.M(g.DataMalloc())
		klog.V(1).Infof("Planned graph:\n%s", g)

		out := cmd.OutOrStdout()
		printSummary(out, g, backend, numOpsBefore, numRewrites)
		printPlacement(out, g)

		points := plots.NewPoints(plots.FromTimeline(g.Allocator().Timeline()))
		if flagTimeline {
			_, _ = fmt.Fprintln(out, titleStyle.Render("Arena usage"))
			_, _ = fmt.Fprintln(out, points.TableForMetrics(plots.UsedMetric, plots.ExtentMetric))
		}
		if flagPoints != "" {
			must.M(plots.WritePoints(fsutil.MustExpandPath(flagPoints), points.Extract()))
		}
		if flagPlot != "" {
			plotPath := fsutil.MustExpandPath(flagPlot)
			if must.M1(fsutil.FileExists(plotPath)) {
				klog.Warningf("Overwriting %q", plotPath)
			}
			must.M(points.SavePNG(fmt.Sprintf("Arena usage of %q", g.Name()), plotPath))
			klog.Infof("Arena usage plot saved to %q", plotPath)
		}
	})
}

func printSummary(out io.Writer, g *graph.Graph, backend backends.Backend, numOpsBefore, numRewrites int) {
	alloc := g.Allocator()
	_, _ = fmt.Fprintln(out, titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("graph", g.Name())
	table.Row("id", g.Id())
	table.Row("backend", fmt.Sprintf("%s (%s)", backend.Name(), backend.Description()))
	table.Row("# operators", fmt.Sprintf("%d (%d before optimization)", g.NumOperators(), numOpsBefore))
	table.Row("# tensors", humanize.Comma(int64(g.NumTensors())))
	table.Row("# rewrites", humanize.Comma(int64(numRewrites)))
	table.Row("peak memory", humanize.IBytes(uint64(alloc.Peak())))
	table.Row("arena size", humanize.IBytes(uint64(alloc.Extent())))
	table.Row("alignment", humanize.IBytes(uint64(alloc.Alignment())))
	_, _ = fmt.Fprintln(out, table.Render())
}

func printPlacement(out io.Writer, g *graph.Graph) {
	_, _ = fmt.Fprintln(out, titleStyle.Render("Tensors"))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Tensor", "Shape", "Producer", "Offset", "Bytes")
	for _, t := range g.Tensors() {
		name := t.Name()
		if name == "" {
			name = fmt.Sprintf("#%d", t.GUID())
		}
		producer := "(input)"
		if op := t.Producer(); op != nil {
			producer = op.String()
		}
		blob := t.Blob()
		table.Row(name, t.Shape().String(), producer,
			humanize.Comma(int64(blob.Offset)), humanize.IBytes(uint64(blob.Size)))
	}
	_, _ = fmt.Fprintln(out, table.Render())
}
