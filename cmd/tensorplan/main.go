// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tensorplan loads a graph description (see package graphfile), optimizes and schedules it, and plans the
// memory of its tensors in one arena.
//
// Usage:
//
//	tensorplan plan [--optimize] [--fixed-point] [--plot=timeline.png] <graph.yaml>
//	tensorplan optimize <graph.yaml>
//
// The backend is selected with --backend, or with the TENSORPLAN_BACKEND environment variable.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/tensorplan/backends"
	_ "github.com/gomlx/tensorplan/backends/default"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

var (
	flagBackend    string
	flagOptimize   bool
	flagFixedPoint bool
	flagPlot       string
	flagPoints     string
	flagTimeline   bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tensorplan",
		Short: "tensorplan plans the execution and memory of tensor computation graphs",
		Long: `tensorplan reads a YAML graph description, applies peephole optimizations (transpose
cancellation and fusion into MatMul), schedules the operators in topological order, infers
the shapes, and plans the memory of every tensor in one arena.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "",
		"Backend configuration, in the form \"<name>:<config>\". If empty, $"+backends.ConfigEnvVar+" or the default backend is used.")

	planCmd := &cobra.Command{
		Use:   "plan <graph.yaml>",
		Short: "Optimize, schedule and plan the memory of a graph, and report the tensor placement",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	planCmd.Flags().BoolVar(&flagOptimize, "optimize", true, "Apply the peephole optimizations before planning.")
	planCmd.Flags().BoolVar(&flagFixedPoint, "fixed-point", false, "Repeat the optimizations until no rewrite applies.")
	planCmd.Flags().StringVar(&flagPlot, "plot", "", "Save the plot of the arena usage timeline to this file (png or svg).")
	planCmd.Flags().StringVar(&flagPoints, "points", "", "Save the arena usage timeline to this file, as JSON lines.")
	planCmd.Flags().BoolVar(&flagTimeline, "timeline", false, "Print the arena usage after each allocation.")

	optimizeCmd := &cobra.Command{
		Use:   "optimize <graph.yaml>",
		Short: "Print a graph before and after the peephole optimizations",
		Args:  cobra.ExactArgs(1),
		RunE:  runOptimize,
	}
	optimizeCmd.Flags().BoolVar(&flagFixedPoint, "fixed-point", false, "Repeat the optimizations until no rewrite applies.")

	rootCmd.AddCommand(planCmd, optimizeCmd)
	return rootCmd
}

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	rootCmd := newRootCmd()
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
