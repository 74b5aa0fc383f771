// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/spf13/cobra"
)

func runOptimize(cmd *cobra.Command, args []string) error {
	return exceptions.TryCatch[error](func() {
		backend := newBackend()
		defer backend.Finalize()
		g := loadGraph(backend, args[0])
		defer g.Finalize()

		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintln(out, titleStyle.Render("Before"))
		_, _ = fmt.Fprint(out, g)
		numRewrites := optimize(g)
		g.CheckValid()
		_, _ = fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("After %d rewrites", numRewrites)))
		_, _ = fmt.Fprint(out, g)
	})
}
