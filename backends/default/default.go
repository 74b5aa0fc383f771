// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default registers the default backends, currently only the Go heap backend (see package host).
//
// To use it simply include:
//
//	import _ "github.com/gomlx/tensorplan/backends/default"
package _default

import (
	_ "github.com/gomlx/tensorplan/backends/host"
)
