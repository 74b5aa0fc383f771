// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package host implements a backend whose buffers are plain Go byte slices.
//
// It is the default backend: import it for its side effect of registering itself.
package host

import (
	"github.com/gomlx/tensorplan/backends"
	"github.com/pkg/errors"
)

// BackendName to be used in TENSORPLAN_BACKEND to specify this backend.
const BackendName = "host"

// Registers New() as the constructor for the "host" backend.
func init() {
	backends.Register(BackendName, New)
}

// New constructs a new host Backend.
// There are no configurations, the string is simply ignored.
func New(_ string) backends.Backend {
	return &Backend{}
}

// Backend implements backends.Backend with Go memory.
type Backend struct {
	numLive int
}

// Compile-time checks.
var (
	_ backends.Backend    = (*Backend)(nil)
	_ backends.HostBuffer = (*Buffer)(nil)
)

// Buffer holds the flat bytes of an allocation.
type Buffer struct {
	flat  []byte
	valid bool
}

// Size implements backends.Buffer.
func (b *Buffer) Size() int { return len(b.flat) }

// Bytes implements backends.HostBuffer.
func (b *Buffer) Bytes() []byte { return b.flat }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string { return "Go heap memory" }

// NumLive returns the number of buffers allocated and not yet deallocated.
func (b *Backend) NumLive() int { return b.numLive }

// Alloc implements backends.Backend.
func (b *Backend) Alloc(nbytes int) (backends.Buffer, error) {
	if nbytes < 0 {
		return nil, errors.Errorf("host.Alloc(%d): negative size", nbytes)
	}
	b.numLive++
	return &Buffer{flat: make([]byte, nbytes), valid: true}, nil
}

// Dealloc implements backends.Backend.
func (b *Backend) Dealloc(buffer backends.Buffer) error {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return errors.Errorf("buffer %v is not a %q backend buffer", buffer, BackendName)
	}
	if !buf.valid {
		return errors.Errorf("Dealloc(%p): buffer was already deallocated", buf)
	}
	buf.valid = false
	buf.flat = nil
	b.numLive--
	return nil
}

// Finalize implements backends.Backend. Buffers are garbage collected.
func (b *Backend) Finalize() {}
