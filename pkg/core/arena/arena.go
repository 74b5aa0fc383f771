// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arena implements the memory planner of a graph: an allocator that hands out offsets within
// one linear address space, and only allocates the physical buffer (through a backends.Backend) once
// the whole plan is known.
//
// Allocation is first-fit over a free list kept sorted by address, and freed ranges are coalesced with
// their neighbours immediately, so no two free blocks are ever adjacent. When no free block fits, the
// address space grows at its end.
//
// The planning (Alloc/Free) and the materialization (Buffer) phases are strictly ordered: once the
// buffer exists, Alloc and Free panic.
package arena

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorplan/backends"
	"github.com/gomlx/tensorplan/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Block is a range of bytes [Addr, Addr+Size) in the arena address space.
type Block struct {
	Addr, Size int
}

// End returns the first address after the block.
func (b Block) End() int { return b.Addr + b.Size }

// Sample of the allocator state, taken after each Alloc or Free.
type Sample struct {
	Used, Extent int
}

// Allocator plans byte ranges within one arena. See package documentation.
//
// It is not safe for concurrent use.
type Allocator struct {
	backend   backends.Backend
	alignment int

	// used is the number of bytes currently allocated, peak its historical maximum.
	used, peak int

	// extent is the end of the address space handed out so far. It is >= peak, and equal to it
	// if the allocations never left holes that couldn't be reused.
	extent int

	// freeBlocks sorted by address, non-overlapping and non-adjacent.
	freeBlocks []Block

	buffer    backends.Buffer
	finalized bool

	timeline []Sample
}

// New creates an Allocator whose buffer will be allocated with backend.
// The alignment is the width of the widest supported dtype, see shapes.MaxDTypeWidth.
func New(backend backends.Backend) *Allocator {
	return &Allocator{
		backend:   backend,
		alignment: shapes.MaxDTypeWidth(),
	}
}

// Alignment of every offset and size handed out by the allocator.
func (a *Allocator) Alignment() int { return a.alignment }

// Used returns the number of bytes currently allocated.
func (a *Allocator) Used() int { return a.used }

// Peak returns the maximum value Used has ever had.
func (a *Allocator) Peak() int { return a.peak }

// Extent returns the size of the address space used so far: all offsets handed out are within [0, Extent).
// The physical buffer is allocated with this size.
func (a *Allocator) Extent() int { return a.extent }

// FreeBlocks returns a copy of the free list, sorted by address.
func (a *Allocator) FreeBlocks() []Block { return slices.Clone(a.freeBlocks) }

// Timeline returns the allocator state after each Alloc and Free, in order.
func (a *Allocator) Timeline() []Sample { return slices.Clone(a.timeline) }

// AlignedSize rounds size up to a multiple of the alignment.
// Zero-sized requests take one alignment unit, so each allocation owns a non-empty range.
func (a *Allocator) AlignedSize(size int) int {
	if size <= 0 {
		return a.alignment
	}
	return ((size-1)/a.alignment + 1) * a.alignment
}

func (a *Allocator) assertPlanning(method string) {
	if a.buffer != nil || a.finalized {
		exceptions.Panicf("arena.%s: cannot plan memory after the buffer was materialized (or the allocator finalized)", method)
	}
}

// Alloc reserves size bytes (rounded up to the alignment) and returns the offset of the range.
func (a *Allocator) Alloc(size int) int {
	a.assertPlanning("Alloc")
	if size < 0 {
		exceptions.Panicf("arena.Alloc(%d): negative size", size)
	}
	size = a.AlignedSize(size)

	addr := -1
	for ii, block := range a.freeBlocks {
		if block.Size < size {
			continue
		}
		addr = block.Addr
		if block.Size > size {
			a.freeBlocks[ii] = Block{Addr: block.Addr + size, Size: block.Size - size}
		} else {
			a.freeBlocks = slices.Delete(a.freeBlocks, ii, ii+1)
		}
		break
	}
	if addr == -1 {
		// Grow the arena, reusing a free block that touches its end.
		addr = a.extent
		if last := len(a.freeBlocks) - 1; last >= 0 && a.freeBlocks[last].End() == a.extent {
			addr = a.freeBlocks[last].Addr
			a.freeBlocks = a.freeBlocks[:last]
		}
		a.extent = addr + size
	}

	a.used += size
	a.peak = max(a.peak, a.used)
	a.record()
	klog.V(2).Infof("arena.Alloc(%d) -> %d", size, addr)
	return addr
}

// Free releases the range [addr, addr+size) (size rounded up to the alignment), previously returned by Alloc.
//
// It panics if the range is not aligned, goes beyond the arena, or overlaps a range that is already free.
func (a *Allocator) Free(addr, size int) {
	a.assertPlanning("Free")
	size = a.AlignedSize(size)
	if addr < 0 || addr%a.alignment != 0 || addr+size > a.extent {
		exceptions.Panicf("arena.Free(%d, %d): range is not aligned to %d or not within the arena [0, %d)",
			addr, size, a.alignment, a.extent)
	}
	freed := Block{Addr: addr, Size: size}

	// idx is the position of the first free block after addr.
	idx, _ := slices.BinarySearchFunc(a.freeBlocks, addr, func(b Block, target int) int { return b.Addr - target })
	if idx > 0 && a.freeBlocks[idx-1].End() > addr {
		exceptions.Panicf("arena.Free(%d, %d): overlaps free block %v", addr, size, a.freeBlocks[idx-1])
	}
	if idx < len(a.freeBlocks) && a.freeBlocks[idx].Addr < freed.End() {
		exceptions.Panicf("arena.Free(%d, %d): overlaps free block %v", addr, size, a.freeBlocks[idx])
	}

	// Coalesce with the next and previous blocks.
	if idx < len(a.freeBlocks) && a.freeBlocks[idx].Addr == freed.End() {
		freed.Size += a.freeBlocks[idx].Size
		a.freeBlocks = slices.Delete(a.freeBlocks, idx, idx+1)
	}
	if idx > 0 && a.freeBlocks[idx-1].End() == freed.Addr {
		a.freeBlocks[idx-1].Size += freed.Size
	} else {
		a.freeBlocks = slices.Insert(a.freeBlocks, idx, freed)
	}

	a.used -= size
	a.record()
	klog.V(2).Infof("arena.Free(%d, %d)", addr, size)
}

func (a *Allocator) record() {
	a.timeline = append(a.timeline, Sample{Used: a.used, Extent: a.extent})
}

// Buffer returns the physical buffer backing the arena, allocating it on the first call with Extent bytes.
// After this, Alloc and Free can no longer be called.
func (a *Allocator) Buffer() (backends.Buffer, error) {
	if a.buffer != nil {
		return a.buffer, nil
	}
	if a.finalized {
		return nil, errors.New("arena.Buffer: allocator already finalized")
	}
	buffer, err := a.backend.Alloc(a.extent)
	if err != nil {
		return nil, errors.WithMessagef(err, "arena: failed to allocate %s on backend %q",
			humanize.IBytes(uint64(a.extent)), a.backend.Name())
	}
	a.buffer = buffer
	klog.V(1).Infof("arena: allocated %s on backend %q", humanize.IBytes(uint64(a.extent)), a.backend.Name())
	return buffer, nil
}

// Finalize releases the physical buffer, if it was materialized. The allocator can't be used afterward.
func (a *Allocator) Finalize() {
	if a.finalized {
		return
	}
	a.finalized = true
	if a.buffer == nil {
		return
	}
	if err := a.backend.Dealloc(a.buffer); err != nil {
		klog.Warningf("arena: failed to release buffer on backend %q: %+v", a.backend.Name(), err)
	}
	a.buffer = nil
}

// String implements fmt.Stringer.
func (a *Allocator) String() string {
	return fmt.Sprintf("arena(used=%s, peak=%s, extent=%s, free blocks=%d)",
		humanize.IBytes(uint64(a.used)), humanize.IBytes(uint64(a.peak)),
		humanize.IBytes(uint64(a.extent)), len(a.freeBlocks))
}

// Info logs the memory usage.
func (a *Allocator) Info() {
	klog.Infof("Used memory: %s, peak memory: %s, arena size: %s",
		humanize.IBytes(uint64(a.used)), humanize.IBytes(uint64(a.peak)), humanize.IBytes(uint64(a.extent)))
}
