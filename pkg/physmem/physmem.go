// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package physmem simulates the physical page frames handed to IOMMU
// hardware structures (page tables, interrupt remapping tables).
package physmem

import (
	"fmt"
	"sync"

	"gvisor.dev/amdiommu/pkg/bitmap"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
)

const (
	// PageShift is the log2 of PageSize.
	PageShift = 12

	// PageSize is the size of a physical page frame.
	PageSize = 1 << PageShift
)

// Addr is a physical address.
type Addr uint64

// PageAllocator allocates physically contiguous page frames.
type PageAllocator interface {
	// AllocPages returns the address of n contiguous zeroed pages.
	AllocPages(n int) (Addr, error)

	// FreePages releases pages previously returned by AllocPages.
	FreePages(addr Addr, n int)
}

// Allocator is a bitmap backed PageAllocator. It is safe for concurrent use.
type Allocator struct {
	base Addr

	mu sync.Mutex

	// +checklocks:mu
	frames bitmap.Bitmap
}

var _ PageAllocator = (*Allocator)(nil)

// New returns an allocator of npages frames starting at base, which must be
// page aligned.
func New(base Addr, npages uint32) *Allocator {
	if base%PageSize != 0 {
		panic(fmt.Sprintf("unaligned physical base %#x", base))
	}
	return &Allocator{
		base:   base,
		frames: bitmap.New(npages),
	}
}

// AllocPages implements PageAllocator.AllocPages.
func (a *Allocator) AllocPages(n int) (Addr, error) {
	if n <= 0 {
		panic(fmt.Sprintf("invalid page count %d", n))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	first, ok := a.frames.FirstZeroRun(0, uint32(n))
	if !ok {
		return 0, iommuerr.ErrAllocationFailure
	}
	for i := first; i < first+uint32(n); i++ {
		a.frames.Add(i)
	}
	return a.base + Addr(first)<<PageShift, nil
}

// FreePages implements PageAllocator.FreePages.
func (a *Allocator) FreePages(addr Addr, n int) {
	if addr < a.base || addr%PageSize != 0 {
		panic(fmt.Sprintf("freeing invalid physical address %#x", addr))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	first := uint32((addr - a.base) >> PageShift)
	for i := first; i < first+uint32(n); i++ {
		if !a.frames.IsSet(i) {
			panic(fmt.Sprintf("double free of physical page %#x", a.base+Addr(i)<<PageShift))
		}
		a.frames.Remove(i)
	}
}

// InUse returns the number of allocated pages.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.frames.Count())
}
