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

// Package gas manages the guest address space of an IOMMU domain: the set of
// device visible address ranges that are reserved or mapped.
package gas

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
)

// PageSize is the granularity of address space allocations.
const PageSize = 4096

// Flags describe an Entry.
type Flags uint32

const (
	// FlagReserved marks a range that may never be mapped, such as the local
	// APIC window.
	FlagReserved Flags = 1 << iota

	// FlagMapped marks a range backed by page table entries.
	FlagMapped

	// FlagUnloading marks a range queued for asynchronous unload.
	FlagUnloading
)

// Entry is a range [Start, End) of the address space.
type Entry struct {
	Start uint64
	End   uint64
	Flags Flags

	// Phys is the physical address the range is mapped to, if FlagMapped.
	Phys uint64
}

// Size returns the length of the range.
func (e *Entry) Size() uint64 {
	return e.End - e.Start
}

func (e *Entry) String() string {
	return fmt.Sprintf("[%#x, %#x) flags %#x", e.Start, e.End, uint32(e.Flags))
}

func entryLess(a, b *Entry) bool {
	return a.Start < b.Start
}

// Space is the address space of one domain. It is safe for concurrent use.
type Space struct {
	// end is the exclusive upper bound of the address space.
	end uint64

	mu sync.Mutex

	// +checklocks:mu
	tree *btree.BTreeG[*Entry]

	// +checklocks:mu
	finalized bool
}

// New returns an address space covering [PageSize, end). The first page is
// never handed out so that a zero device address is always invalid.
func New(end uint64) *Space {
	if end <= PageSize {
		panic(fmt.Sprintf("address space end %#x too small", end))
	}
	return &Space{
		end:  end,
		tree: btree.NewG(8, entryLess),
	}
}

// End returns the exclusive upper bound of the address space.
func (s *Space) End() uint64 {
	return s.end
}

// overlapsLocked returns an entry intersecting [start, end), if any.
//
// +checklocks:s.mu
func (s *Space) overlapsLocked(start, end uint64) *Entry {
	var found *Entry
	s.tree.DescendLessOrEqual(&Entry{Start: start}, func(e *Entry) bool {
		if e.End > start {
			found = e
		}
		return false
	})
	if found != nil {
		return found
	}
	s.tree.AscendGreaterOrEqual(&Entry{Start: start}, func(e *Entry) bool {
		if e.Start < end {
			found = e
		}
		return false
	})
	return found
}

// ReserveRegion reserves [start, end), which must be page aligned and inside
// the address space.
func (s *Space) ReserveRegion(start, end uint64) (*Entry, error) {
	if start%PageSize != 0 || end%PageSize != 0 || start >= end {
		panic(fmt.Sprintf("invalid reserved region [%#x, %#x)", start, end))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLiveLocked()
	if start < PageSize || end > s.end {
		return nil, fmt.Errorf("region [%#x, %#x) outside of address space [%#x, %#x): %w", start, end, PageSize, s.end, iommuerr.ErrAllocationFailure)
	}
	if e := s.overlapsLocked(start, end); e != nil {
		return nil, fmt.Errorf("region [%#x, %#x) overlaps %v: %w", start, end, e, iommuerr.ErrAllocationFailure)
	}
	e := &Entry{Start: start, End: end, Flags: FlagReserved}
	s.tree.ReplaceOrInsert(e)
	return e, nil
}

// Alloc allocates the lowest free range of size bytes, rounded up to pages.
func (s *Space) Alloc(size uint64) (*Entry, error) {
	if size == 0 {
		panic("zero sized address space allocation")
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLiveLocked()
	cursor := uint64(PageSize)
	var (
		start uint64
		found bool
	)
	s.tree.Ascend(func(e *Entry) bool {
		if e.Start >= cursor && e.Start-cursor >= size {
			start, found = cursor, true
			return false
		}
		if e.End > cursor {
			cursor = e.End
		}
		return true
	})
	if !found && s.end >= cursor && s.end-cursor >= size {
		start, found = cursor, true
	}
	if !found {
		return nil, fmt.Errorf("no free range of %#x bytes below %#x: %w", size, s.end, iommuerr.ErrAllocationFailure)
	}
	e := &Entry{Start: start, End: start + size}
	s.tree.ReplaceOrInsert(e)
	return e, nil
}

// Free releases e back to the address space.
func (s *Space) Free(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLiveLocked()
	if got, ok := s.tree.Get(e); !ok || got != e {
		panic(fmt.Sprintf("freeing unknown entry %v", e))
	}
	s.tree.Delete(e)
}

// Len returns the number of entries, reserved ones included.
func (s *Space) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// Entries returns a snapshot of all entries in address order.
func (s *Space) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	es := make([]Entry, 0, s.tree.Len())
	s.tree.Ascend(func(e *Entry) bool {
		es = append(es, *e)
		return true
	})
	return es
}

// Fini tears down the address space. Only reserved entries may remain; a
// leftover mapping means a caller forgot to unload it, which is fatal.
func (s *Space) Fini() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkLiveLocked()
	s.tree.Ascend(func(e *Entry) bool {
		if e.Flags&FlagReserved == 0 {
			panic(fmt.Sprintf("address space finalized with live entry %v", e))
		}
		return true
	})
	s.tree.Clear(false)
	s.finalized = true
}

// +checklocks:s.mu
func (s *Space) checkLiveLocked() {
	if s.finalized {
		panic("use of finalized address space")
	}
}
