// Copyright 2024 The gVisor Authors.
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

package amdiommu

import (
	"fmt"
	"sync"

	"gvisor.dev/amdiommu/pkg/physmem"
)

// Perm is the DMA access allowed through a mapping.
type Perm uint8

// Permissions.
const (
	PermRead Perm = 1 << iota
	PermWrite
)

// Page table entry bits.
const (
	ptePresent    = 1 << 0
	pteNextShift  = 9
	pteAddrMask   = 0x000ffffffffff000
	pteIR         = 1 << 61
	pteIW         = 1 << 62
	ptEntries     = 1 << ptLevelShift
	ptEntriesMask = ptEntries - 1
)

// ptPage is one page table page. ptes mirrors the hardware visible content;
// next holds the lower level tables of non-leaf entries.
type ptPage struct {
	phys physmem.Addr
	ptes [ptEntries]uint64
	next [ptEntries]*ptPage
	used int
}

// pageTable is a multi level host page table in the AMD IOMMU format.
type pageTable struct {
	levels int
	alloc  physmem.PageAllocator

	mu sync.Mutex

	// +checklocks:mu
	root *ptPage

	// pages is the number of page table pages, root included.
	// +checklocks:mu
	pages int
}

func newPageTable(alloc physmem.PageAllocator, levels int) (*pageTable, error) {
	if levels < minPgLevel || levels > maxPgLevel {
		panic(fmt.Sprintf("invalid page table depth %d", levels))
	}
	pt := &pageTable{levels: levels, alloc: alloc}
	root, err := pt.allocPage()
	if err != nil {
		return nil, fmt.Errorf("allocating page table root: %w", err)
	}
	pt.root = root
	pt.pages = 1
	return pt, nil
}

func (pt *pageTable) allocPage() (*ptPage, error) {
	addr, err := pt.alloc.AllocPages(1)
	if err != nil {
		return nil, err
	}
	return &ptPage{phys: addr}, nil
}

// Root returns the physical address of the top level table.
func (pt *pageTable) Root() physmem.Addr {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.root.phys
}

// Pages returns the number of page table pages.
func (pt *pageTable) Pages() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.pages
}

func ptIndex(iova uint64, lvl int) int {
	return int(iova>>(physmem.PageShift+ptLevelShift*(lvl-1))) & ptEntriesMask
}

// Map maps [iova, iova+size) to [phys, phys+size). On failure nothing of the
// range stays mapped.
func (pt *pageTable) Map(iova, phys, size uint64, perm Perm) error {
	if (iova|phys|size)%physmem.PageSize != 0 {
		panic(fmt.Sprintf("unaligned mapping %#x -> %#x size %#x", iova, phys, size))
	}
	pte := ptePresent | phys&pteAddrMask
	if perm&PermRead != 0 {
		pte |= pteIR
	}
	if perm&PermWrite != 0 {
		pte |= pteIW
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	for off := uint64(0); off < size; off += physmem.PageSize {
		if err := pt.mapPageLocked(iova+off, pte+off); err != nil {
			// Also drops tables allocated for the failed page.
			pt.unmapLocked(iova, off+physmem.PageSize)
			return fmt.Errorf("mapping %#x: %w", iova+off, err)
		}
	}
	return nil
}

// +checklocks:pt.mu
func (pt *pageTable) mapPageLocked(iova, pte uint64) error {
	p := pt.root
	for lvl := pt.levels; lvl > 1; lvl-- {
		i := ptIndex(iova, lvl)
		if p.next[i] == nil {
			np, err := pt.allocPage()
			if err != nil {
				return err
			}
			pt.pages++
			p.next[i] = np
			p.ptes[i] = ptePresent | uint64(lvl-1)<<pteNextShift | uint64(np.phys)
			p.used++
		}
		p = p.next[i]
	}
	i := ptIndex(iova, 1)
	if p.ptes[i]&ptePresent != 0 {
		panic(fmt.Sprintf("remapping present iova %#x", iova))
	}
	p.ptes[i] = pte
	p.used++
	return nil
}

// Unmap clears [iova, iova+size) and frees page table pages left empty.
func (pt *pageTable) Unmap(iova, size uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.unmapLocked(iova, size)
}

// +checklocks:pt.mu
func (pt *pageTable) unmapLocked(iova, size uint64) {
	for off := uint64(0); off < size; off += physmem.PageSize {
		pt.unmapPage(pt.root, pt.levels, iova+off)
	}
}

// unmapPage clears the leaf for iova below p and reports whether p became
// empty.
func (pt *pageTable) unmapPage(p *ptPage, lvl int, iova uint64) bool {
	i := ptIndex(iova, lvl)
	if lvl == 1 {
		if p.ptes[i]&ptePresent != 0 {
			p.ptes[i] = 0
			p.used--
		}
		return p.used == 0
	}
	np := p.next[i]
	if np == nil {
		return p.used == 0
	}
	if pt.unmapPage(np, lvl-1, iova) {
		pt.alloc.FreePages(np.phys, 1)
		pt.pages--
		p.next[i] = nil
		p.ptes[i] = 0
		p.used--
	}
	return p.used == 0
}

// Lookup translates iova.
func (pt *pageTable) Lookup(iova uint64) (phys uint64, perm Perm, ok bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	p := pt.root
	for lvl := pt.levels; lvl > 1; lvl-- {
		p = p.next[ptIndex(iova, lvl)]
		if p == nil {
			return 0, 0, false
		}
	}
	pte := p.ptes[ptIndex(iova, 1)]
	if pte&ptePresent == 0 {
		return 0, 0, false
	}
	if pte&pteIR != 0 {
		perm |= PermRead
	}
	if pte&pteIW != 0 {
		perm |= PermWrite
	}
	return pte&pteAddrMask | iova&(physmem.PageSize-1), perm, true
}

// Free releases every page table page.
func (pt *pageTable) Free() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.freePage(pt.root, pt.levels)
	pt.root = nil
	pt.pages = 0
}

func (pt *pageTable) freePage(p *ptPage, lvl int) {
	if lvl > 1 {
		for _, np := range p.next {
			if np != nil {
				pt.freePage(np, lvl-1)
			}
		}
	}
	pt.alloc.FreePages(p.phys, 1)
}
