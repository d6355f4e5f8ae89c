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
	"math/bits"

	"gvisor.dev/amdiommu/pkg/physmem"
)

const (
	// irteSize is the size of a 128-bit interrupt remapping table entry,
	// the only format used here.
	irteSize = 16

	// maxIRTEntries is the largest table the device table entry can
	// describe.
	maxIRTEntries = 2048
)

// irTable is an interrupt remapping table.
type irTable struct {
	phys    physmem.Addr
	npages  int
	entries int

	// shared is set for the unit wide table used in x2APIC mode, which
	// contexts reference but do not own.
	shared bool
}

// lenField returns the IntTabLen encoding of the table size.
func (t *irTable) lenField() uint8 {
	return uint8(bits.TrailingZeros(uint(t.entries)))
}

func allocIRTable(alloc physmem.PageAllocator, entries int, shared bool) (*irTable, error) {
	if entries <= 0 || entries > maxIRTEntries || entries&(entries-1) != 0 {
		panic(fmt.Sprintf("invalid interrupt remapping table size %d", entries))
	}
	npages := (entries*irteSize + physmem.PageSize - 1) / physmem.PageSize
	addr, err := alloc.AllocPages(npages)
	if err != nil {
		return nil, fmt.Errorf("allocating %d entry interrupt remapping table: %w", entries, err)
	}
	return &irTable{phys: addr, npages: npages, entries: entries, shared: shared}, nil
}

func (t *irTable) free(alloc physmem.PageAllocator) {
	alloc.FreePages(t.phys, t.npages)
}

// ctxInitIRTE gives ctx its interrupt remapping table if remapping is
// enabled on the unit.
func (u *Unit) ctxInitIRTE(ctx *Context) error {
	if !u.irteEnabled {
		return nil
	}
	if u.unitIRT != nil {
		ctx.irt = u.unitIRT
		return nil
	}
	t, err := allocIRTable(u.pages, u.irteEntries, false)
	if err != nil {
		return err
	}
	ctx.irt = t
	return nil
}

// ctxFiniIRTE releases the table set up by ctxInitIRTE.
func (u *Unit) ctxFiniIRTE(ctx *Context) {
	if ctx.irt == nil {
		return
	}
	if !ctx.irt.shared {
		ctx.irt.free(u.pages)
	}
	ctx.irt = nil
}
