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

// Package iommu holds the vendor independent parts of an IOMMU domain: its
// address space bookkeeping, the asynchronous unload task and the DMA tag
// bound to each device.
package iommu

import (
	"fmt"
	"sync"

	"gvisor.dev/amdiommu/pkg/iommu/gas"
)

// DomainFlags track which parts of a Domain have been initialized, so that a
// partially constructed domain can be torn down.
type DomainFlags uint32

const (
	// DomainIdentityMapped marks a 1:1 passthrough domain without page
	// table.
	DomainIdentityMapped DomainFlags = 1 << iota

	// DomainGASInited is set once the address space exists.
	DomainGASInited

	// DomainPgtblInited is set once the page table is allocated.
	DomainPgtblInited
)

// UnloadFunc releases a batch of address space entries. It runs on the
// domain's unload task and may block.
type UnloadFunc func(entries []*gas.Entry)

// Domain is the generic bookkeeping of a translation domain. Vendor domains
// embed it.
//
// Flags and the end address are written only while the domain is being
// constructed or destroyed, when a single goroutine owns it.
type Domain struct {
	// Flags is a combination of DomainFlags.
	Flags DomainFlags

	// end is the exclusive upper bound of device visible addresses.
	end uint64

	// AS is the address space, valid if DomainGASInited is set.
	AS *gas.Space

	unload UnloadFunc

	inited bool

	unloadMu   sync.Mutex
	unloadCond *sync.Cond

	// unloadPending holds entries waiting for the unload task.
	// +checklocks:unloadMu
	unloadPending []*gas.Entry

	// unloadRunning is true while an unload task goroutine exists.
	// +checklocks:unloadMu
	unloadRunning bool
}

// Init initializes the generic domain state.
func (d *Domain) Init(end uint64, unload UnloadFunc) {
	if d.inited {
		panic("domain initialized twice")
	}
	d.end = end
	d.unload = unload
	d.unloadCond = sync.NewCond(&d.unloadMu)
	d.inited = true
}

// End returns the exclusive upper bound of device visible addresses.
func (d *Domain) End() uint64 {
	return d.end
}

// SetEnd narrows the address range. It must be called before InitGAS.
func (d *Domain) SetEnd(end uint64) {
	if d.Flags&DomainGASInited != 0 {
		panic(fmt.Sprintf("changing domain end to %#x after address space init", end))
	}
	d.end = end
}

// InitGAS creates the address space for [0, End()).
func (d *Domain) InitGAS() {
	d.AS = gas.New(d.end)
	d.Flags |= DomainGASInited
}

// FiniGAS finalizes the address space if it was created.
func (d *Domain) FiniGAS() {
	if d.Flags&DomainGASInited == 0 {
		return
	}
	d.AS.Fini()
	d.Flags &^= DomainGASInited
}

// Fini finalizes the generic bookkeeping. Unload tasks must have been drained.
func (d *Domain) Fini() {
	if !d.inited {
		return
	}
	d.unloadMu.Lock()
	defer d.unloadMu.Unlock()
	if d.unloadRunning || len(d.unloadPending) != 0 {
		panic(fmt.Sprintf("domain finalized with %d entries pending unload", len(d.unloadPending)))
	}
	d.inited = false
}

// Unload queues entries for release. If async is false, the entries are
// released before Unload returns.
func (d *Domain) Unload(entries []*gas.Entry, async bool) {
	if len(entries) == 0 {
		return
	}
	if !async {
		d.unload(entries)
		return
	}
	d.unloadMu.Lock()
	defer d.unloadMu.Unlock()
	d.unloadPending = append(d.unloadPending, entries...)
	if !d.unloadRunning {
		d.unloadRunning = true
		go d.unloadTask() // S/R-SAFE: drained before the domain is destroyed.
	}
}

// unloadTask releases pending entries until the queue is empty.
func (d *Domain) unloadTask() {
	d.unloadMu.Lock()
	for len(d.unloadPending) != 0 {
		batch := d.unloadPending
		d.unloadPending = nil
		d.unloadMu.Unlock()
		d.unload(batch)
		d.unloadMu.Lock()
	}
	d.unloadRunning = false
	d.unloadCond.Broadcast()
	d.unloadMu.Unlock()
}

// DrainUnloads blocks until no unload task is queued or running.
func (d *Domain) DrainUnloads() {
	d.unloadMu.Lock()
	defer d.unloadMu.Unlock()
	for d.unloadRunning {
		d.unloadCond.Wait()
	}
}
