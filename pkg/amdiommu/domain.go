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

	"gvisor.dev/amdiommu/pkg/cleanup"
	"gvisor.dev/amdiommu/pkg/iommu"
	"gvisor.dev/amdiommu/pkg/iommu/gas"
	"gvisor.dev/amdiommu/pkg/log"
)

// Domain is a translation domain of a unit.
//
// refs counts every reference held through a context of the domain plus any
// transient holds, so refs >= ctxCnt always, and a domain with live contexts
// has refs > 0.
type Domain struct {
	iommu.Domain

	unit  *Unit
	id    uint16
	pglvl int

	// pgtbl is set unless the domain is identity mapped.
	pgtbl *pageTable

	// apic is the reserved local APIC window entry.
	apic *gas.Entry

	// +checklocks:unit.mu
	refs int

	// ctxCnt is len(contexts).
	// +checklocks:unit.mu
	ctxCnt int

	// +checklocks:unit.mu
	contexts []*Context
}

// ID returns the hardware domain identifier.
func (d *Domain) ID() uint16 {
	return d.id
}

// PgLevel returns the page table depth.
func (d *Domain) PgLevel() int {
	return d.pglvl
}

// IdentityMapped returns whether the domain passes DMA through untranslated.
func (d *Domain) IdentityMapped() bool {
	return d.Flags&iommu.DomainIdentityMapped != 0
}

// Unit returns the owning unit.
func (d *Domain) Unit() *Unit {
	return d.unit
}

// Refs returns the domain reference count and context count.
func (d *Domain) Refs() (refs, ctxCnt int) {
	d.unit.mu.Lock()
	defer d.unit.mu.Unlock()
	return d.refs, d.ctxCnt
}

// Lookup translates iova through the domain page table.
func (d *Domain) Lookup(iova uint64) (phys uint64, perm Perm, ok bool) {
	if d.pgtbl == nil {
		return iova, PermRead | PermWrite, iova < d.End()
	}
	return d.pgtbl.Lookup(iova)
}

// allocDomain builds an unpublished domain with refs == 0. On failure every
// step that completed is undone.
func (u *Unit) allocDomain(idMapped bool) (*Domain, error) {
	id, err := u.domids.Alloc()
	if err != nil {
		return nil, fmt.Errorf("amdiommu%d: %w", u.index, err)
	}
	u.stats.domainsCreated.Add(1)
	d := &Domain{unit: u, id: uint16(id)}
	cu := cleanup.Make(func() { u.destroyDomain(d) })
	defer cu.Clean()

	end := u.maxBusAddr
	if idMapped {
		d.Flags |= iommu.DomainIdentityMapped
		end = u.memSize
	}
	d.Init(end, d.unloadEntries)
	u.initPglvl(d)
	d.InitGAS()

	if !idMapped {
		pt, err := newPageTable(u.pages, d.pglvl)
		if err != nil {
			return nil, fmt.Errorf("amdiommu%d: domain %d: %w", u.index, d.id, err)
		}
		d.pgtbl = pt
		d.Flags |= iommu.DomainPgtblInited

		for _, r := range u.exclusions {
			if _, err := d.AS.ReserveRegion(r.Start, r.End); err != nil {
				return nil, fmt.Errorf("amdiommu%d: domain %d: reserving exclusion range: %w", u.index, d.id, err)
			}
		}
		d.apic, err = d.AS.ReserveRegion(apicWindowStart, apicWindowEnd)
		if err != nil {
			return nil, fmt.Errorf("amdiommu%d: domain %d: reserving apic window: %w", u.index, d.id, err)
		}
	}

	cu.Release()
	if log.IsLogging(log.Debug) {
		log.Debugf("amdiommu%d: domain %d allocated, %d levels, end %#x, idmap %t", u.index, d.id, d.pglvl, d.End(), idMapped)
	}
	return d, nil
}

// destroyDomain releases d, which must be unpublished with no contexts and
// no pending unloads. It tolerates partially constructed domains.
func (u *Unit) destroyDomain(d *Domain) {
	d.FiniGAS()
	d.apic = nil
	if d.Flags&iommu.DomainPgtblInited != 0 {
		if u.faulted.Load() {
			// The hardware may still walk the table.
			log.Warningf("amdiommu%d: leaking %d page table pages of domain %d", u.index, d.pgtbl.Pages(), d.id)
		} else {
			d.pgtbl.Free()
		}
		d.pgtbl = nil
		d.Flags &^= iommu.DomainPgtblInited
	}
	d.Domain.Fini()
	u.domids.Free(uint32(d.id))
	u.stats.domainsDestroyed.Add(1)
}

// unrefDomainLocked drops one reference to d. Dropping the last reference
// unpublishes and destroys d.
//
// Preconditions: u.mu is locked.
// Postconditions: u.mu is unlocked.
func (u *Unit) unrefDomainLocked(d *Domain) {
	if d.refs < 1 || d.refs <= d.ctxCnt {
		panic(fmt.Sprintf("domain %d: unref with refs %d, %d contexts", d.id, d.refs, d.ctxCnt))
	}
	if d.refs > 1 {
		d.refs--
		u.mu.Unlock()
		return
	}
	d.refs = 0
	delete(u.domains, d.id)
	u.mu.Unlock()

	d.DrainUnloads()
	u.destroyDomain(d)
}

// unloadEntries invalidates and releases a batch of mapped entries.
func (d *Domain) unloadEntries(entries []*gas.Entry) {
	u := d.unit
	var cmds []Command
	for _, e := range entries {
		cmds = append(cmds, pageInvalidations(d.id, e.Start, e.Size())...)
	}
	if err := u.invalidate(cmds...); err != nil {
		log.Warningf("amdiommu%d: domain %d: unloading %d entries: %v", u.index, d.id, len(entries), err)
	}
	for _, e := range entries {
		d.pgtbl.Unmap(e.Start, e.Size())
		e.Flags &^= gas.FlagMapped | gas.FlagUnloading
		d.AS.Free(e)
	}
}
