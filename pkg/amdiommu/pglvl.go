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
	"gvisor.dev/amdiommu/pkg/physmem"
)

const (
	// maxPgLevel is the deepest page table the hardware format allows.
	maxPgLevel = 6

	// minPgLevel is the shallowest page table a domain is given.
	minPgLevel = 2

	// ptLevelShift is the number of address bits translated per level.
	ptLevelShift = 9

	// EFRHATSShift and EFRHATSMask locate the host address translation size
	// in the extended feature register.
	EFRHATSShift = 10
	EFRHATSMask  = 3 << EFRHATSShift
)

// lvl2addr returns the size of the address space translated by a page table
// of lvl levels, saturated to the top of the 64-bit space.
func lvl2addr(lvl int) uint64 {
	shift := physmem.PageShift + ptLevelShift*lvl
	if shift >= 64 {
		return ^uint64(0)
	}
	return 1 << shift
}

// hatsLevels decodes the maximum page table depth the unit supports from its
// extended feature register. ok is false for the reserved encoding.
func hatsLevels(efr uint64) (levels int, ok bool) {
	switch (efr & EFRHATSMask) >> EFRHATSShift {
	case 0:
		return 4, true
	case 1:
		return 5, true
	case 2:
		return 6, true
	default:
		return 0, false
	}
}

// initPglvl picks the page table depth of d from its end address and clamps
// it to what the unit supports. Clamping narrows the domain end, so it runs
// before the address space is created.
func (u *Unit) initPglvl(d *Domain) {
	end := d.End()
	lvl := maxPgLevel
	for lvl > minPgLevel && lvl2addr(lvl-1) >= end {
		lvl--
	}
	d.pglvl = lvl

	hats, ok := hatsLevels(u.efr)
	if !ok {
		u.diag.Warningf("amdiommu%d: reserved HATS encoding in EFR %#x, domain %d keeps %d levels", u.index, u.efr, d.id, lvl)
		return
	}
	if hats >= lvl {
		return
	}
	u.diag.Infof("amdiommu%d: domain %d page table clamped from %d to %d levels by HATS", u.index, d.id, lvl, hats)
	u.stats.clamps.Add(1)
	d.pglvl = hats
	d.SetEnd(lvl2addr(hats))
}
