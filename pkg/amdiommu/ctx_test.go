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
	"errors"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/amdiommu/pkg/amdiommu/dte"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
	"gvisor.dev/amdiommu/pkg/iommu/gas"
	"gvisor.dev/amdiommu/pkg/physmem"
)

func TestGetFreeSequence(t *testing.T) {
	hw := &SimHardware{}
	u, pages := newTestUnit(t, Config{EFR: hats6, Hardware: hw})
	dev := &Device{Name: "nvme0", RID: MakeRID(3, 0, 0)}

	ctx := mustGet(t, u, dev, false)
	if again := mustGet(t, u, dev, false); again != ctx {
		t.Fatalf("second GetContextForDevice returned a different context")
	}
	d := ctx.Domain()
	if got := ctx.Refs(); got != 2 {
		t.Errorf("context refs = %d, want 2", got)
	}
	if refs, cnt := d.Refs(); refs != 2 || cnt != 1 {
		t.Errorf("domain refs, contexts = %d, %d, want 2, 1", refs, cnt)
	}
	f := dteFields(u, dev.RID)
	if !f.Valid || f.DomainID != d.ID() || f.Mode != 6 || f.PTRoot != uint64(d.pgtbl.Root()) {
		t.Errorf("device table entry %+v does not point at domain %d", f, d.ID())
	}
	if got := ctx.Device(); got != dev {
		t.Errorf("bound device = %v, want %v", got, dev)
	}
	if got, want := ctx.Tag().HighAddr, d.End()-1; got != want {
		t.Errorf("tag high address = %#x, want %#x", got, want)
	}

	mustFree(t, u, ctx)
	if refs, cnt := d.Refs(); refs != 1 || cnt != 1 {
		t.Errorf("after first free: domain refs, contexts = %d, %d, want 1, 1", refs, cnt)
	}
	if !u.DeviceTable().Slot(int(dev.RID)).Valid() {
		t.Errorf("device table entry cleared while a reference remains")
	}

	mustFree(t, u, ctx)
	if u.FindContext(dev.RID) != nil {
		t.Errorf("context still published after last free")
	}
	if u.DeviceTable().Slot(int(dev.RID)).Valid() {
		t.Errorf("device table entry valid after last free")
	}
	if u.domids.Allocated(uint32(d.ID())) {
		t.Errorf("domain id %d not released", d.ID())
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
	if got := hw.Count(CmdInvalidateDevtabEntry); got != 2 {
		t.Errorf("%d device table invalidations, want 2", got)
	}
	if got := hw.Count(CmdInvalidateIOMMUPages); got != 1 {
		t.Errorf("%d page invalidations, want 1", got)
	}
	// The interrupt table cache is flushed even without remapping.
	if got := hw.Count(CmdInvalidateInterruptTable); got != 1 {
		t.Errorf("%d interrupt table invalidations, want 1", got)
	}
	if got := hw.Count(CmdCompletionWait); got != 1 {
		t.Errorf("%d completion waits, want 1", got)
	}
	st := u.Stats()
	if st.DomainsCreated != 1 || st.DomainsDestroyed != 1 || st.Domains != 0 || st.Contexts != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestConcurrentGetSameDevice(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6})
	dev := &Device{Name: "eth0", RID: MakeRID(0, 0x1f, 6)}

	const n = 32
	ctxs := make([]*Context, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			ctx, err := u.GetContextForDevice(dev, dev.RID, false)
			ctxs[i] = ctx
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetContextForDevice failed: %v", err)
	}
	for i, ctx := range ctxs {
		if ctx != ctxs[0] {
			t.Fatalf("goroutine %d got a different context", i)
		}
	}
	ctx := ctxs[0]
	if got := ctx.Refs(); got != n {
		t.Errorf("context refs = %d, want %d", got, n)
	}
	if refs, cnt := ctx.Domain().Refs(); refs != n || cnt != 1 {
		t.Errorf("domain refs, contexts = %d, %d, want %d, 1", refs, cnt, n)
	}
	st := u.Stats()
	if st.Domains != 1 || st.DomainIDsInUse != 1 {
		t.Errorf("%d domains and %d ids live, want 1 and 1", st.Domains, st.DomainIDsInUse)
	}
	if st.DomainsCreated != st.Races+1 || st.DomainsDestroyed != st.Races {
		t.Errorf("losing domains not discarded: %+v", st)
	}
	if got := pages.InUse(); got != 1 {
		t.Errorf("%d pages in use, want the single root", got)
	}

	for i := 0; i < n; i++ {
		g.Go(func() error { return u.FreeContext(ctx) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("FreeContext failed: %v", err)
	}
	if st := u.Stats(); st.Domains != 0 || st.Contexts != 0 || st.DomainIDsInUse != 0 {
		t.Errorf("state left after freeing everything: %+v", st)
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
}

func TestConcurrentManyDevices(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6})
	const (
		devices = 8
		callers = 8
	)
	var g errgroup.Group
	for d := 0; d < devices; d++ {
		dev := &Device{RID: MakeRID(1, uint8(d), 0)}
		for c := 0; c < callers; c++ {
			g.Go(func() error {
				ctx, err := u.GetContextForDevice(dev, dev.RID, false)
				if err != nil {
					return err
				}
				return u.FreeContext(ctx)
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("get/free failed: %v", err)
	}
	if st := u.Stats(); st.Domains != 0 || st.Contexts != 0 || st.DomainIDsInUse != 0 {
		t.Errorf("state left after all callers finished: %+v", st)
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
	for d := 0; d < devices; d++ {
		if u.DeviceTable().Slot(int(MakeRID(1, uint8(d), 0))).Valid() {
			t.Errorf("device %d table entry still valid", d)
		}
	}
}

func TestDistinctDevicesGetDistinctDomains(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6})
	a := mustGet(t, u, &Device{RID: MakeRID(2, 0, 0)}, false)
	b := mustGet(t, u, &Device{RID: MakeRID(2, 0, 1)}, false)
	if a.Domain() == b.Domain() || a.Domain().ID() == b.Domain().ID() {
		t.Errorf("devices share domain %d", a.Domain().ID())
	}
	mustFree(t, u, a)
	mustFree(t, u, b)
}

func TestAllocRollbackOnReservationFailure(t *testing.T) {
	u, pages := newTestUnit(t, Config{
		EFR: hats6,
		// Overlaps the local APIC window, so reserving it fails after the
		// exclusion range itself succeeded.
		Exclusions: []Region{{Start: 0xfed00000, End: 0xfef00000}},
	})
	dev := &Device{RID: MakeRID(4, 0, 0)}
	_, err := u.GetContextForDevice(dev, dev.RID, false)
	if !errors.Is(err, iommuerr.ErrAllocationFailure) {
		t.Fatalf("GetContextForDevice error = %v, want %v", err, iommuerr.ErrAllocationFailure)
	}
	if got := u.domids.InUse(); got != 0 {
		t.Errorf("%d domain ids leaked", got)
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages leaked", got)
	}
	if u.FindContext(dev.RID) != nil || u.DeviceTable().Slot(int(dev.RID)).Valid() {
		t.Errorf("failed allocation left a context behind")
	}
	if st := u.Stats(); st.DomainsCreated != 1 || st.DomainsDestroyed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestAllocRollbackOnPageTableFailure(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6, Pages: physmem.New(1<<32, 0)})
	dev := &Device{RID: MakeRID(4, 0, 0)}
	if _, err := u.GetContextForDevice(dev, dev.RID, false); !errors.Is(err, iommuerr.ErrAllocationFailure) {
		t.Fatalf("GetContextForDevice error = %v, want %v", err, iommuerr.ErrAllocationFailure)
	}
	if got := u.domids.InUse(); got != 0 {
		t.Errorf("%d domain ids leaked", got)
	}
	// Identity mapped domains need no page table.
	ctx := mustGet(t, u, dev, true)
	mustFree(t, u, ctx)
}

func TestAllocRollbackOnIRTFailure(t *testing.T) {
	// One page fits the page table root but not a 512 entry table.
	pages := physmem.New(1<<32, 1)
	u, _ := newTestUnit(t, Config{EFR: hats6, IRTEEnabled: true, Pages: pages})
	dev := &Device{RID: MakeRID(4, 0, 0)}
	if _, err := u.GetContextForDevice(dev, dev.RID, false); !errors.Is(err, iommuerr.ErrAllocationFailure) {
		t.Fatalf("GetContextForDevice error = %v, want %v", err, iommuerr.ErrAllocationFailure)
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages leaked", got)
	}
	if got := u.domids.InUse(); got != 0 {
		t.Errorf("%d domain ids leaked", got)
	}
}

func TestDomainIDExhaustion(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6, DomainIDMin: 5, DomainIDMax: 5})
	a := mustGet(t, u, &Device{RID: MakeRID(0, 1, 0)}, false)
	if got := a.Domain().ID(); got != 5 {
		t.Errorf("domain id = %d, want 5", got)
	}
	dev := &Device{RID: MakeRID(0, 2, 0)}
	if _, err := u.GetContextForDevice(dev, dev.RID, false); !errors.Is(err, iommuerr.ErrResourceExhausted) {
		t.Fatalf("GetContextForDevice error = %v, want %v", err, iommuerr.ErrResourceExhausted)
	}
	if got := pages.InUse(); got != 1 {
		t.Errorf("%d pages in use, want 1", got)
	}
	mustFree(t, u, a)
	b := mustGet(t, u, dev, false)
	mustFree(t, u, b)
}

func TestInvalidationTimeout(t *testing.T) {
	hw := &StallingHardware{}
	u, pages := newTestUnit(t, Config{EFR: hats6, Hardware: hw, InvalidationTimeout: 20 * time.Millisecond})
	defer hw.Resume()

	dev := &Device{RID: MakeRID(6, 0, 0)}
	ctx := mustGet(t, u, dev, false)
	id := ctx.Domain().ID()
	hw.Stall()
	if err := u.FreeContext(ctx); !errors.Is(err, iommuerr.ErrInvalidationTimeout) {
		t.Fatalf("FreeContext error = %v, want %v", err, iommuerr.ErrInvalidationTimeout)
	}
	if !u.Faulted() {
		t.Errorf("unit not faulted after timeout")
	}
	if u.FindContext(dev.RID) != nil || u.DeviceTable().Slot(int(dev.RID)).Valid() {
		t.Errorf("teardown did not complete after timeout")
	}
	if u.domids.Allocated(uint32(id)) {
		t.Errorf("domain id %d not released", id)
	}
	// The page table may still be walked by the hardware.
	if got := pages.InUse(); got != 1 {
		t.Errorf("%d pages in use, want the leaked root", got)
	}
	other := &Device{RID: MakeRID(6, 1, 0)}
	if _, err := u.GetContextForDevice(other, other.RID, false); !errors.Is(err, iommuerr.ErrUnitFaulted) {
		t.Errorf("GetContextForDevice on faulted unit error = %v, want %v", err, iommuerr.ErrUnitFaulted)
	}
	if st := u.Stats(); !st.Faulted || st.Timeouts == 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestInvalidationTimeoutBuswide(t *testing.T) {
	hw := &StallingHardware{}
	u, pages := newTestUnit(t, Config{EFR: hats6, Hardware: hw, InvalidationTimeout: 20 * time.Millisecond})
	defer hw.Resume()

	dev := &Device{RID: MakeRID(5, 0, 0), Buswide: true}
	ctx := mustGet(t, u, dev, false)
	id := ctx.Domain().ID()
	hw.Stall()

	// Freeing a buswide context queues more commands than the ring holds.
	errc := make(chan error, 1)
	go func() { errc <- u.FreeContext(ctx) }()
	select {
	case err := <-errc:
		if !errors.Is(err, iommuerr.ErrInvalidationTimeout) {
			t.Fatalf("FreeContext error = %v, want %v", err, iommuerr.ErrInvalidationTimeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("FreeContext blocked on a stalled unit")
	}
	if !u.Faulted() {
		t.Errorf("unit not faulted after timeout")
	}
	for devfn := 0; devfn < 256; devfn++ {
		if u.DeviceTable().Slot(int(MakeRID(5, 0, 0))+devfn).Valid() {
			t.Fatalf("device table entry for devfn %#x valid after free", devfn)
		}
	}
	if u.FindContext(dev.RID) != nil {
		t.Errorf("buswide context still published")
	}
	if u.domids.Allocated(uint32(id)) {
		t.Errorf("domain id %d not released", id)
	}
	if got := pages.InUse(); got != 1 {
		t.Errorf("%d pages in use, want the leaked root", got)
	}
	if st := u.Stats(); !st.Faulted || st.Contexts != 0 || st.Domains != 0 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestFreeAfterFault(t *testing.T) {
	hw := &StallingHardware{}
	u, _ := newTestUnit(t, Config{EFR: hats6, Hardware: hw, InvalidationTimeout: 20 * time.Millisecond, CmdQueueDepth: 8})
	defer hw.Resume()

	const n = 8
	var ctxs []*Context
	for i := 0; i < n; i++ {
		ctxs = append(ctxs, mustGet(t, u, &Device{RID: MakeRID(8, uint8(i), 0)}, false))
	}
	hw.Stall()

	start := time.Now()
	for i, ctx := range ctxs {
		err := u.FreeContext(ctx)
		want := iommuerr.ErrUnitFaulted
		if i == 0 {
			want = iommuerr.ErrInvalidationTimeout
		}
		if !errors.Is(err, want) {
			t.Errorf("FreeContext(%v) error = %v, want %v", ctx, err, want)
		}
	}
	// Only the first free waits for the hardware.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("freeing %d contexts took %v", n, elapsed)
	}
	st := u.Stats()
	if st.Contexts != 0 || st.Domains != 0 || st.DomainIDsInUse != 0 {
		t.Errorf("teardown incomplete: %+v", st)
	}
	if st.Timeouts != 1 {
		t.Errorf("%d timeouts, want 1", st.Timeouts)
	}
}

// TestRaceLoserDiscarded makes a second caller publish a context for the same
// device while the first is building its own, and checks that the first
// caller's domain and interrupt table are released.
func TestRaceLoserDiscarded(t *testing.T) {
	cfg := Config{EFR: hats6, IRTEEnabled: true}
	control, controlPages := newTestUnit(t, cfg)
	dev := &Device{RID: MakeRID(9, 0, 0)}
	controlCtx := mustGet(t, control, dev, false)
	onePublished := controlPages.InUse()
	mustFree(t, control, controlCtx)

	u, pages := newTestUnit(t, cfg)
	var (
		fired   bool
		winner  *Context
		loserID uint32
	)
	contextBuilt = func(hu *Unit, rid RID) {
		if hu != u || fired {
			return
		}
		fired = true
		// The candidate's domain holds the only allocated ID.
		for id := uint32(1); id <= 0xffff; id++ {
			if u.domids.Allocated(id) {
				loserID = id
				break
			}
		}
		var err error
		if winner, err = u.GetContextForDevice(dev, rid, false); err != nil {
			t.Errorf("competing GetContextForDevice failed: %v", err)
		}
	}
	t.Cleanup(func() { contextBuilt = nil })

	ctx := mustGet(t, u, dev, false)
	if winner == nil || ctx != winner {
		t.Fatalf("got context %v, want the competing caller's %v", ctx, winner)
	}
	if st := u.Stats(); st.Races != 1 || st.DomainsCreated != 2 || st.DomainsDestroyed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if got := ctx.Refs(); got != 2 {
		t.Errorf("winner refs = %d, want 2", got)
	}
	if loserID == 0 || uint32(ctx.Domain().ID()) == loserID {
		t.Fatalf("loser domain id %d, winner %d", loserID, ctx.Domain().ID())
	}
	if u.domids.Allocated(loserID) {
		t.Errorf("loser domain id %d not released", loserID)
	}
	if got := u.domids.InUse(); got != 1 {
		t.Errorf("%d domain ids in use, want 1", got)
	}
	if got := pages.InUse(); got != onePublished {
		t.Errorf("%d pages in use, want %d for one context", got, onePublished)
	}
	if f := dteFields(u, dev.RID); !f.IV || f.IntTableRoot != uint64(ctx.irt.phys) {
		t.Errorf("device table entry %+v does not point at the winner's interrupt table", f)
	}

	mustFree(t, u, ctx)
	mustFree(t, u, ctx)
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
}

func TestDomainZeroReserved(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6})
	if lo, _ := u.domids.Range(); lo != 1 {
		t.Errorf("lowest domain id %d, want 1", lo)
	}
	ctx := mustGet(t, u, &Device{RID: MakeRID(10, 0, 0)}, false)
	if got := ctx.Domain().ID(); got != 1 {
		t.Errorf("first domain id %d, want 1", got)
	}
	mustFree(t, u, ctx)
}

func TestAllocContextHoldsReference(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6})
	ctx := u.allocContext(MakeRID(10, 1, 0), nil)
	if got := ctx.Refs(); got != 1 {
		t.Errorf("new context refs = %d, want 1", got)
	}
	if ctx.Domain() != nil || u.FindContext(ctx.RID()) != nil {
		t.Errorf("new context is linked")
	}
}

func TestIdentityMapped(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6})
	dev := &Device{RID: MakeRID(7, 0, 0)}
	ctx := mustGet(t, u, dev, true)
	d := ctx.Domain()
	if !d.IdentityMapped() {
		t.Fatalf("domain not identity mapped")
	}
	if got := d.End(); got != DefaultMemSize {
		t.Errorf("domain end = %#x, want %#x", got, uint64(DefaultMemSize))
	}
	if got := d.PgLevel(); got != 3 {
		t.Errorf("page table levels = %d, want 3", got)
	}
	if f := dteFields(u, dev.RID); f.Mode != dte.ModePassthrough || f.PTRoot != 0 {
		t.Errorf("identity mapped entry %+v has translation", f)
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("identity domain uses %d pages", got)
	}
	if phys, _, ok := d.Lookup(0x5000); !ok || phys != 0x5000 {
		t.Errorf("Lookup(0x5000) = %#x, %t, want 0x5000, true", phys, ok)
	}
	if _, err := ctx.Map(0x1000, physmem.PageSize, PermRead); !errors.Is(err, iommuerr.ErrIdentityMapped) {
		t.Errorf("Map error = %v, want %v", err, iommuerr.ErrIdentityMapped)
	}
	mustFree(t, u, ctx)
}

func TestBuswide(t *testing.T) {
	hw := &SimHardware{}
	u, _ := newTestUnit(t, Config{EFR: hats6, Hardware: hw})
	dev := &Device{Name: "pcie-bridge", RID: MakeRID(5, 0, 0), Buswide: true}
	ctx := mustGet(t, u, dev, false)
	id := ctx.Domain().ID()
	for i := 0; i < 256; i++ {
		rid := RID(5<<8 | i)
		if f := dteFields(u, rid); !f.Valid || f.DomainID != id {
			t.Fatalf("entry for %v = %+v, want valid in domain %d", rid, f, id)
		}
	}
	if u.DeviceTable().Slot(int(MakeRID(6, 0, 0))).Valid() {
		t.Errorf("buswide context spilled onto the next bus")
	}
	mustFree(t, u, ctx)
	for i := 0; i < 256; i++ {
		if u.DeviceTable().Slot(5<<8 | i).Valid() {
			t.Fatalf("entry for devfn %#x still valid", i)
		}
	}
	if got := hw.Count(CmdInvalidateDevtabEntry); got != 512 {
		t.Errorf("%d device table invalidations, want 512", got)
	}

	bad := &Device{RID: MakeRID(5, 0, 1), Buswide: true}
	if _, err := u.GetContextForDevice(bad, bad.RID, false); err == nil {
		t.Errorf("buswide context for a nonzero devfn succeeded")
	}
}

func TestMoveContext(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6})
	devA := &Device{RID: MakeRID(8, 0, 0)}
	devB := &Device{RID: MakeRID(8, 1, 0)}
	a := mustGet(t, u, devA, false)
	mustGet(t, u, devA, false)
	b := mustGet(t, u, devB, false)
	da, db := a.Domain(), b.Domain()

	if err := u.MoveContext(a, db); err != nil {
		t.Fatalf("MoveContext failed: %v", err)
	}
	if a.Domain() != db {
		t.Fatalf("context still in domain %d", a.Domain().ID())
	}
	if refs, cnt := db.Refs(); refs != 3 || cnt != 2 {
		t.Errorf("target domain refs, contexts = %d, %d, want 3, 2", refs, cnt)
	}
	if u.domids.Allocated(uint32(da.ID())) {
		t.Errorf("source domain %d not destroyed", da.ID())
	}
	if f := dteFields(u, devA.RID); !f.Valid || f.DomainID != db.ID() {
		t.Errorf("moved entry %+v, want valid in domain %d", f, db.ID())
	}
	if got := u.Stats().Domains; got != 1 {
		t.Errorf("%d domains, want 1", got)
	}

	mustFree(t, u, a)
	mustFree(t, u, a)
	mustFree(t, u, b)
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
}

func TestMoveBuswidePanics(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6})
	bus := mustGet(t, u, &Device{RID: MakeRID(9, 0, 0), Buswide: true}, false)
	other := mustGet(t, u, &Device{RID: MakeRID(10, 0, 0)}, false)
	expectPanic(t, "moving a buswide context", func() {
		u.MoveContext(bus, other.Domain())
	})
	mustFree(t, u, bus)
	mustFree(t, u, other)
}

func TestDisabledContext(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6})
	dev := &Device{RID: MakeRID(11, 0, 0)}
	ctx := mustGet(t, u, dev, false)
	mustGet(t, u, dev, false)
	u.SetDisabled(ctx, true)
	// Only the last reference is refused.
	mustFree(t, u, ctx)
	u.SetDisabled(ctx, false)
	mustFree(t, u, ctx)
}

func TestDisabledLastFreePanics(t *testing.T) {
	// The unit is abandoned with its lock held after the panic.
	u, _ := mustNewUnit(t, Config{EFR: hats6})
	ctx := mustGet(t, u, &Device{RID: MakeRID(11, 0, 0)}, false)
	u.SetDisabled(ctx, true)
	expectPanic(t, "last free of a disabled context", func() {
		u.FreeContext(ctx)
	})
}

func TestDoubleFreePanics(t *testing.T) {
	u, _ := mustNewUnit(t, Config{EFR: hats6})
	ctx := mustGet(t, u, &Device{RID: MakeRID(12, 0, 0)}, false)
	mustFree(t, u, ctx)
	expectPanic(t, "double free", func() {
		u.FreeContext(ctx)
	})
}

func TestUnrefWithTransientHold(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6})
	ctx := mustGet(t, u, &Device{RID: MakeRID(13, 0, 0)}, false)
	d := ctx.Domain()

	u.mu.Lock()
	d.refs++
	u.mu.Unlock()

	mustFree(t, u, ctx)
	if refs, cnt := d.Refs(); refs != 1 || cnt != 0 {
		t.Errorf("held domain refs, contexts = %d, %d, want 1, 0", refs, cnt)
	}
	if !u.domids.Allocated(uint32(d.ID())) {
		t.Fatalf("held domain destroyed")
	}

	u.mu.Lock()
	u.unrefDomainLocked(d)
	if u.domids.Allocated(uint32(d.ID())) {
		t.Errorf("domain survived its last unref")
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
}

func TestMapUnload(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6})
	ctx := mustGet(t, u, &Device{RID: MakeRID(14, 0, 0)}, false)
	d := ctx.Domain()

	e, err := ctx.Map(0x200000, 2*physmem.PageSize, PermRead|PermWrite)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	if e.Start != gas.PageSize || e.Size() != 2*physmem.PageSize || e.Flags&gas.FlagMapped == 0 {
		t.Errorf("unexpected entry %v", e)
	}
	phys, perm, ok := d.Lookup(e.Start + physmem.PageSize + 0x10)
	if !ok || phys != 0x201010 || perm != PermRead|PermWrite {
		t.Errorf("Lookup = %#x, %v, %t, want 0x201010, rw, true", phys, perm, ok)
	}
	// Root plus one table per lower level.
	if got := pages.InUse(); got != 6 {
		t.Errorf("%d pages in use, want 6", got)
	}

	ctx.Unload([]*gas.Entry{e}, false)
	if _, _, ok := d.Lookup(e.Start); ok {
		t.Errorf("address still translated after unload")
	}
	if got := pages.InUse(); got != 1 {
		t.Errorf("%d pages in use after unload, want 1", got)
	}
	if got := d.AS.Len(); got != 1 {
		t.Errorf("%d address space entries, want only the apic window", got)
	}

	e2, err := ctx.Map(0x400000, physmem.PageSize, PermRead)
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	ctx.Unload([]*gas.Entry{e2}, true)
	mustFree(t, u, ctx)
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
}

func TestInterruptRemapping(t *testing.T) {
	hw := &SimHardware{}
	u, pages := newTestUnit(t, Config{EFR: hats6, IRTEEnabled: true, Hardware: hw})
	dev := &Device{RID: MakeRID(15, 0, 0), Hint: dte.HintNMIPass | dte.HintLint1Pass}
	ctx := mustGet(t, u, dev, false)
	f := dteFields(u, dev.RID)
	if !f.IV || f.IntCtl != dte.IntCtlMap || f.IntTabLen != 9 || f.IntTableRoot == 0 {
		t.Errorf("interrupt remapping fields not programmed: %+v", f)
	}
	if !f.NMIPass || !f.Lint1Pass || f.InitPass || f.Lint0Pass {
		t.Errorf("device hint not applied: %+v", f)
	}
	// Page table root plus a two page table.
	if got := pages.InUse(); got != 3 {
		t.Errorf("%d pages in use, want 3", got)
	}
	mustFree(t, u, ctx)
	if got := hw.Count(CmdInvalidateInterruptTable); got != 1 {
		t.Errorf("%d interrupt table invalidations, want 1", got)
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages still in use", got)
	}
}

func TestX2APICSharedTable(t *testing.T) {
	u, pages := newTestUnit(t, Config{EFR: hats6, IRTEEnabled: true, X2APIC: true})
	a := mustGet(t, u, &Device{RID: MakeRID(16, 0, 0)}, false)
	b := mustGet(t, u, &Device{RID: MakeRID(16, 1, 0)}, false)
	fa, fb := dteFields(u, a.RID()), dteFields(u, b.RID())
	if fa.IntTableRoot != fb.IntTableRoot {
		t.Errorf("contexts use tables %#x and %#x, want a shared one", fa.IntTableRoot, fb.IntTableRoot)
	}
	mustFree(t, u, a)
	mustFree(t, u, b)
	if got := pages.InUse(); got != 2 {
		t.Errorf("%d pages in use, want the shared table", got)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := pages.InUse(); got != 0 {
		t.Errorf("%d pages in use after Close", got)
	}
}

func TestCloseWithLiveContexts(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6})
	ctx := mustGet(t, u, &Device{RID: MakeRID(17, 0, 0)}, false)
	if err := u.Close(); !errors.Is(err, iommuerr.ErrBusy) {
		t.Errorf("Close error = %v, want %v", err, iommuerr.ErrBusy)
	}
	mustFree(t, u, ctx)
}

func TestDomainsSnapshot(t *testing.T) {
	u, _ := newTestUnit(t, Config{EFR: hats6})
	a := mustGet(t, u, &Device{RID: MakeRID(18, 0, 0)}, false)
	b := mustGet(t, u, &Device{RID: MakeRID(18, 1, 0)}, true)
	infos := u.Domains()
	if len(infos) != 2 {
		t.Fatalf("got %d domains, want 2", len(infos))
	}
	if infos[0].ID >= infos[1].ID {
		t.Errorf("domains not ordered by id: %d, %d", infos[0].ID, infos[1].ID)
	}
	for _, info := range infos {
		if info.Refs != 1 || len(info.Contexts) != 1 {
			t.Errorf("unexpected domain info %+v", info)
		}
	}
	mustFree(t, u, a)
	mustFree(t, u, b)
}
