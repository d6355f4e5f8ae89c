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

	"gvisor.dev/amdiommu/pkg/amdiommu/dte"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
	"gvisor.dev/amdiommu/pkg/iommu"
	"gvisor.dev/amdiommu/pkg/iommu/gas"
	"gvisor.dev/amdiommu/pkg/log"
	"gvisor.dev/amdiommu/pkg/physmem"
)

// Context is the translation context of one requester ID. A buswide context
// covers every devfn of its bus.
type Context struct {
	unit    *Unit
	rid     RID
	buswide bool
	hint    uint8

	// irt is the interrupt remapping table, if remapping is enabled.
	irt *irTable

	// +checklocks:unit.mu
	domain *Domain

	// +checklocks:unit.mu
	refs int

	// +checklocks:unit.mu
	dev *Device

	// +checklocks:unit.mu
	tag iommu.DeviceTag

	// disabled contexts must not be released by their last FreeContext.
	// +checklocks:unit.mu
	disabled bool
}

// RID returns the requester ID the context is keyed by.
func (c *Context) RID() RID {
	return c.rid
}

// Buswide returns whether the context covers its whole bus.
func (c *Context) Buswide() bool {
	return c.buswide
}

// Domain returns the domain the context currently translates through.
func (c *Context) Domain() *Domain {
	c.unit.mu.Lock()
	defer c.unit.mu.Unlock()
	return c.domain
}

// Refs returns the context reference count.
func (c *Context) Refs() int {
	c.unit.mu.Lock()
	defer c.unit.mu.Unlock()
	return c.refs
}

// Device returns the bound device, or nil.
func (c *Context) Device() *Device {
	c.unit.mu.Lock()
	defer c.unit.mu.Unlock()
	return c.dev
}

// Tag returns the DMA constraints of the context.
func (c *Context) Tag() iommu.DeviceTag {
	c.unit.mu.Lock()
	defer c.unit.mu.Unlock()
	return c.tag
}

func (c *Context) String() string {
	return fmt.Sprintf("amdiommu%d ctx %v", c.unit.index, c.rid)
}

// rids returns the device table indices covered by the context.
func (c *Context) rids() []RID {
	if !c.buswide {
		return []RID{c.rid}
	}
	rids := make([]RID, 256)
	base := RID(c.rid.Bus()) << 8
	for i := range rids {
		rids[i] = base | RID(i)
	}
	return rids
}

// devtabInvalidations returns the commands flushing the device table cache
// for rids.
func devtabInvalidations(rids []RID) []Command {
	cmds := make([]Command, 0, len(rids))
	for _, r := range rids {
		cmds = append(cmds, invalidateDevtabCmd(r))
	}
	return cmds
}

// allocContext returns an unlinked context holding the caller's reference.
func (u *Unit) allocContext(rid RID, dev *Device) *Context {
	ctx := &Context{unit: u, rid: rid, refs: 1}
	if dev != nil {
		ctx.buswide = dev.Buswide
		ctx.hint = dev.Hint
	}
	return ctx
}

// +checklocks:u.mu
func (u *Unit) linkLocked(ctx *Context, d *Domain) {
	if d.refs < d.ctxCnt {
		panic(fmt.Sprintf("domain %d: linking with refs %d < %d contexts", d.id, d.refs, d.ctxCnt))
	}
	ctx.domain = d
	d.contexts = append(d.contexts, ctx)
	d.ctxCnt++
	d.refs++
	u.contexts[ctx.rid] = ctx
}

// +checklocks:u.mu
func (u *Unit) unlinkLocked(ctx *Context) {
	d := ctx.domain
	if d.ctxCnt < 1 || d.refs < d.ctxCnt {
		panic(fmt.Sprintf("domain %d: unlinking with refs %d, %d contexts", d.id, d.refs, d.ctxCnt))
	}
	for i, c := range d.contexts {
		if c == ctx {
			d.contexts = append(d.contexts[:i], d.contexts[i+1:]...)
			break
		}
	}
	d.ctxCnt--
	if u.contexts[ctx.rid] == ctx {
		delete(u.contexts, ctx.rid)
	}
}

// refContextLocked takes an additional reference on a live context.
//
// +checklocks:u.mu
func (u *Unit) refContextLocked(ctx *Context, dev *Device) {
	ctx.refs++
	ctx.domain.refs++
	if ctx.dev == nil && dev != nil {
		ctx.dev = dev
		ctx.tag.InitDeviceTag(dev, ctx.domain.End())
	}
}

// programDTELocked writes the device table entries of ctx. A new context
// requires its entries to be invalid; move replaces valid entries in place.
//
// +checklocks:u.mu
func (u *Unit) programDTELocked(ctx *Context, move bool) {
	if ctx.buswide && move {
		panic(fmt.Sprintf("%v: moving a buswide context", ctx))
	}
	d := ctx.domain
	f := dte.Fields{
		TV:       true,
		IR:       true,
		IW:       true,
		DomainID: d.id,
		IoCtl:    dte.IoCtlDisabled,
	}
	f.ApplyHint(ctx.hint)
	if d.IdentityMapped() {
		f.Mode = dte.ModePassthrough
	} else {
		f.Mode = uint8(d.pglvl)
		f.PTRoot = uint64(d.pgtbl.Root())
	}
	if ctx.irt != nil {
		f.IV = true
		f.IntCtl = dte.IntCtlMap
		f.IntTabLen = ctx.irt.lenField()
		f.IntTableRoot = uint64(ctx.irt.phys)
	}
	e := dte.Encode(f)
	for _, rid := range ctx.rids() {
		slot := u.devtab.Slot(int(rid))
		if move {
			slot.Replace(e)
		} else {
			slot.Publish(e)
		}
	}
}

// contextBuilt, if set, runs after a candidate context for rid is built and
// before the unit lock is retaken to publish it.
var contextBuilt func(u *Unit, rid RID)

// GetContextForDevice returns the context of rid with an added reference,
// creating it and a fresh domain if none exists. dev is bound to the context
// if it has no device yet.
//
// Only one goroutine publishes a context for a given rid; concurrent callers
// that lose the race discard their domain and share the winner's.
func (u *Unit) GetContextForDevice(dev *Device, rid RID, idMapped bool) (*Context, error) {
	if u.faulted.Load() {
		return nil, fmt.Errorf("amdiommu%d: %v: %w", u.index, rid, iommuerr.ErrUnitFaulted)
	}
	if dev != nil && dev.Buswide && rid&0xff != 0 {
		return nil, fmt.Errorf("buswide context requested for %v, not devfn 0", rid)
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, fmt.Errorf("amdiommu%d closed: %w", u.index, iommuerr.ErrNoUnit)
	}
	if ctx := u.findLocked(rid); ctx != nil {
		u.refContextLocked(ctx, dev)
		u.mu.Unlock()
		return ctx, nil
	}
	u.mu.Unlock()

	// Building the domain may sleep, so it runs unlocked.
	d, err := u.allocDomain(idMapped)
	if err != nil {
		return nil, fmt.Errorf("context %v: %w", rid, err)
	}
	cand := u.allocContext(rid, dev)
	if err := u.ctxInitIRTE(cand); err != nil {
		u.destroyDomain(d)
		return nil, fmt.Errorf("context %v: %w", rid, err)
	}
	if contextBuilt != nil {
		contextBuilt(u, rid)
	}

	u.mu.Lock()
	if ctx := u.findLocked(rid); ctx != nil {
		// Lost the race.
		u.ctxFiniIRTE(cand)
		u.destroyDomain(d)
		u.refContextLocked(ctx, dev)
		u.stats.races.Add(1)
		u.mu.Unlock()
		return ctx, nil
	}
	u.linkLocked(cand, d)
	u.domains[d.id] = d
	u.programDTELocked(cand, false)
	u.queueInvalidations(devtabInvalidations(cand.rids())...)
	if dev != nil {
		cand.dev = dev
		cand.tag.InitDeviceTag(dev, d.End())
	}
	u.stats.contextsCreated.Add(1)
	u.mu.Unlock()

	log.Debugf("amdiommu%d: %v attached to domain %d", u.index, rid, d.id)
	return cand, nil
}

// FreeContext drops a reference to ctx. The last reference clears its device
// table entries, invalidates the hardware caches and releases the context and,
// if no other context uses it, the domain. Teardown completes even if the
// hardware does not acknowledge the invalidations, in which case the timeout
// is returned and the unit is faulted.
func (u *Unit) FreeContext(ctx *Context) error {
	u.mu.Lock()
	return u.freeContextLocked(ctx)
}

// Preconditions: u.mu is locked.
// Postconditions: u.mu is unlocked.
func (u *Unit) freeContextLocked(ctx *Context) error {
	if ctx.unit != u {
		panic(fmt.Sprintf("%v freed on amdiommu%d", ctx, u.index))
	}
	if ctx.refs < 1 {
		panic(fmt.Sprintf("%v: free with refs %d", ctx, ctx.refs))
	}
	d := ctx.domain
	if ctx.refs > 1 {
		ctx.refs--
		u.unrefDomainLocked(d)
		return nil
	}
	if ctx.disabled {
		panic(fmt.Sprintf("%v: last reference to a disabled context", ctx))
	}

	rids := ctx.rids()
	for _, r := range rids {
		u.devtab.Slot(int(r)).Invalidate()
	}
	cmds := devtabInvalidations(rids)
	for _, r := range rids {
		cmds = append(cmds, invalidateIRTCmd(r))
	}
	cmds = append(cmds, invalidatePagesCmd(d.id, invAllAddr, true))
	err := u.invalidate(cmds...)

	u.ctxFiniIRTE(ctx)
	u.unlinkLocked(ctx)
	ctx.refs = 0
	ctx.dev = nil
	ctx.tag = iommu.DeviceTag{}
	u.stats.contextsDestroyed.Add(1)
	u.unrefDomainLocked(d)
	if err != nil {
		return fmt.Errorf("%v: %w", ctx, err)
	}
	return nil
}

// MoveContext rebinds ctx to dst, which must be a live domain of the same
// unit. The references ctx holds move with it; the old domain is destroyed if
// that was its last reference.
func (u *Unit) MoveContext(ctx *Context, dst *Domain) error {
	u.mu.Lock()
	if ctx.unit != u || dst.unit != u {
		u.mu.Unlock()
		panic(fmt.Sprintf("%v: moving to domain %d of another unit", ctx, dst.id))
	}
	if ctx.refs < 1 || dst.refs < 1 {
		u.mu.Unlock()
		panic(fmt.Sprintf("%v: move with refs %d to domain %d with refs %d", ctx, ctx.refs, dst.id, dst.refs))
	}
	if ctx.buswide {
		u.mu.Unlock()
		panic(fmt.Sprintf("%v: moving a buswide context", ctx))
	}
	old := ctx.domain
	if old == dst {
		u.mu.Unlock()
		return nil
	}

	extra := ctx.refs - 1
	u.unlinkLocked(ctx)
	dst.refs += extra
	u.linkLocked(ctx, dst)
	old.refs -= extra
	u.programDTELocked(ctx, true)
	if ctx.dev != nil {
		ctx.tag.InitDeviceTag(ctx.dev, dst.End())
	}
	err := u.invalidate(invalidateDevtabCmd(ctx.rid), invalidatePagesCmd(old.id, invAllAddr, true))
	u.unrefDomainLocked(old)
	if err != nil {
		return fmt.Errorf("%v: %w", ctx, err)
	}
	return nil
}

// SetDisabled marks whether ctx must outlive its last FreeContext.
func (u *Unit) SetDisabled(ctx *Context, disabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	ctx.disabled = disabled
}

// Map allocates device addresses for [phys, phys+size) and maps them.
func (c *Context) Map(phys, size uint64, perm Perm) (*gas.Entry, error) {
	d := c.Domain()
	if d.IdentityMapped() {
		return nil, fmt.Errorf("%v: domain %d: %w", c, d.id, iommuerr.ErrIdentityMapped)
	}
	if phys%physmem.PageSize != 0 {
		return nil, fmt.Errorf("%v: unaligned physical address %#x", c, phys)
	}
	e, err := d.AS.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", c, err)
	}
	if err := d.pgtbl.Map(e.Start, phys, e.Size(), perm); err != nil {
		d.AS.Free(e)
		return nil, fmt.Errorf("%v: %w", c, err)
	}
	e.Phys = phys
	e.Flags |= gas.FlagMapped
	return e, nil
}

// Unload unmaps entries returned by Map, after invalidating the hardware
// caches. With async set, the work is queued on the domain unload task.
func (c *Context) Unload(entries []*gas.Entry, async bool) {
	d := c.Domain()
	if async {
		for _, e := range entries {
			e.Flags |= gas.FlagUnloading
		}
	}
	d.Unload(entries, async)
}
