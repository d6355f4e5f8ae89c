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

// Package amdiommu manages translation contexts and domains of AMD IOMMU
// units.
//
// A Context binds one PCI requester ID to a Domain. A Domain owns a hardware
// domain identifier, an I/O virtual address space and, unless it is identity
// mapped, a page table. Contexts are created on first use by
// GetContextForDevice and are reference counted; the last FreeContext clears
// the device table entry, flushes the hardware caches and destroys the domain
// once no context references it.
//
// Lock ordering:
//
//	Unit.mu
//	  gas.Space.mu
//	  pageTable.mu
//	  physmem.Allocator.mu
//	  idalloc.Allocator.mu
//	  cmdQueue.mu
//
// Domain construction and destruction run without Unit.mu held, except when a
// freshly built domain loses the race to publish its context.
package amdiommu

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/amdiommu/pkg/amdiommu/dte"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
	"gvisor.dev/amdiommu/pkg/idalloc"
	"gvisor.dev/amdiommu/pkg/log"
	"gvisor.dev/amdiommu/pkg/physmem"
)

const (
	// DefaultIRTEntries is the default interrupt remapping table size.
	DefaultIRTEntries = 512

	// DefaultInvalidationTimeout bounds waits for hardware to drain the
	// command queue.
	DefaultInvalidationTimeout = time.Second

	// DefaultMemSize is the default physical memory size, which bounds
	// identity mapped domains.
	DefaultMemSize = 16 << 30

	defaultCmdQueueDepth = 256
	defaultPhysPages     = 1 << 16
	defaultPhysBase      = 1 << 32
	deviceTableEntries   = 1 << 16
	maxDomainID          = 0xffff

	apicWindowStart = 0xfee00000
	apicWindowEnd   = 0xfef00000
)

// Region is a page aligned address range [Start, End).
type Region struct {
	Start uint64
	End   uint64
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}

// Config describes a unit.
type Config struct {
	// Index is the unit number used in logs.
	Index int

	// EFR is the extended feature register.
	EFR uint64

	// IRTEEnabled enables interrupt remapping.
	IRTEEnabled bool

	// IRTEEntries is the interrupt remapping table size, a power of two no
	// larger than 2048. Zero selects DefaultIRTEntries.
	IRTEEntries int

	// X2APIC makes contexts share one unit wide interrupt remapping table.
	X2APIC bool

	// DomainIDMin and DomainIDMax bound hardware domain identifiers,
	// inclusive. Domain 0 is reserved for invalid device table entries, so
	// a DomainIDMin of 0 selects 1. A DomainIDMax of 0 selects 0xffff.
	DomainIDMin uint32
	DomainIDMax uint32

	// MemSize is the size of physical memory, the end of identity mapped
	// domains. Zero selects DefaultMemSize.
	MemSize uint64

	// MaxBusAddr is the end of remapping domains. Zero selects the full
	// 64-bit space.
	MaxBusAddr uint64

	// Exclusions are ranges reserved in every remapping domain, in
	// addition to the local APIC window.
	Exclusions []Region

	// InvalidationTimeout bounds each wait for the command ring: a
	// submission to a full ring, a completion wait and draining on Close.
	// Zero selects DefaultInvalidationTimeout.
	InvalidationTimeout time.Duration

	// CmdQueueDepth is the command ring size. Zero selects 256.
	CmdQueueDepth int

	// Pages provides page table and interrupt table memory. Nil selects a
	// private allocator.
	Pages physmem.PageAllocator

	// Hardware executes queued commands. Nil selects a SimHardware.
	Hardware Hardware

	// Logger receives per domain diagnostics. Nil selects a rate limited
	// logger writing to the global log.
	Logger log.Logger
}

// Unit is one IOMMU unit.
type Unit struct {
	index       int
	efr         uint64
	irteEnabled bool
	irteEntries int
	memSize     uint64
	maxBusAddr  uint64
	exclusions  []Region

	pages  physmem.PageAllocator
	hw     Hardware
	domids *idalloc.Allocator
	devtab *dte.Table
	cmdq   *cmdQueue
	diag   log.Logger

	// unitIRT is the interrupt remapping table shared by all contexts in
	// x2APIC mode.
	unitIRT *irTable

	// faulted is set once the hardware failed to complete invalidations.
	faulted atomic.Bool

	// mu protects the context and domain lists and all reference counts.
	mu sync.Mutex

	// domains holds every published domain, by identifier.
	// +checklocks:mu
	domains map[uint16]*Domain

	// contexts indexes live contexts by requester ID.
	// +checklocks:mu
	contexts map[RID]*Context

	// +checklocks:mu
	closed bool

	stats unitCounters
}

type unitCounters struct {
	domainsCreated    atomic.Uint64
	domainsDestroyed  atomic.Uint64
	contextsCreated   atomic.Uint64
	contextsDestroyed atomic.Uint64
	races             atomic.Uint64
	clamps            atomic.Uint64
	timeouts          atomic.Uint64
}

// NewUnit returns an initialized unit.
func NewUnit(c Config) (*Unit, error) {
	if c.IRTEEntries == 0 {
		c.IRTEEntries = DefaultIRTEntries
	}
	if c.IRTEEntries < 0 || c.IRTEEntries > maxIRTEntries || c.IRTEEntries&(c.IRTEEntries-1) != 0 {
		return nil, fmt.Errorf("interrupt remapping table size %d is not a power of two up to %d", c.IRTEEntries, maxIRTEntries)
	}
	if c.DomainIDMin == 0 {
		c.DomainIDMin = 1
	}
	if c.DomainIDMax == 0 {
		c.DomainIDMax = maxDomainID
	}
	if c.DomainIDMax > maxDomainID || c.DomainIDMin > c.DomainIDMax {
		return nil, fmt.Errorf("invalid domain id range [%d, %d]", c.DomainIDMin, c.DomainIDMax)
	}
	if c.MemSize == 0 {
		c.MemSize = DefaultMemSize
	}
	if c.MaxBusAddr == 0 {
		c.MaxBusAddr = ^uint64(0)
	}
	if c.InvalidationTimeout == 0 {
		c.InvalidationTimeout = DefaultInvalidationTimeout
	}
	if c.CmdQueueDepth == 0 {
		c.CmdQueueDepth = defaultCmdQueueDepth
	}
	if c.Pages == nil {
		c.Pages = physmem.New(defaultPhysBase, defaultPhysPages)
	}
	if c.Hardware == nil {
		c.Hardware = &SimHardware{}
	}
	if c.Logger == nil {
		c.Logger = log.BasicRateLimitedLogger(time.Second)
	}
	for _, r := range c.Exclusions {
		if r.Start%physmem.PageSize != 0 || r.End%physmem.PageSize != 0 || r.Start >= r.End {
			return nil, fmt.Errorf("invalid exclusion range %v", r)
		}
	}

	u := &Unit{
		index:       c.Index,
		efr:         c.EFR,
		irteEnabled: c.IRTEEnabled,
		irteEntries: c.IRTEEntries,
		memSize:     c.MemSize,
		maxBusAddr:  c.MaxBusAddr,
		exclusions:  append([]Region(nil), c.Exclusions...),
		pages:       c.Pages,
		hw:          c.Hardware,
		domids:      idalloc.New(c.DomainIDMin, c.DomainIDMax),
		devtab:      dte.NewTable(deviceTableEntries),
		diag:        c.Logger,
		domains:     make(map[uint16]*Domain),
		contexts:    make(map[RID]*Context),
	}
	if c.IRTEEnabled && c.X2APIC {
		t, err := allocIRTable(c.Pages, c.IRTEEntries, true)
		if err != nil {
			return nil, fmt.Errorf("amdiommu%d: %w", c.Index, err)
		}
		u.unitIRT = t
	}
	if _, ok := hatsLevels(c.EFR); !ok {
		log.Warningf("amdiommu%d: EFR %#x reports reserved HATS encoding", c.Index, c.EFR)
	}
	u.cmdq = newCmdQueue(c.Hardware, c.CmdQueueDepth, c.InvalidationTimeout)
	log.Infof("amdiommu%d: domain ids [%d, %d], irte %t (%d entries, x2apic %t)", c.Index, c.DomainIDMin, c.DomainIDMax, c.IRTEEnabled, c.IRTEEntries, c.X2APIC)
	return u, nil
}

// Index returns the unit number.
func (u *Unit) Index() int {
	return u.index
}

// DeviceTable returns the unit device table.
func (u *Unit) DeviceTable() *dte.Table {
	return u.devtab
}

// Faulted returns whether the unit stopped accepting new contexts after a
// hardware fault.
func (u *Unit) Faulted() bool {
	return u.faulted.Load()
}

// fault marks the unit as faulted after err.
func (u *Unit) fault(err error) {
	u.stats.timeouts.Add(1)
	if !u.faulted.Swap(true) {
		log.Warningf("amdiommu%d: %v; unit marked faulted, page table memory of destroyed domains is leaked", u.index, err)
	}
}

// invalidate queues cmds and waits until the hardware has executed them. A
// faulted unit queues nothing. A ring that stays full or a completion wait
// that is not acknowledged within the timeout faults the unit.
func (u *Unit) invalidate(cmds ...Command) error {
	if u.faulted.Load() {
		return fmt.Errorf("amdiommu%d: invalidation skipped: %w", u.index, iommuerr.ErrUnitFaulted)
	}
	if err := u.cmdq.flush(cmds); err != nil {
		u.fault(err)
		return err
	}
	return nil
}

// queueInvalidations queues cmds without waiting for them to execute.
func (u *Unit) queueInvalidations(cmds ...Command) {
	if u.faulted.Load() {
		return
	}
	if err := u.cmdq.submitAll(cmds); err != nil {
		u.fault(err)
	}
}

// Close stops the command queue and releases unit resources. All contexts
// must have been freed.
func (u *Unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	if n := len(u.contexts); n != 0 {
		return fmt.Errorf("amdiommu%d: %d contexts live: %w", u.index, n, iommuerr.ErrBusy)
	}
	u.closed = true
	if !u.cmdq.close() {
		log.Warningf("amdiommu%d: hardware did not drain the command ring within %v", u.index, u.cmdq.timeout)
	}
	if u.unitIRT != nil {
		u.unitIRT.free(u.pages)
		u.unitIRT = nil
	}
	return nil
}

// FindContext returns the live context for rid, or nil.
func (u *Unit) FindContext(rid RID) *Context {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.findLocked(rid)
}

// +checklocks:u.mu
func (u *Unit) findLocked(rid RID) *Context {
	return u.contexts[rid]
}

// Stats is a snapshot of unit state.
type Stats struct {
	Domains           int
	Contexts          int
	DomainIDsInUse    int
	DomainsCreated    uint64
	DomainsDestroyed  uint64
	ContextsCreated   uint64
	ContextsDestroyed uint64
	Races             uint64
	Clamps            uint64
	Timeouts          uint64
	CommandsSubmitted uint64
	Faulted           bool
}

// Stats returns a snapshot of unit state.
func (u *Unit) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{
		Domains:           len(u.domains),
		Contexts:          len(u.contexts),
		DomainIDsInUse:    u.domids.InUse(),
		DomainsCreated:    u.stats.domainsCreated.Load(),
		DomainsDestroyed:  u.stats.domainsDestroyed.Load(),
		ContextsCreated:   u.stats.contextsCreated.Load(),
		ContextsDestroyed: u.stats.contextsDestroyed.Load(),
		Races:             u.stats.races.Load(),
		Clamps:            u.stats.clamps.Load(),
		Timeouts:          u.stats.timeouts.Load(),
		CommandsSubmitted: u.cmdq.submitted.Load(),
		Faulted:           u.faulted.Load(),
	}
}

// DomainInfo describes a published domain.
type DomainInfo struct {
	ID             uint16
	PgLevel        int
	End            uint64
	IdentityMapped bool
	Refs           int
	Contexts       []RID
}

// Domains returns the published domains ordered by identifier.
func (u *Unit) Domains() []DomainInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	infos := make([]DomainInfo, 0, len(u.domains))
	for _, d := range u.domains {
		info := DomainInfo{
			ID:             d.id,
			PgLevel:        d.pglvl,
			End:            d.End(),
			IdentityMapped: d.IdentityMapped(),
			Refs:           d.refs,
		}
		for _, ctx := range d.contexts {
			info.Contexts = append(info.Contexts, ctx.rid)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
