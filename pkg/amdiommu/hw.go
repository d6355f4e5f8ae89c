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
	"sync/atomic"
)

// Command opcodes, bits 63:60 of the first command quadword.
const (
	CmdCompletionWait           = 0x01
	CmdInvalidateDevtabEntry    = 0x02
	CmdInvalidateIOMMUPages     = 0x03
	CmdInvalidateInterruptTable = 0x05
)

const (
	cmdOpcodeShift = 60

	// Bits of the second quadword of INVALIDATE_IOMMU_PAGES.
	invSize = 1 << 0
	invPDE  = 1 << 1

	// invAllAddr together with invSize invalidates every page of a domain.
	invAllAddr = 0x7ffffffffffff000

	// cwStore requests a store of the second quadword on completion.
	cwStore = 1 << 0
)

// Command is a 128-bit command queue entry.
type Command [2]uint64

// Opcode returns the command opcode.
func (c Command) Opcode() uint8 {
	return uint8(c[0] >> cmdOpcodeShift)
}

// DeviceID returns the device identifier of a device table or interrupt table
// invalidation.
func (c Command) DeviceID() uint16 {
	return uint16(c[0])
}

// DomainID returns the domain of a page invalidation.
func (c Command) DomainID() uint16 {
	return uint16(c[0] >> 32)
}

// Address returns the address field of a page invalidation, size and PDE
// bits cleared.
func (c Command) Address() uint64 {
	return c[1] &^ 0xfff
}

// StoreData returns the value a completion wait stores.
func (c Command) StoreData() uint64 {
	return c[1]
}

func (c Command) String() string {
	switch c.Opcode() {
	case CmdCompletionWait:
		return fmt.Sprintf("COMPLETION_WAIT seq=%d", c.StoreData())
	case CmdInvalidateDevtabEntry:
		return fmt.Sprintf("INVALIDATE_DEVTAB_ENTRY id=%#x", c.DeviceID())
	case CmdInvalidateIOMMUPages:
		return fmt.Sprintf("INVALIDATE_IOMMU_PAGES dom=%d addr=%#x s=%t", c.DomainID(), c.Address(), c[1]&invSize != 0)
	case CmdInvalidateInterruptTable:
		return fmt.Sprintf("INVALIDATE_INTERRUPT_TABLE id=%#x", c.DeviceID())
	default:
		return fmt.Sprintf("command %#x:%#x", c[0], c[1])
	}
}

func invalidateDevtabCmd(rid RID) Command {
	return Command{CmdInvalidateDevtabEntry<<cmdOpcodeShift | uint64(rid), 0}
}

func invalidateIRTCmd(rid RID) Command {
	return Command{CmdInvalidateInterruptTable<<cmdOpcodeShift | uint64(rid), 0}
}

func invalidatePagesCmd(domid uint16, addr uint64, s bool) Command {
	c := Command{CmdInvalidateIOMMUPages<<cmdOpcodeShift | uint64(domid)<<32, addr | invPDE}
	if s {
		c[1] |= invSize
	}
	return c
}

func completionWaitCmd(seq uint64) Command {
	return Command{CmdCompletionWait<<cmdOpcodeShift | cwStore, seq}
}

// Hardware executes commands fetched from the command queue. Execute is
// called from a single goroutine in queue order and may block, which models
// a unit that stopped processing its queue.
type Hardware interface {
	Execute(cmd Command)
}

// SimHardware is a Hardware that completes every command immediately and
// counts them by opcode.
type SimHardware struct {
	counts [16]atomic.Uint64
}

// Execute implements Hardware.Execute.
func (h *SimHardware) Execute(cmd Command) {
	h.counts[cmd.Opcode()&0xf].Add(1)
}

// Count returns how many commands with opcode op were executed.
func (h *SimHardware) Count(op uint8) uint64 {
	return h.counts[op&0xf].Load()
}

// StallingHardware is a SimHardware whose command processing can be stopped.
// While stalled, Execute blocks until Resume is called.
type StallingHardware struct {
	SimHardware

	mu      sync.Mutex
	stalled bool
	resume  chan struct{}
}

// Stall makes subsequent commands block.
func (h *StallingHardware) Stall() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stalled {
		h.stalled = true
		h.resume = make(chan struct{})
	}
}

// Resume releases blocked and future commands.
func (h *StallingHardware) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stalled {
		h.stalled = false
		close(h.resume)
	}
}

// Execute implements Hardware.Execute.
func (h *StallingHardware) Execute(cmd Command) {
	h.mu.Lock()
	stalled, resume := h.stalled, h.resume
	h.mu.Unlock()
	if stalled {
		<-resume
	}
	h.SimHardware.Execute(cmd)
}
