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

	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
)

// RID is a PCI requester ID, bus in bits 15:8 and devfn in bits 7:0. It
// indexes the device table.
type RID uint16

// MakeRID returns the requester ID of bus:slot.fn.
func MakeRID(bus, slot, fn uint8) RID {
	if slot > 0x1f || fn > 7 {
		panic(fmt.Sprintf("invalid pci address %02x:%02x.%x", bus, slot, fn))
	}
	return RID(bus)<<8 | RID(slot)<<3 | RID(fn)
}

// ParseRID parses a requester ID in bb:ss.f form.
func ParseRID(s string) (RID, error) {
	var bus, slot, fn uint8
	if _, err := fmt.Sscanf(s, "%02x:%02x.%x", &bus, &slot, &fn); err != nil {
		return 0, fmt.Errorf("parsing pci address %q: %w", s, err)
	}
	if slot > 0x1f || fn > 7 {
		return 0, fmt.Errorf("pci address %q out of range", s)
	}
	return MakeRID(bus, slot, fn), nil
}

// Bus returns the bus number.
func (r RID) Bus() uint8 { return uint8(r >> 8) }

// Slot returns the device number on the bus.
func (r RID) Slot() uint8 { return uint8(r>>3) & 0x1f }

// Func returns the function number.
func (r RID) Func() uint8 { return uint8(r) & 7 }

func (r RID) String() string {
	return fmt.Sprintf("%02x:%02x.%x", r.Bus(), r.Slot(), r.Func())
}

// Device is a DMA capable device as seen by the IOMMU driver.
type Device struct {
	// Name identifies the device in logs.
	Name string

	// RID is the requester ID of the device itself. Devices behind a
	// bridge translate through the bridge's context, so the RID passed to
	// GetContextForDevice may differ.
	RID RID

	// Hint is the IVHD device setting byte for the device.
	Hint uint8

	// Buswide requests a context covering every devfn on the bus.
	Buswide bool
}

func (d *Device) String() string {
	if d.Name != "" {
		return fmt.Sprintf("%s (%v)", d.Name, d.RID)
	}
	return d.RID.String()
}

// Resolver finds the unit translating a device and the requester ID its
// context is keyed by.
type Resolver interface {
	FindUnit(dev *Device) (*Unit, RID, error)
}

// GetContext resolves dev through r and returns its context.
func GetContext(r Resolver, dev *Device, idMapped bool) (*Context, error) {
	u, rid, err := r.FindUnit(dev)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("device %v: %w", dev, iommuerr.ErrNoUnit)
	}
	return u.GetContextForDevice(dev, rid, idMapped)
}
