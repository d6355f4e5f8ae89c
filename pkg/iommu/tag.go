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

package iommu

import "fmt"

// Device is a DMA capable device that may be bound to a translation context.
type Device interface {
	fmt.Stringer
}

// DeviceTag describes the DMA constraints of the device owning a context.
type DeviceTag struct {
	// Owner is the device that first attached to the context.
	Owner Device

	// LowAddr and HighAddr bound the device visible addresses, inclusive.
	LowAddr  uint64
	HighAddr uint64

	// MaxSegSize is the largest single mapping.
	MaxSegSize uint64
}

// InitDeviceTag fills t for owner in a domain whose addresses end at end.
func (t *DeviceTag) InitDeviceTag(owner Device, end uint64) {
	t.Owner = owner
	t.LowAddr = 0
	t.HighAddr = end - 1
	t.MaxSegSize = end
}

func (t *DeviceTag) String() string {
	owner := "<none>"
	if t.Owner != nil {
		owner = t.Owner.String()
	}
	return fmt.Sprintf("tag{owner %s, [%#x, %#x]}", owner, t.LowAddr, t.HighAddr)
}
