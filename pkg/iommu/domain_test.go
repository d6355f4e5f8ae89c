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

import (
	"sync"
	"testing"

	"gvisor.dev/amdiommu/pkg/iommu/gas"
)

func TestUnloadSync(t *testing.T) {
	var got []*gas.Entry
	var d Domain
	d.Init(1<<20, func(es []*gas.Entry) { got = append(got, es...) })
	e := &gas.Entry{Start: 0x1000, End: 0x2000}
	d.Unload([]*gas.Entry{e}, false)
	if len(got) != 1 || got[0] != e {
		t.Errorf("synchronous unload released %v, want [%v]", got, e)
	}
}

func TestDrainWaitsForUnloadTask(t *testing.T) {
	var (
		mu       sync.Mutex
		released int
		block    = make(chan struct{})
	)
	var d Domain
	d.Init(1<<20, func(es []*gas.Entry) {
		<-block
		mu.Lock()
		released += len(es)
		mu.Unlock()
	})
	d.Unload([]*gas.Entry{{Start: 0x1000, End: 0x2000}}, true)
	d.Unload([]*gas.Entry{{Start: 0x2000, End: 0x3000}, {Start: 0x3000, End: 0x4000}}, true)

	drained := make(chan struct{})
	go func() {
		d.DrainUnloads()
		close(drained)
	}()
	close(block)
	<-drained

	mu.Lock()
	defer mu.Unlock()
	if released != 3 {
		t.Errorf("released %d entries before drain returned, want 3", released)
	}
	d.Fini()
}

func TestSetEndAfterGASPanics(t *testing.T) {
	var d Domain
	d.Init(1<<20, nil)
	d.InitGAS()
	defer func() {
		if recover() == nil {
			t.Errorf("SetEnd after InitGAS did not panic")
		}
	}()
	d.SetEnd(1 << 16)
}

func TestDeviceTag(t *testing.T) {
	var tag DeviceTag
	tag.InitDeviceTag(nil, 1<<48)
	if tag.HighAddr != 1<<48-1 {
		t.Errorf("HighAddr = %#x, want %#x", tag.HighAddr, uint64(1<<48-1))
	}
}
