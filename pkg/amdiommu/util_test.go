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
	"strings"
	"sync"
	"testing"

	"gvisor.dev/amdiommu/pkg/amdiommu/dte"
	"gvisor.dev/amdiommu/pkg/log"
	"gvisor.dev/amdiommu/pkg/physmem"
)

// hats6 is an EFR advertising six level page tables.
const hats6 = 2 << EFRHATSShift

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) add(level, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Debugf(format string, v ...any)   { l.add("D", format, v...) }
func (l *recordingLogger) Infof(format string, v ...any)    { l.add("I", format, v...) }
func (l *recordingLogger) Warningf(format string, v ...any) { l.add("W", format, v...) }
func (l *recordingLogger) IsLogging(log.Level) bool         { return true }

func (l *recordingLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

type recordingHardware struct {
	mu   sync.Mutex
	cmds []Command
}

func (h *recordingHardware) Execute(cmd Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
}

func (h *recordingHardware) commands() []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Command(nil), h.cmds...)
}

// mustNewUnit returns a unit backed by a private page allocator, which is
// also returned.
func mustNewUnit(t *testing.T, c Config) (*Unit, *physmem.Allocator) {
	t.Helper()
	if c.Pages == nil {
		c.Pages = physmem.New(1<<32, 4096)
	}
	if c.Logger == nil {
		c.Logger = &recordingLogger{}
	}
	u, err := NewUnit(c)
	if err != nil {
		t.Fatalf("NewUnit failed: %v", err)
	}
	pages, _ := c.Pages.(*physmem.Allocator)
	return u, pages
}

// newTestUnit is mustNewUnit with the unit closed at the end of the test.
func newTestUnit(t *testing.T, c Config) (*Unit, *physmem.Allocator) {
	t.Helper()
	u, pages := mustNewUnit(t, c)
	t.Cleanup(func() {
		if err := u.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return u, pages
}

func mustGet(t *testing.T, u *Unit, dev *Device, idMapped bool) *Context {
	t.Helper()
	ctx, err := u.GetContextForDevice(dev, dev.RID, idMapped)
	if err != nil {
		t.Fatalf("GetContextForDevice(%v) failed: %v", dev, err)
	}
	return ctx
}

func mustFree(t *testing.T, u *Unit, ctx *Context) {
	t.Helper()
	if err := u.FreeContext(ctx); err != nil {
		t.Fatalf("FreeContext(%v) failed: %v", ctx, err)
	}
}

func dteFields(u *Unit, rid RID) dte.Fields {
	return u.DeviceTable().Slot(int(rid)).Load().Decode()
}

func expectPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	f()
}
