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

package dte

import (
	"fmt"
	"sync/atomic"
)

// Slot is one hardware visible device table entry.
//
// Words are accessed atomically so that a concurrent reader (the hardware, or
// Load) observes V=1 only after every other word has been stored. Writers
// are serialized by the caller.
type Slot struct {
	w [4]atomic.Uint64

	// gen counts word stores. It is bumped after every store.
	gen atomic.Uint64
}

// writeHook, if set, is called after each store of a publish or invalidate
// sequence. It is used by tests to observe intermediate states.
var writeHook func(s *Slot, step int)

func (s *Slot) stored(step int) {
	s.gen.Add(1)
	if writeHook != nil {
		writeHook(s, step)
	}
}

// Valid returns the V bit.
func (s *Slot) Valid() bool {
	return s.w[0].Load()&validBit != 0
}

// Load returns a snapshot of the entry. The words are reread until no store
// was counted while they were read, so the snapshot is a state the slot
// actually held. It may be an intermediate state of a write, which is
// never valid unless complete.
func (s *Slot) Load() Entry {
	for {
		g := s.gen.Load()
		var e Entry
		for i := range e {
			e[i] = s.w[i].Load()
		}
		if s.gen.Load() == g {
			return e
		}
	}
}

// Publish stores e and then marks the slot valid. Publishing into a valid
// slot panics: a live entry is never overwritten in place.
func (s *Slot) Publish(e Entry) {
	if e.Valid() {
		panic(fmt.Sprintf("publishing pre-validated entry %v", e))
	}
	if s.Valid() {
		panic(fmt.Sprintf("publishing over valid entry %v", s.Load()))
	}
	step := 0
	for i := len(e) - 1; i >= 0; i-- {
		s.w[i].Store(e[i])
		s.stored(step)
		step++
	}
	// Atomic stores are sequentially consistent: every field above is
	// visible before V.
	s.w[0].Or(validBit)
	s.stored(step)
}

// Invalidate clears V and then the remaining fields.
func (s *Slot) Invalidate() {
	s.w[0].And(^validBit)
	s.stored(0)
	for i := len(s.w) - 1; i >= 0; i-- {
		s.w[i].Store(0)
		s.stored(len(s.w) - i)
	}
}

// Replace invalidates the slot and publishes e in its place.
func (s *Slot) Replace(e Entry) {
	s.Invalidate()
	s.Publish(e)
}

// Table is a device table indexed by routing ID.
type Table struct {
	slots []Slot
}

// NewTable returns a table of n invalid entries.
func NewTable(n int) *Table {
	return &Table{slots: make([]Slot, n)}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.slots)
}

// Slot returns entry i.
func (t *Table) Slot(i int) *Slot {
	return &t.slots[i]
}
