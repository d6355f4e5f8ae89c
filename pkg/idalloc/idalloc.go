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

// Package idalloc provides a bounded unique integer allocator, used to hand
// out hardware domain identifiers.
package idalloc

import (
	"fmt"
	"sync"

	"gvisor.dev/amdiommu/pkg/bitmap"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
)

// Allocator hands out integers in the inclusive range [min, max]. It is safe
// for concurrent use.
type Allocator struct {
	min uint32
	max uint32

	mu sync.Mutex

	// used tracks allocated identifiers, offset by min.
	// +checklocks:mu
	used bitmap.Bitmap

	// hint is where the next search starts. Rotating the start point delays
	// reuse of a just released identifier.
	// +checklocks:mu
	hint uint32
}

// New returns an allocator for [min, max].
func New(min, max uint32) *Allocator {
	if max < min {
		panic(fmt.Sprintf("invalid id range [%d, %d]", min, max))
	}
	return &Allocator{
		min:  min,
		max:  max,
		used: bitmap.New(max - min + 1),
	}
}

// Alloc returns an unused identifier, or iommuerr.ErrResourceExhausted.
func (a *Allocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bit, ok := a.used.FirstZero(a.hint)
	if !ok {
		bit, ok = a.used.FirstZero(0)
	}
	if !ok {
		return 0, iommuerr.ErrResourceExhausted
	}
	a.used.Add(bit)
	a.hint = bit + 1
	if a.hint >= a.used.Size() {
		a.hint = 0
	}
	return a.min + bit, nil
}

// Free releases id. Releasing an identifier that is not allocated panics.
func (a *Allocator) Free(id uint32) {
	if id < a.min || id > a.max {
		panic(fmt.Sprintf("freeing id %d outside of [%d, %d]", id, a.min, a.max))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	bit := id - a.min
	if !a.used.IsSet(bit) {
		panic(fmt.Sprintf("double free of id %d", id))
	}
	a.used.Remove(bit)
}

// InUse returns the number of allocated identifiers.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.used.Count())
}

// Allocated returns whether id is currently allocated.
func (a *Allocator) Allocated(id uint32) bool {
	if id < a.min || id > a.max {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.IsSet(id - a.min)
}

// Range returns the bounds of the allocator.
func (a *Allocator) Range() (min, max uint32) {
	return a.min, a.max
}
