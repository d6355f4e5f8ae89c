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

// Package iommuerr contains the recoverable errors returned by the IOMMU
// domain and context managers.
//
// Programming errors (double frees, refcount underflow, overwriting a valid
// device table entry) are not represented here: they panic at the point of
// detection.
package iommuerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/amdiommu/pkg/errors"
)

var (
	// ErrResourceExhausted is returned when no hardware domain identifier is
	// available.
	ErrResourceExhausted = errors.New(unix.ENOSPC, "no domain ids available")

	// ErrAllocationFailure is returned when memory, page table or address
	// space allocation fails.
	ErrAllocationFailure = errors.New(unix.ENOMEM, "iommu allocation failed")

	// ErrInvalidationTimeout is returned when the hardware did not
	// acknowledge queued invalidations in time.
	ErrInvalidationTimeout = errors.New(unix.ETIMEDOUT, "invalidation queue wait timed out")

	// ErrUnitFaulted is returned by a unit that stopped accepting new
	// allocations after a hardware fault.
	ErrUnitFaulted = errors.New(unix.EIO, "iommu unit is faulted")

	// ErrIdentityMapped is returned for operations that require a remapping
	// domain.
	ErrIdentityMapped = errors.New(unix.EINVAL, "domain is identity mapped")

	// ErrNoUnit is returned when no IOMMU unit translates a device.
	ErrNoUnit = errors.New(unix.ENODEV, "no iommu unit for device")

	// ErrBusy is returned when tearing down a unit that still has live
	// contexts.
	ErrBusy = errors.New(unix.EBUSY, "iommu unit has live contexts")
)

// ToErrno returns the errno of the first *errors.Error in err's chain, or
// EIO if there is none.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return unix.EIO
}
