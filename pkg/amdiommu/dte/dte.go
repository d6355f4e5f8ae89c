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

// Package dte encodes and publishes AMD IOMMU device table entries.
//
// A device table entry is 256 bits read by hardware as four little endian
// 64-bit words. Bit 0 of the first word (V) tells the hardware whether the
// rest of the entry is meaningful. Entries are built as plain values with
// Encode and only become visible through Slot.Publish, which sets V after
// every other field is in place.
package dte

import "fmt"

// Size is the size in bytes of one entry.
const Size = 32

// Entry is the raw hardware layout of a device table entry.
type Entry [4]uint64

// field is a bit range [off, off+width) of an Entry. Fields never cross a
// word boundary.
type field struct {
	off   uint
	width uint
}

func (f field) mask() uint64 {
	if f.width == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << f.width) - 1
}

func (f field) get(e *Entry) uint64 {
	return (e[f.off/64] >> (f.off % 64)) & f.mask()
}

func (f field) set(e *Entry, v uint64) {
	if v&^f.mask() != 0 {
		panic(fmt.Sprintf("value %#x does not fit in %d bit field at bit %d", v, f.width, f.off))
	}
	w, s := f.off/64, f.off%64
	e[w] = (e[w] &^ (f.mask() << s)) | (v << s)
}

func (f field) setBool(e *Entry, v bool) {
	if v {
		f.set(e, 1)
	} else {
		f.set(e, 0)
	}
}

// Bit positions, in the 256-bit entry.
var (
	fieldV            = field{0, 1}
	fieldTV           = field{1, 1}
	fieldHAD          = field{7, 2}
	fieldMode         = field{9, 3}
	fieldPTRoot       = field{12, 40}
	fieldPPR          = field{52, 1}
	fieldGPRP         = field{53, 1}
	fieldGIoV         = field{54, 1}
	fieldGV           = field{55, 1}
	fieldGLX          = field{56, 2}
	fieldGCR3Root0    = field{58, 3}
	fieldIR           = field{61, 1}
	fieldIW           = field{62, 1}
	fieldDomainID     = field{64, 16}
	fieldGCR3Root1    = field{80, 16}
	fieldI            = field{96, 1}
	fieldSE           = field{97, 1}
	fieldSA           = field{98, 1}
	fieldIoCtl        = field{99, 2}
	fieldCache        = field{101, 1}
	fieldSD           = field{102, 1}
	fieldEX           = field{103, 1}
	fieldSysMgt       = field{104, 2}
	fieldSATS         = field{106, 1}
	fieldGCR3Root2    = field{107, 21}
	fieldIV           = field{128, 1}
	fieldIntTabLen    = field{129, 4}
	fieldIG           = field{133, 1}
	fieldIntTableRoot = field{134, 46}
	fieldInitPass     = field{184, 1}
	fieldEIntPass     = field{185, 1}
	fieldNMIPass      = field{186, 1}
	fieldHPTMode      = field{187, 1}
	fieldIntCtl       = field{188, 2}
	fieldLint0Pass    = field{190, 1}
	fieldLint1Pass    = field{191, 1}
)

// validBit is V within the first word.
const validBit = uint64(1)

// Paging modes.
const (
	// ModePassthrough disables translation: DMA addresses are physical.
	ModePassthrough = 0
)

// IoCtl values.
const (
	IoCtlDisabled = 0
	IoCtlForward  = 1
	IoCtlMap      = 2
)

// IntCtl values.
const (
	IntCtlAbort   = 0
	IntCtlForward = 1
	IntCtlMap     = 2
)

// Fields is the decoded form of an Entry.
type Fields struct {
	// Valid is reported by Decode. Encode ignores it: V can only be set by
	// Slot.Publish.
	Valid bool

	TV     bool
	HAD    uint8
	Mode   uint8
	PTRoot uint64 // Physical address of the root table, 4 KiB aligned.

	PPR  bool
	GPRP bool
	GIoV bool
	GV   bool
	GLX  uint8

	// GCR3Root is the guest CR3 table physical address, 4 KiB aligned.
	GCR3Root uint64

	IR bool
	IW bool

	DomainID uint16

	I      bool
	SE     bool
	SA     bool
	IoCtl  uint8
	Cache  bool
	SD     bool
	EX     bool
	SysMgt uint8
	SATS   bool

	IV           bool
	IntTabLen    uint8
	IG           bool
	IntTableRoot uint64 // Physical address, 64 byte aligned.

	InitPass  bool
	EIntPass  bool
	NMIPass   bool
	HPTMode   bool
	IntCtl    uint8
	Lint0Pass bool
	Lint1Pass bool
}

// Encode packs f. The V bit of the result is always clear.
func Encode(f Fields) Entry {
	if f.PTRoot&0xfff != 0 {
		panic(fmt.Sprintf("unaligned page table root %#x", f.PTRoot))
	}
	if f.GCR3Root&0xfff != 0 {
		panic(fmt.Sprintf("unaligned gcr3 root %#x", f.GCR3Root))
	}
	if f.IntTableRoot&0x3f != 0 {
		panic(fmt.Sprintf("unaligned interrupt table root %#x", f.IntTableRoot))
	}
	var e Entry
	fieldTV.setBool(&e, f.TV)
	fieldHAD.set(&e, uint64(f.HAD))
	fieldMode.set(&e, uint64(f.Mode))
	fieldPTRoot.set(&e, f.PTRoot>>12)
	fieldPPR.setBool(&e, f.PPR)
	fieldGPRP.setBool(&e, f.GPRP)
	fieldGIoV.setBool(&e, f.GIoV)
	fieldGV.setBool(&e, f.GV)
	fieldGLX.set(&e, uint64(f.GLX))
	gcr3 := f.GCR3Root >> 12
	fieldGCR3Root0.set(&e, gcr3&0x7)
	fieldGCR3Root1.set(&e, (gcr3>>3)&0xffff)
	fieldGCR3Root2.set(&e, gcr3>>19)
	fieldIR.setBool(&e, f.IR)
	fieldIW.setBool(&e, f.IW)
	fieldDomainID.set(&e, uint64(f.DomainID))
	fieldI.setBool(&e, f.I)
	fieldSE.setBool(&e, f.SE)
	fieldSA.setBool(&e, f.SA)
	fieldIoCtl.set(&e, uint64(f.IoCtl))
	fieldCache.setBool(&e, f.Cache)
	fieldSD.setBool(&e, f.SD)
	fieldEX.setBool(&e, f.EX)
	fieldSysMgt.set(&e, uint64(f.SysMgt))
	fieldSATS.setBool(&e, f.SATS)
	fieldIV.setBool(&e, f.IV)
	fieldIntTabLen.set(&e, uint64(f.IntTabLen))
	fieldIG.setBool(&e, f.IG)
	fieldIntTableRoot.set(&e, f.IntTableRoot>>6)
	fieldInitPass.setBool(&e, f.InitPass)
	fieldEIntPass.setBool(&e, f.EIntPass)
	fieldNMIPass.setBool(&e, f.NMIPass)
	fieldHPTMode.setBool(&e, f.HPTMode)
	fieldIntCtl.set(&e, uint64(f.IntCtl))
	fieldLint0Pass.setBool(&e, f.Lint0Pass)
	fieldLint1Pass.setBool(&e, f.Lint1Pass)
	return e
}

// Decode unpacks e.
func (e Entry) Decode() Fields {
	b := func(f field) bool { return f.get(&e) != 0 }
	return Fields{
		Valid:        b(fieldV),
		TV:           b(fieldTV),
		HAD:          uint8(fieldHAD.get(&e)),
		Mode:         uint8(fieldMode.get(&e)),
		PTRoot:       fieldPTRoot.get(&e) << 12,
		PPR:          b(fieldPPR),
		GPRP:         b(fieldGPRP),
		GIoV:         b(fieldGIoV),
		GV:           b(fieldGV),
		GLX:          uint8(fieldGLX.get(&e)),
		GCR3Root:     (fieldGCR3Root0.get(&e) | fieldGCR3Root1.get(&e)<<3 | fieldGCR3Root2.get(&e)<<19) << 12,
		IR:           b(fieldIR),
		IW:           b(fieldIW),
		DomainID:     uint16(fieldDomainID.get(&e)),
		I:            b(fieldI),
		SE:           b(fieldSE),
		SA:           b(fieldSA),
		IoCtl:        uint8(fieldIoCtl.get(&e)),
		Cache:        b(fieldCache),
		SD:           b(fieldSD),
		EX:           b(fieldEX),
		SysMgt:       uint8(fieldSysMgt.get(&e)),
		SATS:         b(fieldSATS),
		IV:           b(fieldIV),
		IntTabLen:    uint8(fieldIntTabLen.get(&e)),
		IG:           b(fieldIG),
		IntTableRoot: fieldIntTableRoot.get(&e) << 6,
		InitPass:     b(fieldInitPass),
		EIntPass:     b(fieldEIntPass),
		NMIPass:      b(fieldNMIPass),
		HPTMode:      b(fieldHPTMode),
		IntCtl:       uint8(fieldIntCtl.get(&e)),
		Lint0Pass:    b(fieldLint0Pass),
		Lint1Pass:    b(fieldLint1Pass),
	}
}

// Valid returns the V bit.
func (e Entry) Valid() bool {
	return e[0]&validBit != 0
}

func (e Entry) String() string {
	return fmt.Sprintf("%016x:%016x:%016x:%016x", e[3], e[2], e[1], e[0])
}

// IVHD device table setting bits, as found in ACPI IVHD device entries.
const (
	HintInitPass  = 0x01
	HintEIntPass  = 0x02
	HintNMIPass   = 0x04
	HintSysMgt    = 0x30
	HintLint0Pass = 0x40
	HintLint1Pass = 0x80

	hintSysMgtShift = 4
)

// ApplyHint sets the passthrough fields encoded in an IVHD setting byte.
func (f *Fields) ApplyHint(hint uint8) {
	f.InitPass = hint&HintInitPass != 0
	f.EIntPass = hint&HintEIntPass != 0
	f.NMIPass = hint&HintNMIPass != 0
	f.SysMgt = (hint & HintSysMgt) >> hintSysMgtShift
	f.Lint0Pass = hint&HintLint0Pass != 0
	f.Lint1Pass = hint&HintLint1Pass != 0
}
