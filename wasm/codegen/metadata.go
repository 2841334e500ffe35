// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"fmt"
	"math"
	"sort"

	"github.com/helixvm/helix/wasm/module"
	"github.com/helixvm/helix/wasm/types"
)

// Global-data slot sizes. Each instance gets one FuncImportTLS per import
// and one TableTLS per table.
const (
	ptrSize           = 8
	funcImportTLSSize = 3 * ptrSize // code, jit-code, tls
	tableTLSSize      = 2 * ptrSize // length, base
	sigIDSlotSize     = ptrSize
)

// maybeOffset is an empty-or-filled code offset with a duplicate-write
// check. The set-once slots of the link data and metadata use it.
type maybeOffset struct {
	off uint32
	set bool
}

func (m *maybeOffset) init(off uint32) {
	if m.set {
		panic("set-once code offset written twice")
	}
	m.off = off
	m.set = true
}

// Value returns the offset, which must have been set.
func (m *maybeOffset) Value() uint32 {
	if !m.set {
		panic("set-once code offset read before write")
	}
	return m.off
}

// IsSet reports whether the offset has been assigned.
func (m *maybeOffset) IsSet() bool {
	return m.set
}

// FuncExport records one externally-callable function.
type FuncExport struct {
	Sig         types.FuncType
	FuncIndex   uint32
	entryOffset maybeOffset
	// CodeRangeIndex is filled at finalization once every function has a
	// code range.
	CodeRangeIndex uint32
}

// InitEntryOffset assigns the entry thunk offset. Written once, during stub
// merge.
func (fe *FuncExport) InitEntryOffset(off uint32) {
	fe.entryOffset.init(off)
}

// EntryOffset returns the entry thunk offset.
func (fe *FuncExport) EntryOffset() uint32 {
	return fe.entryOffset.Value()
}

// FuncImport records one imported function and its per-instance global-data
// slot.
type FuncImport struct {
	Sig              types.FuncType
	GlobalDataOffset uint32
	interpExitOffset maybeOffset
	jitExitOffset    maybeOffset
}

// InitInterpExitOffset assigns the generic exit stub offset.
func (fi *FuncImport) InitInterpExitOffset(off uint32) {
	fi.interpExitOffset.init(off)
}

// InitJitExitOffset assigns the fast exit stub offset.
func (fi *FuncImport) InitJitExitOffset(off uint32) {
	fi.jitExitOffset.init(off)
}

// InterpExitOffset returns the generic exit stub offset.
func (fi *FuncImport) InterpExitOffset() uint32 {
	return fi.interpExitOffset.Value()
}

// JitExitOffset returns the fast exit stub offset.
func (fi *FuncImport) JitExitOffset() uint32 {
	return fi.jitExitOffset.Value()
}

// MetadataTier holds the metadata produced for one compiler tier.
type MetadataTier struct {
	Tier module.Tier

	CodeRanges     []CodeRange
	CallSites      []CallSite
	MemoryAccesses []MemoryAccess

	FuncImports []FuncImport
	FuncExports []FuncExport

	// DebugTrapFarJumpOffsets are the island offsets serving debug sites,
	// ascending.
	DebugTrapFarJumpOffsets []uint32

	// DebugFuncToCodeRange is retained only for debug-enabled modules.
	DebugFuncToCodeRange []uint32
}

// LookupFuncExport returns the export entry for funcIndex. Exports are
// appended in ascending index order, so a binary search suffices.
func (mt *MetadataTier) LookupFuncExport(funcIndex uint32) *FuncExport {
	i := sort.Search(len(mt.FuncExports), func(i int) bool {
		return mt.FuncExports[i].FuncIndex >= funcIndex
	})
	if i == len(mt.FuncExports) || mt.FuncExports[i].FuncIndex != funcIndex {
		panic(fmt.Sprintf("no func export for function %d", funcIndex))
	}
	return &mt.FuncExports[i]
}

// SigWithID pairs an interned signature with its runtime id.
type SigWithID struct {
	Sig types.FuncType
	ID  types.SigID
}

// Metadata holds the module-wide metadata shared across tiers.
type Metadata struct {
	SigIDs  []SigWithID
	Globals []module.GlobalDesc
	Tables  []module.TableDesc

	GlobalDataLength uint32

	MemoryUsage     module.MemoryUsage
	MinMemoryLength uint32
	MaxMemoryLength uint32

	StartFuncIndex *uint32

	Filename       string
	SourceMapURL   string
	CustomSections []module.CustomSection

	DebugEnabled         bool
	DebugFuncArgTypes    [][]types.ValType
	DebugFuncReturnTypes [][]types.ValType
	DebugHash            [20]byte
}

// AllocateGlobalBytes reserves bytes of global data at the given alignment
// and returns the allocation's offset.
func (md *Metadata) AllocateGlobalBytes(bytes, align uint32) (uint32, error) {
	length := uint64(md.GlobalDataLength)
	length += (uint64(align) - length%uint64(align)) % uint64(align)

	offset := length
	length += uint64(bytes)
	if length > math.MaxUint32 {
		return 0, errOutOfMemory
	}

	md.GlobalDataLength = uint32(length)
	return uint32(offset), nil
}

// InternalLink names a word that must receive the final offset of another
// location in the same segment.
type InternalLink struct {
	PatchAtOffset uint32
	TargetOffset  uint32
}

// LinkData carries everything the code-segment publisher needs to finish
// the segment: set-once stub offsets, internal links, and the per-builtin
// patch lists.
type LinkData struct {
	outOfBoundsOffset     maybeOffset
	unalignedAccessOffset maybeOffset
	interruptOffset       maybeOffset

	InternalLinks []InternalLink
	SymbolicLinks [SymLimit][]uint32
}

// InitOutOfBoundsOffset assigns the out-of-bounds stub offset.
func (ld *LinkData) InitOutOfBoundsOffset(off uint32) { ld.outOfBoundsOffset.init(off) }

// InitUnalignedAccessOffset assigns the unaligned-access stub offset.
func (ld *LinkData) InitUnalignedAccessOffset(off uint32) { ld.unalignedAccessOffset.init(off) }

// InitInterruptOffset assigns the interrupt stub offset.
func (ld *LinkData) InitInterruptOffset(off uint32) { ld.interruptOffset.init(off) }

// OutOfBoundsOffset returns the out-of-bounds stub offset.
func (ld *LinkData) OutOfBoundsOffset() uint32 { return ld.outOfBoundsOffset.Value() }

// UnalignedAccessOffset returns the unaligned-access stub offset.
func (ld *LinkData) UnalignedAccessOffset() uint32 { return ld.unalignedAccessOffset.Value() }

// InterruptOffset returns the interrupt stub offset.
func (ld *LinkData) InterruptOffset() uint32 { return ld.interruptOffset.Value() }
