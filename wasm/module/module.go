// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package module defines the parsed-module environment consumed by the code
// generator.
package module

import (
	"github.com/helixvm/helix/wasm/types"
)

// Tier identifies the compiler that produces a code range.
type Tier int

// Compiler tiers.
const (
	TierBaseline Tier = iota
	TierIon
)

func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierIon:
		return "ion"
	}
	return "unknown"
}

// CompileMode distinguishes one-shot compilation from the two tiering
// phases.
type CompileMode int

// Compile modes.
const (
	CompileOnce CompileMode = iota
	CompileTier1
	CompileTier2
)

// DefinitionKind enumerates the kinds of definitions that can be imported or
// exported.
type DefinitionKind int

// Definition kinds.
const (
	FunctionKind DefinitionKind = iota
	TableKind
	MemoryKind
	GlobalKind
)

// Import names one imported definition.
type Import struct {
	Module string
	Field  string
	Kind   DefinitionKind
}

// Export names one exported definition.
type Export struct {
	Field string
	Kind  DefinitionKind
	Index uint32
}

// Limits bounds a table or memory.
type Limits struct {
	Initial uint32
	Maximum *uint32
}

// TableDesc describes one table. External tables expose their elements to
// other modules, which makes every element function exported.
type TableDesc struct {
	External         bool
	Limits           Limits
	GlobalDataOffset uint32
}

// GlobalDesc describes one global variable.
type GlobalDesc struct {
	Type     types.ValType
	Mutable  bool
	Constant bool
	Offset   uint32
}

// ElemSegment seeds a table region with function indices. The per-tier code
// range indices are populated at module finalization, once every function
// has a code range.
type ElemSegment struct {
	TableIndex       uint32
	Offset           uint32
	FuncIndices      []uint32
	CodeRangeIndices map[Tier][]uint32
}

// DataSegment seeds linear memory.
type DataSegment struct {
	Offset uint32
	Bytes  []byte
}

// MemoryUsage describes whether and how the module touches linear memory.
type MemoryUsage int

// Memory usage values.
const (
	MemoryNone MemoryUsage = iota
	MemoryUnshared
	MemoryShared
)

// CustomSection carries an uninterpreted named section.
type CustomSection struct {
	Name  string
	Bytes []byte
}

// Environment is the parser's output: everything the code generator needs
// to know about the module besides the function bodies.
type Environment struct {
	Sigs     []types.FuncType
	FuncSigs []uint32 // function index -> signature index, imports first

	NumFuncImports              uint32
	FuncImportGlobalDataOffsets []uint32

	Imports      []Import
	Exports      []Export
	Tables       []TableDesc
	Globals      []GlobalDesc
	ElemSegments []ElemSegment
	DataSegments []DataSegment

	MemoryUsage     MemoryUsage
	MinMemoryLength uint32
	MaxMemoryLength uint32

	StartFuncIndex *uint32

	Filename       string
	SourceMapURL   string
	CustomSections []CustomSection

	Debug bool
	Tier  Tier
	Mode  CompileMode
}

// NumFuncs returns the total function count, imports included.
func (e *Environment) NumFuncs() uint32 {
	return uint32(len(e.FuncSigs))
}

// NumFuncDefs returns the count of functions defined in this module.
func (e *Environment) NumFuncDefs() uint32 {
	return uint32(len(e.FuncSigs)) - e.NumFuncImports
}

// IsImport reports whether funcIndex names an imported function.
func (e *Environment) IsImport(funcIndex uint32) bool {
	return funcIndex < e.NumFuncImports
}

// FuncSig returns the signature of the function at funcIndex.
func (e *Environment) FuncSig(funcIndex uint32) types.FuncType {
	return e.Sigs[e.FuncSigs[funcIndex]]
}

// DebugEnabled reports whether debugging instrumentation is requested.
func (e *Environment) DebugEnabled() bool {
	return e.Debug
}
