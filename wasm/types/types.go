// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package types contains the value and function types used by the module
// code generator.
package types

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ValType represents a wasm value type.
type ValType byte

// Value types.
const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

// Width returns the byte width of a value of this type.
func (t ValType) Width() uint32 {
	switch t {
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	}
	panic("unknown value type")
}

func (t ValType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return "???"
}

// FuncType describes a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports structural equality.
func (ft FuncType) Equal(other FuncType) bool {
	if len(ft.Params) != len(other.Params) || len(ft.Results) != len(other.Results) {
		return false
	}
	for i := range ft.Params {
		if ft.Params[i] != other.Params[i] {
			return false
		}
	}
	for i := range ft.Results {
		if ft.Results[i] != other.Results[i] {
			return false
		}
	}
	return true
}

// Hash returns a structural hash of the signature. Structurally equal
// signatures hash identically.
func (ft FuncType) Hash() uint64 {
	d := xxhash.New()
	buf := make([]byte, 0, len(ft.Params)+len(ft.Results)+2)
	buf = append(buf, byte(len(ft.Params)))
	for _, p := range ft.Params {
		buf = append(buf, byte(p))
	}
	buf = append(buf, byte(len(ft.Results)))
	for _, r := range ft.Results {
		buf = append(buf, byte(r))
	}
	_, _ = d.Write(buf)
	return d.Sum64()
}

// Clone returns a deep copy of the signature.
func (ft FuncType) Clone() FuncType {
	cp := FuncType{
		Params:  make([]ValType, len(ft.Params)),
		Results: make([]ValType, len(ft.Results)),
	}
	copy(cp.Params, ft.Params)
	copy(cp.Results, ft.Results)
	return cp
}

func (ft FuncType) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range ft.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.String())
	}
	sb.WriteString(") -> (")
	for i, r := range ft.Results {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// SigIDKind discriminates the two signature id encodings.
type SigIDKind byte

// Signature id kinds.
const (
	SigIDNone SigIDKind = iota
	// SigIDImmediate ids encode the signature shape inline.
	SigIDImmediate
	// SigIDGlobal ids name a shared global-data slot.
	SigIDGlobal
)

// SigID is the runtime token compared by call-indirect type checks.
// Small signatures are encoded immediately; larger ones get a global-data
// slot shared by all structurally equal signatures.
type SigID struct {
	Kind             SigIDKind
	Immediate        uint32
	GlobalDataOffset uint32
}

// maxImmediateTypes bounds the signature shapes an immediate id can encode.
const maxImmediateTypes = 4

// IsGlobal reports whether the signature needs a global-form id.
func IsGlobal(ft FuncType) bool {
	return len(ft.Params)+len(ft.Results) > maxImmediateTypes || len(ft.Results) > 1
}

// ImmediateSigID derives the inline id for a small signature. The encoding
// packs 3 bits per type plus the param count; it only exists to give
// structurally equal small signatures equal tokens.
func ImmediateSigID(ft FuncType) SigID {
	if IsGlobal(ft) {
		panic("signature not eligible for immediate id")
	}

	encode := func(t ValType) uint32 {
		switch t {
		case I32:
			return 1
		case I64:
			return 2
		case F32:
			return 3
		case F64:
			return 4
		}
		panic("unknown value type")
	}

	id := uint32(len(ft.Params))
	for _, p := range ft.Params {
		id = id<<3 | encode(p)
	}
	id <<= 3
	if len(ft.Results) == 1 {
		id |= encode(ft.Results[0])
	}

	// Tag bit distinguishes immediate ids from global-data offsets.
	return SigID{Kind: SigIDImmediate, Immediate: id<<1 | 1}
}

// GlobalSigID names the shared global-data slot at offset.
func GlobalSigID(globalDataOffset uint32) SigID {
	return SigID{Kind: SigIDGlobal, GlobalDataOffset: globalDataOffset}
}
