// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package isa defines the engine's portable instruction encodings and the
// patch helpers the link editor uses to rewrite them in place.
//
// Instructions are little-endian 32-bit words. Control transfers occupy two
// words: an opcode word followed by an immediate word holding either a
// displacement (calls) or an absolute code offset (far jumps). Patching
// rewrites only the immediate word; code never moves once written.
package isa

import (
	"encoding/binary"
	"fmt"
)

const (
	// WordSize is the instruction word width in bytes.
	WordSize = 4

	// CodeAlignment is the required alignment for appended code.
	CodeAlignment = 16

	// CallLength is the byte length of a call instruction (opcode word plus
	// displacement word).
	CallLength = 2 * WordSize

	// FarJumpLength is the byte length of a far-jump instruction (opcode
	// word plus absolute target word).
	FarJumpLength = 2 * WordSize

	// JumpImmediateRange conservatively bounds the signed displacement a
	// call immediate can express.
	JumpImmediateRange = 1 << 26
)

// Opcode words.
const (
	OpNop      = 0xC0DE0000
	OpCall     = 0xC0DE0001
	OpFarJump  = 0xC0DE0002
	OpLoadTLS  = 0xC0DE0003
	OpMemory   = 0xC0DE0004
	OpSymbolic = 0xC0DE0005
	OpEnter    = 0xC0DE0006
	OpLeave    = 0xC0DE0007
	OpHalt     = 0xC0DEFFFF
)

// PutWord writes one instruction word at offset.
func PutWord(text []byte, offset uint32, word uint32) {
	binary.LittleEndian.PutUint32(text[offset:], word)
}

// Word reads the instruction word at offset.
func Word(text []byte, offset uint32) uint32 {
	return binary.LittleEndian.Uint32(text[offset:])
}

// AppendWord appends one instruction word.
func AppendWord(text []byte, word uint32) []byte {
	return binary.LittleEndian.AppendUint32(text, word)
}

// PutCall patches the call whose return address is retAddr to target the
// given code offset. The displacement is relative to the return address, as
// emitted displacements are resolved against the instruction end.
func PutCall(text []byte, retAddr, targetAddr uint32) {
	disp := int64(targetAddr) - int64(retAddr)
	if disp >= JumpImmediateRange || disp < -JumpImmediateRange {
		panic(fmt.Sprintf("call displacement %d out of immediate range", disp))
	}
	if op := Word(text, retAddr-CallLength); op != OpCall {
		panic(fmt.Sprintf("no call instruction at return address %#x (found %#x)", retAddr, op))
	}
	binary.LittleEndian.PutUint32(text[retAddr-WordSize:], uint32(int32(disp)))
}

// CallTarget reads back the resolved target of the call whose return address
// is retAddr.
func CallTarget(text []byte, retAddr uint32) uint32 {
	disp := int32(binary.LittleEndian.Uint32(text[retAddr-WordSize:]))
	return uint32(int64(retAddr) + int64(disp))
}

// PutFarJump patches the far jump starting at offset jumpAddr to the given
// absolute code offset. Far jumps have no range limit.
func PutFarJump(text []byte, jumpAddr, targetAddr uint32) {
	if op := Word(text, jumpAddr); op != OpFarJump {
		panic(fmt.Sprintf("no far jump at %#x (found %#x)", jumpAddr, op))
	}
	binary.LittleEndian.PutUint32(text[jumpAddr+WordSize:], targetAddr)
}

// FarJumpTarget reads back the absolute target of the far jump at jumpAddr.
func FarJumpTarget(text []byte, jumpAddr uint32) uint32 {
	return binary.LittleEndian.Uint32(text[jumpAddr+WordSize:])
}

// InRange reports whether a direct call at callerRetAddr can reach
// calleeAddr within the given range bound.
func InRange(callerRetAddr, calleeAddr, jumpRange uint32) bool {
	if callerRetAddr < calleeAddr {
		return calleeAddr-callerRetAddr < jumpRange
	}
	return callerRetAddr-calleeAddr < jumpRange
}
