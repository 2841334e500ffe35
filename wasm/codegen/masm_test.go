// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"testing"

	"github.com/helixvm/helix/wasm/isa"
)

func TestMasmHaltingAlign(t *testing.T) {
	m := NewMasm()
	m.Nop()
	m.HaltingAlign(isa.CodeAlignment)

	if m.Size()%isa.CodeAlignment != 0 {
		t.Fatalf("size %d not aligned", m.Size())
	}

	// Padding is halt words, not zeros.
	if got := isa.Word(m.Bytes(), isa.WordSize); got != isa.OpHalt {
		t.Fatalf("expected halt padding, got %#x", got)
	}

	// Aligning an aligned buffer is a no-op.
	size := m.Size()
	m.HaltingAlign(isa.CodeAlignment)
	if m.Size() != size {
		t.Fatalf("expected no growth, got %d -> %d", size, m.Size())
	}
}

func TestMasmCallPatch(t *testing.T) {
	m := NewMasm()
	retAddr := m.Call()
	m.Nop()

	m.PatchCall(retAddr, 64)
	if got := isa.CallTarget(m.Bytes(), retAddr); got != 64 {
		t.Fatalf("expected call target 64, got %d", got)
	}
}

func TestMasmFarJumpPatch(t *testing.T) {
	m := NewMasm()
	m.Nop()
	jump := m.FarJumpWithPatch()

	m.PatchFarJump(jump, 128)
	if got := isa.FarJumpTarget(m.Bytes(), jump); got != 128 {
		t.Fatalf("expected far jump target 128, got %d", got)
	}
}

func TestMasmTakeCode(t *testing.T) {
	m := NewMasm()
	retAddr := m.Call()
	m.AddCallSite(CallSite{Kind: CallSiteFunc, ReturnAddressOffset: retAddr}, CallSiteTarget{FuncIndex: 7})
	m.AddMemoryAccess(MemoryAccess{InsnOffset: 0})

	var code CompiledCode
	m.TakeCode(&code)

	if len(code.Bytes) == 0 || len(code.CallSites) != 1 || len(code.MemoryAccesses) != 1 {
		t.Fatalf("code not moved: %+v", code)
	}
	if code.CallSiteTargets[0].FuncIndex != 7 {
		t.Fatalf("unexpected call site target: %+v", code.CallSiteTargets[0])
	}

	if m.Size() != 0 || !m.PendingEmpty() {
		t.Fatal("assembler not empty after TakeCode")
	}
}

func TestMasmOOM(t *testing.T) {
	m := NewMasm()
	m.maxBytes = 8

	if !m.AppendRaw(make([]byte, 8)) {
		t.Fatal("append within limit failed")
	}
	if m.AppendRaw(make([]byte, 1)) {
		t.Fatal("append past limit succeeded")
	}
	if !m.OOM() {
		t.Fatal("expected OOM flag")
	}
}

func TestMasmFinishFreezes(t *testing.T) {
	m := NewMasm()
	m.Nop()
	m.Finish()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic appending to finished buffer")
		}
	}()
	m.Nop()
}
