// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"testing"
)

func TestGenerateStubs(t *testing.T) {
	env := testEnv(3)
	env.NumFuncImports = 1

	imports := []FuncImport{{Sig: smallSig()}}
	exports := []FuncExport{
		{Sig: smallSig(), FuncIndex: 1},
		{Sig: smallSig(), FuncIndex: 2},
	}

	var code CompiledCode
	if err := GenerateStubs(env, imports, exports, &code); err != nil {
		t.Fatal(err)
	}

	counts := map[CodeRangeKind]int{}
	for _, cr := range code.CodeRanges {
		counts[cr.Kind]++
	}

	if counts[Entry] != 2 {
		t.Fatalf("expected one entry per export, got %d", counts[Entry])
	}
	if counts[ImportInterpExit] != 1 || counts[ImportJitExit] != 1 {
		t.Fatalf("expected one interp and one jit exit per import, got %v", counts)
	}
	if counts[TrapExit] != int(TrapLimit) {
		t.Fatalf("expected %d trap exits, got %d", TrapLimit, counts[TrapExit])
	}
	for _, kind := range []CodeRangeKind{OutOfBoundsExit, UnalignedExit, Interrupt, Throw} {
		if counts[kind] != 1 {
			t.Fatalf("expected one %v stub, got %d", kind, counts[kind])
		}
	}
	if counts[DebugTrap] != 0 {
		t.Fatal("debug trap stub emitted without debugging")
	}
	if counts[FarJumpIsland] != 0 || counts[BuiltinThunk] != 0 {
		t.Fatal("stub generator must not emit link-editor ranges")
	}

	// Each entry thunk calls its function directly.
	entryCalls := callSitesOfKindIn(&code, CallSiteFunc)
	if len(entryCalls) != 2 {
		t.Fatalf("expected one Func call site per entry thunk, got %d", len(entryCalls))
	}
	if code.CallSiteTargets[0].FuncIndex != 1 || code.CallSiteTargets[1].FuncIndex != 2 {
		t.Fatalf("entry thunks call wrong targets: %+v", code.CallSiteTargets)
	}

	// Every trap reason got a distinct stub.
	seen := map[Trap]bool{}
	for _, cr := range code.CodeRanges {
		if cr.Kind == TrapExit {
			if seen[cr.Trap] {
				t.Fatalf("duplicate trap exit for %v", cr.Trap)
			}
			seen[cr.Trap] = true
		}
	}
}

func TestGenerateStubsDebug(t *testing.T) {
	env := testEnv(1)
	env.Debug = true

	var code CompiledCode
	if err := GenerateStubs(env, nil, nil, &code); err != nil {
		t.Fatal(err)
	}

	debugTraps := 0
	for _, cr := range code.CodeRanges {
		if cr.Kind == DebugTrap {
			debugTraps++
		}
	}
	if debugTraps != 1 {
		t.Fatalf("expected one debug trap stub, got %d", debugTraps)
	}
}

func callSitesOfKindIn(code *CompiledCode, kind CallSiteKind) []CallSite {
	var result []CallSite
	for _, cs := range code.CallSites {
		if cs.Kind == kind {
			result = append(result, cs)
		}
	}
	return result
}
