// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"github.com/helixvm/helix/wasm/isa"
	"github.com/helixvm/helix/wasm/module"
)

// GenerateStubs synthesizes the module's entry thunks, import exits, and
// trap exits into one relocatable package. It runs once, after every
// function definition has been compiled, because the entry thunks call the
// functions directly.
func GenerateStubs(env *module.Environment, funcImports []FuncImport, funcExports []FuncExport, code *CompiledCode) error {
	masm := NewMasm()
	var ranges []CodeRange

	// One entry thunk per exported function. The direct call inside the
	// thunk is a regular Func call site resolved by the final link pass.
	for i := range funcExports {
		fe := &funcExports[i]
		masm.HaltingAlign(isa.CodeAlignment)
		begin := masm.Size()
		masm.EnterFrame()
		retOff := masm.Call()
		masm.AddCallSite(
			CallSite{Kind: CallSiteFunc, ReturnAddressOffset: retOff},
			CallSiteTarget{FuncIndex: fe.FuncIndex},
		)
		masm.LeaveFrame()
		ranges = append(ranges, CodeRange{
			Kind:      Entry,
			Begin:     begin,
			End:       masm.Size(),
			FuncIndex: fe.FuncIndex,
		})
	}

	// Interp and jit exits per imported function.
	for i := range funcImports {
		masm.HaltingAlign(isa.CodeAlignment)
		begin := masm.Size()
		masm.EnterFrame()
		patchAt := masm.SymbolicAccessInsn()
		masm.AddSymbolicAccess(SymbolicAccess{PatchAt: patchAt, Target: SymCallImportInterp})
		masm.LeaveFrame()
		ranges = append(ranges, CodeRange{
			Kind:      ImportInterpExit,
			Begin:     begin,
			End:       masm.Size(),
			FuncIndex: uint32(i),
		})

		masm.HaltingAlign(isa.CodeAlignment)
		begin = masm.Size()
		masm.EnterFrame()
		patchAt = masm.SymbolicAccessInsn()
		masm.AddSymbolicAccess(SymbolicAccess{PatchAt: patchAt, Target: SymCallImportJit})
		masm.LeaveFrame()
		ranges = append(ranges, CodeRange{
			Kind:      ImportJitExit,
			Begin:     begin,
			End:       masm.Size(),
			FuncIndex: uint32(i),
		})
	}

	// One shared exit per trap reason. The TLS base is reloaded first; the
	// out-of-line path may arrive with a clobbered register state.
	for trap := Trap(0); trap < TrapLimit; trap++ {
		masm.HaltingAlign(isa.CodeAlignment)
		begin := masm.Size()
		masm.LoadTLSFromFrame()
		patchAt := masm.SymbolicAccessInsn()
		masm.AddSymbolicAccess(SymbolicAccess{PatchAt: patchAt, Target: SymReportTrap})
		ranges = append(ranges, CodeRange{
			Kind:  TrapExit,
			Begin: begin,
			End:   masm.Size(),
			Trap:  trap,
		})
	}

	if env.DebugEnabled() {
		masm.HaltingAlign(isa.CodeAlignment)
		begin := masm.Size()
		masm.LoadTLSFromFrame()
		patchAt := masm.SymbolicAccessInsn()
		masm.AddSymbolicAccess(SymbolicAccess{PatchAt: patchAt, Target: SymHandleDebugTrap})
		ranges = append(ranges, CodeRange{Kind: DebugTrap, Begin: begin, End: masm.Size()})
	}

	stubSyms := []struct {
		kind CodeRangeKind
		sym  SymbolicAddress
	}{
		{OutOfBoundsExit, SymReportOutOfBounds},
		{UnalignedExit, SymReportUnalignedAccess},
		{Interrupt, SymInterrupt},
		{Throw, SymHandleThrow},
	}
	for _, s := range stubSyms {
		masm.HaltingAlign(isa.CodeAlignment)
		begin := masm.Size()
		patchAt := masm.SymbolicAccessInsn()
		masm.AddSymbolicAccess(SymbolicAccess{PatchAt: patchAt, Target: s.sym})
		ranges = append(ranges, CodeRange{Kind: s.kind, Begin: begin, End: masm.Size()})
	}

	if masm.OOM() {
		return errOutOfMemory
	}

	masm.TakeCode(code)
	code.CodeRanges = ranges
	return nil
}
