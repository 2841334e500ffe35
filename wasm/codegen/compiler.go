// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/helixvm/helix/internal/arena"
	"github.com/helixvm/helix/internal/leb128"
	"github.com/helixvm/helix/wasm/isa"
	"github.com/helixvm/helix/wasm/module"
)

// Engine bytecode opcodes. Function bodies are a LEB128 local count followed
// by an instruction stream; LEB128 immediates follow their opcode byte.
const (
	bcTrap     = 0x00 // trap id
	bcNop      = 0x01
	bcEnd      = 0x0B
	bcCall     = 0x10 // callee function index
	bcHostCall = 0x17 // builtin symbol id
	bcLoad     = 0x28 // memory offset
	bcStore    = 0x36 // memory offset
)

// baselineCompileFunctions compiles a batch of function bodies with the
// fast single-pass tier.
func baselineCompileFunctions(env *module.Environment, lifo *arena.Arena, inputs []FuncCompileInput, output *CompiledCode) error {
	return compileFunctions(env, lifo, inputs, output, false)
}

// ionCompileFunctions compiles a batch with the optimizing tier. The
// instruction selection is shared; the optimizing tier folds nop padding so
// its bodies come out denser.
func ionCompileFunctions(env *module.Environment, lifo *arena.Arena, inputs []FuncCompileInput, output *CompiledCode) error {
	return compileFunctions(env, lifo, inputs, output, true)
}

func compileFunctions(env *module.Environment, lifo *arena.Arena, inputs []FuncCompileInput, output *CompiledCode, optimize bool) error {
	masm := NewMasm()

	ranges := make([]CodeRange, 0, len(inputs))
	for i := range inputs {
		cr, err := compileFunction(env, lifo, masm, &inputs[i], optimize)
		if err != nil {
			return errors.Wrapf(err, "function %d", inputs[i].Index)
		}
		ranges = append(ranges, cr)
	}

	if masm.OOM() {
		return errOutOfMemory
	}

	masm.TakeCode(output)
	output.CodeRanges = ranges
	return nil
}

func compileFunction(env *module.Environment, lifo *arena.Arena, masm *Masm, in *FuncCompileInput, optimize bool) (CodeRange, error) {
	masm.HaltingAlign(isa.CodeAlignment)
	begin := masm.Size()

	r := bytes.NewReader(in.Bytes)

	numLocals, err := leb128.ReadVarUint32(r)
	if err != nil {
		return CodeRange{}, errors.Wrap(err, "reading local count")
	}

	// Frame layout scratch. Lives only for this function; the arena is
	// reset when the batch completes.
	frame := lifo.Alloc(int(numLocals) * ptrSize)
	frameSize := uint32(len(frame))

	masm.EnterFrame()
	if env.DebugEnabled() {
		retOff := masm.Call()
		masm.AddCallSite(CallSite{Kind: CallSiteEnterFrame, ReturnAddressOffset: retOff}, CallSiteTarget{})
	}

	debugLines := debugLineSet(in)

	pendingNops := 0
	for {
		bcOffset := uint32(int64(len(in.Bytes)) - int64(r.Len()))

		op, err := r.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return CodeRange{}, err
		}
		if op == bcEnd {
			break
		}

		if env.DebugEnabled() && (debugLines == nil || debugLines[bcOffset]) {
			retOff := masm.Call()
			masm.AddCallSite(CallSite{Kind: CallSiteBreakpoint, ReturnAddressOffset: retOff}, CallSiteTarget{})
		}

		switch op {
		case bcNop:
			if optimize {
				pendingNops++
			} else {
				masm.Nop()
			}

		case bcCall:
			callee, err := leb128.ReadVarUint32(r)
			if err != nil {
				return CodeRange{}, errors.Wrap(err, "reading call target")
			}
			if callee >= env.NumFuncs() {
				return CodeRange{}, errors.Errorf("call target %d out of range", callee)
			}
			retOff := masm.Call()
			masm.AddCallSite(
				CallSite{Kind: CallSiteFunc, ReturnAddressOffset: retOff},
				CallSiteTarget{FuncIndex: callee},
			)

		case bcTrap:
			trap, err := leb128.ReadVarUint32(r)
			if err != nil {
				return CodeRange{}, errors.Wrap(err, "reading trap id")
			}
			if Trap(trap) >= TrapLimit {
				return CodeRange{}, errors.Errorf("trap id %d out of range", trap)
			}
			retOff := masm.Call()
			masm.AddCallSite(
				CallSite{Kind: CallSiteTrapExit, ReturnAddressOffset: retOff},
				CallSiteTarget{Trap: Trap(trap)},
			)

		case bcLoad, bcStore:
			offset, err := leb128.ReadVarUint32(r)
			if err != nil {
				return CodeRange{}, errors.Wrap(err, "reading memory offset")
			}
			kind := MemoryLoad
			if op == bcStore {
				kind = MemoryStore
			}
			// Accesses address past the locals area of the frame.
			at := masm.MemoryAccessInsn(frameSize + offset)
			masm.AddMemoryAccess(MemoryAccess{InsnOffset: at, Kind: kind})

		case bcHostCall:
			sym, err := leb128.ReadVarUint32(r)
			if err != nil {
				return CodeRange{}, errors.Wrap(err, "reading builtin id")
			}
			if SymbolicAddress(sym) >= SymLimit {
				return CodeRange{}, errors.Errorf("builtin id %d out of range", sym)
			}
			patchAt := masm.SymbolicAccessInsn()
			masm.AddSymbolicAccess(SymbolicAccess{PatchAt: patchAt, Target: SymbolicAddress(sym)})

		default:
			return CodeRange{}, errors.Errorf("unknown opcode %#x at %d", op, bcOffset)
		}
	}

	// The optimizing tier folds every nop of the body into a single nop,
	// emitted before the epilogue as a scheduling barrier.
	if pendingNops > 0 {
		masm.Nop()
	}

	if env.DebugEnabled() {
		retOff := masm.Call()
		masm.AddCallSite(CallSite{Kind: CallSiteLeaveFrame, ReturnAddressOffset: retOff}, CallSiteTarget{})
	}
	masm.LeaveFrame()

	return CodeRange{
		Kind:               Function,
		Begin:              begin,
		End:                masm.Size(),
		FuncIndex:          in.Index,
		FuncLineOrBytecode: in.LineOrBytecode,
		NormalEntry:        begin,
		TierEntry:          begin,
	}, nil
}

// debugLineSet builds the set of bytecode offsets that get a breakable
// point. A nil set means every instruction is breakable.
func debugLineSet(in *FuncCompileInput) map[uint32]bool {
	if len(in.LineNums) == 0 {
		return nil
	}
	set := make(map[uint32]bool, len(in.LineNums))
	for _, off := range in.LineNums {
		set[off] = true
	}
	return set
}
