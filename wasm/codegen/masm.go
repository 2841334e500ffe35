// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"github.com/helixvm/helix/wasm/isa"
)

// MaxCodeBytes bounds the aggregate buffer. Growing past it reports OOM.
const MaxCodeBytes = 1 << 30

// Masm is a growing machine-code buffer. Offsets are stable once written:
// the buffer only ever appends, and patching rewrites immediate words in
// place. One Masm aggregates the whole module; the tier compilers and the
// stub generator each use a private Masm and move its contents out with
// TakeCode.
type Masm struct {
	code     []byte
	maxBytes int
	oomFlag  bool
	finished bool

	callSites        []CallSite
	callSiteTargets  []CallSiteTarget
	memoryAccesses   []MemoryAccess
	symbolicAccesses []SymbolicAccess
	codeLabels       []CodeLabel
	trapFarJumps     []TrapFarJump
	callFarJumps     []CallFarJump
}

// NewMasm returns an empty buffer bounded by MaxCodeBytes.
func NewMasm() *Masm {
	return &Masm{maxBytes: MaxCodeBytes}
}

// Reserve pre-grows the buffer capacity. Reservation failures surface later
// as OOM when the buffer actually grows past the limit.
func (m *Masm) Reserve(n int) {
	if n > m.maxBytes {
		n = m.maxBytes
	}
	if cap(m.code) < n {
		grown := make([]byte, len(m.code), n)
		copy(grown, m.code)
		m.code = grown
	}
}

// Size returns the current buffer length.
func (m *Masm) Size() uint32 {
	return uint32(len(m.code))
}

// CurrentOffset returns the offset the next emission lands at.
func (m *Masm) CurrentOffset() uint32 {
	return m.Size()
}

// OOM reports whether any buffered operation overflowed the code limit.
func (m *Masm) OOM() bool {
	return m.oomFlag
}

func (m *Masm) grow(n int) bool {
	if m.finished {
		panic("append to finished assembler buffer")
	}
	if len(m.code)+n > m.maxBytes {
		m.oomFlag = true
		return false
	}
	return true
}

// HaltingAlign pads the buffer with halt words up to the given alignment.
func (m *Masm) HaltingAlign(align uint32) {
	pad := (align - m.Size()%align) % align
	if !m.grow(int(pad)) {
		return
	}
	for pad >= isa.WordSize {
		m.code = isa.AppendWord(m.code, isa.OpHalt)
		pad -= isa.WordSize
	}
	for ; pad > 0; pad-- {
		m.code = append(m.code, 0)
	}
}

// AppendRaw appends pre-compiled bytes at the current offset.
func (m *Masm) AppendRaw(bytes []byte) bool {
	if !m.grow(len(bytes)) {
		return false
	}
	m.code = append(m.code, bytes...)
	return true
}

// Nop emits one nop word.
func (m *Masm) Nop() {
	if m.grow(isa.WordSize) {
		m.code = isa.AppendWord(m.code, isa.OpNop)
	}
}

// EnterFrame emits the frame prologue word.
func (m *Masm) EnterFrame() {
	if m.grow(isa.WordSize) {
		m.code = isa.AppendWord(m.code, isa.OpEnter)
	}
}

// LeaveFrame emits the frame epilogue word.
func (m *Masm) LeaveFrame() {
	if m.grow(isa.WordSize) {
		m.code = isa.AppendWord(m.code, isa.OpLeave)
	}
}

// LoadTLSFromFrame emits the instruction reloading the TLS base pointer
// from its frame slot. Trap and debug paths need it before far-jumping.
func (m *Masm) LoadTLSFromFrame() {
	if m.grow(isa.WordSize) {
		m.code = isa.AppendWord(m.code, isa.OpLoadTLS)
	}
}

// Call emits an unresolved direct call and returns its return-address
// offset. The displacement is patched later with PatchCall.
func (m *Masm) Call() uint32 {
	if !m.grow(isa.CallLength) {
		return m.Size()
	}
	m.code = isa.AppendWord(m.code, isa.OpCall)
	m.code = isa.AppendWord(m.code, 0)
	return m.Size()
}

// FarJumpWithPatch emits an unresolved far jump and returns the offset of
// the instruction, to be resolved later with PatchFarJump.
func (m *Masm) FarJumpWithPatch() uint32 {
	at := m.Size()
	if !m.grow(isa.FarJumpLength) {
		return at
	}
	m.code = isa.AppendWord(m.code, isa.OpFarJump)
	m.code = isa.AppendWord(m.code, 0)
	return at
}

// MemoryAccessInsn emits one patchable memory-access instruction and
// returns its offset.
func (m *Masm) MemoryAccessInsn(imm uint32) uint32 {
	at := m.Size()
	if m.grow(2 * isa.WordSize) {
		m.code = isa.AppendWord(m.code, isa.OpMemory)
		m.code = isa.AppendWord(m.code, imm)
	}
	return at
}

// SymbolicAccessInsn emits one instruction whose immediate word must be
// patched with a builtin address at publication; it returns the offset of
// the immediate word.
func (m *Masm) SymbolicAccessInsn() uint32 {
	if !m.grow(2 * isa.WordSize) {
		return m.Size()
	}
	m.code = isa.AppendWord(m.code, isa.OpSymbolic)
	patchAt := m.Size()
	m.code = isa.AppendWord(m.code, 0)
	return patchAt
}

// PatchCall resolves the call at retAddr to calleeOffset. The displacement
// must be within immediate range; the link editor checks before patching.
func (m *Masm) PatchCall(retAddr, calleeOffset uint32) {
	isa.PutCall(m.code, retAddr, calleeOffset)
}

// PatchFarJump resolves the far jump at jumpAddr to targetOffset.
func (m *Masm) PatchFarJump(jumpAddr, targetOffset uint32) {
	isa.PutFarJump(m.code, jumpAddr, targetOffset)
}

// Record methods used by the tier compilers and the stub generator. The
// aggregate buffer owned by the generator never records; its pending lists
// stay empty, which finishLinking asserts.

// AddCallSite records a call site and its parallel target.
func (m *Masm) AddCallSite(cs CallSite, target CallSiteTarget) {
	m.callSites = append(m.callSites, cs)
	m.callSiteTargets = append(m.callSiteTargets, target)
}

// AddMemoryAccess records a patchable memory access.
func (m *Masm) AddMemoryAccess(ma MemoryAccess) {
	m.memoryAccesses = append(m.memoryAccesses, ma)
}

// AddSymbolicAccess records a builtin-address patch point.
func (m *Masm) AddSymbolicAccess(sa SymbolicAccess) {
	m.symbolicAccesses = append(m.symbolicAccesses, sa)
}

// AddCodeLabel records an internal label reference.
func (m *Masm) AddCodeLabel(cl CodeLabel) {
	m.codeLabels = append(m.codeLabels, cl)
}

// AddTrapFarJump records a compiler-emitted trap far jump.
func (m *Masm) AddTrapFarJump(tfj TrapFarJump) {
	m.trapFarJumps = append(m.trapFarJumps, tfj)
}

// AddCallFarJump records a compiler-emitted call far jump.
func (m *Masm) AddCallFarJump(cfj CallFarJump) {
	m.callFarJumps = append(m.callFarJumps, cfj)
}

// PendingEmpty reports whether any recorded metadata has not been taken.
func (m *Masm) PendingEmpty() bool {
	return len(m.callSites) == 0 &&
		len(m.callSiteTargets) == 0 &&
		len(m.memoryAccesses) == 0 &&
		len(m.symbolicAccesses) == 0 &&
		len(m.codeLabels) == 0 &&
		len(m.trapFarJumps) == 0 &&
		len(m.callFarJumps) == 0
}

// TakeCode moves the buffer and every recorded relocation into code,
// leaving the assembler empty and reusable.
func (m *Masm) TakeCode(code *CompiledCode) {
	if !code.Empty() {
		panic("taking code into a non-empty package")
	}

	code.Bytes = m.code
	code.CallSites = m.callSites
	code.CallSiteTargets = m.callSiteTargets
	code.MemoryAccesses = m.memoryAccesses
	code.SymbolicAccesses = m.symbolicAccesses
	code.CodeLabels = m.codeLabels
	code.TrapFarJumps = m.trapFarJumps
	code.CallFarJumps = m.callFarJumps

	*m = Masm{maxBytes: m.maxBytes}
}

// Finish freezes the buffer. Subsequent appends panic.
func (m *Masm) Finish() {
	m.finished = true
}

// Bytes returns the underlying buffer. Callers must not append.
func (m *Masm) Bytes() []byte {
	return m.code
}
