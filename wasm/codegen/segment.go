// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"os"

	"github.com/helixvm/helix/wasm/isa"
)

// CodeSegment is a published, immutable code region. Addresses inside the
// segment are byte offsets from Base; mapping them onto executable pages is
// the embedder's concern.
type CodeSegment struct {
	bytes  []byte
	length uint32
}

// symbolicAddrBase spaces the builtin address table away from any code
// offset so a missed patch is recognizable in a disassembly.
const symbolicAddrBase = 0xE0000000

// symbolicAddr returns the engine address published for one builtin.
func symbolicAddr(sym SymbolicAddress) uint32 {
	return symbolicAddrBase + uint32(sym)*isa.CodeAlignment
}

// systemPageSize is the granularity of the instance allocator.
func systemPageSize() int {
	return os.Getpagesize()
}

// publishCodeSegment copies the frozen buffer, applies the remaining links,
// and pads the segment to the system page size.
func publishCodeSegment(code []byte, linkData *LinkData) (*CodeSegment, error) {
	length := uint32(len(code))

	pageSize := uint32(systemPageSize())
	padded := length + (pageSize-length%pageSize)%pageSize
	if padded > MaxCodeBytes {
		return nil, errOutOfMemory
	}

	text := make([]byte, padded)
	copy(text, code)

	for _, link := range linkData.InternalLinks {
		isa.PutWord(text, link.PatchAtOffset, link.TargetOffset)
	}

	for sym, patches := range linkData.SymbolicLinks {
		addr := symbolicAddr(SymbolicAddress(sym))
		for _, patchAt := range patches {
			isa.PutWord(text, patchAt, addr)
		}
	}

	return &CodeSegment{bytes: text, length: length}, nil
}

// Base returns the segment's backing bytes.
func (cs *CodeSegment) Base() []byte {
	return cs.bytes
}

// Length returns the length of the code, excluding page padding.
func (cs *CodeSegment) Length() uint32 {
	return cs.length
}
