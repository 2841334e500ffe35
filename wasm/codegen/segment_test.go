// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"testing"

	"github.com/helixvm/helix/wasm/isa"
)

func TestPublishAppliesInternalLinks(t *testing.T) {
	m := NewMasm()
	m.Nop()
	patchAt := m.Size()
	m.Nop() // placeholder word rewritten by the link

	linkData := &LinkData{}
	linkData.InternalLinks = append(linkData.InternalLinks, InternalLink{
		PatchAtOffset: patchAt,
		TargetOffset:  0x40,
	})

	segment, err := publishCodeSegment(m.Bytes(), linkData)
	if err != nil {
		t.Fatal(err)
	}

	if got := isa.Word(segment.Base(), patchAt); got != 0x40 {
		t.Fatalf("internal link not applied: got %#x", got)
	}
}

func TestPublishAppliesSymbolicLinks(t *testing.T) {
	m := NewMasm()
	patchAt := m.SymbolicAccessInsn()

	linkData := &LinkData{}
	linkData.SymbolicLinks[SymMemoryGrow] = append(linkData.SymbolicLinks[SymMemoryGrow], patchAt)

	segment, err := publishCodeSegment(m.Bytes(), linkData)
	if err != nil {
		t.Fatal(err)
	}

	if got, want := isa.Word(segment.Base(), patchAt), symbolicAddr(SymMemoryGrow); got != want {
		t.Fatalf("symbolic link not applied: got %#x, want %#x", got, want)
	}
}

func TestPublishPadsToPageSize(t *testing.T) {
	m := NewMasm()
	m.Nop()

	segment, err := publishCodeSegment(m.Bytes(), &LinkData{})
	if err != nil {
		t.Fatal(err)
	}

	pageSize := systemPageSize()
	if len(segment.Base())%pageSize != 0 {
		t.Fatalf("segment length %d not a page multiple", len(segment.Base()))
	}
	if segment.Length() != uint32(isa.WordSize) {
		t.Fatalf("expected code length %d, got %d", isa.WordSize, segment.Length())
	}
}

func TestSymbolicAddrsDistinct(t *testing.T) {
	seen := map[uint32]bool{}
	for sym := SymbolicAddress(0); sym < SymLimit; sym++ {
		addr := symbolicAddr(sym)
		if seen[addr] {
			t.Fatalf("duplicate builtin address %#x", addr)
		}
		seen[addr] = true
	}
}
