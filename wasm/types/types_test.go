// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package types

import "testing"

func TestFuncTypeEqual(t *testing.T) {
	tests := []struct {
		note string
		a, b FuncType
		exp  bool
	}{
		{
			note: "empty",
			a:    FuncType{},
			b:    FuncType{},
			exp:  true,
		},
		{
			note: "same",
			a:    FuncType{Params: []ValType{I32, I64}, Results: []ValType{F64}},
			b:    FuncType{Params: []ValType{I32, I64}, Results: []ValType{F64}},
			exp:  true,
		},
		{
			note: "different params",
			a:    FuncType{Params: []ValType{I32}},
			b:    FuncType{Params: []ValType{I64}},
			exp:  false,
		},
		{
			note: "different arity",
			a:    FuncType{Params: []ValType{I32}},
			b:    FuncType{Params: []ValType{I32, I32}},
			exp:  false,
		},
		{
			note: "different results",
			a:    FuncType{Results: []ValType{I32}},
			b:    FuncType{Results: []ValType{F32}},
			exp:  false,
		},
	}

	for _, tc := range tests {
		if got := tc.a.Equal(tc.b); got != tc.exp {
			t.Fatalf("%v: expected %v, got %v", tc.note, tc.exp, got)
		}
	}
}

func TestFuncTypeHashAgreesWithEqual(t *testing.T) {
	a := FuncType{Params: []ValType{I32, F64}, Results: []ValType{I64}}
	b := FuncType{Params: []ValType{I32, F64}, Results: []ValType{I64}}
	c := FuncType{Params: []ValType{I32, F64, I32}, Results: []ValType{I64}}

	if a.Hash() != b.Hash() {
		t.Fatal("structurally equal signatures must hash identically")
	}
	if a.Hash() == c.Hash() {
		t.Fatal("expected different hashes for different signatures")
	}

	// Shifting a type across the params/results boundary must change the hash.
	d := FuncType{Params: []ValType{I32}, Results: []ValType{I32}}
	e := FuncType{Params: []ValType{I32, I32}, Results: nil}
	if d.Hash() == e.Hash() {
		t.Fatal("expected boundary shift to change hash")
	}
}

func TestImmediateSigID(t *testing.T) {
	small := FuncType{Params: []ValType{I32, I32}, Results: []ValType{I32}}
	if IsGlobal(small) {
		t.Fatal("expected small signature to be immediate-eligible")
	}

	id1 := ImmediateSigID(small)
	id2 := ImmediateSigID(FuncType{Params: []ValType{I32, I32}, Results: []ValType{I32}})
	if id1 != id2 {
		t.Fatalf("equal signatures got different immediate ids: %v, %v", id1, id2)
	}
	if id1.Immediate&1 == 0 {
		t.Fatal("immediate ids must carry the tag bit")
	}

	other := ImmediateSigID(FuncType{Params: []ValType{I64, I32}, Results: []ValType{I32}})
	if id1 == other {
		t.Fatal("different signatures got the same immediate id")
	}
}

func TestIsGlobal(t *testing.T) {
	big := FuncType{Params: []ValType{I32, I32, I32, I32, I32}}
	if !IsGlobal(big) {
		t.Fatal("expected wide signature to need a global id")
	}

	multiResult := FuncType{Results: []ValType{I32, I32}}
	if !IsGlobal(multiResult) {
		t.Fatal("expected multi-result signature to need a global id")
	}
}

func TestValTypeWidth(t *testing.T) {
	if I32.Width() != 4 || F32.Width() != 4 {
		t.Fatal("expected 4-byte width")
	}
	if I64.Width() != 8 || F64.Width() != 8 {
		t.Fatal("expected 8-byte width")
	}
}
