// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package prometheus

import (
	"testing"
	"time"

	"github.com/helixvm/helix/metrics"
)

func TestProviderDelegation(t *testing.T) {
	inner := metrics.New()
	p := New(inner, nil)

	p.Counter("foo").Incr()
	if v := inner.Counter("foo").Value().(uint64); v != 1 {
		t.Fatalf("expected delegated counter to be 1, got %v", v)
	}

	p.Timer("bar").Start()
	p.Timer("bar").Stop()

	// Vec families only appear in Gather once observed.
	p.ObserveCompileDuration("baseline", time.Millisecond)

	all := p.All()
	if _, ok := all["counter_foo"]; !ok {
		t.Fatalf("expected inner counter in All(), got %v", all)
	}
	if _, ok := all["wasm_compile_duration_seconds"]; !ok {
		t.Fatalf("expected registry family in All(), got keys %v", keys(all))
	}
}

func TestProviderObservations(t *testing.T) {
	p := New(metrics.NoOp(), nil)

	p.ObserveCompileDuration("baseline", 5*time.Millisecond)
	p.IncrIslands("baseline", 2)
	p.IncrBatches("baseline")

	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}

	for _, name := range []string{"wasm_compile_duration_seconds", "wasm_far_jump_islands", "wasm_compile_batches"} {
		if !found[name] {
			t.Fatalf("expected metric family %q, got %v", name, found)
		}
	}
}

func keys(m map[string]interface{}) []string {
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	return result
}
