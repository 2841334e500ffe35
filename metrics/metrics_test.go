// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"
	"time"
)

func TestMetricsTimer(t *testing.T) {
	m := New()
	m.Timer(MergeTask).Start()
	time.Sleep(time.Millisecond)
	m.Timer(MergeTask).Stop()
	if m.All()["timer_"+MergeTask+"_ns"] == int64(0) {
		t.Fatalf("Expected merge timer to be non-zero: %v", m.All())
	}
	m.Clear()

	if len(m.All()) > 0 {
		t.Fatalf("Expected metrics to be cleared, but found %v", m.All())
	}
}

func TestMetricsTimerDoubleStop(t *testing.T) {
	m := New()
	m.Timer("foo").Start()

	time.Sleep(time.Millisecond)
	m.Timer("foo").Stop()
	t1 := m.Timer("foo").Int64()

	time.Sleep(time.Millisecond)
	m.Timer("foo").Stop()
	t2 := m.Timer("foo").Int64()

	if t1 != t2 {
		t.Fatalf("Unexpected difference in stopped timer values: %v, %v", t1, t2)
	}
}

func TestMetricsTimerRestart(t *testing.T) {
	m := New()
	m.Timer("foo").Start()

	time.Sleep(time.Millisecond)
	m.Timer("foo").Stop()
	t1 := m.Timer("foo").Int64()

	// Restart the timer.
	m.Timer("foo").Start()
	time.Sleep(time.Millisecond)
	m.Timer("foo").Stop()
	t2 := m.Timer("foo").Int64()

	if t1 >= t2 {
		t.Fatalf("Expected restarted timer to advance, but got same value.: %v, %v", t1, t2)
	}
}

func TestMetricsCounter(t *testing.T) {
	m := New()
	m.Counter(FarJumpIslands).Incr()
	m.Counter(FarJumpIslands).Add(2)

	if v := m.Counter(FarJumpIslands).Value().(uint64); v != 3 {
		t.Fatalf("Expected counter value 3, got %v", v)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := New()
	for i := int64(1); i <= 100; i++ {
		m.Histogram(FuncBytecodeSize).Update(i)
	}

	values := m.Histogram(FuncBytecodeSize).Value().(map[string]any)
	if values["count"].(int64) != 100 {
		t.Fatalf("Expected count 100, got %v", values["count"])
	}
	if values["min"].(int64) != 1 || values["max"].(int64) != 100 {
		t.Fatalf("Unexpected min/max: %v/%v", values["min"], values["max"])
	}
}

func TestNoOpMetrics(t *testing.T) {
	m := NoOp()
	m.Timer("foo").Start()
	m.Timer("foo").Stop()
	m.Counter("bar").Incr()
	m.Histogram("baz").Update(1)

	if m.All() != nil {
		t.Fatalf("Expected no-op metrics to record nothing, got %v", m.All())
	}
}
