// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithFields(t *testing.T) {
	logger := New().WithFields(map[string]interface{}{"context": "contextvalue"})

	var fieldvalue interface{}
	var ok bool

	if fieldvalue, ok = logger.(*StandardLogger).fields["context"]; !ok {
		t.Fatal("Logger did not contain configured field")
	}

	if fieldvalue.(string) != "contextvalue" {
		t.Fatal("Logger did not contain configured field value")
	}
}

func TestWithFieldsOverrides(t *testing.T) {
	logger := New().
		WithFields(map[string]interface{}{"tier": "baseline"}).
		WithFields(map[string]interface{}{"tier": "ion"})

	var fieldvalue interface{}
	var ok bool

	if fieldvalue, ok = logger.(*StandardLogger).fields["tier"]; !ok {
		t.Fatal("Logger did not contain configured field")
	}

	if fieldvalue.(string) != "ion" {
		t.Fatal("Logger did not contain configured field value")
	}
}

func TestWithFieldsMerges(t *testing.T) {
	logger := New().
		WithFields(map[string]interface{}{"tier": "baseline"}).
		WithFields(map[string]interface{}{"funcs": 7})

	if _, ok := logger.(*StandardLogger).fields["tier"]; !ok {
		t.Fatal("Logger did not contain first configured field")
	}

	if _, ok := logger.(*StandardLogger).fields["funcs"]; !ok {
		t.Fatal("Logger did not contain second configured field")
	}
}

func TestLevels(t *testing.T) {
	logger := New()
	if logger.GetLevel() != Info {
		t.Fatalf("expected default level to be Info, got %v", logger.GetLevel())
	}

	logger.SetLevel(Debug)
	if logger.GetLevel() != Debug {
		t.Fatalf("expected Debug, got %v", logger.GetLevel())
	}

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logger.Debug("compiled batch of %d funcs", 3)

	if !strings.Contains(buf.String(), "compiled batch of 3 funcs") {
		t.Fatalf("expected formatted message, got %q", buf.String())
	}
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	logger.SetLevel(Debug)
	if logger.GetLevel() != Debug {
		t.Fatal("expected level to round-trip")
	}

	child := logger.WithFields(map[string]interface{}{"k": "v"})
	child.Debug("nothing happens")
	child.Info("nothing happens")
	child.Warn("nothing happens")
	child.Error("nothing happens")
}
