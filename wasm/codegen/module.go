// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"sync"

	"github.com/helixvm/helix/wasm/module"
)

// Assumptions pin the build configuration a module was compiled against.
// Instantiation rejects a module whose assumptions do not match the running
// engine.
type Assumptions struct {
	ISA      string
	Debug    bool
	Features []string
}

// Clone returns a deep copy.
func (a Assumptions) Clone() Assumptions {
	cp := a
	cp.Features = append([]string(nil), a.Features...)
	return cp
}

// TierArtifact bundles everything produced for one compiler tier.
type TierArtifact struct {
	Metadata *MetadataTier
	LinkData *LinkData
	Segment  *CodeSegment
}

// Module is the immutable result of module generation. A second tier can be
// published into a live module atomically; everything else is frozen.
type Module struct {
	mu sync.RWMutex

	assumptions Assumptions
	bytecode    []byte
	metadata    *Metadata

	tier1 *TierArtifact
	tier2 *TierArtifact

	// debugBytes is an unlinked copy of the code for the debugger; only
	// present for tier-1 debug builds.
	debugBytes []byte

	// jumpTable maps each function index to the published offset of its
	// tier entry; only present for Tier1 mode.
	jumpTable []uint32

	imports      []module.Import
	exports      []module.Export
	dataSegments []module.DataSegment
	elemSegments []module.ElemSegment
}

// Assumptions returns the build assumptions the module carries.
func (m *Module) Assumptions() Assumptions {
	return m.assumptions
}

// Bytecode returns the shared immutable bytecode.
func (m *Module) Bytecode() []byte {
	return m.bytecode
}

// Metadata returns the module-wide metadata.
func (m *Module) Metadata() *Metadata {
	return m.metadata
}

// Tier returns the artifact for the given tier, or nil if that tier has not
// been published.
func (m *Module) Tier(t module.Tier) *TierArtifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tier1 != nil && m.tier1.Metadata.Tier == t {
		return m.tier1
	}
	if m.tier2 != nil && m.tier2.Metadata.Tier == t {
		return m.tier2
	}
	return nil
}

// BestTier returns the most optimized published artifact.
func (m *Module) BestTier() *TierArtifact {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tier2 != nil {
		return m.tier2
	}
	return m.tier1
}

// JumpTable returns the per-function entry table, or nil when the module
// was not compiled in Tier1 mode.
func (m *Module) JumpTable() []uint32 {
	return m.jumpTable
}

// DebugBytes returns the unlinked code copy kept for debug builds.
func (m *Module) DebugBytes() []byte {
	return m.debugBytes
}

// Imports returns the module's imports.
func (m *Module) Imports() []module.Import {
	return m.imports
}

// Exports returns the module's exports.
func (m *Module) Exports() []module.Export {
	return m.exports
}

// ElemSegments returns the module's element segments.
func (m *Module) ElemSegments() []module.ElemSegment {
	return m.elemSegments
}

// DataSegments returns the module's data segments.
func (m *Module) DataSegments() []module.DataSegment {
	return m.dataSegments
}

// finishTier2 publishes the optimized tier into the running module.
func (m *Module) finishTier2(artifact *TierArtifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tier2 != nil {
		panic("second tier already published")
	}
	m.tier2 = artifact
}
