// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"crypto/sha1"
	"runtime"
	"slices"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/helixvm/helix/logging"
	"github.com/helixvm/helix/metrics"
	"github.com/helixvm/helix/wasm/isa"
	"github.com/helixvm/helix/wasm/module"
	"github.com/helixvm/helix/wasm/types"
)

// Batch thresholds: a task is launched once its accumulated bytecode
// exceeds the tier's threshold. The optimizing tier batches more per task
// because its per-task fixed costs are higher.
const (
	defaultBaselineBatchThreshold = 10 * 1024
	defaultIonBatchThreshold      = 100 * 1024
)

// Estimated machine-code expansion per bytecode byte, used only to reserve
// buffer capacity up front.
const (
	baselineCodeExpansion = 8
	ionCodeExpansion      = 6
)

const badCodeRange = ^uint32(0)

// CompileArgs configures one module generation.
type CompileArgs struct {
	Assumptions Assumptions

	// JumpThreshold tunes how eagerly call sites are flushed to islands.
	// The effective range is the minimum of this and the ISA immediate
	// range; zero means the ISA range.
	JumpThreshold uint32

	// Batch thresholds override the per-tier defaults when non-zero.
	BaselineBatchThreshold uint32
	IonBatchThreshold      uint32

	// Serial forces inline compilation on the calling goroutine.
	Serial bool

	Logger  logging.Logger
	Metrics metrics.Metrics
}

func (args *CompileArgs) withDefaults() {
	if args.JumpThreshold == 0 {
		args.JumpThreshold = isa.JumpImmediateRange
	}
	if args.BaselineBatchThreshold == 0 {
		args.BaselineBatchThreshold = defaultBaselineBatchThreshold
	}
	if args.IonBatchThreshold == 0 {
		args.IonBatchThreshold = defaultIonBatchThreshold
	}
	if args.Logger == nil {
		args.Logger = logging.NewNoOpLogger()
	}
	if args.Metrics == nil {
		args.Metrics = metrics.NoOp()
	}
}

// ModuleGenerator streams compiled function bodies into a single linked
// code segment. The owning goroutine is the only mutator of the aggregate
// buffer and metadata; workers touch nothing but their own task and the
// shared task state.
type ModuleGenerator struct {
	args      CompileArgs
	env       *module.Environment
	cancelled *atomic.Bool
	errOut    *string
	log       logging.Logger
	stats     metrics.Metrics

	metadata     *Metadata
	metadataTier *MetadataTier
	linkData     *LinkData
	masm         *Masm

	taskState       *taskState
	tasks           []*CompileTask
	freeTasks       []*CompileTask
	currentTask     *CompileTask
	batchedBytecode uint32
	parallel        bool
	outstanding     int

	numFuncDefs     uint32
	funcToCodeRange []uint32
	exportedFuncs   map[uint32]struct{}

	callSiteTargets   []CallSiteTarget
	callFarJumps      []CallFarJump
	trapFarJumps      []TrapFarJump
	debugTrapFarJumps []uint32

	trapCodeOffsets     [TrapLimit]maybeOffset
	debugTrapCodeOffset maybeOffset

	lastPatchedCallSite       int
	startOfUnpatchedCallsites uint32

	startedFuncDefs  bool
	finishedFuncDefs bool
	finishedModule   bool
	err              error
}

// NewModuleGenerator returns a generator for the given environment. The
// cancelled flag is externally owned and observed before each batch launch;
// errOut, when non-nil, receives the first failure message at Close.
func NewModuleGenerator(args CompileArgs, env *module.Environment, cancelled *atomic.Bool, errOut *string) *ModuleGenerator {
	args.withDefaults()
	return &ModuleGenerator{
		args:      args,
		env:       env,
		cancelled: cancelled,
		errOut:    errOut,
		log: args.Logger.WithFields(map[string]interface{}{
			"tier": env.Tier.String(),
		}),
		stats: args.Metrics,
	}
}

// Init prepares every vector for the expected code-section size and lays
// out the global data area. It must be called once, before streaming.
func (gen *ModuleGenerator) Init(codeSectionSize uint32) error {
	if gen.startedFuncDefs {
		panic("generator initialized twice")
	}

	gen.funcToCodeRange = make([]uint32, gen.env.NumFuncs())
	for i := range gen.funcToCodeRange {
		gen.funcToCodeRange[i] = badCodeRange
	}
	gen.exportedFuncs = make(map[uint32]struct{})

	gen.metadata = &Metadata{}
	gen.metadataTier = &MetadataTier{Tier: gen.env.Tier}
	gen.linkData = &LinkData{}
	gen.masm = NewMasm()

	// Be conservative when estimating buffer size: the price is low and the
	// cost of an extra resize is high.
	expansion := uint64(baselineCodeExpansion)
	if gen.env.Tier == module.TierIon {
		expansion = ionCodeExpansion
	}
	gen.masm.Reserve(int(uint64(codeSectionSize) * expansion * 12 / 10))

	// Only the number of far jumps is unknown; 2x the function count is a
	// good bound and the metadata is clipped to fit at the end.
	gen.metadataTier.CodeRanges = make([]CodeRange, 0, 2*gen.env.NumFuncDefs())

	// Roughly one call/load/store per 10 bytes of bytecode.
	const sitesPerBytecode = 10
	gen.metadataTier.CallSites = make([]CallSite, 0, codeSectionSize/sitesPerBytecode)
	gen.callSiteTargets = make([]CallSiteTarget, 0, codeSectionSize/sitesPerBytecode)
	gen.metadataTier.MemoryAccesses = make([]MemoryAccess, 0, codeSectionSize/sitesPerBytecode)

	// Per-instance global data: one slot per import, per table, per
	// global-form signature, per non-constant global.
	if len(gen.env.FuncImportGlobalDataOffsets) == 0 && gen.env.NumFuncImports > 0 {
		gen.env.FuncImportGlobalDataOffsets = make([]uint32, gen.env.NumFuncImports)
	}
	for i := uint32(0); i < gen.env.NumFuncImports; i++ {
		offset, err := gen.metadata.AllocateGlobalBytes(funcImportTLSSize, ptrSize)
		if err != nil {
			return err
		}
		gen.env.FuncImportGlobalDataOffsets[i] = offset
		gen.metadataTier.FuncImports = append(gen.metadataTier.FuncImports, FuncImport{
			Sig:              gen.env.FuncSig(i).Clone(),
			GlobalDataOffset: offset,
		})
	}

	for i := range gen.env.Tables {
		offset, err := gen.metadata.AllocateGlobalBytes(tableTLSSize, ptrSize)
		if err != nil {
			return err
		}
		gen.env.Tables[i].GlobalDataOffset = offset
	}

	if err := gen.internSigIDs(); err != nil {
		return err
	}

	for i := range gen.env.Globals {
		global := &gen.env.Globals[i]
		if global.Constant {
			continue
		}
		width := global.Type.Width()
		offset, err := gen.metadata.AllocateGlobalBytes(width, width)
		if err != nil {
			return err
		}
		global.Offset = offset
	}

	// Seed the exported-function set; external-table elements join at
	// finalization.
	for _, exp := range gen.env.Exports {
		if exp.Kind == module.FunctionKind {
			gen.exportedFuncs[exp.Index] = struct{}{}
		}
	}
	if gen.env.StartFuncIndex != nil {
		start := *gen.env.StartFuncIndex
		gen.metadata.StartFuncIndex = &start
		gen.exportedFuncs[start] = struct{}{}
	}

	gen.metadata.Filename = gen.env.Filename
	gen.metadata.SourceMapURL = gen.env.SourceMapURL

	gen.startFuncDefs()
	return nil
}

// internSigIDs assigns every signature its runtime id. Structurally equal
// signatures in global form share one global-data slot. The interning map is
// keyed by structural hash with an equality confirm on hit.
func (gen *ModuleGenerator) internSigIDs() error {
	interned := make(map[uint64][]SigWithID)

	for _, sig := range gen.env.Sigs {
		var id types.SigID
		if types.IsGlobal(sig) {
			hash := sig.Hash()
			found := false
			for _, candidate := range interned[hash] {
				if candidate.Sig.Equal(sig) {
					id = candidate.ID
					found = true
					break
				}
			}
			if !found {
				offset, err := gen.metadata.AllocateGlobalBytes(sigIDSlotSize, ptrSize)
				if err != nil {
					return err
				}
				id = types.GlobalSigID(offset)
				interned[hash] = append(interned[hash], SigWithID{Sig: sig, ID: id})
			}
		} else {
			id = types.ImmediateSigID(sig)
		}
		gen.metadata.SigIDs = append(gen.metadata.SigIDs, SigWithID{Sig: sig.Clone(), ID: id})
	}
	return nil
}

func (gen *ModuleGenerator) startFuncDefs() {
	gen.parallel = !gen.args.Serial && runtime.NumCPU() > 1

	numTasks := 1
	if gen.parallel {
		startHelperWorkers()
		numTasks = 2 * maxCompilationWorkers()
	}

	gen.taskState = newTaskState()
	gen.tasks = make([]*CompileTask, 0, numTasks)
	gen.freeTasks = make([]*CompileTask, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		task := newCompileTask(gen.env, gen.taskState)
		gen.tasks = append(gen.tasks, task)
		gen.freeTasks = append(gen.freeTasks, task)
	}

	gen.startedFuncDefs = true
}

func (gen *ModuleGenerator) fail(err error) error {
	if gen.err == nil {
		gen.err = err
		gen.log.Error("module generation failed: %v", err)
	}
	return gen.err
}

func (gen *ModuleGenerator) funcIsCompiled(funcIndex uint32) bool {
	return gen.funcToCodeRange[funcIndex] != badCodeRange
}

func (gen *ModuleGenerator) funcCodeRange(funcIndex uint32) *CodeRange {
	cr := &gen.metadataTier.CodeRanges[gen.funcToCodeRange[funcIndex]]
	if !cr.IsFunction() {
		panic("function mapped to non-function code range")
	}
	return cr
}

// jumpRange returns the effective displacement bound: the tuning knob
// clamped to what the ISA immediate can express.
func (gen *ModuleGenerator) jumpRange() uint32 {
	if gen.args.JumpThreshold < isa.JumpImmediateRange {
		return gen.args.JumpThreshold
	}
	return isa.JumpImmediateRange
}

func (gen *ModuleGenerator) inRange(a, b uint32) bool {
	return isa.InRange(a, b, gen.jumpRange())
}

// linkCallSites patches every call site recorded since the previous pass,
// emitting far-jump islands for targets that are out of range or not yet
// compiled. It runs between merges at a frequency set by the jump range and
// once more at the very end, after all calls and traps exist.
func (gen *ModuleGenerator) linkCallSites() error {
	gen.stats.Timer(metrics.LinkCallSites).Start()
	defer gen.stats.Timer(metrics.LinkCallSites).Stop()

	gen.masm.HaltingAlign(isa.CodeAlignment)

	// Island sharing is per pass: the previous pass flushed every call site
	// in range, so stale entries could only point out of range.
	existingCallFarJumps := make(map[uint32]uint32)
	var existingTrapFarJumps [TrapLimit]maybeOffset
	islands := 0

	for ; gen.lastPatchedCallSite < len(gen.metadataTier.CallSites); gen.lastPatchedCallSite++ {
		callSite := &gen.metadataTier.CallSites[gen.lastPatchedCallSite]
		target := gen.callSiteTargets[gen.lastPatchedCallSite]
		callerOffset := callSite.ReturnAddressOffset

		switch callSite.Kind {
		case CallSiteDynamic, CallSiteSymbolic:
			// Resolved at runtime or at publication.

		case CallSiteFunc:
			if gen.funcIsCompiled(target.FuncIndex) {
				calleeOffset := gen.funcCodeRange(target.FuncIndex).FuncNormalEntry()
				if gen.inRange(callerOffset, calleeOffset) {
					gen.masm.PatchCall(callerOffset, calleeOffset)
					break
				}
			}

			islandOffset, ok := existingCallFarJumps[target.FuncIndex]
			if !ok {
				begin := gen.masm.CurrentOffset()
				jump := gen.masm.FarJumpWithPatch()
				gen.callFarJumps = append(gen.callFarJumps, CallFarJump{FuncIndex: target.FuncIndex, PatchAt: jump})
				end := gen.masm.CurrentOffset()
				if gen.masm.OOM() {
					return errOutOfMemory
				}
				gen.metadataTier.CodeRanges = append(gen.metadataTier.CodeRanges, CodeRange{
					Kind:  FarJumpIsland,
					Begin: begin,
					End:   end,
				})
				existingCallFarJumps[target.FuncIndex] = begin
				islandOffset = begin
				islands++
			}
			gen.masm.PatchCall(callerOffset, islandOffset)

		case CallSiteTrapExit:
			if !existingTrapFarJumps[target.Trap].IsSet() {
				// The trap-exit contract requires the TLS base reloaded from
				// the frame before the jump.
				begin := gen.masm.CurrentOffset()
				gen.masm.LoadTLSFromFrame()
				jump := gen.masm.FarJumpWithPatch()
				gen.trapFarJumps = append(gen.trapFarJumps, TrapFarJump{Trap: target.Trap, PatchAt: jump})
				end := gen.masm.CurrentOffset()
				if gen.masm.OOM() {
					return errOutOfMemory
				}
				gen.metadataTier.CodeRanges = append(gen.metadataTier.CodeRanges, CodeRange{
					Kind:  FarJumpIsland,
					Begin: begin,
					End:   end,
				})
				existingTrapFarJumps[target.Trap].init(begin)
				islands++
			}
			gen.masm.PatchCall(callerOffset, existingTrapFarJumps[target.Trap].Value())

		case CallSiteBreakpoint, CallSiteEnterFrame, CallSiteLeaveFrame:
			// One debug island serves every debug site within one
			// jump-range window.
			jumps := gen.metadataTier.DebugTrapFarJumpOffsets
			if len(jumps) == 0 || !gen.inRange(jumps[len(jumps)-1], callerOffset) {
				begin := gen.masm.CurrentOffset()
				gen.masm.LoadTLSFromFrame()
				jump := gen.masm.FarJumpWithPatch()
				end := gen.masm.CurrentOffset()
				if gen.masm.OOM() {
					return errOutOfMemory
				}
				gen.metadataTier.CodeRanges = append(gen.metadataTier.CodeRanges, CodeRange{
					Kind:  FarJumpIsland,
					Begin: begin,
					End:   end,
				})
				gen.debugTrapFarJumps = append(gen.debugTrapFarJumps, jump)
				gen.metadataTier.DebugTrapFarJumpOffsets = append(gen.metadataTier.DebugTrapFarJumpOffsets, begin)
				islands++
			}
		}
	}

	if islands > 0 {
		gen.stats.Counter(metrics.FarJumpIslands).Add(uint64(islands))
		gen.log.Debug("emitted %d far-jump islands at %d", islands, gen.masm.Size())
	}

	if gen.masm.OOM() {
		return errOutOfMemory
	}
	return nil
}

// noteCodeRange maintains the side indexes keyed by code-range kind as a
// merged range lands at its final offset.
func (gen *ModuleGenerator) noteCodeRange(codeRangeIndex uint32, codeRange *CodeRange) {
	switch codeRange.Kind {
	case Function:
		if gen.funcToCodeRange[codeRange.FuncIndex] != badCodeRange {
			panic("function compiled twice")
		}
		gen.funcToCodeRange[codeRange.FuncIndex] = codeRangeIndex
	case Entry:
		gen.metadataTier.LookupFuncExport(codeRange.FuncIndex).InitEntryOffset(codeRange.Begin)
	case ImportJitExit:
		gen.metadataTier.FuncImports[codeRange.FuncIndex].InitJitExitOffset(codeRange.Begin)
	case ImportInterpExit:
		gen.metadataTier.FuncImports[codeRange.FuncIndex].InitInterpExitOffset(codeRange.Begin)
	case TrapExit:
		gen.trapCodeOffsets[codeRange.Trap].init(codeRange.Begin)
	case DebugTrap:
		gen.debugTrapCodeOffset.init(codeRange.Begin)
	case OutOfBoundsExit:
		gen.linkData.InitOutOfBoundsOffset(codeRange.Begin)
	case UnalignedExit:
		gen.linkData.InitUnalignedAccessOffset(codeRange.Begin)
	case Interrupt:
		gen.linkData.InitInterruptOffset(codeRange.Begin)
	case Throw:
		// Jumped to by other stubs, so nothing to do.
	case FarJumpIsland, BuiltinThunk:
		panic("unexpected code range kind in compiled code")
	}
}

// linkCompiledCode appends one relocatable package at an aligned offset and
// shifts every record it carries by the placement offset.
func (gen *ModuleGenerator) linkCompiledCode(code *CompiledCode) error {
	gen.stats.Timer(metrics.MergeTask).Start()
	defer gen.stats.Timer(metrics.MergeTask).Stop()

	gen.masm.HaltingAlign(isa.CodeAlignment)
	offsetInModule := gen.masm.Size()
	if !gen.masm.AppendRaw(code.Bytes) {
		return errOutOfMemory
	}

	for i := range code.CodeRanges {
		codeRange := code.CodeRanges[i]
		codeRange.OffsetBy(offsetInModule)
		index := uint32(len(gen.metadataTier.CodeRanges))
		gen.metadataTier.CodeRanges = append(gen.metadataTier.CodeRanges, codeRange)
		gen.noteCodeRange(index, &gen.metadataTier.CodeRanges[index])
	}

	for i := range code.CallSites {
		callSite := code.CallSites[i]
		callSite.OffsetBy(offsetInModule)
		gen.metadataTier.CallSites = append(gen.metadataTier.CallSites, callSite)
	}
	gen.callSiteTargets = append(gen.callSiteTargets, code.CallSiteTargets...)

	for i := range code.TrapFarJumps {
		tfj := code.TrapFarJumps[i]
		tfj.OffsetBy(offsetInModule)
		gen.trapFarJumps = append(gen.trapFarJumps, tfj)
	}

	for i := range code.CallFarJumps {
		cfj := code.CallFarJumps[i]
		cfj.OffsetBy(offsetInModule)
		gen.callFarJumps = append(gen.callFarJumps, cfj)
	}

	for i := range code.MemoryAccesses {
		access := code.MemoryAccesses[i]
		access.OffsetBy(offsetInModule)
		gen.metadataTier.MemoryAccesses = append(gen.metadataTier.MemoryAccesses, access)
	}

	for _, access := range code.SymbolicAccesses {
		gen.linkData.SymbolicLinks[access.Target] = append(
			gen.linkData.SymbolicLinks[access.Target], offsetInModule+access.PatchAt)
	}

	for _, label := range code.CodeLabels {
		gen.linkData.InternalLinks = append(gen.linkData.InternalLinks, InternalLink{
			PatchAtOffset: offsetInModule + label.PatchAt,
			TargetOffset:  offsetInModule + label.Target,
		})
	}

	return nil
}

// finishTask merges a finished task's output and re-enqueues the task on
// the free list. If merging the output could push unpatched call sites out
// of jump range, a link pass runs first.
func (gen *ModuleGenerator) finishTask(task *CompileTask) error {
	gen.masm.HaltingAlign(isa.CodeAlignment)

	if !isa.InRange(gen.startOfUnpatchedCallsites, gen.masm.Size()+uint32(len(task.output.Bytes)), gen.jumpRange()) {
		gen.startOfUnpatchedCallsites = gen.masm.Size()
		if err := gen.linkCallSites(); err != nil {
			return err
		}
	}

	if err := gen.linkCompiledCode(&task.output); err != nil {
		return err
	}

	task.output.Clear()
	gen.freeTasks = append(gen.freeTasks, task)
	return nil
}

// launchBatchCompile hands the current task to a worker, or compiles it
// inline in serial mode. The cancel flag is observed here, before dispatch.
func (gen *ModuleGenerator) launchBatchCompile() error {
	if gen.currentTask == nil {
		panic("no batch to launch")
	}
	if gen.cancelled != nil && gen.cancelled.Load() {
		return ErrCancelled
	}

	gen.stats.Counter(metrics.BatchesLaunched).Incr()
	gen.log.Debug("launching batch of %d funcs (%d bytecode bytes)",
		len(gen.currentTask.inputs), gen.batchedBytecode)

	if gen.parallel {
		enqueueCompileTask(gen.currentTask)
		gen.outstanding++
	} else {
		if err := executeCompileTask(gen.currentTask); err != nil {
			return err
		}
		if err := gen.finishTask(gen.currentTask); err != nil {
			return err
		}
	}

	gen.currentTask = nil
	gen.batchedBytecode = 0
	return nil
}

// finishOutstandingTask blocks until a worker delivers a finished task or a
// failure, then merges the task.
func (gen *ModuleGenerator) finishOutstandingTask() error {
	if !gen.parallel {
		panic("no outstanding tasks in serial mode")
	}

	var task *CompileTask
	ts := gen.taskState
	ts.mu.Lock()
	for {
		if gen.outstanding <= 0 {
			panic("waiting with no outstanding tasks")
		}
		if ts.numFailed > 0 {
			msg := ts.errorMessage
			ts.mu.Unlock()
			return errors.New(msg)
		}
		if len(ts.finished) > 0 {
			gen.outstanding--
			task = ts.finished[0]
			ts.finished = ts.finished[1:]
			break
		}
		ts.failedOrFinished.Wait()
	}
	ts.mu.Unlock()

	// Merge outside the task-state lock.
	return gen.finishTask(task)
}

func (gen *ModuleGenerator) batchThreshold() uint32 {
	if gen.env.Tier == module.TierIon {
		return gen.args.IonBatchThreshold
	}
	return gen.args.BaselineBatchThreshold
}

// CompileFuncDef appends one function definition to the current batch,
// launching the batch once it crosses the tier's bytecode threshold.
// Definitions may arrive in any order.
func (gen *ModuleGenerator) CompileFuncDef(funcIndex, lineOrBytecode uint32, bytecode []byte, lineNums []uint32) error {
	if !gen.startedFuncDefs || gen.finishedFuncDefs {
		panic("CompileFuncDef outside the streaming phase")
	}
	if gen.err != nil {
		return gen.err
	}

	gen.numFuncDefs++
	gen.stats.Histogram(metrics.FuncBytecodeSize).Update(int64(len(bytecode)))

	if gen.currentTask == nil {
		if len(gen.freeTasks) == 0 {
			if err := gen.finishOutstandingTask(); err != nil {
				return gen.fail(err)
			}
		}
		gen.currentTask = gen.freeTasks[len(gen.freeTasks)-1]
		gen.freeTasks = gen.freeTasks[:len(gen.freeTasks)-1]
	}

	gen.currentTask.inputs = append(gen.currentTask.inputs, FuncCompileInput{
		Index:          funcIndex,
		LineOrBytecode: lineOrBytecode,
		Bytes:          bytecode,
		LineNums:       lineNums,
	})

	gen.batchedBytecode += uint32(len(bytecode))
	if gen.batchedBytecode <= gen.batchThreshold() {
		return nil
	}
	if err := gen.launchBatchCompile(); err != nil {
		return gen.fail(err)
	}
	return nil
}

// FinishFuncDefs closes the streaming phase: the partial batch is launched
// and every outstanding task is drained in completion order.
func (gen *ModuleGenerator) FinishFuncDefs() error {
	if !gen.startedFuncDefs || gen.finishedFuncDefs {
		panic("FinishFuncDefs outside the streaming phase")
	}
	if gen.err != nil {
		return gen.err
	}

	if gen.currentTask != nil && len(gen.currentTask.inputs) > 0 {
		if err := gen.launchBatchCompile(); err != nil {
			return gen.fail(err)
		}
	}

	for gen.outstanding > 0 {
		if err := gen.finishOutstandingTask(); err != nil {
			return gen.fail(err)
		}
	}

	gen.finishedFuncDefs = true
	return nil
}

// finishFuncExports converts the exported-function set into its sorted
// vector form. Any element of an externally-visible table is exported, as
// is the start function.
func (gen *ModuleGenerator) finishFuncExports() {
	for _, elems := range gen.env.ElemSegments {
		if !gen.env.Tables[elems.TableIndex].External {
			continue
		}
		for _, funcIndex := range elems.FuncIndices {
			gen.exportedFuncs[funcIndex] = struct{}{}
		}
	}

	sorted := make([]uint32, 0, len(gen.exportedFuncs))
	for funcIndex := range gen.exportedFuncs {
		sorted = append(sorted, funcIndex)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(gen.metadataTier.FuncExports) != 0 {
		panic("func exports built twice")
	}
	gen.metadataTier.FuncExports = make([]FuncExport, 0, len(sorted))
	for _, funcIndex := range sorted {
		gen.metadataTier.FuncExports = append(gen.metadataTier.FuncExports, FuncExport{
			Sig:       gen.env.FuncSig(funcIndex).Clone(),
			FuncIndex: funcIndex,
		})
	}
}

// finishLinking runs the final link pass and patches every recorded far
// jump against its now-known target.
func (gen *ModuleGenerator) finishLinking() error {
	for funcIndex, codeRangeIndex := range gen.funcToCodeRange {
		if gen.env.IsImport(uint32(funcIndex)) {
			continue
		}
		if codeRangeIndex == badCodeRange {
			panic(errors.Errorf("function %d has no code range at link time", funcIndex).Error())
		}
	}

	if err := gen.linkCallSites(); err != nil {
		return err
	}

	for _, far := range gen.callFarJumps {
		gen.masm.PatchFarJump(far.PatchAt, gen.funcCodeRange(far.FuncIndex).FuncNormalEntry())
	}
	for _, far := range gen.trapFarJumps {
		gen.masm.PatchFarJump(far.PatchAt, gen.trapCodeOffsets[far.Trap].Value())
	}
	for _, jumpOffset := range gen.debugTrapFarJumps {
		gen.masm.PatchFarJump(jumpOffset, gen.debugTrapCodeOffset.Value())
	}

	// Linking must not leave unmerged assembler metadata behind.
	if !gen.masm.PendingEmpty() {
		panic("assembler metadata recorded during linking")
	}

	gen.masm.Finish()
	if gen.masm.OOM() {
		return errOutOfMemory
	}
	return nil
}

// finishMetadata freezes the metadata: invariants are verified, vectors are
// clipped to size, derived indices are filled in, and the environment's
// descriptors move into the metadata.
func (gen *ModuleGenerator) finishMetadata(bytecode []byte) error {
	lastEnd := uint32(0)
	for i := range gen.metadataTier.CodeRanges {
		cr := &gen.metadataTier.CodeRanges[i]
		if cr.Begin < lastEnd {
			panic("code ranges not sorted by begin")
		}
		lastEnd = cr.End
	}
	lastOffset := uint32(0)
	for _, off := range gen.metadataTier.DebugTrapFarJumpOffsets {
		if off < lastOffset {
			panic("debug trap far jump offsets not sorted")
		}
		lastOffset = off
	}

	gen.metadata.MemoryUsage = gen.env.MemoryUsage
	gen.metadata.MinMemoryLength = gen.env.MinMemoryLength
	gen.metadata.MaxMemoryLength = gen.env.MaxMemoryLength
	gen.metadata.Tables = gen.env.Tables
	gen.metadata.Globals = gen.env.Globals
	gen.metadata.CustomSections = gen.env.CustomSections

	// Inflate the global data area to a page multiple; the instance
	// allocator requires it.
	pageSize := uint32(systemPageSize())
	gen.metadata.GlobalDataLength += (pageSize - gen.metadata.GlobalDataLength%pageSize) % pageSize

	gen.metadataTier.CodeRanges = slices.Clip(gen.metadataTier.CodeRanges)
	gen.metadataTier.CallSites = slices.Clip(gen.metadataTier.CallSites)
	gen.metadataTier.MemoryAccesses = slices.Clip(gen.metadataTier.MemoryAccesses)
	gen.metadataTier.DebugTrapFarJumpOffsets = slices.Clip(gen.metadataTier.DebugTrapFarJumpOffsets)

	// Complete function exports and element segments with code range
	// indices, now that every function has one.
	for i := range gen.metadataTier.FuncExports {
		fe := &gen.metadataTier.FuncExports[i]
		fe.CodeRangeIndex = gen.funcToCodeRange[fe.FuncIndex]
	}

	for i := range gen.env.ElemSegments {
		elems := &gen.env.ElemSegments[i]
		if elems.CodeRangeIndices == nil {
			elems.CodeRangeIndices = make(map[module.Tier][]uint32)
		}
		indices := make([]uint32, 0, len(elems.FuncIndices))
		for _, funcIndex := range elems.FuncIndices {
			indices = append(indices, gen.funcToCodeRange[funcIndex])
		}
		elems.CodeRangeIndices[gen.env.Tier] = indices
	}

	if gen.env.DebugEnabled() {
		gen.metadata.DebugEnabled = true
		numFuncs := gen.env.NumFuncs()
		gen.metadata.DebugFuncArgTypes = make([][]types.ValType, numFuncs)
		gen.metadata.DebugFuncReturnTypes = make([][]types.ValType, numFuncs)
		for i := uint32(0); i < numFuncs; i++ {
			sig := gen.env.FuncSig(i)
			gen.metadata.DebugFuncArgTypes[i] = append([]types.ValType(nil), sig.Params...)
			gen.metadata.DebugFuncReturnTypes[i] = append([]types.ValType(nil), sig.Results...)
		}
		gen.metadataTier.DebugFuncToCodeRange = gen.funcToCodeRange
		gen.metadata.DebugHash = sha1.Sum(bytecode)
	}

	return nil
}

// finishCodeSegment drives the strictly-ordered closing sequence shared by
// FinishModule and FinishTier2.
func (gen *ModuleGenerator) finishCodeSegment(bytecode []byte) (*CodeSegment, error) {
	if !gen.finishedFuncDefs {
		panic("closing before FinishFuncDefs")
	}

	gen.finishFuncExports()

	// With all imports and exports known, generate the one stub package.
	// Stub code is always merged last.
	gen.stats.Timer(metrics.GenerateStubs).Start()
	stubCode := &gen.tasks[0].output
	if !stubCode.Empty() {
		panic("stub output task not drained")
	}
	err := GenerateStubs(gen.env, gen.metadataTier.FuncImports, gen.metadataTier.FuncExports, stubCode)
	gen.stats.Timer(metrics.GenerateStubs).Stop()
	if err != nil {
		return nil, err
	}

	if err := gen.linkCompiledCode(stubCode); err != nil {
		return nil, err
	}
	stubCode.Clear()

	// Stubs introduce new call sites, so link once more, then resolve the
	// far jumps.
	if err := gen.finishLinking(); err != nil {
		return nil, err
	}

	if err := gen.finishMetadata(bytecode); err != nil {
		return nil, err
	}

	return publishCodeSegment(gen.masm.Bytes(), gen.linkData)
}

// createJumpTable publishes the tier entry of every compiled function into
// a dense table indexed by function index.
func (gen *ModuleGenerator) createJumpTable() []uint32 {
	table := make([]uint32, gen.env.NumFuncs())
	for i := range gen.metadataTier.CodeRanges {
		cr := &gen.metadataTier.CodeRanges[i]
		if cr.IsFunction() {
			table[cr.FuncIndex] = cr.FuncTierEntry()
		}
	}
	return table
}

// FinishModule closes the generator and returns the immutable module.
// A second call is rejected.
func (gen *ModuleGenerator) FinishModule(bytecode []byte) (*Module, error) {
	if gen.finishedModule {
		return nil, ErrAlreadyFinished
	}
	if gen.env.Mode != module.CompileOnce && gen.env.Mode != module.CompileTier1 {
		panic("FinishModule in tier-2 mode")
	}
	if gen.err != nil {
		return nil, gen.err
	}

	gen.stats.Timer(metrics.FinishModule).Start()
	defer gen.stats.Timer(metrics.FinishModule).Stop()

	segment, err := gen.finishCodeSegment(bytecode)
	if err != nil {
		return nil, gen.fail(err)
	}

	var jumpTable []uint32
	if gen.env.Mode == module.CompileTier1 {
		jumpTable = gen.createJumpTable()
	}

	var debugBytes []byte
	if gen.env.DebugEnabled() {
		if gen.env.Mode != module.CompileOnce {
			panic("debugging requires once-mode compilation")
		}
		debugBytes = append([]byte(nil), gen.masm.Bytes()...)
	}

	mod := &Module{
		assumptions: gen.args.Assumptions.Clone(),
		bytecode:    bytecode,
		metadata:    gen.metadata,
		tier1: &TierArtifact{
			Metadata: gen.metadataTier,
			LinkData: gen.linkData,
			Segment:  segment,
		},
		debugBytes:   debugBytes,
		jumpTable:    jumpTable,
		imports:      gen.env.Imports,
		exports:      gen.env.Exports,
		dataSegments: gen.env.DataSegments,
		elemSegments: gen.env.ElemSegments,
	}

	gen.finishedModule = true
	gen.log.Debug("finished module: %d code ranges, %d call sites, %d bytes of code",
		len(gen.metadataTier.CodeRanges), len(gen.metadataTier.CallSites), segment.Length())
	return mod, nil
}

// FinishTier2 publishes the optimized tier into an already-running module.
func (gen *ModuleGenerator) FinishTier2(mod *Module) error {
	if gen.finishedModule {
		return ErrAlreadyFinished
	}
	if gen.env.Mode != module.CompileTier2 {
		panic("FinishTier2 outside tier-2 mode")
	}
	if gen.env.DebugEnabled() {
		panic("tier-2 compilation never debugs")
	}
	if gen.err != nil {
		return gen.err
	}
	if gen.cancelled != nil && gen.cancelled.Load() {
		return gen.fail(ErrCancelled)
	}

	segment, err := gen.finishCodeSegment(mod.Bytecode())
	if err != nil {
		return gen.fail(err)
	}

	mod.finishTier2(&TierArtifact{
		Metadata: gen.metadataTier,
		LinkData: gen.linkData,
		Segment:  segment,
	})

	gen.finishedModule = true
	return nil
}

// Close tears the generator down. Queued tasks are removed from the shared
// worklist; in-flight tasks are waited for unconditionally and their
// outputs discarded, so no worker is left referencing freed state. The
// first failure message, if any, lands in the construction-time error slot.
func (gen *ModuleGenerator) Close() {
	if gen.parallel && gen.outstanding > 0 {
		removed := removeQueuedTasks(func(task *CompileTask) bool {
			return task.state == gen.taskState
		})
		gen.outstanding -= removed

		ts := gen.taskState
		ts.mu.Lock()
		for {
			gen.outstanding -= len(ts.finished)
			ts.finished = nil

			gen.outstanding -= ts.numFailed
			ts.numFailed = 0

			if gen.outstanding <= 0 {
				break
			}
			ts.failedOrFinished.Wait()
		}
		ts.mu.Unlock()
	}

	if gen.errOut != nil && *gen.errOut == "" {
		if gen.err != nil {
			*gen.errOut = gen.err.Error()
		} else if gen.taskState != nil && gen.taskState.errorMessage != "" {
			*gen.errOut = gen.taskState.errorMessage
		}
	}
}
