// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import (
	"sync"

	"github.com/helixvm/helix/internal/arena"
	"github.com/helixvm/helix/wasm/module"
)

const compileArenaChunkSize = 64 * 1024

// FuncCompileInput is one function definition handed to a tier compiler.
type FuncCompileInput struct {
	Index          uint32
	LineOrBytecode uint32
	Bytes          []byte
	LineNums       []uint32
}

// taskState is the single shared-state block between the generator and its
// workers: one mutex, one condition variable, signalled on either a finished
// task or a failure.
type taskState struct {
	mu               sync.Mutex
	failedOrFinished *sync.Cond

	finished     []*CompileTask
	numFailed    int
	errorMessage string
}

func newTaskState() *taskState {
	ts := &taskState{}
	ts.failedOrFinished = sync.NewCond(&ts.mu)
	return ts
}

// CompileTask is a worker-bound unit of compilation. Each task owns a
// private arena and input batch; once launched, the worker owns the task
// until it lands back on the finished list.
type CompileTask struct {
	env    *module.Environment
	state  *taskState
	arena  *arena.Arena
	inputs []FuncCompileInput
	output CompiledCode
}

func newCompileTask(env *module.Environment, state *taskState) *CompileTask {
	return &CompileTask{
		env:   env,
		state: state,
		arena: arena.New(compileArenaChunkSize),
	}
}

// executeCompileTask runs the tier compiler over the task's input batch.
// On success the arena is reset, the inputs are cleared, and the output
// holds exactly one Function code range per input, in input order.
func executeCompileTask(task *CompileTask) error {
	if !task.arena.Empty() {
		panic("compile task arena not reset")
	}
	if !task.output.Empty() {
		panic("compile task output not cleared")
	}

	var err error
	switch task.env.Tier {
	case module.TierIon:
		err = ionCompileFunctions(task.env, task.arena, task.inputs, &task.output)
	case module.TierBaseline:
		err = baselineCompileFunctions(task.env, task.arena, task.inputs, &task.output)
	}
	if err != nil {
		task.arena.Reset()
		task.output.Clear()
		return err
	}

	if len(task.inputs) != len(task.output.CodeRanges) {
		panic("tier compiler did not produce one code range per input")
	}
	task.arena.Reset()
	task.inputs = task.inputs[:0]
	return nil
}

// executeCompileTaskFromWorker runs a task on a worker goroutine and
// delivers the outcome through the task's shared state.
func executeCompileTaskFromWorker(task *CompileTask) {
	err := executeCompileTask(task)

	ts := task.state
	ts.mu.Lock()
	if err != nil {
		ts.numFailed++
		if ts.errorMessage == "" {
			ts.errorMessage = err.Error()
		}
	} else {
		ts.finished = append(ts.finished, task)
	}
	ts.mu.Unlock()
	ts.failedOrFinished.Signal()
}
