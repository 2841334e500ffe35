// Copyright 2026 The Helix Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package codegen

import "errors"

// Errors surfaced by module generation. All of them are fatal to the
// generation in progress; upstream may retry the whole compile.
var (
	// ErrCancelled reports that the externally-owned cancel flag was set.
	ErrCancelled = errors.New("module generation cancelled")

	// ErrAlreadyFinished reports a second finalization attempt.
	ErrAlreadyFinished = errors.New("module generation already finished")

	errOutOfMemory = errors.New("out of memory growing code buffer")
)
