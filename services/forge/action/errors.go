// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"errors"
	"fmt"
)

var (
	// ErrResourcesExceedCapacity is returned at submission when a request
	// could never fit in the pool, even if it were empty.
	ErrResourcesExceedCapacity = errors.New("resource request exceeds pool capacity")

	// ErrInvalidResources is returned for negative, NaN, or infinite amounts.
	ErrInvalidResources = errors.New("invalid resource set")

	// ErrNoStrategy is returned when no strategy is registered for a
	// mnemonic and no default strategy was configured.
	ErrNoStrategy = errors.New("no execution strategy for mnemonic")

	// ErrInvalidAction is returned for malformed actions.
	ErrInvalidAction = errors.New("invalid action")

	// ErrMissingOutput is the cause of an ExecutionError when a tool exited
	// successfully but did not produce a declared output.
	ErrMissingOutput = errors.New("declared output was not produced")
)

// ExecutionError reports a failed tool invocation.
//
// ExitStatus is the process exit code, or -1 when the tool never ran.
// PartialReply carries whatever could be salvaged from the failed run, such
// as captured output or a dependency file; it may be nil.
type ExecutionError struct {
	Mnemonic     string
	ExitStatus   int
	PartialReply *Reply
	Cause        error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("action %s failed with exit status %d: %v", e.Mnemonic, e.ExitStatus, e.Cause)
	}
	return fmt.Sprintf("action %s failed with exit status %d", e.Mnemonic, e.ExitStatus)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }
