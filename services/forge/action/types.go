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
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/forge/services/forge/nestedset"
	"github.com/mitchellh/hashstructure/v2"
)

// Artifact is a file consumed or produced by an action. Digest is the hex
// sha256 of its content, empty when not yet known.
type Artifact struct {
	Path   string `json:"path"`
	Digest string `json:"digest,omitempty"`
}

func (a Artifact) String() string {
	if a.Digest == "" {
		return a.Path
	}
	short := a.Digest
	if len(short) > 12 {
		short = short[:12]
	}
	return a.Path + "@" + short
}

// Action is one external tool invocation.
type Action struct {
	// Mnemonic names the kind of tool, e.g. "compile" or "link". It selects
	// the strategy.
	Mnemonic string

	// Owner is the target that declared the action. Informational.
	Owner string

	Argv []string
	Env  map[string]string

	// Dir is the working directory, relative to the strategy's root.
	Dir string

	// Inputs are the declared input artifacts with their digests.
	Inputs *nestedset.NestedSet[Artifact]

	// Outputs are the paths the tool must produce.
	Outputs []string

	// Resources is the estimate used for admission. Zero means "ask the
	// Context's estimator".
	Resources ResourceSet

	// Depfile, when set, is a Make-style dependency file the tool writes
	// listing the inputs it actually read.
	Depfile string
}

// Validate checks the fields every strategy relies on.
func (a *Action) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil action", ErrInvalidAction)
	}
	if a.Mnemonic == "" {
		return fmt.Errorf("%w: empty mnemonic", ErrInvalidAction)
	}
	if !a.Resources.IsZero() {
		if err := a.Resources.validateRequest(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
	}
	return nil
}

// InputList flattens the declared inputs. A nil set yields nil.
func (a *Action) InputList() []Artifact {
	if a.Inputs == nil {
		return nil
	}
	return a.Inputs.ToList()
}

// fingerprintView is the part of an action that determines its result.
type fingerprintView struct {
	Mnemonic string
	Argv     []string
	Env      map[string]string
	Dir      string
	Inputs   []Artifact
	Outputs  []string
	Depfile  string
}

// Fingerprint hashes everything that determines the action's result.
// Resources and Owner are excluded: they do not change what the tool
// produces.
func Fingerprint(a *Action) (uint64, error) {
	view := fingerprintView{
		Mnemonic: a.Mnemonic,
		Argv:     a.Argv,
		Env:      a.Env,
		Dir:      a.Dir,
		Inputs:   a.InputList(),
		Outputs:  a.Outputs,
		Depfile:  a.Depfile,
	}
	h, err := hashstructure.Hash(view, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("fingerprint action %s: %w", a.Mnemonic, err)
	}
	return h, nil
}

// Reply is the structured result of an execution.
type Reply struct {
	// Outputs are the produced artifacts with their digests, in declared
	// order.
	Outputs []Artifact `json:"outputs"`

	// AdditionalInputs were known before execution. Nil means they could
	// only be discovered afterwards.
	AdditionalInputs *nestedset.NestedSet[Artifact] `json:"-"`

	// DiscoveredInputs were reported by the tool itself, e.g. through a
	// depfile.
	DiscoveredInputs []Artifact `json:"discovered_inputs,omitempty"`

	Stdout     []byte        `json:"stdout,omitempty"`
	Stderr     []byte        `json:"stderr,omitempty"`
	ExitStatus int           `json:"exit_status"`
	Duration   time.Duration `json:"duration"`

	// Strategy names the strategy that produced the reply.
	Strategy string `json:"strategy"`

	// Cached is set on replies served from the Context's memo.
	Cached bool `json:"cached"`
}

// Strategy executes actions. Implementations must be safe for concurrent use.
type Strategy interface {
	// FindAdditionalInputs returns inputs beyond the declared ones that can
	// be determined before execution. A nil set means they are only knowable
	// after the tool has run.
	FindAdditionalInputs(ctx context.Context, a *Action) (*nestedset.NestedSet[Artifact], error)

	// Exec runs the action. A tool failure is reported as *ExecutionError.
	Exec(ctx context.Context, a *Action) (*Reply, error)

	// ReplyFromFailedExecution salvages what it can from a failed run. It
	// may return nil.
	ReplyFromFailedExecution(err *ExecutionError) *Reply
}
