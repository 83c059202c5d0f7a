// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/forge/pkg/validation"
	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/invalidate"
	"github.com/mitchellh/hashstructure/v2"
)

// ErrUnknownTarget is returned when a target is not declared in the workspace.
var ErrUnknownTarget = errors.New("unknown target")

// ActionSpec declares one tool invocation of a target.
//
// Argv may contain the placeholders "{srcs}" (every transitive source, in
// compile order), "{outs}" (every declared output) and "{out}" (the first
// output). A placeholder must be a whole argument.
type ActionSpec struct {
	Mnemonic  string             `yaml:"mnemonic" validate:"required"`
	Argv      []string           `yaml:"argv" validate:"required,min=1"`
	Outputs   []string           `yaml:"outputs"`
	Depfile   string             `yaml:"depfile,omitempty"`
	Env       map[string]string  `yaml:"env,omitempty"`
	Resources action.ResourceSet `yaml:"resources,omitempty"`
	Priority  int                `yaml:"priority,omitempty"`
}

func (a ActionSpec) equal(b ActionSpec) bool { return reflect.DeepEqual(a, b) }

// TargetSpec declares a target.
type TargetSpec struct {
	Name    string       `yaml:"name" validate:"required"`
	Srcs    []string     `yaml:"srcs,omitempty"`
	Deps    []string     `yaml:"deps,omitempty"`
	Actions []ActionSpec `yaml:"actions,omitempty" validate:"dive"`
}

// Workspace is the table of declared targets behind the "spec" kind.
//
// Thread Safety: Safe for concurrent use.
type Workspace struct {
	mu      sync.RWMutex
	targets map[string]TargetSpec
}

// NewWorkspace creates a workspace. Target names must be unique.
func NewWorkspace(targets ...TargetSpec) (*Workspace, error) {
	ws := &Workspace{targets: make(map[string]TargetSpec, len(targets))}
	for _, t := range targets {
		if err := validation.ValidateTargetName(t.Name); err != nil {
			return nil, err
		}
		if err := validation.ValidateTargetNames(t.Deps); err != nil {
			return nil, fmt.Errorf("target %q: %w", t.Name, err)
		}
		if _, dup := ws.targets[t.Name]; dup {
			return nil, fmt.Errorf("duplicate target %q", t.Name)
		}
		ws.targets[t.Name] = t
	}
	return ws, nil
}

// Target returns the named target.
func (w *Workspace) Target(name string) (TargetSpec, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.targets[name]
	return t, ok
}

// Names returns all target names, sorted.
func (w *Workspace) Names() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Sorted(maps.Keys(w.targets))
}

// Replace swaps in a new target table and returns the invalidation changes
// for every target that was added, removed, or modified.
func (w *Workspace) Replace(targets []TargetSpec) ([]invalidate.Change, error) {
	next, err := NewWorkspace(targets...)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var changes []invalidate.Change
	for name, t := range next.targets {
		old, ok := w.targets[name]
		if !ok || !reflect.DeepEqual(old, t) {
			changes = append(changes, invalidate.Change{Key: SpecKey(name), Stamp: stampOf(t)})
		}
	}
	for name := range w.targets {
		if _, ok := next.targets[name]; !ok {
			changes = append(changes, invalidate.Change{Key: SpecKey(name), Stamp: "removed"})
		}
	}
	w.targets = next.targets
	slices.SortFunc(changes, func(a, b invalidate.Change) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return changes, nil
}

func stampOf(t TargetSpec) string {
	h, err := hashstructure.Hash(t, hashstructure.FormatV2, nil)
	if err != nil {
		return ""
	}
	return strconv.FormatUint(h, 16)
}
