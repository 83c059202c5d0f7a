// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"log/slog"
	"reflect"

	"github.com/mitchellh/hashstructure/v2"
)

// Equality selects how a recomputed value is compared with the previous one
// for change pruning.
type Equality int

const (
	// EqualityDeep compares values structurally: through Equaler when the
	// value implements it, reflect.DeepEqual otherwise. This is the default.
	EqualityDeep Equality = iota

	// EqualityFingerprint compares hashstructure digests of the two values.
	// It is cheaper for large values but is only a proxy: a digest collision
	// prunes a real change, and fields hashstructure ignores (tagged
	// `hash:"ignore"`) are not compared at all. Opt in explicitly.
	EqualityFingerprint

	// EqualityNever treats every recomputation as a change, disabling pruning.
	EqualityNever
)

// String returns the equality mode name.
func (e Equality) String() string {
	switch e {
	case EqualityDeep:
		return "deep"
	case EqualityFingerprint:
		return "fingerprint"
	case EqualityNever:
		return "never"
	default:
		return "unknown"
	}
}

// Equaler lets a value define its own structural equality.
type Equaler interface {
	Equal(other any) bool
}

func deepEqual(a, b any) bool {
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}

func fingerprintEqual(logger *slog.Logger) func(a, b any) bool {
	return func(a, b any) bool {
		if reflect.TypeOf(a) != reflect.TypeOf(b) {
			return false
		}
		ha, errA := hashstructure.Hash(a, hashstructure.FormatV2, nil)
		hb, errB := hashstructure.Hash(b, hashstructure.FormatV2, nil)
		if errA != nil || errB != nil {
			logger.Debug("fingerprint failed, falling back to deep equality",
				slog.Any("error_a", errA), slog.Any("error_b", errB))
			return deepEqual(a, b)
		}
		return ha == hb
	}
}

func (e Equality) comparator(logger *slog.Logger) func(a, b any) bool {
	switch e {
	case EqualityFingerprint:
		return fingerprintEqual(logger)
	case EqualityNever:
		return nil
	default:
		return deepEqual
	}
}

// ParseEquality converts a configuration string to an Equality.
func ParseEquality(s string) (Equality, bool) {
	for _, e := range []Equality{EqualityDeep, EqualityFingerprint, EqualityNever} {
		if e.String() == s {
			return e, true
		}
	}
	return EqualityDeep, false
}
