// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eval

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := FunctionFunc(func(context.Context, graph.Key, Env) (graph.Value, error) { return nil, nil })

	require.NoError(t, reg.Register("b", noop))
	require.NoError(t, reg.Register("a", noop))
	assert.ErrorIs(t, reg.Register("a", noop), ErrDuplicateFunction)
	assert.ErrorIs(t, reg.Register("", noop), ErrInvalidInput)
	assert.ErrorIs(t, reg.Register("c", nil), ErrInvalidInput)
	assert.Equal(t, []graph.Kind{"a", "b"}, reg.Kinds())

	_, ok := reg.Lookup("a")
	assert.True(t, ok)
	_, ok = reg.Lookup("z")
	assert.False(t, ok)

	_, err := New(graph.New(), reg)
	require.NoError(t, err)
	assert.True(t, reg.Frozen())
	assert.ErrorIs(t, reg.Register("late", noop), ErrRegistryFrozen)
	assert.Panics(t, func() { reg.MustRegister("late", noop) })
}

type point struct{ X, Y int }

type tolerant struct{ v int }

func (t tolerant) Equal(other any) bool {
	o, ok := other.(tolerant)
	return ok && (o.v-t.v) < 2 && (t.v-o.v) < 2
}

func TestEquality(t *testing.T) {
	deep := EqualityDeep.comparator(slog.Default())
	assert.True(t, deep(point{1, 2}, point{1, 2}))
	assert.False(t, deep(point{1, 2}, point{2, 1}))
	assert.True(t, deep([]string{"a"}, []string{"a"}))
	assert.True(t, deep(tolerant{1}, tolerant{2}), "Equaler wins over DeepEqual")

	fp := EqualityFingerprint.comparator(slog.Default())
	assert.True(t, fp(point{1, 2}, point{1, 2}))
	assert.False(t, fp(point{1, 2}, point{1, 3}))
	assert.False(t, fp(1, "1"), "different types never compare equal")

	assert.Nil(t, EqualityNever.comparator(slog.Default()))

	for _, e := range []Equality{EqualityDeep, EqualityFingerprint, EqualityNever} {
		got, ok := ParseEquality(e.String())
		assert.True(t, ok)
		assert.Equal(t, e, got)
	}
	_, ok := ParseEquality("fuzzy")
	assert.False(t, ok)
}

func TestErrors(t *testing.T) {
	a, b := graph.NewKey("n", "a"), graph.NewKey("n", "b")

	cyc := NewCycleError([]graph.Key{a, b})
	assert.Equal(t, "dependency cycle: n:a -> n:b -> n:a", cyc.Error())
	assert.False(t, cyc.Contains(graph.NewKey("n", "c")))

	cause := errors.New("disk full")
	fe := &FunctionError{Key: a, Kind: "io", Cause: cause}
	assert.Equal(t, "n:a: io error: disk full", fe.Error())
	assert.ErrorIs(t, fe, cause)

	de := &DependencyError{Key: b, Dep: a, Cause: fe}
	assert.ErrorIs(t, de, cause)
	assert.Contains(t, de.Error(), "dependency n:a failed")

	agg := newAggregatedError([]error{fe, cyc})
	assert.Equal(t, 2, agg.Len())
	assert.ErrorIs(t, agg, cause)
	var got *CycleError
	assert.ErrorAs(t, agg, &got)
	assert.Contains(t, agg.Error(), "2 failures")
	assert.Len(t, agg.Errors(), 2)
}
