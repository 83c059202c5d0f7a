// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package nestedset

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniqueifier(t *testing.T) {
	u := NewUniqueifier[int](0)
	for i := 0; i < 3*smallSetLimit; i++ {
		assert.True(t, u.IsUnique(i), "first sighting of %d", i)
	}
	for i := 0; i < 3*smallSetLimit; i++ {
		assert.False(t, u.IsUnique(i), "second sighting of %d", i)
	}
	assert.Equal(t, 3*smallSetLimit, u.Len())
}

func TestUniqueifier_PreSized(t *testing.T) {
	u := NewUniqueifier[string](100)
	assert.True(t, u.IsUnique("a"))
	assert.False(t, u.IsUnique("a"))
	assert.Equal(t, 1, u.Len())
}

func TestInterner_SharesIdenticalSets(t *testing.T) {
	in := NewInterner[string]()

	a1, err := in.New(OrderCompile, []string{"x.h", "y.h"})
	require.NoError(t, err)
	a2, err := in.New(OrderCompile, []string{"x.h", "y.h"})
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	p1, err := in.New(OrderCompile, []string{"p.c"}, a1)
	require.NoError(t, err)
	p2, err := in.New(OrderCompile, []string{"p.c"}, a2)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	other, err := in.New(OrderCompile, []string{"y.h", "x.h"})
	require.NoError(t, err)
	assert.NotSame(t, a1, other)

	assert.Equal(t, 3, in.Len())
	hits, misses := in.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(3), misses)
}

func TestInterner_Concurrent(t *testing.T) {
	in := NewInterner[int]()
	results := make([]*NestedSet[int], 32)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := in.New(OrderStable, []int{1, 2, 3})
			if err == nil {
				results[i] = s
			}
		}(i)
	}
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, 1, in.Len())
}

func TestMergeKeyed(t *testing.T) {
	a := map[string]*NestedSet[string]{"srcs": MustNew(OrderStable, []string{"a.go"})}
	b := map[string]*NestedSet[string]{"hdrs": MustNew(OrderStable, []string{"a.h"})}

	merged, err := MergeKeyed(a, b)
	require.NoError(t, err)
	assert.Len(t, merged, 2)
	assert.Same(t, a["srcs"], merged["srcs"])

	dup := map[string]*NestedSet[string]{"srcs": MustNew(OrderStable, []string{"b.go"})}
	_, err = MergeKeyed(a, b, dup)
	var dke *DuplicateKeyError
	require.ErrorAs(t, err, &dke)
	assert.Equal(t, "srcs", dke.Key)
	assert.Contains(t, err.Error(), "srcs")
}
