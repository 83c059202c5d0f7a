// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invalidate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileOp_String(t *testing.T) {
	tests := []struct {
		op   FileOp
		want string
	}{
		{FileOpCreate, "create"},
		{FileOpWrite, "write"},
		{FileOpRemove, "remove"},
		{FileOpRename, "rename"},
		{FileOp(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("FileOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestChangeSet_MergesPerPath(t *testing.T) {
	now := time.Now()
	set := newChangeSet()
	set.add(FileChange{Path: "a", Op: FileOpCreate, Time: now})
	set.add(FileChange{Path: "b", Op: FileOpWrite, Time: now})
	set.add(FileChange{Path: "a", Op: FileOpWrite, Time: now.Add(time.Millisecond)})
	set.add(FileChange{Path: "b", Op: FileOpRemove, Time: now.Add(time.Millisecond)})
	require.Equal(t, 2, set.len())

	got := set.drain()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Path)
	assert.Equal(t, FileOpCreate, got[0].Op, "a write after a create is still a create")
	assert.Equal(t, now.Add(time.Millisecond), got[0].Time)
	assert.Equal(t, "b", got[1].Path)
	assert.Equal(t, FileOpRemove, got[1].Op)

	assert.Zero(t, set.len())
	assert.Empty(t, set.drain())
}

func TestFileWatcher_Ignored(t *testing.T) {
	opts := DefaultFileWatcherOptions()
	opts.IgnorePatterns = append(opts.IgnorePatterns, "*.log")
	root := t.TempDir()
	w, err := NewFileWatcher(root, nil, &opts)
	require.NoError(t, err)
	defer w.Stop()

	assert.True(t, w.ignored("/repo/.git"))
	assert.True(t, w.ignored("/repo/.git/objects/ab"))
	assert.True(t, w.ignored("/repo/src/main.go.swp"))
	assert.False(t, w.ignored("/repo/src/main.go"))
	assert.False(t, w.ignored("/repo/src/digit.go"), "substring of a pattern is not a match")
	assert.True(t, w.ignored("/repo/build.log"))

	assert.True(t, w.ignored(filepath.Join(root, "node_modules", "x", "index.js")))
	assert.False(t, w.ignored(filepath.Join(root, "src", "lib.go")))
}

func TestFileWatcher_StopBeforeStart(t *testing.T) {
	w, err := NewFileWatcher(t.TempDir(), nil, nil)
	require.NoError(t, err)
	w.Stop()
	assert.False(t, w.IsWatching())
	require.NoError(t, w.Start(context.Background()))
	assert.False(t, w.IsWatching())
}

func TestFileWatcher_MaxBatchDeliversEarly(t *testing.T) {
	root := t.TempDir()
	batches := make(chan []FileChange, 16)
	opts := DefaultFileWatcherOptions()
	opts.DebounceWindow = time.Hour
	opts.MaxBatch = 2
	w, err := NewFileWatcher(root, func(c []FileChange) { batches <- c }, &opts)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(name), 0o644))
	}

	select {
	case batch := <-batches:
		assert.GreaterOrEqual(t, len(batch), 2)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch delivered before the debounce window")
	}
}

func TestFileWatcher_FeedsTracker(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	tracker := NewDirtyTracker()
	opts := DefaultFileWatcherOptions()
	opts.DebounceWindow = 20 * time.Millisecond
	w, err := NewFileWatcher(root, tracker.MarkDirtyFromWatcher, &opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()
	assert.True(t, w.IsWatching())

	target := filepath.Join(root, "src", "main.go")
	require.NoError(t, os.WriteFile(target, []byte("package main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scratch.tmp"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		for _, e := range tracker.GetDirtyEntries() {
			if e.Path == target {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	for _, e := range tracker.GetDirtyEntries() {
		assert.NotEqual(t, "scratch.tmp", filepath.Base(e.Path))
		assert.Equal(t, "watcher", e.Source)
	}

	w.Stop()
	assert.False(t, w.IsWatching())
}
