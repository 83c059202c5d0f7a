// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package invalidate

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileChange represents a file system change event.
type FileChange struct {
	// Path is the absolute path to the changed file.
	Path string

	// Op is the type of change.
	Op FileOp

	// Time is when the change was detected.
	Time time.Time
}

// FileOp represents the type of file operation.
type FileOp int

const (
	// FileOpCreate indicates a file was created.
	FileOpCreate FileOp = iota

	// FileOpWrite indicates a file was modified.
	FileOpWrite

	// FileOpRemove indicates a file was deleted.
	FileOpRemove

	// FileOpRename indicates a file was renamed.
	FileOpRename
)

// String returns the string representation of the operation.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	case FileOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileChangeHandler receives one debounced batch of changes.
type FileChangeHandler func(changes []FileChange)

// FileWatcher feeds source tree changes into the invalidation loop.
//
// # Description
//
// One goroutine owns the fsnotify watcher and the pending batch. Events are
// merged per path as they arrive; the batch goes to the handler once the tree
// has been quiet for the debounce window, or as soon as it reaches MaxBatch
// paths. Directories created under root are watched as they appear.
//
// # Thread Safety
//
// Start and Stop are safe for concurrent use. The handler is only ever called
// from the watch goroutine.
type FileWatcher struct {
	root     string
	fsw      *fsnotify.Watcher
	handler  FileChangeHandler
	debounce time.Duration
	maxBatch int
	ignore   []string
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	exited    chan struct{}
	watching  atomic.Bool
}

// FileWatcherOptions configures the FileWatcher.
type FileWatcherOptions struct {
	// DebounceWindow is how long the tree must be quiet before a batch is
	// delivered. Default: 100ms
	DebounceWindow time.Duration

	// IgnorePatterns are globs matched against each path element below root.
	// Default: [".git", ".forge", "node_modules", ".idea", "*.swp", "*.tmp"]
	IgnorePatterns []string

	// MaxBatch delivers a batch early once it holds this many paths.
	// Default: 1000
	MaxBatch int

	// Logger receives watch errors. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultFileWatcherOptions returns sensible defaults.
func DefaultFileWatcherOptions() FileWatcherOptions {
	return FileWatcherOptions{
		DebounceWindow: 100 * time.Millisecond,
		IgnorePatterns: []string{".git", ".forge", "node_modules", ".idea", "*.swp", "*.tmp"},
		MaxBatch:       1000,
	}
}

// NewFileWatcher creates a watcher for root. Call Start to begin watching.
//
// # Example
//
//	tracker := invalidate.NewDirtyTracker()
//	watcher, err := invalidate.NewFileWatcher(root, tracker.MarkDirtyFromWatcher, nil)
//	if err != nil {
//	    return err
//	}
//	defer watcher.Stop()
//	if err := watcher.Start(ctx); err != nil {
//	    return err
//	}
func NewFileWatcher(root string, handler FileChangeHandler, opts *FileWatcherOptions) (*FileWatcher, error) {
	o := DefaultFileWatcherOptions()
	if opts != nil {
		if opts.DebounceWindow > 0 {
			o.DebounceWindow = opts.DebounceWindow
		}
		if opts.MaxBatch > 0 {
			o.MaxBatch = opts.MaxBatch
		}
		if opts.IgnorePatterns != nil {
			o.IgnorePatterns = opts.IgnorePatterns
		}
		o.Logger = opts.Logger
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if handler == nil {
		handler = func([]FileChange) {}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{
		root:     filepath.Clean(root),
		fsw:      fsw,
		handler:  handler,
		debounce: o.DebounceWindow,
		maxBatch: o.MaxBatch,
		ignore:   append([]string(nil), o.IgnorePatterns...),
		logger:   o.Logger.With(slog.String("component", "file_watcher")),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
	}, nil
}

// Start watches every directory under root and launches the watch goroutine,
// which runs until Stop or until ctx is cancelled. Calls after the first are
// no-ops.
func (w *FileWatcher) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		if err = w.watchTree(w.root); err != nil {
			close(w.exited)
			return
		}
		w.watching.Store(true)
		go w.run(ctx)
		w.logger.Info("watching source tree", slog.String("root", w.root))
	})
	return err
}

// Stop ends watching. The pending batch, if any, is delivered before Stop
// returns.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.startOnce.Do(func() { close(w.exited) })
		<-w.exited
		_ = w.fsw.Close()
		w.watching.Store(false)
	})
}

// IsWatching reports whether the watch goroutine is running.
func (w *FileWatcher) IsWatching() bool { return w.watching.Load() }

// watchTree adds dir and every non-ignored directory below it.
func (w *FileWatcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		switch {
		case err != nil:
			// Vanished or unreadable entries are not fatal to the walk.
			w.logger.Debug("skipping path", slog.String("path", p), slog.String("error", err.Error()))
			return nil
		case !d.IsDir():
			return nil
		case p != w.root && w.ignored(p):
			return filepath.SkipDir
		}
		return w.fsw.Add(p)
	})
}

// ignored reports whether any element of path, relative to root when path is
// inside it, matches an ignore pattern.
func (w *FileWatcher) ignored(path string) bool {
	if rel, err := filepath.Rel(w.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		path = rel
	}
	for _, elem := range strings.Split(filepath.ToSlash(path), "/") {
		if elem == "" || elem == "." {
			continue
		}
		for _, pattern := range w.ignore {
			if ok, _ := filepath.Match(pattern, elem); ok {
				return true
			}
		}
	}
	return false
}

// run is the watch goroutine. It is the only reader of fsnotify and the only
// writer of the pending batch.
func (w *FileWatcher) run(ctx context.Context) {
	defer close(w.exited)
	defer w.watching.Store(false)

	pending := newChangeSet()
	quiet := time.NewTimer(w.debounce)
	quiet.Stop()
	defer quiet.Stop()

	deliver := func() {
		quiet.Stop()
		if batch := pending.drain(); len(batch) > 0 {
			w.handler(batch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			deliver()
			return
		case <-w.stop:
			deliver()
			return
		case <-quiet.C:
			deliver()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				deliver()
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		case ev, ok := <-w.fsw.Events:
			if !ok {
				deliver()
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				// A new directory is walked so files created in it before the
				// watch was added are not missed by later events.
				if err := w.watchTree(ev.Name); err != nil {
					w.logger.Warn("failed to watch new directory",
						slog.String("path", ev.Name), slog.String("error", err.Error()))
				}
			}
			pending.add(FileChange{Path: ev.Name, Op: opFromEvent(ev.Op), Time: time.Now()})
			if pending.len() >= w.maxBatch {
				deliver()
				continue
			}
			quiet.Reset(w.debounce)
		}
	}
}

func opFromEvent(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	case op.Has(fsnotify.Create):
		return FileOpCreate
	default:
		return FileOpWrite
	}
}

// changeSet merges changes per path, keeping first-seen path order.
type changeSet struct {
	index   map[string]int
	changes []FileChange
}

func newChangeSet() *changeSet {
	return &changeSet{index: make(map[string]int)}
}

// add records c. A later change to a known path replaces it, except that a
// write after a create is still a create.
func (s *changeSet) add(c FileChange) {
	i, ok := s.index[c.Path]
	if !ok {
		s.index[c.Path] = len(s.changes)
		s.changes = append(s.changes, c)
		return
	}
	if s.changes[i].Op == FileOpCreate && c.Op == FileOpWrite {
		c.Op = FileOpCreate
	}
	s.changes[i] = c
}

func (s *changeSet) len() int { return len(s.changes) }

// drain returns the merged changes and resets the set.
func (s *changeSet) drain() []FileChange {
	out := s.changes
	s.changes = nil
	clear(s.index)
	return out
}
