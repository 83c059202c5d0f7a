// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package invalidate turns external changes into dirty graph nodes.
//
// The Invalidator marks each externally changed key as changed and every node
// that transitively read it as possibly changed. It never runs Functions;
// whether a dirty node really needs recomputing is decided by the next
// evaluation pass.
//
// Change detection itself is pluggable. DirtyTracker accumulates changed paths
// from any source and FileWatcher is one such source backed by fsnotify.
package invalidate
