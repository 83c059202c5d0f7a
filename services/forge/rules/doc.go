// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules provides the builtin build functions.
//
// Five kinds are registered on an eval.Registry:
//
//	file      path -> FileValue (content digest)
//	spec      target -> TargetSpec from the Workspace
//	analysis  target -> Analysis (transitive sources, declared actions)
//	action    ActionID -> ActionValue (outputs of one executed action)
//	build     target -> BuildValue (all outputs of a target and its deps)
//
// Transitive sets are interned NestedSets, so targets that share
// dependencies share their source sets and comparing two analyses is a
// pointer comparison.
package rules
