// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package action dispatches external tool invocations under a resource
// budget.
//
// An Action declares its inputs as a NestedSet of Artifacts, the outputs it
// produces and an estimate of the resources it needs. A Context admits the
// action through a ResourcePool, picks a Strategy by mnemonic and returns a
// Reply. Strategies are plug-ins: LocalStrategy runs the argv as a child
// process, tests inject fakes.
//
// Identical actions submitted concurrently run once; successful replies are
// memoized by fingerprint for the life of the Context.
package action
