// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nestedset

import (
	"errors"
	"fmt"
)

var (
	// ErrIncompatibleOrder is returned when a child set or a requested flatten
	// order cannot be combined with a set's order.
	ErrIncompatibleOrder = errors.New("incompatible nested set order")

	// ErrUnknownOrder is returned when parsing an order name fails.
	ErrUnknownOrder = errors.New("unknown nested set order")
)

// DuplicateKeyError is returned by MergeKeyed when two inputs carry the same key.
type DuplicateKeyError struct {
	Key any
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %v in keyed nested set merge", e.Key)
}
