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
	"fmt"
	"strings"
)

// Order selects how a NestedSet is flattened.
type Order uint8

const (
	// OrderStable is preorder iteration. It is compatible with every other
	// order, so a Stable set may appear as a child of any set.
	OrderStable Order = iota

	// OrderCompile is postorder: transitive members before direct ones.
	// Used for include paths where dependencies must come first.
	OrderCompile

	// OrderLink is topological order: a set's direct members precede all
	// members reached through its children, and a shared member is placed
	// after every set that lists it. Used for static link lines.
	OrderLink

	// OrderNaiveLink is preorder without the topological guarantee.
	OrderNaiveLink
)

var orderNames = [...]string{
	OrderStable:    "stable",
	OrderCompile:   "compile",
	OrderLink:      "link",
	OrderNaiveLink: "naive_link",
}

// String returns the order name.
func (o Order) String() string {
	if int(o) < len(orderNames) {
		return orderNames[o]
	}
	return fmt.Sprintf("order(%d)", uint8(o))
}

// IsCompatible reports whether sets of order o and other may be combined.
// Stable combines with anything; other orders only with themselves.
func (o Order) IsCompatible(other Order) bool {
	return o == other || o == OrderStable || other == OrderStable
}

// ParseOrder converts a name such as "compile" or "naive_link" to an Order.
func ParseOrder(name string) (Order, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for i, n := range orderNames {
		if n == normalized {
			return Order(i), nil
		}
	}
	return OrderStable, fmt.Errorf("%w: %q", ErrUnknownOrder, name)
}
