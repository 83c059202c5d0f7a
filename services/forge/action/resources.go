// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package action

import (
	"fmt"
	"math"
)

// epsilon absorbs float rounding when leases are added and released.
const epsilon = 1e-9

// ResourceSet is an amount of the three pooled resources.
//
// A zero component means the request does not draw on that resource. Pool
// totals must be positive in every component.
type ResourceSet struct {
	MemoryMB float64 `json:"memory_mb" yaml:"memory_mb"`
	CPU      float64 `json:"cpu" yaml:"cpu"`
	IOWeight float64 `json:"io_weight" yaml:"io_weight"`
}

// Validate checks that every component is a finite positive number, as
// required of a pool capacity.
func (r ResourceSet) Validate() error {
	for _, c := range r.components() {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) || c.v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidResources, c.name, c.v)
		}
	}
	return nil
}

// validateRequest checks a request: components may be zero but not negative.
func (r ResourceSet) validateRequest() error {
	for _, c := range r.components() {
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) || c.v < 0 {
			return fmt.Errorf("%w: %s must be non-negative, got %v", ErrInvalidResources, c.name, c.v)
		}
	}
	return nil
}

// Fits reports whether r fits within capacity in every component.
func (r ResourceSet) Fits(capacity ResourceSet) bool {
	return r.MemoryMB <= capacity.MemoryMB+epsilon &&
		r.CPU <= capacity.CPU+epsilon &&
		r.IOWeight <= capacity.IOWeight+epsilon
}

// IsZero reports whether no component is set.
func (r ResourceSet) IsZero() bool {
	return r == ResourceSet{}
}

// Add returns the component-wise sum.
func (r ResourceSet) Add(o ResourceSet) ResourceSet {
	return ResourceSet{
		MemoryMB: r.MemoryMB + o.MemoryMB,
		CPU:      r.CPU + o.CPU,
		IOWeight: r.IOWeight + o.IOWeight,
	}
}

// Sub returns the component-wise difference, clamped at zero.
func (r ResourceSet) Sub(o ResourceSet) ResourceSet {
	return ResourceSet{
		MemoryMB: math.Max(0, r.MemoryMB-o.MemoryMB),
		CPU:      math.Max(0, r.CPU-o.CPU),
		IOWeight: math.Max(0, r.IOWeight-o.IOWeight),
	}
}

func (r ResourceSet) String() string {
	return fmt.Sprintf("{memory=%gMB cpu=%g io=%g}", r.MemoryMB, r.CPU, r.IOWeight)
}

type component struct {
	name string
	v    float64
}

func (r ResourceSet) components() [3]component {
	return [3]component{
		{"memory_mb", r.MemoryMB},
		{"cpu", r.CPU},
		{"io_weight", r.IOWeight},
	}
}
