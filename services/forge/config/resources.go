// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/AleutianAI/forge/services/forge/action"
)

// ErrBadResources is returned for malformed resource strings.
var ErrBadResources = errors.New("malformed resource string")

var memoryUnits = []struct {
	suffix string
	mb     float64
}{
	{"tb", 1024 * 1024},
	{"gb", 1024},
	{"mb", 1},
	{"kb", 1.0 / 1024},
	{"t", 1024 * 1024},
	{"g", 1024},
	{"m", 1},
	{"k", 1.0 / 1024},
}

// ParseResources parses "memory=8GB,cpu=4,io=100".
//
// Description:
//
//	Pairs are separated by commas or whitespace. memory accepts a KB, MB, GB,
//	or TB suffix (single letters too) and defaults to MB. cpu accepts
//	"auto" for GOMAXPROCS. All three keys are required and every value must
//	be positive.
func ParseResources(s string) (action.ResourceSet, error) {
	var (
		rs   action.ResourceSet
		seen = map[string]bool{}
	)
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return rs, fmt.Errorf("%w: %q is not key=value", ErrBadResources, f)
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(v))
		if seen[k] {
			return rs, fmt.Errorf("%w: %s given twice", ErrBadResources, k)
		}
		seen[k] = true

		var err error
		switch k {
		case "memory", "mem":
			rs.MemoryMB, err = parseMemory(v)
		case "cpu":
			if v == "auto" {
				rs.CPU = float64(runtime.GOMAXPROCS(0))
			} else {
				rs.CPU, err = strconv.ParseFloat(v, 64)
			}
		case "io":
			rs.IOWeight, err = strconv.ParseFloat(v, 64)
		default:
			return rs, fmt.Errorf("%w: unknown key %q", ErrBadResources, k)
		}
		if err != nil {
			return rs, fmt.Errorf("%w: %s=%s: %v", ErrBadResources, k, v, err)
		}
	}
	if err := rs.Validate(); err != nil {
		return rs, fmt.Errorf("%w: %v", ErrBadResources, err)
	}
	return rs, nil
}

func parseMemory(v string) (float64, error) {
	mult := 1.0
	for _, u := range memoryUnits {
		if strings.HasSuffix(v, u.suffix) {
			v = strings.TrimSuffix(v, u.suffix)
			mult = u.mb
			break
		}
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
