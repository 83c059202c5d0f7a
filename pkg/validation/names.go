// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided names before they become graph
// keys, storage keys, or file paths.
//
// Target names appear in key strings and in the HTTP API path; snapshot names
// become a BadgerDB key prefix. Rejecting separators and control characters up
// front keeps one name from reading or overwriting another's records.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// targetPattern matches target names such as "lib", "app_test", or
// "net/http-client". Slashes separate packages; the name may not start with one.
var targetPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-/]{0,127}$`)

// snapshotPattern matches snapshot names. No slashes: the name is a storage
// key segment.
var snapshotPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,63}$`)

// ValidateTargetName validates a declared target name.
//
// Valid names are 1-128 characters of letters, digits, '_', '.', '-', and
// '/', start with a letter, digit, or '_', and contain no empty or ".."
// path segments.
//
// Example:
//
//	if err := validation.ValidateTargetName(t.Name); err != nil {
//	    return nil, err
//	}
func ValidateTargetName(name string) error {
	if name == "" {
		return fmt.Errorf("target name cannot be empty")
	}
	if !targetPattern.MatchString(name) {
		return fmt.Errorf("invalid target name %q (letters, digits, '_', '.', '-', '/' only, max 128)", name)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid target name %q: empty or relative path segment", name)
		}
	}
	return nil
}

// ValidateTargetNames validates every name and lists all invalid ones.
func ValidateTargetNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateTargetName(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid target names: %q", invalid)
	}
	return nil
}

// SanitizeTargetLabel accepts a label typed on the command line, such as
// "//lib" or " app ", and returns the validated target name.
func SanitizeTargetLabel(label string) (string, error) {
	name := strings.TrimPrefix(strings.TrimSpace(label), "//")
	if err := ValidateTargetName(name); err != nil {
		return "", err
	}
	return name, nil
}

// ValidateSnapshotName validates a snapshot name: 1-64 letters, digits, '_',
// '.', or '-', not starting with '.' or '-'.
func ValidateSnapshotName(name string) error {
	if name == "" {
		return fmt.Errorf("snapshot name cannot be empty")
	}
	if !snapshotPattern.MatchString(name) {
		return fmt.Errorf("invalid snapshot name %q (letters, digits, '_', '.', '-' only, max 64)", name)
	}
	return nil
}
