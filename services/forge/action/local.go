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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/forge/services/forge/nestedset"
	"github.com/spf13/afero"
)

// LocalStrategy runs actions as child processes of the current process.
//
// Description:
//
//	The argv is executed with the working directory set to root joined with
//	the action's Dir. The action's Env is appended to the parent environment.
//	After a successful run every declared output is digested; after any run
//	the depfile, if declared, is parsed for discovered inputs.
//
// Thread Safety:
//
//	Safe for concurrent use.
type LocalStrategy struct {
	root   string
	fs     afero.Fs
	logger *slog.Logger
}

// LocalOption configures a LocalStrategy.
type LocalOption func(*LocalStrategy)

// WithFs sets the filesystem used to read outputs and depfiles.
func WithFs(fs afero.Fs) LocalOption {
	return func(s *LocalStrategy) { s.fs = fs }
}

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(s *LocalStrategy) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewLocalStrategy creates a strategy rooted at root.
func NewLocalStrategy(root string, opts ...LocalOption) *LocalStrategy {
	s := &LocalStrategy{
		root:   root,
		fs:     afero.NewOsFs(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "local_strategy"))
	return s
}

// FindAdditionalInputs returns nil when the action declares a depfile, since
// its inputs are only known once the tool ran, and an empty set otherwise.
func (s *LocalStrategy) FindAdditionalInputs(_ context.Context, a *Action) (*nestedset.NestedSet[Artifact], error) {
	if a.Depfile != "" {
		return nil, nil
	}
	return nestedset.Empty[Artifact](nestedset.OrderStable), nil
}

// Exec runs the action's argv.
func (s *LocalStrategy) Exec(ctx context.Context, a *Action) (*Reply, error) {
	if len(a.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrInvalidAction)
	}
	dir := filepath.Join(s.root, a.Dir)

	cmd := exec.CommandContext(ctx, a.Argv[0], a.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(a.Env))
	for k := range a.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+a.Env[k])
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	reply := &Reply{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		status := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			status = exitErr.ExitCode()
		}
		reply.ExitStatus = status
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			runErr = fmt.Errorf("%w: %s", runErr, lastLine(msg))
		}
		if a.Depfile != "" {
			// A compiler that fails late has usually written the depfile.
			reply.DiscoveredInputs, _ = s.readDepfile(filepath.Join(dir, a.Depfile))
		}
		return nil, &ExecutionError{
			Mnemonic:     a.Mnemonic,
			ExitStatus:   status,
			PartialReply: reply,
			Cause:        runErr,
		}
	}

	outputs, err := s.digestOutputs(dir, a.Outputs)
	if err != nil {
		return nil, &ExecutionError{
			Mnemonic:     a.Mnemonic,
			PartialReply: reply,
			Cause:        err,
		}
	}
	reply.Outputs = outputs

	if a.Depfile != "" {
		discovered, err := s.readDepfile(filepath.Join(dir, a.Depfile))
		if err != nil {
			s.logger.Warn("failed to read depfile",
				slog.String("mnemonic", a.Mnemonic),
				slog.String("depfile", a.Depfile),
				slog.String("error", err.Error()),
			)
		}
		reply.DiscoveredInputs = discovered
	}
	return reply, nil
}

// ReplyFromFailedExecution returns a copy of the captured output of the
// failed run, including inputs from a depfile the tool managed to write.
func (s *LocalStrategy) ReplyFromFailedExecution(err *ExecutionError) *Reply {
	if err == nil || err.PartialReply == nil {
		return nil
	}
	partial := *err.PartialReply
	return &partial
}

func (s *LocalStrategy) digestOutputs(dir string, outputs []string) ([]Artifact, error) {
	arts := make([]Artifact, 0, len(outputs))
	for _, out := range outputs {
		digest, err := DigestFile(s.fs, filepath.Join(dir, out))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrMissingOutput, out)
			}
			return nil, fmt.Errorf("digest output %s: %w", out, err)
		}
		arts = append(arts, Artifact{Path: out, Digest: digest})
	}
	return arts, nil
}

func (s *LocalStrategy) readDepfile(path string) ([]Artifact, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, err
	}
	paths := ParseDepfile(string(data))
	arts := make([]Artifact, 0, len(paths))
	for _, p := range paths {
		arts = append(arts, Artifact{Path: p})
	}
	return arts, nil
}

// DigestFile returns the hex sha256 of a file's content.
func DigestFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ParseDepfile extracts the prerequisites of a Make-style dependency file.
//
// Every rule's prerequisites are returned in order of first appearance.
// Backslash-newline continues a line and "\ " escapes a space in a path.
func ParseDepfile(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\\\n", " ")

	seen := nestedset.NewUniqueifier[string](0)
	var out []string
	for _, line := range strings.Split(content, "\n") {
		colon := ruleColon(line)
		if colon < 0 {
			continue
		}
		for _, p := range splitEscaped(line[colon+1:]) {
			if seen.IsUnique(p) {
				out = append(out, p)
			}
		}
	}
	return out
}

// ruleColon finds the colon separating targets from prerequisites, skipping
// drive-letter colons such as "C:\".
func ruleColon(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] != ':' {
			continue
		}
		if i+1 == len(line) || line[i+1] == ' ' || line[i+1] == '\t' {
			return i
		}
	}
	return -1
}

func splitEscaped(s string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s) && s[i+1] == ' ':
			cur.WriteByte(' ')
			i++
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return fields
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
