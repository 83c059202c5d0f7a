// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseDepfile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"empty", "", nil},
		{"single line", "main.o: main.c util.h\n", []string{"main.c", "util.h"}},
		{
			"continuations",
			"main.o: main.c \\\n  util.h \\\n  /usr/include/stdio.h\n",
			[]string{"main.c", "util.h", "/usr/include/stdio.h"},
		},
		{"escaped space", `out.o: my\ file.c other.h`, []string{"my file.c", "other.h"}},
		{"duplicates across rules", "a.o: x.h y.h\nb.o: y.h z.h\n", []string{"x.h", "y.h", "z.h"}},
		{"drive letter", `out.o: C:\src\a.c`, []string{`C:\src\a.c`}},
		{"no prerequisites", "phony:\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ParseDepfile(tt.content)); diff != "" {
				t.Errorf("ParseDepfile mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDigestFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.txt", []byte("hello"), 0o644))

	got, err := DigestFile(fs, "/a.txt")
	require.NoError(t, err)
	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	_, err = DigestFile(fs, "/missing")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalStrategy_FindAdditionalInputs(t *testing.T) {
	s := NewLocalStrategy(t.TempDir())

	set, err := s.FindAdditionalInputs(context.Background(), &Action{Mnemonic: "cp"})
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.True(t, set.IsEmpty())

	set, err = s.FindAdditionalInputs(context.Background(), &Action{Mnemonic: "cc", Depfile: "a.d"})
	require.NoError(t, err)
	assert.Nil(t, set, "depfile inputs are only known after execution")
}

func TestLocalStrategy_ExecSuccess(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	s := NewLocalStrategy(root)

	a := &Action{
		Mnemonic: "gen",
		Argv:     []string{"sh", "-c", `printf "$GREETING" > out.txt && printf "out.txt: in.txt extra.h\n" > out.d && echo done`},
		Env:      map[string]string{"GREETING": "hi"},
		Outputs:  []string{"out.txt"},
		Depfile:  "out.d",
	}
	reply, err := s.Exec(context.Background(), a)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("hi"))
	assert.Equal(t, []Artifact{{Path: "out.txt", Digest: hex.EncodeToString(sum[:])}}, reply.Outputs)
	assert.Equal(t, []Artifact{{Path: "in.txt"}, {Path: "extra.h"}}, reply.DiscoveredInputs)
	assert.Equal(t, "done\n", string(reply.Stdout))
	assert.Zero(t, reply.ExitStatus)
}

func TestLocalStrategy_ExecFailure(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0o755))
	s := NewLocalStrategy(root)

	a := &Action{
		Mnemonic: "cc",
		Dir:      "pkg",
		Argv:     []string{"sh", "-c", `printf "x.o: x.c x.h\n" > x.d; echo "x.c:1: error" >&2; exit 3`},
		Outputs:  []string{"x.o"},
		Depfile:  "x.d",
	}
	_, err := s.Exec(context.Background(), a)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitStatus)
	assert.Contains(t, execErr.Error(), "x.c:1: error")

	partial := s.ReplyFromFailedExecution(execErr)
	require.NotNil(t, partial)
	assert.Equal(t, []Artifact{{Path: "x.c"}, {Path: "x.h"}}, partial.DiscoveredInputs)
	assert.Contains(t, string(partial.Stderr), "error")
}

func TestLocalStrategy_MissingOutput(t *testing.T) {
	requireShell(t)
	s := NewLocalStrategy(t.TempDir())
	_, err := s.Exec(context.Background(), &Action{
		Mnemonic: "noop",
		Argv:     []string{"sh", "-c", "true"},
		Outputs:  []string{"never.txt"},
	})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, ErrMissingOutput)
	assert.Zero(t, execErr.ExitStatus)
}

func TestLocalStrategy_ToolNotFound(t *testing.T) {
	s := NewLocalStrategy(t.TempDir())
	_, err := s.Exec(context.Background(), &Action{
		Mnemonic: "ghost",
		Argv:     []string{"forge-no-such-tool-for-tests"},
	})
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, -1, execErr.ExitStatus)
}

func TestLocalStrategy_ThroughContext(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	local := NewLocalStrategy(root)
	c := newTestContext(t, nil, WithDefaultStrategy(local))

	a := &Action{
		Mnemonic: "touch",
		Argv:     []string{"sh", "-c", "echo built > result"},
		Outputs:  []string{"result"},
	}
	reply, err := c.Execute(context.Background(), a, 1)
	require.NoError(t, err)
	require.Len(t, reply.Outputs, 1)
	assert.NotEmpty(t, reply.Outputs[0].Digest)
	assert.NotNil(t, reply.AdditionalInputs)

	content, err := os.ReadFile(filepath.Join(root, "result"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(content))
}
