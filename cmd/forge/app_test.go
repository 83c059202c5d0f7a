// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/forge/services/forge/config"
	"github.com/AleutianAI/forge/services/forge/invalidate"
)

const testConfig = `
workspace:
  root: .
telemetry:
  service_name: forge-test
  traces: none
  metrics: none
logging:
  level: error
targets:
  - name: lib
    srcs: [lib.txt]
    actions:
      - mnemonic: concat
        argv: [sh, -c, 'cat "$@" > lib.out', sh, "{srcs}"]
        outputs: [lib.out]
  - name: app
    srcs: [app.txt]
    deps: [lib]
    actions:
      - mnemonic: concat
        argv: [sh, -c, 'cat "$@" > app.out', sh, "{srcs}"]
        outputs: [app.out]
`

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// newWorkspace writes a workspace with forge.yaml and returns the config path.
func newWorkspace(t *testing.T, cfg string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range map[string]string{
		"forge.yaml": cfg,
		"lib.txt":    "lib\n",
		"app.txt":    "app\n",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return filepath.Join(dir, "forge.yaml")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func loadApp(t *testing.T, path string) *app {
	t.Helper()
	cfg, err := config.Load(context.Background(), path)
	require.NoError(t, err)
	a, err := newApp(cfg, path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	return a
}

func TestBuildCommand(t *testing.T) {
	requireShell(t)
	path := newWorkspace(t, testConfig)

	out, err := run(t, "build", "--config", path, "app")
	require.NoError(t, err, out)
	assert.Contains(t, out, "ok //app 2 outputs")
	assert.Contains(t, out, "1 succeeded, 0 failed")
	assert.Contains(t, out, "artifact sets")

	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "app.out"))
	require.NoError(t, err)
	assert.Equal(t, "lib\napp\n", string(data))
}

func TestBuildCommand_Failure(t *testing.T) {
	requireShell(t)
	path := newWorkspace(t, testConfig)
	require.NoError(t, os.Remove(filepath.Join(filepath.Dir(path), "lib.txt")))

	out, err := run(t, "build", "--config", path, "--keep-going")
	require.ErrorIs(t, err, errBuildFailed)
	assert.Contains(t, out, "FAIL //lib")
	assert.Contains(t, out, "FAIL //app")
	assert.Contains(t, out, "lib.txt")
}

func TestBuildCommand_UnknownTarget(t *testing.T) {
	path := newWorkspace(t, testConfig)
	_, err := run(t, "build", "--config", path, "//nope")
	assert.ErrorContains(t, err, "nope")
}

func TestBuildExportAndQuery(t *testing.T) {
	requireShell(t)
	path := newWorkspace(t, testConfig)

	out, err := run(t, "build", "--config", path, "--export", "main")
	require.NoError(t, err, out)
	assert.Contains(t, out, "snapshot main")

	out, err = run(t, "query", "snapshots", "--config", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "main")

	out, err = run(t, "query", "nodes", "main", "--kind", "build", "--config", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "build:app")
	assert.Contains(t, out, "build:lib")
	assert.NotContains(t, out, "file:")

	out, err = run(t, "query", "node", "main", "file:lib.txt", "--config", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"state": "done"`)
}

func TestWatcher_Sync(t *testing.T) {
	requireShell(t)
	path := newWorkspace(t, testConfig)
	a := loadApp(t, path)
	dir := filepath.Dir(path)

	res, err := a.build(context.Background(), []string{"app"})
	require.NoError(t, err)
	require.True(t, res.Success())

	w := a.newWatcher()
	lib := filepath.Join(dir, "lib.txt")

	// Same content: nothing to redo.
	w.onChanges([]invalidate.FileChange{{Path: lib, Op: invalidate.FileOpWrite, Time: time.Now()}})
	changed, err := w.sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)

	require.NoError(t, os.WriteFile(lib, []byte("lib v2\n"), 0o644))
	w.onChanges([]invalidate.FileChange{{Path: lib, Op: invalidate.FileOpWrite, Time: time.Now()}})
	changed, err = w.sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	_, err = a.build(context.Background(), []string{"app"})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "app.out"))
	require.NoError(t, err)
	assert.Equal(t, "lib v2\napp\n", string(data))
}

func TestWatcher_ConfigReload(t *testing.T) {
	requireShell(t)
	path := newWorkspace(t, testConfig)
	a := loadApp(t, path)

	_, err := a.build(context.Background(), []string{"lib"})
	require.NoError(t, err)
	require.Positive(t, a.actions.Memoized())
	assert.Positive(t, a.rules.SharedSets())

	edited := strings.Replace(testConfig, "> lib.out", "> lib.out; echo built >> lib.out", 1)
	require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

	w := a.newWatcher()
	w.onChanges([]invalidate.FileChange{{Path: path, Op: invalidate.FileOpWrite, Time: time.Now()}})
	changed, err := w.sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, changed, "only the lib declaration changed")
	assert.Zero(t, a.actions.Memoized(), "replies for the old table are dropped")

	_, err = a.build(context.Background(), []string{"lib"})
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "lib.out"))
	require.NoError(t, err)
	assert.Equal(t, "lib\nbuilt\n", string(data))
}

func TestResolveRoot(t *testing.T) {
	got, err := resolveRoot("src", "/ws/forge.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/ws/src", got)

	got, err = resolveRoot("/abs", "/ws/forge.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/abs", got)
}
