// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "deep", cfg.Eval.Equality)
	assert.Equal(t, 100*time.Millisecond, cfg.Watch.Debounce)
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.Workers())

	pool, err := cfg.PoolCapacity()
	require.NoError(t, err)
	assert.Equal(t, 4096.0, pool.MemoryMB)
	assert.Equal(t, float64(runtime.GOMAXPROCS(0)), pool.CPU)
}

func TestParse_Targets(t *testing.T) {
	cfg, err := Parse([]byte(`
eval:
  workers: 3
  keep_going: true
actions:
  pool: "memory=1GB,cpu=2,io=10"
targets:
  - name: lib
    srcs: [lib.c]
    actions:
      - mnemonic: compile
        argv: [cc, -c, "{srcs}", -o, "{out}"]
        outputs: [lib.o]
        resources: {memory_mb: 100, cpu: 1, io_weight: 1}
  - name: app
    srcs: [main.c]
    deps: [lib]
`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers())
	assert.True(t, cfg.Eval.KeepGoing)
	require.Len(t, cfg.Targets, 2)
	assert.Equal(t, action.ResourceSet{MemoryMB: 100, CPU: 1, IOWeight: 1}, cfg.Targets[0].Actions[0].Resources)

	ws, err := cfg.NewWorkspace()
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "lib"}, ws.Names())

	// Untouched sections keep their defaults.
	assert.Equal(t, "127.0.0.1:8088", cfg.Server.Addr)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "bogus: 1"},
		{"bad equality", "eval: {equality: sometimes}"},
		{"negative workers", "eval: {workers: -1}"},
		{"bad pool", `actions: {pool: "memory=1GB"}`},
		{"unknown strategy", `actions: {strategies: {compile: remote}}`},
		{"target without name", "targets: [{srcs: [a.c]}]"},
		{"action without argv", "targets: [{name: a, actions: [{mnemonic: cc}]}]"},
		{"duplicate target", "targets: [{name: a}, {name: a}]"},
		{"bad trace exporter", "telemetry: {traces: zipkin}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("logging: {level: debug}\n"), 0o644))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)

	cfg, err = Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)

	_, err = Load(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	big := filepath.Join(dir, "big.yaml")
	require.NoError(t, os.WriteFile(big, []byte("# "+strings.Repeat("x", MaxConfigFileSize)), 0o644))
	_, err = Load(context.Background(), big)
	assert.ErrorIs(t, err, ErrConfigTooLarge)
}

func TestParseResources(t *testing.T) {
	tests := []struct {
		in      string
		want    action.ResourceSet
		wantErr bool
	}{
		{in: "memory=8GB,cpu=4,io=100", want: action.ResourceSet{MemoryMB: 8192, CPU: 4, IOWeight: 100}},
		{in: "mem=512 cpu=0.5 io=1", want: action.ResourceSet{MemoryMB: 512, CPU: 0.5, IOWeight: 1}},
		{in: "memory=1t, cpu=1, io=1", want: action.ResourceSet{MemoryMB: 1024 * 1024, CPU: 1, IOWeight: 1}},
		{in: "MEMORY=2G,CPU=2,IO=2", want: action.ResourceSet{MemoryMB: 2048, CPU: 2, IOWeight: 2}},
		{in: "memory=1GB,cpu=4", wantErr: true},
		{in: "memory=1GB,cpu=0,io=1", wantErr: true},
		{in: "memory=lots,cpu=1,io=1", wantErr: true},
		{in: "memory=1GB,cpu=1,io=1,gpu=1", wantErr: true},
		{in: "memory=1GB,memory=2GB,cpu=1,io=1", wantErr: true},
		{in: "cpu", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResources(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadResources)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
