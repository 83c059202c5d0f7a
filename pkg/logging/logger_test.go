// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"trace", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownLevel) {
				t.Errorf("error %v does not wrap ErrUnknownLevel", err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextToWriter(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Service: "build", Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer logger.Close()

	logger.Info("evaluation complete", "nodes", 12)
	out := buf.String()
	for _, want := range []string{"evaluation complete", "nodes=12", "service=build"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{JSON: true, Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("slow action", "mnemonic", "compile")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not JSON: %v: %s", err, buf.String())
	}
	if rec["msg"] != "slow action" || rec["mnemonic"] != "compile" || rec["level"] != "WARN" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	if strings.Contains(out, "msg=d") || strings.Contains(out, "msg=i") {
		t.Errorf("records below Warn were written: %q", out)
	}
	if !strings.Contains(out, "msg=w") || !strings.Contains(out, "msg=e") {
		t.Errorf("missing Warn or Error records: %q", out)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	child := logger.With("component", "pool")
	child.Info("granted")
	logger.Info("parent")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "component=pool") {
		t.Errorf("child record missing attribute: %q", lines[0])
	}
	if strings.Contains(lines[1], "component=pool") {
		t.Errorf("parent record picked up child attribute: %q", lines[1])
	}
}

func TestLogger_Slog(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Slog().LogAttrs(context.Background(), slog.LevelInfo, "attrs", slog.Int("n", 3))
	if !strings.Contains(buf.String(), "n=3") {
		t.Errorf("Slog output = %q", buf.String())
	}
}

func TestNew_FileReceivesJSON(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "forge.log")
	logger, err := New(Config{Service: "watch", File: path, Stderr: &stderr})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("rebuild", "dirty", 3)
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("file record is not JSON: %v", err)
	}
	if rec["service"] != "watch" || rec["dirty"] != float64(3) {
		t.Errorf("unexpected file record %v", rec)
	}
	if !strings.Contains(stderr.String(), "rebuild") {
		t.Error("stderr did not receive the record")
	}
}

func TestNew_QuietWithFile(t *testing.T) {
	var stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "forge.log")
	logger, err := New(Config{Quiet: true, File: path, Stderr: &stderr})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("only in file")
	_ = logger.Close()

	if stderr.Len() != 0 {
		t.Errorf("quiet logger wrote to stderr: %q", stderr.String())
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "only in file") {
		t.Errorf("file = %q", data)
	}
}

func TestNew_FileError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{File: filepath.Join(blocker, "forge.log")}); err == nil {
		t.Error("expected an error when the log directory cannot be created")
	}
}

// =============================================================================
// Multi-Handler Tests
// =============================================================================

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestMultiHandler_ContinuesAfterError(t *testing.T) {
	var buf bytes.Buffer
	good := slog.NewTextHandler(&buf, nil)
	h := &multiHandler{handlers: []slog.Handler{failingHandler{good}, good}}

	err := slog.New(h).Handler().Handle(context.Background(), slog.NewRecord(time.Time{}, slog.LevelInfo, "still written", 0))
	if err == nil || err.Error() != "disk full" {
		t.Errorf("Handle error = %v, want disk full", err)
	}
	if !strings.Contains(buf.String(), "still written") {
		t.Error("second handler skipped after the first failed")
	}
}

func TestMultiHandler_Enabled(t *testing.T) {
	warn := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	debug := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelDebug})

	if !(&multiHandler{handlers: []slog.Handler{warn, debug}}).Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected Debug enabled when any handler accepts it")
	}
	if (&multiHandler{handlers: []slog.Handler{warn}}).Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected Info disabled")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs/forge.log"); got != filepath.Join(home, "logs/forge.log") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/var/log/forge.log"); got != "/var/log/forge.log" {
		t.Errorf("absolute path changed: %q", got)
	}
}
