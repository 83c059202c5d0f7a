// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads forge.yaml.
//
// Loading order: the embedded default is decoded first, the user's file is
// decoded on top of it, remaining zero values get defaults, and the result is
// validated with struct tags.
//
// Thread Safety:
//
//	A loaded Config is read-only and safe to share.
package config

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/rules"
)

// MaxConfigFileSize bounds forge.yaml.
const MaxConfigFileSize = 1024 * 1024

// DefaultFileName is the file looked up at the workspace root.
const DefaultFileName = "forge.yaml"

//go:embed forge.yaml
var defaultYAML []byte

var (
	configLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_config_load_errors_total",
		Help: "Total forge.yaml load errors",
	})

	configLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_config_load_duration_seconds",
		Help:    "Duration of forge.yaml loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})
)

var tracer = otel.Tracer("forge.config")

var validate = validator.New()

// ErrConfigTooLarge is returned for files over MaxConfigFileSize.
var ErrConfigTooLarge = errors.New("config file too large")

// Config is the root of forge.yaml.
type Config struct {
	Workspace WorkspaceConfig    `yaml:"workspace"`
	Eval      EvalConfig         `yaml:"eval"`
	Actions   ActionsConfig      `yaml:"actions"`
	Watch     WatchConfig        `yaml:"watch"`
	Server    ServerConfig       `yaml:"server"`
	Storage   StorageConfig      `yaml:"storage"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Logging   LoggingConfig      `yaml:"logging"`
	Targets   []rules.TargetSpec `yaml:"targets" validate:"dive"`
}

// WorkspaceConfig locates the sources.
type WorkspaceConfig struct {
	Root string `yaml:"root" validate:"required"`
}

// EvalConfig tunes the evaluator.
type EvalConfig struct {
	Workers   int    `yaml:"workers" validate:"gte=0,lte=4096"`
	KeepGoing bool   `yaml:"keep_going"`
	Equality  string `yaml:"equality" validate:"oneof=deep fingerprint never"`
	Shards    int    `yaml:"shards" validate:"gte=1,lte=65536"`
}

// ActionsConfig sizes the resource pool and picks strategies.
type ActionsConfig struct {
	// Pool is the total capacity, e.g. "memory=8GB,cpu=8,io=100".
	Pool string `yaml:"pool" validate:"required"`

	// DefaultResources is the estimate for actions that declare none.
	DefaultResources string `yaml:"default_resources" validate:"required"`

	// Strategies maps a mnemonic to a strategy name. Only "local" is built in.
	Strategies map[string]string `yaml:"strategies" validate:"dive,oneof=local"`
}

// WatchConfig tunes watch mode.
type WatchConfig struct {
	Debounce          time.Duration `yaml:"debounce" validate:"gte=0"`
	Ignore            []string      `yaml:"ignore"`
	RebuildsPerSecond float64       `yaml:"rebuilds_per_second" validate:"gt=0"`
	Burst             int           `yaml:"burst" validate:"gte=1"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// StorageConfig configures snapshot export.
type StorageConfig struct {
	Path     string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"in_memory"`
}

// TelemetryConfig selects exporters.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" validate:"required"`
	Traces      string `yaml:"traces" validate:"oneof=none stdout otlp"`
	Metrics     string `yaml:"metrics" validate:"oneof=none stdout prometheus"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	File  string `yaml:"file"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the embedded default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultYAML, cfg); err != nil {
		panic(fmt.Sprintf("embedded forge.yaml is invalid: %v", err))
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and validates a config file. An empty path returns the default
// configuration.
//
// Outputs:
//
//	*Config - Validated configuration.
//	error - I/O, size, decode, or validation failure.
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := tracer.Start(ctx, "config.Load",
		trace.WithAttributes(attribute.String("config.path", path)),
	)
	defer span.End()
	start := time.Now()
	defer func() { configLoadDuration.Observe(time.Since(start).Seconds()) }()

	cfg, err := load(path)
	if err != nil {
		configLoadErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("config.targets", len(cfg.Targets)))
	return cfg, nil
}

func load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > MaxConfigFileSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrConfigTooLarge, path, MaxConfigFileSize)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, applies defaults, and validates.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Workspace.Root == "" {
		c.Workspace.Root = "."
	}
	if c.Eval.Equality == "" {
		c.Eval.Equality = "deep"
	}
	if c.Eval.Shards == 0 {
		c.Eval.Shards = 64
	}
	if c.Actions.Pool == "" {
		c.Actions.Pool = "memory=4GB,cpu=auto,io=100"
	}
	if c.Actions.DefaultResources == "" {
		c.Actions.DefaultResources = "memory=250MB,cpu=1,io=1"
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = 100 * time.Millisecond
	}
	if c.Watch.RebuildsPerSecond == 0 {
		c.Watch.RebuildsPerSecond = 2
	}
	if c.Watch.Burst == 0 {
		c.Watch.Burst = 1
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8088"
	}
	if c.Storage.Path == "" && !c.Storage.InMemory {
		c.Storage.Path = ".forge/snapshots"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "forge"
	}
	if c.Telemetry.Traces == "" {
		c.Telemetry.Traces = "none"
	}
	if c.Telemetry.Metrics == "" {
		c.Telemetry.Metrics = "prometheus"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks struct tags, resource strings, and the target table.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.PoolCapacity(); err != nil {
		return fmt.Errorf("invalid config: actions.pool: %w", err)
	}
	if _, err := ParseResources(c.Actions.DefaultResources); err != nil {
		return fmt.Errorf("invalid config: actions.default_resources: %w", err)
	}
	if _, err := c.NewWorkspace(); err != nil {
		return fmt.Errorf("invalid config: targets: %w", err)
	}
	return nil
}

// PoolCapacity parses actions.pool.
func (c *Config) PoolCapacity() (action.ResourceSet, error) {
	return ParseResources(c.Actions.Pool)
}

// DefaultResourceSet parses actions.default_resources.
func (c *Config) DefaultResourceSet() (action.ResourceSet, error) {
	return ParseResources(c.Actions.DefaultResources)
}

// NewWorkspace builds the target table.
func (c *Config) NewWorkspace() (*rules.Workspace, error) {
	return rules.NewWorkspace(c.Targets...)
}

// Workers resolves eval.workers, where 0 means GOMAXPROCS.
func (c *Config) Workers() int {
	if c.Eval.Workers > 0 {
		return c.Eval.Workers
	}
	return runtime.GOMAXPROCS(0)
}
