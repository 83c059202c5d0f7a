// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the build graph over HTTP.
//
// Routes:
//
//	GET  /v1/forge/health               liveness and graph size
//	GET  /v1/forge/nodes                every node holding a result
//	GET  /v1/forge/nodes/:kind/*arg     one node with its value
//	POST /v1/forge/build                build targets
//	POST /v1/forge/snapshots/:name      export the graph to the snapshot store
//	GET  /metrics                       Prometheus
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/forge/services/forge/eval"
	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/AleutianAI/forge/services/forge/storage/badger"
	"github.com/AleutianAI/forge/services/forge/telemetry"
)

// RequestIDHeader carries the request id assigned by the server.
const RequestIDHeader = "X-Request-ID"

// Deps are the components the handlers read from. Store may be nil, which
// disables snapshot export.
type Deps struct {
	Graph     *graph.Graph
	Evaluator *eval.Evaluator
	Store     *badger.Store
	Logger    *slog.Logger

	// Targets lists the declared target names for the health report.
	Targets func() []string
}

// Server serves the HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router.
func New(deps Deps) (*Server, error) {
	if deps.Graph == nil || deps.Evaluator == nil {
		return nil, errors.New("server requires a graph and an evaluator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		router: gin.New(),
		logger: logger.With(slog.String("component", "server")),
	}
	s.router.Use(gin.Recovery(), otelgin.Middleware("forge"), s.requestID(), s.accessLog())
	s.routes()
	return s, nil
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := s.router.Group("/v1/forge")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/nodes", s.handleListNodes)
		v1.GET("/nodes/:kind/*arg", s.handleGetNode)
		v1.POST("/build", s.handleBuild)
		v1.POST("/snapshots/:name", s.handleExport)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", c.GetString("request_id")),
		)
	}
}
