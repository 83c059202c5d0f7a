// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/eval"
	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/AleutianAI/forge/services/forge/rules"
	"github.com/AleutianAI/forge/services/forge/storage/badger"
)

// NodeView is the JSON form of a node. It matches the record stored by
// snapshot export so both read the same way.
type NodeView = badger.Record

// BuildRequest is the body of POST /v1/forge/build.
type BuildRequest struct {
	Targets []string `json:"targets" binding:"required,min=1,dive,required"`
}

// TargetResult is one target's outcome.
type TargetResult struct {
	Target  string            `json:"target"`
	Outputs []action.Artifact `json:"outputs,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// BuildResponse is the body returned by POST /v1/forge/build.
type BuildResponse struct {
	SessionID string         `json:"session_id"`
	Version   uint64         `json:"version"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Duration  string         `json:"duration"`
	Stats     eval.Stats     `json:"stats"`
	Targets   []TargetResult `json:"targets"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"version": uint64(s.deps.Graph.Version()),
		"nodes":   s.deps.Graph.Len(),
	}
	if s.deps.Targets != nil {
		body["targets"] = s.deps.Targets()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleListNodes(c *gin.Context) {
	kind := c.Query("kind")
	state := c.Query("state")
	snap := s.deps.Graph.Snapshot()

	nodes := make([]NodeView, 0, snap.Len())
	snap.Range(func(e graph.Entry) bool {
		if kind != "" && string(e.Key.Kind) != kind {
			return true
		}
		if state != "" && e.State.String() != state {
			return true
		}
		view := badger.NewRecord(e)
		view.Value, view.Opaque = nil, false
		nodes = append(nodes, view)
		return true
	})
	c.JSON(http.StatusOK, gin.H{"version": uint64(snap.Version()), "nodes": nodes})
}

func (s *Server) handleGetNode(c *gin.Context) {
	want := c.Param("kind") + ":" + strings.TrimPrefix(c.Param("arg"), "/")
	snap := s.deps.Graph.Snapshot()

	var (
		found graph.Entry
		ok    bool
	)
	snap.Range(func(e graph.Entry) bool {
		if e.Key.String() == want {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found", "key": want})
		return
	}
	c.JSON(http.StatusOK, badger.NewRecord(found))
}

func (s *Server) handleBuild(c *gin.Context) {
	var req BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	keys := make([]graph.Key, len(req.Targets))
	for i, t := range req.Targets {
		keys[i] = rules.BuildKey(t)
	}
	res, err := s.deps.Evaluator.Evaluate(c.Request.Context(), keys...)
	if res == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := BuildResponse{
		SessionID: res.SessionID,
		Version:   uint64(res.Version),
		Success:   res.Success(),
		Duration:  res.Duration.Round(time.Millisecond).String(),
		Stats:     res.Stats,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	outs, _ := rules.CollectOutputs(c.Request.Context(), req.Targets, res.Values)
	byTarget := make(map[string][]action.Artifact, len(outs))
	for _, o := range outs {
		byTarget[o.Target] = o.Outputs
	}
	for _, t := range req.Targets {
		tr := TargetResult{Target: t, Outputs: byTarget[t]}
		if terr, ok := res.Errors[rules.BuildKey(t)]; ok {
			tr.Error = terr.Error()
		}
		resp.Targets = append(resp.Targets, tr)
	}

	status := http.StatusOK
	switch {
	case errors.Is(err, eval.ErrInterrupted):
		status = http.StatusServiceUnavailable
	case err != nil:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, resp)
}

func (s *Server) handleExport(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "snapshot store not configured"})
		return
	}
	m, err := s.deps.Store.Export(c.Request.Context(), c.Param("name"), s.deps.Graph.Snapshot())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, m)
}
