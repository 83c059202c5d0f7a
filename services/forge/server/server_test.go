// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/forge/services/forge/action"
	"github.com/AleutianAI/forge/services/forge/eval"
	"github.com/AleutianAI/forge/services/forge/graph"
	"github.com/AleutianAI/forge/services/forge/nestedset"
	"github.com/AleutianAI/forge/services/forge/rules"
	"github.com/AleutianAI/forge/services/forge/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type echoStrategy struct{}

func (echoStrategy) FindAdditionalInputs(context.Context, *action.Action) (*nestedset.NestedSet[action.Artifact], error) {
	return nil, nil
}

func (echoStrategy) Exec(_ context.Context, a *action.Action) (*action.Reply, error) {
	outs := make([]action.Artifact, len(a.Outputs))
	for i, o := range a.Outputs {
		outs[i] = action.Artifact{Path: o, Digest: "d-" + o}
	}
	return &action.Reply{Outputs: outs}, nil
}

func (echoStrategy) ReplyFromFailedExecution(err *action.ExecutionError) *action.Reply {
	return err.PartialReply
}

func newTestServer(t *testing.T, store *badger.Store) (*Server, *graph.Graph) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/ws/lib.c", []byte("int x;"), 0o644))

	ws, err := rules.NewWorkspace(
		rules.TargetSpec{
			Name: "lib",
			Srcs: []string{"lib.c"},
			Actions: []rules.ActionSpec{{
				Mnemonic: "compile",
				Argv:     []string{"cc", "{srcs}"},
				Outputs:  []string{"out/lib.o"},
			}},
		},
		rules.TargetSpec{
			Name: "broken",
			Srcs: []string{"missing.c"},
			Actions: []rules.ActionSpec{{
				Mnemonic: "compile",
				Argv:     []string{"cc", "{srcs}"},
				Outputs:  []string{"out/broken.o"},
			}},
		},
	)
	require.NoError(t, err)

	pool, err := action.NewResourcePool(action.ResourceSet{MemoryMB: 1024, CPU: 2, IOWeight: 10})
	require.NoError(t, err)
	actx, err := action.NewContext(nil, pool, action.WithDefaultStrategy(echoStrategy{}))
	require.NoError(t, err)

	r := rules.New(fs, "/ws", ws, actx)
	reg := eval.NewRegistry()
	require.NoError(t, r.Register(reg))

	g := graph.New()
	ev, err := eval.New(g, reg, eval.WithKeepGoing(true))
	require.NoError(t, err)

	s, err := New(Deps{Graph: g, Evaluator: ev, Store: store, Targets: ws.Names})
	require.NoError(t, err)
	return s, g
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_RequiresGraphAndEvaluator(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/v1/forge/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.ElementsMatch(t, []any{"broken", "lib"}, resp["targets"])
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/forge/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestBuild(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodPost, "/v1/forge/build", BuildRequest{Targets: []string{"lib"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp BuildResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.SessionID)
	require.Len(t, resp.Targets, 1)
	assert.Equal(t, "lib", resp.Targets[0].Target)
	assert.Equal(t, []action.Artifact{{Path: "out/lib.o", Digest: "d-out/lib.o"}}, resp.Targets[0].Outputs)
}

func TestBuild_PartialFailure(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodPost, "/v1/forge/build", BuildRequest{Targets: []string{"lib", "broken"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp BuildResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.Len(t, resp.Targets, 2)
	assert.Empty(t, resp.Targets[0].Error)
	assert.NotEmpty(t, resp.Targets[0].Outputs)
	assert.Contains(t, resp.Targets[1].Error, "missing.c")
}

func TestBuild_BadRequest(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodPost, "/v1/forge/build", map[string]any{"targets": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNodes(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/forge/build", BuildRequest{Targets: []string{"lib"}}).Code)

	t.Run("list filtered by kind", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/v1/forge/nodes?kind=file", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Nodes []NodeView `json:"nodes"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Nodes, 1)
		assert.Equal(t, "file:lib.c", resp.Nodes[0].Key)
		assert.Nil(t, resp.Nodes[0].Value)
	})

	t.Run("get one with value", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/v1/forge/nodes/build/lib", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var node NodeView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &node))
		assert.Equal(t, "done", node.State)
		assert.Contains(t, string(node.Value), "out/lib.o")
		assert.NotEmpty(t, node.Deps)
	})

	t.Run("path args keep slashes", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/v1/forge/nodes/file/lib.c", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown", func(t *testing.T) {
		w := do(t, s, http.MethodGet, "/v1/forge/nodes/build/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestExport(t *testing.T) {
	t.Run("without store", func(t *testing.T) {
		s, _ := newTestServer(t, nil)
		w := do(t, s, http.MethodPost, "/v1/forge/snapshots/main", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("with store", func(t *testing.T) {
		store, err := badger.OpenInMemory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		s, _ := newTestServer(t, store)
		require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/v1/forge/build", BuildRequest{Targets: []string{"lib"}}).Code)

		w := do(t, s, http.MethodPost, "/v1/forge/snapshots/main", nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		m, err := store.Manifest(context.Background(), "main")
		require.NoError(t, err)
		assert.Positive(t, m.Records)
	})
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
