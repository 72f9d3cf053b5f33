package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kfp-notebook-bridge/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{ServerURL: srv.URL + "/", XSRFToken: "xsrf", User: "alice"})
}

func TestGetSettings(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jupyterlab-kubeflow-pipelines/settings", r.URL.Path)
		assert.Equal(t, "xsrf", r.Header.Get("X-XSRFToken"))
		assert.Equal(t, "alice", r.Header.Get("X-Forwarded-User"))
		_, _ = w.Write([]byte(`{"endpoint":null,"namespace":"kubeflow","has_token":true}`))
	})

	s, err := c.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", s.Endpoint)
	assert.Equal(t, "kubeflow", s.Namespace)
	assert.True(t, s.HasToken)
}

func TestGetSettingsShapeMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"endpoint":"x"}`))
	})

	_, err := c.GetSettings(context.Background())
	var shapeErr *ShapeError
	assert.ErrorAs(t, err, &shapeErr)
}

func TestUpdateSettingsOmitsNilFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"token": ""}, body)
		_, _ = w.Write([]byte(`{"status":"success","config":{"endpoint":"http://kfp:8080","namespace":"kubeflow","has_token":false}}`))
	})

	empty := ""
	s, err := c.UpdateSettings(context.Background(), SettingsUpdate{Token: &empty})
	require.NoError(t, err)
	assert.False(t, s.HasToken)
	assert.Equal(t, "http://kfp:8080", s.Endpoint)
}

func TestAPIErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{name: "error field", body: `{"error":"bad endpoint"}`, expected: "bad endpoint"},
		{name: "message field", body: `{"message":"nope"}`, expected: "nope"},
		{name: "detail field", body: `{"detail":"why"}`, expected: "why"},
		{name: "plain text", body: "gateway down", expected: "gateway down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Debug(context.Background())
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
			assert.Equal(t, tt.expected, apiErr.Message)
		})
	}
}

func TestImportPipelineConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"A pipeline with this name already exists.","pipeline_id":"p1","pipeline_name":"demo"}`))
	})

	_, err := c.ImportPipeline(context.Background(), models.ImportRequest{PipelineName: " demo ", PipelineYAML: "a: 1"})
	var exists *PipelineExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "p1", exists.PipelineID)
	assert.Equal(t,
		`A pipeline named "demo" already exists. Use a unique name, or import as a new version (not implemented yet).`,
		err.Error())
}

func TestImportPipelineConflictWithoutID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"conflict"}`))
	})

	_, err := c.ImportPipeline(context.Background(), models.ImportRequest{PipelineName: "demo", PipelineYAML: "a: 1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "conflict", apiErr.Message)
}

func TestImportPipelineMissingID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pipeline_name":"demo"}`))
	})

	_, err := c.ImportPipeline(context.Background(), models.ImportRequest{PipelineName: "demo", PipelineYAML: "a: 1"})
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Contains(t, err.Error(), "pipeline_id was missing")
}

func TestSubmitNotebookReportsStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jupyterlab-kubeflow-pipelines/kfp/compile":
			var req models.CompileRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, models.ActionCompile, req.Action)
			_, _ = w.Write([]byte(`{"status":"compiled","pipeline_name":"hello","package_path":"/tmp/p.yaml","yaml":"a: 1"}`))
		case "/jupyterlab-kubeflow-pipelines/kfp/submit":
			var req models.SubmitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "/tmp/p.yaml", req.PackagePath)
			_, _ = w.Write([]byte(`{"run_id":"r-1","run_name":"Notebook Run"}`))
		}
	})

	var lines []string
	res, err := c.SubmitNotebook(context.Background(), SubmitNotebookRequest{Source: "x", PipelineName: "hello"}, func(msg string) {
		lines = append(lines, msg)
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", res.RunID)
	assert.Equal(t, []string{
		"Processing...",
		"Compiling pipeline...",
		"Submitting run...",
		"Run submitted successfully! Run ID: r-1",
	}, lines)
}

func TestSubmitNotebookCompileWithoutPackage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"compiled"}`))
	})

	_, err := c.SubmitNotebook(context.Background(), SubmitNotebookRequest{Source: "x"}, nil)
	var shapeErr *ShapeError
	require.ErrorAs(t, err, &shapeErr)
	assert.Contains(t, err.Error(), "Compilation did not return a package path.")
}

func TestTerminate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/jupyterlab-kubeflow-pipelines/runs/r-1:terminate", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok","run_id":"r-1"}`))
	})

	var msg string
	require.NoError(t, c.Terminate(context.Background(), "r-1", func(s string) { msg = s }))
	assert.Equal(t, "Termination requested for run r-1.", msg)
}

func TestWatchURL(t *testing.T) {
	c := New(Config{ServerURL: "https://hub.example.com/user/alice"})
	u, err := c.watchURL("r-1")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example.com/user/alice/jupyterlab-kubeflow-pipelines/runs/r-1/watch", u)
}

type countingCloser struct {
	closed atomic.Int32
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}

func TestCloseOnCancelStopsWithoutCancel(t *testing.T) {
	c := &countingCloser{}
	stop := closeOnCancel(context.Background(), c)

	finished := make(chan struct{})
	go func() {
		stop()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after stop")
	}
	assert.Equal(t, int32(0), c.closed.Load())
}

func TestCloseOnCancelClosesOnCancel(t *testing.T) {
	c := &countingCloser{}
	ctx, cancel := context.WithCancel(context.Background())
	stop := closeOnCancel(ctx, c)

	cancel()
	assert.Eventually(t, func() bool { return c.closed.Load() == 1 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestWatchRunUntilTerminal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/jupyterlab-kubeflow-pipelines/runs/r-1/watch", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-Forwarded-User"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(models.RunEvent{RunID: "r-1", State: "RUNNING"})
		_ = conn.WriteJSON(models.RunEvent{RunID: "r-1", State: "SUCCEEDED", Terminal: true})
		_, _, _ = conn.ReadMessage()
	})

	var states []string
	err := c.WatchRun(context.Background(), "r-1", func(ev models.RunEvent) {
		states = append(states, ev.State)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"RUNNING", "SUCCEEDED"}, states)
}
