package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	graphops "github.com/soundprediction/go-graphops"
	"github.com/soundprediction/go-graphops/pkg/config"
	"github.com/soundprediction/go-graphops/pkg/graph"
	"github.com/soundprediction/go-graphops/pkg/lock"
	"github.com/soundprediction/go-graphops/pkg/logger"
	"github.com/soundprediction/go-graphops/pkg/scheduler"
	"github.com/soundprediction/go-graphops/pkg/server"
	"github.com/soundprediction/go-graphops/pkg/store"
	"github.com/soundprediction/go-graphops/pkg/types"
)

func newTestServer(t *testing.T, engine graph.Engine, tasks scheduler.Config, start bool) (*gin.Engine, *graphops.Client, *lock.MemoryLock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	scopeLock := lock.NewMemoryLock()
	client, err := graphops.NewClient(engine, store.NewMemoryStore(), scopeLock,
		logger.NewLogger(io.Discard, slog.LevelError), &graphops.Config{Tasks: tasks})
	require.NoError(t, err)
	if start {
		client.Start()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Close(ctx)
	})

	cfg := &config.Config{}
	cfg.Server.Mode = gin.TestMode
	cfg.Server.Host = "127.0.0.1"

	srv := server.New(cfg, client, nil)
	srv.Setup()
	return srv.Router(), client, scopeLock
}

func submitBody(kind string, extra map[string]any) *bytes.Buffer {
	body := map[string]any{
		"kind":       kind,
		"tenant_id":  "acme",
		"project_id": "support",
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return bytes.NewBuffer(raw)
}

func TestSubmitTask(t *testing.T) {
	router, _, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks",
		submitBody("deduplicate", map[string]any{"params": map[string]any{"similarity_threshold": 0.9}}))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)

	// the record is retrievable immediately
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks/"+resp.TaskID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var task types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, types.KindDeduplicate, task.Kind)
}

func TestSubmitValidationFailure(t *testing.T) {
	router, _, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	// deduplicate without a threshold
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", submitBody("deduplicate", nil))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// missing tenant_id fails binding
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/tasks",
		bytes.NewBufferString(`{"kind":"deduplicate","project_id":"support"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitScopeConflict(t *testing.T) {
	router, _, scopeLock := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	// another task already holds the scope
	ok, err := scopeLock.TryAcquire(context.Background(), types.Scope{TenantID: "acme", ProjectID: "support"},
		"other-task", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks",
		submitBody("deduplicate", map[string]any{"params": map[string]any{"similarity_threshold": 0.9}}))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitQueueFull(t *testing.T) {
	// workers never started, capacity one
	router, _, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{QueueSize: 1}, false)

	body := map[string]any{"dry_run": true, "params": map[string]any{"similarity_threshold": 0.9}}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", submitBody("deduplicate", body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/tasks", submitBody("deduplicate", body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRunSyncEndpoint(t *testing.T) {
	router, _, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks/sync",
		submitBody("invalidate_stale_edges", map[string]any{"params": map[string]any{"days_since_update": 30}}))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var task types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, types.StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
}

func TestGetUnknownTask(t *testing.T) {
	router, _, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTasks(t *testing.T) {
	router, client, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	_, err := client.RunSync(context.Background(), scheduler.SubmitRequest{
		Kind:   types.KindDeduplicate,
		Scope:  types.Scope{TenantID: "acme", ProjectID: "support"},
		Params: types.Params{SimilarityThreshold: 0.9},
		DryRun: true,
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks?status=completed&tenant_id=acme&project_id=support", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tasks []types.Task `json:"tasks"`
		Count int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	// unknown status is rejected
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/tasks?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelEndpoint(t *testing.T) {
	router, client, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	task, err := client.RunSync(context.Background(), scheduler.SubmitRequest{
		Kind:   types.KindDeduplicate,
		Scope:  types.Scope{TenantID: "acme", ProjectID: "support"},
		Params: types.Params{SimilarityThreshold: 0.9},
		DryRun: true,
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tasks/"+task.ID+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "no_effect", resp.Status)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/tasks/missing/cancel", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoints(t *testing.T) {
	router, _, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebsocketStream(t *testing.T) {
	router, client, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	ts := httptest.NewServer(router)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/tasks?tenant_id=acme&project_id=support"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the handler a moment to register its subscription
	time.Sleep(100 * time.Millisecond)

	task, err := client.RunSync(context.Background(), scheduler.SubmitRequest{
		Kind:   types.KindDeduplicate,
		Scope:  types.Scope{TenantID: "acme", ProjectID: "support"},
		Params: types.Params{SimilarityThreshold: 0.9},
		DryRun: true,
	})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var update types.StatusUpdate
		require.NoError(t, conn.ReadJSON(&update))
		assert.Equal(t, task.ID, update.TaskID)
		if update.Terminal() {
			assert.Equal(t, types.StatusCompleted, update.Status)
			break
		}
	}
}

func TestWebsocketRejectsBadScope(t *testing.T) {
	router, _, _ := newTestServer(t, graph.NewMemoryEngine(), scheduler.Config{}, true)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/tasks?tenant_id=acme", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
