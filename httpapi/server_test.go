package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/SwarmDirector-sub000/blackboard"
	"github.com/blopit/SwarmDirector-sub000/classify"
	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/department"
	"github.com/blopit/SwarmDirector-sub000/director"
	"github.com/blopit/SwarmDirector-sub000/repository"
	"github.com/blopit/SwarmDirector-sub000/rqueue"
)

type testEnv struct {
	server *Server
	repo   *repository.MemoryRepository
	queue  *rqueue.RequestQueue
	board  *blackboard.Blackboard
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := repository.NewMemoryRepository()
	board := blackboard.New()

	classifier := classify.NewIntentClassifier(core.ClassifierConfig{}, core.IntentCoordination, nil, nil)
	dir := director.New(core.DirectorConfig{
		MaxConcurrentTasks: 4,
		RoutingThreshold:   0.3,
		FallbackDepartment: string(core.IntentCoordination),
		HandlerTimeout:     2 * time.Second,
	}, classifier, repo)
	require.NoError(t, dir.RegisterHandler(department.NewAnalysis()))
	require.NoError(t, dir.RegisterHandler(department.NewCoordination()))
	require.NoError(t, dir.Start())

	queue := rqueue.New(core.QueueConfig{
		MaxConcurrentRequests: 2,
		MaxQueueSize:          16,
		DefaultTimeout:        5 * time.Second,
	}, board)
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = queue.Stop(ctx)
	})

	cfg := core.Config{
		Name: "swarmdirector-test",
		Port: 0,
		HTTP: core.HTTPConfig{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
	srv := NewServer(cfg, Deps{
		Repository: repo,
		Queue:      queue,
		Director:   dir,
		Classifier: classifier,
		Board:      board,
	})
	return &testEnv{server: srv, repo: repo, queue: queue, board: board}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRootEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body["message"], "running")
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["database"])
	assert.Equal(t, Version, body["version"])
}

func TestSubmitTaskEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/task", map[string]interface{}{
		"type":        "analysis",
		"description": "analyze the quarterly revenue data and report trends",
		"priority":    "high",
		"args":        map[string]interface{}{"quarter": "Q2"},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])

	taskID, _ := body["task_id"].(string)
	require.True(t, strings.HasPrefix(taskID, "task_"), taskID)

	routing, ok := body["routing_result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, core.RoutingStatusSuccess, routing["status"])

	// The submission was persisted and driven to completion.
	task, err := env.repo.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, task.Status)
	assert.Equal(t, core.TaskPriorityHigh, task.Priority)
	assert.Equal(t, "Q2", task.InputData["quarter"])

	details, ok := body["task_details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, taskID, details["id"])
	assert.Equal(t, string(core.TaskStatusCompleted), details["status"])
}

func TestSubmitTaskDefaultsTitleAndPriority(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/task", map[string]interface{}{
		"type": "research",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	taskID := body["task_id"].(string)
	task, err := env.repo.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "Task: research", task.Title)
	assert.Equal(t, core.TaskPriorityMedium, task.Priority)
}

func TestSubmitTaskValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/task", map[string]interface{}{
		"description": "no type given",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "type")

	rec = env.do(t, http.MethodPost, "/task", map[string]interface{}{
		"type":     "analysis",
		"priority": "urgent",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "priority")
}

func TestListAndGetTasks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/task", map[string]interface{}{
		"type":        "analysis",
		"description": "summarize input",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	taskID := decode(t, rec)["task_id"].(string)

	rec = env.do(t, http.MethodGet, "/api/tasks?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])

	rec = env.do(t, http.MethodGet, "/api/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/tasks/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/agents", map[string]interface{}{
		"id":         "sup-1",
		"name":       "Supervisor One",
		"agent_type": "supervisor",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/agents", map[string]interface{}{
		"id":         "w-1",
		"name":       "Worker One",
		"agent_type": "worker",
		"parent_id":  "sup-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Unknown type and dangling parent are client errors.
	rec = env.do(t, http.MethodPost, "/api/agents", map[string]interface{}{
		"id":         "x-1",
		"name":       "Bad",
		"agent_type": "manager",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/agents", map[string]interface{}{
		"id":         "w-2",
		"name":       "Orphan",
		"agent_type": "worker",
		"parent_id":  "nope",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
}

func TestDirectorHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/director/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(director.StateActive), body["state"])
}

func TestQueueStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/queue/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["running"])
}

func TestClassifierFeedbackEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/classifier/feedback", map[string]interface{}{
		"task_id":          "task_1",
		"task_text":        "please draft an email to the team",
		"predicted_intent": "analysis",
		"actual_intent":    "communications",
		"source":           "operator",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/classifier/feedback", map[string]interface{}{
		"actual_intent": "nonsense",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/classifier/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestThrottlingHistoryWithoutController(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/throttling/history", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func dialWS(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestStreamBroadcastsBlackboardChanges(t *testing.T) {
	env := newTestEnv(t)
	env.server.hub.Start(context.Background())
	t.Cleanup(env.server.hub.Stop)

	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/stream"
	conn, _, err := dialWS(url)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Give the hub time to register the client before mutating.
	time.Sleep(50 * time.Millisecond)
	env.board.Set("health_score", 0.92)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var change blackboard.Change
	require.NoError(t, conn.ReadJSON(&change))
	assert.Equal(t, "health_score", change.Key)
	assert.Equal(t, 0.92, change.Value)
}

func TestSubmitTaskTimeoutMapsTo504(t *testing.T) {
	repo := repository.NewMemoryRepository()
	classifier := classify.NewIntentClassifier(core.ClassifierConfig{}, core.IntentCoordination, nil, nil)
	dir := director.New(core.DirectorConfig{
		MaxConcurrentTasks: 4,
		RoutingThreshold:   0.3,
		FallbackDepartment: string(core.IntentCoordination),
		HandlerTimeout:     2 * time.Second,
	}, classifier, repo)
	slow := department.NewBase("slow_dept", core.IntentCoordination, nil,
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			time.Sleep(600 * time.Millisecond)
			return nil, nil
		})
	require.NoError(t, dir.RegisterHandler(slow))
	require.NoError(t, dir.Start())

	queue := rqueue.New(core.QueueConfig{
		MaxConcurrentRequests: 2,
		MaxQueueSize:          16,
		DefaultTimeout:        100 * time.Millisecond,
	}, nil)
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = queue.Stop(ctx)
	})

	srv := NewServer(core.Config{Name: "swarmdirector-test"}, Deps{
		Repository: repo,
		Queue:      queue,
		Director:   dir,
	})
	env := &testEnv{server: srv, repo: repo, queue: queue}

	rec := env.do(t, http.MethodPost, "/task", map[string]interface{}{
		"type":        "other",
		"description": "slow work",
	})
	require.Equal(t, http.StatusGatewayTimeout, rec.Code, rec.Body.String())
	assert.Contains(t, decode(t, rec)["error"], "timeout")
}
