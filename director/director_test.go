package director

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/SwarmDirector-sub000/classify"
	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/repository"
)

type stubClassifier struct {
	intent     core.Intent
	confidence float64
}

func (s *stubClassifier) ClassifyTask(ctx context.Context, task *core.Task) classify.Result {
	return classify.Result{Intent: s.intent, Confidence: s.confidence, Method: "keywords"}
}

type stubHandler struct {
	name      string
	intent    core.Intent
	available atomic.Bool
	active    int
	calls     atomic.Int32
	fn        func(ctx context.Context, task *core.Task) *core.HandlerResult
}

func newStubHandler(name string, intent core.Intent) *stubHandler {
	h := &stubHandler{name: name, intent: intent}
	h.available.Store(true)
	h.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		return &core.HandlerResult{Status: "success", Result: map[string]interface{}{"by": name}}
	}
	return h
}

func (h *stubHandler) Name() string                    { return h.name }
func (h *stubHandler) Intent() core.Intent             { return h.intent }
func (h *stubHandler) IsAvailable() bool               { return h.available.Load() }
func (h *stubHandler) CanHandle(task *core.Task) bool  { return true }
func (h *stubHandler) Execute(ctx context.Context, task *core.Task) *core.HandlerResult {
	h.calls.Add(1)
	return h.fn(ctx, task)
}
func (h *stubHandler) PerformanceMetrics() core.HandlerMetrics {
	return core.HandlerMetrics{ActiveTasks: h.active, Status: "available"}
}

func testDirectorConfig() core.DirectorConfig {
	return core.DirectorConfig{
		MaxConcurrentTasks: 4,
		RoutingThreshold:   0.7,
		FallbackDepartment: "coordination",
		MaxParallelAgents:  3,
		MaintenanceDrain:   500 * time.Millisecond,
		HandlerTimeout:     2 * time.Second,
	}
}

func newDirector(t *testing.T, cls Classifier, handlers ...core.DepartmentHandler) *Director {
	t.Helper()
	d := New(testDirectorConfig(), cls, nil)
	for _, h := range handlers {
		require.NoError(t, d.RegisterHandler(h))
	}
	require.NoError(t, d.Start())
	return d
}

func TestStartRequiresHandlers(t *testing.T) {
	d := New(testDirectorConfig(), &stubClassifier{}, nil)
	err := d.Start()
	assert.ErrorIs(t, err, core.ErrHandlerNotFound)
	assert.Equal(t, StateError, d.State())
	assert.ErrorIs(t, d.RegisterHandler(newStubHandler("late", core.IntentAnalysis)), core.ErrNotAccepting)
}

func TestSingleAgentRouteAndPersistence(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newStubHandler("analysis_dept", core.IntentAnalysis)
	d := New(testDirectorConfig(), &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, repo)
	require.NoError(t, d.RegisterHandler(h))
	require.NoError(t, d.Start())

	task := core.NewTask("t1", "Generate report", core.TaskTypeAnalysis)
	require.NoError(t, repo.CreateTask(context.Background(), task))

	res := d.ProcessTask(context.Background(), task)
	require.Equal(t, core.RoutingStatusSuccess, res.Status)
	assert.Equal(t, "analysis_dept", res.RoutedTo)
	assert.Equal(t, "analysis_dept", res.Handler)
	assert.Equal(t, "analysis_dept", res.Agent)
	assert.Equal(t, "analysis_dept", res.AgentName)
	assert.Equal(t, "analysis", res.Department)
	assert.Equal(t, "t1", res.TaskID)

	row, err := repo.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, row.Status)
	assert.Equal(t, "analysis_dept", row.AssignedAgentID)
	assert.Equal(t, 100, row.ProgressPercentage)

	stats := d.Metrics()
	assert.Equal(t, int64(1), stats.TasksProcessed)
	assert.Equal(t, int64(1), stats.SuccessfulRoutes)
	assert.Equal(t, int64(1), stats.PerDepartment["analysis"])
	assert.Equal(t, int64(1), stats.StrategyUsage[StrategySingleAgent])
}

func TestValidationFailureEnvelope(t *testing.T) {
	d := newDirector(t, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9},
		newStubHandler("analysis_dept", core.IntentAnalysis))

	res := d.ProcessTask(context.Background(), &core.Task{ID: "t1"})
	assert.Equal(t, core.RoutingStatusError, res.Status)
	assert.Contains(t, res.Error, "invalid task")
	assert.Equal(t, int64(1), d.Metrics().PerErrorKind["validation"])
}

func TestConcurrencyGateReturnsOverloaded(t *testing.T) {
	cfg := testDirectorConfig()
	cfg.MaxConcurrentTasks = 1
	gate := make(chan struct{})
	slow := newStubHandler("slow", core.IntentAnalysis)
	slow.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		<-gate
		return &core.HandlerResult{Status: "success"}
	}
	d := New(cfg, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, nil)
	require.NoError(t, d.RegisterHandler(slow))
	require.NoError(t, d.Start())

	first := make(chan *core.RoutingResult, 1)
	go func() {
		first <- d.ProcessTask(context.Background(), core.NewTask("t1", "long job", core.TaskTypeAnalysis))
	}()
	require.Eventually(t, func() bool { return d.State() == StateBusy }, time.Second, 5*time.Millisecond)

	res := d.ProcessTask(context.Background(), core.NewTask("t2", "rejected", core.TaskTypeAnalysis))
	assert.Equal(t, core.RoutingStatusError, res.Status)
	assert.Contains(t, res.Error, "overloaded")

	close(gate)
	assert.Equal(t, core.RoutingStatusSuccess, (<-first).Status)
	assert.Equal(t, StateActive, d.State())
}

func TestLowConfidenceRoutesToFallbackDepartment(t *testing.T) {
	coord := newStubHandler("coordination_dept", core.IntentCoordination)
	d := newDirector(t, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.3}, coord)

	res := d.ProcessTask(context.Background(), core.NewTask("t1", "vague request", core.TaskTypeOther))
	require.Equal(t, core.RoutingStatusSuccess, res.Status)
	assert.Equal(t, "coordination", res.Department)
	assert.Equal(t, "coordination_dept", res.RoutedTo)
}

func TestParallelAgentsFirstSuccessWins(t *testing.T) {
	winner := newStubHandler("fast", core.IntentCoordination)
	loser := newStubHandler("slower", core.IntentCoordination)
	loser.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		select {
		case <-ctx.Done():
			return &core.HandlerResult{Status: "error", Error: "cancelled"}
		case <-time.After(500 * time.Millisecond):
			return &core.HandlerResult{Status: "success", Result: map[string]interface{}{"by": "slower"}}
		}
	}
	d := newDirector(t, &stubClassifier{intent: core.IntentCoordination, confidence: 0.3}, winner, loser)

	start := time.Now()
	res := d.ProcessTask(context.Background(), core.NewTask("t1", "ambiguous", core.TaskTypeOther))
	require.Equal(t, core.RoutingStatusSuccess, res.Status)
	assert.Equal(t, "fast", res.RoutedTo)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "winner returns without waiting for the loser")
	assert.Equal(t, int64(1), d.Metrics().StrategyUsage[StrategyParallelAgents])
}

func TestParallelAllFailing(t *testing.T) {
	a := newStubHandler("a", core.IntentCoordination)
	b := newStubHandler("b", core.IntentCoordination)
	fail := func(ctx context.Context, task *core.Task) *core.HandlerResult {
		return &core.HandlerResult{Status: "error", Error: "nope"}
	}
	a.fn, b.fn = fail, fail
	d := newDirector(t, &stubClassifier{intent: core.IntentCoordination, confidence: 0.3}, a, b)

	res := d.ProcessTask(context.Background(), core.NewTask("t1", "ambiguous", core.TaskTypeOther))
	assert.Equal(t, core.RoutingStatusExecutionError, res.Status)
	assert.Contains(t, res.Error, "parallel handlers failed")
	assert.Equal(t, int64(1), d.Metrics().FailedRoutes)
}

func TestScatterGatherAggregates(t *testing.T) {
	analysis := newStubHandler("analysis_dept", core.IntentAnalysis)
	comms := newStubHandler("communications_dept", core.IntentCommunications)
	d := newDirector(t, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, analysis, comms)

	task := core.NewTask("t1", "Comprehensive quarterly review", core.TaskTypeAnalysis)
	task.Description = strings.Repeat("cross-team findings and follow-ups ", 20)
	task.Priority = core.TaskPriorityCritical

	res := d.ProcessTask(context.Background(), task)
	require.Equal(t, core.RoutingStatusSuccess, res.Status)
	aggregated, ok := res.Result["aggregated"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, aggregated, "analysis_dept")
	assert.Contains(t, aggregated, "communications_dept")
	assert.Equal(t, 2, res.Result["successes"])
	assert.Equal(t, int64(1), d.Metrics().StrategyUsage[StrategyScatterGather])
}

func TestLoadBalancedPicksLeastLoaded(t *testing.T) {
	busy := newStubHandler("busy", core.IntentAnalysis)
	busy.active = 5
	idle := newStubHandler("idle", core.IntentAnalysis)
	d := newDirector(t, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, busy, idle)

	res := d.ProcessTask(context.Background(), core.NewTask("t1", "short job", core.TaskTypeAnalysis))
	require.Equal(t, core.RoutingStatusSuccess, res.Status)
	assert.Equal(t, "idle", res.RoutedTo)
	assert.Equal(t, int64(1), d.Metrics().StrategyUsage[StrategyLoadBalanced])
}

func TestDirectHandlingWhenNoHandlerAvailable(t *testing.T) {
	repo := repository.NewMemoryRepository()
	h := newStubHandler("analysis_dept", core.IntentAnalysis)
	d := New(testDirectorConfig(), &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, repo)
	require.NoError(t, d.RegisterHandler(h))
	require.NoError(t, d.Start())
	h.available.Store(false)

	task := core.NewTask("t1", "orphaned work", core.TaskTypeAnalysis)
	require.NoError(t, repo.CreateTask(context.Background(), task))

	res := d.ProcessTask(context.Background(), task)
	require.Equal(t, core.RoutingStatusDirect, res.Status)
	assert.Equal(t, "analysis", res.Department)
	assert.Equal(t, "director", res.Result["handled_by"])

	row, err := repo.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, row.Status)
	assert.Equal(t, int64(1), d.Metrics().DirectHandled)
}

func TestAutoRetryRecoversFromTransientFailure(t *testing.T) {
	cfg := testDirectorConfig()
	cfg.EnableAutoRetry = true
	cfg.MaxRetries = 2
	flaky := newStubHandler("flaky", core.IntentAnalysis)
	flaky.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		if flaky.calls.Load() == 1 {
			return &core.HandlerResult{Status: "error", Error: "transient"}
		}
		return &core.HandlerResult{Status: "success"}
	}
	d := New(cfg, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, nil)
	require.NoError(t, d.RegisterHandler(flaky))
	require.NoError(t, d.Start())

	res := d.ProcessTask(context.Background(), core.NewTask("t1", "retry me", core.TaskTypeAnalysis))
	assert.Equal(t, core.RoutingStatusSuccess, res.Status)
	assert.Equal(t, int32(2), flaky.calls.Load())
}

func TestAutoRetryExhaustion(t *testing.T) {
	cfg := testDirectorConfig()
	cfg.EnableAutoRetry = true
	cfg.MaxRetries = 2
	broken := newStubHandler("broken", core.IntentAnalysis)
	broken.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		return &core.HandlerResult{Status: "error", Error: "hard failure"}
	}
	d := New(cfg, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, nil)
	require.NoError(t, d.RegisterHandler(broken))
	require.NoError(t, d.Start())

	res := d.ProcessTask(context.Background(), core.NewTask("t1", "doomed", core.TaskTypeAnalysis))
	assert.Equal(t, core.RoutingStatusExecutionError, res.Status)
	assert.Equal(t, "broken", res.AgentName)
	assert.Contains(t, res.Error, "maximum retries exceeded")
	// First call plus MaxRetries attempts.
	assert.Equal(t, int32(3), broken.calls.Load())
}

func TestAutoRetryPersistsRetryCount(t *testing.T) {
	cfg := testDirectorConfig()
	cfg.EnableAutoRetry = true
	cfg.MaxRetries = 2
	repo := repository.NewMemoryRepository()
	flaky := newStubHandler("flaky", core.IntentAnalysis)
	flaky.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		if flaky.calls.Load() == 1 {
			return &core.HandlerResult{Status: "error", Error: "transient"}
		}
		return &core.HandlerResult{Status: "success"}
	}
	d := New(cfg, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, repo)
	require.NoError(t, d.RegisterHandler(flaky))
	require.NoError(t, d.Start())

	task := core.NewTask("t1", "retry me", core.TaskTypeAnalysis)
	require.NoError(t, repo.CreateTask(context.Background(), task))

	res := d.ProcessTask(context.Background(), task)
	require.Equal(t, core.RoutingStatusSuccess, res.Status)

	// Each failed attempt persists a failed→pending cycle, so the stored
	// retry count reflects the single transient failure.
	row, err := repo.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, row.Status)
	assert.Equal(t, 1, row.RetryCount)
}

func TestAutoRetryExhaustionPersistsEveryCycle(t *testing.T) {
	cfg := testDirectorConfig()
	cfg.EnableAutoRetry = true
	cfg.MaxRetries = 2
	repo := repository.NewMemoryRepository()
	broken := newStubHandler("broken", core.IntentAnalysis)
	broken.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		return &core.HandlerResult{Status: "error", Error: "hard failure"}
	}
	d := New(cfg, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, repo)
	require.NoError(t, d.RegisterHandler(broken))
	require.NoError(t, d.Start())

	task := core.NewTask("t1", "doomed", core.TaskTypeAnalysis)
	require.NoError(t, repo.CreateTask(context.Background(), task))

	res := d.ProcessTask(context.Background(), task)
	require.Equal(t, core.RoutingStatusExecutionError, res.Status)

	row, err := repo.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusFailed, row.Status)
	assert.Equal(t, 2, row.RetryCount)
}

func TestMaintenanceDrainAndResume(t *testing.T) {
	gate := make(chan struct{})
	slow := newStubHandler("slow", core.IntentAnalysis)
	slow.fn = func(ctx context.Context, task *core.Task) *core.HandlerResult {
		<-gate
		return &core.HandlerResult{Status: "success"}
	}
	d := newDirector(t, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9}, slow)

	go d.ProcessTask(context.Background(), core.NewTask("t1", "in flight", core.TaskTypeAnalysis))
	require.Eventually(t, func() bool { return d.State() == StateBusy }, time.Second, 5*time.Millisecond)

	drained := make(chan error, 1)
	go func() { drained <- d.EnterMaintenance(context.Background()) }()
	require.Eventually(t, func() bool { return d.State() == StateMaintenance }, time.Second, 5*time.Millisecond)

	// New work is refused while in maintenance.
	res := d.ProcessTask(context.Background(), core.NewTask("t2", "refused", core.TaskTypeAnalysis))
	assert.Equal(t, core.RoutingStatusError, res.Status)
	assert.Contains(t, res.Error, "not accepting")

	close(gate)
	require.NoError(t, <-drained)

	require.NoError(t, d.Resume())
	assert.Equal(t, StateActive, d.State())
	res = d.ProcessTask(context.Background(), core.NewTask("t3", "accepted", core.TaskTypeAnalysis))
	assert.Equal(t, core.RoutingStatusSuccess, res.Status)
}

func TestComplexityScore(t *testing.T) {
	simple := core.NewTask("t1", "quick fix", core.TaskTypeOther)
	assert.Equal(t, 1, complexityScore(simple))

	heavy := core.NewTask("t2", "Migrate the distributed platform", core.TaskTypeDevelopment)
	heavy.Description = strings.Repeat("integrate all subsystems across regions ", 15)
	heavy.Priority = core.TaskPriorityCritical
	heavy.InputData = map[string]interface{}{
		"a": 1, "b": 2, "c": 3, "d": 4, "e": 5,
	}
	score := complexityScore(heavy)
	assert.GreaterOrEqual(t, score, 8)
	assert.LessOrEqual(t, score, 10)
}

func TestHealthReport(t *testing.T) {
	d := newDirector(t, &stubClassifier{intent: core.IntentAnalysis, confidence: 0.9},
		newStubHandler("analysis_dept", core.IntentAnalysis))
	d.ProcessTask(context.Background(), core.NewTask("t1", "work", core.TaskTypeAnalysis))

	report := d.HealthReport()
	assert.Equal(t, "active", report["state"])
	assert.Equal(t, 0, report["active_tasks"])
	assert.Equal(t, 1, report["handler_count"])
	stats, ok := report["metrics"].(Stats)
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.TasksProcessed)
	assert.Equal(t, 1.0, stats.SuccessRate)
}
