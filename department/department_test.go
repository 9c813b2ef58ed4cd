package department

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/engine"
)

var _ core.DepartmentHandler = (*BaseDepartment)(nil)

func TestExecuteSuccessEnvelope(t *testing.T) {
	d := NewCommunications()
	task := core.NewTask("t1", "Send launch email", core.TaskTypeEmail)
	task.Description = "Announce the release"
	task.InputData = map[string]interface{}{
		"recipients": []string{"a@example.com", "b@example.com"},
		"subject":    "Launch",
	}

	res := d.Execute(context.Background(), task)
	require.Equal(t, "success", res.Status)
	assert.Equal(t, "Launch", res.Result["subject"])
	assert.Equal(t, 2, res.Result["recipient_count"])
	assert.Equal(t, "communications", res.Result["department"])
}

func TestExecuteErrorStaysInEnvelope(t *testing.T) {
	d := NewBase("failing", core.IntentAnalysis, nil,
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			return nil, errors.New("backend down")
		})

	res := d.Execute(context.Background(), core.NewTask("t1", "x", core.TaskTypeOther))
	assert.Equal(t, "error", res.Status)
	assert.Equal(t, "backend down", res.Error)

	m := d.PerformanceMetrics()
	assert.Equal(t, int64(1), m.TotalTasks)
	assert.Equal(t, int64(0), m.CompletedTasks)
	assert.Equal(t, 0.0, m.SuccessRate)
}

func TestExecutePanicBecomesErrorEnvelope(t *testing.T) {
	d := NewBase("panicky", core.IntentAutomation, nil,
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			panic("boom")
		})

	res := d.Execute(context.Background(), core.NewTask("t1", "x", core.TaskTypeOther))
	require.Equal(t, "error", res.Status)
	assert.Contains(t, res.Error, "handler panic")
}

func TestAvailabilityAndCanHandle(t *testing.T) {
	d := NewCoordination()
	assert.True(t, d.IsAvailable())
	d.SetAvailable(false)
	assert.False(t, d.IsAvailable())
	assert.Equal(t, "unavailable", d.PerformanceMetrics().Status)

	assert.False(t, d.CanHandle(nil))
	done := core.NewTask("t1", "x", core.TaskTypeOther)
	done.Status = core.TaskStatusCompleted
	assert.False(t, d.CanHandle(done))
	assert.True(t, d.CanHandle(core.NewTask("t2", "y", core.TaskTypeOther)))
}

func TestSuccessRateTracksOutcomes(t *testing.T) {
	calls := 0
	d := NewBase("flaky", core.IntentAnalysis, nil,
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			calls++
			if calls%2 == 0 {
				return nil, errors.New("every other call fails")
			}
			return map[string]interface{}{}, nil
		})

	task := core.NewTask("t1", "x", core.TaskTypeOther)
	for i := 0; i < 4; i++ {
		d.Execute(context.Background(), task)
	}
	m := d.PerformanceMetrics()
	assert.Equal(t, int64(4), m.TotalTasks)
	assert.Equal(t, int64(2), m.CompletedTasks)
	assert.InDelta(t, 0.5, m.SuccessRate, 1e-9)
}

func TestAutomationRunsStepsThroughEngine(t *testing.T) {
	eng := engine.New(core.EngineConfig{
		MaxConcurrentTasks: 2,
		MaxQueueSize:       16,
		WorkerThreadCount:  1,
		DefaultTimeout:     time.Second,
		CleanupInterval:    time.Minute,
		ShutdownGrace:      time.Second,
		BackpressureRatio:  0.8,
	})
	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop(context.Background())

	d := NewAutomation(eng)
	task := core.NewTask("t1", "Deploy service", core.TaskTypeDevelopment)
	task.InputData = map[string]interface{}{
		"steps": []interface{}{"build", "test", "release"},
	}

	res := d.Execute(context.Background(), task)
	require.Equal(t, "success", res.Status)
	assert.Equal(t, 3, res.Result["steps_total"])
	assert.Equal(t, []string{"build", "test", "release"}, res.Result["steps_completed"])
}

func TestAutomationWithoutRunnerRunsInline(t *testing.T) {
	d := NewAutomation(nil)
	res := d.Execute(context.Background(), core.NewTask("t1", "Nightly job", core.TaskTypeOther))
	require.Equal(t, "success", res.Status)
	assert.Equal(t, 1, res.Result["steps_total"])
}

func TestAllCoversEveryIntent(t *testing.T) {
	depts := All(nil)
	require.Len(t, depts, len(core.AllIntents))
	seen := map[core.Intent]bool{}
	for _, d := range depts {
		seen[d.Intent()] = true
	}
	for _, intent := range core.AllIntents {
		assert.True(t, seen[intent], "missing department for %s", intent)
	}
}
