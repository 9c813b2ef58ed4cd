// Package department provides the built-in department handlers: thin
// domain executors behind the core.DepartmentHandler contract. External
// handlers replace them through the same registration path on the
// Director.
package department

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// ExecuteFunc is the intent-specific body a BaseDepartment wraps.
type ExecuteFunc func(ctx context.Context, task *core.Task) (map[string]interface{}, error)

// BaseDepartment carries the shared handler mechanics: availability,
// counters, and an Execute wrapper that keeps panics and errors inside the
// result envelope.
type BaseDepartment struct {
	name         string
	intent       core.Intent
	capabilities []string
	execute      ExecuteFunc
	logger       core.Logger

	available atomic.Bool
	active    atomic.Int32

	mu        sync.Mutex
	total     int64
	completed int64
	failed    int64
}

// NewBase wraps execute as an available department handler.
func NewBase(name string, intent core.Intent, capabilities []string, execute ExecuteFunc) *BaseDepartment {
	d := &BaseDepartment{
		name:         name,
		intent:       intent,
		capabilities: capabilities,
		execute:      execute,
		logger:       &core.NoOpLogger{},
	}
	d.available.Store(true)
	return d
}

// SetLogger injects the logger.
func (d *BaseDepartment) SetLogger(logger core.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

func (d *BaseDepartment) Name() string        { return d.name }
func (d *BaseDepartment) Intent() core.Intent { return d.intent }

// IsAvailable reports whether the department accepts work.
func (d *BaseDepartment) IsAvailable() bool { return d.available.Load() }

// SetAvailable flips availability; used for maintenance drains.
func (d *BaseDepartment) SetAvailable(v bool) { d.available.Store(v) }

// Workload is the number of tasks currently executing; the load-balanced
// routing strategy picks the smallest.
func (d *BaseDepartment) Workload() int { return int(d.active.Load()) }

// CanHandle accepts any valid non-terminal task by default.
func (d *BaseDepartment) CanHandle(task *core.Task) bool {
	return task != nil && task.ID != "" && !task.Status.IsTerminal()
}

// Execute runs the department body. Domain failures and panics come back
// inside the envelope; Execute itself never panics.
func (d *BaseDepartment) Execute(ctx context.Context, task *core.Task) (out *core.HandlerResult) {
	d.active.Add(1)
	defer d.active.Add(-1)
	d.mu.Lock()
	d.total++
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.recordOutcome(false)
			d.logger.Error("Department handler panicked", map[string]interface{}{
				"department": d.name,
				"task_id":    task.ID,
				"panic":      fmt.Sprintf("%v", r),
			})
			out = &core.HandlerResult{
				Status: "error",
				Error:  fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	result, err := d.execute(ctx, task)
	if err != nil {
		d.recordOutcome(false)
		return &core.HandlerResult{Status: "error", Error: err.Error()}
	}
	d.recordOutcome(true)
	return &core.HandlerResult{Status: "success", Result: result}
}

func (d *BaseDepartment) recordOutcome(success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if success {
		d.completed++
	} else {
		d.failed++
	}
}

// PerformanceMetrics returns the handler counters.
func (d *BaseDepartment) PerformanceMetrics() core.HandlerMetrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := "available"
	if !d.available.Load() {
		status = "unavailable"
	}
	rate := 0.0
	if d.total > 0 {
		rate = float64(d.completed) / float64(d.total)
	}
	return core.HandlerMetrics{
		TotalTasks:     d.total,
		CompletedTasks: d.completed,
		ActiveTasks:    int(d.active.Load()),
		SuccessRate:    rate,
		Status:         status,
		Capabilities:   append([]string(nil), d.capabilities...),
	}
}

// baseResult carries the fields every department reports.
func baseResult(task *core.Task, department string) map[string]interface{} {
	return map[string]interface{}{
		"department":   department,
		"task_id":      task.ID,
		"task_type":    string(task.Type),
		"processed_at": time.Now().Format(time.RFC3339),
	}
}
