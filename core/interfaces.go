package core

import (
	"context"
	"time"
)

// Logger is the minimal structured logging interface shared by every
// component. Implementations must be safe for concurrent use.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry is the optional tracing/metrics interface. The production
// implementation is backed by OpenTelemetry; components fall back to the
// no-op when none is injected.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents an in-flight trace span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Classifier is the abstract LLM port the intent classifier calls in LLM
// mode. The prompt asks for a single "DEPARTMENT|CONFIDENCE" line.
type Classifier interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ═══════════════════════════════════════════════════════════════════════════
// Department handlers
// ═══════════════════════════════════════════════════════════════════════════

// HandlerResult is the envelope a department handler returns. Handlers must
// not panic or return Go errors for domain failures; everything is reported
// inside the envelope.
type HandlerResult struct {
	Status string                 `json:"status"` // "success" or "error"
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// HandlerMetrics is the performance snapshot a handler exposes.
type HandlerMetrics struct {
	TotalTasks     int64    `json:"total_tasks"`
	CompletedTasks int64    `json:"completed_tasks"`
	ActiveTasks    int      `json:"active_tasks"`
	SuccessRate    float64  `json:"success_rate"`
	Status         string   `json:"status"`
	Capabilities   []string `json:"capabilities"`
}

// DepartmentHandler is the capability contract a department exposes to the
// Director. Implementations must be safe under concurrent Execute calls.
type DepartmentHandler interface {
	// Name identifies the handler in routing results.
	Name() string

	// Intent is the department label this handler serves.
	Intent() Intent

	// IsAvailable reports whether the handler can accept work right now.
	IsAvailable() bool

	// CanHandle reports whether the handler accepts this specific task.
	CanHandle(task *Task) bool

	// Execute runs the task and reports the outcome in the result
	// envelope. It must not panic; the context carries the per-task
	// deadline.
	Execute(ctx context.Context, task *Task) *HandlerResult

	// PerformanceMetrics returns the handler's counters.
	PerformanceMetrics() HandlerMetrics
}

// ═══════════════════════════════════════════════════════════════════════════
// Routing result envelope
// ═══════════════════════════════════════════════════════════════════════════

// Routing envelope statuses, discriminating RoutingResult.
const (
	RoutingStatusSuccess        = "success"
	RoutingStatusDirect         = "handled_directly"
	RoutingStatusError          = "error"
	RoutingStatusExecutionError = "execution_error"
)

// RoutingResult is the Director's response envelope for a routed task.
type RoutingResult struct {
	Status     string                 `json:"status"`
	RoutedTo   string                 `json:"routed_to,omitempty"`
	AgentName  string                 `json:"agent_name,omitempty"`
	Department string                 `json:"department,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Handler    string                 `json:"handler,omitempty"`
	Agent      string                 `json:"agent,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Repositories
// ═══════════════════════════════════════════════════════════════════════════

// TaskFilter narrows ListTasks queries. Zero values match everything.
type TaskFilter struct {
	Status          TaskStatus
	Type            TaskType
	Priority        TaskPriority
	AssignedAgentID string
	ParentTaskID    string
	Limit           int
}

// TaskRepository persists tasks and their lifecycle analytics. Lifecycle
// methods apply status and timing updates together; single-row atomicity is
// required, cross-row transactions are not.
type TaskRepository interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	CountTasksByStatus(ctx context.Context, status TaskStatus) (int, error)

	// Lifecycle transitions. Each enforces the Task invariants and
	// persists status + timing fields together.
	AssignTask(ctx context.Context, taskID, agentID string) error
	StartTask(ctx context.Context, taskID string) error
	CompleteTask(ctx context.Context, taskID string, output map[string]interface{}, qualityScore float64) error
	FailTask(ctx context.Context, taskID, errorDetails string) error
	RetryTask(ctx context.Context, taskID string) error

	// Ping verifies backend connectivity for health checks.
	Ping(ctx context.Context) error
}

// AgentRepository persists the agent registry.
type AgentRepository interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error

	// RecordAgentResult folds one task outcome into the agent's
	// performance counters.
	RecordAgentResult(ctx context.Context, id string, success bool, responseTime time.Duration) error
}

// Repository is the combined persistence port the service is wired with.
type Repository interface {
	TaskRepository
	AgentRepository
}

// ═══════════════════════════════════════════════════════════════════════════
// No-op implementations
// ═══════════════════════════════════════════════════════════════════════════

// NoOpLogger discards all log output.
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry discards spans and metrics.
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan is the span returned by NoOpTelemetry.
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
