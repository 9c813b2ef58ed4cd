// Package core provides the shared domain model for the SwarmDirector
// orchestration service: tasks, agents, queued requests, classification
// records, throttling samples, and the interfaces the orchestration
// components depend on.
package core

import (
	"fmt"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Task
// ═══════════════════════════════════════════════════════════════════════════

// TaskType is the closed enumeration of work categories.
type TaskType string

const (
	TaskTypeEmail         TaskType = "email"
	TaskTypeCommunication TaskType = "communication"
	TaskTypeAnalysis      TaskType = "analysis"
	TaskTypeReview        TaskType = "review"
	TaskTypeResearch      TaskType = "research"
	TaskTypeDevelopment   TaskType = "development"
	TaskTypeOther         TaskType = "other"
)

// ParseTaskType maps a free-form string onto the closed task type set.
// Unknown values collapse to TaskTypeOther rather than failing.
func ParseTaskType(s string) TaskType {
	switch TaskType(s) {
	case TaskTypeEmail, TaskTypeCommunication, TaskTypeAnalysis,
		TaskTypeReview, TaskTypeResearch, TaskTypeDevelopment:
		return TaskType(s)
	default:
		return TaskTypeOther
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final for the current run.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskPriority is the business priority attached to a task.
type TaskPriority string

const (
	TaskPriorityLow      TaskPriority = "low"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityCritical TaskPriority = "critical"
)

// ParseTaskPriority validates a priority string. Returns false for unknown
// values so callers can surface a validation error.
func ParseTaskPriority(s string) (TaskPriority, bool) {
	switch TaskPriority(s) {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityCritical:
		return TaskPriority(s), true
	default:
		return "", false
	}
}

// QueuePriority converts a task priority into the dispatch priority used by
// the request queue and the async engine.
func (p TaskPriority) QueuePriority() Priority {
	switch p {
	case TaskPriorityCritical:
		return PriorityCritical
	case TaskPriorityHigh:
		return PriorityHigh
	case TaskPriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Task is a unit of work flowing through the Director.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Type        TaskType `json:"type"`

	Status          TaskStatus   `json:"status"`
	Priority        TaskPriority `json:"priority"`
	AssignedAgentID string       `json:"assigned_agent_id,omitempty"`
	ParentTaskID    string       `json:"parent_task_id,omitempty"`

	InputData    map[string]interface{} `json:"input_data,omitempty"`
	OutputData   map[string]interface{} `json:"output_data,omitempty"`
	ErrorDetails string                 `json:"error_details,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	LastActivity time.Time  `json:"last_activity,omitempty"`

	// QueueTime and ProcessingTime are recorded in minutes to match the
	// analytics schema.
	QueueTime      float64 `json:"queue_time,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`

	RetryCount         int     `json:"retry_count"`
	MaxRetries         int     `json:"max_retries"`
	ProgressPercentage int     `json:"progress_percentage"`
	ComplexityScore    int     `json:"complexity_score,omitempty"`
	QualityScore       float64 `json:"quality_score,omitempty"`
}

// NewTask creates a pending task with defaults applied.
func NewTask(id, title string, taskType TaskType) *Task {
	now := time.Now()
	return &Task{
		ID:           id,
		Title:        title,
		Type:         taskType,
		Status:       TaskStatusPending,
		Priority:     TaskPriorityMedium,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Validate checks the minimal shape the Director requires.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: task is nil", ErrInvalidTask)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}
	if t.Title == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidTask)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s already %s", ErrInvalidTask, t.ID, t.Status)
	}
	return nil
}

// MarkAssigned records the agent assignment. Only one agent may hold a task
// at a time; reassignment requires the previous assignment to be cleared.
func (t *Task) MarkAssigned(agentID string) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot assign %s task", ErrInvalidTransition, t.Status)
	}
	if t.AssignedAgentID != "" && t.AssignedAgentID != agentID {
		return fmt.Errorf("%w: task %s already assigned to %s", ErrInvalidTransition, t.ID, t.AssignedAgentID)
	}
	t.AssignedAgentID = agentID
	t.Status = TaskStatusAssigned
	t.LastActivity = time.Now()
	return nil
}

// MarkStarted moves the task to in_progress. The first write of StartedAt
// wins; starting an already-started task only refreshes LastActivity.
// parentStatus is the status of the parent task, or empty when the task has
// no parent.
func (t *Task) MarkStarted(parentStatus TaskStatus) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot start %s task", ErrInvalidTransition, t.Status)
	}
	if t.ParentTaskID != "" && parentStatus != TaskStatusCompleted {
		return fmt.Errorf("%w: parent %s is %s", ErrParentIncomplete, t.ParentTaskID, parentStatus)
	}
	now := time.Now()
	t.LastActivity = now
	if t.StartedAt == nil {
		t.StartedAt = &now
		t.QueueTime = now.Sub(t.CreatedAt).Minutes()
	}
	t.Status = TaskStatusInProgress
	return nil
}

// MarkCompleted finalizes a successful run. Completed tasks always report
// 100% progress.
func (t *Task) MarkCompleted(output map[string]interface{}, qualityScore float64) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot complete %s task", ErrInvalidTransition, t.Status)
	}
	now := time.Now()
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.CompletedAt = &now
	t.ProcessingTime = now.Sub(*t.StartedAt).Minutes()
	t.Status = TaskStatusCompleted
	t.ProgressPercentage = 100
	t.OutputData = output
	if qualityScore >= 0 && qualityScore <= 1 {
		t.QualityScore = qualityScore
	}
	t.LastActivity = now
	return nil
}

// MarkFailed finalizes a failed run with the given error details.
func (t *Task) MarkFailed(details string) error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot fail %s task", ErrInvalidTransition, t.Status)
	}
	now := time.Now()
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ProcessingTime = now.Sub(*t.StartedAt).Minutes()
	}
	t.Status = TaskStatusFailed
	t.ErrorDetails = details
	t.LastActivity = now
	return nil
}

// MarkCancelled finalizes a cancelled run.
func (t *Task) MarkCancelled() error {
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel %s task", ErrInvalidTransition, t.Status)
	}
	now := time.Now()
	t.CompletedAt = &now
	t.Status = TaskStatusCancelled
	t.LastActivity = now
	return nil
}

// ResetForRetry re-queues a failed task for another attempt. RetryCount only
// ever increases; timestamps from the failed run are cleared.
func (t *Task) ResetForRetry() error {
	if t.Status != TaskStatusFailed {
		return fmt.Errorf("%w: retry requires failed status, have %s", ErrInvalidTransition, t.Status)
	}
	if t.MaxRetries > 0 && t.RetryCount >= t.MaxRetries {
		return fmt.Errorf("%w: task %s", ErrMaxRetriesExceeded, t.ID)
	}
	t.RetryCount++
	t.Status = TaskStatusPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ErrorDetails = ""
	t.ProgressPercentage = 0
	t.LastActivity = time.Now()
	return nil
}

// Clone returns a deep copy of the task. Payload maps are copied shallowly
// one level down, which is sufficient for the opaque payloads the service
// carries.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	c.InputData = copyMap(t.InputData)
	c.OutputData = copyMap(t.OutputData)
	return &c
}

// ToMap renders the task in the wire shape used by task_details responses.
func (t *Task) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"id":                  t.ID,
		"title":               t.Title,
		"description":         t.Description,
		"type":                string(t.Type),
		"status":              string(t.Status),
		"priority":            string(t.Priority),
		"retry_count":         t.RetryCount,
		"progress_percentage": t.ProgressPercentage,
		"created_at":          t.CreatedAt.Format(time.RFC3339),
	}
	if t.AssignedAgentID != "" {
		m["assigned_agent_id"] = t.AssignedAgentID
	}
	if t.ParentTaskID != "" {
		m["parent_task_id"] = t.ParentTaskID
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.Format(time.RFC3339)
		m["queue_time"] = t.QueueTime
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339)
		m["processing_time"] = t.ProcessingTime
	}
	if t.ErrorDetails != "" {
		m["error_details"] = t.ErrorDetails
	}
	return m
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// ═══════════════════════════════════════════════════════════════════════════
// Agent
// ═══════════════════════════════════════════════════════════════════════════

// AgentType classifies a registered executor in the agent tree.
type AgentType string

const (
	AgentTypeSupervisor  AgentType = "supervisor"
	AgentTypeCoordinator AgentType = "coordinator"
	AgentTypeWorker      AgentType = "worker"
	AgentTypeSpecialist  AgentType = "specialist"
)

// AgentStatus is the operational state of an agent.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a registered executor. Agents form a tree via ParentID; only
// supervisors may have children.
type Agent struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Type         AgentType   `json:"agent_type"`
	Status       AgentStatus `json:"status"`
	Capabilities []string    `json:"capabilities,omitempty"`
	ParentID     string      `json:"parent_id,omitempty"`

	TasksCompleted      int64   `json:"tasks_completed"`
	SuccessRate         float64 `json:"success_rate"`
	AverageResponseTime float64 `json:"average_response_time"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo enforces the agent status rules: idle/active/busy move
// freely, but leaving error or offline requires an explicit recovery to
// idle.
func (a *Agent) CanTransitionTo(next AgentStatus) bool {
	switch a.Status {
	case AgentStatusError, AgentStatusOffline:
		return next == AgentStatusIdle
	default:
		return true
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Queued requests
// ═══════════════════════════════════════════════════════════════════════════

// Priority is the dispatch priority shared by the request queue and the
// async task engine. Lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// NumPriorities is the number of priority classes, used to size sub-queues.
const NumPriorities = 4

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a label onto a dispatch priority.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

// RequestType identifies the kind of work behind a queued request and pins
// it to a process group.
type RequestType string

const (
	RequestTaskSubmission   RequestType = "task_submission"
	RequestAgentOperation   RequestType = "agent_operation"
	RequestAnalyticsQuery   RequestType = "analytics_query"
	RequestStreamingRequest RequestType = "streaming_request"
	RequestHealthCheck      RequestType = "health_check"
	RequestAPICall          RequestType = "api_call"
)

// Process group names. Every request type maps to exactly one group.
const (
	GroupTaskProcessing  = "task_processing"
	GroupAgentOperations = "agent_operations"
	GroupAnalytics       = "analytics"
	GroupStreaming       = "streaming"
	GroupGeneral         = "general"
)

// ProcessGroup returns the worker partition this request type is pinned to.
func (rt RequestType) ProcessGroup() string {
	switch rt {
	case RequestTaskSubmission:
		return GroupTaskProcessing
	case RequestAgentOperation:
		return GroupAgentOperations
	case RequestAnalyticsQuery:
		return GroupAnalytics
	case RequestStreamingRequest:
		return GroupStreaming
	default:
		return GroupGeneral
	}
}

// RequestStatus is the lifecycle state of a queued request.
type RequestStatus string

const (
	RequestStatusQueued     RequestStatus = "queued"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
	RequestStatusTimeout    RequestStatus = "timeout"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// IsTerminal reports whether the request reached a final state. Terminal
// requests are never resurrected.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusFailed, RequestStatusTimeout, RequestStatusCancelled:
		return true
	default:
		return false
	}
}

// QueuedRequest is the in-memory wrapper around a request awaiting
// admission or processing.
type QueuedRequest struct {
	RequestID    string                 `json:"request_id"`
	Type         RequestType            `json:"request_type"`
	Priority     Priority               `json:"priority"`
	ClientID     string                 `json:"client_id,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Status       RequestStatus          `json:"status"`
	ProcessGroup string                 `json:"process_group"`
	Timeout      time.Duration          `json:"timeout"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	// Annotations are opaque blackboard notes attached while the request
	// is in flight.
	Annotations map[string]interface{} `json:"annotations,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Classification records
// ═══════════════════════════════════════════════════════════════════════════

// Intent is the closed set of departments a task can be routed to.
type Intent string

const (
	IntentCommunications Intent = "communications"
	IntentAnalysis       Intent = "analysis"
	IntentAutomation     Intent = "automation"
	IntentCoordination   Intent = "coordination"
)

// AllIntents is ordered; keyword-score ties break in this order.
var AllIntents = []Intent{IntentCommunications, IntentAnalysis, IntentAutomation, IntentCoordination}

// ValidIntent reports whether s names a known department.
func ValidIntent(s string) bool {
	switch Intent(s) {
	case IntentCommunications, IntentAnalysis, IntentAutomation, IntentCoordination:
		return true
	default:
		return false
	}
}

// ClassificationEntry is a cached classification keyed by the hash of the
// normalized task text.
type ClassificationEntry struct {
	TextHash   string    `json:"text_hash"`
	Intent     Intent    `json:"intent"`
	Confidence float64   `json:"confidence"`
	Method     string    `json:"method"`
	Timestamp  time.Time `json:"timestamp"`
	HitCount   int64     `json:"hit_count"`
}

// ClassificationFeedback is an append-only correction record.
type ClassificationFeedback struct {
	TaskID              string    `json:"task_id"`
	PredictedIntent     Intent    `json:"predicted_intent"`
	PredictedConfidence float64   `json:"predicted_confidence"`
	ActualIntent        Intent    `json:"actual_intent"`
	Source              string    `json:"source"`
	Method              string    `json:"method"`
	Timestamp           time.Time `json:"timestamp"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Throttling
// ═══════════════════════════════════════════════════════════════════════════

// LoadLevel quantizes sampled system metrics for the throttling controller.
type LoadLevel string

const (
	LoadLow       LoadLevel = "low"
	LoadNormal    LoadLevel = "normal"
	LoadHigh      LoadLevel = "high"
	LoadCritical  LoadLevel = "critical"
	LoadEmergency LoadLevel = "emergency"
)

// ThrottleAction is the decision recorded for a throttling cycle.
type ThrottleAction string

const (
	ActionScaleUp       ThrottleAction = "scale_up"
	ActionScaleDown     ThrottleAction = "scale_down"
	ActionMaintain      ThrottleAction = "maintain"
	ActionEmergencyStop ThrottleAction = "emergency_stop"
)

// ThrottlingSample records one decision cycle of the throttling controller.
type ThrottlingSample struct {
	Timestamp          time.Time      `json:"timestamp"`
	HealthScore        float64        `json:"health_score"`
	CPUPercent         float64        `json:"cpu_percent"`
	MemoryPercent      float64        `json:"memory_percent"`
	ActiveRequests     int            `json:"active_requests"`
	QueueSize          int            `json:"queue_size"`
	CurrentConcurrency int            `json:"current_concurrency"`
	TargetConcurrency  int            `json:"target_concurrency"`
	Action             ThrottleAction `json:"action"`
	LoadLevel          LoadLevel      `json:"load_level"`
}
