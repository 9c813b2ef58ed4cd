// Package repository provides task and agent persistence. The in-memory
// implementation is the default backend; Postgres is selected through
// configuration. Both enforce the same lifecycle invariants by funneling
// every transition through the core.Task methods.
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// MemoryRepository is a mutex-guarded map-backed Repository. It is the
// default backend and the reference for the lifecycle semantics the
// Postgres backend mirrors.
type MemoryRepository struct {
	mu     sync.RWMutex
	tasks  map[string]*core.Task
	agents map[string]*core.Agent
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:  make(map[string]*core.Task),
		agents: make(map[string]*core.Agent),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Tasks
// ═══════════════════════════════════════════════════════════════════════════

func (r *MemoryRepository) CreateTask(ctx context.Context, task *core.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("%w: task %s", core.ErrAlreadyExists, task.ID)
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, id string) (*core.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", core.ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, task *core.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("%w: missing id", core.ErrInvalidTask)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.ID]; !ok {
		return fmt.Errorf("%w: task %s", core.ErrTaskNotFound, task.ID)
	}
	clone := task.Clone()
	clone.LastActivity = time.Now()
	r.tasks[task.ID] = clone
	return nil
}

func (r *MemoryRepository) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*core.Task
	for _, task := range r.tasks {
		if !matchesFilter(task, filter) {
			continue
		}
		out = append(out, task.Clone())
	}
	// Newest first, matching the analytics views.
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(task *core.Task, filter core.TaskFilter) bool {
	if filter.Status != "" && task.Status != filter.Status {
		return false
	}
	if filter.Type != "" && task.Type != filter.Type {
		return false
	}
	if filter.Priority != "" && task.Priority != filter.Priority {
		return false
	}
	if filter.AssignedAgentID != "" && task.AssignedAgentID != filter.AssignedAgentID {
		return false
	}
	if filter.ParentTaskID != "" && task.ParentTaskID != filter.ParentTaskID {
		return false
	}
	return true
}

func (r *MemoryRepository) CountTasksByStatus(ctx context.Context, status core.TaskStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, task := range r.tasks {
		if task.Status == status {
			count++
		}
	}
	return count, nil
}

// mutateTask applies fn to a copy of the stored task and swaps it in only
// when fn succeeds, so a failed transition never leaves a half-applied row.
func (r *MemoryRepository) mutateTask(id string, fn func(*core.Task) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: task %s", core.ErrTaskNotFound, id)
	}
	clone := task.Clone()
	if err := fn(clone); err != nil {
		return err
	}
	r.tasks[id] = clone
	return nil
}

func (r *MemoryRepository) AssignTask(ctx context.Context, taskID, agentID string) error {
	return r.mutateTask(taskID, func(t *core.Task) error {
		return t.MarkAssigned(agentID)
	})
}

func (r *MemoryRepository) StartTask(ctx context.Context, taskID string) error {
	return r.mutateTask(taskID, func(t *core.Task) error {
		var parentStatus core.TaskStatus
		if t.ParentTaskID != "" {
			parent, ok := r.tasks[t.ParentTaskID]
			if !ok {
				return fmt.Errorf("%w: parent task %s", core.ErrTaskNotFound, t.ParentTaskID)
			}
			parentStatus = parent.Status
		}
		return t.MarkStarted(parentStatus)
	})
}

func (r *MemoryRepository) CompleteTask(ctx context.Context, taskID string, output map[string]interface{}, qualityScore float64) error {
	return r.mutateTask(taskID, func(t *core.Task) error {
		return t.MarkCompleted(output, qualityScore)
	})
}

func (r *MemoryRepository) FailTask(ctx context.Context, taskID, errorDetails string) error {
	return r.mutateTask(taskID, func(t *core.Task) error {
		return t.MarkFailed(errorDetails)
	})
}

func (r *MemoryRepository) RetryTask(ctx context.Context, taskID string) error {
	return r.mutateTask(taskID, func(t *core.Task) error {
		return t.ResetForRetry()
	})
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Agents
// ═══════════════════════════════════════════════════════════════════════════

func (r *MemoryRepository) CreateAgent(ctx context.Context, agent *core.Agent) error {
	if agent == nil || agent.ID == "" || agent.Name == "" {
		return fmt.Errorf("%w: agent requires id and name", core.ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agent.ID]; ok {
		return fmt.Errorf("%w: agent %s", core.ErrAlreadyExists, agent.ID)
	}
	if err := r.checkParentLocked(agent); err != nil {
		return err
	}

	clone := *agent
	if clone.Status == "" {
		clone.Status = core.AgentStatusIdle
	}
	now := time.Now()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	r.agents[agent.ID] = &clone
	return nil
}

// checkParentLocked enforces the agent tree rules: the parent must exist,
// only supervisors may hold children, and the ancestor chain must not loop
// back to the new agent.
func (r *MemoryRepository) checkParentLocked(agent *core.Agent) error {
	if agent.ParentID == "" {
		return nil
	}
	if agent.ParentID == agent.ID {
		return fmt.Errorf("%w: agent %s is its own parent", core.ErrAgentCycle, agent.ID)
	}
	parent, ok := r.agents[agent.ParentID]
	if !ok {
		return fmt.Errorf("%w: parent agent %s", core.ErrAgentNotFound, agent.ParentID)
	}
	if parent.Type != core.AgentTypeSupervisor {
		return fmt.Errorf("%w: parent %s is a %s, only supervisors register children",
			core.ErrInvalidRequest, parent.ID, parent.Type)
	}
	seen := map[string]bool{agent.ID: true}
	for cur := parent; cur != nil && cur.ParentID != ""; cur = r.agents[cur.ParentID] {
		if seen[cur.ParentID] {
			return fmt.Errorf("%w: via agent %s", core.ErrAgentCycle, cur.ID)
		}
		seen[cur.ParentID] = true
	}
	return nil
}

func (r *MemoryRepository) GetAgent(ctx context.Context, id string) (*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", core.ErrAgentNotFound, id)
	}
	clone := *agent
	return &clone, nil
}

func (r *MemoryRepository) ListAgents(ctx context.Context) ([]*core.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		clone := *agent
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) UpdateAgentStatus(ctx context.Context, id string, status core.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", core.ErrAgentNotFound, id)
	}
	if !agent.CanTransitionTo(status) {
		return fmt.Errorf("%w: agent %s cannot move %s -> %s",
			core.ErrInvalidTransition, id, agent.Status, status)
	}
	agent.Status = status
	agent.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) RecordAgentResult(ctx context.Context, id string, success bool, responseTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", core.ErrAgentNotFound, id)
	}
	agent.TasksCompleted++
	n := float64(agent.TasksCompleted)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	agent.SuccessRate = (agent.SuccessRate*(n-1) + outcome) / n
	agent.AverageResponseTime = (agent.AverageResponseTime*(n-1) + responseTime.Seconds()) / n
	agent.UpdatedAt = time.Now()
	return nil
}
