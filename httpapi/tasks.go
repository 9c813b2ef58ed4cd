package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/rqueue"
)

// submitTaskRequest is the POST /task body.
type submitTaskRequest struct {
	Type        string                 `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Priority    string                 `json:"priority"`
	Args        map[string]interface{} `json:"args"`
}

// handleSubmitTask admits the submission through the request queue and
// blocks for the routing outcome, so backpressure and throttling apply to
// HTTP intake the same as to any other work.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var body submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.Type == "" {
		writeError(w, http.StatusBadRequest, "field 'type' is required")
		return
	}
	if body.Title == "" {
		body.Title = "Task: " + body.Type
	}
	priority := core.TaskPriorityMedium
	if body.Priority != "" {
		p, ok := core.ParseTaskPriority(body.Priority)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown priority: "+body.Priority)
			return
		}
		priority = p
	}

	taskID := fmt.Sprintf("task_%s_%s", uuid.NewString()[:8], time.Now().Format("20060102_150405"))
	payload := map[string]interface{}{
		"task_id":     taskID,
		"title":       body.Title,
		"type":        body.Type,
		"description": body.Description,
		"priority":    string(priority),
		"args":        body.Args,
	}

	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "task intake is not running")
		return
	}
	requestID, err := s.queue.Submit(rqueue.Submission{
		Type:     core.RequestTaskSubmission,
		Payload:  payload,
		Priority: priority.QueuePriority(),
		ClientID: clientID(r),
	})
	if err != nil {
		switch {
		case core.IsOverloaded(err):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case core.IsValidation(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	result, err := s.queue.AwaitResult(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, core.ErrTimeout) {
			writeError(w, http.StatusGatewayTimeout, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	routing, ok := result.(*core.RoutingResult)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unexpected routing result")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":         "success",
		"task_id":        taskID,
		"message":        fmt.Sprintf("Task received and routed: %s", routing.Status),
		"routing_result": routing,
		"task_details":   s.taskDetails(r.Context(), taskID, body),
	})
}

func (s *Server) taskDetails(ctx context.Context, taskID string, body submitTaskRequest) map[string]interface{} {
	details := map[string]interface{}{
		"id":         taskID,
		"title":      body.Title,
		"type":       string(core.ParseTaskType(body.Type)),
		"status":     string(core.TaskStatusPending),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if s.repo == nil {
		return details
	}
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return details
	}
	details["status"] = string(task.Status)
	details["created_at"] = task.CreatedAt.UTC().Format(time.RFC3339)
	return details
}

// handleTaskSubmission is the queue-side handler: it materializes the task
// row and hands it to the director. Routing failures come back inside the
// envelope, not as a handler error, so the queue does not double-count them.
func (s *Server) handleTaskSubmission(ctx context.Context, req *core.QueuedRequest) (interface{}, error) {
	taskID, _ := req.Payload["task_id"].(string)
	title, _ := req.Payload["title"].(string)
	typeName, _ := req.Payload["type"].(string)
	if taskID == "" {
		return nil, fmt.Errorf("%w: payload missing task_id", core.ErrInvalidRequest)
	}

	task := core.NewTask(taskID, title, core.ParseTaskType(typeName))
	if desc, ok := req.Payload["description"].(string); ok {
		task.Description = desc
	}
	if p, ok := req.Payload["priority"].(string); ok {
		if parsed, valid := core.ParseTaskPriority(p); valid {
			task.Priority = parsed
		}
	}
	if args, ok := req.Payload["args"].(map[string]interface{}); ok {
		task.InputData = args
	}

	if s.repo != nil {
		if err := s.repo.CreateTask(ctx, task); err != nil {
			return nil, fmt.Errorf("persisting task %s: %w", taskID, err)
		}
	}
	if s.director == nil {
		return nil, fmt.Errorf("%w: no director configured", core.ErrHandlerNotFound)
	}
	return s.director.ProcessTask(ctx, task), nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no repository configured")
		return
	}
	filter := core.TaskFilter{
		Status:          core.TaskStatus(r.URL.Query().Get("status")),
		Type:            core.TaskType(r.URL.Query().Get("type")),
		AssignedAgentID: r.URL.Query().Get("agent"),
		ParentTaskID:    r.URL.Query().Get("parent"),
	}
	if p := r.URL.Query().Get("priority"); p != "" {
		if parsed, ok := core.ParseTaskPriority(p); ok {
			filter.Priority = parsed
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	tasks, err := s.repo.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"count":  len(tasks),
		"tasks":  tasks,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no repository configured")
		return
	}
	task, err := s.repo.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if core.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"task":   task,
	})
}

func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}
