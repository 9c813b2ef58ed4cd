package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "SwarmDirector API is running",
		"status":  "healthy",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "connected"
	code := http.StatusOK
	status := "healthy"
	if s.repo != nil {
		if err := s.repo.Ping(r.Context()); err != nil {
			database = "error: " + err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"database": database,
		"version":  Version,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no repository configured")
		return
	}
	agents, err := s.repo.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"count":  len(agents),
		"agents": agents,
	})
}

type createAgentRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"agent_type"`
	Capabilities []string `json:"capabilities"`
	ParentID     string   `json:"parent_id"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "no repository configured")
		return
	}
	var body createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if body.ID == "" || body.Name == "" {
		writeError(w, http.StatusBadRequest, "fields 'id' and 'name' are required")
		return
	}
	agentType := core.AgentType(body.Type)
	switch agentType {
	case core.AgentTypeSupervisor, core.AgentTypeCoordinator, core.AgentTypeWorker, core.AgentTypeSpecialist:
	default:
		writeError(w, http.StatusBadRequest, "unknown agent_type: "+body.Type)
		return
	}

	agent := &core.Agent{
		ID:           body.ID,
		Name:         body.Name,
		Type:         agentType,
		Capabilities: body.Capabilities,
		ParentID:     body.ParentID,
	}
	if err := s.repo.CreateAgent(r.Context(), agent); err != nil {
		switch {
		case core.IsValidation(err), core.IsNotFound(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status": "success",
		"agent":  agent,
	})
}

func (s *Server) handleDirectorHealth(w http.ResponseWriter, r *http.Request) {
	if s.director == nil {
		writeError(w, http.StatusServiceUnavailable, "no director configured")
		return
	}
	writeJSON(w, http.StatusOK, s.director.HealthReport())
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "no request queue configured")
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleThrottlingHistory(w http.ResponseWriter, r *http.Request) {
	if s.throttler == nil {
		writeError(w, http.StatusServiceUnavailable, "throttling is not enabled")
		return
	}
	history := s.throttler.History()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "success",
		"current_concurrency": s.throttler.CurrentConcurrency(),
		"samples":             history,
		"count":               len(history),
	})
}

func (s *Server) handleClassifierMetrics(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "no classifier configured")
		return
	}
	writeJSON(w, http.StatusOK, s.classifier.Metrics())
}

type feedbackRequest struct {
	TaskID              string  `json:"task_id"`
	TaskText            string  `json:"task_text"`
	PredictedIntent     string  `json:"predicted_intent"`
	PredictedConfidence float64 `json:"predicted_confidence"`
	ActualIntent        string  `json:"actual_intent"`
	Source              string  `json:"source"`
	Method              string  `json:"method"`
}

// handleClassifierFeedback records a ground-truth correction. The actual
// intent must be one of the known intents; the predicted side is stored as
// reported.
func (s *Server) handleClassifierFeedback(w http.ResponseWriter, r *http.Request) {
	if s.classifier == nil {
		writeError(w, http.StatusServiceUnavailable, "no classifier configured")
		return
	}
	var body feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	actual := core.Intent(body.ActualIntent)
	if !core.ValidIntent(string(actual)) {
		writeError(w, http.StatusBadRequest, "unknown actual_intent: "+body.ActualIntent)
		return
	}

	fb := core.ClassificationFeedback{
		TaskID:              body.TaskID,
		PredictedIntent:     core.Intent(body.PredictedIntent),
		PredictedConfidence: body.PredictedConfidence,
		ActualIntent:        actual,
		Source:              body.Source,
		Method:              body.Method,
		Timestamp:           time.Now(),
	}
	if err := s.classifier.AddFeedback(r.Context(), fb, body.TaskText); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":  "success",
		"message": "feedback recorded",
	})
}
