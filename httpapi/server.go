// Package httpapi exposes the orchestration service over HTTP: task
// intake through the admission queue, operational read endpoints,
// Prometheus metrics, and a websocket stream of blackboard changes.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blopit/SwarmDirector-sub000/blackboard"
	"github.com/blopit/SwarmDirector-sub000/classify"
	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/director"
	"github.com/blopit/SwarmDirector-sub000/rqueue"
	"github.com/blopit/SwarmDirector-sub000/throttle"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Deps are the collaborators the server exposes.
type Deps struct {
	Repository core.Repository
	Queue      *rqueue.RequestQueue
	Director   *director.Director
	Classifier *classify.IntentClassifier
	Throttler  *throttle.Controller
	Board      *blackboard.Blackboard
	Logger     core.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	config core.Config
	logger core.Logger

	repo       core.Repository
	queue      *rqueue.RequestQueue
	director   *director.Director
	classifier *classify.IntentClassifier
	throttler  *throttle.Controller
	board      *blackboard.Blackboard

	hub     *Hub
	httpSrv *http.Server
}

// NewServer wires the routes and registers the task-submission handler on
// the admission queue.
func NewServer(config core.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Server{
		config:     config,
		logger:     logger,
		repo:       deps.Repository,
		queue:      deps.Queue,
		director:   deps.Director,
		classifier: deps.Classifier,
		throttler:  deps.Throttler,
		board:      deps.Board,
	}
	if deps.Board != nil {
		s.hub = NewHub(deps.Board, logger)
	}
	if s.queue != nil {
		s.queue.RegisterHandler(core.RequestTaskSubmission, s.handleTaskSubmission)
	}

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      s.routes(),
		ReadTimeout:  config.HTTP.ReadTimeout,
		WriteTimeout: config.HTTP.WriteTimeout,
		IdleTimeout:  config.HTTP.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /task", s.handleSubmitTask)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)

	mux.HandleFunc("GET /api/director/health", s.handleDirectorHealth)
	mux.HandleFunc("GET /api/queue/status", s.handleQueueStatus)
	mux.HandleFunc("GET /api/throttling/history", s.handleThrottlingHistory)
	mux.HandleFunc("GET /api/classifier/metrics", s.handleClassifierMetrics)
	mux.HandleFunc("POST /api/classifier/feedback", s.handleClassifierFeedback)

	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("GET /api/stream", s.handleStream)
	}

	var handler http.Handler = mux
	if s.config.HTTP.CORSEnabled {
		handler = s.corsMiddleware(handler)
	}
	return s.loggingMiddleware(handler)
}

// Start runs the websocket hub and serves until Shutdown. It blocks.
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Start(ctx)
	}
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"addr": s.httpSrv.Addr,
	})
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight HTTP requests and stops the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.config.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.httpSrv.Shutdown(ctx)
	if s.hub != nil {
		s.hub.Stop()
	}
	return err
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
