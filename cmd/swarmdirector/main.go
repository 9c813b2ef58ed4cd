// Command swarmdirector runs the hierarchical task orchestration service:
// HTTP intake through the admission queue, intent classification, the
// Director routing state machine, the async task engine, and adaptive
// throttling driven by system resource monitoring.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blopit/SwarmDirector-sub000/blackboard"
	"github.com/blopit/SwarmDirector-sub000/classify"
	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/department"
	"github.com/blopit/SwarmDirector-sub000/director"
	"github.com/blopit/SwarmDirector-sub000/engine"
	"github.com/blopit/SwarmDirector-sub000/httpapi"
	"github.com/blopit/SwarmDirector-sub000/llm"
	"github.com/blopit/SwarmDirector-sub000/monitor"
	"github.com/blopit/SwarmDirector-sub000/repository"
	"github.com/blopit/SwarmDirector-sub000/rqueue"
	"github.com/blopit/SwarmDirector-sub000/telemetry"
	"github.com/blopit/SwarmDirector-sub000/throttle"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "swarmdirector: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	config := core.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath); err != nil {
			return err
		}
	}
	if err := config.LoadFromEnv(); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := core.NewProductionLogger(config.Name, config.Logging)
	logger.Info("Starting SwarmDirector", map[string]interface{}{
		"version": httpapi.Version,
		"port":    config.Port,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repository
	var repo core.Repository
	switch config.Database.Driver {
	case "postgres":
		pg, err := repository.NewPostgresRepository(ctx, config.Database)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer pg.Close()
		pg.SetLogger(logger)
		repo = pg
	default:
		repo = repository.NewMemoryRepository()
	}
	logger.Info("Repository ready", map[string]interface{}{
		"driver": config.Database.Driver,
	})

	// Shared coordination surface
	board := blackboard.New()
	board.SetLogger(logger)

	// Intent classification
	var cache classify.Cache
	if config.Classifier.CacheBackend == "redis" {
		redisCache, err := classify.NewRedisCache(config.Redis.URL, config.Classifier.CacheMaxAge)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		cache = redisCache
	}
	var completion core.Classifier
	if config.Classifier.LLMEnabled {
		completion = llm.NewOpenAIClient(config.Classifier.APIKey,
			llm.WithBaseURL(os.Getenv("SWARM_LLM_BASE_URL")),
			llm.WithModel(os.Getenv("SWARM_LLM_MODEL")),
			llm.WithLogger(logger),
		)
	}
	fallback := core.Intent(config.Director.FallbackDepartment)
	classifier := classify.NewIntentClassifier(config.Classifier, fallback, cache, completion)
	classifier.SetLogger(logger)
	defer classifier.Close()

	// Async task engine
	taskEngine := engine.New(config.Engine)
	taskEngine.SetLogger(logger)
	if err := taskEngine.Start(ctx); err != nil {
		return fmt.Errorf("starting task engine: %w", err)
	}

	// Director and departments
	dir := director.New(config.Director, classifier, repo)
	dir.SetLogger(logger)
	dir.SetTelemetry(telemetry.New(config.Name))
	for _, dept := range department.All(taskEngine) {
		dept.SetLogger(logger)
		if err := dir.RegisterHandler(dept); err != nil {
			return fmt.Errorf("registering department %s: %w", dept.Name(), err)
		}
	}
	if err := dir.Start(); err != nil {
		return fmt.Errorf("starting director: %w", err)
	}

	// Request admission queue
	queue := rqueue.New(config.Queue, board)
	queue.SetLogger(logger)
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("starting request queue: %w", err)
	}

	// Resource monitoring and adaptive throttling
	resourceMonitor := monitor.New(config.Monitor)
	resourceMonitor.SetLogger(logger)
	resourceMonitor.Start(ctx)

	var throttler *throttle.Controller
	if config.Throttling.Enabled {
		throttler = throttle.New(config.Throttling, resourceMonitor, func() throttle.QueueStats {
			st := queue.Status()
			return throttle.QueueStats{
				QueueSize:      st.Queued,
				ActiveRequests: st.Active,
			}
		}, queue, taskEngine)
		throttler.SetLogger(logger)
		throttler.SetInitialConcurrency(config.Queue.MaxConcurrentRequests)
		throttler.Start(ctx)
	}

	// HTTP front
	server := httpapi.NewServer(*config, httpapi.Deps{
		Repository: repo,
		Queue:      queue,
		Director:   dir,
		Classifier: classifier,
		Throttler:  throttler,
		Board:      board,
		Logger:     logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop intake first, then drain the pipeline back to front.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if throttler != nil {
		throttler.Stop()
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Warn("Queue shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := dir.EnterMaintenance(shutdownCtx); err != nil {
		logger.Warn("Director drain error", map[string]interface{}{"error": err.Error()})
	}
	if err := taskEngine.Stop(shutdownCtx); err != nil {
		logger.Warn("Engine shutdown error", map[string]interface{}{"error": err.Error()})
	}
	resourceMonitor.Stop()

	logger.Info("Shutdown complete", nil)
	return nil
}
