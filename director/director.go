// Package director implements the orchestrator at the top of the service:
// a state machine that validates incoming tasks, classifies them, picks a
// routing strategy, and supervises department handler execution.
package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blopit/SwarmDirector-sub000/classify"
	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/metrics"
	"github.com/blopit/SwarmDirector-sub000/resilience"
)

// State is the Director lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateBusy         State = "busy"
	StateMaintenance  State = "maintenance"
	StateError        State = "error"
)

// Classifier is the slice of the intent classifier the Director consumes.
type Classifier interface {
	ClassifyTask(ctx context.Context, task *core.Task) classify.Result
}

// Stats is a snapshot of the Director counters.
type Stats struct {
	TasksProcessed      int64              `json:"tasks_processed"`
	SuccessfulRoutes    int64              `json:"successful_routes"`
	FailedRoutes        int64              `json:"failed_routes"`
	DirectHandled       int64              `json:"direct_handled"`
	SuccessRate         float64            `json:"success_rate"`
	AverageResponseTime float64            `json:"average_response_time"`
	PerDepartment       map[string]int64   `json:"per_department"`
	PerErrorKind        map[string]int64   `json:"per_error_kind"`
	StrategyUsage       map[Strategy]int64 `json:"strategy_usage"`
}

// Director coordinates classification, routing, and handler supervision.
// It owns no domain logic; departments do the work.
type Director struct {
	config     core.DirectorConfig
	classifier Classifier
	repo       core.Repository
	telemetry  core.Telemetry
	logger     core.Logger

	mu        sync.Mutex
	state     State
	handlers  map[core.Intent][]core.DepartmentHandler
	active    map[string]time.Time
	drainDone chan struct{}
	startedAt time.Time

	tasksProcessed int64
	successful     int64
	failed         int64
	direct         int64
	totalRespSecs  float64
	perDepartment  map[string]int64
	perErrorKind   map[string]int64
	strategyUsage  map[Strategy]int64
}

// New creates a Director in the initializing state. repo may be nil for
// tests; persistence then becomes a no-op.
func New(config core.DirectorConfig, classifier Classifier, repo core.Repository) *Director {
	return &Director{
		config:        config,
		classifier:    classifier,
		repo:          repo,
		telemetry:     &core.NoOpTelemetry{},
		logger:        &core.NoOpLogger{},
		state:         StateInitializing,
		handlers:      make(map[core.Intent][]core.DepartmentHandler),
		active:        make(map[string]time.Time),
		perDepartment: make(map[string]int64),
		perErrorKind:  make(map[string]int64),
		strategyUsage: make(map[Strategy]int64),
	}
}

// SetLogger injects the logger.
func (d *Director) SetLogger(logger core.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// SetTelemetry injects the tracing backend.
func (d *Director) SetTelemetry(t core.Telemetry) {
	if t != nil {
		d.telemetry = t
	}
}

// RegisterHandler adds a department handler. Registration is open until
// the Director errors out.
func (d *Director) RegisterHandler(h core.DepartmentHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateError {
		return core.NewError("director.RegisterHandler", "handler", core.ErrNotAccepting)
	}
	d.handlers[h.Intent()] = append(d.handlers[h.Intent()], h)
	d.logger.Info("Department handler registered", map[string]interface{}{
		"handler": h.Name(),
		"intent":  string(h.Intent()),
	})
	return nil
}

// Start completes initialization. At least one handler must be registered;
// without any the Director enters the error state.
func (d *Director) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateInitializing {
		return core.NewError("director.Start", "director",
			fmt.Errorf("%w: cannot start from %s", core.ErrInvalidTransition, d.state))
	}
	if len(d.handlers) == 0 {
		d.state = StateError
		return core.NewError("director.Start", "director", core.ErrHandlerNotFound)
	}
	d.state = StateActive
	d.startedAt = time.Now()
	d.logger.Info("Director active", map[string]interface{}{
		"handler_intents":      len(d.handlers),
		"max_concurrent_tasks": d.config.MaxConcurrentTasks,
	})
	return nil
}

// State returns the current lifecycle state.
func (d *Director) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// EnterMaintenance refuses new work and waits, bounded by the configured
// drain window, for in-flight tasks to finish.
func (d *Director) EnterMaintenance(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateActive && d.state != StateBusy {
		d.mu.Unlock()
		return core.NewError("director.EnterMaintenance", "director",
			fmt.Errorf("%w: cannot enter maintenance from %s", core.ErrInvalidTransition, d.state))
	}
	d.state = StateMaintenance
	if len(d.active) == 0 {
		d.mu.Unlock()
		return nil
	}
	d.drainDone = make(chan struct{})
	done := d.drainDone
	d.mu.Unlock()

	drain := d.config.MaintenanceDrain
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(drain):
		return core.NewError("director.EnterMaintenance", "director", core.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume leaves maintenance and accepts work again.
func (d *Director) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateMaintenance {
		return core.NewError("director.Resume", "director",
			fmt.Errorf("%w: cannot resume from %s", core.ErrInvalidTransition, d.state))
	}
	d.state = StateActive
	return nil
}

// ProcessTask runs the full per-task flow: validate, admit, classify,
// decide, route. It always returns an envelope; failures are reported in
// the envelope's status and error, not as panics.
func (d *Director) ProcessTask(ctx context.Context, task *core.Task) *core.RoutingResult {
	start := time.Now()
	ctx, span := d.telemetry.StartSpan(ctx, "director.process_task")
	defer span.End()

	if err := task.Validate(); err != nil {
		span.RecordError(err)
		return d.errorResult(task, err)
	}
	span.SetAttribute("task.id", task.ID)

	if err := d.admit(task.ID); err != nil {
		span.RecordError(err)
		return d.errorResult(task, err)
	}
	defer d.release(task.ID)

	result := d.route(ctx, task, span)

	elapsed := time.Since(start)
	metrics.TaskRoutingDuration.Observe(elapsed.Seconds())
	d.recordOutcome(result, elapsed)
	return result
}

// admit reserves a concurrency slot and moves the state to busy.
func (d *Director) admit(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateActive && d.state != StateBusy {
		return core.NewError("director.ProcessTask", "task",
			fmt.Errorf("%w: director is %s", core.ErrNotAccepting, d.state))
	}
	if d.config.MaxConcurrentTasks > 0 && len(d.active) >= d.config.MaxConcurrentTasks {
		return core.NewError("director.ProcessTask", "task",
			fmt.Errorf("%w: %d tasks in flight", core.ErrOverloaded, len(d.active)))
	}
	d.active[taskID] = time.Now()
	d.state = StateBusy
	return nil
}

// release drops the task from the active set, moving back to active when
// the set empties and unblocking a waiting maintenance drain.
func (d *Director) release(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, taskID)
	if len(d.active) > 0 {
		return
	}
	if d.state == StateBusy {
		d.state = StateActive
	}
	if d.drainDone != nil {
		close(d.drainDone)
		d.drainDone = nil
	}
}

// route classifies the task, applies the fallback cascade, and executes
// the chosen strategy.
func (d *Director) route(ctx context.Context, task *core.Task, span core.Span) *core.RoutingResult {
	clsCtx, clsSpan := d.telemetry.StartSpan(ctx, "director.classify")
	res := d.classifier.ClassifyTask(clsCtx, task)
	clsSpan.SetAttribute("intent", string(res.Intent))
	clsSpan.SetAttribute("confidence", res.Confidence)
	clsSpan.End()

	// Fallback cascade step one: low confidence routes to the fallback
	// department.
	intent := res.Intent
	lowConfidence := res.Confidence < d.config.RoutingThreshold
	if lowConfidence {
		intent = d.fallbackIntent()
	}

	candidates := d.availableHandlers(intent)
	if len(candidates) == 0 && intent != res.Intent {
		// The fallback department is down; retry the classified one.
		candidates = d.availableHandlers(res.Intent)
		if len(candidates) > 0 {
			intent = res.Intent
		}
	}
	if len(candidates) == 0 && intent != d.fallbackIntent() {
		candidates = d.availableHandlers(d.fallbackIntent())
		if len(candidates) > 0 {
			intent = d.fallbackIntent()
		}
	}
	if len(candidates) == 0 {
		return d.handleDirectly(ctx, task, intent)
	}

	decision := d.decideStrategy(task, intent, res.Confidence, candidates)
	span.SetAttribute("strategy", string(decision.Strategy))
	metrics.RoutingStrategyUsage.WithLabelValues(string(decision.Strategy)).Inc()
	d.mu.Lock()
	d.strategyUsage[decision.Strategy]++
	d.mu.Unlock()
	d.logger.Debug("Routing decision", map[string]interface{}{
		"task_id":    task.ID,
		"strategy":   string(decision.Strategy),
		"intent":     string(decision.Intent),
		"confidence": decision.Confidence,
		"complexity": decision.Complexity,
		"reasoning":  decision.Reasoning,
	})

	execCtx, execSpan := d.telemetry.StartSpan(ctx, "director.route")
	defer execSpan.End()

	var (
		envelope *core.HandlerResult
		handler  string
		err      error
	)
	switch decision.Strategy {
	case StrategyParallelAgents:
		envelope, handler, err = d.executeParallel(execCtx, task, candidates)
	case StrategyScatterGather:
		envelope, handler, err = d.executeScatter(execCtx, task, intent)
	case StrategyLoadBalanced:
		envelope, handler, err = d.executeOne(execCtx, task, leastLoaded(candidates))
	default:
		envelope, handler, err = d.executeOne(execCtx, task, candidates[0])
	}

	if err != nil {
		execSpan.RecordError(err)
		d.persist(task.ID, "fail", func() error {
			return d.repo.FailTask(ctx, task.ID, err.Error())
		})
		metrics.TasksRouted.WithLabelValues(string(intent), "execution_error").Inc()
		return &core.RoutingResult{
			Status:     core.RoutingStatusExecutionError,
			RoutedTo:   handler,
			Handler:    handler,
			Agent:      handler,
			AgentName:  handler,
			Department: string(intent),
			TaskID:     task.ID,
			Error:      err.Error(),
			Timestamp:  time.Now(),
		}
	}

	d.persist(task.ID, "complete", func() error {
		return d.repo.CompleteTask(ctx, task.ID, envelope.Result, 0)
	})
	metrics.TasksRouted.WithLabelValues(string(intent), "success").Inc()
	return &core.RoutingResult{
		Status:     core.RoutingStatusSuccess,
		RoutedTo:   handler,
		Handler:    handler,
		Agent:      handler,
		AgentName:  handler,
		Department: string(intent),
		TaskID:     task.ID,
		Result:     envelope.Result,
		Timestamp:  time.Now(),
	}
}

// executeOne runs the task on a single handler with the per-handler
// timeout and optional auto-retry.
func (d *Director) executeOne(ctx context.Context, task *core.Task, h core.DepartmentHandler) (*core.HandlerResult, string, error) {
	d.persist(task.ID, "assign", func() error {
		return d.repo.AssignTask(ctx, task.ID, h.Name())
	})
	d.persist(task.ID, "start", func() error {
		return d.repo.StartTask(ctx, task.ID)
	})

	invoke := func() (*core.HandlerResult, error) {
		execCtx := ctx
		if d.config.HandlerTimeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, d.config.HandlerTimeout)
			defer cancel()
		}
		envelope := h.Execute(execCtx, task)
		if envelope == nil {
			return nil, core.NewError("director.executeOne", "handler", core.ErrHandlerFailed)
		}
		if envelope.Status != "success" {
			return envelope, fmt.Errorf("%w: %s: %s", core.ErrHandlerFailed, h.Name(), envelope.Error)
		}
		return envelope, nil
	}

	envelope, err := invoke()
	if err != nil && d.config.EnableAutoRetry && d.config.MaxRetries > 0 {
		retryCfg := &resilience.RetryConfig{
			MaxAttempts:   d.config.MaxRetries,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2.0,
			JitterEnabled: true,
		}
		lastErr := err
		err = resilience.Retry(ctx, retryCfg, func() error {
			// Persist the failed→pending-with-incremented-count cycle
			// before re-invoking, so retry_count reflects every attempt.
			d.persist(task.ID, "fail", func() error {
				return d.repo.FailTask(ctx, task.ID, lastErr.Error())
			})
			d.persist(task.ID, "retry", func() error {
				return d.repo.RetryTask(ctx, task.ID)
			})
			d.persist(task.ID, "assign", func() error {
				return d.repo.AssignTask(ctx, task.ID, h.Name())
			})
			d.persist(task.ID, "start", func() error {
				return d.repo.StartTask(ctx, task.ID)
			})

			var retryErr error
			envelope, retryErr = invoke()
			if retryErr != nil {
				lastErr = retryErr
			}
			return retryErr
		})
	}
	return envelope, h.Name(), err
}

// executeParallel races up to max_parallel_agents handlers; the first
// success wins and the rest are cancelled.
func (d *Director) executeParallel(ctx context.Context, task *core.Task, candidates []core.DepartmentHandler) (*core.HandlerResult, string, error) {
	limit := min(len(candidates), d.maxParallel())
	if limit < 2 {
		return d.executeOne(ctx, task, candidates[0])
	}

	d.persist(task.ID, "assign", func() error {
		return d.repo.AssignTask(ctx, task.ID, candidates[0].Name())
	})
	d.persist(task.ID, "start", func() error {
		return d.repo.StartTask(ctx, task.ID)
	})

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		envelope *core.HandlerResult
		handler  string
	}
	results := make(chan outcome, limit)
	for _, h := range candidates[:limit] {
		go func(h core.DepartmentHandler) {
			execCtx := raceCtx
			if d.config.HandlerTimeout > 0 {
				var cancelOne context.CancelFunc
				execCtx, cancelOne = context.WithTimeout(raceCtx, d.config.HandlerTimeout)
				defer cancelOne()
			}
			results <- outcome{envelope: h.Execute(execCtx, task), handler: h.Name()}
		}(h)
	}

	var lastErr string
	var lastHandler string
	for i := 0; i < limit; i++ {
		select {
		case out := <-results:
			if out.envelope != nil && out.envelope.Status == "success" {
				cancel() // losers are cancelled
				return out.envelope, out.handler, nil
			}
			lastHandler = out.handler
			if out.envelope != nil {
				lastErr = out.envelope.Error
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	return nil, lastHandler, fmt.Errorf("%w: all %d parallel handlers failed, last: %s",
		core.ErrHandlerFailed, limit, lastErr)
}

// executeScatter sends the task to the primary plus complementary
// departments and aggregates their envelopes into one result.
func (d *Director) executeScatter(ctx context.Context, task *core.Task, intent core.Intent) (*core.HandlerResult, string, error) {
	set := dedupeByName(d.scatterSet(intent))
	if len(set) == 0 {
		return nil, "", core.NewError("director.executeScatter", "handler", core.ErrHandlerNotFound)
	}
	if len(set) < 2 {
		return d.executeOne(ctx, task, set[0])
	}

	d.persist(task.ID, "assign", func() error {
		return d.repo.AssignTask(ctx, task.ID, set[0].Name())
	})
	d.persist(task.ID, "start", func() error {
		return d.repo.StartTask(ctx, task.ID)
	})

	type outcome struct {
		envelope *core.HandlerResult
		handler  string
	}
	results := make(chan outcome, len(set))
	for _, h := range set {
		go func(h core.DepartmentHandler) {
			execCtx := ctx
			if d.config.HandlerTimeout > 0 {
				var cancelOne context.CancelFunc
				execCtx, cancelOne = context.WithTimeout(ctx, d.config.HandlerTimeout)
				defer cancelOne()
			}
			results <- outcome{envelope: h.Execute(execCtx, task), handler: h.Name()}
		}(h)
	}

	aggregated := map[string]interface{}{}
	successes := 0
	for i := 0; i < len(set); i++ {
		select {
		case out := <-results:
			if out.envelope == nil {
				continue
			}
			if out.envelope.Status == "success" {
				successes++
				aggregated[out.handler] = out.envelope.Result
			} else {
				aggregated[out.handler] = map[string]interface{}{"error": out.envelope.Error}
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	if successes == 0 {
		return nil, set[0].Name(), fmt.Errorf("%w: all %d scatter handlers failed",
			core.ErrHandlerFailed, len(set))
	}
	return &core.HandlerResult{
		Status: "success",
		Result: map[string]interface{}{
			"aggregated": aggregated,
			"responses":  len(set),
			"successes":  successes,
		},
	}, set[0].Name(), nil
}

// handleDirectly is the last rung of the fallback cascade: no handler is
// available, so the Director completes the task itself with a generic
// result tagged with the intended department.
func (d *Director) handleDirectly(ctx context.Context, task *core.Task, intent core.Intent) *core.RoutingResult {
	d.persist(task.ID, "start", func() error {
		return d.repo.StartTask(ctx, task.ID)
	})
	result := map[string]interface{}{
		"handled_by":          "director",
		"intended_department": string(intent),
		"task_id":             task.ID,
		"note":                "no department handler available; acknowledged by the director",
	}
	d.persist(task.ID, "complete", func() error {
		return d.repo.CompleteTask(ctx, task.ID, result, 0)
	})

	d.mu.Lock()
	d.direct++
	d.mu.Unlock()
	metrics.TasksRouted.WithLabelValues(string(intent), "handled_directly").Inc()
	d.logger.Warn("Task handled directly", map[string]interface{}{
		"task_id": task.ID,
		"intent":  string(intent),
	})

	return &core.RoutingResult{
		Status:     core.RoutingStatusDirect,
		Department: string(intent),
		TaskID:     task.ID,
		Result:     result,
		Timestamp:  time.Now(),
	}
}

// availableHandlers returns the registered handlers for intent that are
// available right now.
func (d *Director) availableHandlers(intent core.Intent) []core.DepartmentHandler {
	d.mu.Lock()
	registered := append([]core.DepartmentHandler(nil), d.handlers[intent]...)
	d.mu.Unlock()

	var out []core.DepartmentHandler
	for _, h := range registered {
		if h.IsAvailable() {
			out = append(out, h)
		}
	}
	return out
}

func (d *Director) fallbackIntent() core.Intent {
	if core.ValidIntent(d.config.FallbackDepartment) {
		return core.Intent(d.config.FallbackDepartment)
	}
	return core.IntentCoordination
}

// persist runs a repository mutation, tolerating a nil repository and
// logging failures without failing the route.
func (d *Director) persist(taskID, op string, fn func() error) {
	if d.repo == nil {
		return
	}
	if err := fn(); err != nil && !core.IsNotFound(err) {
		d.logger.Warn("Task persistence failed", map[string]interface{}{
			"task_id": taskID,
			"op":      op,
			"error":   err.Error(),
		})
	}
}

// errorResult wraps a pre-execution failure (validation, admission) into
// the routing envelope and counts it.
func (d *Director) errorResult(task *core.Task, err error) *core.RoutingResult {
	taskID := ""
	if task != nil {
		taskID = task.ID
	}
	d.mu.Lock()
	d.tasksProcessed++
	d.failed++
	d.perErrorKind[errorKind(err)]++
	d.mu.Unlock()

	return &core.RoutingResult{
		Status:    core.RoutingStatusError,
		TaskID:    taskID,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
}

// recordOutcome folds a finished route into the counters.
func (d *Director) recordOutcome(result *core.RoutingResult, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasksProcessed++
	d.totalRespSecs += elapsed.Seconds()
	switch result.Status {
	case core.RoutingStatusSuccess:
		d.successful++
		d.perDepartment[result.Department]++
	case core.RoutingStatusDirect:
		d.successful++
		d.perDepartment[result.Department]++
	default:
		d.failed++
		d.perErrorKind["execution"]++
		if result.Department != "" {
			d.perDepartment[result.Department]++
		}
	}
}

// Metrics returns a snapshot of the Director counters.
func (d *Director) Metrics() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := Stats{
		TasksProcessed:   d.tasksProcessed,
		SuccessfulRoutes: d.successful,
		FailedRoutes:     d.failed,
		DirectHandled:    d.direct,
		PerDepartment:    make(map[string]int64, len(d.perDepartment)),
		PerErrorKind:     make(map[string]int64, len(d.perErrorKind)),
		StrategyUsage:    make(map[Strategy]int64, len(d.strategyUsage)),
	}
	processed := d.tasksProcessed
	if processed < 1 {
		processed = 1
	}
	stats.SuccessRate = float64(d.successful) / float64(processed)
	if d.tasksProcessed > 0 {
		stats.AverageResponseTime = d.totalRespSecs / float64(d.tasksProcessed)
	}
	for k, v := range d.perDepartment {
		stats.PerDepartment[k] = v
	}
	for k, v := range d.perErrorKind {
		stats.PerErrorKind[k] = v
	}
	for k, v := range d.strategyUsage {
		stats.StrategyUsage[k] = v
	}
	return stats
}

// HealthReport is the probe payload: state, uptime, capacity, handlers,
// and the counter snapshot.
func (d *Director) HealthReport() map[string]interface{} {
	stats := d.Metrics()

	d.mu.Lock()
	state := d.state
	activeCount := len(d.active)
	handlerCount := 0
	for _, hs := range d.handlers {
		handlerCount += len(hs)
	}
	uptime := time.Duration(0)
	if !d.startedAt.IsZero() {
		uptime = time.Since(d.startedAt)
	}
	d.mu.Unlock()

	return map[string]interface{}{
		"state":                string(state),
		"uptime_seconds":       uptime.Seconds(),
		"active_tasks":         activeCount,
		"max_concurrent_tasks": d.config.MaxConcurrentTasks,
		"handler_count":        handlerCount,
		"metrics":              stats,
		"config": map[string]interface{}{
			"routing_threshold":   d.config.RoutingThreshold,
			"fallback_department": d.config.FallbackDepartment,
			"enable_auto_retry":   d.config.EnableAutoRetry,
			"max_retries":         d.config.MaxRetries,
		},
	}
}

func dedupeByName(handlers []core.DepartmentHandler) []core.DepartmentHandler {
	seen := make(map[string]bool, len(handlers))
	var out []core.DepartmentHandler
	for _, h := range handlers {
		if seen[h.Name()] {
			continue
		}
		seen[h.Name()] = true
		out = append(out, h)
	}
	return out
}

func errorKind(err error) string {
	switch {
	case core.IsValidation(err):
		return "validation"
	case errors.Is(err, core.ErrOverloaded):
		return "overloaded"
	case errors.Is(err, core.ErrNotAccepting):
		return "not_accepting"
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrMaxRetriesExceeded):
		return "max_retries"
	case errors.Is(err, core.ErrHandlerFailed):
		return "handler_failed"
	default:
		return "other"
	}
}
