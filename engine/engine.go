// Package engine implements the asynchronous task engine: a priority worker
// pool that executes submitted callables with timeouts, retries, and
// completed-result retention.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// TaskFunc is a context-aware callable. It must honor ctx cancellation.
type TaskFunc func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// BlockingFunc is a callable that cannot observe a context. Blocking work
// runs on the bounded blocking pool so it never starves worker goroutines.
type BlockingFunc func(args map[string]interface{}) (interface{}, error)

// Callback is invoked asynchronously when a task reaches a terminal state.
type Callback func(taskID string, result interface{}, err error)

// resumeRatio releases backpressure once depth falls back to this share of
// capacity. Pairs with EngineConfig.BackpressureRatio for engagement.
const resumeRatio = 0.3

// retryBaseDelay seeds the exponential retry backoff. Backoff is scheduled
// off-worker; no worker goroutine ever sleeps on it.
const retryBaseDelay = 100 * time.Millisecond

type engineTask struct {
	id       string
	priority core.Priority
	fn       TaskFunc
	blocking bool
	args     map[string]interface{}
	timeout  time.Duration
	callback Callback

	maxRetries int
	retryCount int

	status      core.TaskStatus
	result      interface{}
	err         error
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	done chan struct{}
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Running            bool           `json:"running"`
	QueueDepth         int            `json:"queue_depth"`
	QueueByPriority    map[string]int `json:"queue_by_priority"`
	ActiveTasks        int            `json:"active_tasks"`
	CompletedRetained  int            `json:"completed_retained"`
	PeakActive         int            `json:"peak_active"`
	TotalProcessed     int64          `json:"total_processed"`
	TotalFailed        int64          `json:"total_failed"`
	AverageDurationMS  float64        `json:"average_duration_ms"`
	ConcurrencyLimit   int            `json:"concurrency_limit"`
	BackpressureActive bool           `json:"backpressure_active"`
}

// AsyncTaskEngine executes submitted callables on a priority worker pool.
// Four FIFO sub-queues are served in strict CRITICAL→HIGH→NORMAL→LOW order;
// within a priority, FIFO is guaranteed.
type AsyncTaskEngine struct {
	config core.EngineConfig
	logger core.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	queues    [core.NumPriorities][]*engineTask
	active    map[string]*engineTask
	completed map[string]*engineTask
	// retrying holds tasks waiting out a retry backoff; they are in no
	// queue and not active, but must stay reachable for Await/Result.
	retrying map[string]*engineTask
	limit     int
	inFlight  int
	engaged   bool // backpressure hysteresis flag
	running   bool

	peakActive     int
	totalProcessed int64
	totalFailed    int64
	totalDuration  time.Duration

	// blockingSlots bounds concurrently executing BlockingFuncs.
	blockingSlots chan struct{}

	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cleanupWG sync.WaitGroup

	workerSeq atomic.Int32
}

// New creates an engine from config. Call Start before submitting.
func New(config core.EngineConfig) *AsyncTaskEngine {
	threads := config.WorkerThreadCount
	if threads < 1 {
		threads = 1
	}
	e := &AsyncTaskEngine{
		config:        config,
		logger:        &core.NoOpLogger{},
		active:        make(map[string]*engineTask),
		completed:     make(map[string]*engineTask),
		retrying:      make(map[string]*engineTask),
		limit:         config.MaxConcurrentTasks,
		blockingSlots: make(chan struct{}, threads),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetLogger injects the logger.
func (e *AsyncTaskEngine) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// Start launches the worker pool and the cleanup loop.
func (e *AsyncTaskEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	workers := e.config.MaxConcurrentTasks
	e.mu.Unlock()

	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("engine-worker-%d", e.workerSeq.Add(1))
		e.wg.Add(1)
		go e.runWorker(workerID)
	}
	e.cleanupWG.Add(1)
	go e.cleanupLoop()

	e.logger.Info("Async task engine started", map[string]interface{}{
		"workers":          workers,
		"max_queue_size":   e.config.MaxQueueSize,
		"blocking_threads": cap(e.blockingSlots),
	})
	return nil
}

// Stop drains in-flight tasks within the shutdown grace window, then cancels
// whatever remains. Queued tasks that never started are marked cancelled.
func (e *AsyncTaskEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false

	// Fail queued tasks immediately; they will never be dispatched.
	for p := range e.queues {
		for _, task := range e.queues[p] {
			task.status = core.TaskStatusCancelled
			task.err = core.ErrQueueClosed
			task.completedAt = time.Now()
			close(task.done)
		}
		e.queues[p] = nil
	}
	active := len(e.active)
	e.cond.Broadcast()
	e.mu.Unlock()

	e.logger.Info("Async task engine stopping", map[string]interface{}{
		"active_tasks": active,
	})

	grace := e.config.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		// Grace expired: cancel in-flight work and wait for workers to
		// observe it.
		e.cancel()
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
	e.cancel()
	e.cleanupWG.Wait()
	return nil
}

// SubmitOption customizes a submission.
type SubmitOption func(*engineTask)

// WithPriority sets the dispatch priority (default NORMAL).
func WithPriority(p core.Priority) SubmitOption {
	return func(t *engineTask) { t.priority = p }
}

// WithTimeout overrides the per-task timeout.
func WithTimeout(d time.Duration) SubmitOption {
	return func(t *engineTask) { t.timeout = d }
}

// WithCallback registers a completion callback.
func WithCallback(cb Callback) SubmitOption {
	return func(t *engineTask) { t.callback = cb }
}

// WithMaxRetries allows re-queueing on error (not timeout, not
// cancellation) up to n times.
func WithMaxRetries(n int) SubmitOption {
	return func(t *engineTask) { t.maxRetries = n }
}

// WithTaskID overrides the generated task id.
func WithTaskID(id string) SubmitOption {
	return func(t *engineTask) { t.id = id }
}

// Submit enqueues a context-aware callable and returns its task id.
func (e *AsyncTaskEngine) Submit(fn TaskFunc, args map[string]interface{}, opts ...SubmitOption) (string, error) {
	return e.enqueue(fn, false, args, opts)
}

// SubmitBlocking enqueues a callable that ignores context. It executes on
// the bounded blocking pool with the task timeout still enforced.
func (e *AsyncTaskEngine) SubmitBlocking(fn BlockingFunc, args map[string]interface{}, opts ...SubmitOption) (string, error) {
	wrapped := func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return fn(args)
	}
	return e.enqueue(wrapped, true, args, opts)
}

func (e *AsyncTaskEngine) enqueue(fn TaskFunc, blocking bool, args map[string]interface{}, opts []SubmitOption) (string, error) {
	task := &engineTask{
		id:        uuid.NewString(),
		priority:  core.PriorityNormal,
		fn:        fn,
		blocking:  blocking,
		args:      args,
		timeout:   e.config.DefaultTimeout,
		status:    core.TaskStatusPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(task)
	}
	if task.priority < core.PriorityCritical || task.priority > core.PriorityLow {
		return "", fmt.Errorf("%w: %d", core.ErrInvalidPriority, task.priority)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return "", core.ErrQueueClosed
	}
	if err := e.admit(task.priority); err != nil {
		return "", err
	}

	e.queues[task.priority] = append(e.queues[task.priority], task)
	e.cond.Signal()
	return task.id, nil
}

// admit applies hysteresis backpressure. Caller holds the lock.
func (e *AsyncTaskEngine) admit(priority core.Priority) error {
	depth := e.queueDepthLocked()
	max := e.config.MaxQueueSize

	if depth >= max {
		return fmt.Errorf("%w: engine queue full (%d)", core.ErrOverloaded, depth)
	}

	ratio := e.config.BackpressureRatio
	if ratio <= 0 {
		ratio = 0.8
	}
	if !e.engaged && float64(depth) >= ratio*float64(max) {
		e.engaged = true
		e.logger.Warn("Engine backpressure engaged", map[string]interface{}{
			"queue_depth": depth,
		})
	} else if e.engaged && float64(depth) <= resumeRatio*float64(max) {
		e.engaged = false
		e.logger.Info("Engine backpressure released", map[string]interface{}{
			"queue_depth": depth,
		})
	}

	if e.engaged && priority > core.PriorityHigh {
		return fmt.Errorf("%w: backpressure active", core.ErrOverloaded)
	}
	return nil
}

// Await blocks until the task reaches a terminal state or ctx expires, then
// returns its result or failure.
func (e *AsyncTaskEngine) Await(ctx context.Context, taskID string) (interface{}, error) {
	e.mu.Lock()
	task := e.lookupLocked(taskID)
	e.mu.Unlock()
	if task == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}

	select {
	case <-task.done:
		return task.result, task.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: awaiting task %s", core.ErrTimeout, taskID)
	}
}

// Result returns the terminal outcome of a task without blocking.
func (e *AsyncTaskEngine) Result(taskID string) (interface{}, error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task := e.lookupLocked(taskID)
	if task == nil || !task.status.IsTerminal() {
		return nil, nil, false
	}
	return task.result, task.err, true
}

// UpdateConcurrencyLimit resizes the effective worker concurrency. The
// throttling controller calls this each cycle.
func (e *AsyncTaskEngine) UpdateConcurrencyLimit(n int) {
	if n < 1 {
		n = 1
	}
	e.mu.Lock()
	prev := e.limit
	e.limit = n
	e.mu.Unlock()
	if n > prev {
		e.cond.Broadcast()
	}
	if n != prev {
		e.logger.Info("Engine concurrency limit updated", map[string]interface{}{
			"previous": prev,
			"current":  n,
		})
	}
}

// ConcurrencyLimit returns the current effective limit.
func (e *AsyncTaskEngine) ConcurrencyLimit() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limit
}

// Status snapshots queue depth, active counts, and lifetime counters.
func (e *AsyncTaskEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPriority := make(map[string]int, core.NumPriorities)
	for p := range e.queues {
		byPriority[core.Priority(p).String()] = len(e.queues[p])
	}
	avg := 0.0
	if e.totalProcessed > 0 {
		avg = float64(e.totalDuration.Milliseconds()) / float64(e.totalProcessed)
	}
	return Status{
		Running:            e.running,
		QueueDepth:         e.queueDepthLocked(),
		QueueByPriority:    byPriority,
		ActiveTasks:        len(e.active),
		CompletedRetained:  len(e.completed),
		PeakActive:         e.peakActive,
		TotalProcessed:     e.totalProcessed,
		TotalFailed:        e.totalFailed,
		AverageDurationMS:  avg,
		ConcurrencyLimit:   e.limit,
		BackpressureActive: e.engaged,
	}
}

// ─── worker pool ───

func (e *AsyncTaskEngine) runWorker(workerID string) {
	defer e.wg.Done()

	for {
		task := e.nextTask()
		if task == nil {
			return
		}
		e.execute(workerID, task)
	}
}

// nextTask blocks until a task is dispatchable under the concurrency limit,
// pulling in strict priority order. Returns nil on shutdown.
func (e *AsyncTaskEngine) nextTask() *engineTask {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if !e.running && e.queueDepthLocked() == 0 {
			return nil
		}
		if e.inFlight < e.limit {
			for p := 0; p < core.NumPriorities; p++ {
				if len(e.queues[p]) > 0 {
					task := e.queues[p][0]
					e.queues[p] = e.queues[p][1:]
					e.inFlight++
					e.active[task.id] = task
					if len(e.active) > e.peakActive {
						e.peakActive = len(e.active)
					}
					return task
				}
			}
		}
		if !e.running {
			return nil
		}
		e.cond.Wait()
	}
}

func (e *AsyncTaskEngine) execute(workerID string, task *engineTask) {
	task.startedAt = time.Now()
	e.mu.Lock()
	task.status = core.TaskStatusInProgress
	e.mu.Unlock()

	timeout := task.timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, timeout)
	result, err := e.invoke(ctx, task)
	cancel()

	e.finish(workerID, task, result, err)
}

// invoke runs the callable with panic recovery. Timeouts are enforced even
// when the callable ignores its context; blocking callables additionally
// hold a blocking-pool slot for their whole run.
func (e *AsyncTaskEngine) invoke(ctx context.Context, task *engineTask) (interface{}, error) {
	if task.blocking {
		select {
		case e.blockingSlots <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for blocking slot", core.ErrTimeout)
		}
	}

	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		// The slot is held until fn actually returns: invoke can bail out
		// on a timeout while a context-blind callable is still running,
		// and the pool bound must cover that straggler too.
		if task.blocking {
			defer func() { <-e.blockingSlots }()
		}
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: panic: %v", core.ErrHandlerFailed, r)}
			}
		}()
		result, err := task.fn(ctx, task.args)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: task %s", core.ErrTimeout, task.id)
		}
		return nil, ctx.Err()
	}
}

func (e *AsyncTaskEngine) finish(workerID string, task *engineTask, result interface{}, err error) {
	duration := time.Since(task.startedAt)

	e.mu.Lock()
	delete(e.active, task.id)
	e.inFlight--

	if err != nil && e.shouldRetry(task, err) {
		task.retryCount++
		task.status = core.TaskStatusPending
		task.startedAt = time.Time{}
		task.err = nil
		e.retrying[task.id] = task
		retry := task.retryCount
		e.mu.Unlock()
		e.cond.Signal()

		delay := retryBackoff(retry)
		e.logger.Warn("Task failed, scheduling retry", map[string]interface{}{
			"task_id":     task.id,
			"worker_id":   workerID,
			"retry_count": retry,
			"delay_ms":    delay.Milliseconds(),
			"error":       err.Error(),
		})
		time.AfterFunc(delay, func() { e.requeue(task) })
		return
	}

	task.completedAt = time.Now()
	task.result = result
	task.err = err
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			task.status = core.TaskStatusCancelled
		default:
			task.status = core.TaskStatusFailed
		}
		e.totalFailed++
	} else {
		task.status = core.TaskStatusCompleted
	}
	e.totalProcessed++
	e.totalDuration += duration
	e.completed[task.id] = task
	e.mu.Unlock()
	e.cond.Signal()

	close(task.done)
	if task.callback != nil {
		go task.callback(task.id, result, err)
	}

	if err != nil {
		e.logger.Error("Task finished with error", map[string]interface{}{
			"task_id":     task.id,
			"worker_id":   workerID,
			"status":      string(task.status),
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		})
	} else {
		e.logger.Debug("Task completed", map[string]interface{}{
			"task_id":     task.id,
			"worker_id":   workerID,
			"duration_ms": duration.Milliseconds(),
		})
	}
}

// shouldRetry applies the retry policy: errors retry, timeouts and
// cancellations do not. Caller holds the lock.
func (e *AsyncTaskEngine) shouldRetry(task *engineTask, err error) bool {
	if !e.running {
		return false
	}
	if task.retryCount >= task.maxRetries {
		return false
	}
	if errors.Is(err, core.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// requeue re-adds a retried task at the back of its original priority queue.
func (e *AsyncTaskEngine) requeue(task *engineTask) {
	e.mu.Lock()
	delete(e.retrying, task.id)
	if !e.running {
		task.status = core.TaskStatusCancelled
		task.err = core.ErrQueueClosed
		task.completedAt = time.Now()
		e.mu.Unlock()
		close(task.done)
		return
	}
	e.queues[task.priority] = append(e.queues[task.priority], task)
	e.mu.Unlock()
	e.cond.Signal()
}

func retryBackoff(retry int) time.Duration {
	delay := retryBaseDelay << uint(retry-1)
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// ─── cleanup ───

func (e *AsyncTaskEngine) cleanupLoop() {
	defer e.cleanupWG.Done()

	interval := e.config.CleanupInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.evictCompleted(interval)
		case <-e.baseCtx.Done():
			return
		}
	}
}

func (e *AsyncTaskEngine) evictCompleted(maxAge time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	evicted := 0
	for id, task := range e.completed {
		if now.Sub(task.completedAt) > maxAge {
			delete(e.completed, id)
			evicted++
		}
	}
	if evicted > 0 {
		e.logger.Debug("Evicted completed tasks", map[string]interface{}{
			"count": evicted,
		})
	}
}

func (e *AsyncTaskEngine) lookupLocked(taskID string) *engineTask {
	if task, ok := e.active[taskID]; ok {
		return task
	}
	if task, ok := e.completed[taskID]; ok {
		return task
	}
	if task, ok := e.retrying[taskID]; ok {
		return task
	}
	for p := range e.queues {
		for _, task := range e.queues[p] {
			if task.id == taskID {
				return task
			}
		}
	}
	return nil
}

func (e *AsyncTaskEngine) queueDepthLocked() int {
	depth := 0
	for p := range e.queues {
		depth += len(e.queues[p])
	}
	return depth
}
