// Package rqueue implements the request admission layer: priority FIFO
// queues with hysteresis backpressure, a resizable worker pool, per-client
// rate limiting, and process-group concurrency partitions.
package rqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blopit/SwarmDirector-sub000/blackboard"
	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/metrics"
)

// Handler processes one admitted request. The context carries the request
// deadline.
type Handler func(ctx context.Context, req *core.QueuedRequest) (interface{}, error)

// priorityCapShares are the per-priority soft caps as shares of the total
// queue size. They deliberately sum past 1.0: mid-tier traffic gets the
// largest share while every class retains headroom.
var priorityCapShares = [core.NumPriorities]float64{
	core.PriorityCritical: 0.25,
	core.PriorityHigh:     0.25,
	core.PriorityNormal:   0.50,
	core.PriorityLow:      0.25,
}

type queuedItem struct {
	req   *core.QueuedRequest
	done  chan struct{}
	group *groupSlots
}

// GroupUtilization reports one process group's slot occupancy.
type GroupUtilization struct {
	InUse    int `json:"in_use"`
	Capacity int `json:"capacity"`
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Running            bool                        `json:"running"`
	Queued             int                         `json:"queued"`
	QueuedByPriority   map[string]int              `json:"queued_by_priority"`
	Active             int                         `json:"active"`
	CompletedRetained  int                         `json:"completed_retained"`
	Groups             map[string]GroupUtilization `json:"groups"`
	BackpressureActive bool                        `json:"backpressure_active"`
	ConcurrencyLimit   int                         `json:"concurrency_limit"`
	TotalProcessed     int64                       `json:"total_processed"`
	TotalFailed        int64                       `json:"total_failed"`
	TotalTimedOut      int64                       `json:"total_timed_out"`
}

// Submission describes one submit call.
type Submission struct {
	Type     core.RequestType
	Payload  map[string]interface{}
	Priority core.Priority
	Timeout  time.Duration
	ClientID string
}

// RequestQueue admits, queues, and dispatches requests to registered
// handlers under strict priority order.
type RequestQueue struct {
	config core.QueueConfig
	logger core.Logger
	board  *blackboard.Blackboard

	handlersMu sync.RWMutex
	handlers   map[core.RequestType]Handler

	mu        sync.Mutex
	cond      *sync.Cond
	queues    [core.NumPriorities][]*queuedItem
	active    map[string]*queuedItem
	completed map[string]*queuedItem
	limit     int
	spawned   int
	inFlight  int
	engaged   bool
	running   bool

	totalProcessed int64
	totalFailed    int64
	totalTimedOut  int64

	groups  map[string]*groupSlots
	limiter *clientLimiter

	baseCtx   context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cleanupWG sync.WaitGroup
}

// New creates a request queue. board may be nil when no blackboard
// publishing is wanted (tests).
func New(config core.QueueConfig, board *blackboard.Blackboard) *RequestQueue {
	q := &RequestQueue{
		config:    config,
		logger:    &core.NoOpLogger{},
		board:     board,
		handlers:  make(map[core.RequestType]Handler),
		active:    make(map[string]*queuedItem),
		completed: make(map[string]*queuedItem),
		limit:     config.MaxConcurrentRequests,
		groups:    newGroupTable(config.GroupLimits),
		limiter:   newClientLimiter(config.ClientRatePerSecond, config.ClientBurst),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetLogger injects the logger.
func (q *RequestQueue) SetLogger(logger core.Logger) {
	if logger != nil {
		q.logger = logger
	}
}

// RegisterHandler binds a handler to a request type. Submitting a type with
// no handler fails the request at dispatch time.
func (q *RequestQueue) RegisterHandler(rt core.RequestType, h Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	q.handlers[rt] = h
}

// Start launches the worker pool and the cleanup loop.
func (q *RequestQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("request queue already running")
	}
	q.running = true
	q.baseCtx, q.cancel = context.WithCancel(ctx)
	q.spawnWorkersLocked(q.limit)
	q.mu.Unlock()

	q.cleanupWG.Add(1)
	go q.cleanupLoop()

	q.logger.Info("Request queue started", map[string]interface{}{
		"workers":        q.limit,
		"max_queue_size": q.config.MaxQueueSize,
	})
	q.publishStatus()
	return nil
}

// Stop rejects queued requests and waits for in-flight work.
func (q *RequestQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	for p := range q.queues {
		for _, item := range q.queues[p] {
			q.finalizeLocked(item, core.RequestStatusCancelled, nil, "queue shut down")
		}
		q.queues[p] = nil
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
	q.cancel()
	q.cleanupWG.Wait()
	q.publishStatus()
	return nil
}

// Submit admits a request and returns its id. Rejections:
// core.ErrOverloaded under backpressure, per-priority caps, the hard cap,
// or client rate limiting; core.ErrQueueClosed after shutdown.
func (q *RequestQueue) Submit(sub Submission) (string, error) {
	if sub.Type == "" {
		return "", fmt.Errorf("%w: missing request type", core.ErrInvalidRequest)
	}
	if sub.Priority < core.PriorityCritical || sub.Priority > core.PriorityLow {
		return "", fmt.Errorf("%w: %d", core.ErrInvalidPriority, sub.Priority)
	}
	if sub.Timeout <= 0 {
		sub.Timeout = q.config.DefaultTimeout
	}

	if !q.limiter.Allow(sub.ClientID) {
		metrics.RequestsSubmitted.WithLabelValues(sub.Priority.String(), "rate_limited").Inc()
		return "", fmt.Errorf("%w: client %s rate limited", core.ErrOverloaded, sub.ClientID)
	}

	req := &core.QueuedRequest{
		RequestID:    uuid.NewString(),
		Type:         sub.Type,
		Priority:     sub.Priority,
		ClientID:     sub.ClientID,
		Payload:      sub.Payload,
		Status:       core.RequestStatusQueued,
		ProcessGroup: sub.Type.ProcessGroup(),
		Timeout:      sub.Timeout,
		CreatedAt:    time.Now(),
	}
	item := &queuedItem{req: req, done: make(chan struct{})}

	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return "", core.ErrQueueClosed
	}
	if err := q.admitLocked(sub.Priority); err != nil {
		q.mu.Unlock()
		metrics.RequestsSubmitted.WithLabelValues(sub.Priority.String(), "rejected").Inc()
		return "", err
	}
	q.queues[sub.Priority] = append(q.queues[sub.Priority], item)
	depth := len(q.queues[sub.Priority])
	q.cond.Signal()
	q.mu.Unlock()

	metrics.RequestsSubmitted.WithLabelValues(sub.Priority.String(), "accepted").Inc()
	metrics.RequestQueueDepth.WithLabelValues(sub.Priority.String()).Set(float64(depth))
	q.publishRequest(req)
	q.publishStatus()
	return req.RequestID, nil
}

// admitLocked applies the hard cap, hysteresis backpressure, and the
// per-priority soft cap. Caller holds the lock.
func (q *RequestQueue) admitLocked(priority core.Priority) error {
	depth := q.depthLocked()
	max := q.config.MaxQueueSize

	if depth >= max {
		return fmt.Errorf("%w: queue full (%d)", core.ErrOverloaded, depth)
	}

	engage := q.config.BackpressureThreshold
	if engage <= 0 {
		engage = 0.8
	}
	release := q.config.ResumeThreshold
	if release <= 0 {
		release = 0.3
	}
	if !q.engaged && float64(depth) >= engage*float64(max) {
		q.engaged = true
		metrics.BackpressureActive.Set(1)
		q.logger.Warn("Backpressure engaged", map[string]interface{}{
			"queue_depth": depth,
		})
	} else if q.engaged && float64(depth) <= release*float64(max) {
		q.engaged = false
		metrics.BackpressureActive.Set(0)
		q.logger.Info("Backpressure released", map[string]interface{}{
			"queue_depth": depth,
		})
	}
	if q.engaged && priority > core.PriorityHigh {
		return fmt.Errorf("%w: backpressure active", core.ErrOverloaded)
	}

	cap := int(priorityCapShares[priority] * float64(max))
	if cap < 1 {
		cap = 1
	}
	if len(q.queues[priority]) >= cap {
		return fmt.Errorf("%w: %s sub-queue at capacity (%d)", core.ErrOverloaded, priority, cap)
	}
	return nil
}

// AwaitResult blocks until the request reaches a terminal state or ctx
// expires.
func (q *RequestQueue) AwaitResult(ctx context.Context, requestID string) (interface{}, error) {
	q.mu.Lock()
	item := q.lookupLocked(requestID)
	q.mu.Unlock()
	if item == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrRequestNotFound, requestID)
	}

	select {
	case <-item.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: awaiting request %s", core.ErrTimeout, requestID)
	}

	req := item.req
	switch req.Status {
	case core.RequestStatusCompleted:
		return req.Result, nil
	case core.RequestStatusTimeout:
		return nil, fmt.Errorf("%w: request %s", core.ErrTimeout, requestID)
	default:
		return nil, fmt.Errorf("request %s %s: %s", requestID, req.Status, req.Error)
	}
}

// GetRequest returns a copy of the request record.
func (q *RequestQueue) GetRequest(requestID string) (*core.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := q.lookupLocked(requestID)
	if item == nil {
		return nil, false
	}
	snap := *item.req
	return &snap, true
}

// UpdateConcurrencyLimit resizes the worker concurrency; the throttling
// controller calls this each cycle. Growing past the spawned pool adds
// workers; shrinking gates dispatch without killing goroutines.
func (q *RequestQueue) UpdateConcurrencyLimit(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	prev := q.limit
	q.limit = n
	if q.running && n > q.spawned {
		q.spawnWorkersLocked(n - q.spawned)
	}
	q.mu.Unlock()

	if n > prev {
		q.cond.Broadcast()
	}
	if n != prev {
		metrics.ConcurrencyLimit.WithLabelValues("request_queue").Set(float64(n))
		q.logger.Info("Request queue concurrency limit updated", map[string]interface{}{
			"previous": prev,
			"current":  n,
		})
	}
}

// ConcurrencyLimit returns the current effective limit.
func (q *RequestQueue) ConcurrencyLimit() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.limit
}

// Status snapshots the queue.
func (q *RequestQueue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int, core.NumPriorities)
	for p := range q.queues {
		byPriority[core.Priority(p).String()] = len(q.queues[p])
	}
	groups := make(map[string]GroupUtilization, len(q.groups))
	for name, g := range q.groups {
		inUse, capacity := g.Utilization()
		groups[name] = GroupUtilization{InUse: inUse, Capacity: capacity}
	}
	return Status{
		Running:            q.running,
		Queued:             q.depthLocked(),
		QueuedByPriority:   byPriority,
		Active:             len(q.active),
		CompletedRetained:  len(q.completed),
		Groups:             groups,
		BackpressureActive: q.engaged,
		ConcurrencyLimit:   q.limit,
		TotalProcessed:     q.totalProcessed,
		TotalFailed:        q.totalFailed,
		TotalTimedOut:      q.totalTimedOut,
	}
}

// ─── worker pool ───

func (q *RequestQueue) spawnWorkersLocked(n int) {
	for i := 0; i < n; i++ {
		q.spawned++
		workerID := fmt.Sprintf("rq-worker-%d", q.spawned)
		q.wg.Add(1)
		go q.runWorker(workerID)
	}
}

func (q *RequestQueue) runWorker(workerID string) {
	defer q.wg.Done()
	for {
		item := q.nextItem()
		if item == nil {
			return
		}
		q.process(workerID, item)
	}
}

// nextItem pulls the next dispatchable request in strict priority order,
// acquiring its process-group slot. A saturated group sends the request to
// the back of its original priority queue and the scan moves on. Returns
// nil on shutdown.
func (q *RequestQueue) nextItem() *queuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if !q.running && q.depthLocked() == 0 {
			return nil
		}
		if q.inFlight < q.limit {
			for p := 0; p < core.NumPriorities; p++ {
				// Rotate through the sub-queue at most once: saturated
				// heads go to the back so other groups keep flowing.
				for attempts := len(q.queues[p]); attempts > 0; attempts-- {
					item := q.queues[p][0]
					q.queues[p] = q.queues[p][1:]

					group := q.groups[item.req.ProcessGroup]
					if group != nil && !group.TryAcquire() {
						q.queues[p] = append(q.queues[p], item)
						metrics.GroupSaturationRequeues.WithLabelValues(item.req.ProcessGroup).Inc()
						continue
					}
					item.group = group
					q.inFlight++
					q.active[item.req.RequestID] = item
					metrics.RequestQueueDepth.WithLabelValues(core.Priority(p).String()).Set(float64(len(q.queues[p])))
					return item
				}
			}
		}
		if !q.running {
			return nil
		}
		q.cond.Wait()
	}
}

func (q *RequestQueue) process(workerID string, item *queuedItem) {
	req := item.req
	now := time.Now()
	// GetRequest copies the record under the lock, so every field write
	// here must hold it too.
	q.mu.Lock()
	req.StartedAt = &now
	req.Status = core.RequestStatusProcessing
	q.mu.Unlock()
	q.publishRequest(req)

	q.handlersMu.RLock()
	handler := q.handlers[req.Type]
	q.handlersMu.RUnlock()

	var result interface{}
	var err error
	if handler == nil {
		err = fmt.Errorf("%w: request type %s", core.ErrHandlerNotFound, req.Type)
	} else {
		ctx, cancel := context.WithTimeout(q.baseCtx, req.Timeout)
		result, err = q.invoke(ctx, handler, req)
		cancel()
	}

	status := core.RequestStatusCompleted
	detail := ""
	switch {
	case err == nil:
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = core.RequestStatusTimeout
		detail = "timeout"
	case errors.Is(err, context.Canceled):
		status = core.RequestStatusCancelled
		detail = err.Error()
	default:
		status = core.RequestStatusFailed
		detail = err.Error()
	}

	q.mu.Lock()
	delete(q.active, req.RequestID)
	q.inFlight--
	q.finalizeLocked(item, status, result, detail)
	q.mu.Unlock()
	q.cond.Broadcast() // a group slot and a processing slot freed up

	duration := time.Since(*req.StartedAt)
	metrics.RequestsCompleted.WithLabelValues(req.ProcessGroup, string(status)).Inc()
	metrics.RequestDuration.WithLabelValues(req.ProcessGroup).Observe(duration.Seconds())

	if err != nil {
		q.logger.Error("Request finished with error", map[string]interface{}{
			"request_id":  req.RequestID,
			"worker_id":   workerID,
			"status":      string(status),
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		})
	} else {
		q.logger.Debug("Request completed", map[string]interface{}{
			"request_id":  req.RequestID,
			"worker_id":   workerID,
			"duration_ms": duration.Milliseconds(),
		})
	}
	q.publishRequest(req)
	q.publishStatus()
}

// invoke runs the handler with panic recovery; the request deadline is
// enforced even if the handler ignores its context.
func (q *RequestQueue) invoke(ctx context.Context, handler Handler, req *core.QueuedRequest) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: panic: %v", core.ErrHandlerFailed, r)}
			}
		}()
		result, err := handler(ctx, req)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: request %s", core.ErrTimeout, req.RequestID)
		}
		return nil, ctx.Err()
	}
}

// finalizeLocked records the terminal state and releases resources. Caller
// holds the lock.
func (q *RequestQueue) finalizeLocked(item *queuedItem, status core.RequestStatus, result interface{}, detail string) {
	req := item.req
	now := time.Now()
	req.CompletedAt = &now
	req.Status = status
	req.Result = result
	req.Error = detail

	switch status {
	case core.RequestStatusFailed:
		q.totalFailed++
	case core.RequestStatusTimeout:
		q.totalTimedOut++
	}
	q.totalProcessed++
	q.completed[req.RequestID] = item

	if item.group != nil {
		item.group.Release()
		item.group = nil
	}
	close(item.done)
}

// ─── cleanup ───

func (q *RequestQueue) cleanupLoop() {
	defer q.cleanupWG.Done()

	interval := q.config.CleanupInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.evictCompleted(interval)
			q.limiter.evictIdle()
		case <-q.baseCtx.Done():
			return
		}
	}
}

func (q *RequestQueue) evictCompleted(maxAge time.Duration) {
	q.mu.Lock()
	var evicted []string
	now := time.Now()
	for id, item := range q.completed {
		if item.req.CompletedAt != nil && now.Sub(*item.req.CompletedAt) > maxAge {
			delete(q.completed, id)
			evicted = append(evicted, id)
		}
	}
	q.mu.Unlock()

	if q.board != nil {
		for _, id := range evicted {
			q.board.Delete("request_" + id)
		}
	}
	if len(evicted) > 0 {
		q.logger.Debug("Evicted completed requests", map[string]interface{}{
			"count": len(evicted),
		})
	}
}

// ─── blackboard publishing ───

func (q *RequestQueue) publishRequest(req *core.QueuedRequest) {
	if q.board == nil {
		return
	}
	q.board.Set("request_"+req.RequestID, map[string]interface{}{
		"status":   string(req.Status),
		"type":     string(req.Type),
		"priority": req.Priority.String(),
		"group":    req.ProcessGroup,
	})
}

func (q *RequestQueue) publishStatus() {
	if q.board == nil {
		return
	}
	st := q.Status()
	q.board.Set("queue_status", map[string]interface{}{
		"queued":    st.Queued,
		"active":    st.Active,
		"completed": st.CompletedRetained,
		"running":   st.Running,
	})
	q.board.Set("active_requests", st.Active)
	q.board.Set("backpressure_active", st.BackpressureActive)
}

func (q *RequestQueue) lookupLocked(requestID string) *queuedItem {
	if item, ok := q.active[requestID]; ok {
		return item
	}
	if item, ok := q.completed[requestID]; ok {
		return item
	}
	for p := range q.queues {
		for _, item := range q.queues[p] {
			if item.req.RequestID == requestID {
				return item
			}
		}
	}
	return nil
}

func (q *RequestQueue) depthLocked() int {
	depth := 0
	for p := range q.queues {
		depth += len(q.queues[p])
	}
	return depth
}
