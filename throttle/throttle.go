// Package throttle implements the adaptive throttling controller. It turns
// resource-monitor readings and queue pressure into a concurrency target
// and walks the request queue and async engine toward it.
package throttle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/metrics"
	"github.com/blopit/SwarmDirector-sub000/monitor"
)

// Load-level boundaries over avg(cpu%, memory%) and health score.
const (
	combinedEmergency = 95.0
	combinedCritical  = 80.0
	combinedHigh      = 60.0
	combinedNormal    = 30.0
	healthEmergency   = 30.0
	healthCritical    = 50.0
)

// Scaling factors per load level.
const (
	factorEmergency = 0.3
	factorCritical  = 0.7
	factorHigh      = 0.9
	factorScaleUp   = 1.5
	factorPredicted = 0.8
)

// maxStepPerCycle bounds how far concurrency moves in one cycle.
const maxStepPerCycle = 2

// HealthSource is the monitor view the controller consumes.
type HealthSource interface {
	HealthScore() float64
	CurrentSnapshot() (monitor.Snapshot, bool)
}

// QueueStats carries the queue pressure inputs of one cycle.
type QueueStats struct {
	QueueSize      int
	ActiveRequests int
}

// Target is a component whose concurrency the controller manages.
type Target interface {
	UpdateConcurrencyLimit(n int)
}

// Controller runs the periodic decision cycle.
type Controller struct {
	config  core.ThrottlingConfig
	source  HealthSource
	stats   func() QueueStats
	targets []Target
	logger  core.Logger

	mu            sync.Mutex
	started       bool
	current       int
	recentTargets []int
	loadSamples   []loadPoint
	history       []core.ThrottlingSample

	cancel context.CancelFunc
	done   chan struct{}
}

type loadPoint struct {
	at       time.Time
	combined float64
}

// loadWindow is how many combined-load points feed the linear-regression
// predictor.
const loadWindow = 12

// New creates a controller. stats may not be nil; targets receive the
// applied concurrency each cycle.
func New(config core.ThrottlingConfig, source HealthSource, stats func() QueueStats, targets ...Target) *Controller {
	initial := config.MaxConcurrency
	if initial < config.MinConcurrency {
		initial = config.MinConcurrency
	}
	return &Controller{
		config:  config,
		source:  source,
		stats:   stats,
		targets: targets,
		logger:  &core.NoOpLogger{},
		current: initial,
		done:    make(chan struct{}),
	}
}

// SetLogger injects the logger.
func (c *Controller) SetLogger(logger core.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetInitialConcurrency seeds the controller's view of current concurrency,
// typically the configured worker count.
func (c *Controller) SetInitialConcurrency(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.clamp(float64(n))
}

// Start launches the decision loop.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	if !c.config.Enabled {
		close(c.done)
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop halts the decision loop. Stopping a controller that was never
// started is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	interval := c.config.AdjustmentInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RunCycle()
		case <-ctx.Done():
			return
		}
	}
}

// CurrentConcurrency returns the concurrency last applied.
func (c *Controller) CurrentConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// History returns the recorded throttling samples, oldest first.
func (c *Controller) History() []core.ThrottlingSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.ThrottlingSample, len(c.history))
	copy(out, c.history)
	return out
}

// RunCycle executes one decision cycle; the background loop calls it every
// adjustment interval, tests call it directly.
func (c *Controller) RunCycle() core.ThrottlingSample {
	snap, _ := c.source.CurrentSnapshot()
	health := c.source.HealthScore()
	combined := (snap.CPUPercent + snap.MemoryPercent) / 2
	qs := c.stats()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordLoadLocked(combined)
	level := classifyLoad(combined, health)

	// Base target by load level.
	target := float64(c.current)
	switch level {
	case core.LoadEmergency:
		target = math.Max(float64(c.config.MinConcurrency), float64(c.current)*factorEmergency)
	case core.LoadCritical:
		target = float64(c.current) * factorCritical
	case core.LoadHigh:
		target = float64(c.current) * factorHigh
	case core.LoadLow:
		if qs.QueueSize > 0 {
			target = math.Min(float64(c.config.MaxConcurrency), float64(c.current)*factorScaleUp)
		}
	}

	// Predictive adjustment: shrink ahead of a forecast load spike.
	if c.config.EnablePrediction && c.predictHighLocked() {
		target *= factorPredicted
	}

	// Queue pressure overlay.
	if qs.QueueSize > c.current*2 {
		target += 2
	} else if qs.QueueSize == 0 && float64(qs.ActiveRequests) < float64(c.current)*0.5 {
		target--
	}

	target = float64(c.clamp(target))
	smoothed := c.smoothLocked(target)

	// Gradual application: at most ±2 per cycle.
	applied := c.current
	diff := smoothed - c.current
	switch {
	case diff > maxStepPerCycle:
		applied = c.current + maxStepPerCycle
	case diff < -maxStepPerCycle:
		applied = c.current - maxStepPerCycle
	default:
		applied = smoothed
	}
	applied = c.clamp(float64(applied))

	action := core.ActionMaintain
	switch {
	case level == core.LoadEmergency && applied <= c.current:
		action = core.ActionEmergencyStop
	case applied < c.current:
		action = core.ActionScaleDown
	case applied > c.current:
		action = core.ActionScaleUp
	}

	previous := c.current
	c.current = applied
	for _, t := range c.targets {
		t.UpdateConcurrencyLimit(applied)
	}

	sample := core.ThrottlingSample{
		Timestamp:          time.Now(),
		HealthScore:        health,
		CPUPercent:         snap.CPUPercent,
		MemoryPercent:      snap.MemoryPercent,
		ActiveRequests:     qs.ActiveRequests,
		QueueSize:          qs.QueueSize,
		CurrentConcurrency: previous,
		TargetConcurrency:  smoothed,
		Action:             action,
		LoadLevel:          level,
	}
	c.recordSampleLocked(sample)

	metrics.ThrottleDecisions.WithLabelValues(string(action), string(level)).Inc()
	if applied != previous {
		c.logger.Info("Throttling adjustment applied", map[string]interface{}{
			"load_level":   string(level),
			"action":       string(action),
			"health_score": health,
			"previous":     previous,
			"applied":      applied,
			"target":       smoothed,
		})
	}
	return sample
}

// classifyLoad quantizes combined load and health into a load level.
func classifyLoad(combined, health float64) core.LoadLevel {
	switch {
	case health < healthEmergency || combined >= combinedEmergency:
		return core.LoadEmergency
	case health < healthCritical || combined >= combinedCritical:
		return core.LoadCritical
	case combined >= combinedHigh:
		return core.LoadHigh
	case combined >= combinedNormal:
		return core.LoadNormal
	default:
		return core.LoadLow
	}
}

// predictHighLocked linear-regresses the recent combined-load points and
// reports whether the forecast at now+horizon crosses the high threshold.
func (c *Controller) predictHighLocked() bool {
	n := len(c.loadSamples)
	if n < 3 {
		return false
	}
	horizon := c.config.PredictionHorizon
	if horizon <= 0 {
		horizon = 30 * time.Second
	}

	base := c.loadSamples[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range c.loadSamples {
		x := p.at.Sub(base).Seconds()
		sumX += x
		sumY += p.combined
		sumXY += x * p.combined
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return false
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / fn

	x := time.Since(base).Seconds() + horizon.Seconds()
	predicted := slope*x + intercept
	return predicted >= combinedHigh
}

// smoothLocked blends the raw target with the recent targets, weighting the
// newest most heavily, and remembers the result for the next cycle.
func (c *Controller) smoothLocked(target float64) int {
	window := c.config.SmoothingWindow
	if window <= 0 {
		window = 3
	}

	c.recentTargets = append(c.recentTargets, int(math.Round(target)))
	if len(c.recentTargets) > window {
		c.recentTargets = c.recentTargets[len(c.recentTargets)-window:]
	}

	var weighted, weights float64
	for i, t := range c.recentTargets {
		w := float64(i + 1)
		weighted += w * float64(t)
		weights += w
	}
	return c.clamp(weighted / weights)
}

func (c *Controller) recordLoadLocked(combined float64) {
	c.loadSamples = append(c.loadSamples, loadPoint{at: time.Now(), combined: combined})
	if len(c.loadSamples) > loadWindow {
		c.loadSamples = c.loadSamples[len(c.loadSamples)-loadWindow:]
	}
}

func (c *Controller) recordSampleLocked(sample core.ThrottlingSample) {
	size := c.config.HistorySize
	if size <= 0 {
		size = 500
	}
	c.history = append(c.history, sample)
	if len(c.history) > size {
		c.history = c.history[len(c.history)-size:]
	}
}

func (c *Controller) clamp(v float64) int {
	n := int(math.Round(v))
	if n < c.config.MinConcurrency {
		n = c.config.MinConcurrency
	}
	if c.config.MaxConcurrency > 0 && n > c.config.MaxConcurrency {
		n = c.config.MaxConcurrency
	}
	return n
}
