package throttle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/monitor"
)

type stubSource struct {
	snap monitor.Snapshot
}

func (s *stubSource) HealthScore() float64 {
	score := 0.4*(100-s.snap.CPUPercent) + 0.4*(100-s.snap.MemoryPercent) + 0.2*(100-s.snap.DiskPercent)
	if score < 0 {
		return 0
	}
	return score
}

func (s *stubSource) CurrentSnapshot() (monitor.Snapshot, bool) {
	return s.snap, true
}

type recordingTarget struct {
	applied []int
}

func (r *recordingTarget) UpdateConcurrencyLimit(n int) {
	r.applied = append(r.applied, n)
}

func testConfig() core.ThrottlingConfig {
	return core.ThrottlingConfig{
		Enabled:            true,
		MinConcurrency:     1,
		MaxConcurrency:     50,
		AdjustmentInterval: 5 * time.Second,
		SmoothingWindow:    3,
		EnablePrediction:   false,
		PredictionHorizon:  30 * time.Second,
		HistorySize:        10,
	}
}

func newController(snap monitor.Snapshot, qs QueueStats, targets ...Target) *Controller {
	return New(testConfig(), &stubSource{snap: snap}, func() QueueStats { return qs }, targets...)
}

func TestClassifyLoad(t *testing.T) {
	tests := []struct {
		combined float64
		health   float64
		level    core.LoadLevel
	}{
		{96, 80, core.LoadEmergency},
		{50, 25, core.LoadEmergency},
		{85, 80, core.LoadCritical},
		{50, 45, core.LoadCritical},
		{70, 80, core.LoadHigh},
		{40, 80, core.LoadNormal},
		{10, 95, core.LoadLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.level, classifyLoad(tt.combined, tt.health),
			"combined=%v health=%v", tt.combined, tt.health)
	}
}

func TestEmergencyScaleDown(t *testing.T) {
	target := &recordingTarget{}
	// cpu 95 / mem 90: combined 92.5, health 26 -> emergency.
	c := newController(monitor.Snapshot{CPUPercent: 95, MemoryPercent: 90}, QueueStats{}, target)
	c.SetInitialConcurrency(10)

	sample := c.RunCycle()

	assert.Equal(t, core.LoadEmergency, sample.LoadLevel)
	assert.Equal(t, core.ActionEmergencyStop, sample.Action)
	assert.LessOrEqual(t, sample.TargetConcurrency, 3, "target <= current x 0.3")
	assert.Equal(t, 8, c.CurrentConcurrency(), "step bounded at 2 per cycle")
	require.Len(t, target.applied, 1)
	assert.Equal(t, 8, target.applied[0])
}

func TestScaleUpWhenLowWithQueue(t *testing.T) {
	c := newController(monitor.Snapshot{CPUPercent: 10, MemoryPercent: 10}, QueueStats{QueueSize: 5, ActiveRequests: 4})
	c.SetInitialConcurrency(4)

	sample := c.RunCycle()

	assert.Equal(t, core.LoadLow, sample.LoadLevel)
	assert.Equal(t, core.ActionScaleUp, sample.Action)
	assert.Equal(t, 6, c.CurrentConcurrency())
}

func TestMaintainWhenLowAndIdleQueueBalanced(t *testing.T) {
	// Low load, empty queue, but active >= current/2 keeps things steady.
	c := newController(monitor.Snapshot{CPUPercent: 10, MemoryPercent: 10}, QueueStats{QueueSize: 0, ActiveRequests: 3})
	c.SetInitialConcurrency(4)

	sample := c.RunCycle()
	assert.Equal(t, core.ActionMaintain, sample.Action)
	assert.Equal(t, 4, c.CurrentConcurrency())
}

func TestIdleOverlayShrinksByOne(t *testing.T) {
	c := newController(monitor.Snapshot{CPUPercent: 10, MemoryPercent: 10}, QueueStats{QueueSize: 0, ActiveRequests: 0})
	c.SetInitialConcurrency(10)

	c.RunCycle()
	assert.Equal(t, 9, c.CurrentConcurrency())
}

func TestQueuePressureOverlayAdds(t *testing.T) {
	// Normal load, deep queue: +2 overlay.
	c := newController(monitor.Snapshot{CPUPercent: 40, MemoryPercent: 40}, QueueStats{QueueSize: 25, ActiveRequests: 10})
	c.SetInitialConcurrency(10)

	c.RunCycle()
	assert.Equal(t, 12, c.CurrentConcurrency())
}

func TestConcurrencyStaysInBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinConcurrency = 2
	cfg.MaxConcurrency = 8
	src := &stubSource{snap: monitor.Snapshot{CPUPercent: 99, MemoryPercent: 99}}
	c := New(cfg, src, func() QueueStats { return QueueStats{} })
	c.SetInitialConcurrency(8)

	for i := 0; i < 20; i++ {
		c.RunCycle()
		cur := c.CurrentConcurrency()
		assert.GreaterOrEqual(t, cur, 2)
		assert.LessOrEqual(t, cur, 8)
	}
	assert.Equal(t, 2, c.CurrentConcurrency(), "settles at the floor under sustained emergency")

	// Recovery scales back up, at most 2 per cycle.
	src.snap = monitor.Snapshot{CPUPercent: 5, MemoryPercent: 5}
	statsUp := func() QueueStats { return QueueStats{QueueSize: 10, ActiveRequests: 2} }
	c.stats = statsUp
	prev := c.CurrentConcurrency()
	for i := 0; i < 10; i++ {
		c.RunCycle()
		cur := c.CurrentConcurrency()
		assert.LessOrEqual(t, cur-prev, 2)
		prev = cur
	}
	assert.Equal(t, 8, c.CurrentConcurrency())
}

func TestPredictionShrinksTarget(t *testing.T) {
	cfg := testConfig()
	cfg.EnablePrediction = true
	src := &stubSource{snap: monitor.Snapshot{CPUPercent: 40, MemoryPercent: 40}}
	c := New(cfg, src, func() QueueStats { return QueueStats{QueueSize: 0, ActiveRequests: 10} })
	c.SetInitialConcurrency(10)

	// Seed a steeply rising load trend.
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 6; i++ {
		c.loadSamples = append(c.loadSamples, loadPoint{
			at:       base.Add(time.Duration(i) * 10 * time.Second),
			combined: 20 + float64(i)*10,
		})
	}
	c.mu.Lock()
	high := c.predictHighLocked()
	c.mu.Unlock()
	assert.True(t, high, "rising trend must forecast high load")

	sample := c.RunCycle()
	assert.Equal(t, core.ActionScaleDown, sample.Action)
	assert.Less(t, c.CurrentConcurrency(), 10)
}

func TestPredictionNeedsEnoughSamples(t *testing.T) {
	c := newController(monitor.Snapshot{}, QueueStats{})
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.False(t, c.predictHighLocked())
}

func TestHistoryBounded(t *testing.T) {
	c := newController(monitor.Snapshot{CPUPercent: 40, MemoryPercent: 40}, QueueStats{ActiveRequests: 10})
	c.SetInitialConcurrency(10)

	for i := 0; i < 25; i++ {
		c.RunCycle()
	}
	hist := c.History()
	assert.Len(t, hist, 10)
	for _, s := range hist {
		assert.Equal(t, core.LoadNormal, s.LoadLevel)
	}
}

func TestDisabledControllerDoesNotRun(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg, &stubSource{}, func() QueueStats { return QueueStats{} })
	c.Start(t.Context())
	c.Stop() // must not hang
}

func TestStopWithoutStartReturns(t *testing.T) {
	c := newController(monitor.Snapshot{}, QueueStats{})

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a controller that was never started")
	}
}
