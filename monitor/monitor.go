// Package monitor samples system resources (cpu, memory, disk, network)
// into a ring buffer and derives the health score consumed by the
// throttling controller.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/metrics"
)

// Snapshot is one sampled view of system resources.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	CPUCount        int       `json:"cpu_count"`
	MemoryPercent   float64   `json:"memory_percent"`
	MemoryTotal     uint64    `json:"memory_total"`
	MemoryAvailable uint64    `json:"memory_available"`
	DiskPercent     float64   `json:"disk_percent"`
	NetBytesSent    uint64    `json:"net_bytes_sent"`
	NetBytesRecv    uint64    `json:"net_bytes_recv"`
	ProcessCount    int       `json:"process_count"`
	LoadAverage     float64   `json:"load_average"`
}

// Sampler abstracts the probe layer so tests can stub system readings.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// SystemResourceMonitor runs a periodic sampler into a fixed-size ring
// buffer and exposes the derived health score and overload flag.
type SystemResourceMonitor struct {
	config  core.MonitorConfig
	sampler Sampler
	logger  core.Logger

	mu      sync.RWMutex
	history []Snapshot
	next    int
	filled  bool
	latest  Snapshot
	haveOne bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor with the real gopsutil sampler.
func New(config core.MonitorConfig) *SystemResourceMonitor {
	return NewWithSampler(config, &gopsutilSampler{})
}

// NewWithSampler creates a monitor with a custom sampler; used by tests and
// by the throttling controller's stubs.
func NewWithSampler(config core.MonitorConfig, sampler Sampler) *SystemResourceMonitor {
	size := config.HistorySize
	if size <= 0 {
		size = 300
	}
	return &SystemResourceMonitor{
		config:  config,
		sampler: sampler,
		logger:  &core.NoOpLogger{},
		history: make([]Snapshot, size),
		done:    make(chan struct{}),
	}
}

// SetLogger injects the logger.
func (m *SystemResourceMonitor) SetLogger(logger core.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start launches the sampling loop.
func (m *SystemResourceMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop halts sampling.
func (m *SystemResourceMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *SystemResourceMonitor) run(ctx context.Context) {
	defer close(m.done)

	interval := m.config.SamplingInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sampleOnce(ctx)
	for {
		select {
		case <-ticker.C:
			m.sampleOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sampleOnce records one snapshot. Sampler failures are logged and skipped;
// the monitor never propagates them.
func (m *SystemResourceMonitor) sampleOnce(ctx context.Context) {
	snap, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("Resource sampling failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	snap.Timestamp = time.Now()

	m.mu.Lock()
	m.history[m.next] = snap
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.filled = true
	}
	m.latest = snap
	m.haveOne = true
	m.mu.Unlock()

	metrics.HealthScore.Set(healthScore(snap))
}

// CurrentSnapshot returns the most recent sample.
func (m *SystemResourceMonitor) CurrentSnapshot() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.haveOne
}

// History returns samples oldest-first, up to the ring size.
func (m *SystemResourceMonitor) History() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.filled {
		out := make([]Snapshot, m.next)
		copy(out, m.history[:m.next])
		return out
	}
	out := make([]Snapshot, 0, len(m.history))
	out = append(out, m.history[m.next:]...)
	out = append(out, m.history[:m.next]...)
	return out
}

// HealthScore returns the weighted health of the latest sample in [0,100];
// higher is healthier. With no sample yet it reports full health.
func (m *SystemResourceMonitor) HealthScore() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.haveOne {
		return 100
	}
	return healthScore(m.latest)
}

// IsOverloaded reports whether any of cpu, memory, or disk is at or above
// its critical threshold.
func (m *SystemResourceMonitor) IsOverloaded() bool {
	m.mu.RLock()
	snap, ok := m.latest, m.haveOne
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return snap.CPUPercent >= m.critical(m.config.CPUCritical, 85) ||
		snap.MemoryPercent >= m.critical(m.config.MemoryCritical, 90) ||
		snap.DiskPercent >= m.critical(m.config.DiskCritical, 90)
}

func (m *SystemResourceMonitor) critical(configured, fallback float64) float64 {
	if configured > 0 {
		return configured
	}
	return fallback
}

// healthScore = 0.4·(100−cpu) + 0.4·(100−mem) + 0.2·(100−disk), clamped.
func healthScore(s Snapshot) float64 {
	score := 0.4*(100-s.CPUPercent) + 0.4*(100-s.MemoryPercent) + 0.2*(100-s.DiskPercent)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// gopsutilSampler probes the host via gopsutil.
type gopsutilSampler struct{}

func (g *gopsutilSampler) Sample(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, err
	}
	if len(cpuPercents) > 0 {
		snap.CPUPercent = cpuPercents[0]
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCount = count
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, err
	}
	snap.MemoryPercent = vm.UsedPercent
	snap.MemoryTotal = vm.Total
	snap.MemoryAvailable = vm.Available

	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = usage.UsedPercent
	}
	if counters, err := gopsnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		snap.NetBytesSent = counters[0].BytesSent
		snap.NetBytesRecv = counters[0].BytesRecv
	}
	if pids, err := process.PidsWithContext(ctx); err == nil {
		snap.ProcessCount = len(pids)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAverage = avg.Load1
	}
	return snap, nil
}
