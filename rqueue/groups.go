package rqueue

import (
	"sync"

	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/metrics"
)

// groupSlots is the counted semaphore guarding one process group's worker
// slots. Acquire and release are atomic under the mutex; saturation never
// blocks, callers requeue instead.
type groupSlots struct {
	mu    sync.Mutex
	name  string
	cap   int
	inUse int
}

func newGroupSlots(name string, capacity int) *groupSlots {
	if capacity < 1 {
		capacity = 1
	}
	return &groupSlots{name: name, cap: capacity}
}

// TryAcquire claims a slot if one is free.
func (g *groupSlots) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse >= g.cap {
		return false
	}
	g.inUse++
	metrics.GroupSlotsInUse.WithLabelValues(g.name).Set(float64(g.inUse))
	return true
}

// Release returns a slot.
func (g *groupSlots) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse > 0 {
		g.inUse--
	}
	metrics.GroupSlotsInUse.WithLabelValues(g.name).Set(float64(g.inUse))
}

// Utilization reports (in-use, capacity).
func (g *groupSlots) Utilization() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse, g.cap
}

// newGroupTable builds the per-group semaphores from config, covering every
// known group even when the config map omits one.
func newGroupTable(limits map[string]int) map[string]*groupSlots {
	defaults := map[string]int{
		core.GroupTaskProcessing:  8,
		core.GroupAgentOperations: 4,
		core.GroupAnalytics:       3,
		core.GroupStreaming:       4,
		core.GroupGeneral:         5,
	}
	table := make(map[string]*groupSlots, len(defaults))
	for name, capacity := range defaults {
		if override, ok := limits[name]; ok {
			capacity = override
		}
		table[name] = newGroupSlots(name, capacity)
	}
	return table
}
