package director

import (
	"fmt"
	"strings"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// Strategy names the routing shapes the Director can choose.
type Strategy string

const (
	StrategySingleAgent    Strategy = "single_agent"
	StrategyParallelAgents Strategy = "parallel_agents"
	StrategyScatterGather  Strategy = "scatter_gather"
	StrategyLoadBalanced   Strategy = "load_balanced"
)

// scatterComplexityThreshold is the complexity score (out of 10) at which
// scatter-gather kicks in.
const scatterComplexityThreshold = 8

// complementaryIntents pairs each department with the ones consulted under
// scatter-gather.
var complementaryIntents = map[core.Intent][]core.Intent{
	core.IntentCommunications: {core.IntentAnalysis},
	core.IntentAnalysis:       {core.IntentCommunications},
	core.IntentAutomation:     {core.IntentAnalysis, core.IntentCoordination},
	core.IntentCoordination:   {core.IntentCommunications, core.IntentAnalysis},
}

// complexityKeywords bump the complexity score when present in the text.
var complexityKeywords = []string{
	"complex", "multi-step", "orchestrate", "integrate", "migrate",
	"architecture", "distributed", "comprehensive",
}

// Decision records how and why a task was routed; it lands in logs and
// the routing result.
type Decision struct {
	Strategy   Strategy    `json:"strategy"`
	Intent     core.Intent `json:"intent"`
	Confidence float64     `json:"confidence"`
	Complexity int         `json:"complexity"`
	Handlers   []string    `json:"handlers"`
	Reasoning  string      `json:"reasoning"`
	Fallback   bool        `json:"fallback"`
}

// complexityScore rates a task 1-10 from description length, payload size,
// priority, and complexity keywords.
func complexityScore(task *core.Task) int {
	score := 1

	text := strings.ToLower(task.Title + " " + task.Description)
	switch n := len(task.Description); {
	case n > 500:
		score += 3
	case n > 200:
		score += 2
	case n > 50:
		score++
	}

	switch n := len(task.InputData); {
	case n > 10:
		score += 2
	case n > 3:
		score++
	}

	switch task.Priority {
	case core.TaskPriorityCritical:
		score += 2
	case core.TaskPriorityHigh:
		score++
	}

	for _, kw := range complexityKeywords {
		if strings.Contains(text, kw) {
			score += 2
			break
		}
	}

	if score > 10 {
		score = 10
	}
	return score
}

// decideStrategy selects the routing strategy from handler availability,
// complexity, and classifier confidence. candidates is the available
// handler set for the effective intent.
func (d *Director) decideStrategy(task *core.Task, intent core.Intent, confidence float64, candidates []core.DepartmentHandler) Decision {
	decision := Decision{
		Intent:     intent,
		Confidence: confidence,
		Complexity: complexityScore(task),
	}
	for _, h := range candidates {
		decision.Handlers = append(decision.Handlers, h.Name())
	}

	switch {
	case decision.Complexity >= scatterComplexityThreshold && len(d.scatterSet(intent)) >= 2:
		decision.Strategy = StrategyScatterGather
		decision.Reasoning = fmt.Sprintf("complexity %d/10 warrants consulting complementary departments", decision.Complexity)
	case confidence < d.config.RoutingThreshold && len(candidates) >= 2:
		decision.Strategy = StrategyParallelAgents
		decision.Reasoning = fmt.Sprintf("confidence %.2f below threshold %.2f, racing %d handlers",
			confidence, d.config.RoutingThreshold, min(len(candidates), d.maxParallel()))
	case len(candidates) >= 2:
		decision.Strategy = StrategyLoadBalanced
		decision.Reasoning = fmt.Sprintf("%d handlers available, picking least loaded", len(candidates))
	default:
		decision.Strategy = StrategySingleAgent
		decision.Reasoning = "single handler route"
	}
	return decision
}

// scatterSet returns the primary plus complementary handlers available for
// a scatter-gather of intent.
func (d *Director) scatterSet(intent core.Intent) []core.DepartmentHandler {
	intents := append([]core.Intent{intent}, complementaryIntents[intent]...)
	var out []core.DepartmentHandler
	for _, in := range intents {
		out = append(out, d.availableHandlers(in)...)
	}
	return out
}

func (d *Director) maxParallel() int {
	if d.config.MaxParallelAgents > 0 {
		return d.config.MaxParallelAgents
	}
	return 2
}

// leastLoaded picks the handler with the fewest active tasks.
func leastLoaded(handlers []core.DepartmentHandler) core.DepartmentHandler {
	best := handlers[0]
	bestLoad := best.PerformanceMetrics().ActiveTasks
	for _, h := range handlers[1:] {
		if load := h.PerformanceMetrics().ActiveTasks; load < bestLoad {
			best, bestLoad = h, load
		}
	}
	return best
}
