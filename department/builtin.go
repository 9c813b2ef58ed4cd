package department

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
	"github.com/blopit/SwarmDirector-sub000/engine"
)

// SubtaskRunner is the slice of the async engine the departments use to
// fan work out into sub-tasks. *engine.AsyncTaskEngine satisfies it.
type SubtaskRunner interface {
	Submit(fn engine.TaskFunc, args map[string]interface{}, opts ...engine.SubmitOption) (string, error)
	Await(ctx context.Context, taskID string) (interface{}, error)
}

// All returns the four built-in departments. runner may be nil; automation
// then runs its steps inline.
func All(runner SubtaskRunner) []*BaseDepartment {
	return []*BaseDepartment{
		NewCommunications(),
		NewAnalysis(),
		NewAutomation(runner),
		NewCoordination(),
	}
}

// NewCommunications drafts outbound messages from the task payload.
func NewCommunications() *BaseDepartment {
	return NewBase("communications_dept", core.IntentCommunications,
		[]string{"email", "messaging", "notifications"},
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			recipients := stringSlice(task.InputData["recipients"])
			subject, _ := task.InputData["subject"].(string)
			if subject == "" {
				subject = task.Title
			}
			result := baseResult(task, "communications")
			result["subject"] = subject
			result["recipient_count"] = len(recipients)
			result["draft"] = fmt.Sprintf("Re: %s\n\n%s", subject, task.Description)
			return result, nil
		})
}

// NewAnalysis summarizes the task text and payload.
func NewAnalysis() *BaseDepartment {
	return NewBase("analysis_dept", core.IntentAnalysis,
		[]string{"reporting", "metrics", "evaluation"},
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			text := strings.TrimSpace(task.Title + " " + task.Description)
			words := strings.Fields(text)
			result := baseResult(task, "analysis")
			result["word_count"] = len(words)
			result["input_fields"] = len(task.InputData)
			result["summary"] = summarize(words)
			return result, nil
		})
}

// NewAutomation splits the task into its declared steps and runs them as
// engine sub-tasks, inline when no runner is wired.
func NewAutomation(runner SubtaskRunner) *BaseDepartment {
	return NewBase("automation_dept", core.IntentAutomation,
		[]string{"scheduling", "pipelines", "deployment"},
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			steps := stringSlice(task.InputData["steps"])
			if len(steps) == 0 {
				steps = []string{"execute"}
			}

			completed := make([]string, 0, len(steps))
			for _, step := range steps {
				if runner == nil {
					completed = append(completed, step)
					continue
				}
				id, err := runner.Submit(runStep, map[string]interface{}{
					"step":    step,
					"task_id": task.ID,
				}, engine.WithPriority(task.Priority.QueuePriority()))
				if err != nil {
					return nil, fmt.Errorf("submitting step %q: %w", step, err)
				}
				if _, err := runner.Await(ctx, id); err != nil {
					return nil, fmt.Errorf("step %q: %w", step, err)
				}
				completed = append(completed, step)
			}

			result := baseResult(task, "automation")
			result["steps_total"] = len(steps)
			result["steps_completed"] = completed
			return result, nil
		})
}

// runStep is the engine body for one automation step.
func runStep(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return map[string]interface{}{
		"step":        args["step"],
		"task_id":     args["task_id"],
		"finished_at": time.Now().Format(time.RFC3339),
	}, nil
}

// NewCoordination is the fallback department: it plans rather than
// executes, so it accepts anything.
func NewCoordination() *BaseDepartment {
	return NewBase("coordination_dept", core.IntentCoordination,
		[]string{"planning", "scheduling", "delegation"},
		func(ctx context.Context, task *core.Task) (map[string]interface{}, error) {
			result := baseResult(task, "coordination")
			result["plan"] = []string{"triage", "assign", "follow_up"}
			result["priority"] = string(task.Priority)
			return result, nil
		})
}

func summarize(words []string) string {
	const max = 12
	if len(words) <= max {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:max], " ") + "…"
}

func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
