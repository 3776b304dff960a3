package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaymesh/plansolve/internal/agent"
	"github.com/relaymesh/plansolve/pkg/models"
)

// maxCoercionRetries is K from the spec's plan coercion rule: at most one
// corrective re-prompt before the pipeline gives up and emits
// plan.coercion_error.
const maxCoercionRetries = 1

// planResult is the outcome of a single plan() call: either a validated
// task list, or a terminal failure already reported via emit.
type planResult struct {
	tasks      []*models.Task
	statistics []agent.Accounting
	failed     bool
}

// plan runs the Planner stage: constrained JSON task-list generation with
// up to maxCoercionRetries corrective re-prompts, then structural
// validation. It emits plan.start, plan.completed, plan.coercion_error, or
// plan.validation_error but never plan confirmation or solve events.
func (o *Orchestrator) plan(ctx context.Context, question string, emit Emit) planResult {
	start := time.Now()
	emit(models.EventPlanStart, map[string]any{"question": question}, nil)

	var stats []agent.Accounting
	var tasks []*models.Task
	var lastErr error

	for attempt := 0; attempt <= maxCoercionRetries; attempt++ {
		prompt := question
		if attempt > 0 {
			prompt = fmt.Sprintf("%s\n\nYour previous response did not parse as a JSON array of tasks (%s). Respond with ONLY a valid JSON array.", question, lastErr)
		}

		req := &agent.CompletionRequest{Model: o.deps.Model, System: o.deps.Roles.Planner, Messages: []agent.CompletionMessage{{Role: "user", Content: prompt}}}
		text, _, _, acct, err := agent.CompleteOnce(ctx, o.deps.Provider, req)
		stats = append(stats, acct)
		if err != nil {
			lastErr = err
			continue
		}

		parsed, perr := parseTasks(text)
		if perr != nil {
			lastErr = perr
			continue
		}
		tasks = parsed
		lastErr = nil
		break
	}

	if lastErr != nil || tasks == nil {
		emit(models.EventPlanCoercionError, map[string]any{"error": errString(lastErr)}, map[string]any{"attempts": maxCoercionRetries + 1})
		return planResult{failed: true, statistics: stats}
	}

	if verr := validateTasks(tasks); verr != nil {
		emit(models.EventPlanValidationError, map[string]any{"error": verr.Error()}, nil)
		return planResult{failed: true, statistics: stats}
	}

	emit(models.EventPlanCompleted, map[string]any{"tasks": tasks}, map[string]any{
		"task_count":       len(tasks),
		"plan_summary":     summarizeTasks(tasks),
		"planning_time_ms": time.Since(start).Milliseconds(),
		"statistics":       stats,
	})

	return planResult{tasks: tasks, statistics: stats}
}

// parseTasks strictly decodes a JSON task array, defaulting Status/Attempt
// on every entry so downstream scheduling code has a consistent starting
// point regardless of what the model included.
func parseTasks(text string) ([]*models.Task, error) {
	var tasks []*models.Task
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &tasks); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == "" {
			t.Status = models.TaskPending
		}
	}
	return tasks, nil
}

// extractJSONArray trims prose a model may have wrapped the array in
// despite instructions, taking the outermost [...] span.
func extractJSONArray(text string) string {
	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			depth--
			if depth == 0 && start >= 0 {
				return text[start : i+1]
			}
		}
	}
	return text
}

func validateTasks(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("plan must contain at least one task")
	}
	seen := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task missing id")
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.Title == "" {
			return fmt.Errorf("task %q missing title", t.ID)
		}
		if t.Objective == "" {
			return fmt.Errorf("task %q missing objective", t.ID)
		}
	}
	return nil
}

func summarizeTasks(tasks []*models.Task) string {
	summary := fmt.Sprintf("%d task(s): ", len(tasks))
	for i, t := range tasks {
		if i > 0 {
			summary += "; "
		}
		summary += t.Title
	}
	return summary
}
