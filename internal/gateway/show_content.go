package gateway

import (
	"fmt"

	"github.com/relaymesh/plansolve/pkg/models"
)

// deriveShowContent computes the short, server-rendered label for events
// whose content isn't already prose a client would display as-is (C1 §4.1).
// Unknown events and events where content is already human-readable prose
// are left with an absent show_content.
func deriveShowContent(event models.EventName, content any) string {
	switch event {
	case models.EventPlanStart:
		return "Planning…"
	case models.EventPlanCompleted:
		if n, ok := taskCount(content); ok {
			return fmt.Sprintf("Plan ready (%d tasks)", n)
		}
		return "Plan ready"
	case models.EventPlanCancelled:
		return "Plan cancelled"
	case models.EventSolverStart:
		return "Solving…"
	case models.EventSolverCompleted:
		return "Task completed"
	case models.EventSolverStepFailed:
		return "Task failed"
	case models.EventSolverCancelled:
		return "Task cancelled"
	case models.EventSolverRestarted:
		return "Task restarted"
	case models.EventAggregateStart:
		return "Aggregating results…"
	case models.EventAggregateCompleted:
		return "Answer ready"
	case models.EventPipelineCompleted:
		return "Pipeline finished"
	default:
		return ""
	}
}

// taskCount reads len(content.tasks) for a {"tasks": [...]} shaped content.
func taskCount(content any) (int, bool) {
	m, ok := content.(map[string]any)
	if !ok {
		return 0, false
	}
	tasks, ok := m["tasks"].([]any)
	if !ok {
		return 0, false
	}
	return len(tasks), true
}
