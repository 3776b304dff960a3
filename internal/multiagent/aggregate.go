package multiagent

import (
	"context"
	"strings"

	"github.com/relaymesh/plansolve/internal/agent"
	"github.com/relaymesh/plansolve/pkg/models"
)

// aggregate runs the Aggregator stage over every successfully solved task's
// output and emits aggregate.start/aggregate.completed. Failed or cancelled
// tasks are omitted from the synthesis input but still counted by the
// caller for pipeline.completed's status.
func (o *Orchestrator) aggregate(ctx context.Context, question string, tasks []*models.Task, emit Emit) (string, []agent.Accounting) {
	emit(models.EventAggregateStart, nil, nil)

	var b strings.Builder
	if question != "" {
		b.WriteString("Original question: ")
		b.WriteString(question)
		b.WriteString("\n\n")
	}
	for _, t := range tasks {
		if t.Status != models.TaskSucceeded || t.Result == nil {
			continue
		}
		b.WriteString("Task: ")
		b.WriteString(t.Title)
		b.WriteString("\nResult: ")
		b.WriteString(t.Result.Output)
		b.WriteString("\n\n")
	}

	req := &agent.CompletionRequest{Model: o.deps.Model, System: o.deps.Roles.Aggregator, Messages: []agent.CompletionMessage{{Role: "user", Content: b.String()}}}
	text, _, _, acct, err := agent.CompleteOnce(ctx, o.deps.Provider, req)
	if err != nil {
		text = "aggregation failed: " + err.Error()
	}

	emit(models.EventAggregateCompleted, map[string]any{"final_result": text}, nil)
	return text, []agent.Accounting{acct}
}
