package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaymesh/plansolve/pkg/models"
)

// ConfirmableTool is implemented by tools that must pause for a user
// decision before they execute (the user_confirm flag from the tool
// catalog). Tools that don't implement this are always auto-approved.
type ConfirmableTool interface {
	Tool
	RequiresConfirmation() bool
}

// StepBudget bounds a single ReAct run: how many think/act/observe cycles
// it may take and how much observation text it may accumulate before
// truncation.
type StepBudget struct {
	MaxSteps        int
	MaxObserveChars int
	ToolChoice      string // "auto", "none", "required"
}

// ConfirmFunc pauses the run to ask a human whether a confirmable tool call
// may proceed. Implementations own step_id generation and timeout handling;
// the loop only needs the approve/deny answer.
type ConfirmFunc func(ctx context.Context, toolName, toolDescription string, args json.RawMessage) (approved bool, err error)

// StepEmitter receives the per-step events a ReAct run produces. event is one
// of the agent.* event names; content/metadata mirror the envelope shape so
// callers can forward them directly onto a session's emit closure.
type StepEmitter func(event models.EventName, content any, metadata map[string]any)

// Accounting is one LLM call's token usage, appended to RunOutput.Statistics
// in the order calls complete.
type Accounting struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// RunInput configures a single ReAct run. System and UserMessage seed the
// conversation; Tools is the catalog available for this run only (the
// terminate tool is injected automatically).
type RunInput struct {
	Model       string
	System      string
	UserMessage string
	Tools       []Tool
}

// RunOutput is the terminal result of a ReAct run: either FinalAnswer was
// reached via the terminate tool, or the run exhausted its step budget and
// FinalAnswer falls back to the last assistant text produced.
type RunOutput struct {
	FinalAnswer string
	Statistics  []Accounting
	StepsUsed   int
}

const terminateToolName = "terminate"

type terminateTool struct{}

func (terminateTool) Name() string        { return terminateToolName }
func (terminateTool) Description() string { return "Ends the run and returns the final answer." }
func (terminateTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"answer":{"type":"string"}},"required":["answer"]}`)
}
func (terminateTool) Execute(context.Context, json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "terminated"}, nil
}

// Runner executes the Agent Core's ReAct loop (C5) for a single task: one
// system prompt, one user message, a bounded number of think/act/observe
// cycles. Planner, Solver, and Aggregator all run through the same Runner
// with different prompts and tool catalogs.
type Runner struct {
	provider LLMProvider
	budget   StepBudget
}

// NewRunner builds a Runner bound to provider with the given step budget.
func NewRunner(provider LLMProvider, budget StepBudget) *Runner {
	if budget.MaxSteps <= 0 {
		budget.MaxSteps = 10
	}
	if budget.MaxObserveChars <= 0 {
		budget.MaxObserveChars = 2000
	}
	if budget.ToolChoice == "" {
		budget.ToolChoice = "auto"
	}
	return &Runner{provider: provider, budget: budget}
}

// Run drives the loop to completion, cancellation, or step exhaustion.
// confirm may be nil, in which case confirmable tools are denied outright
// (a caller that never expects confirmable tools can simply omit it).
func (r *Runner) Run(ctx context.Context, in RunInput, executor *Executor, confirm ConfirmFunc, emit StepEmitter) (*RunOutput, error) {
	tools := append(append([]Tool{}, in.Tools...), terminateTool{})

	messages := []CompletionMessage{{Role: "user", Content: in.UserMessage}}
	out := &RunOutput{}

	for step := 0; step < r.budget.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return out, &LoopError{Phase: PhaseStream, Iteration: step, Cause: err}
		}

		req := &CompletionRequest{
			Model:    in.Model,
			System:   in.System,
			Messages: messages,
			Tools:    tools,
		}

		assistantText, thinking, toolCalls, acct, err := r.complete(ctx, req)
		if err != nil {
			return out, &LoopError{Phase: PhaseStream, Iteration: step, Cause: err}
		}
		out.Statistics = append(out.Statistics, acct)
		out.StepsUsed = step + 1

		if emit != nil {
			if thinking != "" {
				emit(models.EventAgentThinking, map[string]any{"text": thinking}, map[string]any{"step": step})
			}
			emit(models.EventAgentLLMMessage, map[string]any{"role": "assistant", "content": assistantText, "tool_calls": toolCalls}, map[string]any{"step": step})
		}

		assistantMsg := CompletionMessage{Role: "assistant", Content: assistantText, ToolCalls: toolCalls}
		messages = append(messages, assistantMsg)

		if len(toolCalls) == 0 {
			if assistantText != "" && emit != nil {
				emit(models.EventAgentPartialAnswer, map[string]any{"text": assistantText}, map[string]any{"step": step})
			}
			out.FinalAnswer = assistantText
			continue
		}

		terminated, finalAnswer, results, err := r.act(ctx, executor, tools, toolCalls, confirm, emit, step)
		if err != nil {
			return out, &LoopError{Phase: PhaseExecuteTools, Iteration: step, Cause: err}
		}
		messages = append(messages, CompletionMessage{Role: "tool", ToolResults: results})

		if terminated {
			out.FinalAnswer = finalAnswer
			if emit != nil {
				emit(models.EventAgentFinalAnswer, map[string]any{"text": finalAnswer}, map[string]any{"step": step, "statistics": out.Statistics})
			}
			return out, nil
		}
	}

	if emit != nil {
		emit(models.EventAgentFinalAnswer, map[string]any{"text": out.FinalAnswer}, map[string]any{"statistics": out.Statistics, "truncated": true})
	}
	return out, nil
}

// complete drains a single streaming completion into its accumulated parts.
func (r *Runner) complete(ctx context.Context, req *CompletionRequest) (text, thinking string, calls []models.ToolCall, acct Accounting, err error) {
	return CompleteOnce(ctx, r.provider, req)
}

// CompleteOnce drains a single streaming completion from provider into its
// accumulated text, thinking, tool calls, and token accounting. It is the
// building block both the ReAct Runner and one-shot, non-tool-looping
// callers (the Planner and Aggregator stages) use to talk to an LLMProvider.
func CompleteOnce(ctx context.Context, provider LLMProvider, req *CompletionRequest) (text, thinking string, calls []models.ToolCall, acct Accounting, err error) {
	chunks, cerr := provider.Complete(ctx, req)
	if cerr != nil {
		return "", "", nil, Accounting{}, cerr
	}

	var textBuilder, thinkBuilder strings.Builder
	acct.Model = req.Model

	for chunk := range chunks {
		if chunk.Error != nil {
			return "", "", nil, acct, chunk.Error
		}
		if chunk.Text != "" {
			textBuilder.WriteString(chunk.Text)
		}
		if chunk.Thinking != "" {
			thinkBuilder.WriteString(chunk.Thinking)
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Done {
			acct.InputTokens = chunk.InputTokens
			acct.OutputTokens = chunk.OutputTokens
		}
	}

	return textBuilder.String(), thinkBuilder.String(), calls, acct, nil
}

// act executes every requested tool call, pausing for confirmation where a
// ConfirmableTool demands it. It reports whether the terminate tool fired.
func (r *Runner) act(ctx context.Context, executor *Executor, catalog []Tool, calls []models.ToolCall, confirm ConfirmFunc, emit StepEmitter, step int) (terminated bool, finalAnswer string, results []models.ToolResult, err error) {
	byName := make(map[string]Tool, len(catalog))
	for _, t := range catalog {
		byName[t.Name()] = t
	}

	var toRun []models.ToolCall
	for _, call := range calls {
		if call.Name == terminateToolName {
			var args struct {
				Answer string `json:"answer"`
			}
			_ = json.Unmarshal(call.Input, &args)
			finalAnswer = args.Answer
			terminated = true
			results = append(results, models.ToolResult{ToolCallID: call.ID, Content: "terminated"})
			continue
		}

		if emit != nil {
			emit(models.EventAgentToolCall, map[string]any{"tool": call.Name, "args": call.Input}, map[string]any{"step": step, "tool_call_id": call.ID})
		}

		tool := byName[call.Name]
		if ct, ok := tool.(ConfirmableTool); ok && ct.RequiresConfirmation() {
			approved := false
			if confirm != nil {
				approved, err = confirm(ctx, call.Name, tool.Description(), call.Input)
				if err != nil {
					return false, "", nil, err
				}
			}
			if !approved {
				results = append(results, models.ToolResult{ToolCallID: call.ID, Content: "Tool execution cancelled by user", IsError: true})
				if emit != nil {
					emit(models.EventAgentToolResult, map[string]any{"tool": call.Name, "content": "Tool execution cancelled by user", "is_error": true}, map[string]any{"step": step, "tool_call_id": call.ID})
				}
				continue
			}
		}
		toRun = append(toRun, call)
	}

	if len(toRun) > 0 && executor != nil {
		execResults := executor.ExecuteAll(ctx, toRun)
		for _, er := range execResults {
			tr := toExecutedResult(er, r.budget.MaxObserveChars)
			results = append(results, tr)
			if emit != nil {
				emit(models.EventAgentToolResult, map[string]any{"tool": er.ToolName, "content": tr.Content, "is_error": tr.IsError}, map[string]any{"step": step, "tool_call_id": er.ToolCallID})
			}
		}
	}

	return terminated, finalAnswer, results, nil
}

func toExecutedResult(er *ExecutionResult, maxChars int) models.ToolResult {
	if er.Error != nil {
		return models.ToolResult{ToolCallID: er.ToolCallID, Content: truncate(er.Error.Error(), maxChars), IsError: true}
	}
	if er.Result == nil {
		return models.ToolResult{ToolCallID: er.ToolCallID, Content: "", IsError: false}
	}
	return models.ToolResult{ToolCallID: er.ToolCallID, Content: truncate(er.Result.Content, maxChars), IsError: er.Result.IsError}
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("... [truncated %d chars]", len(s)-max)
}
