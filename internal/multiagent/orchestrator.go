package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relaymesh/plansolve/internal/agent"
	"github.com/relaymesh/plansolve/internal/backoff"
	"github.com/relaymesh/plansolve/internal/config"
	"github.com/relaymesh/plansolve/internal/observability"
	"github.com/relaymesh/plansolve/internal/sessions"
	"github.com/relaymesh/plansolve/pkg/models"
)

// Emit sends a single outbound envelope (event, content, metadata) for the
// session currently being handled. It is supplied by the gateway and must
// be safe to call from any goroutine without blocking on network I/O.
type Emit func(event models.EventName, content any, metadata map[string]any)

// Orchestrator drives the Plan-Solve pipeline (C6) for every session,
// translating inbound control envelopes into pipeline transitions and
// outbound agent/plan/solver/aggregate events.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	retryCfg backoff.RetryConfig
	deps     Deps
	executor *agent.Executor

	runsMu sync.Mutex
	runs   map[string]*run
}

// New builds an Orchestrator. retryCfg is the wire-level C4 profile applied
// to every Solver task attempt; zero-value Roles falls back to
// DefaultRoles().
func New(cfg config.OrchestratorConfig, retryCfg config.RetryConfig, deps Deps) *Orchestrator {
	if deps.Roles == (Roles{}) {
		deps.Roles = DefaultRoles()
	}
	return &Orchestrator{
		cfg:      cfg,
		retryCfg: toBackoffRetryConfig(retryCfg),
		deps:     deps,
		executor: agent.NewExecutor(deps.Tools, nil),
		runs:     make(map[string]*run),
	}
}

func toBackoffRetryConfig(c config.RetryConfig) backoff.RetryConfig {
	cfg := backoff.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		cfg.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelayMs > 0 {
		cfg.InitialDelayMs = float64(c.InitialDelayMs)
	}
	if c.MaxDelayMs > 0 {
		cfg.MaxDelayMs = float64(c.MaxDelayMs)
	}
	if c.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.JitterFactor > 0 {
		cfg.JitterFactor = c.JitterFactor
	}
	if len(c.RetryOn) > 0 {
		cfg.RetryOn = c.RetryOn
	}
	if len(c.SkipOn) > 0 {
		cfg.SkipOn = c.SkipOn
	}
	return cfg
}

// Handle dispatches a single inbound envelope already bound to sess. It
// never blocks on pipeline execution itself: user.message/user.solve_tasks
// spawn the pipeline in a background goroutine, and every other event here
// is a control signal handled synchronously against the active run's state,
// so a slow Solver never delays a cancel from reaching this method.
func (o *Orchestrator) Handle(ctx context.Context, sess *sessions.Session, env models.Envelope, emit Emit) {
	switch env.Event {
	case models.EventUserMessage:
		o.start(sess, questionFrom(env.Content), nil, false, emit)
	case models.EventUserSolveTasks:
		tasks, _ := tasksFrom(env.Content)
		o.start(sess, questionFrom(env.Content), tasks, true, emit)
	case models.EventUserCancel:
		o.withControlLock(ctx, sess, emit, func() { o.cancelPipeline(sess, emit) })
	case models.EventUserCancelPlan:
		o.withControlLock(ctx, sess, emit, func() { o.cancelPlan(sess, emit) })
	case models.EventUserReplan:
		o.withControlLock(ctx, sess, emit, func() { o.replan(sess, questionFrom(env.Content), emit) })
	case models.EventUserCancelTask:
		o.withControlLock(ctx, sess, emit, func() { o.cancelTask(sess, stringField(env.Content, "task_id"), emit) })
	case models.EventUserRestartTask:
		o.withControlLock(ctx, sess, emit, func() { o.restartTask(sess, stringField(env.Content, "task_id"), emit) })
	default:
		emit(models.EventSystemNotice, map[string]any{"message": fmt.Sprintf("unhandled event %s", env.Event)}, nil)
	}
}

// withControlLock serializes a control signal against the session's
// single-writer invariant (C7) by holding its write lock for fn's duration.
// A nil Deps.Locks (e.g. in tests that construct Deps{} directly) runs fn
// unserialized. A failure to acquire the lock (held past DefaultLockTimeout,
// or the connection's context ending mid-wait) reports error.execution
// instead of running the control signal unserialized.
func (o *Orchestrator) withControlLock(ctx context.Context, sess *sessions.Session, emit Emit, fn func()) {
	if o.deps.Locks == nil {
		fn()
		return
	}
	release, err := o.deps.Locks.Acquire(ctx, sess.ID, "orchestrator.control", 0)
	if err != nil {
		emit(models.EventErrorExecution, map[string]any{"message": "could not acquire session lock: " + err.Error()}, map[string]any{"error_code": models.ErrCodeExecution600})
		return
	}
	defer release()
	fn()
}

// getRun returns the active run for sessionID, if any.
func (o *Orchestrator) getRun(sessionID string) *run {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	return o.runs[sessionID]
}

func (o *Orchestrator) setRun(sessionID string, r *run) {
	o.runsMu.Lock()
	o.runs[sessionID] = r
	o.runsMu.Unlock()
}

func (o *Orchestrator) clearRun(sessionID string, r *run) {
	o.runsMu.Lock()
	if o.runs[sessionID] == r {
		delete(o.runs, sessionID)
	}
	o.runsMu.Unlock()
}

// ActiveRuns reports the number of sessions with an in-flight pipeline run.
func (o *Orchestrator) ActiveRuns() int {
	o.runsMu.Lock()
	defer o.runsMu.Unlock()
	return len(o.runs)
}

// start launches the pipeline in the background. direct bypasses Plan and
// Plan-confirm entirely (user.solve_tasks), jumping straight to Solve.
func (o *Orchestrator) start(sess *sessions.Session, question string, directTasks []*models.Task, direct bool, emit Emit) {
	if o.getRun(sess.ID) != nil {
		emit(models.EventSystemNotice, map[string]any{"message": "a pipeline is already running for this session"}, nil)
		return
	}

	pipelineCtx, cancel := context.WithCancel(context.Background())
	r := newRun(question, directTasks, cancel)
	o.setRun(sess.ID, r)

	runCtx := observability.AddSessionID(observability.AddRunID(pipelineCtx, r.id), sess.ID)

	go func() {
		defer o.clearRun(sess.ID, r)
		defer cancel()
		runStart := time.Now()
		o.recordRunStart(runCtx, question)
		o.runPipeline(runCtx, sess, r, question, direct, emit)
		o.recordRunEnd(runCtx, time.Since(runStart))
	}()
}

// recordRunStart and recordRunEnd bracket one pipeline run in the event
// timeline if Deps.Events is configured; a nil recorder disables them.
func (o *Orchestrator) recordRunStart(ctx context.Context, question string) {
	if o.deps.Events == nil {
		return
	}
	_ = o.deps.Events.RecordRunStart(ctx, observability.GetRunID(ctx), map[string]interface{}{"question": question})
}

func (o *Orchestrator) recordRunEnd(ctx context.Context, duration time.Duration) {
	if o.deps.Events == nil {
		return
	}
	_ = o.deps.Events.RecordRunEnd(ctx, duration, nil)
}

// SessionTimeline reconstructs the event timeline for a session's most
// recent run from Deps.EventStore. Returns an error if no event store is
// configured, not if the session simply has no recorded events.
func (o *Orchestrator) SessionTimeline(sessionID string) (*observability.Timeline, error) {
	if o.deps.EventStore == nil {
		return nil, fmt.Errorf("event store not configured")
	}
	events, err := o.deps.EventStore.GetBySessionID(sessionID)
	if err != nil {
		return nil, err
	}
	return observability.BuildTimeline(events), nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, sess *sessions.Session, r *run, question string, direct bool, emit Emit) {
	start := time.Now()
	var planStats, solveStats []agent.Accounting
	var aggregateStats []agent.Accounting
	var planMs, solveMs, aggregateMs int64

	if !direct {
		sess.SetPipelineState(models.PipelinePlanning)
		planStart := time.Now()
		var pr planResult
		o.withSpan(ctx, "plansolve.plan", func(spanCtx context.Context) {
			pr = o.plan(spanCtx, question, emit)
		})
		planMs = time.Since(planStart).Milliseconds()
		planStats = pr.statistics
		if pr.failed {
			sess.SetPipelineState(models.PipelineError)
			o.recordStage("plan", "failed", planMs)
			return
		}
		o.recordStage("plan", "completed", planMs)
		sess.SetTasks(pr.tasks)
		r.mu.Lock()
		r.tasks = make(map[string]*models.Task, len(pr.tasks))
		for _, t := range pr.tasks {
			r.tasks[t.ID] = t
		}
		r.mu.Unlock()

		if o.cfg.RequirePlanConfirm {
			outcome, replaced := o.confirmPlan(ctx, sess, pr.tasks, emit)
			switch outcome {
			case confirmDenied:
				sess.SetPipelineState(models.PipelineCancelled)
				emit(models.EventPlanCancelled, nil, nil)
				emit(models.EventPipelineCompleted, nil, map[string]any{"status": "cancelled"})
				emit(models.EventAgentFinalAnswer, map[string]any{"text": "Plan rejected"}, nil)
				return
			case confirmReplaced:
				r.mu.Lock()
				r.tasks = make(map[string]*models.Task, len(replaced))
				for _, t := range replaced {
					r.tasks[t.ID] = t
				}
				r.mu.Unlock()
				sess.SetTasks(replaced)
			}
		}
	} else {
		sess.SetTasks(directTasksOrEmpty(r))
	}

	solveStart := time.Now()
	o.withSpan(ctx, "plansolve.solve", func(spanCtx context.Context) {
		o.solve(spanCtx, sess, r, emit)
	})
	solveMs = time.Since(solveStart).Milliseconds()
	o.recordStage("solve", "completed", solveMs)

	finalTasks := r.orderedTasks()
	sess.SetTasks(finalTasks)

	if direct {
		return
	}

	if ctx.Err() != nil {
		return
	}

	sess.SetPipelineState(models.PipelineAggregating)
	aggregateStart := time.Now()
	var finalAnswer string
	var aggStats []agent.Accounting
	o.withSpan(ctx, "plansolve.aggregate", func(spanCtx context.Context) {
		finalAnswer, aggStats = o.aggregate(spanCtx, question, finalTasks, emit)
	})
	aggregateMs = time.Since(aggregateStart).Milliseconds()
	aggregateStats = aggStats
	o.recordStage("aggregate", "completed", aggregateMs)

	sess.SetPipelineState(models.PipelineCompleted)
	status := "success"
	for _, t := range finalTasks {
		if t.Status == models.TaskFailed {
			status = "partial"
			break
		}
	}
	allStats := append(append(append([]agent.Accounting{}, planStats...), solveStats...), aggregateStats...)
	emit(models.EventPipelineCompleted, nil, map[string]any{
		"total_time_ms":     time.Since(start).Milliseconds(),
		"plan_time_ms":      planMs,
		"solve_time_ms":     solveMs,
		"aggregate_time_ms": aggregateMs,
		"status":            status,
		"statistics":        allStats,
	})
	emit(models.EventAgentFinalAnswer, map[string]any{"text": finalAnswer}, nil)
}

func directTasksOrEmpty(r *run) []*models.Task {
	return r.orderedTasks()
}

// recordStage reports a plan/solve/aggregate stage outcome if metrics are
// configured; a nil Metrics disables instrumentation.
func (o *Orchestrator) recordStage(stage, status string, durationMs int64) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.RecordStage(stage, status, float64(durationMs)/1000.0)
}

// withSpan runs fn under a span named name if Deps.Tracer is configured,
// otherwise it runs fn against ctx unchanged.
func (o *Orchestrator) withSpan(ctx context.Context, name string, fn func(context.Context)) {
	if o.deps.Tracer == nil {
		fn(ctx)
		return
	}
	spanCtx, span := o.deps.Tracer.Start(ctx, name)
	defer span.End()
	fn(spanCtx)
}

type confirmOutcome int

const (
	confirmApproved confirmOutcome = iota
	confirmDenied
	confirmReplaced
)

// confirmPlan emits agent.user_confirm with scope=plan and blocks for the
// matching user.response (or reaper timeout), applying the
// confirm/replace-tasks/deny rule from the spec.
func (o *Orchestrator) confirmPlan(ctx context.Context, sess *sessions.Session, tasks []*models.Task, emit Emit) (confirmOutcome, []*models.Task) {
	sess.SetPipelineState(models.PipelineAwaitingPlanConfirm)
	stepID, resultCh := sess.AwaitConfirmation(o.cfg.PlanConfirmTimeout())
	emit(models.EventAgentUserConfirm, map[string]any{"tasks": tasks}, map[string]any{"scope": "plan", "step_id": stepID})

	select {
	case res := <-resultCh:
		if res.TimedOut {
			emit(models.EventErrorTimeout, nil, map[string]any{"scope": "plan", "step_id": stepID})
			o.recordConfirmation("timeout")
			return confirmDenied, nil
		}
		var resp struct {
			Confirmed bool              `json:"confirmed"`
			Tasks     []*models.Task    `json:"tasks,omitempty"`
		}
		if err := json.Unmarshal(res.Content, &resp); err != nil || !resp.Confirmed {
			o.recordConfirmation("rejected")
			return confirmDenied, nil
		}
		if len(resp.Tasks) > 0 {
			if verr := validateTasks(resp.Tasks); verr != nil {
				emit(models.EventPlanValidationError, map[string]any{"error": verr.Error()}, nil)
				o.recordConfirmation("rejected")
				return confirmDenied, nil
			}
			o.recordConfirmation("approved")
			return confirmReplaced, resp.Tasks
		}
		o.recordConfirmation("approved")
		return confirmApproved, nil
	case <-ctx.Done():
		o.recordConfirmation("timeout")
		return confirmDenied, nil
	}
}

func (o *Orchestrator) recordConfirmation(outcome string) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.RecordPlanConfirmation(outcome)
}

// cancelPipeline implements the global user.cancel control: it cancels
// every in-flight task and the pipeline context, and drains any pending
// confirmation with a denial so the run goroutine unblocks promptly.
func (o *Orchestrator) cancelPipeline(sess *sessions.Session, emit Emit) {
	r := o.getRun(sess.ID)
	if r == nil {
		emit(models.EventSystemNotice, map[string]any{"message": "no active pipeline to cancel"}, nil)
		return
	}
	r.pipelineCancel()
	sess.SetPipelineState(models.PipelineCancelled)
	emit(models.EventAgentInterrupted, nil, nil)
	emit(models.EventPipelineCompleted, nil, map[string]any{"status": "cancelled"})
}

// cancelPlan implements user.cancel_plan: valid only while the pipeline
// hasn't left the planning stages.
func (o *Orchestrator) cancelPlan(sess *sessions.Session, emit Emit) {
	state := sess.State()
	if state != models.PipelinePlanning && state != models.PipelineAwaitingPlanConfirm {
		emit(models.EventErrorValidation, map[string]any{"message": "cancel_plan is only valid while planning"}, map[string]any{"error_code": models.ErrCodeValidation400})
		return
	}
	r := o.getRun(sess.ID)
	if r != nil {
		r.pipelineCancel()
	}
	sess.SetPipelineState(models.PipelineCancelled)
	emit(models.EventPlanCancelled, nil, nil)
}

// replan implements user.replan: valid only before any Solver has started;
// once solving has begun the request is rejected with ERR_REPLAN_AFTER_SOLVE.
// An absent question reuses the question of the run being replaced.
func (o *Orchestrator) replan(sess *sessions.Session, question string, emit Emit) {
	r := o.getRun(sess.ID)
	if r != nil && r.hasSolveStarted() {
		emit(models.EventErrorValidation, map[string]any{"message": "cannot replan after solving has started"}, map[string]any{"error_code": models.ErrCodeReplanAfterSolve})
		return
	}
	if question == "" && r != nil {
		question = r.originalQuestion()
	}
	if r != nil {
		r.pipelineCancel()
	}
	o.clearRun(sess.ID, r)
	sess.SetTasks(nil)
	o.start(sess, question, nil, false, emit)
}

// runSolverAgent runs the Solver stage's ReAct loop for a single task,
// wiring tool confirmation back through the session's confirmation table.
func (o *Orchestrator) runSolverAgent(ctx context.Context, sess *sessions.Session, t *models.Task, emit Emit) (*agent.RunOutput, error) {
	runner := agent.NewRunner(o.deps.Provider, agent.StepBudget{
		MaxSteps:        o.cfg.MaxStepsOrDefault(),
		MaxObserveChars: o.cfg.MaxObserveCharsOrDefault(),
	})

	userMessage := fmt.Sprintf("Task: %s\nObjective: %s", t.Title, t.Objective)
	if t.Notes != "" {
		userMessage += "\nNotes: " + t.Notes
	}
	if len(t.Insights) > 0 {
		userMessage += "\nInsights:\n- " + strings.Join(t.Insights, "\n- ")
	}
	if t.DomainHint != "" {
		userMessage += "\nDomain hint: " + t.DomainHint
	}

	confirm := func(ctx context.Context, toolName, toolDesc string, args json.RawMessage) (bool, error) {
		stepID, resultCh := sess.AwaitConfirmation(o.cfg.ToolConfirmTimeout())
		emit(models.EventAgentUserConfirm, map[string]any{"tool": toolName, "description": toolDesc, "arguments": args}, map[string]any{"scope": "tool", "step_id": stepID, "task_id": t.ID})
		select {
		case res := <-resultCh:
			if res.TimedOut {
				emit(models.EventErrorTimeout, nil, map[string]any{"scope": "tool", "step_id": stepID, "task_id": t.ID})
				return false, nil
			}
			var resp struct {
				Confirmed bool `json:"confirmed"`
			}
			_ = json.Unmarshal(res.Content, &resp)
			return resp.Confirmed, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	if o.deps.Tracer != nil {
		var span trace.Span
		ctx, span = o.deps.Tracer.TraceLLMRequest(ctx, providerName(o.deps.Provider), o.deps.Model)
		defer span.End()
	}

	return runner.Run(ctx, agent.RunInput{
		Model:       o.deps.Model,
		System:      o.deps.Roles.Solver,
		UserMessage: userMessage,
		Tools:       o.deps.Tools.List(),
	}, o.executor, confirm, func(event models.EventName, content any, metadata map[string]any) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["task_id"] = t.ID
		emit(event, content, metadata)
	})
}

func providerName(p agent.LLMProvider) string {
	if p == nil {
		return ""
	}
	return p.Name()
}
