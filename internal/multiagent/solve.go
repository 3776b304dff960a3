package multiagent

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/relaymesh/plansolve/internal/agent"
	"github.com/relaymesh/plansolve/internal/backoff"
	"github.com/relaymesh/plansolve/internal/sessions"
	"github.com/relaymesh/plansolve/pkg/models"
)

// run tracks one session's in-flight pipeline: the tasks being solved, the
// cancellation handle for each running task, and the signal channel the
// scheduler blocks on between dispatch rounds. Exactly one run exists per
// session at a time; Orchestrator.runs maps session id to it.
type run struct {
	mu               sync.Mutex
	id               string
	question         string
	tasks            map[string]*models.Task
	cancels          map[string]context.CancelFunc
	restartRequested map[string]bool
	solveStarted     bool

	pipelineCancel context.CancelFunc
	wake           chan struct{}
}

func newRun(question string, tasks []*models.Task, pipelineCancel context.CancelFunc) *run {
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return &run{
		id:               uuid.NewString(),
		question:         question,
		tasks:            byID,
		cancels:          make(map[string]context.CancelFunc),
		restartRequested: make(map[string]bool),
		pipelineCancel:   pipelineCancel,
		wake:             make(chan struct{}, 1),
	}
}

func (r *run) originalQuestion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.question
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) orderedTasks() []*models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

func (r *run) hasSolveStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.solveStarted
}

// solve runs the parallel Solve stage: a concurrency-capped scheduler that
// dispatches every Pending task, waits for in-flight work to change state,
// and re-evaluates until every task reaches a terminal status. Restarts
// requeue a task to Pending from outside this loop (see restartTask) and
// wake it back up.
func (o *Orchestrator) solve(ctx context.Context, sess *sessions.Session, r *run, emit Emit) {
	sess.SetPipelineState(models.PipelineSolving)
	sem := make(chan struct{}, o.cfg.Concurrency())

	for {
		r.mu.Lock()
		allTerminal := true
		type launch struct {
			task *models.Task
			ctx  context.Context
		}
		var toLaunch []launch
		for _, t := range r.tasks {
			switch t.Status {
			case models.TaskPending:
				t.Status = models.TaskRunning
				t.Attempt++
				taskCtx, cancel := context.WithCancel(ctx)
				r.cancels[t.ID] = cancel
				toLaunch = append(toLaunch, launch{task: t, ctx: taskCtx})
				allTerminal = false
			case models.TaskRunning:
				allTerminal = false
			}
		}
		r.solveStarted = r.solveStarted || len(toLaunch) > 0
		r.mu.Unlock()

		if allTerminal {
			return
		}

		for _, l := range toLaunch {
			go o.runSolverTask(l.ctx, sess, r, l.task, sem, emit)
		}

		if len(toLaunch) == 0 {
			select {
			case <-r.wake:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (o *Orchestrator) runSolverTask(ctx context.Context, sess *sessions.Session, r *run, t *models.Task, sem chan struct{}, emit Emit) {
	defer func() {
		r.mu.Lock()
		delete(r.cancels, t.ID)
		r.mu.Unlock()
		r.signal()
	}()

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		o.finishCancelledOrRestarted(r, t, emit)
		return
	}

	stepID := uuid.NewString()
	emit(models.EventSolverStart, map[string]any{"task": t}, map[string]any{"step_id": stepID, "task_id": t.ID})

	var result *models.TaskResult
	err := backoff.DoClassified(ctx, o.retryCfg, classifySolverError, backoff.Hooks{
		OnRetry: func(ev backoff.AttemptEvent) {
			emit(models.EventErrorRetry, map[string]any{"task_id": t.ID}, map[string]any{
				"attempt": ev.Attempt, "max_attempts": ev.MaxAttempts, "delay_ms": ev.DelayMs, "original_error": errString(ev.Err),
			})
			o.recordRetry(ev, "retry")
		},
		OnSuccess: func(attempts int) {
			if attempts > 1 {
				emit(models.EventErrorRecoverySuccess, map[string]any{"task_id": t.ID}, nil)
			}
		},
		OnExhausted: func(ev backoff.AttemptEvent) {
			emit(models.EventErrorRecoveryFailed, map[string]any{"task_id": t.ID}, map[string]any{"original_error": errString(ev.Err)})
			o.recordRetry(ev, "exhausted")
		},
	}, func(ctx context.Context, attempt int) error {
		out, rerr := o.runSolverAgent(ctx, sess, t, emit)
		if rerr != nil {
			o.recordLLMUsage(nil, "error")
			return rerr
		}
		o.recordLLMUsage(out.Statistics, "success")
		result = &models.TaskResult{Output: out.FinalAnswer, AgentName: "solver", Statistics: statisticsToMap(out.Statistics)}
		return nil
	})

	r.mu.Lock()
	if r.restartRequested[t.ID] {
		delete(r.restartRequested, t.ID)
		t.Status = models.TaskPending
		r.mu.Unlock()
		return
	}
	if err != nil {
		t.Status = models.TaskFailed
		t.Result = &models.TaskResult{Error: err.Error()}
		r.mu.Unlock()
		o.recordTask("failed")
		emit(models.EventSolverStepFailed, map[string]any{"task_id": t.ID, "error": err.Error()}, map[string]any{"step_id": stepID})
		return
	}
	t.Status = models.TaskSucceeded
	t.Result = result
	r.mu.Unlock()
	o.recordTask("completed")
	emit(models.EventSolverCompleted, map[string]any{"task": t, "result": result}, map[string]any{"step_id": stepID, "task_id": t.ID})
}

// recordLLMUsage records per-model token accounting from a completed (or
// failed, stats nil) Solver run against the configured provider's name.
func (o *Orchestrator) recordLLMUsage(stats []agent.Accounting, status string) {
	if o.deps.Metrics == nil || o.deps.Provider == nil {
		return
	}
	provider := o.deps.Provider.Name()
	if len(stats) == 0 {
		o.deps.Metrics.RecordLLMRequest(provider, o.deps.Model, status, 0, 0, 0)
		return
	}
	for _, s := range stats {
		o.deps.Metrics.RecordLLMRequest(provider, s.Model, status, 0, s.InputTokens, s.OutputTokens)
	}
}

func (o *Orchestrator) recordRetry(ev backoff.AttemptEvent, status string) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.RecordRetry(string(classifySolverError(ev.Err)), status)
}

func (o *Orchestrator) recordTask(outcome string) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.RecordTask(outcome)
}

func (o *Orchestrator) finishCancelledOrRestarted(r *run, t *models.Task, emit Emit) {
	r.mu.Lock()
	if r.restartRequested[t.ID] {
		delete(r.restartRequested, t.ID)
		t.Status = models.TaskPending
		r.mu.Unlock()
		o.recordTask("restarted")
		return
	}
	t.Status = models.TaskCancelled
	r.mu.Unlock()
	o.recordTask("cancelled")
	emit(models.EventSolverCancelled, map[string]any{"task_id": t.ID}, nil)
}

// cancelTask cancels a single running task's context, leaving every other
// task's scheduling untouched.
func (o *Orchestrator) cancelTask(sess *sessions.Session, taskID string, emit Emit) {
	r := o.getRun(sess.ID)
	if r == nil {
		return
	}
	r.mu.Lock()
	cancel, ok := r.cancels[taskID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	emit(models.EventSystemNotice, map[string]any{"message": "cancel_task acknowledged", "task_id": taskID}, nil)
}

// restartTask cancels the task's current attempt (if running) and marks it
// for requeue; if the task isn't currently running it is requeued directly.
// Either way the scheduler picks it back up with an incremented Attempt.
func (o *Orchestrator) restartTask(sess *sessions.Session, taskID string, emit Emit) {
	r := o.getRun(sess.ID)
	if r == nil {
		return
	}
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if t.Status == models.TaskSucceeded {
		r.mu.Unlock()
		emit(models.EventErrorValidation, map[string]any{"message": "restart_task is not valid for a succeeded task", "task_id": taskID}, map[string]any{"error_code": models.ErrCodeValidation400})
		return
	}
	if cancel, running := r.cancels[taskID]; running {
		r.restartRequested[taskID] = true
		r.mu.Unlock()
		cancel()
	} else {
		t.Status = models.TaskPending
		r.mu.Unlock()
		r.signal()
	}
	emit(models.EventSolverRestarted, map[string]any{"task_id": taskID}, map[string]any{"attempt": t.Attempt + 1})
}

func classifySolverError(err error) backoff.ErrorKind {
	if err == nil {
		return backoff.ErrorExecution
	}
	cause := err
	var loopErr *agent.LoopError
	if errors.As(err, &loopErr) && loopErr.Cause != nil {
		cause = loopErr.Cause
	}
	if toolErr, ok := agent.GetToolError(cause); ok {
		switch toolErr.Type {
		case agent.ToolErrorTimeout:
			return backoff.ErrorTimeout
		case agent.ToolErrorRateLimit:
			return backoff.ErrorRateLimit
		case agent.ToolErrorInvalidInput, agent.ToolErrorNotFound:
			return backoff.ErrorValidation
		case agent.ToolErrorNetwork:
			return backoff.ErrorConnection
		default:
			return backoff.ErrorExecution
		}
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return backoff.ErrorTimeout
	}
	return backoff.ErrorExecution
}

func statisticsToMap(stats []agent.Accounting) map[string]any {
	out := make([]map[string]any, len(stats))
	for i, s := range stats {
		out[i] = map[string]any{"model": s.Model, "input_tokens": s.InputTokens, "output_tokens": s.OutputTokens}
	}
	return map[string]any{"llm_calls": out}
}
