package models

import "time"

// EventName is a namespaced `<category>.<name>` identifier drawn from the
// closed catalog below. Unlisted names are rejected by validation.
type EventName string

// Inbound events (client -> server).
const (
	EventUserCreateSession     EventName = "user.create_session"
	EventUserMessage           EventName = "user.message"
	EventUserSolveTasks        EventName = "user.solve_tasks"
	EventUserResponse          EventName = "user.response"
	EventUserAck               EventName = "user.ack"
	EventUserCancel            EventName = "user.cancel"
	EventUserCancelTask        EventName = "user.cancel_task"
	EventUserRestartTask       EventName = "user.restart_task"
	EventUserCancelPlan        EventName = "user.cancel_plan"
	EventUserReplan            EventName = "user.replan"
	EventUserReconnect         EventName = "user.reconnect"
	EventUserReconnectWithState EventName = "user.reconnect_with_state"
	EventUserRequestState      EventName = "user.request_state"
)

// Outbound events (server -> client).
const (
	EventSystemConnected EventName = "system.connected"
	EventSystemHeartbeat EventName = "system.heartbeat"
	EventSystemNotice    EventName = "system.notice"
	EventSystemError     EventName = "system.error"

	EventAgentSessionCreated EventName = "agent.session_created"
	EventAgentSessionEnd     EventName = "agent.session_end"
	EventAgentThinking       EventName = "agent.thinking"
	EventAgentToolCall       EventName = "agent.tool_call"
	EventAgentToolResult     EventName = "agent.tool_result"
	EventAgentPartialAnswer  EventName = "agent.partial_answer"
	EventAgentFinalAnswer    EventName = "agent.final_answer"
	EventAgentUserConfirm    EventName = "agent.user_confirm"
	EventAgentLLMMessage     EventName = "agent.llm_message"
	EventAgentStateExported  EventName = "agent.state_exported"
	EventAgentStateRestored  EventName = "agent.state_restored"
	EventAgentError          EventName = "agent.error"
	EventAgentInterrupted    EventName = "agent.interrupted"
	EventAgentTimeout        EventName = "agent.timeout"

	EventPlanStart           EventName = "plan.start"
	EventPlanCompleted       EventName = "plan.completed"
	EventPlanCancelled       EventName = "plan.cancelled"
	EventPlanStepCompleted   EventName = "plan.step_completed"
	EventPlanValidationError EventName = "plan.validation_error"
	EventPlanCoercionError   EventName = "plan.coercion_error"

	EventSolverStart      EventName = "solver.start"
	EventSolverProgress   EventName = "solver.progress"
	EventSolverCompleted  EventName = "solver.completed"
	EventSolverStepFailed EventName = "solver.step_failed"
	EventSolverRetry      EventName = "solver.retry"
	EventSolverCancelled  EventName = "solver.cancelled"
	EventSolverRestarted  EventName = "solver.restarted"

	EventAggregateStart     EventName = "aggregate.start"
	EventAggregateCompleted EventName = "aggregate.completed"

	EventPipelineCompleted EventName = "pipeline.completed"

	EventErrorValidation      EventName = "error.validation"
	EventErrorTimeout         EventName = "error.timeout"
	EventErrorExecution       EventName = "error.execution"
	EventErrorRetry           EventName = "error.retry"
	EventErrorRecoveryStarted EventName = "error.recovery_started"
	EventErrorRecoverySuccess EventName = "error.recovery_success"
	EventErrorRecoveryFailed  EventName = "error.recovery_failed"
)

// Closed set of error codes carried in metadata.error_code.
const (
	ErrCodeValidation400   = "ERR_VALIDATION_400"
	ErrCodeTimeout500      = "ERR_TIMEOUT_500"
	ErrCodeExecution600    = "ERR_EXECUTION_600"
	ErrCodeRateLimit700    = "ERR_RATELIMIT_700"
	ErrCodeBadFrame        = "ERR_BAD_FRAME"
	ErrCodeSessionGone     = "ERR_SESSION_GONE"
	ErrCodeStateInvalid    = "ERR_STATE_INVALID"
	ErrCodeReplayGap       = "ERR_REPLAY_GAP"
	ErrCodeReplanAfterSolve = "ERR_REPLAN_AFTER_SOLVE"
)

// Envelope is the universal message shape for every inbound and outbound
// frame on the session WebSocket. Exactly one of Content/Metadata may be
// empty, but both may be present; Seq is monotonic per session on the
// outbound side only.
type Envelope struct {
	Event        EventName `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	Seq          int64     `json:"seq,omitempty"`
	Content      any       `json:"content,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ShowContent  string    `json:"show_content,omitempty"`
}

// IsInbound reports whether name belongs to the client->server catalog.
func IsInbound(name EventName) bool {
	_, ok := inboundCatalog[name]
	return ok
}

// IsOutbound reports whether name belongs to the server->client catalog.
func IsOutbound(name EventName) bool {
	_, ok := outboundCatalog[name]
	return ok
}

var inboundCatalog = map[EventName]struct{}{
	EventUserCreateSession:      {},
	EventUserMessage:            {},
	EventUserSolveTasks:         {},
	EventUserResponse:           {},
	EventUserAck:                {},
	EventUserCancel:             {},
	EventUserCancelTask:         {},
	EventUserRestartTask:        {},
	EventUserCancelPlan:         {},
	EventUserReplan:             {},
	EventUserReconnect:          {},
	EventUserReconnectWithState: {},
	EventUserRequestState:       {},
}

var outboundCatalog = map[EventName]struct{}{
	EventSystemConnected:      {},
	EventSystemHeartbeat:      {},
	EventSystemNotice:         {},
	EventSystemError:          {},
	EventAgentSessionCreated:  {},
	EventAgentSessionEnd:      {},
	EventAgentThinking:        {},
	EventAgentToolCall:        {},
	EventAgentToolResult:      {},
	EventAgentPartialAnswer:   {},
	EventAgentFinalAnswer:     {},
	EventAgentUserConfirm:     {},
	EventAgentLLMMessage:      {},
	EventAgentStateExported:   {},
	EventAgentStateRestored:   {},
	EventAgentError:           {},
	EventAgentInterrupted:     {},
	EventAgentTimeout:         {},
	EventPlanStart:            {},
	EventPlanCompleted:        {},
	EventPlanCancelled:        {},
	EventPlanStepCompleted:    {},
	EventPlanValidationError:  {},
	EventPlanCoercionError:    {},
	EventSolverStart:          {},
	EventSolverProgress:       {},
	EventSolverCompleted:      {},
	EventSolverStepFailed:     {},
	EventSolverRetry:          {},
	EventSolverCancelled:      {},
	EventSolverRestarted:      {},
	EventAggregateStart:       {},
	EventAggregateCompleted:   {},
	EventPipelineCompleted:    {},
	EventErrorValidation:      {},
	EventErrorTimeout:         {},
	EventErrorExecution:       {},
	EventErrorRetry:           {},
	EventErrorRecoveryStarted: {},
	EventErrorRecoverySuccess: {},
	EventErrorRecoveryFailed:  {},
}

// TaskStatus is the lifecycle state of a single plan task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is a unit of solve-stage work produced by the Planner and mutated
// exclusively by the orchestrator scheduler.
type Task struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Objective  string         `json:"objective"`
	Notes      string         `json:"notes,omitempty"`
	Insights   []string       `json:"insights,omitempty"`
	DomainHint string         `json:"domain_hint,omitempty"`
	Status     TaskStatus     `json:"status"`
	Attempt    int            `json:"attempt"`
	Result     *TaskResult    `json:"result,omitempty"`
}

// TaskResult is the success payload of a completed task.
type TaskResult struct {
	Output     string         `json:"output"`
	Summary    string         `json:"summary,omitempty"`
	AgentName  string         `json:"agent_name,omitempty"`
	Statistics map[string]any `json:"statistics,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// PipelineState is the state machine driving a single plan-solve-aggregate run.
type PipelineState string

const (
	PipelineIdle                PipelineState = "idle"
	PipelinePlanning            PipelineState = "planning"
	PipelineAwaitingPlanConfirm PipelineState = "awaiting_plan_confirm"
	PipelineSolving             PipelineState = "solving"
	PipelineAggregating         PipelineState = "aggregating"
	PipelineCompleted           PipelineState = "completed"
	PipelineCancelled           PipelineState = "cancelled"
	PipelineError               PipelineState = "error"
)
