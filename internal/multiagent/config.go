// Package multiagent implements the Plan-Solve Orchestrator (C6): the
// Plan -> Plan-confirm -> Solve (parallel, capped, cancellable,
// restartable) -> Aggregate pipeline, its Direct-task-mode bypass, and the
// global cancel/replan controls layered on top of the Agent Core (C5) and
// Retry Policy (C4).
package multiagent

import (
	"github.com/relaymesh/plansolve/internal/agent"
	"github.com/relaymesh/plansolve/internal/observability"
	"github.com/relaymesh/plansolve/internal/sessions"
)

// Roles is the fixed set of system prompts the orchestrator uses to steer
// the shared ReAct runner towards each pipeline stage's job. Operators can
// override any of these at construction time; the zero value uses
// DefaultRoles.
type Roles struct {
	Planner    string
	Solver     string
	Aggregator string
}

// DefaultRoles returns the baked-in system prompts for each stage.
func DefaultRoles() Roles {
	return Roles{
		Planner: "You are the planning stage of a plan-solve pipeline. Decompose the " +
			"user's question into a JSON array of independent tasks. Respond with ONLY a " +
			"JSON array, no prose. Each task has: id (short unique string), title, objective, " +
			"insights (array of strings, may be empty), notes (optional string), domain_hint " +
			"(optional string).",
		Solver: "You are a solver agent executing one task from a larger plan. Use the " +
			"available tools as needed, then call terminate with your answer to the task's " +
			"objective.",
		Aggregator: "You are the aggregation stage of a plan-solve pipeline. You are given " +
			"the outputs of every successfully solved task. Synthesize them into a single " +
			"coherent answer to the original question, then call terminate with that answer.",
	}
}

// Deps bundles the constructor dependencies an Orchestrator needs beyond
// per-call config: the LLM backend and the tool catalog every stage's ReAct
// runner draws from.
type Deps struct {
	Provider agent.LLMProvider
	Tools    *agent.ToolRegistry
	Model    string
	Roles    Roles

	// Metrics records stage/task/confirmation outcomes if set. Nil disables
	// instrumentation entirely, which keeps tests free of global Prometheus
	// registry side effects.
	Metrics *observability.Metrics

	// Tracer emits OpenTelemetry spans around each pipeline stage and Solver
	// LLM call if set. Nil disables span creation.
	Tracer *observability.Tracer

	// Events records a replayable timeline of run/stage events if set. Nil
	// disables timeline recording entirely.
	Events *observability.EventRecorder

	// EventStore backs Orchestrator.SessionTimeline. Normally the same store
	// Events was built from; nil disables timeline lookups.
	EventStore observability.EventStore

	// Locks serializes control signals (cancel/cancel_task/restart_task/
	// cancel_plan/replan) against a run's mutable state, the session's
	// single-writer invariant (C7). Nil disables serialization, relying
	// solely on run.mu and Session.mu for field-level safety.
	Locks *sessions.SessionLockManager
}
