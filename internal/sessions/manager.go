// Package sessions implements the session registry (C3): session
// lifecycle, connection binding, the reliable-delivery outbound log, the
// confirmation/control channel's pending-response table, and signed
// state export/restore for reconnect.
package sessions

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/relaymesh/plansolve/pkg/models"
)

var (
	// ErrSessionGone is returned when a bare reconnect targets a session
	// that no longer exists in memory.
	ErrSessionGone = errors.New("session: no longer attached to the runtime")

	// ErrReplayGap is returned when a requested replay range has fallen
	// out of the outbound log's retention window.
	ErrReplayGap = errors.New("session: requested replay range has been evicted")

	// ErrConfirmationUnmatched is returned when a user.response arrives
	// for a step_id with no pending confirmation.
	ErrConfirmationUnmatched = errors.New("session: no pending confirmation for step_id")
)

// ManagerConfig controls ring buffer size and idle eviction.
type ManagerConfig struct {
	OutboundLogSize int
	IdleTimeout     time.Duration
}

// DefaultManagerConfig matches the spec's default wire configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		OutboundLogSize: 512,
		IdleTimeout:     150 * time.Second,
	}
}

// pendingConfirmation is a single awaitable slot keyed by step_id.
type pendingConfirmation struct {
	resultCh chan ConfirmationResult
	deadline time.Time
	resolved atomic.Bool
}

// ConfirmationResult is delivered to the waiter of a pending confirmation,
// either from a matching user.response or from reaper-driven timeout.
type ConfirmationResult struct {
	StepID    string
	Content   json.RawMessage
	TimedOut  bool
}

// Session is a single stateful conversation scope. All mutation happens
// under mu; callers that need cross-field atomicity across the session
// and the orchestrator should additionally hold the Manager's
// SessionLockManager for this session's ID.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	mu               sync.Mutex
	ConnectionID     string
	seq              int64
	LastClientAckSeq int64
	PipelineState    models.PipelineState
	Tasks            []*models.Task
	AgentSnapshot    json.RawMessage

	OutboundLog *OutboundLog

	confMu        sync.Mutex
	confirmations map[string]*pendingConfirmation

	closed bool
}

// NextSeq assigns and returns the next monotonic outbound sequence number.
func (s *Session) NextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// LastSeq returns the most recently assigned sequence number.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// SetConnectionID rebinds the session to a new connection (reconnect).
func (s *Session) SetConnectionID(id string) {
	s.mu.Lock()
	s.ConnectionID = id
	s.mu.Unlock()
}

// Touch records inbound activity for idle-timeout purposes.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// SetPipelineState transitions the session's pipeline state machine.
func (s *Session) SetPipelineState(state models.PipelineState) {
	s.mu.Lock()
	s.PipelineState = state
	s.mu.Unlock()
}

// State returns the current pipeline state.
func (s *Session) State() models.PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PipelineState
}

// SetTasks replaces the session's task list (post-plan, or post plan-edit).
func (s *Session) SetTasks(tasks []*models.Task) {
	s.mu.Lock()
	s.Tasks = tasks
	s.mu.Unlock()
}

// TaskList returns a snapshot of the current task list.
func (s *Session) TaskList() []*models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Task, len(s.Tasks))
	copy(out, s.Tasks)
	return out
}

// Ack advances LastClientAckSeq; idempotent if k <= current value.
func (s *Session) Ack(k int64) {
	s.mu.Lock()
	if k > s.LastClientAckSeq {
		s.LastClientAckSeq = k
	}
	s.mu.Unlock()
}

// AwaitConfirmation registers a fresh step_id (UUID, never reused from the
// seq counter to avoid cross-agent collisions) and returns a channel that
// resolves on a matching user.response or on reaper timeout.
func (s *Session) AwaitConfirmation(timeout time.Duration) (stepID string, result <-chan ConfirmationResult) {
	stepID = uuid.NewString()
	pc := &pendingConfirmation{
		resultCh: make(chan ConfirmationResult, 1),
		deadline: time.Now().Add(timeout),
	}

	s.confMu.Lock()
	if s.confirmations == nil {
		s.confirmations = make(map[string]*pendingConfirmation)
	}
	s.confirmations[stepID] = pc
	s.confMu.Unlock()

	return stepID, pc.resultCh
}

// Resolve honors a user.response for stepID. A second response for an
// already-resolved step_id is ignored. Returns ErrConfirmationUnmatched if
// no such pending confirmation exists.
func (s *Session) Resolve(stepID string, content json.RawMessage) error {
	s.confMu.Lock()
	pc, ok := s.confirmations[stepID]
	if ok {
		delete(s.confirmations, stepID)
	}
	s.confMu.Unlock()

	if !ok {
		return ErrConfirmationUnmatched
	}
	if !pc.resolved.CompareAndSwap(false, true) {
		return nil
	}
	pc.resultCh <- ConfirmationResult{StepID: stepID, Content: content}
	return nil
}

// reapExpired resolves any confirmation past its deadline with a timeout
// result and removes it from the table.
func (s *Session) reapExpired(now time.Time) {
	s.confMu.Lock()
	var expired []*pendingConfirmation
	for id, pc := range s.confirmations {
		if now.After(pc.deadline) {
			expired = append(expired, pc)
			delete(s.confirmations, id)
		}
	}
	s.confMu.Unlock()

	for _, pc := range expired {
		if pc.resolved.CompareAndSwap(false, true) {
			pc.resultCh <- ConfirmationResult{TimedOut: true}
		}
	}
}

// drainConfirmations resolves every pending confirmation with a
// cancellation result, used on session destruction.
func (s *Session) drainConfirmations() {
	s.confMu.Lock()
	pending := s.confirmations
	s.confirmations = nil
	s.confMu.Unlock()

	for _, pc := range pending {
		if pc.resolved.CompareAndSwap(false, true) {
			pc.resultCh <- ConfirmationResult{TimedOut: true}
		}
	}
}

// Manager is the session registry: it owns every Session record and is
// the only component permitted to create, bind, or destroy one.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session

	Locks *SessionLockManager

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// NewManager creates a session registry and starts its confirmation
// reaper and idle-timeout sweeper.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.OutboundLogSize <= 0 {
		cfg.OutboundLogSize = DefaultManagerConfig().OutboundLogSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultManagerConfig().IdleTimeout
	}

	m := &Manager{
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		Locks:      NewSessionLockManager(DefaultLockTimeout),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Create allocates and registers a new session bound to connectionID.
func (m *Manager) Create(connectionID string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		LastActivity:  now,
		ConnectionID:  connectionID,
		PipelineState: models.PipelineIdle,
		OutboundLog:   NewOutboundLog(m.cfg.OutboundLogSize),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	return s
}

// Get returns the session by id, if it exists in memory.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Reattach performs best-effort reconnection: if the session still
// exists, it is rebound to the new connection id; otherwise
// ErrSessionGone is returned.
func (m *Manager) Reattach(id, connectionID string) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, ErrSessionGone
	}
	s.SetConnectionID(connectionID)
	s.Touch()
	return s, nil
}

// RestoreFromState verifies a signed state blob and attaches or recreates
// a session from it, rebinding it to connectionID.
func (m *Manager) RestoreFromState(signer *StateSigner, blob, connectionID string) (*Session, error) {
	state, err := signer.Verify(blob)
	if err != nil {
		return nil, err
	}

	s, ok := m.Get(state.SessionID)
	if !ok {
		now := time.Now().UTC()
		s = &Session{
			ID:            state.SessionID,
			CreatedAt:     now,
			OutboundLog:   NewOutboundLog(m.cfg.OutboundLogSize),
		}
		m.mu.Lock()
		m.sessions[s.ID] = s
		m.mu.Unlock()
	}

	s.mu.Lock()
	s.ConnectionID = connectionID
	s.LastActivity = time.Now().UTC()
	s.PipelineState = state.PipelineState
	s.Tasks = state.Tasks
	s.seq = state.LastSeq
	s.LastClientAckSeq = state.LastClientAckSeq
	s.AgentSnapshot = state.AgentSnapshot
	s.mu.Unlock()

	return s, nil
}

// Destroy drains pending confirmations, forgets the session's lock, and
// removes it from the registry.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.drainConfirmations()
	m.Locks.Forget(id)
}

// IdleSessions returns sessions whose last activity exceeds the idle
// timeout, for the caller to close.
func (m *Manager) IdleSessions() []*Session {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		last := s.LastActivity
		s.mu.Unlock()
		if last.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

// Close stops the reaper goroutine. Safe to call once.
func (m *Manager) Close() {
	close(m.reaperStop)
	<-m.reaperDone
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.reaperStop:
			return
		case now := <-ticker.C:
			m.mu.RLock()
			sessions := make([]*Session, 0, len(m.sessions))
			for _, s := range m.sessions {
				sessions = append(sessions, s)
			}
			m.mu.RUnlock()

			for _, s := range sessions {
				s.reapExpired(now)
			}
		}
	}
}
