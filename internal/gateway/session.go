package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaymesh/plansolve/internal/auth"
	"github.com/relaymesh/plansolve/internal/sessions"
	"github.com/relaymesh/plansolve/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) newSessionHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var user *models.User
		if s.auth != nil && s.auth.Enabled() {
			u, err := auth.AuthenticateRequest(s.auth, r)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			user = u
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		conn0 := &wsConn{
			server: s,
			conn:   conn,
			user:   user,
			ctx:    ctx,
			cancel: cancel,
			send:   make(chan []byte, 256),
		}
		conn0.run()
	})
}

// wsConn is one physical WebSocket connection. It may be rebound across
// several sessions over its lifetime only in the sense that the client
// picks the session on connect/reconnect; a wsConn itself serves exactly
// one session for its lifetime.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	user   *models.User
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu          sync.Mutex
	session     *sessions.Session
	connectedID string
	sessionAt   time.Time
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	if c.session != nil {
		c.session.SetConnectionID("")
	}
	if c.server.metrics != nil && !c.sessionAt.IsZero() {
		c.server.metrics.SessionEnded(time.Since(c.sessionAt).Seconds())
	}
	close(c.send)
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("", models.ErrCodeBadFrame, err.Error())
			continue
		}
		if err := validateInboundFrame(data, &env); err != nil {
			c.sendError(env.SessionID, models.ErrCodeValidation400, err.Error())
			continue
		}

		if c.session != nil {
			c.session.Touch()
		}

		c.handleEnvelope(env)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.server.cfg.Gateway.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.emit(models.EventSystemHeartbeat, map[string]any{"ts": time.Now().UTC()}, nil)
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handleEnvelope(env models.Envelope) {
	switch env.Event {
	case models.EventUserCreateSession:
		c.handleCreateSession()
	case models.EventUserReconnect:
		c.handleReconnect(env)
	case models.EventUserReconnectWithState:
		c.handleReconnectWithState(env)
	case models.EventUserAck:
		c.handleAck(env)
	case models.EventUserRequestState:
		c.handleRequestState()
	case models.EventUserResponse:
		c.withSession(env, func(sess *sessions.Session) {
			content, _ := json.Marshal(env.Content)
			if err := sess.Resolve(env.StepID, content); err != nil {
				c.sendError(sess.ID, models.ErrCodeValidation400, err.Error())
			}
		})
	default:
		if c.server.orchestrator == nil {
			c.sendError(env.SessionID, models.ErrCodeExecution600, "orchestrator unavailable")
			return
		}
		c.withSession(env, func(sess *sessions.Session) {
			c.server.orchestrator.Handle(c.ctx, sess, env, c.emitter(sess))
		})
	}
}

func (c *wsConn) withSession(env models.Envelope, fn func(*sessions.Session)) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil || sess.ID != env.SessionID {
		c.sendError(env.SessionID, models.ErrCodeSessionGone, "no active session bound to this connection")
		return
	}
	fn(sess)
}

func (c *wsConn) handleCreateSession() {
	sess := c.server.sessions.Create(c.connID())
	c.bind(sess)
	c.emit(models.EventAgentSessionCreated, map[string]any{"session_id": sess.ID}, map[string]any{"session_id": sess.ID})
}

func (c *wsConn) handleReconnect(env models.Envelope) {
	sess, err := c.server.sessions.Reattach(env.SessionID, c.connID())
	if err != nil {
		c.sendError(env.SessionID, models.ErrCodeSessionGone, err.Error())
		return
	}
	c.bind(sess)
	c.replaySince(sess, env.Seq)
}

func (c *wsConn) handleReconnectWithState(env models.Envelope) {
	blob, _ := env.Content.(string)
	if blob == "" {
		if m, ok := env.Content.(map[string]any); ok {
			if s, ok := m["state"].(string); ok {
				blob = s
			}
		}
	}
	sess, err := c.server.sessions.RestoreFromState(c.server.signer, blob, c.connID())
	if err != nil {
		c.sendError("", models.ErrCodeStateInvalid, err.Error())
		return
	}
	c.bind(sess)
	c.emit(models.EventAgentStateRestored, map[string]any{"session_id": sess.ID, "pipeline_state": sess.State()}, map[string]any{"session_id": sess.ID})
}

func (c *wsConn) handleAck(env models.Envelope) {
	c.withSession(env, func(sess *sessions.Session) {
		m, ok := env.Content.(map[string]any)
		if !ok {
			return
		}
		if seqF, ok := m["seq"].(float64); ok {
			sess.Ack(int64(seqF))
			return
		}
		if eventID, ok := m["last_event_id"].(string); ok && eventID != "" {
			if seq, ok := sess.OutboundLog.SeqForEventID(eventID); ok {
				sess.Ack(seq)
			}
		}
	})
}

func (c *wsConn) handleRequestState() {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		c.sendError("", models.ErrCodeSessionGone, "no active session")
		return
	}
	blob, err := c.server.signer.Export(sess)
	if err != nil {
		c.sendError(sess.ID, models.ErrCodeStateInvalid, err.Error())
		return
	}
	c.emit(models.EventAgentStateExported, map[string]any{"session_id": sess.ID, "state": blob}, map[string]any{"session_id": sess.ID})
}

func (c *wsConn) replaySince(sess *sessions.Session, afterSeq int64) {
	entries, ok := sess.OutboundLog.Since(afterSeq)
	if !ok {
		c.sendError(sess.ID, models.ErrCodeReplayGap, "replay window has been evicted, request full state instead")
		return
	}
	for _, entry := range entries {
		c.write(entry.Frame)
	}
}

func (c *wsConn) bind(sess *sessions.Session) {
	c.mu.Lock()
	c.session = sess
	firstBind := c.sessionAt.IsZero()
	if firstBind {
		c.sessionAt = time.Now()
	}
	c.mu.Unlock()
	if firstBind && c.server.metrics != nil {
		c.server.metrics.SessionStarted()
	}
}

func (c *wsConn) connID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedID == "" {
		c.connectedID = uuid.NewString()
	}
	return c.connectedID
}

// emitter returns an emit closure bound to sess, used by the orchestrator
// to send outbound events without reaching back into wsConn internals.
func (c *wsConn) emitter(sess *sessions.Session) func(models.EventName, any, map[string]any) {
	return func(event models.EventName, content any, metadata map[string]any) {
		c.emitToSession(sess, event, content, metadata)
	}
}

func (c *wsConn) emit(event models.EventName, content any, metadata map[string]any) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		c.write(models.Envelope{Event: event, Timestamp: time.Now().UTC(), Content: content, Metadata: metadata})
		return
	}
	c.emitToSession(sess, event, content, metadata)
}

func (c *wsConn) emitToSession(sess *sessions.Session, event models.EventName, content any, metadata map[string]any) {
	seq := sess.NextSeq()
	eventID := uuid.NewString()
	env := models.Envelope{
		Event:       event,
		Timestamp:   time.Now().UTC(),
		SessionID:   sess.ID,
		EventID:     eventID,
		Seq:         seq,
		Content:     content,
		Metadata:    metadata,
		ShowContent: deriveShowContent(event, content),
	}
	if err := validateOutboundFrame(&env); err != nil {
		c.server.logger.Warn("outbound frame failed validation, failing pipeline", "session_id", sess.ID, "event", event, "error", err)
		c.emitExecutionError(sess, err)
		return
	}
	sess.OutboundLog.Append(sessions.LogEntry{Seq: seq, EventID: eventID, Frame: env})
	c.write(env)
}

// emitExecutionError reports an egress validation failure as an
// error.execution envelope, bypassing emitToSession so a malformed frame
// can't recurse through validation again.
func (c *wsConn) emitExecutionError(sess *sessions.Session, cause error) {
	seq := sess.NextSeq()
	env := models.Envelope{
		Event:     models.EventErrorExecution,
		Timestamp: time.Now().UTC(),
		SessionID: sess.ID,
		EventID:   uuid.NewString(),
		Seq:       seq,
		Content:   map[string]any{"message": cause.Error()},
		Metadata:  map[string]any{"error_code": models.ErrCodeExecution600},
	}
	sess.OutboundLog.Append(sessions.LogEntry{Seq: seq, EventID: env.EventID, Frame: env})
	c.write(env)
}

func (c *wsConn) sendError(sessionID, code, message string) {
	env := models.Envelope{
		Event:     models.EventSystemError,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Content:   map[string]any{"message": message},
		Metadata:  map[string]any{"error_code": code},
	}
	c.write(env)
}

func (c *wsConn) write(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.server.logger.Warn("dropping outbound frame, send buffer full", "session_id", env.SessionID)
	}
}
