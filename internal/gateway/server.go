// Package gateway implements the Reliable Transport (C2) and External
// Interface Shim (C8): the WebSocket endpoint sessions connect to, frame
// validation, sequencing, heartbeat, and replay-on-reconnect.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/plansolve/internal/auth"
	"github.com/relaymesh/plansolve/internal/config"
	"github.com/relaymesh/plansolve/internal/controlplane"
	"github.com/relaymesh/plansolve/internal/multiagent"
	"github.com/relaymesh/plansolve/internal/observability"
	"github.com/relaymesh/plansolve/internal/sessions"
)

// Server owns the process's network listeners: the session WebSocket and
// a plain HTTP mux for health/metrics. It implements controlplane.GatewayManager
// so its runtime state can be reported through /status without a bespoke type.
type Server struct {
	cfg          *config.Config
	logger       *slog.Logger
	auth         *auth.Service
	sessions     *sessions.Manager
	signer       *sessions.StateSigner
	orchestrator *multiagent.Orchestrator
	metrics      *observability.Metrics

	version    string
	configPath string
	startTime  time.Time

	wsListener   net.Listener
	httpListener net.Listener
}

var _ controlplane.GatewayManager = (*Server)(nil)

// New wires a Server from its dependencies. Callers are expected to have
// already constructed the session manager and orchestrator. metrics may be
// nil, which disables gateway-level instrumentation.
func New(cfg *config.Config, logger *slog.Logger, authService *auth.Service, sessionMgr *sessions.Manager, orchestrator *multiagent.Orchestrator, metrics *observability.Metrics, version, configPath string) *Server {
	return &Server{
		cfg:          cfg,
		logger:       logger,
		auth:         authService,
		sessions:     sessionMgr,
		signer:       sessions.NewStateSigner(cfg.Session.SignedStateSecret),
		orchestrator: orchestrator,
		metrics:      metrics,
		version:      version,
		configPath:   configPath,
		startTime:    time.Now().UTC(),
	}
}

// Run starts the WebSocket and HTTP listeners and blocks until ctx is
// cancelled or either listener fails.
func (s *Server) Run(ctx context.Context) error {
	wsAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.WSPort)
	httpAddr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", s.newSessionHandler())
	wsServer := &http.Server{Addr: wsAddr, Handler: wsMux}

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.Handler())
	httpMux.HandleFunc("/healthz", s.withHTTPMetrics(s.handleHealthz))
	httpMux.HandleFunc("/status", s.withHTTPMetrics(s.handleStatus))
	httpMux.HandleFunc("/debug/runs", s.withHTTPMetrics(s.handleDebugRuns))
	httpServer := &http.Server{Addr: httpAddr, Handler: httpMux}

	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("ws listener starting", "addr", wsAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws listener: %w", err)
		}
	}()
	go func() {
		s.logger.Info("http listener starting", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
	s.sessions.Close()
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// GatewayStatus implements controlplane.GatewayManager.
func (s *Server) GatewayStatus(ctx context.Context) (controlplane.GatewayStatus, error) {
	uptime := time.Since(s.startTime)
	activeRuns := 0
	if s.orchestrator != nil {
		activeRuns = s.orchestrator.ActiveRuns()
	}
	return controlplane.GatewayStatus{
		UptimeSeconds: int64(uptime.Seconds()),
		Uptime:        uptime.String(),
		StartTime:     s.startTime.Format(time.RFC3339),
		WSAddress:     fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.WSPort),
		HTTPAddress:   fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort),
		Version:       s.version,
		ConfigPath:    s.configPath,
		ActiveRuns:    activeRuns,
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.GatewayStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// handleDebugRuns returns the recorded event timeline for a session's most
// recent pipeline run, for debugging and replay. Requires ?session_id=.
func (s *Server) handleDebugRuns(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if s.orchestrator == nil {
		http.Error(w, "orchestrator unavailable", http.StatusServiceUnavailable)
		return
	}
	timeline, err := s.orchestrator.SessionTimeline(sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(timeline)
}

// statusRecorder captures the response status code for withHTTPMetrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withHTTPMetrics(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	}
}
