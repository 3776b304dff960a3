package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/relaymesh/plansolve/internal/agent"
	"github.com/relaymesh/plansolve/internal/agent/providers"
	"github.com/relaymesh/plansolve/internal/auth"
	"github.com/relaymesh/plansolve/internal/config"
	"github.com/relaymesh/plansolve/internal/gateway"
	"github.com/relaymesh/plansolve/internal/multiagent"
	"github.com/relaymesh/plansolve/internal/observability"
	"github.com/relaymesh/plansolve/internal/sessions"
)

// runServe loads configuration, wires the session manager, LLM provider,
// orchestrator, and gateway, then blocks until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  logLevel,
		Format: cfg.Logging.Format,
	})
	logger := obsLogger.Slog()
	logger.Info("starting plansolve gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.DefaultProvider,
	)

	provider, err := buildLLMProvider(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to build llm provider: %w", err)
	}

	authService := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     buildAPIKeyConfigs(cfg.Auth),
	})

	sessionMgr := sessions.NewManager(sessions.ManagerConfig{
		OutboundLogSize: cfg.Session.LogSize(),
		IdleTimeout:     cfg.Session.IdleTimeout(),
	})

	metrics := observability.NewMetrics()

	eventStore := observability.NewMemoryEventStore(2000)
	eventRecorder := observability.NewEventRecorder(eventStore, obsLogger)

	tracer, shutdownTracer := buildTracer(cfg.Tracing)
	defer func() { _ = shutdownTracer(context.Background()) }()

	orchestrator := multiagent.New(cfg.Orchestrator, cfg.Retry, multiagent.Deps{
		Provider:   provider,
		Tools:      agent.NewToolRegistry(),
		Model:      defaultModelFor(cfg.LLM),
		Metrics:    metrics,
		Tracer:     tracer,
		Events:     eventRecorder,
		EventStore: eventStore,
		Locks:      sessionMgr.Locks,
	})

	server := gateway.New(cfg, logger, authService, sessionMgr, orchestrator, metrics, version, configPath)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(ctx)
	}()

	logger.Info("plansolve gateway started",
		"ws_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WSPort),
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown signal received, draining sessions")
	return nil
}

// buildLLMProvider selects the configured default provider. The fallback
// chain (cfg.LLM.FallbackChain) is exercised by the orchestrator's own retry
// policy rather than swapped in here: a provider-level outage is an
// Execution-class failure C4 already classifies and retries.
func buildLLMProvider(cfg config.LLMConfig) (agent.LLMProvider, error) {
	providerCfg, ok := cfg.Providers[cfg.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("no configuration for default provider %q", cfg.DefaultProvider)
	}

	switch cfg.DefaultProvider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  providerCfg.APIKey,
			BaseURL: providerCfg.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(providerCfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.DefaultProvider)
	}
}

func defaultModelFor(cfg config.LLMConfig) string {
	if providerCfg, ok := cfg.Providers[cfg.DefaultProvider]; ok && providerCfg.DefaultModel != "" {
		return providerCfg.DefaultModel
	}
	return ""
}

// buildTracer constructs an OpenTelemetry tracer when tracing is enabled in
// config, otherwise it returns a nil tracer (Orchestrator treats a nil
// Deps.Tracer as span creation disabled) and a no-op shutdown.
func buildTracer(cfg config.TracingConfig) (*observability.Tracer, func(context.Context) error) {
	if !cfg.Enabled {
		return nil, func(context.Context) error { return nil }
	}
	return observability.NewTracer(observability.TraceConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.Endpoint,
	})
}

func buildAPIKeyConfigs(cfg config.AuthConfig) []auth.APIKeyConfig {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name})
	}
	return keys
}
