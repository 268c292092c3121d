package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/flowrun/internal/agents"
	"github.com/rendis/flowrun/internal/engine"
	"github.com/rendis/flowrun/internal/isolation"
	"github.com/rendis/flowrun/internal/logging"
	"github.com/rendis/flowrun/internal/metrics"
	"github.com/rendis/flowrun/internal/secrets"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/internal/streaming"
)

const metricsNamespace = "flowrun"

// app wires the store, metrics and engine for one CLI invocation.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.LibSQLStore
	registry *prometheus.Registry
	metrics  *metrics.Collector
	hub      *streaming.MemoryHub
}

// openApp opens and migrates the database. Callers must Close the app.
func openApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger := logging.NewLogger(logOut, cfg.LogLevel, cfg.LogFormat)

	if !isURI(cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.dbURI())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		registry: reg,
		metrics:  metrics.NewCollector(metricsNamespace, reg),
		hub:      streaming.NewMemoryHub(),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// vault opens the secret vault. It returns nil when no vault key is set.
func (a *app) vault(ctx context.Context) (*secrets.SealedVault, error) {
	if a.cfg.VaultKey == "" {
		return nil, nil
	}
	return secrets.Open(ctx, a.store, a.cfg.VaultKey)
}

// dispatcher builds the agent dispatcher. The LLM strategy is only enabled
// when a backend is configured.
func (a *app) dispatcher(ctx context.Context) (*agents.Dispatcher, error) {
	cfg := agents.Config{
		DefaultTimeout: ms(a.cfg.AgentTimeoutMs),
		Sandbox:        agents.NewProcessSandbox(isolation.NewIsolator(), a.cfg.SandboxWorkdir),
		Logger:         a.logger,
		Metrics:        a.metrics,
	}
	if a.cfg.LLMBaseURL != "" || a.cfg.LLMAPIKey != "" {
		cfg.LLM = agents.NewOpenAIBackend(a.cfg.LLMBaseURL, a.cfg.LLMAPIKey, a.cfg.LLMModel, nil)
	}
	v, err := a.vault(ctx)
	if err != nil {
		return nil, err
	}
	if v != nil {
		cfg.Secrets = v
	}
	return agents.NewDispatcher(cfg), nil
}

func (a *app) executor(ctx context.Context) (*engine.Executor, error) {
	d, err := a.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	agentLogs := streaming.NewRecorder(a.store, a.hub, a.logger)
	steps, err := engine.NewDefaultStepExecutor(a.store, d, agentLogs, a.logger)
	if err != nil {
		return nil, err
	}
	return engine.NewExecutor(a.store, steps, a.cfg.engineConfig(),
		engine.WithLogger(a.logger),
		engine.WithMetrics(a.metrics),
		engine.WithEvents(a.hub),
	), nil
}

func isURI(path string) bool {
	return path != "" && !filepath.IsAbs(path) && filepath.VolumeName(path) == "" && containsScheme(path)
}

func containsScheme(path string) bool {
	for i, r := range path {
		switch {
		case r == ':':
			return i > 0
		case r == '/' || r == '\\':
			return false
		}
	}
	return false
}
