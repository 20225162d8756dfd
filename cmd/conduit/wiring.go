package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/conduitrun/conduit/internal/auth"
	"github.com/conduitrun/conduit/internal/config"
	"github.com/conduitrun/conduit/internal/contextassembler"
	"github.com/conduitrun/conduit/internal/convstore"
	"github.com/conduitrun/conduit/internal/convstore/pg"
	"github.com/conduitrun/conduit/internal/convstore/sqlite"
	"github.com/conduitrun/conduit/internal/decision"
	"github.com/conduitrun/conduit/internal/decision/providers"
	"github.com/conduitrun/conduit/internal/observability"
	"github.com/conduitrun/conduit/internal/orchestrator"
	"github.com/conduitrun/conduit/internal/stepstore"
	"github.com/conduitrun/conduit/internal/streamhub"
	"github.com/conduitrun/conduit/internal/toolpipeline"
	"github.com/conduitrun/conduit/internal/tools/exec"
	"github.com/conduitrun/conduit/internal/tools/websearch"
)

// app bundles the long-lived collaborators a running conduit process
// needs to shut down cleanly.
type app struct {
	orch      *orchestrator.Orchestrator
	hub       *streamhub.Hub
	steps     *stepstore.Store
	store     convstore.Store
	auth      *auth.Service
	logger    *slog.Logger
	gc        *orchestrator.DraftGC
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	reqLogger *observability.Logger
	shutdown  func(context.Context) error
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := newLogger(cfg.Logging)
	metrics := observability.NewMetrics()
	tracer, shutdown := buildTracer(cfg.Tracing)
	reqLogger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})

	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open conversation store: %w", err)
	}
	store = convstore.Instrument(store, metrics)

	steps := stepstore.New(ctx, cfg.Orchestrator.StepStore.TTL, cfg.Orchestrator.StepStore.JanitorEvery)

	hub := streamhub.New(ctx, streamhub.Options{
		BacklogSize:    cfg.Orchestrator.StreamFabric.BacklogSize,
		HeartbeatEvery: cfg.Orchestrator.StreamFabric.HeartbeatEvery,
		StepTTL:        cfg.Orchestrator.StreamFabric.StepTTL,
		JanitorEvery:   cfg.Orchestrator.StreamFabric.JanitorEvery,
		CompleteGrace:  cfg.Orchestrator.StreamFabric.CompleteGrace,
	})

	provider, err := buildProvider(cfg.LLM, metrics, tracer)
	if err != nil {
		return nil, fmt.Errorf("build model provider: %w", err)
	}
	decider := decision.New(provider)

	assembler := contextassembler.New(store, steps, contextassembler.Options{
		MemoryMaxMessages:      cfg.Orchestrator.ContextAssembler.MemoryMaxMessages,
		MaxChars:               cfg.Orchestrator.ContextAssembler.MaxChars,
		MaxToolResultChars:     cfg.Orchestrator.ContextAssembler.MaxToolResultChars,
		RenderMode:             contextassembler.RenderMode(cfg.Orchestrator.ContextAssembler.RenderMode),
		SystemDirective:        cfg.Orchestrator.ContextAssembler.SystemDirective,
		PruneIdleTTL:           cfg.Orchestrator.ContextAssembler.PruneIdleTTL,
		SummarizeAfterMessages: cfg.Orchestrator.ContextAssembler.SummarizeAfterMessages,
		SummaryKeepRecent:      cfg.Orchestrator.ContextAssembler.SummaryKeepRecent,
		Summarizer:             provider,
	})

	pipeline := toolpipeline.New(store, toolpipeline.Config{
		Concurrency:           cfg.Orchestrator.ToolPipeline.Concurrency,
		DefaultTTL:            cfg.Orchestrator.ToolPipeline.DefaultTTL,
		DefaultTimeout:        cfg.Orchestrator.ToolPipeline.DefaultTimeout,
		DefaultMaxAttempts:    cfg.Orchestrator.ToolPipeline.DefaultMaxAttempts,
		DefaultRetryBackoff:   cfg.Orchestrator.ToolPipeline.DefaultRetryBackoff,
		DefaultMaxTTLCeiling:  cfg.Orchestrator.ToolPipeline.DefaultMaxTTLCeiling,
		Toggles:               cfg.Orchestrator.ToolToggles,
		CacheTTL:              cfg.Orchestrator.ToolPipeline.CacheTTL,
		CacheMaxSize:          cfg.Orchestrator.ToolPipeline.CacheMaxSize,
		Approval:              buildApprovalChecker(cfg.Orchestrator.Approval),
		Hub:                   hub,
		Metrics:               metrics,
		Guard: toolpipeline.ResultGuard{
			MaxChars:        cfg.Orchestrator.ToolPipeline.Guard.MaxChars,
			Denylist:        cfg.Orchestrator.ToolPipeline.Guard.Denylist,
			SanitizeSecrets: cfg.Orchestrator.ToolPipeline.Guard.SanitizeSecrets,
			RedactionText:   cfg.Orchestrator.ToolPipeline.Guard.RedactionText,
		},
	})
	manifest := registerBuiltinTools(pipeline, cfg)

	orchCfg := orchestrator.DefaultConfig()
	if cfg.Orchestrator.ToolsMaxLoops != nil {
		orchCfg.ToolsMaxLoops = cfg.Orchestrator.ToolsMaxLoops
	}

	orch := orchestrator.New(orchestrator.Deps{
		Steps:          steps,
		Decider:        decider,
		Pipeline:       pipeline,
		Assembler:      assembler,
		Store:          store,
		Hub:            hub,
		Metrics:        metrics,
		ServerManifest: manifest,
		Toggles:        cfg.Orchestrator.ToolToggles,
	}, orchCfg)

	apiKeys := make([]auth.APIKeyConfig, len(cfg.Auth.APIKeys))
	for i, k := range cfg.Auth.APIKeys {
		apiKeys[i] = auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name}
	}
	authSvc := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     apiKeys,
	})

	gc, err := orchestrator.NewDraftGC(store, cfg.Orchestrator.DraftGC.After, cfg.Orchestrator.DraftGC.Schedule, logger)
	if err != nil {
		return nil, fmt.Errorf("build draft gc: %w", err)
	}
	go gc.Run(ctx)

	return &app{
		orch: orch, hub: hub, steps: steps, store: store, auth: authSvc, logger: logger, gc: gc,
		metrics: metrics, tracer: tracer, reqLogger: reqLogger, shutdown: shutdown,
	}, nil
}

func (a *app) Close() {
	a.gc.Stop()
	a.steps.Shutdown()
	a.hub.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("error closing conversation store", "error", err)
	}
	if a.shutdown != nil {
		if err := a.shutdown(context.Background()); err != nil {
			a.logger.Warn("error shutting down tracer", "error", err)
		}
	}
}

// buildTracer constructs the OpenTelemetry tracer when tracing is
// enabled, returning a no-op Tracer and shutdown otherwise so callers
// never need a nil check.
func buildTracer(cfg config.TracingConfig) (*observability.Tracer, func(context.Context) error) {
	if !cfg.Enabled {
		return nil, nil
	}
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: "dev",
		Environment:    cfg.Environment,
		Endpoint:       cfg.Endpoint,
		SamplingRate:   cfg.SamplingRate,
		EnableInsecure: cfg.EnableInsecure,
	})
	return tracer, shutdown
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func openStore(cfg config.DatabaseConfig) (convstore.Store, error) {
	if cfg.URL == "" || cfg.URL == "sqlite" {
		path := cfg.URL
		if path == "" || path == "sqlite" {
			path = "conduit.db"
		}
		return sqlite.Open(path)
	}
	return pg.OpenDSN(cfg.URL, &pg.Config{
		MaxOpenConns:    cfg.MaxConnections,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}

func buildProvider(cfg config.LLMConfig, metrics *observability.Metrics, tracer *observability.Tracer) (decision.Provider, error) {
	byName := map[string]decision.Provider{}
	for name, p := range cfg.Providers {
		switch name {
		case "anthropic":
			prov, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey: p.APIKey, BaseURL: p.BaseURL, DefaultModel: p.DefaultModel,
			})
			if err != nil {
				return nil, err
			}
			byName[name] = prov
		case "openai":
			prov, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
				APIKey: p.APIKey, BaseURL: p.BaseURL, DefaultModel: p.DefaultModel,
			})
			if err != nil {
				return nil, err
			}
			byName[name] = prov
		}
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("no configured llm providers (set llm.providers.<anthropic|openai>.api_key)")
	}
	primary := cfg.DefaultProvider
	if primary == "" {
		for name := range byName {
			primary = name
			break
		}
	}
	router, err := providers.NewRouter(byName, primary, cfg.FallbackChain)
	if err != nil {
		return nil, err
	}
	return router.WithObservability(metrics, tracer), nil
}

// buildApprovalChecker returns nil when the operator configured no
// approval rules at all, so the pipeline skips the gate entirely
// rather than evaluating a no-op policy on every call.
func buildApprovalChecker(cfg config.ApprovalConfig) *toolpipeline.ApprovalChecker {
	if len(cfg.Allowlist) == 0 && len(cfg.Denylist) == 0 && len(cfg.RequireApproval) == 0 {
		return nil
	}
	return toolpipeline.NewApprovalChecker(toolpipeline.ApprovalPolicy{
		Allowlist:       cfg.Allowlist,
		Denylist:        cfg.Denylist,
		RequireApproval: cfg.RequireApproval,
		DefaultDecision: toolpipeline.ApprovalAllowed,
	})
}

// registerBuiltinTools wires the two non-domain-specific SERVER tools
// (web_search, exec) into the pipeline and returns their manifest
// entries, leaving individual tool payload design out of scope.
func registerBuiltinTools(pipeline *toolpipeline.Pipeline, cfg *config.Config) []decision.ToolManifestEntry {
	var manifest []decision.ToolManifestEntry
	async := make(map[string]bool, len(cfg.Orchestrator.ToolPipeline.AsyncTools))
	for _, name := range cfg.Orchestrator.ToolPipeline.AsyncTools {
		async[name] = true
	}

	search := websearch.NewWebSearchTool(&websearch.Config{
		SearXNGURL:  cfg.Tools.WebSearch.URL,
		BraveAPIKey: cfg.Tools.WebSearch.BraveAPIKey,
	})
	pipeline.Register(toolpipeline.ToolSpec{Name: search.Name(), Handler: toolpipeline.AdaptExecutor(search), Async: async[search.Name()]})
	manifest = append(manifest, decision.ToolManifestEntry{
		Name: search.Name(), Description: search.Description(), Schema: search.Schema(), Target: decision.ExecServer,
	})

	workspace := cfg.Workspace.Path
	if workspace == "" {
		workspace = "."
	}
	execTool := exec.NewExecTool("exec", exec.NewManager(workspace))
	pipeline.Register(toolpipeline.ToolSpec{Name: execTool.Name(), Handler: toolpipeline.AdaptExecutor(execTool), Async: async[execTool.Name()]})
	manifest = append(manifest, decision.ToolManifestEntry{
		Name: execTool.Name(), Description: execTool.Description(), Schema: execTool.Schema(), Target: decision.ExecServer,
	})

	return manifest
}
