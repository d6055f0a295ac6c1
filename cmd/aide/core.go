// core.go assembles the runtime shared by the serve and chat commands:
// observability, registry, provider chain, memory, orchestrator, emitter,
// engine, and the assistant pipeline on top.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/haasonsaas/aide/internal/assistant"
	"github.com/haasonsaas/aide/internal/config"
	"github.com/haasonsaas/aide/internal/emitter"
	"github.com/haasonsaas/aide/internal/engine"
	"github.com/haasonsaas/aide/internal/gateway"
	"github.com/haasonsaas/aide/internal/llm"
	"github.com/haasonsaas/aide/internal/llm/providers"
	"github.com/haasonsaas/aide/internal/memory"
	"github.com/haasonsaas/aide/internal/memory/embeddings"
	embedopenai "github.com/haasonsaas/aide/internal/memory/embeddings/openai"
	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/internal/orchestrator"
	"github.com/haasonsaas/aide/internal/registry"
	"github.com/haasonsaas/aide/internal/tools"
)

// core is the assembled runtime. Exactly one of local and gateway is set,
// depending on the configured mode.
type core struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	catalog   *registry.Registry
	providers *llm.Manager
	memory    *memory.Memory
	orch      *orchestrator.Orchestrator
	engine    *engine.Engine
	assistant *assistant.Assistant

	local   *emitter.Local
	gateway *gateway.Server

	closers []func(context.Context) error
}

// coreOptions carries per-command tweaks to the assembly.
type coreOptions struct {
	// modelOverride forces both assistant calls onto one model.
	modelOverride string

	// logOutput overrides the log destination. Nil keeps stdout.
	logOutput io.Writer
}

// buildCore wires the full stack from configuration. Call close when done
// to flush traces and release the history store.
func buildCore(ctx context.Context, cfg *config.Config, opts coreOptions) (*core, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         opts.logOutput,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	metrics := observability.NewMetrics()
	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "aide",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	c := &core{cfg: cfg, logger: logger, metrics: metrics}
	c.closers = append(c.closers, traceShutdown)

	catalog := registry.New()
	if cfg.Registry.Path != "" {
		if err := catalog.LoadFile(cfg.Registry.Path); err != nil {
			return nil, fmt.Errorf("load tool registry: %w", err)
		}
	} else if err := catalog.Load(registry.DefaultDocument()); err != nil {
		return nil, fmt.Errorf("load embedded tool registry: %w", err)
	}
	c.catalog = catalog
	logger.Info(ctx, "tool registry loaded",
		"version", catalog.Version(),
		"tools", catalog.Count())

	manager, err := buildProviderChain(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		return nil, err
	}
	c.providers = manager

	mem, err := buildMemory(ctx, c, cfg, logger, metrics)
	if err != nil {
		return nil, err
	}
	c.memory = mem

	orch := orchestrator.New(catalog, logger, metrics)
	c.orch = orch

	serverTools := registry.NewInstances()
	serverTools.Register(tools.NewSummarizeTool(manager))
	serverTools.Register(tools.NewAnswerTool(manager))
	serverTools.Register(tools.NewSystemInfoTool())
	serverTools.Register(tools.NewDatetimeTool())
	if err := serverTools.Bind(catalog); err != nil {
		return nil, fmt.Errorf("bind server tools: %w", err)
	}

	var em emitter.Emitter
	switch cfg.Mode {
	case config.ModeDesktop:
		clientTools := registry.NewInstances()
		clientTools.Register(tools.NewFileCreateTool(cfg.Tools.Workspace))
		clientTools.Register(tools.NewFolderCreateTool(cfg.Tools.Workspace))
		if err := clientTools.Bind(catalog); err != nil {
			return nil, fmt.Errorf("bind client tools: %w", err)
		}
		local := emitter.NewLocal(clientTools, orch, logger, metrics)
		local.ApprovalTimeout = cfg.Engine.ApprovalTimeout.Std()
		c.local = local
		em = local
	case config.ModeHosted:
		gw := gateway.NewServer(cfg.Gateway, orch, logger, metrics)
		c.gateway = gw
		em = emitter.NewChannel(gw, logger, metrics)
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	exec := engine.NewServerExecutor(catalog, serverTools, logger)
	eng := engine.New(engine.Config{
		MaxParallelTasks: cfg.Engine.MaxParallelTasks,
		RetryBackoff:     cfg.Engine.RetryBackoff.Std(),
		TaskTimeout:      cfg.Engine.DefaultTaskTimeout.Std(),
	}, orch, exec, em, logger, metrics)
	c.engine = eng

	c.assistant = assistant.New(assistant.Config{
		ChatModel: opts.modelOverride,
		PlanModel: opts.modelOverride,
	}, manager, eng, mem, catalog, logger, metrics)

	return c, nil
}

// buildProviderChain registers every configured provider that has keys, in
// fallback order.
func buildProviderChain(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*llm.Manager, error) {
	manager := llm.NewManager(llm.ManagerConfig{
		MaxRetries:      cfg.LLM.MaxRetries,
		RetryBackoff:    cfg.LLM.RetryBackoff.Std(),
		MaxRetryBackoff: cfg.LLM.MaxRetryBackoff.Std(),
		KeysPerCall:     cfg.LLM.KeysPerCall,
		BlackoutTTL:     cfg.LLM.BlackoutTTL.Std(),
	}, logger, metrics, tracer)

	for _, name := range cfg.LLM.FallbackChain {
		pc := cfg.LLM.Providers[name]
		if len(pc.APIKeys) == 0 {
			logger.Warn(ctx, "provider has no API keys, skipping", "provider", name)
			continue
		}
		var p llm.Provider
		switch name {
		case "gemini":
			p = providers.NewGemini(pc.DefaultModel)
		case "groq":
			p = providers.NewGroq(pc.DefaultModel, pc.BaseURL)
		case "anthropic":
			p = providers.NewAnthropic(pc.DefaultModel, pc.BaseURL)
		default:
			return nil, fmt.Errorf("unknown provider %q in fallback chain", name)
		}
		if err := manager.Register(p, pc.APIKeys); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", name, err)
		}
	}

	if len(manager.Providers()) == 0 {
		return nil, errors.New("no LLM provider has API keys; set GEMINI_API_KEYS, GROQ_API_KEYS, or ANTHROPIC_API_KEYS")
	}
	logger.Info(ctx, "provider chain ready", "providers", manager.Providers())
	return manager, nil
}

// buildMemory assembles the history store and optional semantic tier.
func buildMemory(ctx context.Context, c *core, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*memory.Memory, error) {
	var store memory.Store
	if cfg.Memory.HistoryPath != "" {
		sqlStore, err := memory.NewSQLiteStore(cfg.Memory.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return sqlStore.Close() })
		store = sqlStore
		logger.Info(ctx, "history store opened", "path", cfg.Memory.HistoryPath)
	} else {
		store = memory.NewMemoryStore(0)
	}

	var embedder embeddings.Provider
	if cfg.Memory.Embeddings.Provider == "openai" {
		if cfg.Memory.Embeddings.APIKey == "" {
			logger.Warn(ctx, "embeddings configured without an API key, semantic recall disabled")
		} else {
			provider, err := embedopenai.New(embedopenai.Config{
				APIKey:  cfg.Memory.Embeddings.APIKey,
				BaseURL: cfg.Memory.Embeddings.BaseURL,
				Model:   cfg.Memory.Embeddings.Model,
			})
			if err != nil {
				return nil, fmt.Errorf("embeddings provider: %w", err)
			}
			embedder = provider
		}
	}

	return memory.New(store, embedder, memory.Config{
		RecentLimit:       cfg.Memory.RecentLimit,
		SemanticPoolSize:  cfg.Memory.SemanticPoolSize,
		SemanticTopK:      cfg.Memory.SemanticTopK,
		MinSimilarity:     cfg.Memory.MinSimilarity,
		SemanticThreshold: cfg.Memory.SemanticThreshold,
	}, logger, metrics), nil
}

// close releases resources in reverse acquisition order.
func (c *core) close(ctx context.Context) error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
