package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/warden/internal/agents"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/executor"
	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// runtimeOptions tunes openRuntime for a single command.
type runtimeOptions struct {
	debug bool
	// timeout replaces execution.timeout when positive.
	timeout time.Duration
	// logOutput receives structured logs. Defaults to stderr so stdout stays
	// machine readable.
	logOutput io.Writer
}

// runtime is everything a command needs to execute agents.
type runtime struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	engine   *storage.SQLEngine
	cache    *agents.Cache
	service  *executor.Service

	shutdownTracer func(context.Context) error
}

// loadConfig loads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openRuntime wires config, logging, metrics, tracing, storage, the model
// client, the agent cache and the execution service.
func openRuntime(ctx context.Context, configPath string, opts runtimeOptions) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if opts.timeout > 0 {
		cfg.Execution.Timeout = opts.timeout
	}
	if opts.logOutput == nil {
		opts.logOutput = os.Stderr
	}
	level := cfg.Logging.Level
	if opts.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: opts.logOutput,
	})
	slog.SetDefault(logger.Slog())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "warden",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SamplingRate:   cfg.Observability.SampleRate,
		EnableInsecure: cfg.Observability.TracingInsecure,
	})

	rt := &runtime{
		cfg:            cfg,
		logger:         logger,
		registry:       registry,
		metrics:        metrics,
		shutdownTracer: shutdownTracer,
	}

	engine, err := storage.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.engine = engine
	memories := storage.NewMemoryStore(engine)
	if err := memories.EnsureSchema(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("failed to prepare memory store: %w", err)
	}

	var model llm.Completer
	client, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Timeout:     cfg.LLM.Timeout,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		logger.Warn(ctx, "model client disabled", "error", err)
	} else {
		model = client
	}

	cache := agents.NewCache(cfg.Agents.Dirs,
		agents.WithLogger(logger.Slog()),
		agents.WithWatchDebounce(cfg.Agents.WatchDebounce),
	)
	natives := agents.NewNatives()
	if err := agents.RegisterBuiltins(cache, natives); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if err := cache.Load(ctx); err != nil {
		if ctx.Err() != nil {
			rt.Close(ctx)
			return nil, err
		}
		logger.Warn(ctx, "some agents failed to load", "error", err)
	}
	rt.cache = cache

	service, err := executor.New(executor.Options{
		Cache:           cache,
		Natives:         natives,
		Storage:         engine,
		Memories:        memories,
		Model:           model,
		Timeout:         cfg.Execution.Timeout,
		MemoryLimit:     int64(cfg.Execution.MemoryLimit),
		MaxContextBytes: int(cfg.Execution.MaxContextBytes),
		TrustedFallback: models.IsolationMode(cfg.Execution.TrustedFallback),
		WorkerBinary:    cfg.Execution.WorkerBinary,
		WorkerArgs:      cfg.Execution.WorkerArgs,
		Logger:          logger.Slog(),
		Metrics:         metrics,
		Tracer:          tracer,
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.service = service
	return rt, nil
}

// Close cleans up running executions and releases every resource.
func (r *runtime) Close(ctx context.Context) error {
	var errs []error
	if r.service != nil {
		errs = append(errs, r.service.Close())
	}
	if r.cache != nil {
		errs = append(errs, r.cache.Close())
	}
	if r.engine != nil {
		errs = append(errs, r.engine.Close())
	}
	if r.shutdownTracer != nil {
		errs = append(errs, r.shutdownTracer(context.WithoutCancel(ctx)))
	}
	return errors.Join(errs...)
}
