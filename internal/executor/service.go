// Package executor is the entry point for running agents. It looks agents up
// in the cache, routes them by trust tier to a direct, realm or worker run,
// and owns the lifecycle operations over all live executions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/agents"
	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/security"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

// Options configures a Service.
type Options struct {
	Cache   *agents.Cache
	Natives *agents.Natives

	// Storage is the default engine behind mediated handles and the memory
	// store. Model is the default model client.
	Storage  storage.Engine
	Memories *storage.MemoryStore
	Model    llm.Completer

	Timeout         time.Duration
	MemoryLimit     int64
	MaxContextBytes int
	// TrustedFallback is where trusted agents go when the direct run fails.
	TrustedFallback models.IsolationMode

	WorkerBinary string
	WorkerArgs   []string
	WorkerEnv    []string

	Analyzer *security.Analyzer
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Events   *observability.EventLog
}

// Request is one ExecuteAgent call with optional per-call handles.
type Request struct {
	Agent   string
	Params  map[string]any
	Context models.ExecContext
	Storage storage.Engine
	Model   llm.Completer
}

// Service executes agents.
type Service struct {
	cache    *agents.Cache
	memories *storage.MemoryStore
	registry *sandbox.Registry
	realm    *sandbox.Realm
	worker   *sandbox.Worker
	router   *Router

	timeout     time.Duration
	memoryLimit int64

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	events  *observability.EventLog
	stats   *statsCounter

	cleanupMu sync.Mutex
}

// New builds a Service. Only Cache is required.
func New(opts Options) (*Service, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("executor: agent cache is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Natives == nil {
		opts.Natives = agents.NewNatives()
	}
	if opts.Tracer == nil {
		opts.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	if opts.Events == nil {
		opts.Events = observability.NewEventLog(256)
	}
	if opts.Analyzer == nil {
		opts.Analyzer = security.NewAnalyzer()
	}
	if opts.Memories == nil && opts.Storage != nil {
		opts.Memories = storage.NewMemoryStore(opts.Storage)
	}
	switch opts.TrustedFallback {
	case models.IsolationDefault:
		opts.TrustedFallback = models.IsolationRealm
	case models.IsolationRealm, models.IsolationWorker:
	default:
		return nil, fmt.Errorf("executor: unknown trusted fallback %q", opts.TrustedFallback)
	}

	logger := opts.Logger.With("component", "executor")
	binary, err := sandbox.ResolveWorkerBinary(opts.WorkerBinary)
	if err != nil {
		logger.Warn("worker binary not found; untrusted agents will fail", "error", err)
		binary = sandbox.WorkerBinaryName
	}

	backendOpts := []sandbox.Option{
		sandbox.WithAnalyzer(opts.Analyzer),
		sandbox.WithLogger(opts.Logger),
		sandbox.WithMetrics(opts.Metrics),
	}
	if opts.Timeout > 0 {
		backendOpts = append(backendOpts, sandbox.WithDefaultTimeout(opts.Timeout))
	}
	if opts.MemoryLimit > 0 {
		backendOpts = append(backendOpts, sandbox.WithMemoryLimit(opts.MemoryLimit))
	}
	if opts.MaxContextBytes > 0 {
		backendOpts = append(backendOpts, sandbox.WithMaxContextBytes(opts.MaxContextBytes))
	}

	registry := sandbox.NewRegistry()
	realm := sandbox.NewRealm(registry, backendOpts...)
	worker := sandbox.NewWorker(registry, binary, append(backendOpts,
		sandbox.WithWorkerArgs(opts.WorkerArgs...),
		sandbox.WithWorkerEnv(opts.WorkerEnv...),
	)...)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	memoryLimit := opts.MemoryLimit
	if memoryLimit <= 0 {
		memoryLimit = 128 << 20
	}

	return &Service{
		cache:    opts.Cache,
		memories: opts.Memories,
		registry: registry,
		realm:    realm,
		worker:   worker,
		router: &Router{
			natives:        opts.Natives,
			realm:          realm,
			worker:         worker,
			storage:        opts.Storage,
			model:          opts.Model,
			fallback:       opts.TrustedFallback,
			defaultTimeout: timeout,
			logger:         logger,
			metrics:        opts.Metrics,
			tracer:         opts.Tracer,
			events:         opts.Events,
		},
		timeout:     timeout,
		memoryLimit: memoryLimit,
		logger:      logger,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
		stats:       newStatsCounter(),
	}, nil
}

// ExecuteAgent runs the named agent. It always returns a result; failures
// are reported through Success and Kind, never as a panic.
func (s *Service) ExecuteAgent(ctx context.Context, name string, params map[string]any, ectx models.ExecContext) models.ExecutionResult {
	return s.Execute(ctx, Request{Agent: name, Params: params, Context: ectx})
}

// Execute runs req. See ExecuteAgent.
func (s *Service) Execute(ctx context.Context, req Request) (res models.ExecutionResult) {
	start := time.Now()
	if req.Context.Timestamp.IsZero() {
		req.Context.Timestamp = start
	}
	ctx = observability.WithAgent(ctx, req.Agent)
	if req.Context.SessionID != "" {
		ctx = observability.WithSessionID(ctx, req.Context.SessionID)
	}
	ctx, span := s.tracer.TraceExecution(ctx, req.Agent, "")
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("execution panicked", "agent", req.Agent, "panic", p)
			res = models.Failed(res.Backend, models.KindRuntime, fmt.Sprintf("internal error: %v", p))
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		s.stats.record(res)
		s.events.Record(observability.Event{
			Type:        observability.EventExecutionEnd,
			Timestamp:   time.Now(),
			ExecutionID: res.ExecutionID,
			SessionID:   req.Context.SessionID,
			Agent:       req.Agent,
			Backend:     string(res.Backend),
			Kind:        string(res.Kind),
			Error:       res.Error,
			Duration:    res.Duration,
		})
		if !res.Success {
			s.tracer.RecordError(span, errors.New(res.Error))
			s.logger.Info("agent execution failed",
				"agent", req.Agent,
				"backend", string(res.Backend),
				"kind", string(res.Kind),
				"error", res.Error,
			)
		}
	}()

	def, ok := s.cache.Get(req.Agent)
	if !ok {
		return models.Failed("", models.KindRuntime, fmt.Sprintf("%v: %s", agents.ErrAgentNotFound, req.Agent))
	}
	s.tracer.SetAttributes(span, "agent.trust", string(def.Trust))
	if err := s.cache.ValidateParams(def.Name, req.Params); err != nil {
		return models.Failed("", models.KindRuntime, err.Error())
	}

	s.events.Record(observability.Event{
		Type:      observability.EventExecutionStart,
		Timestamp: start,
		SessionID: req.Context.SessionID,
		Agent:     def.Name,
	})

	res = s.router.Route(ctx, Invocation{
		Def:     def,
		Params:  copyParams(req.Params),
		Context: req.Context,
		Storage: req.Storage,
		Model:   req.Model,
	})
	return performAction(ctx, s.memoriesFor(req), def.Name, req.Context, res)
}

func (s *Service) memoriesFor(req Request) *storage.MemoryStore {
	if req.Storage != nil {
		return storage.NewMemoryStore(req.Storage)
	}
	return s.memories
}

// Cleanup cancels every live execution, waits for them to unwind and closes
// the worker backend. Calling it again is a no-op apart from the wait.
func (s *Service) Cleanup(ctx context.Context) error {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if n := s.registry.CancelAll(sandbox.ErrCancelled, nil); n > 0 {
		s.logger.Info("cancelling live executions", "count", n)
	}
	if err := s.registry.Wait(ctx); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return s.worker.Close()
}

// EmergencyStop kills every worker, interrupts every realm execution and
// clears the registry without waiting for anything to unwind.
func (s *Service) EmergencyStop(_ context.Context) error {
	n := s.registry.CancelAll(sandbox.ErrEmergencyStop, nil)
	s.registry.Clear()
	s.events.Record(observability.Event{
		Type:      observability.EventEmergencyStop,
		Timestamp: time.Now(),
		Error:     fmt.Sprintf("%d executions cancelled", n),
	})
	s.logger.Warn("emergency stop", "cancelled", n)
	return nil
}

// Close releases the service.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Cleanup(ctx)
}

// Status is a point-in-time view of the service.
type Status struct {
	ActiveExecutions int                   `json:"activeExecutions"`
	TimeoutMs        int64                 `json:"timeoutMs"`
	MemoryLimit      int64                 `json:"memoryLimit"`
	Backends         []string              `json:"backends"`
	Agents           int                   `json:"agents"`
	Executions       []sandbox.Entry       `json:"executions,omitempty"`
	Stats            Stats                 `json:"stats"`
	RecentEvents     []observability.Event `json:"recentEvents,omitempty"`
}

// Status reports live executions and counters. It has no side effects.
func (s *Service) Status() Status {
	return Status{
		ActiveExecutions: s.registry.Len(),
		TimeoutMs:        s.timeout.Milliseconds(),
		MemoryLimit:      s.memoryLimit,
		Backends: []string{
			string(models.BackendNative),
			string(models.BackendDirect),
			string(s.realm.Name()),
			string(s.worker.Name()),
		},
		Agents:       s.cache.Len(),
		Executions:   s.registry.Snapshot(),
		Stats:        s.stats.snapshot(),
		RecentEvents: s.events.Recent(20),
	}
}

// Events returns the execution timeline, newest first.
func (s *Service) Events(limit int) []observability.Event {
	return s.events.Recent(limit)
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Stats counts finished executions.
type Stats struct {
	Total     int64            `json:"total"`
	Succeeded int64            `json:"succeeded"`
	Failed    int64            `json:"failed"`
	Fallbacks int64            `json:"fallbacks"`
	ByKind    map[string]int64 `json:"byKind"`
	ByBackend map[string]int64 `json:"byBackend"`
}

type statsCounter struct {
	mu sync.Mutex
	s  Stats
}

func newStatsCounter() *statsCounter {
	return &statsCounter{s: Stats{ByKind: map[string]int64{}, ByBackend: map[string]int64{}}}
}

func (c *statsCounter) record(res models.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Total++
	if res.Success {
		c.s.Succeeded++
	} else {
		c.s.Failed++
		c.s.ByKind[string(res.Kind)]++
	}
	if res.FellBack {
		c.s.Fallbacks++
	}
	backend := string(res.Backend)
	if backend == "" {
		backend = "none"
	}
	c.s.ByBackend[strings.ToLower(backend)]++
}

func (c *statsCounter) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	out.ByKind = make(map[string]int64, len(c.s.ByKind))
	for k, v := range c.s.ByKind {
		out.ByKind[k] = v
	}
	out.ByBackend = make(map[string]int64, len(c.s.ByBackend))
	for k, v := range c.s.ByBackend {
		out.ByBackend[k] = v
	}
	return out
}
