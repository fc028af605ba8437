package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/warden/internal/agents"
	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/sandbox/jsenv"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

// errNoDirectPath is the direct-run failure for trusted agents that have
// neither a native handler nor source.
var errNoDirectPath = errors.New("agent has no native handler or source")

// Invocation is one routed call.
type Invocation struct {
	Def     *models.AgentDefinition
	Params  map[string]any
	Context models.ExecContext
	// Storage and Model override the router defaults for this call.
	Storage storage.Engine
	Model   llm.Completer
}

// Router picks the execution path for an agent from its trust tier.
// Trusted agents run directly and fall back to a sandbox on any failure;
// untrusted agents always run in a worker.
type Router struct {
	natives        *agents.Natives
	realm          sandbox.Backend
	worker         sandbox.Backend
	storage        storage.Engine
	model          llm.Completer
	fallback       models.IsolationMode
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	events         *observability.EventLog
}

func (r *Router) timeoutFor(def *models.AgentDefinition) time.Duration {
	if def.Config.Timeout > 0 {
		return def.Config.Timeout
	}
	return r.defaultTimeout
}

// Route runs the invocation and always returns a result.
func (r *Router) Route(ctx context.Context, inv Invocation) models.ExecutionResult {
	def := inv.Def
	budget := r.timeoutFor(def)
	if !def.IsTrusted() {
		return r.runSandboxed(ctx, r.worker, inv, budget)
	}

	start := time.Now()
	res, err := r.runDirect(ctx, inv)
	if err == nil {
		return res
	}
	if ctx.Err() != nil {
		// The caller gave up; a fallback would only run against a dead context.
		return r.directFailure(sandbox.Classify(context.Cause(ctx)), err, start)
	}
	// One deadline covers the direct run and its fallback.
	remaining := budget - time.Since(start)
	if sandbox.Classify(err) == models.KindTimeout || remaining <= 0 {
		return r.directFailure(models.KindTimeout, err, start)
	}

	target := r.fallbackFor(def)
	r.logger.Warn("direct execution failed, falling back",
		"agent", def.Name,
		"target", string(target.Name()),
		"error", err,
	)
	r.metrics.RecordFallback(string(target.Name()))
	r.events.Record(observability.Event{
		Type:      observability.EventFallback,
		Timestamp: time.Now(),
		SessionID: inv.Context.SessionID,
		Agent:     def.Name,
		Backend:   string(target.Name()),
		Error:     err.Error(),
	})

	res = r.runSandboxed(ctx, target, inv, remaining)
	res.FellBack = true
	return res
}

func (r *Router) directFailure(kind models.ErrorKind, err error, start time.Time) models.ExecutionResult {
	res := models.Failed(models.BackendDirect, kind, err.Error())
	res.Duration = time.Since(start)
	return res
}

func (r *Router) fallbackFor(def *models.AgentDefinition) sandbox.Backend {
	mode := def.Config.Isolation
	if mode == models.IsolationDefault {
		mode = r.fallback
	}
	if mode == models.IsolationWorker {
		return r.worker
	}
	return r.realm
}

func (r *Router) runSandboxed(ctx context.Context, backend sandbox.Backend, inv Invocation, timeout time.Duration) models.ExecutionResult {
	ctx, span := r.tracer.TraceBackend(ctx, string(backend.Name()))
	defer span.End()

	job := sandbox.Job{
		Agent:       inv.Def.Name,
		SessionID:   inv.Context.SessionID,
		Source:      inv.Def.Source,
		Params:      inv.Params,
		Context:     inv.Context.Map(inv.Def.Name),
		Timeout:     timeout,
		MemoryLimit: inv.Def.Config.MemoryLimitBytes,
	}
	// Handles only matter to the realm; the worker never forwards them.
	if backend.Name() == models.BackendRealm {
		job.Storage = r.mediatedFor(inv)
		job.Model = r.modelFor(inv)
	}

	res := backend.Run(ctx, job)
	if !res.Success {
		r.tracer.RecordError(span, errors.New(res.Error))
		if res.Kind == models.KindSecurity {
			r.events.Record(observability.Event{
				Type:        observability.EventSecurityRejection,
				Timestamp:   time.Now(),
				ExecutionID: res.ExecutionID,
				SessionID:   inv.Context.SessionID,
				Agent:       inv.Def.Name,
				Backend:     string(backend.Name()),
				Error:       res.Error,
			})
		}
	}
	r.tracer.SetAttributes(span, "execution.id", res.ExecutionID, "execution.kind", string(res.Kind))
	return res
}

// runDirect invokes a trusted agent without isolation. Any error, including
// a recovered panic, is returned so Route can fall back.
func (r *Router) runDirect(ctx context.Context, inv Invocation) (res models.ExecutionResult, err error) {
	def := inv.Def
	start := time.Now()
	ctx, span := r.tracer.TraceBackend(ctx, string(models.BackendDirect))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("direct execution panicked: %v", p)
		}
		if err != nil {
			r.tracer.RecordError(span, err)
			r.metrics.RecordExecution(string(models.BackendDirect), string(sandbox.Classify(err)), time.Since(start))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeoutFor(def))
	defer cancel()

	if handler, ok := r.natives.Lookup(def.Name); ok {
		data, err := handler(ctx, inv.Params, agents.NativeContext{
			Agent:     def.Name,
			SessionID: inv.Context.SessionID,
			Values:    inv.Context.Map(def.Name),
			Storage:   r.mediatedFor(inv),
			Model:     r.modelFor(inv),
			Logger:    r.logger.With("agent", def.Name),
		})
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			return models.ExecutionResult{}, err
		}
		return r.directResult(models.BackendNative, data, start), nil
	}

	if !def.HasSource() {
		return models.ExecutionResult{}, errNoDirectPath
	}
	inst, err := jsenv.New(jsenv.Env{
		AgentName: def.Name,
		SessionID: inv.Context.SessionID,
		Context:   inv.Context.Map(def.Name),
		Storage:   r.mediatedFor(inv),
		Model:     r.modelFor(inv),
		Logger:    r.logger,
	})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	data, err := inst.Execute(ctx, def.Source, inv.Params)
	if err != nil {
		return models.ExecutionResult{}, err
	}
	return r.directResult(models.BackendDirect, data, start), nil
}

func (r *Router) directResult(backend models.Backend, data any, start time.Time) models.ExecutionResult {
	res := models.Succeeded(backend, data)
	res.Duration = time.Since(start)
	r.metrics.RecordExecution(string(backend), "", res.Duration)
	return res
}

// mediatedFor returns a filtered storage handle, or nil when the agent does
// not require the database.
func (r *Router) mediatedFor(inv Invocation) *storage.Mediated {
	if !inv.Def.RequiresDatabase {
		return nil
	}
	engine := inv.Storage
	if engine == nil {
		engine = r.storage
	}
	if engine == nil {
		return nil
	}
	agent := inv.Def.Name
	return storage.NewMediated(engine, storage.WithRejectHook(func(query string, err error) {
		r.metrics.StatementRejected()
		r.logger.Warn("storage statement rejected", "agent", agent, "error", err)
	}))
}

// modelFor returns the model client when the agent declared the llm
// capability.
func (r *Router) modelFor(inv Invocation) llm.Completer {
	if !inv.Def.HasCapability(models.CapabilityLLM) {
		return nil
	}
	if inv.Model != nil {
		return inv.Model
	}
	return r.model
}
