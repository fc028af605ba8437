package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/warden/internal/sandbox/jsenv"
	"github.com/haasonsaas/warden/pkg/models"
)

// realmGrace bounds how long Run waits for an interrupted runtime to unwind.
const realmGrace = 100 * time.Millisecond

// Realm runs agents in a private goja runtime inside this process. Memory
// limits are advisory here; only the Worker backend enforces them.
type Realm struct {
	cfg      Config
	registry *Registry
	runtimes atomic.Int64
}

// NewRealm creates a realm backend that registers executions in registry.
func NewRealm(registry *Registry, opts ...Option) *Realm {
	cfg := newConfig(opts)
	cfg.Metrics.SetMemoryLimit(cfg.MemoryLimit)
	return &Realm{cfg: cfg, registry: registry}
}

// Name implements Backend.
func (r *Realm) Name() models.Backend { return models.BackendRealm }

// RuntimesCreated reports how many runtimes this backend has built.
func (r *Realm) RuntimesCreated() int64 { return r.runtimes.Load() }

// Run implements Backend.
func (r *Realm) Run(ctx context.Context, job Job) models.ExecutionResult {
	start := time.Now()
	logger := r.cfg.Logger.With("agent", job.Agent, "backend", string(models.BackendRealm))

	if job.Agent == "" || job.Source == "" {
		return finish(models.Failed(models.BackendRealm, models.KindRuntime, "agent definition is missing a name or source"),
			models.BackendRealm, "", start, r.cfg.Metrics)
	}

	report := r.cfg.Analyzer.Analyze(job.Source)
	if !report.Safe {
		r.cfg.Metrics.RecordSecurityRejection(string(models.BackendRealm))
		logger.Warn("agent rejected by static analysis", "violations", report.Violations())
		return finish(models.Failed(models.BackendRealm, models.KindSecurity, report.Summary()),
			models.BackendRealm, "", start, r.cfg.Metrics)
	}

	timeout := r.cfg.timeoutFor(job)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	inst, err := jsenv.New(jsenv.Env{
		AgentName: job.Agent,
		SessionID: job.SessionID,
		Context:   job.Context,
		Storage:   job.Storage,
		Model:     job.Model,
		Logger:    r.cfg.Logger,
	})
	if err != nil {
		return finish(models.Failed(models.BackendRealm, models.KindRuntime, err.Error()),
			models.BackendRealm, "", start, r.cfg.Metrics)
	}
	r.runtimes.Add(1)

	id := r.registry.Register(job.Agent, models.BackendRealm, start.Add(timeout), func(cause error) {
		cancel(cause)
	})
	defer r.registry.Remove(id)

	r.cfg.Metrics.ExecutionStarted(string(models.BackendRealm))
	defer r.cfg.Metrics.ExecutionFinished(string(models.BackendRealm))
	logger.Debug("realm execution started", "execution_id", id, "timeout", timeout)

	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("agent runtime panic: %v", p)}
			}
		}()
		data, err := inst.Execute(runCtx, job.Source, job.Params)
		done <- outcome{data: data, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// The interrupt normally lands within a few instructions; a host call
		// that ignores its context is abandoned after the grace period.
		select {
		case out = <-done:
		case <-time.After(realmGrace):
			out = outcome{err: contextCause(runCtx)}
			logger.Warn("realm execution did not unwind after interrupt", "execution_id", id)
		}
	}

	var res models.ExecutionResult
	if out.err != nil {
		kind := Classify(out.err)
		logger.Debug("realm execution failed", "execution_id", id, "kind", kind, "error", out.err)
		res = models.Failed(models.BackendRealm, kind, out.err.Error())
	} else {
		res = models.Succeeded(models.BackendRealm, out.data)
	}
	return finish(res, models.BackendRealm, id, start, r.cfg.Metrics)
}

// contextCause reports why ctx ended, mapping a deadline to jsenv.ErrTimeout.
func contextCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return context.Canceled
	case errors.Is(cause, context.DeadlineExceeded):
		return jsenv.ErrTimeout
	default:
		return cause
	}
}
