package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/haasonsaas/warden/internal/security"
	"github.com/haasonsaas/warden/pkg/models"
)

const (
	defaultServeAddr = "127.0.0.1:7420"
	maxRequestBytes  = 1 << 20
)

// executeRequest is the body of POST /v1/agents/{name}/execute.
type executeRequest struct {
	Params    map[string]any `json:"params"`
	SessionID string         `json:"sessionId"`
	Context   map[string]any `json:"context"`
}

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe serves the execution API until SIGINT or SIGTERM, then cleans up
// running executions.
func runServe(ctx context.Context, configPath, addr string, debug bool) error {
	rt, err := openRuntime(ctx, configPath, runtimeOptions{debug: debug})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if addr == "" {
		addr = rt.cfg.Observability.MetricsAddr
	}
	if addr == "" {
		addr = defaultServeAddr
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if report, err := security.AuditAgentFiles(rt.cfg.Agents.Dirs, configPath); err != nil {
		slog.Warn("agent file audit failed", "error", err)
	} else {
		for _, f := range report.Findings {
			if f.Severity == security.SeverityCritical {
				slog.Warn("unsafe agent file permissions", "check", f.CheckID, "path", f.Path, "detail", f.Detail)
			}
		}
	}

	if rt.cfg.Agents.Watch {
		if err := rt.cache.Watch(ctx); err != nil {
			slog.Warn("agent watch disabled", "error", err)
		}
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           newServeMux(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	slog.Info("warden started",
		"version", version,
		"commit", commit,
		"addr", listener.Addr().String(),
		"agents", rt.cache.Len(),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if err := rt.service.Cleanup(shutdownCtx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	slog.Info("warden stopped gracefully")
	return nil
}

// newServeMux builds the HTTP routes over a runtime.
func newServeMux(rt *runtime) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", rt.metrics.Handler())

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, rt.service.Status())
	})

	mux.HandleFunc("GET /v1/agents", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, rt.cache.List())
	})

	mux.HandleFunc("POST /v1/agents/{name}/execute", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if _, ok := rt.cache.Get(name); !ok {
			respondError(w, http.StatusNotFound, fmt.Errorf("agent not found: %s", name))
			return
		}

		var req executeRequest
		if r.ContentLength != 0 {
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
			if err := dec.Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
				return
			}
		}

		res := rt.service.ExecuteAgent(r.Context(), name, req.Params, models.ExecContext{
			Timestamp: time.Now(),
			SessionID: req.SessionID,
			Values:    req.Context,
		})
		respondJSON(w, http.StatusOK, res)
	})

	mux.HandleFunc("POST /v1/emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		stopped := rt.service.Status().ActiveExecutions
		if err := rt.service.EmergencyStop(r.Context()); err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
	})

	return mux
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
