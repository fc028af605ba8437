package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"runtime/metrics"
	"syscall"
	"time"

	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/sandbox/jsenv"
	"github.com/haasonsaas/warden/pkg/models"
)

const (
	heapSample     = "/memory/classes/heap/objects:bytes"
	sampleInterval = 10 * time.Millisecond
	// interruptGrace is how long a breached worker waits for the runtime to
	// honour the interrupt before exiting.
	interruptGrace = 250 * time.Millisecond
)

// Options configures Serve.
type Options struct {
	Logger *slog.Logger
	// MemoryLimit applies when the request does not carry one.
	MemoryLimit int64
	// Exit terminates the process. Tests substitute it.
	Exit func(code int)
	// HeapBytes reports the live heap size. Defaults to runtime/metrics.
	HeapBytes func() uint64
}

// Serve handles one request from in and writes the response to out. It returns
// the process exit code.
func Serve(ctx context.Context, in io.Reader, out io.Writer, opts Options) int {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.HeapBytes == nil {
		opts.HeapBytes = readHeapBytes
	}

	var req Request
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		_ = WriteResponse(out, Response{Error: fmt.Sprintf("invalid request: %v", err), Kind: models.KindRuntime})
		return ExitProtocol
	}
	if err := req.Validate(); err != nil {
		_ = WriteResponse(out, Response{Error: err.Error(), Kind: models.KindRuntime})
		return ExitProtocol
	}

	limit := req.MemoryLimit
	if limit <= 0 {
		limit = opts.MemoryLimit
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	logger := opts.Logger.With("agent", req.Agent)
	inst, err := jsenv.New(jsenv.Env{
		AgentName: req.Agent,
		SessionID: req.SessionID,
		Context:   req.Context,
		Logger:    logger,
	})
	if err != nil {
		_ = WriteResponse(out, Response{Error: err.Error(), Kind: models.KindRuntime})
		return ExitProtocol
	}

	done := make(chan struct{})
	if limit > 0 {
		go watchHeap(done, limit, inst, opts, logger)
	}

	data, err := inst.Execute(ctx, req.Source, req.Params)
	close(done)

	if err != nil {
		kind := jsenv.Classify(err)
		logger.Debug("agent failed", "kind", kind, "error", err)
		_ = WriteResponse(out, Response{Error: err.Error(), Kind: kind})
		return ExitOK
	}
	if err := WriteResponse(out, Response{Success: true, Data: data}); err != nil {
		logger.Error("failed to write response", "error", err)
		return ExitProtocol
	}
	return ExitOK
}

// watchHeap samples the heap and interrupts the runtime once it exceeds
// limit. If the interrupt does not land within the grace period the process
// exits with ExitMemory.
func watchHeap(done <-chan struct{}, limit int64, inst *jsenv.Instance, opts Options, logger *slog.Logger) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			heap := opts.HeapBytes()
			if heap <= uint64(limit) {
				continue
			}
			logger.Warn("heap limit exceeded", "heap_bytes", heap, "limit_bytes", limit)
			inst.Interrupt(jsenv.ErrMemoryLimit)
			select {
			case <-done:
			case <-time.After(interruptGrace):
				opts.Exit(ExitMemory)
			}
			return
		}
	}
}

func readHeapBytes() uint64 {
	samples := []metrics.Sample{{Name: heapSample}}
	metrics.Read(samples)
	if samples[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return samples[0].Value.Uint64()
}

// Main runs a worker process over stdin and stdout.
func Main() int {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  os.Getenv(EnvLogLevel),
		Format: "json",
		Output: os.Stderr,
	}).Slog()

	limit := ParseMemoryLimit(os.Getenv(EnvMemoryLimit))
	if limit > 0 {
		// GOMEMLIMIT is normally set by the parent as well; this keeps the
		// soft limit in place when the worker is started by hand.
		debug.SetMemoryLimit(limit)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Serve(ctx, os.Stdin, os.Stdout, Options{
		Logger:      logger,
		MemoryLimit: limit,
	})
}
