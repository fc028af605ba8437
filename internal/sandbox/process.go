package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/warden/internal/sandbox/jsenv"
	"github.com/haasonsaas/warden/internal/worker"
	"github.com/haasonsaas/warden/pkg/models"
)

// WorkerBinaryName is the executable looked up when no worker path is set.
const WorkerBinaryName = "warden-worker"

const (
	maxWorkerOutput = 8 << 20
	stderrTailLines = 20
)

// ResolveWorkerBinary finds the worker executable. An explicit path wins;
// otherwise the binary next to the running executable, then $PATH.
func ResolveWorkerBinary(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("worker binary: %w", err)
		}
		return path, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), WorkerBinaryName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	found, err := exec.LookPath(WorkerBinaryName)
	if err != nil {
		return "", fmt.Errorf("worker binary: %w", err)
	}
	return found, nil
}

// Worker runs each agent in a child process with a heap ceiling. The child
// gets an empty environment apart from its memory limit and never receives
// storage or model handles.
type Worker struct {
	cfg      Config
	registry *Registry
	binary   string

	spawns atomic.Int64
	closed atomic.Bool
}

// NewWorker creates a worker backend that spawns binary.
func NewWorker(registry *Registry, binary string, opts ...Option) *Worker {
	cfg := newConfig(opts)
	cfg.Metrics.SetMemoryLimit(cfg.MemoryLimit)
	return &Worker{cfg: cfg, registry: registry, binary: binary}
}

// Name implements Backend.
func (w *Worker) Name() models.Backend { return models.BackendWorker }

// Spawns reports how many worker processes have been started.
func (w *Worker) Spawns() int64 { return w.spawns.Load() }

// Close stops accepting jobs and kills running workers.
func (w *Worker) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.registry.CancelAll(ErrClosed, func(e Entry) bool {
		return e.Backend == models.BackendWorker
	})
	return nil
}

// Run implements Backend.
func (w *Worker) Run(ctx context.Context, job Job) models.ExecutionResult {
	start := time.Now()
	fail := func(kind models.ErrorKind, msg, id string) models.ExecutionResult {
		return finish(models.Failed(models.BackendWorker, kind, msg), models.BackendWorker, id, start, w.cfg.Metrics)
	}
	logger := w.cfg.Logger.With("agent", job.Agent, "backend", string(models.BackendWorker))

	if w.closed.Load() {
		return fail(models.KindRuntime, ErrClosed.Error(), "")
	}
	if strings.TrimSpace(job.Agent) == "" || strings.TrimSpace(job.Source) == "" {
		return fail(models.KindRuntime, "agent definition is missing a name or source", "")
	}

	report := w.cfg.Analyzer.Analyze(job.Source)
	if !report.Safe {
		w.cfg.Metrics.RecordSecurityRejection(string(models.BackendWorker))
		logger.Warn("agent rejected by static analysis", "violations", report.Violations())
		return fail(models.KindSecurity, report.Summary(), "")
	}

	timeout := w.cfg.timeoutFor(job)
	limit := w.cfg.memoryFor(job)
	payload, err := json.Marshal(worker.Request{
		Agent:       job.Agent,
		SessionID:   job.SessionID,
		Source:      job.Source,
		Params:      job.Params,
		Context:     SanitizeContext(job.Context, w.cfg.MaxContextBytes),
		Timeout:     timeout,
		MemoryLimit: limit,
	})
	if err != nil {
		return fail(models.KindRuntime, fmt.Sprintf("invalid params: %v", err), "")
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	cmd := exec.CommandContext(runCtx, w.binary, w.cfg.WorkerArgs...)
	cmd.Env = append(append([]string(nil), w.cfg.WorkerEnv...),
		"GOMEMLIMIT="+strconv.FormatInt(limit, 10),
		worker.EnvMemoryLimit+"="+strconv.FormatInt(limit, 10),
	)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = w.cfg.WaitDelay
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &cappedBuffer{max: maxWorkerOutput}
	stderr := &lineLogger{logger: logger}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fail(models.KindRuntime, fmt.Sprintf("failed to start worker: %v", err), "")
	}
	w.spawns.Add(1)
	w.cfg.Metrics.WorkerSpawned()

	id := w.registry.Register(job.Agent, models.BackendWorker, start.Add(timeout), func(cause error) {
		cancel(cause)
	})
	defer w.registry.Remove(id)

	w.cfg.Metrics.ExecutionStarted(string(models.BackendWorker))
	defer w.cfg.Metrics.ExecutionFinished(string(models.BackendWorker))
	logger.Debug("worker started", "execution_id", id, "pid", cmd.Process.Pid, "timeout", timeout, "memory_limit", limit)

	waitErr := cmd.Wait()
	stderr.flush()

	res := w.interpret(runCtx, stdout.Bytes(), waitErr, stderr.tailText())
	if !res.Success {
		logger.Debug("worker execution failed", "execution_id", id, "kind", res.Kind, "error", res.Error)
	}
	return finish(res, models.BackendWorker, id, start, w.cfg.Metrics)
}

// interpret turns the worker's output and exit status into a result. A
// response message takes precedence over everything else.
func (w *Worker) interpret(ctx context.Context, stdout []byte, waitErr error, stderrTail string) models.ExecutionResult {
	if resp, ok := lastResponse(stdout); ok {
		if resp.Success {
			return models.Succeeded(models.BackendWorker, resp.Data)
		}
		kind := resp.Kind
		if kind == "" {
			kind = jsenv.ClassifyMessage(resp.Error)
		}
		return models.Failed(models.BackendWorker, kind, resp.Error)
	}

	if ctx.Err() != nil {
		cause := contextCause(ctx)
		return models.Failed(models.BackendWorker, Classify(cause), cause.Error())
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == worker.ExitMemory || strings.Contains(strings.ToLower(stderrTail), "out of memory") {
			return models.Failed(models.BackendWorker, models.KindMemory, "MemoryError: worker exceeded its heap limit")
		}
		msg := fmt.Sprintf("worker exited with code %d", code)
		if stderrTail != "" {
			msg += ": " + lastLine(stderrTail)
		}
		return models.Failed(models.BackendWorker, models.KindRuntime, msg)
	}
	if waitErr != nil {
		return models.Failed(models.BackendWorker, models.KindRuntime, fmt.Sprintf("worker failed: %v", waitErr))
	}
	return models.Failed(models.BackendWorker, models.KindRuntime, "worker exited without a result")
}

func lastResponse(out []byte) (worker.Response, bool) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp worker.Response
		if err := json.Unmarshal(line, &resp); err == nil {
			return resp, true
		}
	}
	return worker.Response{}, false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// cappedBuffer keeps at most max bytes and discards the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte { return b.buf.Bytes() }

// lineLogger forwards worker stderr line by line at debug level and keeps
// the last few lines for error reporting.
type lineLogger struct {
	logger *slog.Logger

	mu      sync.Mutex
	partial []byte
	tail    []string
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}
	if len(l.partial) > maxWorkerOutput {
		l.emit(string(l.partial))
		l.partial = nil
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partial) > 0 {
		l.emit(string(l.partial))
		l.partial = nil
	}
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	l.logger.Debug("worker stderr", "line", line)
	l.tail = append(l.tail, line)
	if len(l.tail) > stderrTailLines {
		l.tail = l.tail[len(l.tail)-stderrTailLines:]
	}
}

func (l *lineLogger) tailText() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.tail, "\n")
}
