// Package sandbox runs agent source under isolation. Realm executes in a
// private goja runtime inside this process; Worker executes in a child
// process with a heap ceiling. Both register live executions in a shared
// Registry so they can be cancelled individually or all at once.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/sandbox/jsenv"
	"github.com/haasonsaas/warden/internal/security"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

var (
	// ErrCancelled is the cancellation cause used by Cleanup.
	ErrCancelled = errors.New("execution cancelled")
	// ErrEmergencyStop is the cancellation cause used by EmergencyStop.
	ErrEmergencyStop = errors.New("execution cancelled: emergency stop")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("sandbox closed")
)

// Job is one sandboxed invocation.
type Job struct {
	Agent     string
	SessionID string
	Source    string
	Params    map[string]any
	// Context is the serializable ambient context handed to the agent.
	Context map[string]any
	// Storage and Model are honoured by Realm only. Worker never forwards them.
	Storage     *storage.Mediated
	Model       llm.Completer
	Timeout     time.Duration
	MemoryLimit int64
}

// Backend executes jobs and always produces a result.
type Backend interface {
	Name() models.Backend
	Run(ctx context.Context, job Job) models.ExecutionResult
}

// Config holds settings shared by the backends.
type Config struct {
	Analyzer        *security.Analyzer
	Logger          *slog.Logger
	Metrics         *observability.Metrics
	DefaultTimeout  time.Duration
	MemoryLimit     int64
	MaxContextBytes int
	WorkerArgs      []string
	WorkerEnv       []string
	WaitDelay       time.Duration
}

// Option configures a backend.
type Option func(*Config)

// WithAnalyzer sets the static scanner.
func WithAnalyzer(a *security.Analyzer) Option {
	return func(c *Config) { c.Analyzer = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Config) { c.Metrics = m }
}

// WithDefaultTimeout sets the timeout used when a job has none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Config) { c.DefaultTimeout = d }
}

// WithMemoryLimit sets the memory limit used when a job has none.
func WithMemoryLimit(bytes int64) Option {
	return func(c *Config) { c.MemoryLimit = bytes }
}

// WithMaxContextBytes bounds the serialized context sent to a worker.
func WithMaxContextBytes(n int) Option {
	return func(c *Config) { c.MaxContextBytes = n }
}

// WithWorkerArgs sets arguments passed to the worker binary.
func WithWorkerArgs(args ...string) Option {
	return func(c *Config) { c.WorkerArgs = append([]string(nil), args...) }
}

// WithWorkerEnv adds environment entries for the worker process.
func WithWorkerEnv(env ...string) Option {
	return func(c *Config) { c.WorkerEnv = append(c.WorkerEnv, env...) }
}

const (
	defaultTimeout         = 30 * time.Second
	defaultMemoryLimit     = 128 << 20
	defaultMaxContextBytes = 64 << 10
	defaultWaitDelay       = 2 * time.Second
)

func newConfig(opts []Option) Config {
	cfg := Config{
		DefaultTimeout:  defaultTimeout,
		MemoryLimit:     defaultMemoryLimit,
		MaxContextBytes: defaultMaxContextBytes,
		WaitDelay:       defaultWaitDelay,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = security.NewAnalyzer()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (c Config) timeoutFor(job Job) time.Duration {
	if job.Timeout > 0 {
		return job.Timeout
	}
	return c.DefaultTimeout
}

func (c Config) memoryFor(job Job) int64 {
	if job.MemoryLimit > 0 {
		return job.MemoryLimit
	}
	return c.MemoryLimit
}

// Classify maps an execution error onto the shared taxonomy.
func Classify(err error) models.ErrorKind {
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrEmergencyStop) {
		return models.KindRuntime
	}
	return jsenv.Classify(err)
}

func finish(res models.ExecutionResult, backend models.Backend, id string, start time.Time, m *observability.Metrics) models.ExecutionResult {
	res.Backend = backend
	res.ExecutionID = id
	res.Duration = time.Since(start)
	m.RecordExecution(string(backend), string(res.Kind), res.Duration)
	return res
}
