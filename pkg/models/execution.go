package models

import (
	"maps"
	"time"
)

// ErrorKind is the failure taxonomy shared by every execution path.
type ErrorKind string

const (
	// KindSecurity means the static check rejected the code before execution.
	KindSecurity ErrorKind = "SECURITY"
	// KindPermission means a disallowed module or statement was requested at runtime.
	KindPermission ErrorKind = "PERMISSION"
	// KindTimeout means the wall-clock budget was exceeded.
	KindTimeout ErrorKind = "TIMEOUT"
	// KindMemory means the heap ceiling was exceeded or memory exhaustion was reported.
	KindMemory ErrorKind = "MEMORY"
	// KindRuntime covers every other failure, including malformed agents.
	KindRuntime ErrorKind = "RUNTIME"
)

// Backend identifies which execution path produced a result.
type Backend string

const (
	BackendNative Backend = "native"
	BackendDirect Backend = "direct"
	BackendRealm  Backend = "realm"
	BackendWorker Backend = "worker"
)

// ExecutionResult is produced exactly once per invocation.
type ExecutionResult struct {
	Success     bool          `json:"success"`
	Data        any           `json:"data,omitempty"`
	Error       string        `json:"error,omitempty"`
	Kind        ErrorKind     `json:"errorKind,omitempty"`
	Backend     Backend       `json:"backend,omitempty"`
	ExecutionID string        `json:"executionId,omitempty"`
	Duration    time.Duration `json:"duration"`
	// FellBack is set when a trusted direct call failed and the result came
	// from a sandboxed retry.
	FellBack bool `json:"fellBack,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(backend Backend, data any) ExecutionResult {
	return ExecutionResult{Success: true, Data: data, Backend: backend}
}

// Failed builds a failure result.
func Failed(backend Backend, kind ErrorKind, message string) ExecutionResult {
	if kind == "" {
		kind = KindRuntime
	}
	return ExecutionResult{Success: false, Error: message, Kind: kind, Backend: backend}
}

// ExecContext holds the ambient, serializable fields of a request. Handles such
// as the database or model client travel separately and never cross a worker
// boundary.
type ExecContext struct {
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	Values    map[string]any `json:"values,omitempty"`
}

// Map flattens the context into the object handed to agent code. Values are
// copied so the caller's map is never shared with a running agent.
func (c ExecContext) Map(agentName string) map[string]any {
	out := make(map[string]any, len(c.Values)+3)
	maps.Copy(out, c.Values)
	ts := c.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out["timestamp"] = ts.UnixMilli()
	out["agentName"] = agentName
	if c.SessionID != "" {
		out["sessionId"] = c.SessionID
	}
	return out
}
