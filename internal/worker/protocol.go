// Package worker is the child side of the worker execution protocol. A worker
// reads one Request as JSON on stdin, runs the agent in a capability
// environment without storage or model access, and writes one Response line
// on stdout.
package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/haasonsaas/warden/pkg/models"
)

// Environment variables understood by the worker.
const (
	EnvMemoryLimit = "WARDEN_WORKER_MEMORY_LIMIT"
	EnvLogLevel    = "WARDEN_WORKER_LOG_LEVEL"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitProtocol = 1
	ExitMemory   = 3
)

// Request is the payload the parent writes to the worker's stdin.
type Request struct {
	Agent       string         `json:"agent"`
	SessionID   string         `json:"sessionId,omitempty"`
	Source      string         `json:"source"`
	Params      map[string]any `json:"params,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	MemoryLimit int64          `json:"memoryLimit,omitempty"`
}

// Validate checks the fields a worker needs.
func (r *Request) Validate() error {
	if r.Agent == "" {
		return fmt.Errorf("agent name is required")
	}
	if r.Source == "" {
		return fmt.Errorf("agent source is required")
	}
	return nil
}

// Response is the single message the worker writes to stdout.
type Response struct {
	Success bool             `json:"success"`
	Data    any              `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
	Kind    models.ErrorKind `json:"kind,omitempty"`
}

// WriteResponse writes resp as one JSON line.
func WriteResponse(w io.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{
			Success: false,
			Error:   fmt.Sprintf("result is not serializable: %v", err),
			Kind:    models.KindRuntime,
		})
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// ParseMemoryLimit reads a byte count from the environment value v.
func ParseMemoryLimit(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
