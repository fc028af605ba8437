// Package models holds the data types shared between the agent cache, the
// execution backends and the callers of the execution service.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// TrustTier classifies an agent for routing.
type TrustTier string

const (
	// TrustTrusted marks first-party agents that may bypass isolation.
	TrustTrusted TrustTier = "trusted"
	// TrustUntrusted marks downloaded or generated agents. They always run in a worker.
	TrustUntrusted TrustTier = "untrusted"
)

// ParseTrustTier normalizes a manifest value. Unknown values are untrusted.
func ParseTrustTier(value string) TrustTier {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TrustTrusted):
		return TrustTrusted
	default:
		return TrustUntrusted
	}
}

// IsolationMode selects the sandbox backend used for an agent once direct
// execution is ruled out.
type IsolationMode string

const (
	// IsolationDefault lets the router decide from the trust tier.
	IsolationDefault IsolationMode = ""
	// IsolationRealm runs in a restricted in-process namespace.
	IsolationRealm IsolationMode = "realm"
	// IsolationWorker runs in a separate worker process with a heap ceiling.
	IsolationWorker IsolationMode = "worker"
)

// Well-known capability names declared by agents.
const (
	CapabilityLLM     = "llm"
	CapabilityStorage = "storage"
)

// AgentConfig carries per-agent execution limits. Zero values fall back to the
// service defaults.
type AgentConfig struct {
	Timeout          time.Duration `json:"timeout,omitempty"`
	MemoryLimitBytes int64         `json:"memory_limit_bytes,omitempty"`
	Isolation        IsolationMode `json:"isolation,omitempty"`
}

// AgentDefinition describes a loaded agent. Definitions are immutable once
// handed out by the cache; a reload replaces them wholesale.
type AgentDefinition struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Source           string          `json:"-"`
	Trust            TrustTier       `json:"trust"`
	RequiresDatabase bool            `json:"requires_database,omitempty"`
	Config           AgentConfig     `json:"config"`
	Capabilities     []string        `json:"capabilities,omitempty"`
	ParamsSchema     json.RawMessage `json:"params_schema,omitempty"`
	Path             string          `json:"path,omitempty"`
}

// ErrInvalidDefinition is returned for definitions missing required fields.
var ErrInvalidDefinition = errors.New("invalid agent definition")

// Validate checks the fields every backend relies on.
func (d *AgentDefinition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: definition is nil", ErrInvalidDefinition)
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	switch d.Trust {
	case TrustTrusted, TrustUntrusted:
	default:
		return fmt.Errorf("%w: agent %q has unknown trust tier %q", ErrInvalidDefinition, d.Name, d.Trust)
	}
	switch d.Config.Isolation {
	case IsolationDefault, IsolationRealm, IsolationWorker:
	default:
		return fmt.Errorf("%w: agent %q has unknown isolation %q", ErrInvalidDefinition, d.Name, d.Config.Isolation)
	}
	return nil
}

// IsTrusted reports whether the agent may be invoked directly.
func (d *AgentDefinition) IsTrusted() bool {
	return d != nil && d.Trust == TrustTrusted
}

// HasSource reports whether the agent has script source to run in a sandbox.
func (d *AgentDefinition) HasSource() bool {
	return d != nil && strings.TrimSpace(d.Source) != ""
}

// HasCapability reports whether the agent declared the named capability.
func (d *AgentDefinition) HasCapability(name string) bool {
	if d == nil {
		return false
	}
	return slices.ContainsFunc(d.Capabilities, func(c string) bool {
		return strings.EqualFold(strings.TrimSpace(c), name)
	})
}
