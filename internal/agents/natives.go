package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/pkg/models"
)

// NativeContext is what a native agent may reach. Storage is set only for
// agents that require the database, Model only for agents that declare the
// llm capability.
type NativeContext struct {
	Agent     string
	SessionID string
	Values    map[string]any
	Storage   *storage.Mediated
	Model     llm.Completer
	Logger    *slog.Logger
}

// NativeHandler is a first-party agent implemented in Go.
type NativeHandler func(ctx context.Context, params map[string]any, nctx NativeContext) (any, error)

// Natives maps agent names to native handlers.
type Natives struct {
	mu       sync.RWMutex
	handlers map[string]NativeHandler
}

// NewNatives creates an empty registry.
func NewNatives() *Natives {
	return &Natives{handlers: make(map[string]NativeHandler)}
}

// Register adds a handler. Names are unique.
func (n *Natives) Register(name string, handler NativeHandler) error {
	name = strings.TrimSpace(name)
	if name == "" || handler == nil {
		return fmt.Errorf("native agent needs a name and a handler")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.handlers[name]; exists {
		return fmt.Errorf("native agent %q already registered", name)
	}
	n.handlers[name] = handler
	return nil
}

// Lookup returns the handler for name.
func (n *Natives) Lookup(name string) (NativeHandler, bool) {
	if n == nil {
		return nil, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[name]
	return h, ok
}

// Names returns the registered names in order.
func (n *Natives) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.handlers))
	for name := range n.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin is a native agent shipped with warden together with its definition.
type Builtin struct {
	Definition models.AgentDefinition
	Handler    NativeHandler
}

// Builtins returns the first-party native agents.
func Builtins() []Builtin {
	return []Builtin{
		{
			Definition: models.AgentDefinition{
				ID:               "memory",
				Name:             "memory",
				Description:      "Store, retrieve and search session memories.",
				Trust:            models.TrustTrusted,
				RequiresDatabase: true,
				ParamsSchema: []byte(`{
	"type": "object",
	"properties": {
		"action": {"enum": ["store", "retrieve", "search"]},
		"key": {"type": "string"},
		"content": {"type": "string"},
		"query": {"type": "string"},
		"limit": {"type": "integer", "minimum": 1}
	},
	"required": ["action"]
}`),
			},
			Handler: memoryAgent,
		},
		{
			Definition: models.AgentDefinition{
				ID:          "clock",
				Name:        "clock",
				Description: "Report the invocation timestamp and session.",
				Trust:       models.TrustTrusted,
			},
			Handler: clockAgent,
		},
	}
}

// RegisterBuiltins adds the builtin handlers to natives and their
// definitions to cache.
func RegisterBuiltins(cache *Cache, natives *Natives) error {
	for _, b := range Builtins() {
		if err := cache.Put(b.Definition); err != nil {
			return fmt.Errorf("builtin %s: %w", b.Definition.Name, err)
		}
		if err := natives.Register(b.Definition.Name, b.Handler); err != nil {
			return err
		}
	}
	return nil
}

// memoryAgent turns its params into a storage directive. The execution
// service performs the directive against the memory store.
func memoryAgent(_ context.Context, params map[string]any, nctx NativeContext) (any, error) {
	action, _ := params["action"].(string)
	out := map[string]any{"action": action}
	switch action {
	case "store":
		content, _ := params["content"].(string)
		if strings.TrimSpace(content) == "" {
			return nil, fmt.Errorf("memory store requires content")
		}
		out["content"] = content
		if key, ok := params["key"].(string); ok {
			out["key"] = key
		}
	case "retrieve":
		if key, ok := params["key"].(string); ok {
			out["key"] = key
		}
	case "search":
		query, _ := params["query"].(string)
		if strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("memory search requires a query")
		}
		out["query"] = query
	default:
		return nil, fmt.Errorf("unknown memory action %q", action)
	}
	if limit, ok := params["limit"]; ok {
		out["limit"] = limit
	}
	if nctx.SessionID != "" {
		out["sessionId"] = nctx.SessionID
	}
	return out, nil
}

func clockAgent(_ context.Context, _ map[string]any, nctx NativeContext) (any, error) {
	return map[string]any{
		"timestamp": nctx.Values["timestamp"],
		"sessionId": nctx.SessionID,
		"agent":     nctx.Agent,
	}, nil
}
