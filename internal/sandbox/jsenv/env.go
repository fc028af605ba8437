// Package jsenv builds the capability environment agent code runs in and
// drives an agent's execute function to a settled result.
//
// A fresh goja runtime is created per invocation and never shared between
// goroutines. Only the allow-listed globals are installed; host identifiers
// are bound to undefined rather than left out.
package jsenv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/storage"
)

const maxCallStackSize = 4096

// HiddenGlobals are bound to undefined in every environment.
var HiddenGlobals = []string{
	"process",
	"global",
	"globalThis",
	"module",
	"exports",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"setInterval",
	"clearInterval",
	"queueMicrotask",
	"eval",
	"Function",
	"Deno",
}

// Env describes what a single invocation may reach.
type Env struct {
	AgentName string
	SessionID string
	// Context holds the serializable, session-scoped values exposed as the
	// global `context` object and passed to execute.
	Context map[string]any
	// Storage is nil when the agent has no database access.
	Storage *storage.Mediated
	// Model is nil when the agent has no model access.
	Model  llm.Completer
	Logger *slog.Logger
	Now    func() time.Time
}

// Instance is a runtime populated with an Env. It runs one agent once.
type Instance struct {
	vm  *goja.Runtime
	env Env

	// ctx is the context of the Execute call in progress. Host functions
	// only run on the Execute goroutine.
	ctx context.Context

	modules map[string]goja.Value
	timers  *timerQueue

	interruptOnce sync.Once
	interrupted   chan any
}

// New creates a runtime and installs the capability environment.
func New(env Env) (*Instance, error) {
	if strings.TrimSpace(env.AgentName) == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	if env.Now == nil {
		env.Now = time.Now
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	inst := &Instance{
		vm:          vm,
		env:         env,
		ctx:         context.Background(),
		modules:     make(map[string]goja.Value),
		timers:      newTimerQueue(),
		interrupted: make(chan any, 1),
	}
	if err := inst.build(); err != nil {
		return nil, err
	}
	return inst, nil
}

// Interrupt stops running agent code with v as the cause. It is safe to call
// from any goroutine and only the first call has effect.
func (i *Instance) Interrupt(v any) {
	i.interruptOnce.Do(func() {
		i.vm.Interrupt(v)
		i.interrupted <- v
	})
}

const prelude = `(function () {
	var blocked = function () {
		var e = new Error("dynamic code evaluation is not allowed");
		e.name = "SecurityError";
		throw e;
	};
	var lock = function (proto) {
		try {
			Object.defineProperty(proto, "constructor", { value: blocked, writable: false, configurable: false, enumerable: false });
		} catch (e) {}
	};
	lock(Function.prototype);
	try { lock(Object.getPrototypeOf(async function () {})); } catch (e) {}
	try { lock(Object.getPrototypeOf(function* () {})); } catch (e) {}
	globalThis.__lockConstructor = lock;
})();`

// asyncGeneratorLock is compiled on its own because engines without async
// generators reject it at parse time.
const asyncGeneratorLock = `__lockConstructor(Object.getPrototypeOf(async function* () {}));`

func (i *Instance) build() error {
	vm := i.vm

	if _, err := vm.RunString(prelude); err != nil {
		return fmt.Errorf("failed to prepare runtime: %w", err)
	}
	_, _ = vm.RunString(asyncGeneratorLock)
	if _, err := vm.RunString(`delete globalThis.__lockConstructor;`); err != nil {
		return fmt.Errorf("failed to prepare runtime: %w", err)
	}

	for _, name := range HiddenGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to hide %s: %w", name, err)
		}
	}

	setters := []struct {
		name  string
		value any
	}{
		{"console", i.console()},
		{"storage", i.storageObject()},
		{"require", i.require},
		{"setTimeout", i.setTimeout},
		{"clearTimeout", i.clearTimeout},
		{"now", func() int64 { return i.env.Now().UnixMilli() }},
	}
	for _, s := range setters {
		if err := vm.Set(s.name, s.value); err != nil {
			return fmt.Errorf("failed to install %s: %w", s.name, err)
		}
	}

	if i.env.Model != nil {
		if err := vm.Set("llm", i.llmObject()); err != nil {
			return fmt.Errorf("failed to install llm: %w", err)
		}
	} else if err := vm.Set("llm", goja.Undefined()); err != nil {
		return fmt.Errorf("failed to hide llm: %w", err)
	}

	agentObj := vm.NewObject()
	_ = agentObj.Set("name", i.env.AgentName)
	_ = agentObj.Set("timestamp", i.env.Now().UnixMilli())
	if i.env.SessionID != "" {
		_ = agentObj.Set("sessionId", i.env.SessionID)
	}
	if err := vm.Set("agent", agentObj); err != nil {
		return fmt.Errorf("failed to install agent: %w", err)
	}

	ctxValue, err := i.toJS(i.env.Context)
	if err != nil {
		return fmt.Errorf("failed to install context: %w", err)
	}
	if err := vm.Set("context", ctxValue); err != nil {
		return fmt.Errorf("failed to install context: %w", err)
	}
	return nil
}

// throw raises a named JS error carrying err so the Go side can unwrap it.
func (i *Instance) throw(name string, err error) {
	obj := i.vm.NewGoError(err)
	_ = obj.Set("name", name)
	panic(obj)
}

func (i *Instance) throwMessage(name, format string, args ...any) {
	i.throw(name, fmt.Errorf(format, args...))
}

// toJS copies a Go value into plain JS objects through JSON so agent code
// never holds a live reference to host data.
func (i *Instance) toJS(v any) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	parse, ok := goja.AssertFunction(i.vm.Get("JSON").ToObject(i.vm).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	return parse(goja.Undefined(), i.vm.ToValue(string(raw)))
}

func (i *Instance) mustJS(v any) goja.Value {
	out, err := i.toJS(v)
	if err != nil {
		i.throw("TypeError", fmt.Errorf("value cannot be passed to agent code: %w", err))
	}
	return out
}

// fromJS exports a JS value into JSON-compatible Go data.
func (i *Instance) fromJS(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	stringify, ok := goja.AssertFunction(i.vm.Get("JSON").ToObject(i.vm).Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("JSON.stringify unavailable")
	}
	s, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", fromGoja(err))
	}
	if goja.IsUndefined(s) {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s.String()), &out); err != nil {
		return nil, fmt.Errorf("result is not serializable: %w", err)
	}
	return out, nil
}

func (i *Instance) exportArgs(args []goja.Value) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		if goja.IsUndefined(a) || goja.IsNull(a) {
			out = append(out, nil)
			continue
		}
		out = append(out, a.Export())
	}
	return out
}

func (i *Instance) console() *goja.Object {
	obj := i.vm.NewObject()
	levels := map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"debug": slog.LevelDebug,
	}
	for name, level := range levels {
		_ = obj.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, i.describe(arg))
			}
			i.env.Logger.Log(i.ctx, level, "["+i.env.AgentName+"] "+strings.Join(parts, " "),
				"agent", i.env.AgentName)
			return goja.Undefined()
		})
	}
	return obj
}

func (i *Instance) describe(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(v); isFn {
			return "[Function]"
		}
		if obj.ClassName() == "Error" {
			return obj.String()
		}
		if out, err := i.fromJS(v); err == nil {
			if raw, err := json.Marshal(out); err == nil {
				return string(raw)
			}
		}
	}
	return v.String()
}
