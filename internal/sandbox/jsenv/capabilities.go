package jsenv

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/storage"
)

// moduleFactory builds the exports of an allow-listed module.
type moduleFactory func(i *Instance) *goja.Object

var moduleTable = map[string]moduleFactory{
	"crypto":  cryptoModule,
	"uuid":    uuidModule,
	"strings": stringsModule,
}

// AllowedModules returns the names require() resolves, sorted.
func AllowedModules() []string {
	names := make([]string, 0, len(moduleTable))
	for name := range moduleTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (i *Instance) require(call goja.FunctionCall) goja.Value {
	name := strings.TrimPrefix(call.Argument(0).String(), "node:")
	if cached, ok := i.modules[name]; ok {
		return cached
	}
	factory, ok := moduleTable[name]
	if !ok {
		i.throwMessage(NamePermissionError, "module '%s' is not available", name)
	}
	mod := factory(i)
	i.modules[name] = mod
	return mod
}

func hashFunc(i *Instance, sum func([]byte) []byte) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return i.vm.ToValue(hex.EncodeToString(sum([]byte(call.Argument(0).String()))))
	}
}

func cryptoModule(i *Instance) *goja.Object {
	obj := i.vm.NewObject()
	_ = obj.Set("sha256", hashFunc(i, func(b []byte) []byte { s := sha256.Sum256(b); return s[:] }))
	_ = obj.Set("sha1", hashFunc(i, func(b []byte) []byte { s := sha1.Sum(b); return s[:] }))
	_ = obj.Set("md5", hashFunc(i, func(b []byte) []byte { s := md5.Sum(b); return s[:] }))
	_ = obj.Set("randomUUID", func() string { return uuid.NewString() })
	return obj
}

func uuidModule(i *Instance) *goja.Object {
	obj := i.vm.NewObject()
	_ = obj.Set("v4", func() string { return uuid.NewString() })
	return obj
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and joins its alphanumeric runs with dashes.
func Slugify(s string) string {
	return strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

func stringsModule(i *Instance) *goja.Object {
	obj := i.vm.NewObject()
	_ = obj.Set("slugify", func(s string) string { return Slugify(s) })
	_ = obj.Set("truncate", func(s string, n int) string { return Truncate(s, n) })
	_ = obj.Set("words", func(call goja.FunctionCall) goja.Value {
		words := strings.FieldsFunc(call.Argument(0).String(), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
		})
		return i.mustJS(words)
	})
	return obj
}

// sqlArgs accepts either variadic parameters or a single array of them.
func (i *Instance) sqlArgs(args []goja.Value) []any {
	if len(args) == 1 {
		if obj, ok := args[0].(*goja.Object); ok && obj.ClassName() == "Array" {
			var out []any
			if err := i.vm.ExportTo(obj, &out); err == nil {
				return out
			}
		}
	}
	return i.exportArgs(args)
}

func (i *Instance) storageError(err error) {
	if errors.Is(err, storage.ErrForbidden) {
		i.throw(NamePermissionError, err)
	}
	i.throw("StorageError", err)
}

func (i *Instance) storageObject() *goja.Object {
	obj := i.vm.NewObject()
	db := i.env.Storage

	if db == nil {
		deny := func(goja.FunctionCall) goja.Value {
			i.throwMessage(NamePermissionError, "storage is not available to agent %s", i.env.AgentName)
			return goja.Undefined()
		}
		for _, name := range []string{"query", "all", "get", "run", "execute", "prepare"} {
			_ = obj.Set(name, deny)
		}
		return obj
	}

	query := func(call goja.FunctionCall) goja.Value {
		rows, err := db.Query(i.ctx, call.Argument(0).String(), i.sqlArgs(call.Arguments[min(1, len(call.Arguments)):])...)
		if err != nil {
			i.storageError(err)
		}
		return i.mustJS(rows)
	}
	get := func(call goja.FunctionCall) goja.Value {
		rows, err := db.Query(i.ctx, call.Argument(0).String(), i.sqlArgs(call.Arguments[min(1, len(call.Arguments)):])...)
		if err != nil {
			i.storageError(err)
		}
		if len(rows) == 0 {
			return goja.Undefined()
		}
		return i.mustJS(rows[0])
	}
	run := func(call goja.FunctionCall) goja.Value {
		res, err := db.Exec(i.ctx, call.Argument(0).String(), i.sqlArgs(call.Arguments[min(1, len(call.Arguments)):])...)
		if err != nil {
			i.storageError(err)
		}
		return i.mustJS(res)
	}

	_ = obj.Set("query", query)
	_ = obj.Set("all", query)
	_ = obj.Set("get", get)
	_ = obj.Set("run", run)
	_ = obj.Set("execute", run)
	_ = obj.Set("prepare", func(call goja.FunctionCall) goja.Value {
		stmt, err := db.Prepare(call.Argument(0).String())
		if err != nil {
			i.storageError(err)
		}
		return i.statementObject(stmt)
	})
	return obj
}

func (i *Instance) statementObject(stmt *storage.Statement) *goja.Object {
	obj := i.vm.NewObject()
	_ = obj.Set("all", func(call goja.FunctionCall) goja.Value {
		rows, err := stmt.All(i.ctx, i.sqlArgs(call.Arguments)...)
		if err != nil {
			i.storageError(err)
		}
		return i.mustJS(rows)
	})
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		row, err := stmt.Get(i.ctx, i.sqlArgs(call.Arguments)...)
		if err != nil {
			i.storageError(err)
		}
		if row == nil {
			return goja.Undefined()
		}
		return i.mustJS(row)
	})
	_ = obj.Set("run", func(call goja.FunctionCall) goja.Value {
		res, err := stmt.Run(i.ctx, i.sqlArgs(call.Arguments)...)
		if err != nil {
			i.storageError(err)
		}
		return i.mustJS(res)
	})
	return obj
}

type llmOptions struct {
	Temperature *float32
	MaxTokens   int
	Stop        []string
	System      string
}

func (i *Instance) llmObject() *goja.Object {
	obj := i.vm.NewObject()
	_ = obj.Set("complete", func(call goja.FunctionCall) goja.Value {
		prompt := call.Argument(0)
		if goja.IsUndefined(prompt) || goja.IsNull(prompt) {
			i.throwMessage("TypeError", "llm.complete requires a prompt")
		}
		var opts llmOptions
		if raw, err := i.fromJS(call.Argument(1)); err == nil && raw != nil {
			if m, ok := raw.(map[string]any); ok {
				decodeOptions(m, &opts)
			}
		}
		text, err := i.env.Model.Complete(i.ctx, llm.CompletionRequest{
			Prompt:      prompt.String(),
			System:      opts.System,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			Stop:        opts.Stop,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				i.throw("Error", err)
			}
			i.throw("LLMError", fmt.Errorf("llm request failed: %w", err))
		}
		return i.vm.ToValue(text)
	})
	return obj
}

func decodeOptions(m map[string]any, opts *llmOptions) {
	if v, ok := m["temperature"].(float64); ok {
		t := float32(v)
		opts.Temperature = &t
	}
	if v, ok := m["maxTokens"].(float64); ok {
		opts.MaxTokens = int(v)
	}
	if v, ok := m["system"].(string); ok {
		opts.System = v
	}
	switch v := m["stop"].(type) {
	case string:
		opts.Stop = []string{v}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok {
				opts.Stop = append(opts.Stop, str)
			}
		}
	}
}
