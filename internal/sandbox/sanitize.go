package sandbox

import (
	"encoding/json"
	"io"
	"reflect"
	"strings"

	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/storage"
)

// TruncatedKey marks a context that was replaced because it was too large.
const TruncatedKey = "_truncated"

// handleKeys are dropped on an exact, case-insensitive match.
var handleKeys = map[string]struct{}{
	"db":       {},
	"database": {},
	"storage":  {},
	"llm":      {},
	"model":    {},
	"client":   {},
}

// secretFragments are dropped when they appear anywhere in a key.
var secretFragments = []string{
	"credential",
	"secret",
	"password",
	"passwd",
	"apikey",
	"api_key",
	"api-key",
	"private_key",
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := handleKeys[k]; ok {
		return true
	}
	for _, frag := range secretFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	// "token" only as a suffix so limits such as maxTokens survive.
	return strings.HasSuffix(k, "token")
}

// SanitizeContext returns a copy of ctx that is safe to send to a worker.
// Handles, credentials and values that cannot be encoded as JSON are removed,
// at any depth. When the encoded result exceeds maxBytes the whole context is
// replaced with a truncation marker carrying the original size.
func SanitizeContext(ctx map[string]any, maxBytes int) map[string]any {
	out := sanitizeMap(ctx)
	data, err := json.Marshal(out)
	if err != nil {
		return map[string]any{}
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return map[string]any{TruncatedKey: true, "originalSize": len(data)}
	}
	return out
}

func sanitizeMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if sensitiveKey(k) {
			continue
		}
		if clean, ok := sanitizeValue(v); ok {
			out[k] = clean
		}
	}
	return out
}

func sanitizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val, true
	case map[string]any:
		return sanitizeMap(val), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if clean, ok := sanitizeValue(item); ok {
				out = append(out, clean)
			}
		}
		return out, true
	case storage.Engine, *storage.Mediated, llm.Completer, io.Closer:
		return nil, false
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	// Round-trip so nested maps are filtered too.
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, false
	}
	if m, ok := decoded.(map[string]any); ok {
		return sanitizeMap(m), true
	}
	return decoded, true
}
