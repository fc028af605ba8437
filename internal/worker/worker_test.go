package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/sandbox/jsenv"
	"github.com/haasonsaas/warden/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(t *testing.T, req any, opts Options) (Response, int) {
	t.Helper()
	var in bytes.Buffer
	switch v := req.(type) {
	case string:
		in.WriteString(v)
	default:
		if err := json.NewEncoder(&in).Encode(v); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	var out bytes.Buffer
	code := Serve(context.Background(), &in, &out, opts)

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("response %q is not JSON: %v", out.String(), err)
	}
	if strings.Count(out.String(), "\n") != 1 {
		t.Fatalf("response should be exactly one line: %q", out.String())
	}
	return resp, code
}

func TestServeSuccess(t *testing.T) {
	resp, code := serve(t, Request{
		Agent:   "echo",
		Source:  `module.exports.execute = async (p, ctx) => ({ echoed: p.msg, agent: ctx.agentName })`,
		Params:  map[string]any{"msg": "hi"},
		Context: map[string]any{"agentName": "echo"},
		Timeout: time.Second,
	}, Options{})

	if code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if !resp.Success {
		t.Fatalf("response = %+v", resp)
	}
	data := resp.Data.(map[string]any)
	if data["echoed"] != "hi" || data["agent"] != "echo" {
		t.Fatalf("data = %v", data)
	}
}

func TestServeProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		req  any
	}{
		{"invalid json", "{not json"},
		{"missing source", Request{Agent: "x"}},
		{"missing agent", Request{Source: "module.exports.execute = () => 1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, code := serve(t, tt.req, Options{})
			if code != ExitProtocol {
				t.Fatalf("exit code = %d, want %d", code, ExitProtocol)
			}
			if resp.Success || resp.Kind != models.KindRuntime {
				t.Fatalf("response = %+v", resp)
			}
		})
	}
}

func TestServeAgentFailures(t *testing.T) {
	tests := []struct {
		name   string
		source string
		kind   models.ErrorKind
	}{
		{"throws", `module.exports.execute = () => { throw new TypeError("bad") }`, models.KindRuntime},
		{"no storage in worker", `module.exports.execute = () => storage.run("DELETE FROM x WHERE id = 1")`, models.KindPermission},
		{"disallowed module", `module.exports.execute = () => require('child_process')`, models.KindPermission},
		{"timeout", `module.exports.execute = () => { while (true) {} }`, models.KindTimeout},
		{"missing execute", `module.exports = {}`, models.KindRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, code := serve(t, Request{
				Agent:   "failing",
				Source:  tt.source,
				Timeout: 100 * time.Millisecond,
			}, Options{})
			if code != ExitOK {
				t.Fatalf("exit code = %d", code)
			}
			if resp.Success {
				t.Fatal("response reported success")
			}
			if resp.Kind != tt.kind {
				t.Fatalf("kind = %s (%s), want %s", resp.Kind, resp.Error, tt.kind)
			}
		})
	}
}

func TestServeNoModelInWorker(t *testing.T) {
	resp, _ := serve(t, Request{
		Agent:  "probe",
		Source: `module.exports.execute = () => typeof llm`,
	}, Options{})
	if !resp.Success || resp.Data != "undefined" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestServeHeapWatchdogInterrupts(t *testing.T) {
	var exited atomic.Int32
	resp, code := serve(t, Request{
		Agent:       "hog",
		Source:      `module.exports.execute = () => { const a = []; while (true) { a.push({}) } }`,
		MemoryLimit: 1 << 20,
		Timeout:     5 * time.Second,
	}, Options{
		HeapBytes: func() uint64 { return 2 << 20 },
		Exit:      func(code int) { exited.Store(int32(code)) },
	})
	if code != ExitOK {
		t.Fatalf("exit code = %d", code)
	}
	if resp.Kind != models.KindMemory {
		t.Fatalf("kind = %s (%s), want MEMORY", resp.Kind, resp.Error)
	}
	if exited.Load() != 0 {
		t.Fatalf("Exit called with %d although the interrupt landed", exited.Load())
	}
}

func TestWatchHeapExitsWhenInterruptDoesNotLand(t *testing.T) {
	inst, err := jsenv.New(jsenv.Env{AgentName: "stuck", Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	codes := make(chan int, 1)
	opts := Options{
		HeapBytes: func() uint64 { return 10 },
		Exit:      func(code int) { codes <- code },
	}
	done := make(chan struct{})
	defer close(done)
	go watchHeap(done, 5, inst, opts, quietLogger())

	select {
	case code := <-codes:
		if code != ExitMemory {
			t.Fatalf("exit code = %d, want %d", code, ExitMemory)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not exit")
	}
}

func TestParseMemoryLimit(t *testing.T) {
	tests := map[string]int64{"": 0, "1024": 1024, "-5": 0, "abc": 0}
	for in, want := range tests {
		if got := ParseMemoryLimit(in); got != want {
			t.Errorf("ParseMemoryLimit(%q) = %d, want %d", in, got, want)
		}
	}
}
