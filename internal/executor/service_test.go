package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/warden/internal/agents"
	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/worker"
	"github.com/haasonsaas/warden/pkg/models"
)

const testWorkerEnv = "WARDEN_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(testWorkerEnv) == "1" {
		os.Exit(worker.Main())
	}
	os.Exit(m.Run())
}

type fixture struct {
	svc     *Service
	cache   *agents.Cache
	natives *agents.Natives
	metrics *observability.Metrics
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	cache := agents.NewCache(nil)
	natives := agents.NewNatives()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts := Options{
		Cache:        cache,
		Natives:      natives,
		Timeout:      5 * time.Second,
		WorkerBinary: os.Args[0],
		WorkerEnv:    []string{testWorkerEnv + "=1"},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return &fixture{svc: svc, cache: cache, natives: natives, metrics: metrics}
}

func (f *fixture) put(t *testing.T, def models.AgentDefinition) {
	t.Helper()
	if err := f.cache.Put(def); err != nil {
		t.Fatalf("Put(%s) error = %v", def.Name, err)
	}
}

func trusted(name, source string) models.AgentDefinition {
	return models.AgentDefinition{Name: name, Trust: models.TrustTrusted, Source: source}
}

func untrusted(name, source string) models.AgentDefinition {
	return models.AgentDefinition{Name: name, Trust: models.TrustUntrusted, Source: source}
}

func TestExecuteUnknownAgent(t *testing.T) {
	f := newFixture(t, nil)
	res := f.svc.ExecuteAgent(context.Background(), "ghost", nil, models.ExecContext{})
	if res.Success || res.Kind != models.KindRuntime || !strings.Contains(res.Error, "agent not found") {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteInvalidParams(t *testing.T) {
	f := newFixture(t, nil)
	def := trusted("typed", `module.exports = { execute: (p) => p }`)
	def.ParamsSchema = []byte(`{"type":"object","required":["q"]}`)
	f.put(t, def)

	res := f.svc.ExecuteAgent(context.Background(), "typed", map[string]any{}, models.ExecContext{})
	if res.Success || res.Kind != models.KindRuntime || !strings.Contains(res.Error, "invalid params") {
		t.Fatalf("result = %+v", res)
	}
}

func TestTrustedRunsDirect(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, trusted("adder", `module.exports = { execute: (p, ctx) => ({ sum: p.a + p.b, session: ctx.sessionId }) }`))

	res := f.svc.ExecuteAgent(context.Background(), "adder", map[string]any{"a": 2, "b": 3}, models.ExecContext{SessionID: "s1"})
	if !res.Success || res.Backend != models.BackendDirect || res.FellBack {
		t.Fatalf("result = %+v", res)
	}
	data := res.Data.(map[string]any)
	if data["sum"] != float64(5) || data["session"] != "s1" {
		t.Fatalf("data = %v", data)
	}
	if f.svc.Status().ActiveExecutions != 0 {
		t.Fatal("direct runs are never registered")
	}
}

func TestTrustedDirectFailureFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, trusted("broken", `module.exports = { execute: () => { const x = null; return x.field; } }`))

	res := f.svc.ExecuteAgent(context.Background(), "broken", nil, models.ExecContext{})
	if res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !res.FellBack || res.Backend != models.BackendRealm || res.Kind != models.KindRuntime {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error, "TypeError") {
		t.Fatalf("error = %q", res.Error)
	}
	if got := testutil.ToFloat64(f.metrics.Fallbacks.WithLabelValues("realm")); got != 1 {
		t.Fatalf("fallback metric = %v", got)
	}
	if f.svc.Status().Stats.Fallbacks != 1 {
		t.Fatalf("stats = %+v", f.svc.Status().Stats)
	}
}

func TestNativeFailureFallsBackToSource(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, trusted("hybrid", `module.exports = { execute: () => "from source" }`))
	if err := f.natives.Register("hybrid", func(context.Context, map[string]any, agents.NativeContext) (any, error) {
		panic("native bug")
	}); err != nil {
		t.Fatal(err)
	}

	res := f.svc.ExecuteAgent(context.Background(), "hybrid", nil, models.ExecContext{})
	if !res.Success || !res.FellBack || res.Data != "from source" {
		t.Fatalf("result = %+v", res)
	}
}

func TestNativeSuccess(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, models.AgentDefinition{Name: "native", Trust: models.TrustTrusted})
	if err := f.natives.Register("native", func(_ context.Context, p map[string]any, n agents.NativeContext) (any, error) {
		return map[string]any{"agent": n.Agent, "echo": p["v"]}, nil
	}); err != nil {
		t.Fatal(err)
	}
	res := f.svc.ExecuteAgent(context.Background(), "native", map[string]any{"v": "x"}, models.ExecContext{})
	if !res.Success || res.Backend != models.BackendNative {
		t.Fatalf("result = %+v", res)
	}
	if res.Data.(map[string]any)["echo"] != "x" {
		t.Fatalf("data = %v", res.Data)
	}
}

func TestTrustedFallbackToWorkerWhenConfigured(t *testing.T) {
	f := newFixture(t, nil)
	def := trusted("isolated", `module.exports = { execute: () => { throw new Error("direct and sandbox both fail") } }`)
	def.Config.Isolation = models.IsolationWorker
	f.put(t, def)

	res := f.svc.ExecuteAgent(context.Background(), "isolated", nil, models.ExecContext{})
	if res.Success || !res.FellBack || res.Backend != models.BackendWorker {
		t.Fatalf("result = %+v", res)
	}
}

func TestTrustedWithoutSourceOrNative(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, models.AgentDefinition{Name: "hollow", Trust: models.TrustTrusted})
	res := f.svc.ExecuteAgent(context.Background(), "hollow", nil, models.ExecContext{})
	if res.Success || res.Kind != models.KindRuntime || !res.FellBack {
		t.Fatalf("result = %+v", res)
	}
}

func TestUntrustedSecurityViolationSpawnsNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, untrusted("reader", `const fs = require('fs'); module.exports = { execute: () => fs.readFileSync('/etc/hosts', 'utf8') }`))

	res := f.svc.ExecuteAgent(context.Background(), "reader", nil, models.ExecContext{})
	if res.Success || res.Kind != models.KindSecurity || res.Backend != models.BackendWorker {
		t.Fatalf("result = %+v", res)
	}
	if f.svc.worker.Spawns() != 0 || f.svc.realm.RuntimesCreated() != 0 {
		t.Fatalf("spawns = %d runtimes = %d", f.svc.worker.Spawns(), f.svc.realm.RuntimesCreated())
	}
	if events := f.svc.Events(10); len(events) == 0 {
		t.Fatal("expected events to be recorded")
	}
}

func TestUntrustedTimeout(t *testing.T) {
	f := newFixture(t, nil)
	def := untrusted("sleeper", `module.exports = { execute: () => new Promise((resolve) => setTimeout(resolve, 60000)) }`)
	def.Config.Timeout = 300 * time.Millisecond
	f.put(t, def)

	start := time.Now()
	res := f.svc.ExecuteAgent(context.Background(), "sleeper", nil, models.ExecContext{})
	if res.Kind != models.KindTimeout {
		t.Fatalf("result = %+v", res)
	}
	if elapsed := time.Since(start); elapsed > def.Config.Timeout+3*time.Second {
		t.Fatalf("took %v", elapsed)
	}
	if n := f.svc.Status().ActiveExecutions; n != 0 {
		t.Fatalf("active executions = %d", n)
	}
}

func TestTrustedTimeoutDoesNotRestartTheClock(t *testing.T) {
	f := newFixture(t, nil)
	def := trusted("sleeper", `module.exports = { execute: () => new Promise((resolve) => setTimeout(resolve, 5000)) }`)
	def.Config.Timeout = 300 * time.Millisecond
	f.put(t, def)

	start := time.Now()
	res := f.svc.ExecuteAgent(context.Background(), "sleeper", nil, models.ExecContext{})
	elapsed := time.Since(start)
	if res.Success || res.Kind != models.KindTimeout {
		t.Fatalf("result = %+v", res)
	}
	if res.FellBack {
		t.Fatalf("timed out direct run should not fall back: %+v", res)
	}
	if elapsed > def.Config.Timeout+200*time.Millisecond {
		t.Fatalf("took %v, want about %v", elapsed, def.Config.Timeout)
	}
	if n := f.svc.Status().ActiveExecutions; n != 0 {
		t.Fatalf("active executions = %d", n)
	}
}

func TestFallbackGetsRemainingBudget(t *testing.T) {
	f := newFixture(t, nil)
	def := trusted("slowfail", `module.exports = { execute: () => new Promise((resolve) => setTimeout(resolve, 5000)) }`)
	def.Config.Timeout = 400 * time.Millisecond
	f.put(t, def)
	if err := f.natives.Register("slowfail", func(context.Context, map[string]any, agents.NativeContext) (any, error) {
		time.Sleep(250 * time.Millisecond)
		return nil, errors.New("native failed late")
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	res := f.svc.ExecuteAgent(context.Background(), "slowfail", nil, models.ExecContext{})
	elapsed := time.Since(start)
	if res.Success || res.Kind != models.KindTimeout || !res.FellBack {
		t.Fatalf("result = %+v", res)
	}
	if elapsed > def.Config.Timeout+200*time.Millisecond {
		t.Fatalf("took %v, want about %v", elapsed, def.Config.Timeout)
	}
}

func TestEmergencyStopWithCancelledCaller(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.svc.EmergencyStop(ctx); err != nil {
		t.Fatalf("EmergencyStop() error = %v", err)
	}
}

func TestConcurrentExecutionsDoNotInterfere(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, untrusted("tagger", `
var seen = [];
module.exports = { execute: async (p) => {
	seen.push(p.tag);
	await new Promise((resolve) => setTimeout(resolve, 20));
	return { tag: p.tag, seen: seen.length };
} };`))

	const n = 4
	var wg sync.WaitGroup
	results := make([]models.ExecutionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.svc.ExecuteAgent(context.Background(), "tagger", map[string]any{"tag": fmt.Sprint(i)}, models.ExecContext{})
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i, res := range results {
		if !res.Success {
			t.Fatalf("run %d = %+v", i, res)
		}
		data := res.Data.(map[string]any)
		if data["tag"] != fmt.Sprint(i) || data["seen"] != float64(1) {
			t.Fatalf("run %d leaked state: %v", i, data)
		}
		if ids[res.ExecutionID] {
			t.Fatalf("duplicate execution id %s", res.ExecutionID)
		}
		ids[res.ExecutionID] = true
	}
}

func TestUntrustedHeapBomb(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates until the worker limit")
	}
	f := newFixture(t, func(o *Options) { o.MemoryLimit = 64 << 20 })
	def := untrusted("bomb", `module.exports = { execute: () => {
	const hoard = [];
	for (;;) { hoard.push(new Array(100000).fill("xxxxxxxxxxxxxxxx")); }
} }`)
	def.Config.Timeout = 20 * time.Second
	f.put(t, def)

	res := f.svc.ExecuteAgent(context.Background(), "bomb", nil, models.ExecContext{})
	if res.Success || (res.Kind != models.KindMemory && res.Kind != models.KindRuntime) {
		t.Fatalf("result = %+v", res)
	}
	if n := f.svc.Status().ActiveExecutions; n != 0 {
		t.Fatalf("active executions = %d", n)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 2; i++ {
		if err := f.svc.Cleanup(context.Background()); err != nil {
			t.Fatalf("Cleanup() #%d error = %v", i+1, err)
		}
		if n := f.svc.Status().ActiveExecutions; n != 0 {
			t.Fatalf("active executions after cleanup = %d", n)
		}
	}
}

func TestCleanupCancelsLiveExecutions(t *testing.T) {
	f := newFixture(t, nil)
	def := untrusted("looper", `module.exports = { execute: () => { for (;;) {} } }`)
	def.Config.Timeout = 30 * time.Second
	f.put(t, def)

	done := make(chan models.ExecutionResult, 1)
	go func() { done <- f.svc.ExecuteAgent(context.Background(), "looper", nil, models.ExecContext{}) }()
	waitForActive(t, f.svc, 1)

	if err := f.svc.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	res := <-done
	if res.Success || res.Kind != models.KindRuntime {
		t.Fatalf("result = %+v", res)
	}
	if f.svc.Status().ActiveExecutions != 0 {
		t.Fatal("registry not empty after cleanup")
	}
}

func TestEmergencyStop(t *testing.T) {
	f := newFixture(t, nil)
	for _, name := range []string{"hang-a", "hang-b"} {
		def := untrusted(name, `module.exports = { execute: () => new Promise(() => setTimeout(() => {}, 60000)) }`)
		def.Config.Timeout = 30 * time.Second
		f.put(t, def)
	}

	done := make(chan models.ExecutionResult, 2)
	for _, name := range []string{"hang-a", "hang-b"} {
		go func(name string) { done <- f.svc.ExecuteAgent(context.Background(), name, nil, models.ExecContext{}) }(name)
	}
	waitForActive(t, f.svc, 2)

	start := time.Now()
	if err := f.svc.EmergencyStop(context.Background()); err != nil {
		t.Fatalf("EmergencyStop() error = %v", err)
	}
	if n := f.svc.Status().ActiveExecutions; n != 0 {
		t.Fatalf("active executions = %d", n)
	}
	for i := 0; i < 2; i++ {
		select {
		case res := <-done:
			if res.Success || res.Kind != models.KindRuntime {
				t.Fatalf("result = %+v", res)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("execution survived emergency stop")
		}
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("emergency stop waited for timeouts")
	}
}

func TestMediatedStorageRejectsDrop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	f := newFixture(t, func(o *Options) { o.Storage = storage.NewSQLEngine(db) })
	def := trusted("dropper", `module.exports = { execute: () => storage.execute('DROP TABLE users') }`)
	def.RequiresDatabase = true
	f.put(t, def)

	res := f.svc.ExecuteAgent(context.Background(), "dropper", nil, models.ExecContext{})
	if res.Success || res.Kind != models.KindPermission {
		t.Fatalf("result = %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("engine saw a statement: %v", err)
	}
	// Once for the direct run, once for the realm fallback.
	if got := testutil.ToFloat64(f.metrics.StatementRejections); got != 2 {
		t.Fatalf("statement rejections = %v", got)
	}
}

func TestStorageOnlyWhenRequired(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	f := newFixture(t, func(o *Options) { o.Storage = storage.NewSQLEngine(db) })
	f.put(t, trusted("nodb", `module.exports = { execute: () => storage.query('SELECT 1') }`))

	res := f.svc.ExecuteAgent(context.Background(), "nodb", nil, models.ExecContext{})
	if res.Success || res.Kind != models.KindPermission {
		t.Fatalf("result = %+v", res)
	}
}

func TestModelCapability(t *testing.T) {
	model := llm.CompleterFunc(func(_ context.Context, req llm.CompletionRequest) (string, error) {
		return "echo: " + req.Prompt, nil
	})
	f := newFixture(t, func(o *Options) { o.Model = model })

	withLLM := trusted("writer", `module.exports = { execute: (p) => llm.complete(p.prompt, { temperature: 0.2 }) }`)
	withLLM.Capabilities = []string{"llm"}
	f.put(t, withLLM)
	f.put(t, trusted("plain", `module.exports = { execute: () => typeof llm }`))

	res := f.svc.ExecuteAgent(context.Background(), "writer", map[string]any{"prompt": "hi"}, models.ExecContext{})
	if !res.Success || res.Data != "echo: hi" {
		t.Fatalf("writer = %+v", res)
	}
	res = f.svc.ExecuteAgent(context.Background(), "plain", nil, models.ExecContext{})
	if !res.Success || res.Data != "undefined" {
		t.Fatalf("plain = %+v", res)
	}
}

func TestFollowOnMemoryActions(t *testing.T) {
	engine, err := storage.OpenSQLite("")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer engine.Close()
	memories := storage.NewMemoryStore(engine)
	if err := memories.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, func(o *Options) { o.Storage = engine })
	if err := agents.RegisterBuiltins(f.cache, f.natives); err != nil {
		t.Fatal(err)
	}
	ectx := models.ExecContext{SessionID: "s-42"}

	res := f.svc.ExecuteAgent(context.Background(), "memory", map[string]any{"action": "store", "key": "drink", "content": "likes green tea"}, ectx)
	if !res.Success || res.Backend != models.BackendNative {
		t.Fatalf("store = %+v", res)
	}
	stored := res.Data.(map[string]any)["actionResult"].(map[string]any)
	if stored["stored"] != true || stored["id"] == "" {
		t.Fatalf("store result = %v", stored)
	}

	res = f.svc.ExecuteAgent(context.Background(), "memory", map[string]any{"action": "search", "query": "green"}, ectx)
	found, ok := res.Data.(map[string]any)["actionResult"].([]storage.MemoryRecord)
	if !ok || len(found) != 1 || found[0].Content != "likes green tea" || found[0].SessionID != "s-42" {
		t.Fatalf("search = %+v", res.Data)
	}

	res = f.svc.ExecuteAgent(context.Background(), "memory", map[string]any{"action": "retrieve", "key": "drink"}, ectx)
	got, ok := res.Data.(map[string]any)["actionResult"].([]storage.MemoryRecord)
	if !ok || len(got) != 1 {
		t.Fatalf("retrieve = %+v", res.Data)
	}
}

func TestNoActionWithoutDirective(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, trusted("plain", `module.exports = { execute: () => ({ action: "dance" }) }`))
	res := f.svc.ExecuteAgent(context.Background(), "plain", nil, models.ExecContext{})
	data := res.Data.(map[string]any)
	if _, ok := data["actionResult"]; ok {
		t.Fatalf("unexpected action result: %v", data)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Timeout = 7 * time.Second
		o.MemoryLimit = 96 << 20
	})
	f.put(t, trusted("ok", `module.exports = { execute: () => 1 }`))
	f.svc.ExecuteAgent(context.Background(), "ok", nil, models.ExecContext{})
	f.svc.ExecuteAgent(context.Background(), "missing", nil, models.ExecContext{})

	st := f.svc.Status()
	if st.ActiveExecutions != 0 || st.TimeoutMs != 7000 || st.MemoryLimit != 96<<20 || st.Agents != 1 {
		t.Fatalf("status = %+v", st)
	}
	if st.Stats.Total != 2 || st.Stats.Succeeded != 1 || st.Stats.ByKind[string(models.KindRuntime)] != 1 {
		t.Fatalf("stats = %+v", st.Stats)
	}
	if len(st.Backends) != 4 {
		t.Fatalf("backends = %v", st.Backends)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a cache")
	}
	_, err := New(Options{Cache: agents.NewCache(nil), TrustedFallback: "docker", WorkerBinary: os.Args[0]})
	if err == nil {
		t.Fatal("expected error for unknown fallback")
	}
}

func TestCallerCancellationSkipsFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, trusted("slow", `module.exports = { execute: () => new Promise((r) => setTimeout(r, 10000)) }`))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := f.svc.ExecuteAgent(ctx, "slow", nil, models.ExecContext{})
	if res.Success || res.FellBack {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(ctx.Err(), context.Canceled) {
		t.Fatal("context should be cancelled")
	}
}

func waitForActive(t *testing.T, svc *Service, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for svc.Status().ActiveExecutions < n {
		if time.Now().After(deadline) {
			t.Fatalf("never reached %d active executions", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
