package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "warden.yaml", `
execution:
  timeout: 5s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Execution.Timeout != 5*time.Second {
		t.Fatalf("timeout = %v", cfg.Execution.Timeout)
	}
	if cfg.Execution.MemoryLimit != 128*MiB || cfg.Execution.MaxContextBytes != 64*KiB {
		t.Fatalf("limits = %v / %v", cfg.Execution.MemoryLimit, cfg.Execution.MaxContextBytes)
	}
	if cfg.Execution.TrustedFallback != "realm" || cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.LLM.BaseURL == "" || len(cfg.Agents.Dirs) != 1 {
		t.Fatalf("llm/agents defaults = %+v %+v", cfg.LLM, cfg.Agents)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "warden.yaml", `
execution:
  timeout: 5s
  turbo: true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidates(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"fallback", "execution:\n  trusted_fallback: docker\n", "trusted_fallback"},
		{"memory", "execution:\n  memory_limit: 1MiB\n", "memory_limit"},
		{"format", "logging:\n  format: xml\n", "logging.format"},
		{"sample rate", "observability:\n  sample_rate: 2\n", "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "warden.yaml", tt.body))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Load() error = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Fatalf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}

func TestLoadJSON5WithEnvAndInclude(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte("llm:\n  model: base-model\n  max_tokens: 256\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WARDEN_TEST_KEY", "sk-local")
	main := filepath.Join(dir, "warden.json5")
	body := `{
  // comments are allowed
  "$include": "base.yaml",
  execution: { memory_limit: 67108864, worker_binary: "/opt/warden-worker" },
  llm: { api_key: "${WARDEN_TEST_KEY}", model: "override" },
}`
	if err := os.WriteFile(main, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Execution.MemoryLimit != 64*MiB {
		t.Fatalf("memory_limit = %v", cfg.Execution.MemoryLimit)
	}
	if cfg.LLM.APIKey != "sk-local" || cfg.LLM.Model != "override" || cfg.LLM.MaxTokens != 256 {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Execution.WorkerBinary != "/opt/warden-worker" {
		t.Fatalf("worker_binary = %q", cfg.Execution.WorkerBinary)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	_ = os.WriteFile(a, []byte("$include: b.yaml\n"), 0o600)
	_ = os.WriteFile(b, []byte("$include: a.yaml\n"), 0o600)
	if _, err := Load(a); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("Load() error = %v, want cycle", err)
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in   string
		want ByteSize
	}{
		{"1024", 1024},
		{"64MiB", 64 * MiB},
		{"64mb", 64 * MiB},
		{"512K", 512 * KiB},
		{"1.5g", GiB + 512*MiB},
		{"1.34217728e+08", 128 * MiB},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if err != nil {
			t.Errorf("ParseByteSize(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "lots", "12 parsecs", "-5"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Errorf("ParseByteSize(%q) expected error", bad)
		}
	}
	if (128 * MiB).String() != "128MiB" {
		t.Fatalf("String() = %s", (128 * MiB).String())
	}
}

func TestFindPrefersExplicitPath(t *testing.T) {
	if got := Find("/etc/custom.yaml"); got != "/etc/custom.yaml" {
		t.Fatalf("Find() = %q", got)
	}
}

func TestParseDocumentRejectsMultipleYAMLDocuments(t *testing.T) {
	if _, err := ParseDocument([]byte("a: 1\n---\nb: 2\n"), "x.yaml"); err == nil {
		t.Fatal("expected error for multiple documents")
	}
	raw, err := ParseDocument(nil, "empty.yaml")
	if err != nil || len(raw) != 0 {
		t.Fatalf("empty document = %v, %v", raw, err)
	}
}
