package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPermissionChecks(t *testing.T) {
	tests := []struct {
		name      string
		mode      os.FileMode
		checkFunc func(os.FileMode) bool
		want      bool
	}{
		{"world writable 777", 0o777, isWorldWritable, true},
		{"world writable 666", 0o666, isWorldWritable, true},
		{"not world writable 755", 0o755, isWorldWritable, false},
		{"group writable 775", 0o775, isGroupWritable, true},
		{"not group writable 644", 0o644, isGroupWritable, false},
		{"world readable 644", 0o644, isWorldReadable, true},
		{"not world readable 600", 0o600, isWorldReadable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.checkFunc(tt.mode); got != tt.want {
				t.Errorf("check(%o) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}

func chmod(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
}

func findingIDs(report *AuditReport) map[string]bool {
	ids := map[string]bool{}
	for _, f := range report.Findings {
		ids[f.CheckID] = true
	}
	return ids
}

func TestAuditAgentFilesFlagsWritableAgents(t *testing.T) {
	dir := t.TempDir()
	chmod(t, dir, 0o755)
	agent := filepath.Join(dir, "summarize.js")
	if err := os.WriteFile(agent, []byte("module.exports = {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	chmod(t, agent, 0o666)

	report, err := AuditAgentFiles([]string{dir}, "")
	if err != nil {
		t.Fatalf("AuditAgentFiles: %v", err)
	}
	ids := findingIDs(report)
	if !ids["agents.file_world_writable"] || !ids["agents.file_group_writable"] {
		t.Fatalf("expected writable findings, got %+v", report.Findings)
	}
	if !report.HasCritical() || report.Summary.Critical != 1 || report.Summary.Warn != 1 {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
}

func TestAuditAgentFilesCleanTree(t *testing.T) {
	dir := t.TempDir()
	chmod(t, dir, 0o700)
	agent := filepath.Join(dir, "clock.agent.yaml")
	if err := os.WriteFile(agent, []byte("name: clock\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := AuditAgentFiles([]string{dir, filepath.Join(dir, "missing")}, filepath.Join(dir, "warden.yaml"))
	if err != nil {
		t.Fatalf("AuditAgentFiles: %v", err)
	}
	if len(report.Findings) != 0 || report.HasCritical() {
		t.Fatalf("expected a clean report, got %+v", report.Findings)
	}
}

func TestAuditAgentFilesConfigAndSymlinks(t *testing.T) {
	dir := t.TempDir()
	chmod(t, dir, 0o700)
	target := filepath.Join(dir, "real.js")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(dir, "link.js")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	cfg := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(cfg, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	chmod(t, cfg, 0o644)

	report, err := AuditAgentFiles([]string{dir}, cfg)
	if err != nil {
		t.Fatalf("AuditAgentFiles: %v", err)
	}
	ids := findingIDs(report)
	if !ids["agents.file_symlink"] || !ids["config_world_readable"] {
		t.Fatalf("expected symlink and config findings, got %+v", report.Findings)
	}
	if report.HasCritical() {
		t.Fatalf("no critical findings expected: %+v", report.Summary)
	}
}
