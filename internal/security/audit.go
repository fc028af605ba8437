package security

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// AuditSeverity ranks filesystem audit findings.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarn     AuditSeverity = "warn"
	SeverityCritical AuditSeverity = "critical"
)

// AuditFinding is one problem with the files agents are loaded from.
type AuditFinding struct {
	CheckID     string        `json:"check_id"`
	Severity    AuditSeverity `json:"severity"`
	Path        string        `json:"path"`
	Detail      string        `json:"detail"`
	Remediation string        `json:"remediation,omitempty"`
}

// AuditSummary counts findings by severity.
type AuditSummary struct {
	Critical int `json:"critical"`
	Warn     int `json:"warn"`
	Info     int `json:"info"`
}

// AuditReport is the outcome of AuditAgentFiles.
type AuditReport struct {
	Timestamp time.Time      `json:"timestamp"`
	Summary   AuditSummary   `json:"summary"`
	Findings  []AuditFinding `json:"findings"`
}

// HasCritical reports whether any finding is critical.
func (r *AuditReport) HasCritical() bool {
	return r != nil && r.Summary.Critical > 0
}

// AuditAgentFiles checks the agent directories and the config file for
// permissions that let another local user change what a trusted agent runs.
// Missing paths are skipped.
func AuditAgentFiles(dirs []string, configPath string) (*AuditReport, error) {
	report := &AuditReport{Timestamp: time.Now(), Findings: []AuditFinding{}}
	for _, dir := range dirs {
		findings, err := auditAgentDir(dir)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", dir, err)
		}
		report.Findings = append(report.Findings, findings...)
	}
	if configPath != "" {
		findings, err := auditConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", configPath, err)
		}
		report.Findings = append(report.Findings, findings...)
	}
	for _, f := range report.Findings {
		switch f.Severity {
		case SeverityCritical:
			report.Summary.Critical++
		case SeverityWarn:
			report.Summary.Warn++
		default:
			report.Summary.Info++
		}
	}
	return report, nil
}

func auditAgentDir(dir string) ([]AuditFinding, error) {
	info, err := os.Lstat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var findings []AuditFinding
	if info.Mode()&os.ModeSymlink != 0 {
		findings = append(findings, AuditFinding{
			CheckID:     "agents.dir_symlink",
			Severity:    SeverityWarn,
			Path:        dir,
			Detail:      "agent directory is a symbolic link; its target decides what runs",
			Remediation: "Point agents.dirs at the real directory.",
		})
	}
	findings = append(findings, writableFindings(dir, info.Mode().Perm(), "agents.dir")...)

	if !info.IsDir() {
		return findings, nil
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == dir {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			findings = append(findings, AuditFinding{
				CheckID:     "agents.file_symlink",
				Severity:    SeverityInfo,
				Path:        path,
				Detail:      "symbolic link inside an agent directory",
				Remediation: "Review whether the link target is trusted.",
			})
			return nil
		}
		findings = append(findings, writableFindings(path, fi.Mode().Perm(), "agents.file")...)
		return nil
	})
	return findings, err
}

// writableFindings flags paths other users can modify.
func writableFindings(path string, mode fs.FileMode, prefix string) []AuditFinding {
	var findings []AuditFinding
	if isWorldWritable(mode) {
		findings = append(findings, AuditFinding{
			CheckID:     prefix + "_world_writable",
			Severity:    SeverityCritical,
			Path:        path,
			Detail:      fmt.Sprintf("permissions %o let any user replace agent code", mode),
			Remediation: fmt.Sprintf("Run: chmod o-w %s", path),
		})
	}
	if isGroupWritable(mode) {
		findings = append(findings, AuditFinding{
			CheckID:     prefix + "_group_writable",
			Severity:    SeverityWarn,
			Path:        path,
			Detail:      fmt.Sprintf("permissions %o let group members replace agent code", mode),
			Remediation: fmt.Sprintf("Run: chmod g-w %s", path),
		})
	}
	return findings
}

func auditConfigFile(path string) ([]AuditFinding, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	mode := info.Mode().Perm()
	findings := writableFindings(path, mode, "config")
	if isWorldReadable(mode) {
		findings = append(findings, AuditFinding{
			CheckID:     "config_world_readable",
			Severity:    SeverityWarn,
			Path:        path,
			Detail:      fmt.Sprintf("permissions %o expose llm.api_key to every user", mode),
			Remediation: fmt.Sprintf("Run: chmod 600 %s", path),
		})
	}
	return findings, nil
}

func isWorldWritable(mode fs.FileMode) bool {
	return mode&0o002 != 0
}

func isGroupWritable(mode fs.FileMode) bool {
	return mode&0o020 != 0
}

func isWorldReadable(mode fs.FileMode) bool {
	return mode&0o004 != 0
}
