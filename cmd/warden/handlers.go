package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/warden/internal/security"
	"github.com/haasonsaas/warden/pkg/models"
)

// =============================================================================
// Run Command Handler
// =============================================================================

type runOptions struct {
	configPath string
	agent      string
	params     string
	paramsFile string
	values     string
	sessionID  string
	timeout    time.Duration
}

// runAgent executes one agent and prints its result.
func runAgent(ctx context.Context, out io.Writer, opts runOptions) error {
	params, err := readParams(opts.params, opts.paramsFile)
	if err != nil {
		return err
	}
	values, err := parseObject("--context", opts.values)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, opts.configPath, runtimeOptions{timeout: opts.timeout})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	res := rt.service.ExecuteAgent(ctx, opts.agent, params, models.ExecContext{
		Timestamp: time.Now(),
		SessionID: opts.sessionID,
		Values:    values,
	})
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("agent %s failed (%s): %s", opts.agent, res.Kind, res.Error)
	}
	return nil
}

func readParams(inline, file string) (map[string]any, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read params file: %w", err)
		}
		inline = string(data)
	}
	return parseObject("params", inline)
}

// parseObject decodes a JSON object. Empty input yields an empty map.
func parseObject(label, raw string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", label, err)
	}
	return out, nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// Agent Command Handlers
// =============================================================================

func printAgentsList(ctx context.Context, out io.Writer, configPath string) error {
	rt, err := openRuntime(ctx, configPath, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	defs := rt.cache.List()
	if len(defs) == 0 {
		fmt.Fprintln(out, "No agents loaded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRUST\tISOLATION\tDATABASE\tPATH")
	for _, def := range defs {
		isolation := string(def.Config.Isolation)
		if isolation == "" {
			isolation = "-"
		}
		path := def.Path
		if path == "" {
			path = "(builtin)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", def.Name, def.Trust, isolation, def.RequiresDatabase, path)
	}
	return w.Flush()
}

func printAgentShow(ctx context.Context, out io.Writer, configPath, name string) error {
	rt, err := openRuntime(ctx, configPath, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	def, ok := rt.cache.Get(name)
	if !ok {
		return fmt.Errorf("agent not found: %s", name)
	}
	return writeJSON(out, def)
}

// runAgentsAudit reports agent file permission problems without opening a
// runtime.
func runAgentsAudit(out io.Writer, configPath string, asJSON bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	report, err := security.AuditAgentFiles(cfg.Agents.Dirs, configPath)
	if err != nil {
		return err
	}

	if asJSON {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else if len(report.Findings) == 0 {
		fmt.Fprintln(out, "No findings.")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEVERITY\tCHECK\tPATH\tDETAIL")
		for _, f := range report.Findings {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Severity, f.CheckID, f.Path, f.Detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if report.HasCritical() {
		return fmt.Errorf("%d critical finding(s) in agent files", report.Summary.Critical)
	}
	return nil
}

// =============================================================================
// Scan Command Handler
// =============================================================================

type scanResult struct {
	Path   string          `json:"path"`
	Report security.Report `json:"report"`
}

// runScan reports findings for each file and fails when any is unsafe.
func runScan(out io.Writer, paths []string, asJSON bool) error {
	analyzer := security.NewAnalyzer()
	results := make([]scanResult, 0, len(paths))
	unsafe := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		report := analyzer.Analyze(string(data))
		if !report.Safe {
			unsafe++
		}
		results = append(results, scanResult{Path: path, Report: report})
	}

	if asJSON {
		if err := writeJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			if r.Report.Safe {
				fmt.Fprintf(out, "%s: ok\n", r.Path)
				continue
			}
			for _, f := range r.Report.Findings {
				fmt.Fprintf(out, "%s:%d: [%s] %s\n", r.Path, f.Line, f.CheckID, f.Detail)
			}
		}
	}
	if unsafe > 0 {
		return fmt.Errorf("%d of %d files failed the security scan", unsafe, len(paths))
	}
	return nil
}

// =============================================================================
// Status Command Handler
// =============================================================================

func printStatus(ctx context.Context, out io.Writer, configPath, addr string) error {
	if addr != "" {
		return fetchStatus(ctx, out, addr)
	}
	rt, err := openRuntime(ctx, configPath, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.Close(ctx)
	return writeJSON(out, rt.service.Status())
}

func fetchStatus(ctx context.Context, out io.Writer, addr string) error {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/v1/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var status json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	var pretty any
	if err := json.Unmarshal(status, &pretty); err != nil {
		return err
	}
	return writeJSON(out, pretty)
}
