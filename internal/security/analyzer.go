// Package security provides the static pre-execution scan applied to agent
// source before it is handed to a sandbox.
//
// The scan is advisory. It is a cheap filter for obvious misuse and can be
// bypassed by obfuscation; the capability environment and the worker process
// are the actual boundary.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// Category groups findings by the kind of misuse they detect.
type Category string

const (
	CategoryDynamicEval   Category = "dynamic-eval"
	CategoryModule        Category = "disallowed-module"
	CategoryHostReference Category = "host-reference"
)

// Finding is a single policy match in agent source.
type Finding struct {
	CheckID  string   `json:"check_id"`
	Category Category `json:"category"`
	Detail   string   `json:"detail"`
	Line     int      `json:"line,omitempty"`
}

// Report is the outcome of a scan.
type Report struct {
	Safe     bool      `json:"safe"`
	Findings []Finding `json:"findings,omitempty"`
}

// Violations returns the human-readable detail of every finding.
func (r Report) Violations() []string {
	out := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		out = append(out, f.Detail)
	}
	return out
}

// Summary joins violations into one message suitable for a SECURITY result.
func (r Report) Summary() string {
	if r.Safe {
		return ""
	}
	return "security violation: " + strings.Join(r.Violations(), "; ")
}

// DisallowedModules lists module specifiers agent code may never load. The
// same list backs the realm and worker paths.
var DisallowedModules = []string{
	"child_process",
	"cluster",
	"worker_threads",
	"fs",
	"fs/promises",
	"net",
	"http",
	"https",
	"http2",
	"dgram",
	"dns",
	"tls",
	"vm",
	"os",
	"process",
	"v8",
	"inspector",
	"module",
}

// HostIdentifiers lists host globals agent code may not reference.
var HostIdentifiers = []string{
	"process",
	"global",
	"globalThis",
	"__dirname",
	"__filename",
	"Deno",
}

type rule struct {
	id       string
	category Category
	pattern  *regexp.Regexp
	detail   string
}

// Analyzer scans source text against a fixed rule set. It is safe for
// concurrent use.
type Analyzer struct {
	rules []rule
}

// NewAnalyzer compiles the canonical rule set.
func NewAnalyzer() *Analyzer {
	rules := []rule{
		{id: "eval", category: CategoryDynamicEval, pattern: regexp.MustCompile(`\beval\s*\(`), detail: "dynamic evaluation via eval()"},
		{id: "new-function", category: CategoryDynamicEval, pattern: regexp.MustCompile(`\bnew\s+Function\s*\(`), detail: "dynamic evaluation via new Function()"},
		{id: "function-call", category: CategoryDynamicEval, pattern: regexp.MustCompile(`(^|[^.\w$])Function\s*\(`), detail: "dynamic evaluation via Function()"},
		{id: "string-timer", category: CategoryDynamicEval, pattern: regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*["'` + "`" + `]`), detail: "string-form timer evaluates code"},
		{id: "dynamic-import", category: CategoryDynamicEval, pattern: regexp.MustCompile(`\bimport\s*\(`), detail: "dynamic import()"},
		{id: "constructor-chain", category: CategoryHostReference, pattern: regexp.MustCompile(`constructor\s*\.\s*constructor|\[\s*["']constructor["']\s*\]\s*\[\s*["']constructor["']\s*\]`), detail: "constructor.constructor escape"},
		{id: "proto", category: CategoryHostReference, pattern: regexp.MustCompile(`__proto__`), detail: "__proto__ manipulation"},
	}

	for _, mod := range DisallowedModules {
		quoted := regexp.QuoteMeta(mod)
		specifier := `["'` + "`" + `](?:node:)?` + quoted + `["'` + "`" + `]`
		rules = append(rules,
			rule{
				id:       "require-" + mod,
				category: CategoryModule,
				pattern:  regexp.MustCompile(`\brequire\s*\(\s*` + specifier + `\s*\)`),
				detail:   fmt.Sprintf("disallowed module %q via require()", mod),
			},
			rule{
				id:       "import-" + mod,
				category: CategoryModule,
				pattern:  regexp.MustCompile(`\bimport\s+(?:[\w*{}\s,$]+\s+from\s+)?` + specifier),
				detail:   fmt.Sprintf("disallowed module %q via import", mod),
			},
		)
	}

	for _, ident := range HostIdentifiers {
		quoted := regexp.QuoteMeta(ident)
		var pattern string
		switch ident {
		case "globalThis", "__dirname", "__filename":
			pattern = `(^|[^.\w$])` + quoted + `\b`
		default:
			pattern = `(^|[^.\w$])` + quoted + `\s*\.`
		}
		rules = append(rules, rule{
			id:       "host-" + ident,
			category: CategoryHostReference,
			pattern:  regexp.MustCompile(pattern),
			detail:   fmt.Sprintf("reference to host object %s", ident),
		})
	}

	return &Analyzer{rules: rules}
}

// Analyze scans source and reports every rule that matched. A rule that
// matches several times is reported once, at its first line.
func (a *Analyzer) Analyze(source string) Report {
	report := Report{Safe: true}
	if a == nil {
		return report
	}
	for _, r := range a.rules {
		loc := r.pattern.FindStringSubmatchIndex(source)
		if loc == nil {
			continue
		}
		// Skip the leading boundary character captured by group 1.
		start := loc[0]
		if len(loc) >= 4 && loc[3] > start {
			start = loc[3]
		}
		report.Findings = append(report.Findings, Finding{
			CheckID:  r.id,
			Category: r.category,
			Detail:   r.detail,
			Line:     strings.Count(source[:start], "\n") + 1,
		})
	}
	report.Safe = len(report.Findings) == 0
	return report
}

// Rules returns the identifiers of every compiled rule, in evaluation order.
func (a *Analyzer) Rules() []string {
	ids := make([]string, 0, len(a.rules))
	for _, r := range a.rules {
		ids = append(ids, r.id)
	}
	return ids
}
