package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var allowedLeading = map[string]bool{
	"SELECT":  true,
	"INSERT":  true,
	"UPDATE":  true,
	"DELETE":  true,
	"WITH":    true,
	"REPLACE": true,
	"VALUES":  true,
}

var deniedKeywords = []string{
	"DROP",
	"ALTER",
	"TRUNCATE",
	"CREATE",
	"PRAGMA",
	"ATTACH",
	"DETACH",
	"VACUUM",
	"REINDEX",
}

var (
	wordPattern        = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	literalPattern     = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b|\b[xX]''|\b\d+(?:\.\d*)?(?:e[+-]?\d+)?\b`)
	functionPattern    = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*\s*\(`)
	selfComparePattern = regexp.MustCompile(`(?i)^([A-Za-z_][A-Za-z0-9_.]*)\s*(=|==|>=|<=|\bIS\b|\bLIKE\b)\s*([A-Za-z_][A-Za-z0-9_.]*)$`)
)

// predicateKeywords are words that can appear in a WHERE clause without
// naming a column.
var predicateKeywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true,
	"TRUE": true, "FALSE": true, "IN": true, "LIKE": true, "GLOB": true,
	"BETWEEN": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true,
	"END": true, "EXISTS": true, "COLLATE": true, "NOCASE": true, "ESCAPE": true,
	"AS": true, "SELECT": true, "DISTINCT": true, "CURRENT_TIMESTAMP": true,
	"CURRENT_DATE": true, "CURRENT_TIME": true,
}

// CheckStatement reports whether a statement may be forwarded from sandboxed
// code. Rejections wrap ErrForbidden.
func CheckStatement(query string) error {
	masked, err := maskSQL(query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	masked = strings.TrimSpace(masked)
	masked = strings.TrimSpace(strings.TrimSuffix(masked, ";"))
	if masked == "" {
		return fmt.Errorf("%w: empty statement", ErrForbidden)
	}
	if strings.Contains(masked, ";") {
		return fmt.Errorf("%w: multiple statements are not allowed", ErrForbidden)
	}

	words := wordPattern.FindAllString(masked, -1)
	if len(words) == 0 {
		return fmt.Errorf("%w: unrecognised statement", ErrForbidden)
	}
	leading := strings.ToUpper(words[0])
	if !allowedLeading[leading] {
		return fmt.Errorf("%w: %s statements are not allowed", ErrForbidden, leading)
	}
	upperWords := make(map[string]bool, len(words))
	for _, w := range words {
		upperWords[strings.ToUpper(w)] = true
	}
	for _, kw := range deniedKeywords {
		if upperWords[kw] {
			return fmt.Errorf("%w: %s statements are not allowed", ErrForbidden, kw)
		}
	}

	verb := leading
	if verb == "WITH" {
		verb = mainVerb(words)
	}
	if verb == "DELETE" || verb == "UPDATE" {
		if err := checkWhere(verb, masked); err != nil {
			return err
		}
	}
	return nil
}

// mainVerb finds the statement a WITH clause feeds.
func mainVerb(words []string) string {
	for i := len(words) - 1; i >= 0; i-- {
		switch w := strings.ToUpper(words[i]); w {
		case "DELETE", "UPDATE":
			return w
		}
	}
	return "SELECT"
}

func checkWhere(verb, masked string) error {
	// Only the WHERE of the statement itself counts, not one inside a CTE
	// or subquery.
	verbs := keywordIndexes(masked, verb)
	if len(verbs) == 0 {
		return fmt.Errorf("%w: unrecognised %s statement", ErrForbidden, verb)
	}
	body := masked[verbs[len(verbs)-1]:]
	wheres := keywordIndexes(body, "WHERE")
	if len(wheres) == 0 {
		return fmt.Errorf("%w: %s without a WHERE clause is not allowed", ErrForbidden, verb)
	}
	clause := body[wheres[0]+len("WHERE"):]
	for _, kw := range []string{"RETURNING", "ORDER", "LIMIT"} {
		if idx := keywordIndexes(clause, kw); len(idx) > 0 {
			clause = clause[:idx[0]]
		}
	}
	clause = strings.TrimSpace(clause)
	if clause == "" || broadPredicate(clause) {
		return fmt.Errorf("%w: %s with an always-true WHERE clause is not allowed", ErrForbidden, verb)
	}
	return nil
}

// broadPredicate reports whether expr may match every row: it names no
// column, compares a column with itself, or ORs in such a term.
func broadPredicate(expr string) bool {
	expr = stripParens(expr)
	if !referencesColumn(expr) || selfComparison(expr) {
		return true
	}
	if ors := splitTopLevel(expr, "OR"); len(ors) > 1 {
		for _, term := range ors {
			if broadPredicate(term) {
				return true
			}
		}
		return false
	}
	ands := splitTopLevel(expr, "AND")
	if len(ands) < 2 {
		return false
	}
	for _, term := range ands {
		if !broadPredicate(term) {
			return false
		}
	}
	return true
}

func referencesColumn(expr string) bool {
	expr = literalPattern.ReplaceAllString(expr, " ")
	expr = functionPattern.ReplaceAllString(expr, "(")
	for _, w := range wordPattern.FindAllString(expr, -1) {
		if !predicateKeywords[strings.ToUpper(w)] {
			return true
		}
	}
	return false
}

func selfComparison(expr string) bool {
	m := selfComparePattern.FindStringSubmatch(strings.TrimSpace(expr))
	return m != nil && strings.EqualFold(m[1], m[3])
}

// stripParens removes parentheses that wrap the whole expression.
func stripParens(expr string) string {
	for {
		expr = strings.TrimSpace(expr)
		if len(expr) < 2 || expr[0] != '(' || expr[len(expr)-1] != ')' {
			return expr
		}
		depth := 0
		for i := 0; i < len(expr); i++ {
			switch expr[i] {
			case '(':
				depth++
			case ')':
				depth--
			}
			if depth == 0 && i < len(expr)-1 {
				return expr
			}
		}
		expr = expr[1 : len(expr)-1]
	}
}

// splitTopLevel splits expr on the keyword op outside parentheses.
func splitTopLevel(expr, op string) []string {
	var parts []string
	start := 0
	for _, i := range keywordIndexes(expr, op) {
		parts = append(parts, expr[start:i])
		start = i + len(op)
	}
	return append(parts, expr[start:])
}

// keywordIndexes returns the offsets of kw as a whole word outside
// parentheses, matched case-insensitively.
func keywordIndexes(s, kw string) []int {
	var out []int
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
			continue
		case ')':
			depth--
			continue
		}
		if depth != 0 || i+len(kw) > len(s) || !strings.EqualFold(s[i:i+len(kw)], kw) {
			continue
		}
		if (i > 0 && isWordByte(s[i-1])) || (i+len(kw) < len(s) && isWordByte(s[i+len(kw)])) {
			continue
		}
		out = append(out, i)
		i += len(kw) - 1
	}
	return out
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// maskSQL removes comments and empties string literals so keyword and
// separator checks only see statement structure.
func maskSQL(query string) (string, error) {
	var b strings.Builder
	b.Grow(len(query))
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			b.WriteRune(' ')
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			end := -1
			for j := i + 2; j+1 < len(runes); j++ {
				if runes[j] == '*' && runes[j+1] == '/' {
					end = j + 1
					break
				}
			}
			if end < 0 {
				return "", fmt.Errorf("unterminated comment")
			}
			i = end
			b.WriteRune(' ')
		case r == '\'' || r == '"' || r == '`':
			quote := r
			closed := false
			for j := i + 1; j < len(runes); j++ {
				if runes[j] != quote {
					continue
				}
				if j+1 < len(runes) && runes[j+1] == quote {
					j++
					continue
				}
				i = j
				closed = true
				break
			}
			if !closed {
				return "", fmt.Errorf("unterminated literal")
			}
			if quote == '\'' {
				b.WriteString("''")
			} else {
				// Quoted identifiers keep a neutral placeholder name.
				b.WriteString("ident")
			}
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

// Mediated is the storage handle given to sandboxed agents. Every statement is
// checked before the wrapped engine sees it.
type Mediated struct {
	engine   Engine
	onReject func(query string, err error)
}

// MediatedOption configures a Mediated handle.
type MediatedOption func(*Mediated)

// WithRejectHook registers a callback invoked for every rejected statement.
func WithRejectHook(fn func(query string, err error)) MediatedOption {
	return func(m *Mediated) {
		m.onReject = fn
	}
}

// NewMediated wraps engine with the statement filter.
func NewMediated(engine Engine, opts ...MediatedOption) *Mediated {
	m := &Mediated{engine: engine}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mediated) check(query string) error {
	if m == nil || m.engine == nil {
		return ErrClosed
	}
	if err := CheckStatement(query); err != nil {
		if m.onReject != nil {
			m.onReject(query, err)
		}
		return err
	}
	return nil
}

// Exec checks and forwards a write statement.
func (m *Mediated) Exec(ctx context.Context, query string, args ...any) (ExecResult, error) {
	if err := m.check(query); err != nil {
		return ExecResult{}, err
	}
	return m.engine.Exec(ctx, query, args...)
}

// Query checks and forwards a read statement.
func (m *Mediated) Query(ctx context.Context, query string, args ...any) ([]Row, error) {
	if err := m.check(query); err != nil {
		return nil, err
	}
	return m.engine.Query(ctx, query, args...)
}

// Prepare checks query once and returns a reusable statement.
func (m *Mediated) Prepare(query string) (*Statement, error) {
	if err := m.check(query); err != nil {
		return nil, err
	}
	return &Statement{engine: m.engine, query: query}, nil
}

// Statement is a checked statement bound to an engine.
type Statement struct {
	engine Engine
	query  string
}

// All returns every row.
func (s *Statement) All(ctx context.Context, args ...any) ([]Row, error) {
	return s.engine.Query(ctx, s.query, args...)
}

// Get returns the first row, or nil when the result is empty.
func (s *Statement) Get(ctx context.Context, args ...any) (Row, error) {
	rows, err := s.engine.Query(ctx, s.query, args...)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Run executes the statement for its side effects.
func (s *Statement) Run(ctx context.Context, args ...any) (ExecResult, error) {
	return s.engine.Exec(ctx, s.query, args...)
}
