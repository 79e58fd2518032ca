package retrieval

import (
	"context"
	"log"
	"regexp"
	"sort"
	"strings"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
)

// metricPatterns routes query text to canonical fact metrics. Patterns are
// tried in order; all matches are collected so "revenue and net income"
// yields both.
var metricPatterns = []struct {
	re     *regexp.Regexp
	metric string
}{
	{regexp.MustCompile(`(?i)\b(revenue|sales|turnover|top[- ]line)\b`), "revenue"},
	{regexp.MustCompile(`(?i)\bnet\s+(income|profit|earnings)\b`), "net_income"},
	{regexp.MustCompile(`(?i)\b(operating\s+(income|profit|margin))\b`), "operating_income"},
	{regexp.MustCompile(`(?i)\bgross\s+(profit|margin)\b`), "gross_profit"},
	{regexp.MustCompile(`(?i)\b(eps|earnings\s+per\s+share)\b`), "eps"},
	{regexp.MustCompile(`(?i)\b(free\s+cash\s+flow|fcf)\b`), "free_cash_flow"},
	{regexp.MustCompile(`(?i)\b(total\s+)?assets\b`), "total_assets"},
	{regexp.MustCompile(`(?i)\b(total\s+)?(debt|liabilities|borrowings)\b`), "total_debt"},
	{regexp.MustCompile(`(?i)\b(capex|capital\s+expenditure)\b`), "capex"},
	{regexp.MustCompile(`(?i)\b(dividend)s?\b`), "dividends"},
	{regexp.MustCompile(`(?i)\b(headcount|employees)\b`), "headcount"},
	{regexp.MustCompile(`(?i)\b(r&d|research\s+and\s+development)\b`), "rnd_expense"},
}

// MetricsFor extracts the canonical metric names mentioned in the query,
// preserving first-mention order.
func MetricsFor(query string) []string {
	var out []string
	seen := map[string]bool{}
	for _, mp := range metricPatterns {
		if mp.re.MatchString(query) && !seen[mp.metric] {
			seen[mp.metric] = true
			out = append(out, mp.metric)
		}
	}
	return out
}

// EntityKeysFor pulls candidate entity keys out of the query by matching
// against the known-entity list. Matching is case-insensitive on both the
// key and its display aliases.
func EntityKeysFor(query string, known map[string][]string) []string {
	lower := strings.ToLower(query)
	var out []string
	for key, aliases := range known {
		names := append([]string{key}, aliases...)
		for _, n := range names {
			if n != "" && strings.Contains(lower, strings.ToLower(n)) {
				out = append(out, key)
				break
			}
		}
	}
	// map iteration order is random; keep the result deterministic
	sort.Strings(out)
	return out
}

// StructuredRetriever answers typed-value questions from the fact store.
// It fails soft: an unknown entity or metric returns an empty result.
type StructuredRetriever struct {
	store  FactStore
	logger *log.Logger
}

func NewStructuredRetriever(store FactStore, logger *log.Logger) *StructuredRetriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[STRUCTURED] ", log.LstdFlags)
	}
	return &StructuredRetriever{store: store, logger: logger}
}

// Retrieve looks up facts for the routed entities and metrics. When the
// query names no recognisable metric there is nothing typed to fetch and
// the result is empty; dense and sparse retrieval still cover the query.
func (r *StructuredRetriever) Retrieve(ctx context.Context, entityKeys, metrics []string, tf temporal.Filter, limit int) ([]Fact, []Candidate, error) {
	if len(metrics) == 0 {
		return nil, nil, nil
	}
	facts, err := r.store.Facts(ctx, entityKeys, metrics, tf, limit)
	if err != nil {
		return nil, nil, &SourceError{Source: "structured", Err: err}
	}
	cands := make([]Candidate, 0, len(facts))
	for _, f := range facts {
		cands = append(cands, f.Candidate())
	}
	return facts, cands, nil
}
