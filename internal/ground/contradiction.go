package ground

import (
	"strings"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Contradiction records a numeric disagreement between a structured fact
// and a narrative or table candidate covering the same entity and period.
type Contradiction struct {
	FactID      string  `json:"fact_id"`
	CandidateID string  `json:"candidate_id"`
	Metric      string  `json:"metric"`
	Expected    float64 `json:"expected"`
	Found       float64 `json:"found"`
}

// DetectContradictions compares each structured fact against the free-text
// candidates that mention the same metric for the same entity and period.
// A mention counts as contradictory when it is in the same ballpark as the
// fact value (so it plausibly describes the same quantity) but disagrees
// beyond the relative tolerance. Percentages and year-like integers are
// never compared against monetary facts.
func DetectContradictions(facts []retrieval.Fact, cands []retrieval.Candidate, tol float64) []Contradiction {
	var out []Contradiction
	for _, f := range facts {
		terms := metricTerms(f.Metric)
		for _, c := range cands {
			if c.Kind == retrieval.KindStructured {
				continue
			}
			if c.EntityKey != "" && f.EntityKey != "" && c.EntityKey != f.EntityKey {
				continue
			}
			if c.Period.FiscalYear != 0 && f.FiscalYear != 0 && c.Period.FiscalYear != f.FiscalYear {
				continue
			}
			if !mentionsMetric(c.Text, terms) {
				continue
			}
			for _, m := range ExtractNumbers(c.Text) {
				if m.Percent || isYearLike(m.Value) {
					continue
				}
				v := AlignScale(m.Value, f.Value)
				if !SameBallpark(v, f.Value) {
					continue
				}
				if !WithinTolerance(v, f.Value, tol) {
					out = append(out, Contradiction{
						FactID:      f.CandidateID(),
						CandidateID: c.ID,
						Metric:      f.Metric,
						Expected:    f.Value,
						Found:       m.Value,
					})
					break
				}
			}
		}
	}
	return out
}

// metricTerms maps a canonical metric name to the words that signal it in
// prose. The canonical name itself (underscores split) is always included.
func metricTerms(metric string) []string {
	terms := strings.Split(metric, "_")
	switch metric {
	case "revenue":
		terms = append(terms, "sales", "turnover")
	case "net_income":
		terms = append(terms, "profit", "earnings")
	case "free_cash_flow":
		terms = append(terms, "fcf")
	case "eps":
		terms = append(terms, "earnings per share")
	}
	return terms
}

func mentionsMetric(text string, terms []string) bool {
	lower := strings.ToLower(text)
	for _, t := range terms {
		if t != "" && strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func isYearLike(v float64) bool {
	return v == float64(int(v)) && v >= 1900 && v <= 2100
}

// AlignScale bridges unit-scale mismatches between stored facts and prose:
// facts are commonly stored in billions while prose writes the full value.
// If shifting the mention by a power of a thousand lands it in the fact's
// ballpark, compare at that scale.
func AlignScale(mention, fact float64) float64 {
	if fact == 0 || mention == 0 {
		return mention
	}
	best := mention
	for _, f := range []float64{1, 1e-3, 1e-6, 1e-9, 1e-12, 1e3, 1e6, 1e9, 1e12} {
		v := mention * f
		if SameBallpark(v, fact) {
			best = v
			break
		}
	}
	return best
}
