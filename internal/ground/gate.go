package ground

import (
	"fmt"
	"strings"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Refusal reason codes. Refusals are first-class outcomes, not errors.
const (
	ReasonNoEvidence    = "NO_EVIDENCE"
	ReasonLowConfidence = "LOW_CONFIDENCE"
)

// Decision is the gate's verdict for one query.
type Decision struct {
	Refused        bool                 `json:"refused"`
	ReasonCode     string               `json:"reason_code,omitempty"`
	Message        string               `json:"message,omitempty"`
	Warnings       []string             `json:"warnings,omitempty"`
	Contradictions []Contradiction      `json:"contradictions,omitempty"`
	Confidence     retrieval.Confidence `json:"confidence"`
}

// Signals carries the pipeline flags the gate folds into warnings.
type Signals struct {
	TimeFilterRelaxed bool
	DroppedSources    []string
	PeriodMismatch    bool
}

// Evaluate applies the refusal rules in order: no evidence refuses first,
// then confidence below the floor. Contradictions and degraded-retrieval
// signals never refuse on their own; they surface as warnings so a
// well-supported answer still ships with its caveats attached.
func Evaluate(ranked []retrieval.Candidate, conf retrieval.Confidence, refuseBelow float64, contradictions []Contradiction, sig Signals) Decision {
	d := Decision{Confidence: conf, Contradictions: contradictions}

	if len(ranked) == 0 {
		d.Refused = true
		d.ReasonCode = ReasonNoEvidence
		d.Message = "no evidence was retrieved for this query; try rephrasing with a specific company, metric, or fiscal year"
		return d
	}
	if conf.Value < refuseBelow {
		d.Refused = true
		d.ReasonCode = ReasonLowConfidence
		d.Message = fmt.Sprintf("retrieved evidence is too weak to answer (confidence %.2f); try narrowing the query to a specific company, metric, or fiscal year", conf.Value)
		return d
	}

	if len(contradictions) > 0 {
		metrics := make([]string, 0, len(contradictions))
		seen := map[string]bool{}
		for _, c := range contradictions {
			if !seen[c.Metric] {
				seen[c.Metric] = true
				metrics = append(metrics, c.Metric)
			}
		}
		d.Warnings = append(d.Warnings, "sources disagree on: "+strings.Join(metrics, ", "))
	}
	if sig.TimeFilterRelaxed {
		d.Warnings = append(d.Warnings, "no evidence matched the requested time scope; answer uses the closest available periods")
	}
	if len(sig.DroppedSources) > 0 {
		d.Warnings = append(d.Warnings, "retrieval was degraded; unavailable sources: "+strings.Join(sig.DroppedSources, ", "))
	}
	if sig.PeriodMismatch {
		d.Warnings = append(d.Warnings, "compared figures come from different fiscal periods")
	}
	return d
}

// PeriodMismatch reports whether evidence for different entities spans
// different fiscal years. Comparison answers built on mismatched periods
// are misleading even when every individual figure is correct.
func PeriodMismatch(cands []retrieval.Candidate) bool {
	byEntity := map[string]map[int]bool{}
	for _, c := range cands {
		if c.EntityKey == "" || c.Period.FiscalYear == 0 {
			continue
		}
		if byEntity[c.EntityKey] == nil {
			byEntity[c.EntityKey] = map[int]bool{}
		}
		byEntity[c.EntityKey][c.Period.FiscalYear] = true
	}
	if len(byEntity) < 2 {
		return false
	}
	var common map[int]bool
	for _, years := range byEntity {
		if common == nil {
			common = years
			continue
		}
		next := map[int]bool{}
		for y := range common {
			if years[y] {
				next[y] = true
			}
		}
		common = next
	}
	return len(common) == 0
}
