// Package policy maps classified query intents onto retrieval policies.
// The policy table is built once at startup from configuration and is
// read-only afterwards; stages receive one policy value instead of
// consulting feature flags ad hoc.
package policy

import (
	"fmt"
	"strings"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
)

// Intent is the closed set of query intents the selector understands.
type Intent string

const (
	IntentLookup      Intent = "lookup"
	IntentExplanation Intent = "explanation"
	IntentComparison  Intent = "comparison"
	IntentRisk        Intent = "risk"
	IntentForecast    Intent = "forecast"
	IntentGeneral     Intent = "general"
)

// ParseIntent maps an upstream classification label onto the closed intent
// set. Anything unrecognised falls back to the conservative general intent;
// guessing a sharper policy from a label we do not know would be worse than
// balanced defaults.
func ParseIntent(s string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentLookup:
		return IntentLookup
	case IntentExplanation:
		return IntentExplanation
	case IntentComparison:
		return IntentComparison
	case IntentRisk:
		return IntentRisk
	case IntentForecast:
		return IntentForecast
	default:
		return IntentGeneral
	}
}

// ComplexityWeight feeds the multi-hop heuristic: entity count times this
// weight crossing a threshold triggers query decomposition even when the
// policy flag is off.
func (i Intent) ComplexityWeight() float64 {
	switch i {
	case IntentComparison:
		return 2.0
	case IntentExplanation, IntentRisk, IntentForecast:
		return 1.5
	default:
		return 1.0
	}
}

// RetrievalPolicy is the immutable per-intent retrieval configuration.
type RetrievalPolicy struct {
	Intent            Intent
	StructuredLimit   int
	DenseLimit        int
	SparseLimit       int
	FusionBudget      int
	RerankTopN        int
	RequireSamePeriod bool
	RequireSameUnits  bool
	UseMultiHop       bool
	SectionBias       []string
}

// Table holds the validated policy set. Safe for concurrent reads; never
// mutated after construction.
type Table struct {
	policies map[Intent]RetrievalPolicy
}

// NewTable builds the policy table from configuration. Configuration has
// already passed config.Validate, but the table re-checks the invariants it
// depends on so a misconfigured caller fails at startup, not per query.
func NewTable(cfg config.RetrievalConfig) (*Table, error) {
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("policy table: no policies configured")
	}
	policies := make(map[Intent]RetrievalPolicy, len(cfg.Policies))
	for name, pc := range cfg.Policies {
		intent := Intent(name)
		switch intent {
		case IntentLookup, IntentExplanation, IntentComparison, IntentRisk, IntentForecast, IntentGeneral:
		default:
			return nil, fmt.Errorf("policy table: unknown intent %q", name)
		}
		if pc.FusionBudget <= 0 || pc.RerankTopN <= 0 || pc.RerankTopN > pc.FusionBudget {
			return nil, fmt.Errorf("policy table: invalid budgets for intent %q", name)
		}
		policies[intent] = RetrievalPolicy{
			Intent:            intent,
			StructuredLimit:   pc.StructuredLimit,
			DenseLimit:        pc.DenseLimit,
			SparseLimit:       pc.SparseLimit,
			FusionBudget:      pc.FusionBudget,
			RerankTopN:        pc.RerankTopN,
			RequireSamePeriod: pc.RequireSamePeriod,
			RequireSameUnits:  pc.RequireSameUnits,
			UseMultiHop:       pc.UseMultiHop,
			SectionBias:       append([]string(nil), pc.SectionBias...),
		}
	}
	if _, ok := policies[IntentGeneral]; !ok {
		return nil, fmt.Errorf("policy table: general policy is required as the fallback")
	}
	return &Table{policies: policies}, nil
}

// Select returns the policy for an intent, falling back to general when the
// intent has no dedicated entry.
func (t *Table) Select(intent Intent) RetrievalPolicy {
	if p, ok := t.policies[intent]; ok {
		return p
	}
	return t.policies[IntentGeneral]
}
