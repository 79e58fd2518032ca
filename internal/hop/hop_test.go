package hop

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/policy"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

type stubRunner struct {
	results  map[string]*StepResult
	failures map[string]int // remaining failures per entity key
	calls    []string
}

func (s *stubRunner) RunStep(ctx context.Context, query string, entityKeys []string) (*StepResult, error) {
	key := entityKeys[0]
	s.calls = append(s.calls, key)
	if s.failures[key] > 0 {
		s.failures[key]--
		return nil, errors.New("transient failure")
	}
	if res, ok := s.results[key]; ok {
		return res, nil
	}
	return &StepResult{}, nil
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestShouldDecompose(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		intent   policy.Intent
		entities int
		want     bool
	}{
		{"single entity never decomposes", "compare revenue", policy.IntentComparison, 1, false},
		{"two entities comparison", "revenue of A and B", policy.IntentComparison, 2, true},
		{"two entities plain lookup", "revenue of A and B", policy.IntentLookup, 2, false},
		{"comparative phrasing forces it", "is A better than B", policy.IntentLookup, 2, true},
		{"four entities explanation", "margins across A B C D", policy.IntentExplanation, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldDecompose(tt.query, tt.intent, tt.entities); got != tt.want {
				t.Errorf("ShouldDecompose = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecomposeStripsOtherEntities(t *testing.T) {
	aliases := map[string][]string{
		"companya": {"Company A"},
		"companyb": {"Company B"},
	}
	subs := Decompose("compare Company A revenue versus Company B", []string{"companya", "companyb"}, aliases)
	if len(subs) != 3 {
		t.Fatalf("got %d sub-queries, want one per entity plus synthesis", len(subs))
	}
	if subs[0].EntityKey != "companya" {
		t.Errorf("sub[0] entity = %q", subs[0].EntityKey)
	}
	last := subs[len(subs)-1]
	if last.EntityKey != "" || last.Text != "compare Company A revenue versus Company B" {
		t.Errorf("synthesis step = %+v, want original phrasing with no entity restriction", last)
	}
	if strings.Contains(strings.ToLower(subs[0].Text), "company b") {
		t.Errorf("sub-query for companya still mentions the other entity: %q", subs[0].Text)
	}
	if strings.Contains(strings.ToLower(subs[0].Text), "compare") || strings.Contains(strings.ToLower(subs[0].Text), "versus") {
		t.Errorf("comparative framing not stripped: %q", subs[0].Text)
	}
}

func stepResult(ids ...string) *StepResult {
	res := &StepResult{}
	for i, id := range ids {
		res.Candidates = append(res.Candidates, retrieval.Candidate{ID: id, Fused: retrieval.ScoreOf(1 - float64(i)*0.1)})
	}
	return res
}

func TestControllerRunMergesSteps(t *testing.T) {
	runner := &stubRunner{results: map[string]*StepResult{
		"companya": stepResult("a1", "shared"),
		"companyb": stepResult("b1", "shared"),
	}}
	c := NewController(runner, 5, quietLogger())

	merged, traces, err := c.Run(context.Background(), "compare A and B",
		[]SubQuery{{Text: "revenue A", EntityKey: "companya"}, {Text: "revenue B", EntityKey: "companyb"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if merged.Steps != 2 {
		t.Errorf("steps = %d, want 2", merged.Steps)
	}
	if len(merged.Candidates) != 3 {
		t.Fatalf("merged %d candidates, want 3 after dedupe", len(merged.Candidates))
	}

	states := map[string]int{}
	for _, tr := range traces {
		states[tr.State]++
	}
	for _, want := range []string{StateAnalyze, StateDecompose, StateMerge, StateFinalize} {
		if states[want] != 1 {
			t.Errorf("state %s recorded %d times", want, states[want])
		}
	}
	if states[StateRetrieveStep] != 2 {
		t.Errorf("retrieve steps recorded %d times, want 2", states[StateRetrieveStep])
	}
}

type recordingRunner struct {
	stubRunner
	keyCounts []int
}

func (r *recordingRunner) RunStep(ctx context.Context, query string, entityKeys []string) (*StepResult, error) {
	r.keyCounts = append(r.keyCounts, len(entityKeys))
	return r.stubRunner.RunStep(ctx, query, entityKeys)
}

func TestControllerSynthesisStepSeesAllEntities(t *testing.T) {
	runner := &recordingRunner{stubRunner: stubRunner{results: map[string]*StepResult{
		"companya": stepResult("a1"),
		"companyb": stepResult("b1"),
	}}}
	c := NewController(runner, 5, quietLogger())

	merged, _, err := c.Run(context.Background(), "compare A and B", []SubQuery{
		{Text: "revenue A", EntityKey: "companya"},
		{Text: "revenue B", EntityKey: "companyb"},
		{Text: "compare A and B"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if merged.Steps != 3 {
		t.Errorf("steps = %d, want 3", merged.Steps)
	}
	if len(runner.keyCounts) != 3 || runner.keyCounts[2] != 2 {
		t.Fatalf("entity key counts = %v, synthesis step must see both entities", runner.keyCounts)
	}
}

func TestControllerStopsWhenStepAddsNothing(t *testing.T) {
	runner := &stubRunner{results: map[string]*StepResult{
		"e1": stepResult("shared"),
		"e2": stepResult("shared"),
		"e3": stepResult("fresh"),
	}}
	c := NewController(runner, 5, quietLogger())

	merged, _, err := c.Run(context.Background(), "q", []SubQuery{
		{Text: "q1", EntityKey: "e1"},
		{Text: "q2", EntityKey: "e2"},
		{Text: "q3", EntityKey: "e3"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// e2 repeats e1's candidate, so e3 never runs
	if len(runner.calls) != 2 {
		t.Fatalf("calls = %v, want early stop after the duplicate step", runner.calls)
	}
	if len(merged.Candidates) != 1 {
		t.Fatalf("merged = %+v", merged.Candidates)
	}
}

func TestControllerStepCap(t *testing.T) {
	runner := &stubRunner{results: map[string]*StepResult{}}
	c := NewController(runner, 2, quietLogger())

	subs := []SubQuery{
		{Text: "q1", EntityKey: "e1"},
		{Text: "q2", EntityKey: "e2"},
		{Text: "q3", EntityKey: "e3"},
	}
	_, traces, err := c.Run(context.Background(), "q", subs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("executed %d steps, want cap of 2", len(runner.calls))
	}
	capNoted := false
	for _, tr := range traces {
		if tr.State == StateDecompose && strings.Contains(tr.Detail, "cap") {
			capNoted = true
		}
	}
	if !capNoted {
		t.Error("truncation to step cap not recorded in trace")
	}
}

func TestControllerRetriesOnceThenSkips(t *testing.T) {
	runner := &stubRunner{
		results:  map[string]*StepResult{"companya": stepResult("a1")},
		failures: map[string]int{"companya": 1, "companyb": 2},
	}
	c := NewController(runner, 5, quietLogger())

	merged, _, err := c.Run(context.Background(), "q",
		[]SubQuery{{Text: "qa", EntityKey: "companya"}, {Text: "qb", EntityKey: "companyb"}})
	if err != nil {
		t.Fatalf("one surviving step must not error: %v", err)
	}
	// companya: fail once then succeed on retry; companyb: fail twice, skipped
	if merged.Steps != 1 || len(merged.Candidates) != 1 {
		t.Fatalf("merged = %+v", merged)
	}
	calls := map[string]int{}
	for _, k := range runner.calls {
		calls[k]++
	}
	if calls["companya"] != 2 || calls["companyb"] != 2 {
		t.Errorf("call counts = %v, want exactly one retry each", calls)
	}
}

func TestControllerAllStepsFailed(t *testing.T) {
	runner := &stubRunner{failures: map[string]int{"e1": 2}}
	c := NewController(runner, 5, quietLogger())
	_, _, err := c.Run(context.Background(), "q", []SubQuery{{Text: "q1", EntityKey: "e1"}})
	if err == nil {
		t.Fatal("expected error when every step fails")
	}
}

func TestDedupeKeepsHigherFused(t *testing.T) {
	m := &Merged{Candidates: []retrieval.Candidate{
		{ID: "dup", Fused: retrieval.ScoreOf(0.3)},
		{ID: "dup", Fused: retrieval.ScoreOf(0.9)},
	}}
	dedupe(m)
	if len(m.Candidates) != 1 || m.Candidates[0].Fused.Value != 0.9 {
		t.Fatalf("dedupe result = %+v", m.Candidates)
	}
}
