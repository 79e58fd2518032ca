// Package hop decomposes multi-entity questions into per-entity retrieval
// steps and merges the evidence back into one pool. Single-entity queries
// never enter this path.
package hop

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/policy"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Controller states, recorded in the trace in execution order.
const (
	StateAnalyze      = "ANALYZE"
	StateDecompose    = "DECOMPOSE"
	StateRetrieveStep = "RETRIEVE_STEP"
	StateMerge        = "MERGE"
	StateFinalize     = "FINALIZE"
)

// StepResult is one retrieval pass executed on the controller's behalf.
// Counts carries the per-source candidate counts of that pass.
type StepResult struct {
	Candidates []retrieval.Candidate
	Facts      []retrieval.Fact
	Dropped    []string
	Counts     map[string]int
	Relaxed    bool
}

// Runner executes a single sub-query retrieval pass. The orchestrator
// implements it with the same pipeline used for single-hop queries.
type Runner interface {
	RunStep(ctx context.Context, query string, entityKeys []string) (*StepResult, error)
}

// Trace is one state transition for diagnostics.
type Trace struct {
	State   string        `json:"state"`
	Query   string        `json:"query,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Merged is the combined evidence of all completed steps. Counts sums the
// per-source candidate counts across them.
type Merged struct {
	Candidates []retrieval.Candidate
	Facts      []retrieval.Fact
	Dropped    []string
	Counts     map[string]int
	Relaxed    bool
	Steps      int
}

// SubQuery is one decomposed retrieval target. An empty EntityKey marks
// the final synthesis step, which retrieves across all entities with the
// original phrasing.
type SubQuery struct {
	Text      string
	EntityKey string
}

// decomposeThreshold gates the multi-hop path: entity count times intent
// complexity weight must reach it. Two entities under a comparison intent
// qualify; two entities in a plain lookup do not.
const decomposeThreshold = 4.0

var comparativeWords = regexp.MustCompile(`(?i)\b(compare|compared|versus|vs\.?|against|relative to|which (company|one)|higher|lower|better|worse)\b`)

// ShouldDecompose decides whether the query takes the multi-hop path.
func ShouldDecompose(query string, intent policy.Intent, entityCount int) bool {
	if entityCount < 2 {
		return false
	}
	if float64(entityCount)*intent.ComplexityWeight() >= decomposeThreshold {
		return true
	}
	return comparativeWords.MatchString(query)
}

// Decompose rewrites the query into one sub-query per entity, stripping
// the comparative framing so each step retrieves for its own entity only,
// then appends a synthesis step that runs the original phrasing across all
// entities to catch evidence that mentions them together.
func Decompose(query string, entityKeys []string, aliases map[string][]string) []SubQuery {
	stripped := comparativeWords.ReplaceAllString(query, " ")
	out := make([]SubQuery, 0, len(entityKeys)+1)
	for _, key := range entityKeys {
		text := stripped
		// remove the other entities' names so sparse retrieval does not
		// pull their documents into this step
		for _, other := range entityKeys {
			if other == key {
				continue
			}
			for _, name := range append([]string{other}, aliases[other]...) {
				text = removeFold(text, name)
			}
		}
		text = strings.Join(strings.Fields(text), " ")
		out = append(out, SubQuery{Text: text, EntityKey: key})
	}
	out = append(out, SubQuery{Text: query})
	return out
}

func removeFold(text, name string) string {
	if name == "" {
		return text
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(name))
	if err != nil {
		return text
	}
	return re.ReplaceAllString(text, " ")
}

// Controller runs the decompose/retrieve/merge state machine.
type Controller struct {
	runner   Runner
	maxSteps int
	logger   *log.Logger
}

func NewController(runner Runner, maxSteps int, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(log.Writer(), "[HOP] ", log.LstdFlags)
	}
	if maxSteps <= 0 {
		maxSteps = 5
	}
	return &Controller{runner: runner, maxSteps: maxSteps, logger: logger}
}

// Run executes the plan. Sub-queries beyond the step cap are skipped and
// noted in the trace. A failed step is retried once; a step that fails
// twice contributes nothing but does not abort the run as long as at
// least one step produced evidence.
func (c *Controller) Run(ctx context.Context, query string, subs []SubQuery) (*Merged, []Trace, error) {
	var traces []Trace
	record := func(state, q, detail string, start time.Time) {
		traces = append(traces, Trace{State: state, Query: q, Detail: detail, Elapsed: time.Since(start)})
	}

	start := time.Now()
	record(StateAnalyze, query, fmt.Sprintf("%d sub-queries planned", len(subs)), start)

	if len(subs) > c.maxSteps {
		record(StateDecompose, query, fmt.Sprintf("plan truncated to step cap %d", c.maxSteps), start)
		subs = subs[:c.maxSteps]
	} else {
		record(StateDecompose, query, "", start)
	}

	var allKeys []string
	for _, sub := range subs {
		if sub.EntityKey != "" {
			allKeys = append(allKeys, sub.EntityKey)
		}
	}

	merged := &Merged{}
	seen := map[string]bool{}
	completed := 0
	for _, sub := range subs {
		stepStart := time.Now()
		keys := []string{sub.EntityKey}
		if sub.EntityKey == "" {
			keys = allKeys
		}
		res, err := c.runner.RunStep(ctx, sub.Text, keys)
		if err != nil {
			c.logger.Printf("step %q failed, retrying once: %v", sub.Text, err)
			res, err = c.runner.RunStep(ctx, sub.Text, keys)
		}
		if err != nil {
			record(StateRetrieveStep, sub.Text, "failed after retry: "+err.Error(), stepStart)
			continue
		}
		completed++
		merged.Steps++
		mergeStep(merged, res)
		fresh := 0
		for _, cand := range res.Candidates {
			if !seen[cand.ID] {
				seen[cand.ID] = true
				fresh++
			}
		}
		detail := fmt.Sprintf("%d candidates, %d new", len(res.Candidates), fresh)
		stop := completed > 1 && fresh == 0
		if stop {
			detail += ", stopping early"
		}
		record(StateRetrieveStep, sub.Text, detail, stepStart)
		if stop {
			break
		}
	}

	if completed == 0 {
		return nil, traces, fmt.Errorf("all %d retrieval steps failed", len(subs))
	}

	mergeStart := time.Now()
	dedupe(merged)
	record(StateMerge, query, fmt.Sprintf("%d candidates after merge", len(merged.Candidates)), mergeStart)
	record(StateFinalize, query, "", time.Now())
	return merged, traces, nil
}

func mergeStep(m *Merged, res *StepResult) {
	m.Candidates = append(m.Candidates, res.Candidates...)
	m.Facts = append(m.Facts, res.Facts...)
	m.Dropped = append(m.Dropped, res.Dropped...)
	if len(res.Counts) > 0 {
		if m.Counts == nil {
			m.Counts = map[string]int{}
		}
		for src, n := range res.Counts {
			m.Counts[src] += n
		}
	}
	m.Relaxed = m.Relaxed || res.Relaxed
}

// dedupe unions candidates by ID keeping the higher fused score, and facts
// by their derived ID. Output order is deterministic.
func dedupe(m *Merged) {
	bestCand := map[string]retrieval.Candidate{}
	for _, c := range m.Candidates {
		if prev, ok := bestCand[c.ID]; !ok || c.Fused.Value > prev.Fused.Value {
			bestCand[c.ID] = c
		}
	}
	cands := make([]retrieval.Candidate, 0, len(bestCand))
	for _, c := range bestCand {
		cands = append(cands, c)
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Fused.Value != cands[j].Fused.Value {
			return cands[i].Fused.Value > cands[j].Fused.Value
		}
		return cands[i].ID < cands[j].ID
	})
	m.Candidates = cands

	seenFact := map[string]bool{}
	facts := make([]retrieval.Fact, 0, len(m.Facts))
	for _, f := range m.Facts {
		id := f.CandidateID()
		if seenFact[id] {
			continue
		}
		seenFact[id] = true
		facts = append(facts, f)
	}
	m.Facts = facts

	seenDrop := map[string]bool{}
	drops := make([]string, 0, len(m.Dropped))
	for _, d := range m.Dropped {
		if !seenDrop[d] {
			seenDrop[d] = true
			drops = append(drops, d)
		}
	}
	sort.Strings(drops)
	m.Dropped = drops
}
