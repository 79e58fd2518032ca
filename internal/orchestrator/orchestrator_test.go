package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/feedback"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/ground"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/policy"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/verify"
)

type stubFactStore struct {
	facts []retrieval.Fact
	err   error
}

func (s *stubFactStore) Facts(_ context.Context, entityKeys, metrics []string, _ temporal.Filter, _ int) ([]retrieval.Fact, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []retrieval.Fact
	for _, f := range s.facts {
		if !contains(entityKeys, f.EntityKey) && len(entityKeys) > 0 {
			continue
		}
		if contains(metrics, f.Metric) {
			out = append(out, f)
		}
	}
	return out, nil
}

type stubEmbedder struct{ err error }

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type stubIndex struct {
	hits []retrieval.Hit
	err  error
}

func (s *stubIndex) search(filter retrieval.MetadataFilter) ([]retrieval.Hit, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []retrieval.Hit
	for _, h := range s.hits {
		if len(filter.EntityKeys) > 0 && !contains(filter.EntityKeys, h.EntityKey) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

type stubVectorIndex struct{ stubIndex }

func (s *stubVectorIndex) Search(_ context.Context, _ []float32, filter retrieval.MetadataFilter, _ int) ([]retrieval.Hit, error) {
	return s.search(filter)
}

type stubKeywordIndex struct{ stubIndex }

func (s *stubKeywordIndex) Search(_ context.Context, _ string, filter retrieval.MetadataFilter, _ int) ([]retrieval.Hit, error) {
	return s.search(filter)
}

type memFeedbackStore struct{ recs []feedback.Record }

func (m *memFeedbackStore) AppendFeedback(_ context.Context, rec feedback.Record) error {
	m.recs = append(m.recs, rec)
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func testConfig() *config.Config {
	pol := config.PolicyConfig{
		StructuredLimit: 10, DenseLimit: 10, SparseLimit: 10,
		FusionBudget: 24, RerankTopN: 8,
	}
	comparison := pol
	comparison.UseMultiHop = true
	comparison.RequireSamePeriod = true
	return &config.Config{
		Retrieval: config.RetrievalConfig{
			SourceTimeout: time.Second,
			Fusion: config.FusionConfig{
				DenseWeight: 0.6, SparseWeight: 0.4, SingleSourceDiscount: 0.85,
			},
			SourceWeights: map[string]float64{
				"structured_fact": 1.0, "narrative": 0.9, "uploaded_document": 0.8, "table": 0.95,
			},
			Confidence: config.ConfidenceConfig{
				RefuseBelow: 0.3, MediumTier: 0.4, HighTier: 0.7, TopK: 5,
			},
			Policies: map[string]config.PolicyConfig{
				"general":     pol,
				"lookup":      pol,
				"explanation": pol,
				"comparison":  comparison,
			},
			MultiHopCap: 5,
			Entities: map[string][]string{
				"apple":     {"Apple", "Apple Inc"},
				"microsoft": {"Microsoft", "MSFT"},
				"amazon":    {"Amazon", "AMZN"},
			},
		},
		Verification: config.VerificationConfig{
			SupportThreshold: 0.3, NumericTolerance: 0.02, RegenerateBelow: 0.5,
		},
	}
}

type testBackends struct {
	facts  *stubFactStore
	vector *stubVectorIndex
	kw     *stubKeywordIndex
	embed  *stubEmbedder
}

func newTestOrchestrator(t *testing.T, b testBackends, opts Options) *Orchestrator {
	t.Helper()
	cfg := testConfig()
	table, err := policy.NewTable(cfg.Retrieval)
	if err != nil {
		t.Fatalf("policy table: %v", err)
	}
	if b.facts == nil {
		b.facts = &stubFactStore{}
	}
	if b.vector == nil {
		b.vector = &stubVectorIndex{}
	}
	if b.kw == nil {
		b.kw = &stubKeywordIndex{}
	}
	if b.embed == nil {
		b.embed = &stubEmbedder{}
	}
	fanout := retrieval.NewFanout(
		retrieval.NewStructuredRetriever(b.facts, quietLogger()),
		retrieval.NewDenseRetriever(b.embed, b.vector, quietLogger()),
		retrieval.NewSparseRetriever(b.kw, quietLogger()),
		cfg.Retrieval.SourceTimeout,
		quietLogger(),
	)
	weights := retrieval.NewWeights(cfg.Retrieval.SourceWeights)
	verifier := verify.New(cfg.Verification, quietLogger())
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	}
	return New(cfg, table, fanout, nil, weights, verifier, opts)
}

func appleBackends() testBackends {
	return testBackends{
		facts: &stubFactStore{facts: []retrieval.Fact{
			{EntityKey: "apple", Metric: "revenue", Value: 394.3, Unit: "usd_billions", FiscalYear: 2023},
			{EntityKey: "microsoft", Metric: "revenue", Value: 211.9, Unit: "usd_billions", FiscalYear: 2023},
		}},
		vector: &stubVectorIndex{stubIndex{hits: []retrieval.Hit{
			{ID: "aapl-10k#12", Text: "Apple reported revenue of $394.3 billion for fiscal 2023.", Score: 0.92, EntityKey: "apple", Section: "md&a", Period: temporal.Period{FiscalYear: 2023}},
			{ID: "msft-10k#8", Text: "Microsoft revenue reached $211.9 billion in fiscal 2023.", Score: 0.88, EntityKey: "microsoft", Section: "md&a", Period: temporal.Period{FiscalYear: 2023}},
		}}},
		kw: &stubKeywordIndex{stubIndex{hits: []retrieval.Hit{
			{ID: "aapl-10k#12", Text: "Apple reported revenue of $394.3 billion for fiscal 2023.", Score: 4.1, EntityKey: "apple", Section: "md&a", Period: temporal.Period{FiscalYear: 2023}},
		}}},
	}
}

func TestProcessQueryLookupAnswers(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	ans, err := o.ProcessQuery(context.Background(), Request{Query: "What was Apple's revenue in fiscal 2023?"})
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if ans.Refused {
		t.Fatalf("expected an answer, got refusal %s: %s", ans.ReasonCode, ans.Message)
	}
	if ans.Diagnostics.Intent != string(policy.IntentLookup) {
		t.Fatalf("intent = %q, want lookup", ans.Diagnostics.Intent)
	}
	if ans.Confidence.Tier != retrieval.TierHigh {
		t.Fatalf("tier = %q (value %.3f), want high", ans.Confidence.Tier, ans.Confidence.Value)
	}
	if len(ans.Facts) != 1 || ans.Facts[0].EntityKey != "apple" {
		t.Fatalf("facts = %+v, want the single apple revenue fact", ans.Facts)
	}
	if len(ans.Evidence.Citations) == 0 {
		t.Fatal("expected citations in the evidence bundle")
	}
	if ans.Diagnostics.MultiHop {
		t.Fatal("single-entity lookup must not take the multi-hop path")
	}
	if ans.Diagnostics.TimeFilterRelaxed {
		t.Fatal("evidence matches the requested year, filter must not relax")
	}
}

func TestProcessQueryRefusesWithoutEvidence(t *testing.T) {
	o := newTestOrchestrator(t, testBackends{}, Options{})

	ans, err := o.ProcessQuery(context.Background(), Request{Query: "Tell me about the weather"})
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if !ans.Refused {
		t.Fatal("expected a refusal with no evidence")
	}
	if ans.ReasonCode != ground.ReasonNoEvidence {
		t.Fatalf("reason = %q, want %q", ans.ReasonCode, ground.ReasonNoEvidence)
	}
	if len(ans.Evidence.Citations) != 0 {
		t.Fatal("a refusal must not carry citations")
	}
}

func TestProcessQueryComparisonDecomposes(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	ans, err := o.ProcessQuery(context.Background(), Request{Query: "Compare Apple and Microsoft revenue for fiscal 2023"})
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if !ans.Diagnostics.MultiHop {
		t.Fatal("two-entity comparison must take the multi-hop path")
	}
	steps := 0
	for _, tr := range ans.Diagnostics.HopTraces {
		if tr.State == "RETRIEVE_STEP" {
			steps++
		}
	}
	if steps != 3 {
		t.Fatalf("retrieve steps = %d, want one per entity plus synthesis", steps)
	}
	entities := map[string]bool{}
	for _, f := range ans.Facts {
		entities[f.EntityKey] = true
	}
	if !entities["apple"] || !entities["microsoft"] {
		t.Fatalf("merged facts cover %v, want both entities", entities)
	}
	if ans.Refused {
		t.Fatalf("unexpected refusal: %s", ans.Message)
	}
}

func TestProcessQueryHeuristicDecomposesWithoutPolicyFlag(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	// the explanation policy has no multi-hop flag, but three entities
	// under an explanation intent cross the complexity threshold
	ans, err := o.ProcessQuery(context.Background(), Request{
		Query:  "Why did revenue grow at Apple, Microsoft and Amazon in fiscal 2023?",
		Intent: "explanation",
	})
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if !ans.Diagnostics.MultiHop {
		t.Fatal("complexity heuristic must open the multi-hop path on its own")
	}
}

func TestProcessQueryCallerEntitiesAndIntent(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	// the query text names no entity; the caller's extraction routes it
	ans, err := o.ProcessQuery(context.Background(), Request{
		Query:    "How did revenue trend last year?",
		Entities: []string{"microsoft"},
		Intent:   "lookup",
	})
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if ans.Diagnostics.Intent != string(policy.IntentLookup) {
		t.Fatalf("intent = %q, want the caller's lookup", ans.Diagnostics.Intent)
	}
	for _, f := range ans.Facts {
		if f.EntityKey != "microsoft" {
			t.Fatalf("fact for %q leaked past the caller's entity scope", f.EntityKey)
		}
	}
	if len(ans.Facts) == 0 {
		t.Fatal("expected the microsoft revenue fact")
	}
}

func TestProcessQueryMultiHopSourceCounts(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	ans, err := o.ProcessQuery(context.Background(), Request{Query: "Compare Apple and Microsoft revenue for fiscal 2023"})
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if !ans.Diagnostics.MultiHop {
		t.Fatal("comparison must take the multi-hop path")
	}
	counts := ans.Diagnostics.SourceCounts
	if counts["structured"] == 0 || counts["dense"] == 0 {
		t.Fatalf("source counts = %v, want per-source totals across steps", counts)
	}
	if _, ok := counts["merged"]; ok {
		t.Fatalf("source counts = %v, want per-source keys only", counts)
	}
}

func TestProcessQueryAllSourcesFailed(t *testing.T) {
	boom := errors.New("backend down")
	o := newTestOrchestrator(t, testBackends{
		facts:  &stubFactStore{err: boom},
		vector: &stubVectorIndex{stubIndex{err: boom}},
		kw:     &stubKeywordIndex{stubIndex{err: boom}},
	}, Options{})

	_, err := o.ProcessQuery(context.Background(), Request{Query: "What was Apple's revenue in 2023?"})
	if !errors.Is(err, retrieval.ErrAllSourcesFailed) {
		t.Fatalf("err = %v, want ErrAllSourcesFailed", err)
	}
}

func TestProcessQueryDeterministic(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})
	query := "Compare Apple and Microsoft revenue for fiscal 2023"

	first, err := o.ProcessQuery(context.Background(), Request{Query: query})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.ProcessQuery(context.Background(), Request{Query: query})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first.Candidates) != len(second.Candidates) {
		t.Fatalf("candidate counts differ: %d vs %d", len(first.Candidates), len(second.Candidates))
	}
	for i := range first.Candidates {
		if first.Candidates[i].ID != second.Candidates[i].ID {
			t.Fatalf("candidate order diverged at %d: %s vs %s", i, first.Candidates[i].ID, second.Candidates[i].ID)
		}
	}
	if first.Confidence.Value != second.Confidence.Value {
		t.Fatalf("confidence diverged: %.6f vs %.6f", first.Confidence.Value, second.Confidence.Value)
	}
}

func TestVerifyAgainstSupportedClaim(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	evidence := []retrieval.Candidate{{
		ID:   "aapl-10k#12",
		Text: "Apple reported revenue of $394.3 billion for fiscal 2023.",
		Kind: retrieval.KindNarrative,
	}}
	res := o.VerifyAgainst("Apple reported revenue of $394.3 billion for fiscal 2023.", nil, evidence)
	if res.Supported != 1 || res.Contradicted != 0 {
		t.Fatalf("supported=%d contradicted=%d, want 1/0", res.Supported, res.Contradicted)
	}
	if res.RecommendRegenerate {
		t.Fatal("fully supported answer must not recommend regeneration")
	}
}

func TestVerifyAnswerRetrievesEvidence(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	res, err := o.VerifyAnswer(context.Background(), "What was Apple's revenue in fiscal 2023?", "Apple reported revenue of $394.3 billion for fiscal 2023.")
	if err != nil {
		t.Fatalf("VerifyAnswer: %v", err)
	}
	if res.Supported == 0 {
		t.Fatalf("claims = %+v, want at least one supported", res.Claims)
	}
}

func TestRecordFeedbackPersists(t *testing.T) {
	store := &memFeedbackStore{}
	o := newTestOrchestrator(t, appleBackends(), Options{FeedbackStore: store})

	rec := feedback.NewRecord("q-1", feedback.VerdictHelpful, "spot on", []retrieval.SourceKind{retrieval.KindStructured})
	if err := o.RecordFeedback(context.Background(), rec); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if len(store.recs) != 1 || store.recs[0].QueryID != "q-1" {
		t.Fatalf("stored = %+v, want the submitted record", store.recs)
	}
}

func TestRecordFeedbackRejectsInvalid(t *testing.T) {
	o := newTestOrchestrator(t, appleBackends(), Options{})

	rec := feedback.NewRecord("q-1", "meh", "", nil)
	err := o.RecordFeedback(context.Background(), rec)
	if !errors.Is(err, ErrInvalidFeedback) {
		t.Fatalf("err = %v, want ErrInvalidFeedback", err)
	}
}

func TestAnswerSourceKinds(t *testing.T) {
	ans := &Answer{Candidates: []retrieval.Candidate{
		{ID: "a", Kind: retrieval.KindStructured},
		{ID: "b", Kind: retrieval.KindNarrative},
		{ID: "c", Kind: retrieval.KindStructured},
	}}
	kinds := ans.SourceKinds()
	if len(kinds) != 2 || kinds[0] != retrieval.KindStructured || kinds[1] != retrieval.KindNarrative {
		t.Fatalf("kinds = %v, want deduplicated rank order", kinds)
	}
}

func TestCacheKeyStable(t *testing.T) {
	q := Request{Query: "q"}
	if cacheKey(q) != cacheKey(q) {
		t.Fatal("cache key must be stable for identical requests")
	}
	if cacheKey(Request{Query: "a"}) == cacheKey(Request{Query: "b"}) {
		t.Fatal("distinct queries must not collide")
	}
	if cacheKey(q) == cacheKey(Request{Query: "q", Intent: "lookup"}) {
		t.Fatal("caller intent must change the key")
	}
	if cacheKey(q) == cacheKey(Request{Query: "q", Entities: []string{"apple"}}) {
		t.Fatal("caller entities must change the key")
	}
	if !strings.HasPrefix(cacheKey(q), "grounder:decision:") {
		t.Fatalf("unexpected key shape %q", cacheKey(q))
	}
}
