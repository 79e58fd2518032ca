// Package orchestrator runs the full query pipeline: time-scope and intent
// resolution, concurrent retrieval, fusion, reranking, the grounding gate,
// evidence assembly, answer verification and feedback intake.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/feedback"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/ground"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/hop"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/policy"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/rerank"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/telemetry"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/verify"
)

// Request is one query submission. Entities and Intent are optional: a
// caller that already ran entity extraction and intent classification
// upstream supplies them, and the pipeline's own classifier and entity
// router only run when they are absent.
type Request struct {
	Query    string
	Entities []string
	Intent   string
}

// Answer is the outcome of one processed query. A refusal is a valid
// answer, not an error.
type Answer struct {
	QueryID    string               `json:"query_id"`
	Refused    bool                 `json:"refused"`
	ReasonCode string               `json:"reason_code,omitempty"`
	Message    string               `json:"message,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
	Confidence retrieval.Confidence `json:"confidence"`
	Evidence   ground.Bundle        `json:"evidence"`

	Facts      []retrieval.Fact      `json:"facts,omitempty"`
	Candidates []retrieval.Candidate `json:"candidates,omitempty"`

	Diagnostics Diagnostics `json:"diagnostics"`
}

// SourceKinds lists the source kinds that contributed ranked evidence,
// deduplicated in rank order. Feedback records carry them.
func (a *Answer) SourceKinds() []retrieval.SourceKind {
	var out []retrieval.SourceKind
	seen := map[retrieval.SourceKind]bool{}
	for _, c := range a.Candidates {
		if !seen[c.Kind] {
			seen[c.Kind] = true
			out = append(out, c.Kind)
		}
	}
	return out
}

// Diagnostics exposes what the pipeline did, per query.
type Diagnostics struct {
	Intent            string                   `json:"intent"`
	FiscalYears       []int                    `json:"fiscal_years,omitempty"`
	TimeFilterRelaxed bool                     `json:"time_filter_relaxed"`
	DroppedSources    []string                 `json:"dropped_sources,omitempty"`
	RerankApplied     bool                     `json:"rerank_applied"`
	MultiHop          bool                     `json:"multi_hop"`
	HopTraces         []hop.Trace              `json:"hop_traces,omitempty"`
	SourceCounts      map[string]int           `json:"source_counts,omitempty"`
	StageTimings      map[string]time.Duration `json:"stage_timings,omitempty"`
	CacheHit          bool                     `json:"cache_hit"`
}

// Orchestrator owns the wired pipeline. Construct once at startup; safe
// for concurrent use.
type Orchestrator struct {
	cfg      *config.Config
	policies *policy.Table
	fanout   *retrieval.Fanout
	reranker *rerank.Reranker
	weights  *retrieval.Weights
	verifier *verify.Verifier

	feedbackStore feedback.Store
	publisher     *feedback.Publisher
	cache         *DecisionCache

	tracer trace.Tracer
	logger *log.Logger
	now    func() time.Time
}

// Options carries the optional collaborators.
type Options struct {
	FeedbackStore feedback.Store
	Publisher     *feedback.Publisher
	Cache         *DecisionCache
	Logger        *log.Logger
	Now           func() time.Time
}

func New(cfg *config.Config, policies *policy.Table, fanout *retrieval.Fanout, reranker *rerank.Reranker, weights *retrieval.Weights, verifier *verify.Verifier, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		cfg:           cfg,
		policies:      policies,
		fanout:        fanout,
		reranker:      reranker,
		weights:       weights,
		verifier:      verifier,
		feedbackStore: opts.FeedbackStore,
		publisher:     opts.Publisher,
		cache:         opts.Cache,
		tracer:        otel.Tracer("grounder/internal/orchestrator"),
		logger:        logger,
		now:           now,
	}
}

// ProcessQuery runs the whole pipeline for one query.
func (o *Orchestrator) ProcessQuery(ctx context.Context, req Request) (*Answer, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process_query")
	defer span.End()

	query := req.Query
	if cached, ok := o.cache.Get(ctx, req); ok {
		cached.Diagnostics.CacheHit = true
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	diag := Diagnostics{StageTimings: map[string]time.Duration{}}
	stage := func(name string, start time.Time) {
		d := time.Since(start)
		diag.StageTimings[name] = d
		telemetry.RecordStage(ctx, name, d.Seconds())
	}

	// resolve time scope and intent, route entities and metrics; the
	// caller's extraction wins over the internal classifier and router
	start := time.Now()
	tf := temporal.Resolve(query, o.now())
	intent := policy.ClassifyIntent(query)
	if strings.TrimSpace(req.Intent) != "" {
		intent = policy.ParseIntent(req.Intent)
	}
	pol := o.policies.Select(intent)
	entities := req.Entities
	if len(entities) == 0 {
		entities = retrieval.EntityKeysFor(query, o.cfg.Retrieval.Entities)
	}
	diag.Intent = string(intent)
	diag.FiscalYears = tf.Years()
	stage("resolve", start)
	span.SetAttributes(
		attribute.String("query.intent", string(intent)),
		attribute.Int("query.entities", len(entities)),
	)

	// retrieve, single pass or decomposed
	start = time.Now()
	var (
		cands   []retrieval.Candidate
		facts   []retrieval.Fact
		dropped []string
	)
	// the policy flag and the complexity heuristic each open the
	// multi-hop path on their own
	if pol.UseMultiHop || hop.ShouldDecompose(query, intent, len(entities)) {
		diag.MultiHop = true
		ctl := hop.NewController(o, o.cfg.Retrieval.MultiHopCap, o.logger)
		subs := hop.Decompose(query, entities, o.cfg.Retrieval.Entities)
		merged, traces, err := ctl.Run(hopContext(ctx, tf, pol), query, subs)
		diag.HopTraces = traces
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "multi-hop retrieval failed")
			return nil, err
		}
		cands, facts, dropped = merged.Candidates, merged.Facts, merged.Dropped
		diag.SourceCounts = merged.Counts
	} else {
		res, err := o.fanout.Retrieve(ctx, retrieval.Query{Text: query, EntityKeys: entities, Metrics: retrieval.MetricsFor(query)}, pol, tf)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "retrieval failed")
			return nil, err
		}
		diag.SourceCounts = res.Counts()
		dropped = res.DroppedSources
		facts = res.Facts
		cands = append(res.Structured, retrieval.FuseHybrid(res.Dense, res.Sparse, o.fusionParams(pol))...)
	}
	for _, src := range dropped {
		telemetry.RecordSourceDrop(ctx, src)
	}
	diag.DroppedSources = dropped
	stage("retrieve", start)

	// structure-aware extraction for table intents
	start = time.Now()
	cands = retrieval.ExpandTabular(query, cands)
	stage("extract", start)

	// temporal filter with relaxation
	start = time.Now()
	cands, relaxed := retrieval.FilterByTime(cands, tf)
	diag.TimeFilterRelaxed = relaxed
	stage("time_filter", start)

	// rerank, falling back to fused order on failure; structured facts
	// bypass the scorer so the precision cut never discards them
	start = time.Now()
	if o.cfg.Rerank.Enabled && o.reranker != nil {
		var structured, prose []retrieval.Candidate
		for _, c := range cands {
			if c.Kind == retrieval.KindStructured {
				structured = append(structured, c)
			} else {
				prose = append(prose, c)
			}
		}
		prose, diag.RerankApplied = o.reranker.Rerank(ctx, query, prose, pol.RerankTopN)
		cands = append(structured, prose...)
	}
	stage("rerank", start)

	// cross-source fusion and the grounding decision
	start = time.Now()
	ranked, conf := retrieval.FuseSources(cands, o.weights, o.confidenceParams())
	contradictions := ground.DetectContradictions(facts, ranked, o.cfg.Verification.NumericTolerance)
	sig := ground.Signals{
		TimeFilterRelaxed: relaxed,
		DroppedSources:    dropped,
		PeriodMismatch:    pol.RequireSamePeriod && ground.PeriodMismatch(ranked),
	}
	decision := ground.Evaluate(ranked, conf, o.cfg.Retrieval.Confidence.RefuseBelow, contradictions, sig)
	stage("decide", start)
	telemetry.RecordConfidence(ctx, conf.Value)

	ans := &Answer{
		QueryID:     uuid.NewString(),
		Refused:     decision.Refused,
		ReasonCode:  decision.ReasonCode,
		Message:     decision.Message,
		Warnings:    decision.Warnings,
		Confidence:  conf,
		Facts:       facts,
		Candidates:  ranked,
		Diagnostics: diag,
	}
	if decision.Refused {
		telemetry.RecordQuery(ctx, "refused")
		telemetry.RecordRefusal(ctx, decision.ReasonCode)
		span.SetAttributes(attribute.String("decision.refusal", decision.ReasonCode))
		o.cache.Put(ctx, req, ans)
		return ans, nil
	}

	start = time.Now()
	ans.Evidence = ground.Assemble(ranked, 0, 0)
	stage("assemble", start)

	telemetry.RecordQuery(ctx, "answered")
	span.SetAttributes(
		attribute.Float64("decision.confidence", conf.Value),
		attribute.String("decision.tier", conf.Tier),
	)
	o.cache.Put(ctx, req, ans)
	return ans, nil
}

// RunStep implements hop.Runner: one fused retrieval pass for a sub-query.
func (o *Orchestrator) RunStep(ctx context.Context, query string, entityKeys []string) (*hop.StepResult, error) {
	tf, pol := hopParams(ctx)
	res, err := o.fanout.Retrieve(ctx, retrieval.Query{Text: query, EntityKeys: entityKeys, Metrics: retrieval.MetricsFor(query)}, pol, tf)
	if err != nil {
		return nil, err
	}
	fused := retrieval.FuseHybrid(res.Dense, res.Sparse, o.fusionParams(pol))
	return &hop.StepResult{
		Candidates: append(res.Structured, fused...),
		Facts:      res.Facts,
		Dropped:    res.DroppedSources,
		Counts:     res.Counts(),
	}, nil
}

// VerifyAgainst checks an answer against evidence the caller already holds.
func (o *Orchestrator) VerifyAgainst(answer string, facts []retrieval.Fact, evidence []retrieval.Candidate) verify.AnswerVerification {
	return o.verifier.Verify(answer, facts, evidence)
}

// VerifyAnswer retrieves fresh evidence for the query and checks the
// generated answer against it claim by claim.
func (o *Orchestrator) VerifyAnswer(ctx context.Context, query, answer string) (verify.AnswerVerification, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.verify_answer")
	defer span.End()

	ans, err := o.ProcessQuery(ctx, Request{Query: query})
	if err != nil {
		span.RecordError(err)
		return verify.AnswerVerification{}, err
	}
	res := o.verifier.Verify(answer, ans.Facts, ans.Candidates)
	span.SetAttributes(
		attribute.Float64("verify.score", res.Score),
		attribute.Bool("verify.regenerate", res.RecommendRegenerate),
	)
	return res, nil
}

// ErrInvalidFeedback marks a rejected submission; callers map it to a 400.
var ErrInvalidFeedback = errors.New("invalid feedback")

// RecordFeedback validates and persists a record, then publishes it to the
// calibration stream. Publishing is fire-and-forget: the record is durable
// once persisted, and a stream hiccup must not fail the request.
func (o *Orchestrator) RecordFeedback(ctx context.Context, rec feedback.Record) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.record_feedback")
	defer span.End()

	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFeedback, err)
	}
	if o.feedbackStore != nil {
		if err := o.feedbackStore.AppendFeedback(ctx, rec); err != nil {
			span.RecordError(err)
			return fmt.Errorf("persist feedback: %w", err)
		}
	}
	if o.publisher != nil {
		go func() {
			pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := o.publisher.Publish(pubCtx, rec); err != nil {
				o.logger.Printf("feedback publish failed (record %s already persisted): %v", rec.ID, err)
			}
		}()
	}
	return nil
}

// Weights exposes the live reliability weights for diagnostics.
func (o *Orchestrator) Weights() map[retrieval.SourceKind]float64 {
	return o.weights.Snapshot()
}

func (o *Orchestrator) fusionParams(pol policy.RetrievalPolicy) retrieval.FusionParams {
	return retrieval.FusionParams{
		DenseWeight:          o.cfg.Retrieval.Fusion.DenseWeight,
		SparseWeight:         o.cfg.Retrieval.Fusion.SparseWeight,
		SingleSourceDiscount: o.cfg.Retrieval.Fusion.SingleSourceDiscount,
		Budget:               pol.FusionBudget,
		SectionBias:          pol.SectionBias,
	}
}

func (o *Orchestrator) confidenceParams() retrieval.ConfidenceParams {
	return retrieval.ConfidenceParams{
		MediumTier: o.cfg.Retrieval.Confidence.MediumTier,
		HighTier:   o.cfg.Retrieval.Confidence.HighTier,
		TopK:       o.cfg.Retrieval.Confidence.TopK,
	}
}

// hop step parameters travel by context so RunStep keeps the hop.Runner
// signature.
type hopParamsKey struct{}

type hopParamsVal struct {
	tf  temporal.Filter
	pol policy.RetrievalPolicy
}

func hopContext(ctx context.Context, tf temporal.Filter, pol policy.RetrievalPolicy) context.Context {
	return context.WithValue(ctx, hopParamsKey{}, hopParamsVal{tf: tf, pol: pol})
}

func hopParams(ctx context.Context) (temporal.Filter, policy.RetrievalPolicy) {
	if v, ok := ctx.Value(hopParamsKey{}).(hopParamsVal); ok {
		return v.tf, v.pol
	}
	return temporal.Filter{}, policy.RetrievalPolicy{
		StructuredLimit: 10, DenseLimit: 10, SparseLimit: 10, FusionBudget: 24, RerankTopN: 8,
	}
}
