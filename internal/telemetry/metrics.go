package telemetry

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	pipelineMetricsOnce sync.Once
	queriesTotal        otelmetric.Int64Counter
	refusalsTotal       otelmetric.Int64Counter
	sourceDropsTotal    otelmetric.Int64Counter
	stageLatency        otelmetric.Float64Histogram
	confidenceScores    otelmetric.Float64Histogram
)

func initPipelineMetrics() {
	meter := otel.Meter("grounder/pipeline")
	var err error
	queriesTotal, err = meter.Int64Counter(
		"grounder_queries_total",
		otelmetric.WithDescription("Queries processed, by outcome"),
	)
	if err != nil {
		log.Printf("pipeline metrics init: grounder_queries_total: %v", err)
	}
	refusalsTotal, err = meter.Int64Counter(
		"grounder_refusals_total",
		otelmetric.WithDescription("Refused answers, by reason code"),
	)
	if err != nil {
		log.Printf("pipeline metrics init: grounder_refusals_total: %v", err)
	}
	sourceDropsTotal, err = meter.Int64Counter(
		"grounder_source_drops_total",
		otelmetric.WithDescription("Retrieval sources dropped by deadline or failure"),
	)
	if err != nil {
		log.Printf("pipeline metrics init: grounder_source_drops_total: %v", err)
	}
	stageLatency, err = meter.Float64Histogram(
		"grounder_stage_latency_seconds",
		otelmetric.WithDescription("Per-stage pipeline latency"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("pipeline metrics init: grounder_stage_latency_seconds: %v", err)
	}
	confidenceScores, err = meter.Float64Histogram(
		"grounder_confidence_score",
		otelmetric.WithDescription("Answer-level confidence scores"),
	)
	if err != nil {
		log.Printf("pipeline metrics init: grounder_confidence_score: %v", err)
	}
}

// RecordQuery counts one processed query by outcome (answered, refused,
// error).
func RecordQuery(ctx context.Context, outcome string) {
	pipelineMetricsOnce.Do(initPipelineMetrics)
	if queriesTotal != nil {
		queriesTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordRefusal counts one refusal by reason code.
func RecordRefusal(ctx context.Context, reason string) {
	pipelineMetricsOnce.Do(initPipelineMetrics)
	if refusalsTotal != nil {
		refusalsTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("reason", reason)))
	}
}

// RecordSourceDrop counts one dropped retrieval source.
func RecordSourceDrop(ctx context.Context, source string) {
	pipelineMetricsOnce.Do(initPipelineMetrics)
	if sourceDropsTotal != nil {
		sourceDropsTotal.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("source", source)))
	}
}

// RecordStage observes one pipeline stage duration in seconds.
func RecordStage(ctx context.Context, stage string, seconds float64) {
	pipelineMetricsOnce.Do(initPipelineMetrics)
	if stageLatency != nil {
		stageLatency.Record(ctx, seconds, otelmetric.WithAttributes(attribute.String("stage", stage)))
	}
}

// RecordConfidence observes one answer-level confidence value.
func RecordConfidence(ctx context.Context, v float64) {
	pipelineMetricsOnce.Do(initPipelineMetrics)
	if confidenceScores != nil {
		confidenceScores.Record(ctx, v)
	}
}
