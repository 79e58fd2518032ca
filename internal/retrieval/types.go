// Package retrieval implements the evidence-gathering half of the grounding
// pipeline: structured fact lookup, dense and sparse retrieval over the
// document corpus, concurrent fan-out, hybrid score fusion, table-aware
// extraction, temporal filtering and cross-source score fusion.
package retrieval

import (
	"context"
	"fmt"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/policy"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
)

// SourceKind identifies where a candidate came from. The set is closed;
// reliability weighting and the decision gate switch over it exhaustively.
type SourceKind string

const (
	KindStructured SourceKind = "structured_fact"
	KindNarrative  SourceKind = "narrative"
	KindUploaded   SourceKind = "uploaded_document"
	KindTable      SourceKind = "table"
)

// Score is a float that knows whether it has been set. Fusion stages attach
// scores as they run; a zero-valued but unset score must never be read as a
// real zero.
type Score struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// ScoreOf wraps a value in a valid Score.
func ScoreOf(v float64) Score { return Score{Value: v, Valid: true} }

// Provenance records where a candidate's text can be located for citation.
type Provenance struct {
	DocumentID string `json:"document_id,omitempty"`
	Locator    string `json:"locator,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Candidate is one retrievable unit of evidence moving through the pipeline.
type Candidate struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	Kind      SourceKind      `json:"kind"`
	EntityKey string          `json:"entity_key,omitempty"`
	Section   string          `json:"section,omitempty"`
	Period    temporal.Period `json:"period,omitempty"`

	// RawScore is the source-native score; it is unit-less and only
	// comparable within the list that produced it.
	RawScore   float64 `json:"raw_score"`
	Normalized Score   `json:"normalized"`
	Fused      Score   `json:"fused"`
	Rerank     Score   `json:"rerank"`
	Final      Score   `json:"final"`

	Provenance Provenance `json:"provenance"`
}

// Fact is a typed value from the structured store. Every structured hit is
// equally authoritative; facts carry no ranking score.
type Fact struct {
	EntityKey  string     `json:"entity_key"`
	Metric     string     `json:"metric"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit,omitempty"`
	FiscalYear int        `json:"fiscal_year,omitempty"`
	Provenance Provenance `json:"provenance"`
}

// CandidateID derives a stable identifier for the fact's candidate form.
func (f Fact) CandidateID() string {
	return fmt.Sprintf("fact:%s:%s:%d", f.EntityKey, f.Metric, f.FiscalYear)
}

// Statement serialises the fact as a flat key=value line. Structured values
// are deliberately not prose: free text dilutes relevance scoring for
// numeric lookups, and the claim verifier parses this form back.
func (f Fact) Statement() string {
	s := fmt.Sprintf("entity=%s | metric=%s | value=%g", f.EntityKey, f.Metric, f.Value)
	if f.Unit != "" {
		s += " | unit=" + f.Unit
	}
	if f.FiscalYear != 0 {
		s += fmt.Sprintf(" | fiscal_year=%d", f.FiscalYear)
	}
	return s
}

// Candidate converts the fact into pipeline form. Scores stay unset: facts
// bypass hybrid fusion and are weighted directly by source fusion.
func (f Fact) Candidate() Candidate {
	return Candidate{
		ID:         f.CandidateID(),
		Text:       f.Statement(),
		Kind:       KindStructured,
		EntityKey:  f.EntityKey,
		Period:     temporal.Period{FiscalYear: f.FiscalYear},
		Provenance: f.Provenance,
	}
}

// MetadataFilter narrows index searches by entity, collection and time.
type MetadataFilter struct {
	EntityKeys  []string
	Collections []string
	Time        temporal.Filter
}

// Hit is the raw search result shape returned by the vector and keyword
// index boundaries before conversion into Candidates.
type Hit struct {
	ID         string
	Text       string
	Score      float64
	EntityKey  string
	Section    string
	Collection string
	Period     temporal.Period
	Provenance Provenance
}

// Result aggregates one retrieval pass. It is owned by a single query for
// its lifetime and never shared across concurrent requests.
type Result struct {
	Facts      []Fact
	Structured []Candidate
	Dense      []Candidate
	Sparse     []Candidate

	TimeFilter     temporal.Filter
	Policy         policy.RetrievalPolicy
	DroppedSources []string
}

// Counts returns per-source candidate counts for diagnostics.
func (r *Result) Counts() map[string]int {
	return map[string]int{
		"structured": len(r.Structured),
		"dense":      len(r.Dense),
		"sparse":     len(r.Sparse),
	}
}

// SourceError wraps a retriever backend failure. Backends degrade rather
// than fail the query: the fan-in records the source and proceeds with
// whatever arrived.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// FactStore is the structured-fact boundary. Implementations must be
// side-effect free and idempotent; an unknown entity or metric yields an
// empty slice, never an error.
type FactStore interface {
	Facts(ctx context.Context, entityKeys, metrics []string, tf temporal.Filter, limit int) ([]Fact, error)
}

// Embedder turns query text into a vector for dense search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex is the dense-search boundary.
type VectorIndex interface {
	Search(ctx context.Context, vector []float32, filter MetadataFilter, limit int) ([]Hit, error)
}

// KeywordIndex is the sparse-search boundary over the same logical corpus.
type KeywordIndex interface {
	Search(ctx context.Context, query string, filter MetadataFilter, limit int) ([]Hit, error)
}
