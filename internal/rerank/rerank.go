// Package rerank refines fused candidate order with a pairwise relevance
// scorer served over HTTP. The stage is advisory: any scorer failure falls
// back to the fused order and the pipeline records that reranking was
// skipped.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Scorer scores query/document pairs. Implementations return one score per
// document, in order, in [0, 1].
type Scorer interface {
	ScorePairs(ctx context.Context, query string, docs []string) ([]float64, error)
}

// HTTPScorer calls a cross-encoder service exposing a /rerank endpoint.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPScorer(cfg config.RerankConfig) *HTTPScorer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPScorer{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

func (s *HTTPScorer) ScorePairs(ctx context.Context, query string, docs []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, string(b))
	}
	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(out.Scores) != len(docs) {
		return nil, fmt.Errorf("rerank returned %d scores for %d documents", len(out.Scores), len(docs))
	}
	return out.Scores, nil
}

// Reranker batches candidates through the scorer and merges the refined
// order back over the fused list.
type Reranker struct {
	scorer       Scorer
	batchSize    int
	maxTextRunes int
	logger       *log.Logger
}

func New(scorer Scorer, cfg config.RerankConfig, logger *log.Logger) *Reranker {
	if logger == nil {
		logger = log.New(log.Writer(), "[RERANK] ", log.LstdFlags)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 8
	}
	return &Reranker{scorer: scorer, batchSize: batch, maxTextRunes: cfg.MaxTextRunes, logger: logger}
}

// Rerank scores the top-N fused candidates pairwise against the query,
// reorders them by the refined score and returns only that head: the stage
// is a precision filter, so candidates past topN are dropped rather than
// carried downstream. The returned flag reports whether reranking was
// actually applied: on scorer error or timeout the full input is returned
// in fused order, which is always a usable ranking.
func (r *Reranker) Rerank(ctx context.Context, query string, cands []retrieval.Candidate, topN int) ([]retrieval.Candidate, bool) {
	if r == nil || r.scorer == nil || len(cands) == 0 || topN <= 0 {
		return cands, false
	}
	if topN > len(cands) {
		topN = len(cands)
	}

	head := make([]retrieval.Candidate, topN)
	copy(head, cands[:topN])

	for start := 0; start < topN; start += r.batchSize {
		end := start + r.batchSize
		if end > topN {
			end = topN
		}
		docs := make([]string, 0, end-start)
		for _, c := range head[start:end] {
			docs = append(docs, truncateRunes(c.Text, r.maxTextRunes))
		}
		scores, err := r.scorer.ScorePairs(ctx, query, docs)
		if err != nil {
			r.logger.Printf("scorer failed, keeping fused order: %v", err)
			return cands, false
		}
		for i, s := range scores {
			head[start+i].Rerank = retrieval.ScoreOf(clamp01(s))
		}
	}

	sort.SliceStable(head, func(i, j int) bool {
		if head[i].Rerank.Value != head[j].Rerank.Value {
			return head[i].Rerank.Value > head[j].Rerank.Value
		}
		return head[i].ID < head[j].ID
	})

	return head, true
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
