package retrieval

import (
	"sort"
	"sync"
)

// Confidence tiers. Boundaries are inclusive on the upper side: a score of
// exactly the medium cutoff is medium, exactly the high cutoff is high.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// Confidence is the answer-level confidence attached to every non-refused
// response.
type Confidence struct {
	Value float64 `json:"value"`
	Tier  string  `json:"tier"`
}

// Weights holds per-source reliability multipliers. Reads take a snapshot
// under RLock so an in-flight query scores every candidate against one
// consistent weight set while the calibrator adjusts concurrently.
type Weights struct {
	mu sync.RWMutex
	w  map[SourceKind]float64
}

// NewWeights copies the configured weight map. Unknown kinds fall back to
// 1.0 at read time.
func NewWeights(m map[string]float64) *Weights {
	w := &Weights{w: make(map[SourceKind]float64, len(m))}
	for k, v := range m {
		w.w[SourceKind(k)] = v
	}
	return w
}

// Snapshot returns a consistent copy of the current weights.
func (w *Weights) Snapshot() map[SourceKind]float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[SourceKind]float64, len(w.w))
	for k, v := range w.w {
		out[k] = v
	}
	return out
}

// Adjust shifts one source weight by delta, clamped to [floor, ceiling].
// The calibrator is the only writer.
func (w *Weights) Adjust(kind SourceKind, delta, floor, ceiling float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.w[kind]
	if !ok {
		v = 1.0
	}
	v += delta
	if v < floor {
		v = floor
	}
	if v > ceiling {
		v = ceiling
	}
	w.w[kind] = v
	return v
}

// ConfidenceParams configure tier boundaries and the top-K window.
type ConfidenceParams struct {
	MediumTier float64
	HighTier   float64
	TopK       int
}

// FuseSources computes the final per-candidate score and the answer-level
// confidence. Final = reliability(kind) x best available score, where best
// is the rerank score when the reranker ran and the fused score otherwise.
// Structured facts carry no retrieval score and enter at full strength:
// every structured hit is equally authoritative.
//
// Confidence is the mean of the top-K final scores with K = min(TopK, n),
// so one strong hit among weak ones cannot inflate the tier. Output order
// is deterministic: final score descending, then candidate ID.
func FuseSources(cands []Candidate, weights *Weights, p ConfidenceParams) ([]Candidate, Confidence) {
	snap := weights.Snapshot()
	reliability := func(k SourceKind) float64 {
		if v, ok := snap[k]; ok {
			return v
		}
		return 1.0
	}

	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		var base float64
		switch {
		case c.Rerank.Valid:
			base = c.Rerank.Value
		case c.Fused.Valid:
			base = c.Fused.Value
		case c.Kind == KindStructured:
			base = 1.0
		default:
			// unscored non-structured candidate: nothing upstream
			// ranked it, so it cannot carry evidence weight
			continue
		}
		c.Final = ScoreOf(clampUnit(base * reliability(c.Kind)))
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Final.Value != out[j].Final.Value {
			return out[i].Final.Value > out[j].Final.Value
		}
		return out[i].ID < out[j].ID
	})

	return out, confidenceOf(out, p)
}

func confidenceOf(ranked []Candidate, p ConfidenceParams) Confidence {
	if len(ranked) == 0 {
		return Confidence{Value: 0, Tier: TierLow}
	}
	k := p.TopK
	if k <= 0 {
		k = 5
	}
	if len(ranked) < k {
		k = len(ranked)
	}
	var sum float64
	for _, c := range ranked[:k] {
		sum += c.Final.Value
	}
	v := sum / float64(k)

	tier := TierLow
	switch {
	case v >= p.HighTier:
		tier = TierHigh
	case v >= p.MediumTier:
		tier = TierMedium
	}
	return Confidence{Value: v, Tier: tier}
}
