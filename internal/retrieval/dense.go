package retrieval

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
)

// DenseRetriever embeds the query and searches the vector index. Kind is
// derived from the hit's collection: uploaded corpora produce
// KindUploaded, everything else is narrative filing text.
type DenseRetriever struct {
	embedder Embedder
	index    VectorIndex
	logger   *log.Logger
}

func NewDenseRetriever(embedder Embedder, index VectorIndex, logger *log.Logger) *DenseRetriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[DENSE] ", log.LstdFlags)
	}
	return &DenseRetriever{embedder: embedder, index: index, logger: logger}
}

func (r *DenseRetriever) Retrieve(ctx context.Context, query string, filter MetadataFilter, limit int) ([]Candidate, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &SourceError{Source: "dense", Err: err}
	}
	hits, err := r.index.Search(ctx, vec, filter, limit)
	if err != nil {
		return nil, &SourceError{Source: "dense", Err: err}
	}
	return hitsToCandidates(hits), nil
}

func hitsToCandidates(hits []Hit) []Candidate {
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		kind := KindNarrative
		if h.Collection == "uploads" {
			kind = KindUploaded
		}
		out = append(out, Candidate{
			ID:         h.ID,
			Text:       h.Text,
			Kind:       kind,
			EntityKey:  h.EntityKey,
			Section:    h.Section,
			Period:     h.Period,
			RawScore:   h.Score,
			Provenance: h.Provenance,
		})
	}
	return out
}

// MemVectorIndex is an in-process VectorIndex backed by a slice and brute
// force cosine similarity. It backs the local development mode and the
// hermetic tests; production uses the pgvector-backed store.
type MemVectorIndex struct {
	mu      sync.RWMutex
	entries []memEntry
}

type memEntry struct {
	hit Hit
	vec []float32
}

func NewMemVectorIndex() *MemVectorIndex { return &MemVectorIndex{} }

// Add registers a chunk with its embedding. The hit's Score field is
// ignored; Search fills it with cosine similarity.
func (m *MemVectorIndex) Add(hit Hit, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, memEntry{hit: hit, vec: vec})
}

func (m *MemVectorIndex) Search(ctx context.Context, vector []float32, filter MetadataFilter, limit int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Hit
	for _, e := range m.entries {
		if !matchesFilter(e.hit, filter) {
			continue
		}
		h := e.hit
		h.Score = cosineSimilarity(vector, e.vec)
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchesFilter(h Hit, f MetadataFilter) bool {
	if len(f.EntityKeys) > 0 {
		ok := false
		for _, k := range f.EntityKeys {
			if h.EntityKey == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Collections) > 0 {
		ok := false
		for _, c := range f.Collections {
			if h.Collection == c {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return f.Time.Contains(h.Period)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
