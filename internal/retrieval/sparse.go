package retrieval

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
)

// Chunk is a corpus passage as ingested into the sparse index. The same
// chunks are embedded for the dense side; IDs are shared so fusion can
// dedupe across sources.
type Chunk struct {
	ID         string
	Text       string
	EntityKey  string
	Section    string
	Collection string
	Period     temporal.Period
	Provenance Provenance
}

// SparseIndex wraps a bleve index with a metadata sidecar. Bleve scores the
// text; entity, collection and time constraints are applied against the
// sidecar after the search, so the index mapping stays a plain text mapping.
type SparseIndex struct {
	mu   sync.RWMutex
	idx  bleve.Index
	meta map[string]Chunk
}

// NewMemSparseIndex builds an in-memory index for local mode and tests.
func NewMemSparseIndex() (*SparseIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("open mem index: %w", err)
	}
	return &SparseIndex{idx: idx, meta: map[string]Chunk{}}, nil
}

// OpenSparseIndex opens (or creates) a persistent index at path.
func OpenSparseIndex(path string) (*SparseIndex, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &SparseIndex{idx: idx, meta: map[string]Chunk{}}, nil
}

// IndexChunk adds or replaces one chunk.
func (s *SparseIndex) IndexChunk(c Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.idx.Index(c.ID, map[string]interface{}{"text": c.Text}); err != nil {
		return fmt.Errorf("index chunk %s: %w", c.ID, err)
	}
	s.meta[c.ID] = c
	return nil
}

func (s *SparseIndex) Close() error { return s.idx.Close() }

// Search runs a match query and filters hits against the sidecar metadata.
// It oversamples fourfold before filtering so metadata constraints do not
// starve the result below the requested limit.
func (s *SparseIndex) Search(ctx context.Context, query string, filter MetadataFilter, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequestOptions(q, limit*4, 0, false)
	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Hit
	for _, dm := range res.Hits {
		c, ok := s.meta[dm.ID]
		if !ok {
			continue
		}
		h := chunkToHit(c, dm.Score)
		if !matchesFilter(h, filter) {
			continue
		}
		out = append(out, h)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func chunkToHit(c Chunk, score float64) Hit {
	return Hit{
		ID:         c.ID,
		Text:       c.Text,
		Score:      score,
		EntityKey:  c.EntityKey,
		Section:    c.Section,
		Collection: c.Collection,
		Period:     c.Period,
		Provenance: c.Provenance,
	}
}

// SparseRetriever adapts a KeywordIndex to pipeline candidates.
type SparseRetriever struct {
	index  KeywordIndex
	logger *log.Logger
}

func NewSparseRetriever(index KeywordIndex, logger *log.Logger) *SparseRetriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[SPARSE] ", log.LstdFlags)
	}
	return &SparseRetriever{index: index, logger: logger}
}

func (r *SparseRetriever) Retrieve(ctx context.Context, query string, filter MetadataFilter, limit int) ([]Candidate, error) {
	hits, err := r.index.Search(ctx, query, filter, limit)
	if err != nil {
		return nil, &SourceError{Source: "sparse", Err: err}
	}
	return hitsToCandidates(hits), nil
}
