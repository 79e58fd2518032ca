package retrieval

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/policy"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
)

// ErrAllSourcesFailed is returned when every retrieval backend errored in
// the same pass. Partial failure degrades instead; only a total outage
// surfaces to the caller.
var ErrAllSourcesFailed = errors.New("all retrieval sources failed")

// Query carries the routed inputs of one retrieval pass.
type Query struct {
	Text        string
	EntityKeys  []string
	Metrics     []string
	Collections []string
}

// Fanout runs the three retrievers concurrently with a per-source deadline
// and collects whatever arrives. A slow or failing source is dropped and
// recorded in the result, never awaited past its deadline.
type Fanout struct {
	Structured    *StructuredRetriever
	Dense         *DenseRetriever
	Sparse        *SparseRetriever
	SourceTimeout time.Duration
	Logger        *log.Logger
}

func NewFanout(structured *StructuredRetriever, dense *DenseRetriever, sparse *SparseRetriever, timeout time.Duration, logger *log.Logger) *Fanout {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fanout{Structured: structured, Dense: dense, Sparse: sparse, SourceTimeout: timeout, Logger: logger}
}

func (f *Fanout) Retrieve(ctx context.Context, q Query, pol policy.RetrievalPolicy, tf temporal.Filter) (*Result, error) {
	res := &Result{TimeFilter: tf, Policy: pol}
	// the time filter is applied to text candidates in its own stage so it
	// can relax instead of silently emptying the pool; only the fact store
	// scopes by year here
	filter := MetadataFilter{EntityKeys: q.EntityKeys, Collections: q.Collections}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		dropped []string
		failed  int
	)
	run := func(source string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, f.SourceTimeout)
			defer cancel()
			if err := fn(sctx); err != nil {
				f.Logger.Printf("source %s dropped: %v", source, err)
				mu.Lock()
				dropped = append(dropped, source)
				failed++
				mu.Unlock()
			}
		}()
	}

	run("structured", func(sctx context.Context) error {
		facts, cands, err := f.Structured.Retrieve(sctx, q.EntityKeys, q.Metrics, tf, pol.StructuredLimit)
		if err != nil {
			return err
		}
		mu.Lock()
		res.Facts, res.Structured = facts, cands
		mu.Unlock()
		return nil
	})
	run("dense", func(sctx context.Context) error {
		cands, err := f.Dense.Retrieve(sctx, q.Text, filter, pol.DenseLimit)
		if err != nil {
			return err
		}
		mu.Lock()
		res.Dense = cands
		mu.Unlock()
		return nil
	})
	run("sparse", func(sctx context.Context) error {
		cands, err := f.Sparse.Retrieve(sctx, q.Text, filter, pol.SparseLimit)
		if err != nil {
			return err
		}
		mu.Lock()
		res.Sparse = cands
		mu.Unlock()
		return nil
	})

	wg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if failed == 3 {
		return nil, ErrAllSourcesFailed
	}
	sort.Strings(dropped)
	res.DroppedSources = dropped
	return res, nil
}
