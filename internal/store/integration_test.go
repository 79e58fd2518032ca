package store_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/feedback"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/store"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
)

type memSnapshots struct {
	saved []map[retrieval.SourceKind]float64
}

func (m *memSnapshots) SaveWeightSnapshot(_ context.Context, w map[retrieval.SourceKind]float64) error {
	m.saved = append(m.saved, w)
	return nil
}

func TestStorePostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("pgvector/pgvector:pg16"),
		tcPostgres.WithDatabase("grounder"),
		tcPostgres.WithUsername("grounder"),
		tcPostgres.WithPassword("grounder"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://grounder:grounder@%s:%s/grounder?sslmode=disable", host, port.Port())

	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st, err := store.New(ctx, config.StorageConfig{URL: dsn})
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	fact := retrieval.Fact{
		EntityKey:  "apple",
		Metric:     "revenue",
		Value:      394.3,
		Unit:       "usd_billions",
		FiscalYear: 2023,
		Provenance: retrieval.Provenance{DocumentID: "aapl-10k-2023", Locator: "income statement"},
	}
	if err := st.InsertFact(ctx, fact); err != nil {
		t.Fatalf("insert fact: %v", err)
	}
	// re-insert must upsert, not duplicate
	fact.Value = 394.33
	if err := st.InsertFact(ctx, fact); err != nil {
		t.Fatalf("upsert fact: %v", err)
	}

	facts, err := st.Facts(ctx, []string{"apple"}, []string{"revenue"}, temporal.Filter{FiscalYears: map[int]bool{2023: true}}, 10)
	if err != nil {
		t.Fatalf("facts: %v", err)
	}
	if len(facts) != 1 || facts[0].Value != 394.33 {
		t.Fatalf("facts = %+v, want the single upserted row", facts)
	}

	vec := make([]float32, 1536)
	vec[0] = 1
	chunk := retrieval.Chunk{
		ID:         "aapl-10k#12",
		Text:       "Apple reported revenue of $394.3 billion for fiscal 2023.",
		EntityKey:  "apple",
		Section:    "md&a",
		Collection: "filings",
		Period:     temporal.Period{FiscalYear: 2023},
	}
	if err := st.UpsertChunk(ctx, chunk, vec); err != nil {
		t.Fatalf("upsert chunk: %v", err)
	}
	hits, err := st.Search(ctx, vec, retrieval.MetadataFilter{EntityKeys: []string{"apple"}}, 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "aapl-10k#12" {
		t.Fatalf("hits = %+v, want the stored chunk", hits)
	}
	if hits[0].Score < 0.99 {
		t.Fatalf("identical vector should score ~1.0, got %f", hits[0].Score)
	}

	rec := feedback.NewRecord("q-1", feedback.VerdictHelpful, "", []retrieval.SourceKind{retrieval.KindStructured})
	if err := st.AppendFeedback(ctx, rec); err != nil {
		t.Fatalf("append feedback: %v", err)
	}
}

func TestCalibrationStreamIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = client.Close() }()

	const stream = "grounder:feedback:test"
	if err := feedback.EnsureGroup(ctx, client, stream, "calibrator"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	pub := feedback.NewPublisher(client, stream)
	for i := 0; i < 3; i++ {
		rec := feedback.NewRecord(fmt.Sprintf("q-%d", i), feedback.VerdictHelpful, "", []retrieval.SourceKind{retrieval.KindNarrative})
		if _, err := pub.Publish(ctx, rec); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	weights := retrieval.NewWeights(map[string]float64{"narrative": 0.9})
	cal, err := feedback.NewCalibrator(config.FeedbackConfig{
		Group: "calibrator", Consumer: "it-1", BatchSize: 16, Schedule: "* * * * *",
		WeightStep: 0.02, WeightFloor: 0.1, WeightCeiling: 1.0,
	}, client, stream, weights, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("calibrator: %v", err)
	}
	snaps := &memSnapshots{}
	cal.WithSnapshotStore(snaps)

	n, err := cal.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 3 {
		t.Fatalf("processed = %d, want 3", n)
	}
	got := weights.Snapshot()[retrieval.KindNarrative]
	if math.Abs(got-0.92) > 1e-9 {
		t.Fatalf("narrative weight = %f, want a single +0.02 step", got)
	}
	if len(snaps.saved) != 1 {
		t.Fatalf("snapshots saved = %d, want 1 per non-empty batch", len(snaps.saved))
	}

	// everything acked: a second pass sees nothing
	n, err = cal.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass processed %d, want 0", n)
	}
}
