package retrieval

import (
	"sync"
	"testing"
)

func testWeights() *Weights {
	return NewWeights(map[string]float64{
		"structured_fact":   1.0,
		"narrative":         0.9,
		"uploaded_document": 0.7,
		"table":             0.95,
	})
}

func testConfParams() ConfidenceParams {
	return ConfidenceParams{MediumTier: 0.4, HighTier: 0.7, TopK: 5}
}

func TestFuseSourcesStructuredFullStrength(t *testing.T) {
	cands := []Candidate{
		{ID: "fact:1", Kind: KindStructured},
		{ID: "chunk:1", Kind: KindNarrative, Fused: ScoreOf(1.0)},
	}
	out, _ := FuseSources(cands, testWeights(), testConfParams())
	if len(out) != 2 {
		t.Fatalf("got %d candidates, want 2", len(out))
	}
	if out[0].ID != "fact:1" || out[0].Final.Value != 1.0 {
		t.Errorf("structured fact should score 1.0 and rank first, got %s=%v", out[0].ID, out[0].Final.Value)
	}
	if got := out[1].Final.Value; got != 0.9 {
		t.Errorf("narrative final = %v, want fused*0.9", got)
	}
}

func TestFuseSourcesRerankTakesPrecedence(t *testing.T) {
	cands := []Candidate{
		{ID: "a", Kind: KindNarrative, Fused: ScoreOf(0.2), Rerank: ScoreOf(0.9)},
		{ID: "b", Kind: KindNarrative, Fused: ScoreOf(0.8)},
	}
	out, _ := FuseSources(cands, testWeights(), testConfParams())
	if out[0].ID != "a" {
		t.Fatalf("reranked candidate should win, got %q first", out[0].ID)
	}
}

func TestFuseSourcesDropsUnscored(t *testing.T) {
	cands := []Candidate{
		{ID: "ghost", Kind: KindNarrative}, // no fused, no rerank
		{ID: "real", Kind: KindNarrative, Fused: ScoreOf(0.5)},
	}
	out, _ := FuseSources(cands, testWeights(), testConfParams())
	if len(out) != 1 || out[0].ID != "real" {
		t.Fatalf("unscored narrative candidate must be dropped, got %v", out)
	}
}

func TestConfidenceTiers(t *testing.T) {
	tests := []struct {
		name   string
		finals []float64
		tier   string
	}{
		{"empty is low", nil, TierLow},
		{"below medium", []float64{0.39}, TierLow},
		{"exactly medium boundary", []float64{0.4}, TierMedium},
		{"between tiers", []float64{0.55}, TierMedium},
		{"exactly high boundary", []float64{0.7}, TierHigh},
		{"above high", []float64{0.95}, TierHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cands := make([]Candidate, len(tt.finals))
			for i, v := range tt.finals {
				cands[i] = Candidate{ID: string(rune('a' + i)), Kind: KindStructured, Final: ScoreOf(v)}
			}
			conf := confidenceOf(cands, testConfParams())
			if conf.Tier != tt.tier {
				t.Errorf("tier = %q, want %q (value %v)", conf.Tier, tt.tier, conf.Value)
			}
		})
	}
}

func TestConfidenceTopKWindow(t *testing.T) {
	// six candidates: one strong, five weak; top-5 mean must include the
	// weak tail so a single strong hit cannot inflate the tier
	cands := []Candidate{
		{ID: "strong", Final: ScoreOf(1.0)},
		{ID: "w1", Final: ScoreOf(0.1)},
		{ID: "w2", Final: ScoreOf(0.1)},
		{ID: "w3", Final: ScoreOf(0.1)},
		{ID: "w4", Final: ScoreOf(0.1)},
		{ID: "w5", Final: ScoreOf(0.1)},
	}
	conf := confidenceOf(cands, testConfParams())
	want := (1.0 + 0.1*4) / 5
	if diff := conf.Value - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence = %v, want %v", conf.Value, want)
	}
	if conf.Tier != TierLow {
		t.Errorf("tier = %q, want low", conf.Tier)
	}
}

func TestWeightsAdjustClamps(t *testing.T) {
	w := testWeights()
	if got := w.Adjust(KindUploaded, -5.0, 0.1, 1.0); got != 0.1 {
		t.Errorf("floor clamp: got %v, want 0.1", got)
	}
	if got := w.Adjust(KindNarrative, +5.0, 0.1, 1.0); got != 1.0 {
		t.Errorf("ceiling clamp: got %v, want 1.0", got)
	}
}

func TestWeightsConcurrentSnapshot(t *testing.T) {
	w := testWeights()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				w.Adjust(KindNarrative, 0.01, 0.1, 1.0)
				snap := w.Snapshot()
				if v := snap[KindNarrative]; v < 0.1 || v > 1.0 {
					t.Errorf("snapshot weight out of range: %v", v)
					return
				}
			}
		}()
	}
	wg.Wait()
}
