package retrieval

import (
	"sort"
)

// FusionParams are the hybrid-fusion knobs. Weights are renormalised at use
// so callers may pass any positive pair; the config layer already validates
// them.
type FusionParams struct {
	DenseWeight          float64
	SparseWeight         float64
	SingleSourceDiscount float64
	Budget               int
	SectionBias          []string
}

// FuseHybrid merges dense and sparse candidate lists into one ranked list.
//
// Each list is min-max normalised independently, then candidates present in
// both lists blend the two normalised scores by weight. A candidate seen by
// only one retriever keeps its normalised score times the single-source
// discount, so cross-source agreement always outranks a lone strong signal
// at equal strength. Duplicates keep the higher fused score. Ordering is
// fully deterministic: ties keep insertion order, dense list first.
func FuseHybrid(dense, sparse []Candidate, p FusionParams) []Candidate {
	dw, sw := p.DenseWeight, p.SparseWeight
	if sum := dw + sw; sum > 0 {
		dw, sw = dw/sum, sw/sum
	} else {
		dw, sw = 0.5, 0.5
	}

	normalize(dense)
	normalize(sparse)

	type entry struct {
		cand        Candidate
		denseScore  Score
		sparseScore Score
	}
	merged := map[string]*entry{}
	order := make([]string, 0, len(dense)+len(sparse))

	for _, c := range dense {
		if e, ok := merged[c.ID]; ok {
			if c.Normalized.Value > e.denseScore.Value {
				e.denseScore = c.Normalized
			}
			continue
		}
		merged[c.ID] = &entry{cand: c, denseScore: c.Normalized}
		order = append(order, c.ID)
	}
	for _, c := range sparse {
		if e, ok := merged[c.ID]; ok {
			if !e.sparseScore.Valid || c.Normalized.Value > e.sparseScore.Value {
				e.sparseScore = c.Normalized
			}
			continue
		}
		merged[c.ID] = &entry{cand: c, sparseScore: c.Normalized}
		order = append(order, c.ID)
	}

	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		e := merged[id]
		c := e.cand
		switch {
		case e.denseScore.Valid && e.sparseScore.Valid:
			c.Fused = ScoreOf(dw*e.denseScore.Value + sw*e.sparseScore.Value)
		case e.denseScore.Valid:
			c.Fused = ScoreOf(e.denseScore.Value * p.SingleSourceDiscount)
		case e.sparseScore.Valid:
			c.Fused = ScoreOf(e.sparseScore.Value * p.SingleSourceDiscount)
		}
		if sectionBiased(c.Section, p.SectionBias) {
			c.Fused = ScoreOf(clampUnit(c.Fused.Value * 1.1))
		}
		out = append(out, c)
	}

	// out is in insertion order, dense first, so the stable sort keeps
	// that order for equal fused scores
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Fused.Value > out[j].Fused.Value
	})
	if p.Budget > 0 && len(out) > p.Budget {
		out = out[:p.Budget]
	}
	return out
}

// normalize min-max scales RawScore into Normalized in place. A list whose
// scores are all equal normalises to 1.0: within its own list every such
// candidate is equally the best match.
func normalize(cands []Candidate) {
	if len(cands) == 0 {
		return
	}
	min, max := cands[0].RawScore, cands[0].RawScore
	for _, c := range cands[1:] {
		if c.RawScore < min {
			min = c.RawScore
		}
		if c.RawScore > max {
			max = c.RawScore
		}
	}
	for i := range cands {
		if max == min {
			cands[i].Normalized = ScoreOf(1.0)
		} else {
			cands[i].Normalized = ScoreOf((cands[i].RawScore - min) / (max - min))
		}
	}
}

func sectionBiased(section string, bias []string) bool {
	if section == "" {
		return false
	}
	for _, b := range bias {
		if section == b {
			return true
		}
	}
	return false
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
