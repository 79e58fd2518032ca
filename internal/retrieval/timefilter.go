package retrieval

import (
	"github.com/haniae/Team2-CBA-Project-sub005/internal/temporal"
)

// FilterByTime drops candidates outside the resolved time scope. When the
// strict pass would empty the list, the filter relaxes to the full set and
// reports relaxed=true so the answer can carry a scope caveat instead of a
// silent mismatch. Candidates without period metadata are never excluded.
func FilterByTime(cands []Candidate, tf temporal.Filter) (kept []Candidate, relaxed bool) {
	if tf.IsEmpty() || len(cands) == 0 {
		return cands, false
	}
	kept = make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if tf.Contains(c.Period) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return cands, true
	}
	return kept, false
}
