// Package feedback accepts user verdicts on answers, persists them
// append-only, publishes them on a Redis stream, and periodically folds
// batches into the source reliability weights.
package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Verdicts a caller may submit.
const (
	VerdictHelpful   = "helpful"
	VerdictUnhelpful = "unhelpful"
	VerdictIncorrect = "incorrect"
)

var knownVerdicts = map[string]bool{
	VerdictHelpful:   true,
	VerdictUnhelpful: true,
	VerdictIncorrect: true,
}

// Record is one piece of user feedback. Records are append-only: they are
// never updated or deleted, and recalibration replays them in batches.
type Record struct {
	ID          string    `json:"id"`
	QueryID     string    `json:"query_id"`
	Verdict     string    `json:"verdict"`
	SourceKinds []string  `json:"source_kinds"`
	Comment     string    `json:"comment,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewRecord stamps identity and creation time on a submission.
func NewRecord(queryID, verdict, comment string, sourceKinds []retrieval.SourceKind) Record {
	kinds := make([]string, 0, len(sourceKinds))
	for _, k := range sourceKinds {
		kinds = append(kinds, string(k))
	}
	return Record{
		ID:          uuid.NewString(),
		QueryID:     queryID,
		Verdict:     verdict,
		SourceKinds: kinds,
		Comment:     comment,
		CreatedAt:   time.Now().UTC(),
	}
}

func (r Record) Validate() error {
	if r.QueryID == "" {
		return fmt.Errorf("feedback record missing query_id")
	}
	if !knownVerdicts[r.Verdict] {
		return fmt.Errorf("unknown feedback verdict %q", r.Verdict)
	}
	return nil
}

// delta is the direction a verdict pushes the weights of the sources that
// backed the answer.
func (r Record) delta() float64 {
	if r.Verdict == VerdictHelpful {
		return 1
	}
	return -1
}

// Store persists records append-only.
type Store interface {
	AppendFeedback(ctx context.Context, rec Record) error
}
