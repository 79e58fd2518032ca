// Package verify checks a generated answer against the evidence it was
// built from, claim by claim, and recommends regeneration when support is
// too thin.
package verify

import (
	"log"
	"regexp"
	"strings"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/ground"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Status is the verdict for one claim.
type Status string

const (
	StatusSupported    Status = "SUPPORTED"
	StatusContradicted Status = "CONTRADICTED"
	StatusNotFound     Status = "NOT_FOUND"
)

// Claim is one checkable sentence from the answer.
type Claim struct {
	Text       string `json:"text"`
	Status     Status `json:"status"`
	EvidenceID string `json:"evidence_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// AnswerVerification is the whole-answer result. Score is the supported
// fraction; RecommendRegenerate fires when it drops below the configured
// threshold.
type AnswerVerification struct {
	Claims              []Claim `json:"claims"`
	Supported           int     `json:"supported"`
	Contradicted        int     `json:"contradicted"`
	NotFound            int     `json:"not_found"`
	Score               float64 `json:"score"`
	RecommendRegenerate bool    `json:"recommend_regenerate"`
}

// Verifier performs lexical claim checking. It is deliberately model-free:
// token overlap plus numeric comparison catches the failure modes that
// matter (invented figures, wrong periods) without another inference call.
type Verifier struct {
	supportThreshold float64
	numericTolerance float64
	regenerateBelow  float64
	logger           *log.Logger
}

func New(cfg config.VerificationConfig, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.New(log.Writer(), "[VERIFY] ", log.LstdFlags)
	}
	return &Verifier{
		supportThreshold: cfg.SupportThreshold,
		numericTolerance: cfg.NumericTolerance,
		regenerateBelow:  cfg.RegenerateBelow,
		logger:           logger,
	}
}

// Verify splits the answer into claims and checks each one. Numeric
// contradiction against a structured fact outranks lexical support: a
// sentence that reads well but states the wrong figure is the exact case
// this stage exists for. An answer with no checkable claims scores zero.
func (v *Verifier) Verify(answer string, facts []retrieval.Fact, evidence []retrieval.Candidate) AnswerVerification {
	var res AnswerVerification
	for _, sentence := range splitSentences(answer) {
		claim := v.checkClaim(sentence, facts, evidence)
		res.Claims = append(res.Claims, claim)
		switch claim.Status {
		case StatusSupported:
			res.Supported++
		case StatusContradicted:
			res.Contradicted++
		default:
			res.NotFound++
		}
	}
	if len(res.Claims) > 0 {
		res.Score = float64(res.Supported) / float64(len(res.Claims))
	}
	res.RecommendRegenerate = res.Score < v.regenerateBelow || res.Contradicted > 0
	return res
}

func (v *Verifier) checkClaim(sentence string, facts []retrieval.Fact, evidence []retrieval.Candidate) Claim {
	claim := Claim{Text: sentence, Status: StatusNotFound}

	if factID, detail, contradicted := v.contradictsFact(sentence, facts); contradicted {
		claim.Status = StatusContradicted
		claim.EvidenceID = factID
		claim.Detail = detail
		return claim
	}

	tokens := contentTokens(sentence)
	if len(tokens) == 0 {
		return claim
	}
	var bestID string
	var bestOverlap float64
	for _, c := range evidence {
		overlap := overlapRatio(tokens, contentTokens(c.Text))
		if overlap > bestOverlap {
			bestOverlap = overlap
			bestID = c.ID
		}
	}
	if bestOverlap >= v.supportThreshold {
		claim.Status = StatusSupported
		claim.EvidenceID = bestID
	}
	return claim
}

// contradictsFact compares the sentence's numbers against facts whose
// metric the sentence mentions. Percentages and year mentions are skipped;
// values are scale-aligned before comparison.
func (v *Verifier) contradictsFact(sentence string, facts []retrieval.Fact) (string, string, bool) {
	mentions := ground.ExtractNumbers(sentence)
	if len(mentions) == 0 {
		return "", "", false
	}
	lower := strings.ToLower(sentence)
	for _, f := range facts {
		if !strings.Contains(lower, strings.ReplaceAll(f.Metric, "_", " ")) &&
			!strings.Contains(lower, f.Metric) {
			continue
		}
		for _, m := range mentions {
			if m.Percent {
				continue
			}
			if mv := m.Value; mv == float64(int(mv)) && mv >= 1900 && mv <= 2100 {
				continue
			}
			aligned := ground.AlignScale(m.Value, f.Value)
			if !ground.SameBallpark(aligned, f.Value) {
				continue
			}
			if !ground.WithinTolerance(aligned, f.Value, v.numericTolerance) {
				detail := strings.TrimSpace(m.Raw) + " conflicts with recorded " + f.Metric
				return f.CandidateID(), detail, true
			}
		}
	}
	return "", "", false
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+(?:\s+|$)`)

// splitSentences breaks the answer on sentence punctuation, dropping
// fragments too short to state a claim. Citation markers like [2] are
// stripped so they do not pollute token overlap.
func splitSentences(text string) []string {
	text = citationMarker.ReplaceAllString(text, " ")
	var out []string
	for _, s := range sentenceBoundary.Split(text, -1) {
		s = strings.TrimSpace(s)
		if len(strings.Fields(s)) >= 3 {
			out = append(out, s)
		}
	}
	return out
}

var citationMarker = regexp.MustCompile(`\[\d+\]`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "in": true, "on": true,
	"for": true, "to": true, "and": true, "or": true, "is": true,
	"was": true, "were": true, "are": true, "by": true, "at": true,
	"with": true, "its": true, "it": true, "that": true, "this": true,
	"as": true, "from": true, "year": true, "fiscal": true,
}

var tokenPattern = regexp.MustCompile(`[a-z0-9.%$]+`)

func contentTokens(text string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		tok = strings.Trim(tok, ".")
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// overlapRatio is |claim ∩ evidence| / |claim|.
func overlapRatio(claim, evidence map[string]bool) float64 {
	if len(claim) == 0 {
		return 0
	}
	var hit int
	for tok := range claim {
		if evidence[tok] {
			hit++
		}
	}
	return float64(hit) / float64(len(claim))
}
