package ground

import (
	"fmt"
	"strings"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
)

// Citation is one numbered evidence reference in the assembled bundle.
type Citation struct {
	Ref        string               `json:"ref"`
	Snippet    string               `json:"snippet"`
	Kind       retrieval.SourceKind `json:"kind"`
	Score      float64              `json:"score"`
	Provenance retrieval.Provenance `json:"provenance"`
}

// Bundle is the evidence package handed to answer generation: numbered
// citations plus a context block with reference markers inlined.
type Bundle struct {
	Citations []Citation `json:"citations"`
	Context   string     `json:"context"`
}

// Assemble builds the bundle from the final ranked candidates. Snippets
// are truncated to maxSnippetRunes, at most maxCitations are taken, and
// candidates sharing a document and locator collapse into one citation.
func Assemble(ranked []retrieval.Candidate, maxCitations, maxSnippetRunes int) Bundle {
	if maxCitations <= 0 {
		maxCitations = 8
	}
	if maxSnippetRunes <= 0 {
		maxSnippetRunes = 480
	}

	var b Bundle
	var ctx strings.Builder
	seen := map[string]bool{}
	for _, c := range ranked {
		if len(b.Citations) == maxCitations {
			break
		}
		key := c.Provenance.DocumentID + "\x00" + c.Provenance.Locator
		if key != "\x00" && seen[key] {
			continue
		}
		seen[key] = true

		ref := fmt.Sprintf("[%d]", len(b.Citations)+1)
		snippet := truncate(c.Text, maxSnippetRunes)
		b.Citations = append(b.Citations, Citation{
			Ref:        ref,
			Snippet:    snippet,
			Kind:       c.Kind,
			Score:      c.Final.Value,
			Provenance: c.Provenance,
		})
		fmt.Fprintf(&ctx, "%s %s\n", ref, snippet)
	}
	b.Context = strings.TrimRight(ctx.String(), "\n")
	return b
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
