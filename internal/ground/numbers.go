// Package ground decides whether retrieved evidence is strong enough to
// answer on, detects cross-source contradictions, and assembles the cited
// evidence bundle handed to answer generation.
package ground

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Mention is one numeric value found in free text, normalised to base
// units. Percentages keep their face value with Percent set.
type Mention struct {
	Raw     string
	Value   float64
	Percent bool
}

var numberPattern = regexp.MustCompile(`(?i)(?:\$|usd\s*)?(-?\d{1,3}(?:,\d{3})+|-?\d+(?:\.\d+)?)\s*(%|percent|trillion|billion|bn\b|million|mn\b|thousand|[tbmk]\b)?`)

var scaleFactors = map[string]float64{
	"trillion": 1e12,
	"t":        1e12,
	"billion":  1e9,
	"bn":       1e9,
	"b":        1e9,
	"million":  1e6,
	"mn":       1e6,
	"m":        1e6,
	"thousand": 1e3,
	"k":        1e3,
}

// ExtractNumbers pulls every numeric mention out of text. Thousands
// separators and magnitude suffixes (billion, bn, m, %) are normalised so
// "394.3 billion" and "394,300 million" compare equal.
func ExtractNumbers(text string) []Mention {
	var out []Mention
	for _, m := range numberPattern.FindAllStringSubmatch(text, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		suffix := strings.ToLower(strings.TrimSpace(m[2]))
		switch {
		case suffix == "%" || suffix == "percent":
			out = append(out, Mention{Raw: strings.TrimSpace(m[0]), Value: v, Percent: true})
		default:
			if f, ok := scaleFactors[suffix]; ok {
				v *= f
			}
			out = append(out, Mention{Raw: strings.TrimSpace(m[0]), Value: v})
		}
	}
	return out
}

// WithinTolerance reports whether two values agree within a relative
// tolerance. Comparison against zero falls back to absolute difference.
func WithinTolerance(a, b, tol float64) bool {
	if a == b {
		return true
	}
	denom := math.Max(math.Abs(a), math.Abs(b))
	if denom == 0 {
		return true
	}
	return math.Abs(a-b)/denom <= tol
}

// SameBallpark reports whether two values plausibly describe the same
// quantity: within a factor of five of each other. A fact of 394 billion
// and a mention of 12 percent are different quantities, not a conflict.
func SameBallpark(a, b float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	ratio := math.Abs(a) / math.Abs(b)
	return ratio >= 0.2 && ratio <= 5.0
}
