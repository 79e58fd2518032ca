package policy

import "regexp"

// intentPatterns route query text to an intent. Order matters: comparison
// phrasing wins over lookup phrasing when both appear, and forecast wins
// over explanation. The first matching pattern decides.
var intentPatterns = []struct {
	re     *regexp.Regexp
	intent Intent
}{
	{regexp.MustCompile(`(?i)\b(compare|compared|versus|vs\.?|against|relative to|which (company|one)|higher|lower|better|worse|outperform)\b`), IntentComparison},
	{regexp.MustCompile(`(?i)\b(forecast|outlook|guidance|project(ed|ion)?|expect(ed|ations)?|next (year|quarter)|will .* (grow|decline))\b`), IntentForecast},
	{regexp.MustCompile(`(?i)\b(risk|risks|exposure|litigation|lawsuit|headwind|uncertaint(y|ies)|threat)\b`), IntentRisk},
	{regexp.MustCompile(`(?i)\b(why|explain|how (did|does|has)|what drove|reason|driver|because)\b`), IntentExplanation},
	{regexp.MustCompile(`(?i)\b(what (was|is|were)|how (much|many)|revenue|income|eps|margin|assets|debt|cash flow|headcount|dividend)\b`), IntentLookup},
}

// ClassifyIntent maps free query text onto the closed intent set. Text
// matching nothing classifies as general, which always has a policy.
func ClassifyIntent(query string) Intent {
	for _, p := range intentPatterns {
		if p.re.MatchString(query) {
			return p.intent
		}
	}
	return IntentGeneral
}
