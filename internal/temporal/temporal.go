// Package temporal resolves natural-language time expressions into closed
// filters over fiscal years and date ranges. Resolution is best effort: an
// expression the grammar does not recognise yields an empty filter (no
// constraint) rather than an error, so missing time signal never blocks
// retrieval.
package temporal

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Period is the time scope attached to one piece of evidence. Either field
// may be unset; a zero Period means the producer recorded no time metadata.
type Period struct {
	FiscalYear int       `json:"fiscal_year,omitempty"`
	Date       time.Time `json:"date,omitempty"`
}

// IsZero reports whether the period carries no time information at all.
func (p Period) IsZero() bool { return p.FiscalYear == 0 && p.Date.IsZero() }

// Filter is a closed time constraint: a set of fiscal years, a date range,
// or both. The zero Filter matches everything.
type Filter struct {
	FiscalYears map[int]bool `json:"fiscal_years,omitempty"`
	Start       time.Time    `json:"start,omitempty"`
	End         time.Time    `json:"end,omitempty"`
}

// IsEmpty reports whether the filter imposes no constraint.
func (f Filter) IsEmpty() bool {
	return len(f.FiscalYears) == 0 && f.Start.IsZero() && f.End.IsZero()
}

// Contains reports whether a period satisfies the filter. An empty filter
// matches every period, and a period with no time metadata is never
// excluded: absence of signal is not evidence of mismatch.
func (f Filter) Contains(p Period) bool {
	if f.IsEmpty() || p.IsZero() {
		return true
	}
	if len(f.FiscalYears) > 0 {
		if p.FiscalYear != 0 {
			return f.FiscalYears[p.FiscalYear]
		}
		if !p.Date.IsZero() {
			return f.FiscalYears[p.Date.Year()]
		}
		return true
	}
	if !p.Date.IsZero() {
		if !f.Start.IsZero() && p.Date.Before(f.Start) {
			return false
		}
		if !f.End.IsZero() && p.Date.After(f.End) {
			return false
		}
		return true
	}
	if p.FiscalYear != 0 {
		if !f.Start.IsZero() && p.FiscalYear < f.Start.Year() {
			return false
		}
		if !f.End.IsZero() && p.FiscalYear > f.End.Year() {
			return false
		}
	}
	return true
}

// Years returns the fiscal years in ascending order.
func (f Filter) Years() []int {
	out := make([]int, 0, len(f.FiscalYears))
	for y := range f.FiscalYears {
		out = append(out, y)
	}
	sort.Ints(out)
	return out
}

// Time-expression grammar. Patterns are tried in order; the first family
// that matches wins, so explicit ranges beat bare year mentions.
var (
	rangePattern      = regexp.MustCompile(`(?i)\b(?:from\s+|between\s+)?(?:fy\s*)?(20\d{2})\s*(?:-|to|and|through|until)\s*(?:fy\s*)?(20\d{2})\b`)
	lastNPattern      = regexp.MustCompile(`(?i)\b(?:last|past|previous|trailing)\s+(\d{1,2}|two|three|four|five)\s+(?:fiscal\s+)?years?\b`)
	fiscalYearPattern = regexp.MustCompile(`(?i)\b(?:fy\s*'?|fiscal\s+(?:year\s+)?)(\d{2,4})\b`)
	bareYearPattern   = regexp.MustCompile(`\b(20[12]\d|2030|2031)\b`)
)

var wordNumbers = map[string]int{"two": 2, "three": 3, "four": 4, "five": 5}

// Resolve parses the temporal expressions in a query relative to now.
func Resolve(query string, now time.Time) Filter {
	q := strings.TrimSpace(query)
	if q == "" {
		return Filter{}
	}

	if m := rangePattern.FindStringSubmatch(q); m != nil {
		start, _ := strconv.Atoi(m[1])
		end, _ := strconv.Atoi(m[2])
		if start > end {
			start, end = end, start
		}
		// Guard against pathological ranges in free text.
		if end-start <= 15 {
			return yearSpan(start, end)
		}
	}

	if m := lastNPattern.FindStringSubmatch(q); m != nil {
		n, ok := wordNumbers[strings.ToLower(m[1])]
		if !ok {
			n, _ = strconv.Atoi(m[1])
		}
		if n > 0 && n <= 15 {
			end := now.Year()
			return yearSpan(end-n+1, end)
		}
	}

	years := make(map[int]bool)
	for _, m := range fiscalYearPattern.FindAllStringSubmatch(q, -1) {
		if y := normalizeYear(m[1]); y != 0 {
			years[y] = true
		}
	}
	for _, m := range bareYearPattern.FindAllStringSubmatch(q, -1) {
		y, _ := strconv.Atoi(m[1])
		years[y] = true
	}
	if len(years) > 0 {
		return Filter{FiscalYears: years}
	}

	return Filter{}
}

func yearSpan(start, end int) Filter {
	years := make(map[int]bool, end-start+1)
	for y := start; y <= end; y++ {
		years[y] = true
	}
	return Filter{FiscalYears: years}
}

// normalizeYear maps two-digit fiscal-year shorthand ("FY24") onto the
// current century. Values outside a plausible filing window return 0.
func normalizeYear(raw string) int {
	y, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	if y < 100 {
		y += 2000
	}
	if y < 1990 || y > 2100 {
		return 0
	}
	return y
}
