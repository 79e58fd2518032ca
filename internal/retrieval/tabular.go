package retrieval

import (
	"fmt"
	"regexp"
	"strings"
)

// tableIntentPatterns detect queries that want a breakdown rather than a
// single figure. Kept deliberately literal; the intent classifier handles
// the broader routing and this only switches extraction mode.
var tableIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bby\s+(segment|region|division|geography|product|quarter|year)\b`),
	regexp.MustCompile(`(?i)\bbreak\s*down\b`),
	regexp.MustCompile(`(?i)\bbreakdown\b`),
	regexp.MustCompile(`(?i)\bsplit\s+by\b`),
	regexp.MustCompile(`(?i)\btable\s+of\b`),
	regexp.MustCompile(`(?i)\bper\s+(segment|region|division)\b`),
}

// WantsTable reports whether the query asks for tabular data.
func WantsTable(query string) bool {
	for _, re := range tableIntentPatterns {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

// ExpandTabular rewrites candidates for table-intent queries: any candidate
// whose text parses as a table is replaced by one candidate per data row,
// serialised as key=value pairs. Non-tabular candidates and non-table
// queries pass through untouched, so downstream code never needs cell-level
// positional reasoning.
func ExpandTabular(query string, cands []Candidate) []Candidate {
	if !WantsTable(query) {
		return cands
	}
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		rows := extractTableRows(c)
		if len(rows) == 0 {
			out = append(out, c)
			continue
		}
		out = append(out, rows...)
	}
	return out
}

// extractTableRows parses pipe- or tab-delimited lines. The first delimited
// line is the header; each later line becomes one KindTable candidate with
// header=cell pairs and a row locator appended to the provenance.
func extractTableRows(c Candidate) []Candidate {
	var header []string
	var rows []Candidate
	rowNum := 0
	for _, line := range strings.Split(c.Text, "\n") {
		cells := splitRow(line)
		if len(cells) < 2 {
			continue
		}
		if header == nil {
			header = cells
			continue
		}
		rowNum++
		pairs := make([]string, 0, len(cells))
		for i, cell := range cells {
			key := fmt.Sprintf("col%d", i+1)
			if i < len(header) {
				key = header[i]
			}
			pairs = append(pairs, key+"="+cell)
		}
		row := c
		row.ID = fmt.Sprintf("%s#row%d", c.ID, rowNum)
		row.Text = strings.Join(pairs, " | ")
		row.Kind = KindTable
		row.Provenance.Locator = joinLocator(c.Provenance.Locator, fmt.Sprintf("row %d", rowNum))
		rows = append(rows, row)
	}
	// a header with no data rows is not a table
	if len(rows) == 0 {
		return nil
	}
	return rows
}

// joinLocator appends the row position to the parent locator so a citation
// can point at one row of a table inside a page or section.
func joinLocator(base, row string) string {
	if base == "" {
		return row
	}
	return base + ", " + row
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var raw []string
	switch {
	case strings.Contains(line, "|"):
		raw = strings.Split(strings.Trim(line, "|"), "|")
	case strings.Contains(line, "\t"):
		raw = strings.Split(line, "\t")
	default:
		return nil
	}
	cells := make([]string, 0, len(raw))
	for _, r := range raw {
		cell := strings.TrimSpace(r)
		if cell == "" || isSeparator(cell) {
			continue
		}
		cells = append(cells, cell)
	}
	return cells
}

// isSeparator drops markdown rule cells like "---" and ":--:".
func isSeparator(cell string) bool {
	return strings.Trim(cell, "-: ") == ""
}
