package searchindex

import "strings"

// ftsSpecials are the characters the FTS5 query parser assigns syntax
// to. They are blanked out before the query is tokenized.
const ftsSpecials = ":{}()[]@!\\"

// EscapeQuery renders arbitrary user text safe for MATCH: syntax
// characters become spaces and every remaining token is phrase-quoted
// with embedded quotes doubled, so operators like OR and NOT match
// literally instead of being parsed.
func EscapeQuery(query string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(ftsSpecials, r) {
			return ' '
		}
		return r
	}, query)

	fields := strings.Fields(cleaned)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
