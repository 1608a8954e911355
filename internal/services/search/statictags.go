package search

import "strings"

// StaticTagTable is the zero-cost first tier of tag resolution: common roles
// and query terms mapped to curated tags. Lookup matches exact terms first,
// then substrings, so "startup CEO" still hits the "ceo" entry.
type StaticTagTable struct {
	entries map[string][]string
}

// NewStaticTagTable creates the default static tag table
func NewStaticTagTable() *StaticTagTable {
	return &StaticTagTable{entries: map[string][]string{
		"ceo":       {"executive", "leadership", "founder", "management"},
		"cto":       {"executive", "engineering", "technology", "leadership"},
		"cfo":       {"executive", "finance", "leadership"},
		"founder":   {"founder", "entrepreneur", "startup"},
		"engineer":  {"engineering", "technical"},
		"developer": {"engineering", "software", "technical"},
		"designer":  {"design", "creative"},
		"marketing": {"marketing", "growth"},
		"sales":     {"sales", "business-development"},
		"investor":  {"investor", "finance", "venture-capital"},
		"recruiter": {"recruiting", "hr", "talent"},
		"lawyer":    {"legal", "law"},
		"doctor":    {"medical", "healthcare"},
		"professor": {"academia", "education", "research"},
		"student":   {"student", "education"},
	}}
}

// Lookup returns tags for a query, reporting whether anything matched
func (t *StaticTagTable) Lookup(query string) ([]string, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, false
	}

	if tags, ok := t.entries[q]; ok {
		return tags, true
	}

	for term, tags := range t.entries {
		if strings.Contains(q, term) {
			return tags, true
		}
	}

	return nil, false
}
