package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// KeyPolicy derives content-addressed cache keys from a subset of input
// fields. Volatile fields (a person's name, timestamps) are left out of
// Fields on purpose: two distinct people with the same company and role then
// share one cached enrichment result. This is a deliberate precision/recall
// trade-off for cost savings, configurable rather than hard-coded.
type KeyPolicy struct {
	Prefix string
	Fields []string
}

// NewKeyPolicy creates a key policy hashing only the named fields
func NewKeyPolicy(prefix string, fields []string) KeyPolicy {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return KeyPolicy{Prefix: prefix, Fields: sorted}
}

// Key builds the cache key for an input. Fields absent from the input hash as
// empty so that key shape stays stable across partial profiles.
func (p KeyPolicy) Key(input map[string]string) string {
	var b strings.Builder
	for i, field := range p.Fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(normalize(input[field]))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return p.Prefix + ":" + hex.EncodeToString(sum[:16])
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
