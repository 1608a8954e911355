package search

import "strings"

// Local language detection used when the enhancement generator is
// unavailable. Keyword lists are deliberately small: the result only steers
// prompt wording, never correctness.
var languageKeywords = map[string][]string{
	"spa": {"el", "la", "los", "las", "que", "de", "con", "para", "una", "por"},
	"fra": {"le", "la", "les", "des", "une", "avec", "pour", "dans", "qui", "est"},
	"deu": {"der", "die", "das", "und", "mit", "für", "ein", "eine", "von", "ist"},
	"por": {"o", "os", "uma", "com", "para", "não", "por", "mais", "como", "dos"},
	"ita": {"il", "gli", "che", "con", "per", "una", "del", "della", "sono", "più"},
}

// DetectLanguage guesses the query language from stopword hits, defaulting to
// English when nothing matches.
func DetectLanguage(query string) string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return "eng"
	}

	best, bestHits := "eng", 0
	for lang, keywords := range languageKeywords {
		hits := 0
		for _, w := range words {
			for _, kw := range keywords {
				if w == kw {
					hits++
					break
				}
			}
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}

	// require at least two stopword hits before trusting a non-English guess
	if bestHits < 2 {
		return "eng"
	}

	return best
}
