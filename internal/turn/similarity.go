package turn

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokens normalizes text for comparison: compatibility decomposition,
// diacritics stripped, case folded, punctuation treated as whitespace.
func Tokens(s string) []string {
	s = strings.ReplaceAll(s, "\u2019", "'")
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// NormalizeText returns the tokens of s joined by single spaces.
func NormalizeText(s string) string {
	return strings.Join(Tokens(s), " ")
}

// WordCount returns the number of normalized tokens in s.
func WordCount(s string) int {
	return len(Tokens(s))
}

// CharCount returns the number of letters and digits in the normalized text.
func CharCount(s string) int {
	n := 0
	for _, tok := range Tokens(s) {
		for _, r := range tok {
			if r != '\'' {
				n++
			}
		}
	}
	return n
}

// Containment returns the share of candidate tokens that also occur in
// reference, counting repeated tokens at most as often as reference has them.
// An empty candidate yields 0.
func Containment(candidate, reference string) float64 {
	cand := Tokens(candidate)
	if len(cand) == 0 {
		return 0
	}
	avail := make(map[string]int)
	for _, tok := range Tokens(reference) {
		avail[tok]++
	}
	hits := 0
	for _, tok := range cand {
		if avail[tok] > 0 {
			avail[tok]--
			hits++
		}
	}
	return float64(hits) / float64(len(cand))
}
