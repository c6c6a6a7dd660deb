package locate

import (
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize folds text for matching: NFKC compatibility folding, lowercase,
// punctuation, symbols and format characters removed, whitespace collapsed
// to single spaces and trimmed. Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	// Removing characters can bring a base letter next to a combining mark,
	// which NFKC would then compose. Iterate to the fixed point; two passes
	// suffice in practice.
	for range 4 {
		next := normalizeOnce(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

func normalizeOnce(s string) string {
	s = strings.ToLower(norm.NFKC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r), unicode.IsSymbol(r), unicode.In(r, unicode.Cf, unicode.Cc):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return norm.NFKC.String(b.String())
}

// Compact removes all spaces from normalized text, so that a phrase split
// across inline elements ("digi<b>tal</b>") matches its unsplit form.
func Compact(normalized string) string {
	return strings.ReplaceAll(normalized, " ", "")
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "have": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "our": true, "that": true, "the": true, "their": true, "this": true,
	"to": true, "was": true, "we": true, "were": true, "will": true, "with": true,
	"you": true, "your": true, "all": true, "more": true, "than": true, "into": true,
}

// prefixes returns progressively shorter word prefixes of a normalized
// target: roughly three quarters, then half, never below minWords words or
// minChars characters, longest first and without duplicates.
func prefixes(normalized string, minWords, minChars int) []string {
	words := strings.Fields(normalized)
	n := len(words)
	var out []string
	seen := map[int]bool{n: true}
	for _, frac := range []float64{0.75, 0.5} {
		k := int(float64(n) * frac)
		if k < minWords {
			k = minWords
		}
		if k >= n || seen[k] {
			continue
		}
		seen[k] = true
		p := strings.Join(words[:k], " ")
		if len(p) < minChars {
			continue
		}
		out = append(out, p)
	}
	return out
}

// keywords returns salient fragments of a normalized target: adjacent pairs
// of content words first, then single long content words, longest first.
func keywords(normalized string, minLen, limit int) []string {
	words := strings.Fields(normalized)
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		if !seen[s] && len(out) < limit {
			seen[s] = true
			out = append(out, s)
		}
	}

	for i := 0; i+1 < len(words); i++ {
		a, b := words[i], words[i+1]
		if stopwords[a] || stopwords[b] {
			continue
		}
		if len(a)+len(b) >= minLen+2 {
			add(a + " " + b)
		}
	}

	var singles []string
	for _, w := range words {
		if !stopwords[w] && len([]rune(w)) >= minLen {
			singles = append(singles, w)
		}
	}
	slices.SortStableFunc(singles, func(a, b string) int { return len(b) - len(a) })
	for _, w := range singles {
		add(w)
	}
	return out
}
