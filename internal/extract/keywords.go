package extract

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a an and are as at be but by can could did do does
		for from had has have he her him his how i if in into is it its just me my
		no not of on or our she so than that the their them then there these they this
		to too us was we were what when where which who whom why will with would you
		your yours i'm i've don't dont doesn't`) {
		stopWords[w] = struct{}{}
	}
}

// IsStopWord reports whether w (already lowercased) carries no topical meaning.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// Tokens splits text into case-folded word tokens, keeping apostrophes and
// intra-word symbols like '+' and '#' so "c++" and "c#" survive.
func Tokens(text string) []string {
	folded := cases.Fold().String(text)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '+' || r == '#')
	})
}

// Keywords returns the distinct non-stop-word tokens of text, sorted.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range Tokens(text) {
		tok = strings.Trim(tok, "'")
		if tok == "" || IsStopWord(tok) {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
