package profile

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold normalises width and case so that "ＳＥＡＲＣＨ" and "search" compare
// equal. A Caser is stateful, so one is built per call.
func Fold(s string) string {
	return cases.Fold().String(norm.NFKC.String(s))
}

// Tokens splits s into comparison tokens. Latin/digit runs become words;
// Han runs become overlapping bigrams (a lone character stays a unigram).
// Duplicates are removed, first occurrence order kept.
func Tokens(s string) []string {
	s = Fold(s)
	var (
		out  []string
		seen = map[string]struct{}{}
		word []rune
		han  []rune
	)
	add := func(tok string) {
		if tok == "" {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	flushWord := func() {
		add(string(word))
		word = word[:0]
	}
	flushHan := func() {
		switch {
		case len(han) == 1:
			add(string(han))
		case len(han) > 1:
			for i := 0; i+1 < len(han); i++ {
				add(string(han[i : i+2]))
			}
		}
		han = han[:0]
	}
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return out
}

// Overlap is the token-overlap (Jaccard) ratio of a and b in [0,1].
func Overlap(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		set[t] = struct{}{}
	}
	inter := 0
	for _, t := range tb {
		if _, ok := set[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

// SharedTokens counts distinct tokens of keywords present in text.
func SharedTokens(keywords []string, text string) int {
	if len(keywords) == 0 {
		return 0
	}
	set := map[string]struct{}{}
	for _, t := range Tokens(text) {
		set[t] = struct{}{}
	}
	n := 0
	seen := map[string]struct{}{}
	for _, k := range keywords {
		for _, t := range Tokens(k) {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			if _, ok := set[t]; ok {
				n++
			}
		}
	}
	return n
}

const textQualifier = ":has-text("

// SplitTextQualifier separates a trailing :has-text(...) qualifier from the
// base selector.
func SplitTextQualifier(selector string) (base, qualifier string) {
	i := strings.LastIndex(selector, textQualifier)
	if i < 0 || !strings.HasSuffix(strings.TrimSpace(selector), ")") {
		return selector, ""
	}
	return selector[:i], selector[i:]
}

// HasTextQualifier reports whether selector already carries a text match.
func HasTextQualifier(selector string) bool {
	return strings.Contains(selector, textQualifier)
}

// TextQualifier renders the qualifier for value.
func TextQualifier(value string) string {
	v := strings.ReplaceAll(value, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return textQualifier + `"` + v + `")`
}
