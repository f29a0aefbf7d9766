// Package placeholder detects dataset placeholders (s_field, s_field*N) in
// template documents and substitutes them from a single record.
package placeholder

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"actionplan/internal/dsl"
)

// A token must not be glued to a preceding word character, so ".results_list"
// is not read as s_list. This is stricter than a bare s_ match: "abcs_price"
// and "12s_qty" carry no token.
var pattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_])(s_([A-Za-z_][A-Za-z0-9_]*)(?:\*([0-9]+))?)`)

// TokenKind classifies how a token is resolved.
type TokenKind string

const (
	KindNormal     TokenKind = "normal"
	KindGender     TokenKind = "gender"
	KindExpression TokenKind = "expression"
)

// Token is one placeholder occurrence.
type Token struct {
	Raw        string    `json:"raw"`
	Field      string    `json:"field"`
	Multiplier int       `json:"multiplier,omitempty"`
	Kind       TokenKind `json:"kind"`

	start, end int
}

// Record is one flat dataset row.
type Record map[string]any

// ErrorKind is the placeholder error taxonomy.
type ErrorKind string

const (
	MissingField          ErrorKind = "missing_field"
	ExpressionError       ErrorKind = "expression_error"
	TranslationError      ErrorKind = "translation_error"
	UnreplacedPlaceholder ErrorKind = "unreplaced_placeholder"
)

// Blocking reports whether an error of this kind drops the dataset item.
func (k ErrorKind) Blocking() bool { return k != UnreplacedPlaceholder }

// Error is a substitution failure scoped to one dataset item.
type Error struct {
	Kind        ErrorKind `json:"error_type"`
	Placeholder string    `json:"placeholder"`
	Field       string    `json:"field_name"`
	ItemIndex   int       `json:"data_index"`
	Path        string    `json:"path,omitempty"`
	Message     string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("item %d: %s %s: %s", e.ItemIndex, e.Kind, e.Placeholder, e.Message)
}

var genders = map[string]string{
	"m":   "男",
	"f":   "女",
	"m,f": "通用",
}

// Detect returns every token in text, left to right.
func Detect(text string) []Token {
	locs := pattern.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	out := make([]Token, 0, len(locs))
	for _, m := range locs {
		tok := Token{
			Raw:   text[m[2]:m[3]],
			Field: text[m[4]:m[5]],
			Kind:  KindNormal,
			start: m[2],
			end:   m[3],
		}
		switch {
		case tok.Field == "gender":
			tok.Kind = KindGender
		case m[6] >= 0:
			tok.Kind = KindExpression
			// an overflowing multiplier stays 0 and fails in Translate
			if n, err := strconv.Atoi(text[m[6]:m[7]]); err == nil {
				tok.Multiplier = n
			}
		}
		out = append(out, tok)
	}
	return out
}

// Translate resolves tok against rec. The field is looked up as-is first and
// then with the s_ prefix.
func Translate(tok Token, rec Record) (string, *Error) {
	fail := func(kind ErrorKind, format string, args ...any) (string, *Error) {
		return "", &Error{Kind: kind, Placeholder: tok.Raw, Field: tok.Field, Message: fmt.Sprintf(format, args...)}
	}
	v, ok := lookup(rec, tok.Field)
	if !ok {
		return fail(MissingField, "record has no field %q or %q", tok.Field, "s_"+tok.Field)
	}
	s := stringify(v)
	switch tok.Kind {
	case KindGender:
		g, ok := genders[s]
		if !ok {
			return fail(TranslationError, "unknown gender value %q", s)
		}
		return g, nil
	case KindExpression:
		if tok.Multiplier <= 0 {
			return fail(ExpressionError, "multiplier in %s must be a positive integer", tok.Raw)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fail(ExpressionError, "cannot evaluate %q * %d", s, tok.Multiplier)
		}
		return formatNumber(f * float64(tok.Multiplier)), nil
	}
	return s, nil
}

func lookup(rec Record, field string) (any, bool) {
	for _, key := range []string{field, "s_" + field} {
		if v, ok := rec[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return formatNumber(x)
	case float32:
		return formatNumber(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return fmt.Sprint(v)
}

// formatNumber prints integral values without a decimal point.
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Substitute returns a deep copy of doc with every token replaced from rec.
// Tokens that fail to resolve are left verbatim and reported once with their
// blocking kind. Tokens that survive substitution for any other reason (for
// example a record value that itself looks like a placeholder) are reported
// as unreplaced_placeholder.
func Substitute(doc dsl.Document, rec Record, itemIndex int) (dsl.Document, []Error) {
	out := doc.Clone()
	var errs []Error
	out.EachString(func(path string, s *string) {
		replaced, fieldErrs := substituteText(*s, rec)
		for i := range fieldErrs {
			fieldErrs[i].ItemIndex = itemIndex
			fieldErrs[i].Path = path
		}
		errs = append(errs, fieldErrs...)
		*s = replaced
	})
	return out, errs
}

func substituteText(text string, rec Record) (string, []Error) {
	toks := Detect(text)
	if len(toks) == 0 {
		return text, nil
	}
	var (
		b      strings.Builder
		errs   []Error
		kept   = map[int]bool{}
		cursor int
	)
	for _, tok := range toks {
		b.WriteString(text[cursor:tok.start])
		v, err := Translate(tok, rec)
		if err != nil {
			errs = append(errs, *err)
			kept[b.Len()] = true
			b.WriteString(tok.Raw)
		} else {
			b.WriteString(v)
		}
		cursor = tok.end
	}
	b.WriteString(text[cursor:])
	result := b.String()
	for _, tok := range Detect(result) {
		if kept[tok.start] {
			continue
		}
		errs = append(errs, Error{
			Kind:        UnreplacedPlaceholder,
			Placeholder: tok.Raw,
			Field:       tok.Field,
			Message:     fmt.Sprintf("placeholder %s still present after substitution", tok.Raw),
		})
	}
	return result, errs
}
