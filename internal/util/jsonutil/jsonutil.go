package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoObject is returned when text carries no JSON object.
var ErrNoObject = errors.New("output did not contain a JSON object")

var fencedObject = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// MarshalNoEscape encodes v into JSON without HTML-escaping <, > and &.
func MarshalNoEscape(v any) ([]byte, error) {
	return encode(v, "", "")
}

// MarshalNoEscapeIndent encodes v into indented JSON without HTML escaping.
func MarshalNoEscapeIndent(v any, prefix, indent string) ([]byte, error) {
	return encode(v, prefix, indent)
}

func encode(v any, prefix, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if prefix != "" || indent != "" {
		enc.SetIndent(prefix, indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ExtractObject pulls the JSON object out of free-form generator output: a
// fenced ```json block when present, otherwise the slice from the first "{"
// to the last "}".
func ExtractObject(text string) (string, error) {
	if m := fencedObject.FindStringSubmatch(text); m != nil {
		return m[1], nil
	}
	first := strings.Index(text, "{")
	last := strings.LastIndex(text, "}")
	if first == -1 || last <= first {
		return "", ErrNoObject
	}
	return text[first : last+1], nil
}

// DecodeLenient decodes raw into v. When strict decoding fails the text is
// run through jsonrepair (trailing commas, single quotes, unclosed brackets)
// and decoded again; repaired reports whether that happened. The returned
// error is the original decoding error when repair does not help.
func DecodeLenient(raw string, v any) (repaired bool, err error) {
	strictErr := UnmarshalFlex([]byte(raw), v)
	if strictErr == nil {
		return false, nil
	}
	fixed, rerr := jsonrepair.JSONRepair(raw)
	if rerr != nil {
		return false, strictErr
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return false, strictErr
	}
	return true, nil
}

// UnescapeUnicodeString resolves literal \uXXXX sequences left inside an
// already-decoded string.
func UnescapeUnicodeString(s string) (string, error) {
	if !strings.Contains(s, `\u`) {
		return s, nil
	}
	esc := strings.ReplaceAll(s, `"`, `\"`)
	var out string
	if err := json.Unmarshal([]byte(`"`+esc+`"`), &out); err != nil {
		return "", err
	}
	return out, nil
}

// NormalizeJSONUnicode parses JSON bytes and recursively unescapes any remaining
// double-escaped unicode sequences (e.g. "\\u003e") inside string values. A
// payload that is itself a quoted JSON string is unwrapped first.
func NormalizeJSONUnicode(raw []byte) ([]byte, error) {
	var anyVal any
	if err := json.Unmarshal(raw, &anyVal); err != nil {
		return nil, err
	}
	if s, ok := anyVal.(string); ok {
		var inner any
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, errors.New("NormalizeJSONUnicode: cannot parse JSON payload")
		}
		anyVal = inner
	}
	return MarshalNoEscape(deepUnescape(anyVal))
}

// UnmarshalFlex tries to unmarshal JSON bytes into v with best effort:
// 1) Direct unmarshal
// 2) Normalize and unmarshal
func UnmarshalFlex(raw []byte, v any) error {
	err := json.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	norm, nerr := NormalizeJSONUnicode(raw)
	if nerr != nil {
		return err
	}
	return json.Unmarshal(norm, v)
}

func deepUnescape(v any) any {
	switch x := v.(type) {
	case string:
		if s, err := UnescapeUnicodeString(x); err == nil {
			return s
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepUnescape(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = deepUnescape(vv)
		}
		return out
	default:
		return v
	}
}
