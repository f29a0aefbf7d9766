package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"reflect"
	"sort"
	"strings"

	"actionplan/internal/errs"
)

//go:embed action_plan.schema.json
var defaultSchema []byte

// Kind classifies a violation.
type Kind string

const (
	MissingField Kind = "missing_field"
	WrongType    Kind = "wrong_type"
	InvalidEnum  Kind = "invalid_enum"
	UnknownField Kind = "unknown_field"
)

// Violation is one structural problem at Path.
type Violation struct {
	Path    string `json:"path"`
	Kind    Kind   `json:"violationKind"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Path, v.Message, v.Kind)
}

// Result is the ordered list of violations; empty means valid.
type Result struct {
	Violations []Violation `json:"violations"`
}

func (r Result) Valid() bool { return len(r.Violations) == 0 }

// Messages renders each violation on its own line for repair prompts.
func (r Result) Messages() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.String()
	}
	return out
}

// Schema is the structural subset of JSON Schema the compiler relies on.
type Schema struct {
	Title                string             `json:"title,omitempty"`
	Type                 Types              `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Const                json.RawMessage    `json:"const,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties *bool              `json:"-"`
	OneOf                []*Schema          `json:"oneOf,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`

	raw []byte
}

// Types accepts both "type": "string" and "type": ["string","null"].
type Types []string

func (t *Types) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*t = Types{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*t = many
	return nil
}

func (t Types) MarshalJSON() ([]byte, error) {
	if len(t) == 1 {
		return json.Marshal(t[0])
	}
	return json.Marshal([]string(t))
}

func (s *Schema) UnmarshalJSON(b []byte) error {
	type plain Schema
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var extra struct {
		AdditionalProperties json.RawMessage `json:"additionalProperties"`
	}
	if err := json.Unmarshal(b, &extra); err != nil {
		return err
	}
	*s = Schema(p)
	// Only the boolean form constrains; a schema-valued form is accepted as "allowed".
	if len(extra.AdditionalProperties) > 0 {
		var allowed bool
		if err := json.Unmarshal(extra.AdditionalProperties, &allowed); err == nil {
			s.AdditionalProperties = &allowed
		}
	}
	return nil
}

// Parse decodes a schema document.
func Parse(raw []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errs.WrapInput("schema", err)
	}
	if len(s.Type) == 0 && len(s.Properties) == 0 && len(s.OneOf) == 0 {
		return nil, errs.Input("schema", "schema declares no type, properties or oneOf")
	}
	s.raw = append([]byte(nil), raw...)
	return &s, nil
}

// LoadFile reads a schema from disk.
func LoadFile(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapInput("schema", err)
	}
	return Parse(raw)
}

// Default returns the built-in ActionPlan schema.
func Default() *Schema {
	s, err := Parse(defaultSchema)
	if err != nil {
		panic(fmt.Sprintf("schema: embedded schema invalid: %v", err))
	}
	return s
}

// Raw returns the schema text it was parsed from, for prompt rendering.
func (s *Schema) Raw() []byte {
	if s == nil {
		return nil
	}
	if len(s.raw) > 0 {
		return s.raw
	}
	b, _ := json.MarshalIndent(s, "", "  ")
	return b
}

// Validate checks a decoded JSON value (as produced by encoding/json into
// any) against s. The result is sorted and therefore deterministic.
func Validate(doc any, s *Schema) Result {
	var out []Violation
	if s != nil {
		out = validate(doc, s, "$")
	}
	sortViolations(out)
	return Result{Violations: out}
}

// ValidateJSON decodes raw and validates it.
func ValidateJSON(raw []byte, s *Schema) (Result, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, err
	}
	return Validate(doc, s), nil
}

func validate(v any, s *Schema, path string) []Violation {
	if len(s.OneOf) > 0 {
		return validateOneOf(v, s, path)
	}
	var out []Violation
	if len(s.Type) > 0 && !matchesAnyType(v, s.Type) {
		return []Violation{{Path: path, Kind: WrongType, Message: fmt.Sprintf("expected %s, got %s", strings.Join(s.Type, "|"), typeName(v))}}
	}
	if len(s.Const) > 0 {
		var want any
		if err := json.Unmarshal(s.Const, &want); err == nil && !reflect.DeepEqual(want, v) {
			out = append(out, Violation{Path: path, Kind: InvalidEnum, Message: fmt.Sprintf("expected constant %s, got %s", string(s.Const), render(v))})
		}
	}
	if len(s.Enum) > 0 && !inEnum(v, s.Enum) {
		out = append(out, Violation{Path: path, Kind: InvalidEnum, Message: fmt.Sprintf("value %s not in %s", render(v), render(s.Enum))})
	}
	switch x := v.(type) {
	case map[string]any:
		out = append(out, validateObject(x, s, path)...)
	case []any:
		if s.MinItems != nil && len(x) < *s.MinItems {
			out = append(out, Violation{Path: path, Kind: MissingField, Message: fmt.Sprintf("expected at least %d items, got %d", *s.MinItems, len(x))})
		}
		if s.Items != nil {
			for i, item := range x {
				out = append(out, validate(item, s.Items, fmt.Sprintf("%s[%d]", path, i))...)
			}
		}
	case string:
		if s.MinLength != nil && len([]rune(x)) < *s.MinLength {
			out = append(out, Violation{Path: path, Kind: MissingField, Message: "value must not be empty"})
		}
	}
	return out
}

func validateObject(obj map[string]any, s *Schema, path string) []Violation {
	var out []Violation
	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			out = append(out, Violation{Path: path + "." + name, Kind: MissingField, Message: fmt.Sprintf("missing required field %q", name)})
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sub, known := s.Properties[k]
		if !known {
			if s.AdditionalProperties != nil && !*s.AdditionalProperties {
				out = append(out, Violation{Path: path + "." + k, Kind: UnknownField, Message: fmt.Sprintf("unknown field %q", k)})
			}
			continue
		}
		out = append(out, validate(obj[k], sub, path+"."+k)...)
	}
	return out
}

// validateOneOf passes when any branch passes; otherwise it reports the
// branch with the fewest violations, the first one on ties.
func validateOneOf(v any, s *Schema, path string) []Violation {
	var best []Violation
	for i, branch := range s.OneOf {
		got := validate(v, branch, path)
		if len(got) == 0 {
			return nil
		}
		if i == 0 || len(got) < len(best) {
			best = got
		}
	}
	return best
}

func matchesAnyType(v any, types []string) bool {
	for _, t := range types {
		if matchesType(v, t) {
			return true
		}
	}
	return false
}

func matchesType(v any, t string) bool {
	switch t {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := number(v)
		return ok
	case "integer":
		f, ok := number(v)
		return ok && f == math.Trunc(f)
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := number(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func inEnum(v any, enum []any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Path != vs[j].Path {
			return vs[i].Path < vs[j].Path
		}
		if vs[i].Kind != vs[j].Kind {
			return vs[i].Kind < vs[j].Kind
		}
		return vs[i].Message < vs[j].Message
	})
}
