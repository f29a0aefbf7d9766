package dsl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the discriminant of a Step.
type Action string

const (
	ActionGoto   Action = "goto"
	ActionFill   Action = "fill"
	ActionClick  Action = "click"
	ActionAssert Action = "assert"
)

// AssertKind selects what an assert step checks.
type AssertKind string

const (
	AssertVisible      AssertKind = "visible"
	AssertTextContains AssertKind = "text_contains"
	AssertTextEquals   AssertKind = "text_equals"
)

// IsText reports whether the kind compares element text.
func (k AssertKind) IsText() bool {
	return k == AssertTextContains || k == AssertTextEquals
}

// Meta identifies a compiled document.
type Meta struct {
	TestID     string `json:"testId"`
	BaseURL    string `json:"baseUrl"`
	DataSource string `json:"dataSource,omitempty"`
}

// Step is one executable action. Action decides which of the remaining
// fields are meaningful:
//
//	goto:   URL
//	fill:   Selector, Value
//	click:  Selector (Value is an optional human label)
//	assert: Selector, Kind, Value (required for text kinds)
type Step struct {
	Action   Action     `json:"t"`
	URL      string     `json:"url,omitempty"`
	Selector string     `json:"selector,omitempty"`
	Value    string     `json:"value,omitempty"`
	Kind     AssertKind `json:"kind,omitempty"`
}

// Document is the ActionPlan consumed by the execution engine.
type Document struct {
	Meta  Meta   `json:"meta"`
	Steps []Step `json:"steps"`
}

func Goto(url string) Step { return Step{Action: ActionGoto, URL: url} }

func Fill(selector, value string) Step {
	return Step{Action: ActionFill, Selector: selector, Value: value}
}

func Click(selector string) Step { return Step{Action: ActionClick, Selector: selector} }

func AssertVisibleStep(selector string) Step {
	return Step{Action: ActionAssert, Selector: selector, Kind: AssertVisible}
}

func AssertText(selector string, kind AssertKind, value string) Step {
	return Step{Action: ActionAssert, Selector: selector, Kind: kind, Value: value}
}

// Target returns the field the step addresses: the URL for goto, the
// selector otherwise.
func (s Step) Target() string {
	if s.Action == ActionGoto {
		return s.URL
	}
	return s.Selector
}

// Check verifies the per-action field contract.
func (s Step) Check() error {
	switch s.Action {
	case ActionGoto:
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("goto step requires url")
		}
		if s.Selector != "" {
			return fmt.Errorf("goto step must not carry a selector")
		}
	case ActionFill:
		if strings.TrimSpace(s.Selector) == "" {
			return fmt.Errorf("fill step requires selector")
		}
	case ActionClick:
		if strings.TrimSpace(s.Selector) == "" {
			return fmt.Errorf("click step requires selector")
		}
	case ActionAssert:
		if strings.TrimSpace(s.Selector) == "" {
			return fmt.Errorf("assert step requires selector")
		}
		switch s.Kind {
		case AssertVisible:
		case AssertTextContains, AssertTextEquals:
			if s.Value == "" {
				return fmt.Errorf("assert %s requires value", s.Kind)
			}
		default:
			return fmt.Errorf("assert step has unknown kind %q", s.Kind)
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// Check verifies every step and returns the first failure with its index.
func (d Document) Check() error {
	for i, s := range d.Steps {
		if err := s.Check(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	out := Document{Meta: d.Meta}
	if d.Steps != nil {
		out.Steps = make([]Step, len(d.Steps))
		copy(out.Steps, d.Steps)
	}
	return out
}

// EachString visits every string-bearing field reachable from the document,
// meta included. The callback may rewrite the string in place.
func (d *Document) EachString(fn func(path string, s *string)) {
	fn("meta.testId", &d.Meta.TestID)
	fn("meta.baseUrl", &d.Meta.BaseURL)
	for i := range d.Steps {
		s := &d.Steps[i]
		prefix := fmt.Sprintf("steps[%d].", i)
		fn(prefix+"url", &s.URL)
		fn(prefix+"selector", &s.Selector)
		fn(prefix+"value", &s.Value)
	}
}

// Decode parses a JSON document and checks the step contract.
func Decode(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, err
	}
	if err := d.Check(); err != nil {
		return Document{}, err
	}
	return d, nil
}
