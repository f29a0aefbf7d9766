package compiler

import (
	"errors"
	"fmt"
	"strings"

	"actionplan/internal/schema"
)

var (
	// ErrParse marks an attempt whose output held no decodable JSON object.
	ErrParse = errors.New("generation output is not valid JSON")
	// ErrInvalid marks an attempt whose document violated the schema.
	ErrInvalid = errors.New("generated document violates the schema")
)

// CompilationError is returned once every attempt failed. It carries the last
// candidate so callers can inspect what the generator produced.
type CompilationError struct {
	Attempts     int
	LastOutput   string
	LastDocument any
	Violations   []schema.Violation
	Transitions  []Transition
	Cause        error
}

// Error lists the last attempt's violations one per line.
func (e *CompilationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compilation failed after %d attempt(s)", e.Attempts)
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	for _, v := range e.Violations {
		b.WriteString("\n  - " + v.String())
	}
	return b.String()
}

func (e *CompilationError) Unwrap() error { return e.Cause }
