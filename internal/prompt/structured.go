package prompt

import (
	"bytes"
	"fmt"
	"strings"
)

// Example captures an input/output pair shown to the generator.
type Example struct {
	Input  string
	Output string
}

// Spec defines the sections of a structured prompt. Empty sections are
// omitted from the rendered text.
type Spec struct {
	Purpose      string
	Background   string
	Input        string
	OutputSchema string
	Rules        []string
	Constraints  []string
	Examples     []Example
}

// Preset holds reusable constraints and rules.
type Preset struct {
	Constraints []string
	Rules       []string
}

// ApplyPresets prepends preset constraints/rules to spec.
func ApplyPresets(spec Spec, presets ...Preset) Spec {
	if len(presets) == 0 {
		return spec
	}
	var merged Preset
	for _, p := range presets {
		merged.Constraints = append(merged.Constraints, p.Constraints...)
		merged.Rules = append(merged.Rules, p.Rules...)
	}
	spec.Constraints = append(merged.Constraints, spec.Constraints...)
	spec.Rules = append(merged.Rules, spec.Rules...)
	return spec
}

// PresetStrictJSON enforces strict JSON-only output.
func PresetStrictJSON() Preset {
	return Preset{
		Constraints: []string{
			"Return strict JSON only.",
			"Match the schema exactly; no extra fields.",
			"No markdown, comments, or trailing commas.",
		},
	}
}

// PresetNoInvent keeps the generator inside the catalogue.
func PresetNoInvent() Preset {
	return Preset{
		Constraints: []string{
			"Do not invent selectors; use only aliases or selectors listed in the site profile.",
		},
	}
}

// Render renders spec in section order.
func Render(spec Spec) (string, error) {
	if strings.TrimSpace(spec.Purpose) == "" {
		return "", fmt.Errorf("prompt: purpose is empty")
	}
	if strings.TrimSpace(spec.OutputSchema) == "" {
		return "", fmt.Errorf("prompt: output schema is empty")
	}
	var buf bytes.Buffer
	writeSection(&buf, "PURPOSE", spec.Purpose)
	writeSection(&buf, "BACKGROUND", spec.Background)
	writeSection(&buf, "INPUT", spec.Input)
	writeSection(&buf, "OUTPUT_SCHEMA", spec.OutputSchema)
	writeSection(&buf, "RULES", formatList(spec.Rules))
	writeSection(&buf, "CONSTRAINTS", formatList(spec.Constraints))
	if len(spec.Examples) > 0 {
		writeSection(&buf, "EXAMPLES", formatExamples(spec.Examples))
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func formatList(items []string) string {
	var buf strings.Builder
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		fmt.Fprintf(&buf, "- %s\n", item)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func formatExamples(examples []Example) string {
	var buf strings.Builder
	for i, ex := range examples {
		fmt.Fprintf(&buf, "Example %d:\n", i+1)
		if strings.TrimSpace(ex.Input) != "" {
			buf.WriteString("INPUT:\n")
			buf.WriteString(strings.TrimRight(ex.Input, "\n"))
			buf.WriteString("\n")
		}
		if strings.TrimSpace(ex.Output) != "" {
			buf.WriteString("OUTPUT:\n")
			buf.WriteString(strings.TrimRight(ex.Output, "\n"))
			buf.WriteString("\n")
		}
		buf.WriteString("\n")
	}
	return strings.TrimRight(buf.String(), "\n")
}

func writeSection(buf *bytes.Buffer, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	buf.WriteString("[")
	buf.WriteString(title)
	buf.WriteString("]\n")
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
}
