// Package prompt renders generation and repair prompts for the compiler.
package prompt

import (
	"fmt"
	"strings"

	"actionplan/internal/dsl"
	"actionplan/internal/intent"
	"actionplan/internal/util/jsonutil"
)

// generationRules are the selector and role guidelines the generator must follow.
var generationRules = []string{
	"Selectors must use Playwright syntax; never use :contains(), jQuery pseudo-classes or XPath.",
	"Prefer the alias names from the site profile (e.g. search.input) or their listed selectors.",
	`Match text with :has-text("..."), e.g. .card:has-text("Submit").`,
	"Text assertions and clicks must point at a concrete element; append :has-text(\"<text>\") when needed.",
	"An assertion's text and the click that follows it must refer to the same data item.",
	"fill steps target input-like elements (role input); never a button or link.",
	"click steps target interactive elements (role button or link); never plain text.",
	"assert steps target display elements (role text, heading, label or image).",
	"Image assertions check visibility only (kind visible); never combine img with :has-text().",
	"Keep dataset placeholders such as s_name or s_price*3 verbatim in values.",
}

var sample = dsl.Document{
	Meta: dsl.Meta{TestID: "SAMPLE-001", BaseURL: "https://example.com"},
	Steps: []dsl.Step{
		dsl.Goto("/"),
		dsl.Fill("search.input", "s_keyword"),
		dsl.Click("search.button"),
		dsl.AssertVisibleStep(".result-item .title"),
		dsl.AssertText(`.product-title:has-text("s_keyword")`, dsl.AssertTextContains, "s_keyword"),
	},
}

// BuildInitial renders the first generation prompt.
func BuildInitial(in *intent.TestIntent, profileSummary string, schemaJSON []byte) (string, error) {
	if in == nil {
		return "", fmt.Errorf("prompt: test intent is nil")
	}
	example, err := jsonutil.MarshalNoEscapeIndent(sample, "", "  ")
	if err != nil {
		return "", fmt.Errorf("prompt: encode example: %w", err)
	}
	input := in.Summary()
	if strings.TrimSpace(profileSummary) != "" {
		input += "\n\n" + profileSummary
	}
	spec := ApplyPresets(Spec{
		Purpose:      "Compile the natural-language UI test below into a complete ActionPlan JSON document.",
		Background:   "Steps are executed in order by a browser automation engine. Allowed actions: goto, fill, click, assert.",
		Input:        input,
		OutputSchema: string(schemaJSON),
		Rules:        generationRules,
		Examples:     []Example{{Output: string(example)}},
	}, PresetStrictJSON(), PresetNoInvent())
	return Render(spec)
}

// BuildRepair renders the follow-up instruction after a failed attempt.
// previousOutput may be empty when the generator returned nothing usable.
func BuildRepair(previousOutput string, diagnostics []string) string {
	var b strings.Builder
	b.WriteString("[REPAIR]\n")
	b.WriteString("The previous ActionPlan JSON has problems:\n")
	if len(diagnostics) == 0 {
		b.WriteString("- output could not be used\n")
	}
	for _, d := range diagnostics {
		if d = strings.TrimSpace(d); d != "" {
			b.WriteString("- " + d + "\n")
		}
	}
	if strings.TrimSpace(previousOutput) != "" {
		b.WriteString("\n[PREVIOUS_OUTPUT]\n")
		b.WriteString(strings.TrimRight(previousOutput, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\nRegenerate the full JSON so that it conforms to the schema. Output JSON only.\n")
	return b.String()
}
