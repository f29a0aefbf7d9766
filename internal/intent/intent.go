// Package intent parses markdown test requests into a TestIntent.
package intent

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"actionplan/internal/errs"
)

var (
	urlPattern      = regexp.MustCompile(`(?i)https?://[\w\-./?=#%&:+]+`)
	stepPattern     = regexp.MustCompile(`^\s*(\d+)[\.|、]\s*(.+)$`)
	paramPattern    = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*[=＝]\s*("[^"]*"|[^\s,，;；)）]+)`)
	expectedPattern = regexp.MustCompile(`(?i)^(?:期望|预期|expected|expect)\s*[:：]\s*(.+)$`)
	headingPattern  = regexp.MustCompile(`^#{2,}\s*(.+)$`)
)

// Step is one numbered natural-language instruction.
type Step struct {
	Index    int               `json:"index"`
	Text     string            `json:"text"`
	Params   map[string]string `json:"params,omitempty"`
	Expected string            `json:"expected,omitempty"`
}

// TestIntent is a parsed test request.
type TestIntent struct {
	Title      string `json:"title"`
	Background string `json:"background,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	Steps      []Step `json:"steps"`
}

// LoadFile parses the request at path; the file stem is the fallback title.
func LoadFile(path string) (*TestIntent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.WrapInput("test intent", err)
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(raw, stem)
}

// Parse reads a markdown request. The first "#" line is the title, numbered
// lines ("1." or "1、") are steps, and the first http(s) URL anywhere in the
// text is the base URL. Lines outside the step list that are not headings
// form the background. A line "期望: ..." or "expected: ..." right after a
// step sets that step's expected value.
func Parse(raw []byte, fallbackTitle string) (*TestIntent, error) {
	in := &TestIntent{}
	var background []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")
		trimmed := strings.TrimSpace(line)
		if in.Title == "" && strings.HasPrefix(line, "#") && !headingPattern.MatchString(line) {
			in.Title = strings.TrimSpace(strings.TrimLeft(line, "# "))
			continue
		}
		if m := stepPattern.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			text := strings.TrimSpace(m[2])
			in.Steps = append(in.Steps, Step{Index: idx, Text: text, Params: params(text)})
			continue
		}
		item := strings.TrimSpace(strings.TrimLeft(trimmed, "-*"))
		if m := expectedPattern.FindStringSubmatch(item); m != nil && len(in.Steps) > 0 {
			in.Steps[len(in.Steps)-1].Expected = strings.TrimSpace(m[1])
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || len(in.Steps) > 0 {
			continue
		}
		background = append(background, trimmed)
	}
	if err := sc.Err(); err != nil {
		return nil, errs.WrapInput("test intent", err)
	}
	if in.Title == "" {
		in.Title = strings.TrimSpace(fallbackTitle)
	}
	if len(in.Steps) == 0 {
		return nil, errs.Input("test intent", "no numbered steps found")
	}
	in.Background = strings.Join(background, "\n")
	in.BaseURL = urlPattern.FindString(string(raw))
	return in, nil
}

func params(text string) map[string]string {
	matches := paramPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make(map[string]string, len(matches))
	for _, m := range matches {
		out[m[1]] = strings.Trim(m[2], `"`)
	}
	return out
}

// Summary renders the intent for a generation prompt.
func (t *TestIntent) Summary() string {
	var b strings.Builder
	b.WriteString("Test case: " + t.Title + "\n")
	if t.Background != "" {
		b.WriteString("Background: " + t.Background + "\n")
	}
	if t.BaseURL != "" {
		b.WriteString("Base URL: " + t.BaseURL + "\n")
	}
	b.WriteString("Steps:\n")
	for _, s := range t.Steps {
		b.WriteString(strconv.Itoa(s.Index) + ". " + s.Text + "\n")
		if s.Expected != "" {
			b.WriteString("   expected: " + s.Expected + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
