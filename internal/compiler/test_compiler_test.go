package compiler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionplan/internal/errs"
	"actionplan/internal/intent"
	"actionplan/internal/llmclient"
	"actionplan/internal/postprocess"
	"actionplan/internal/profile"
	"actionplan/internal/schema"
)

const catalogue = `{
  "site": {"name": "demo", "base_url": "https://example.com"},
  "pages": [{
    "page_id": "search",
    "url_pattern": "/search*",
    "aliases": {
      "search.input":  {"selector": "input#kw",      "role": "文本输入框", "description": "搜索输入框", "confidence": 0.9},
      "search.button": {"selector": "button#su",     "role": "按钮",       "description": "搜索按钮",   "confidence": 0.9},
      "result.label":  {"selector": ".result-label", "role": "文本",       "description": "筑波大学",   "confidence": 0.6}
    }
  }]
}`

const validOutput = `{"meta":{"testId":"REQ-SEARCH","baseUrl":"https://example.com"},"steps":[{"t":"goto","url":"/search"},{"t":"fill","selector":"input#kw","value":"筑波大学"},{"t":"click","selector":"button#su"}]}`

func fixtures(t *testing.T) (*intent.TestIntent, *profile.Index, *schema.Schema) {
	t.Helper()
	c, err := profile.DecodeCatalogue([]byte(catalogue))
	require.NoError(t, err)
	idx, err := profile.Load(c)
	require.NoError(t, err)
	in := &intent.TestIntent{
		Title:   "search",
		BaseURL: "https://example.com/",
		Steps:   []intent.Step{{Index: 1, Text: "search for 筑波大学"}},
	}
	return in, idx, schema.Default()
}

func states(res []Transition) []State {
	out := make([]State, len(res))
	for i, tr := range res {
		out[i] = tr.To
	}
	return out
}

func TestCompileValidFirstAttempt(t *testing.T) {
	in, idx, s := fixtures(t)
	fake := llmclient.NewStaticClient("```json\n" + validOutput + "\n```")
	res, err := New(fake).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []State{StateGenerate, StateValidate, StateSuccess}, states(res.Transitions))
	assert.Equal(t, StateStart, res.Transitions[0].From)
	assert.Equal(t, "REQ-SEARCH", res.Document.Meta.TestID)
	assert.Len(t, res.Document.Steps, 3)
	assert.Equal(t, []float64{0.2}, fake.Temperatures())
	assert.Contains(t, fake.Prompts()[0], "search for 筑波大学")
	assert.Contains(t, fake.Prompts()[0], "role=button/按钮")
}

func TestCompileNeverExceedsMaxAttempts(t *testing.T) {
	in, idx, s := fixtures(t)
	for _, n := range []int{1, 2, 5} {
		fake := llmclient.NewStaticClient(`{"meta":{"testId":"x"},"steps":[]}`)
		cfg := DefaultConfig()
		cfg.MaxAttempts = n
		_, err := New(fake, WithConfig(cfg)).Compile(context.Background(), in, idx, s)

		var ce *CompilationError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, n, fake.Calls())
		assert.Equal(t, n, ce.Attempts)
		assert.ErrorIs(t, err, ErrInvalid)
		assert.NotEmpty(t, ce.Violations)
		assert.NotNil(t, ce.LastDocument)
		assert.Contains(t, ce.LastOutput, `"steps":[]`)
	}
}

func TestCompilationErrorListsViolations(t *testing.T) {
	in, idx, s := fixtures(t)
	fake := llmclient.NewStaticClient(`{"meta":{"testId":"x"},"steps":[]}`)
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	_, err := New(fake, WithConfig(cfg)).Compile(context.Background(), in, idx, s)

	var ce *CompilationError
	require.True(t, errors.As(err, &ce))
	lines := strings.Split(err.Error(), "\n")
	require.Len(t, lines, 1+len(ce.Violations))
	assert.Contains(t, lines[0], "compilation failed after 2 attempt(s)")
	assert.Contains(t, err.Error(), "  - $.meta.baseUrl")
	assert.Equal(t,
		[]State{StateGenerate, StateValidate, StateRepair, StateGenerate, StateValidate, StateFailed},
		states(ce.Transitions))
}

func TestCompileRepairsAfterParseFailure(t *testing.T) {
	in, idx, s := fixtures(t)
	fake := llmclient.NewFakeClient(
		llmclient.Reply{Text: "I cannot help with JSON today"},
		llmclient.Reply{Text: validOutput},
	)
	res, err := New(fake).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t,
		[]State{StateGenerate, StateRepair, StateGenerate, StateValidate, StateSuccess},
		states(res.Transitions))
	repair := fake.Prompts()[1]
	assert.Contains(t, repair, "[REPAIR]")
	assert.Contains(t, repair, "I cannot help with JSON today")
	assert.Contains(t, repair, ErrParse.Error())
}

func TestCompileFeedsViolationsIntoRepair(t *testing.T) {
	in, idx, s := fixtures(t)
	fake := llmclient.NewFakeClient(
		llmclient.Reply{Text: `{"meta":{"testId":"A","baseUrl":"b"},"steps":[{"t":"hover","selector":"x"}]}`},
		llmclient.Reply{Text: validOutput},
	)
	_, err := New(fake).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)
	assert.Contains(t, fake.Prompts()[1], "$.steps[0]")
}

func TestCompileUsesJSONRepair(t *testing.T) {
	in, idx, s := fixtures(t)
	broken := strings.Replace(validOutput, `"button#su"}]`, `"button#su"},]`, 1)
	res, err := New(llmclient.NewStaticClient(broken)).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)
	assert.True(t, res.Repaired)
	assert.Equal(t, 1, res.Attempts)
}

func TestCompileTimeoutConsumesAttempt(t *testing.T) {
	in, idx, s := fixtures(t)
	fake := llmclient.NewFakeClient(
		llmclient.Reply{Text: validOutput, Delay: time.Second},
		llmclient.Reply{Text: validOutput},
	)
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	res, err := New(fake, WithConfig(cfg)).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Contains(t, res.Transitions[1].Detail, llmclient.ErrTimeout.Error())
}

func TestCompileExhaustedByProviderErrors(t *testing.T) {
	in, idx, s := fixtures(t)
	fake := llmclient.NewFakeClient(llmclient.Reply{Err: &llmclient.ProviderError{Provider: "x", Status: 500, Err: errors.New("boom")}})
	_, err := New(fake).Compile(context.Background(), in, idx, s)
	var pe *llmclient.ProviderError
	assert.True(t, errors.As(err, &pe))
	var ce *CompilationError
	require.True(t, errors.As(err, &ce))
	assert.Nil(t, ce.LastDocument)
	assert.Equal(t, 3, fake.Calls())

	empty := llmclient.NewStaticClient("   ")
	_, err = New(empty).Compile(context.Background(), in, idx, s)
	assert.ErrorIs(t, err, llmclient.ErrEmptyResponse)
}

func TestCompileStopsOnCancelledContext(t *testing.T) {
	in, idx, s := fixtures(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := llmclient.NewStaticClient(validOutput)
	_, err := New(fake).Compile(ctx, in, idx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fake.Calls())
}

func TestCompileInputErrors(t *testing.T) {
	in, idx, s := fixtures(t)
	fake := llmclient.NewStaticClient(validOutput)
	zero := DefaultConfig()
	zero.MaxAttempts = 0

	cases := map[string]func() error{
		"nil index":  func() error { _, err := New(fake).Compile(context.Background(), in, nil, s); return err },
		"nil schema": func() error { _, err := New(fake).Compile(context.Background(), in, idx, nil); return err },
		"nil intent": func() error { _, err := New(fake).Compile(context.Background(), nil, idx, s); return err },
		"no client":  func() error { _, err := New(nil).Compile(context.Background(), in, idx, s); return err },
		"attempts":   func() error { _, err := New(fake, WithConfig(zero)).Compile(context.Background(), in, idx, s); return err },
	}
	for name, call := range cases {
		t.Run(name, func(t *testing.T) {
			var ie *errs.InputError
			assert.True(t, errors.As(call(), &ie))
		})
	}
	assert.Zero(t, fake.Calls())
}

func TestCompileFillsMetadata(t *testing.T) {
	in, idx, s := fixtures(t)
	out := strings.Replace(validOutput, `"baseUrl":"https://example.com"`, `"baseUrl":"https://other.example/"`, 1)
	res, err := New(llmclient.NewStaticClient(out)).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.Document.Meta.BaseURL)
}

func TestCompileFallsBackToSiteBaseURL(t *testing.T) {
	in, idx, s := fixtures(t)
	in.BaseURL = ""
	out := strings.Replace(validOutput, `"baseUrl":"https://example.com"`, `"baseUrl":"https://other.example/"`, 1)
	fake := llmclient.NewStaticClient(out)
	res, err := New(fake).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", res.Document.Meta.BaseURL)
	assert.Contains(t, fake.Prompts()[0], "Base URL: https://example.com")
	assert.Empty(t, in.BaseURL, "caller's intent untouched")
}

func TestDeriveTestID(t *testing.T) {
	assert.Equal(t, "REQ-SEARCH-FLOW-2", DeriveTestID("Search flow #2!"))
	id := DeriveTestID("搜索大学")
	assert.Regexp(t, `^REQ-[0-9A-F]{8}$`, id)
	assert.Equal(t, id, DeriveTestID("搜索大学"))
}

// A generator that clicks the result label instead of the search button is
// corrected onto search.button.
func TestCompileCorrectsClickOnLabel(t *testing.T) {
	in, idx, s := fixtures(t)
	out := `{"meta":{"testId":"REQ-TSUKUBA","baseUrl":"https://example.com"},"steps":[
	  {"t":"goto","url":"/search"},
	  {"t":"fill","selector":"search.input","value":"筑波大学"},
	  {"t":"click","selector":".result-label:has-text(\"筑波大学\")"},
	  {"t":"assert","selector":".result-label","kind":"text_contains","value":"筑波大学"}
	]}`
	res, err := New(llmclient.NewStaticClient(out)).Compile(context.Background(), in, idx, s)
	require.NoError(t, err)

	steps := res.Document.Steps
	assert.Equal(t, "input#kw", steps[1].Selector)
	assert.Equal(t, "button#su", steps[2].Selector)
	assert.Equal(t, `.result-label:has-text("筑波大学")`, steps[3].Selector)

	var click *postprocess.CorrectionRecord
	for i := range res.Corrections {
		if res.Corrections[i].Pass == postprocess.PassClick {
			click = &res.Corrections[i]
		}
	}
	require.NotNil(t, click)
	assert.False(t, click.Skipped)
	require.NotNil(t, click.Score)
	assert.GreaterOrEqual(t, *click.Score, 80.0)
}
