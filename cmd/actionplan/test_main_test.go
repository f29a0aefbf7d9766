package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"actionplan/internal/artifact"
	"actionplan/internal/compiler"
	"actionplan/internal/dsl"
	"actionplan/internal/errs"
	"actionplan/internal/llmclient"
)

const request = `# Search school

Search the site https://example.com for a school.

1. open the search page
2. type name=s_name into the search box
3. click search
   expected: results are listed
`

const catalogue = `{
  "site": {"name": "demo", "base_url": "https://example.com"},
  "pages": [{
    "page_id": "search",
    "url_pattern": "/search*",
    "aliases": {
      "search.input":  {"selector": "input#kw",  "role": "文本输入框", "description": "搜索输入框", "confidence": 0.9},
      "search.button": {"selector": "button#su", "role": "按钮",       "description": "搜索按钮",   "confidence": 0.9}
    }
  }]
}`

const generated = `{"meta":{"testId":"REQ-SEARCH","baseUrl":"https://example.com"},"steps":[{"t":"goto","url":"/search"},{"t":"fill","selector":"input#kw","value":"s_name"},{"t":"click","selector":"button#su"}]}`

const dataset = `{"schools": [{"name": "筑波大学"}, {"city": "Tsukuba"}]}`

type fixture struct {
	dir     string
	out     string
	request string
	profile string
	dataset string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{
		dir:     dir,
		out:     filepath.Join(dir, "plans"),
		request: filepath.Join(dir, "search.md"),
		profile: filepath.Join(dir, "profile.json"),
		dataset: filepath.Join(dir, "schools.json"),
	}
	require.NoError(t, os.WriteFile(f.request, []byte(request), 0o644))
	require.NoError(t, os.WriteFile(f.profile, []byte(catalogue), 0o644))
	require.NoError(t, os.WriteFile(f.dataset, []byte(dataset), 0o644))
	return f
}

func execute(t *testing.T, fake llmclient.Client, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := newApp(&out, func(context.Context, string, string) (llmclient.Client, error) {
		return fake, nil
	})
	a.log = zap.NewNop()
	root := a.rootCommand()
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestCompileWithDatasetWritesRun(t *testing.T) {
	f := newFixture(t)
	fake := llmclient.NewStaticClient(generated)

	stdout, err := execute(t, fake, "compile",
		"--request", f.request,
		"--profile", f.profile,
		"--dataset", f.dataset,
		"--output-root", f.out,
		"--plan-name", "nightly",
		"--output-stats",
	)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls())
	assert.Contains(t, stdout, "ActionPlan REQ-SEARCH written to")
	assert.Contains(t, stdout, "template: file://")
	assert.Contains(t, stdout, "Total items:     2")
	assert.Contains(t, stdout, "missing_field: 1")

	run := filepath.Join(f.out, "nightly")
	var tpl dsl.Document
	readJSON(t, filepath.Join(run, "action_plan_template.json"), &tpl)
	assert.Equal(t, "REQ-SEARCH", tpl.Meta.TestID)
	assert.Equal(t, "s_name", tpl.Steps[1].Value, "template keeps its placeholders")

	var first dsl.Document
	readJSON(t, filepath.Join(run, "cases", "case_001.json"), &first)
	assert.Equal(t, "REQ-SEARCH_001", first.Meta.TestID)
	assert.Equal(t, "schools#0", first.Meta.DataSource)
	assert.Equal(t, "筑波大学", first.Steps[1].Value)
	assert.NoFileExists(t, filepath.Join(run, "cases", "case_002.json"))

	var stats map[string]any
	readJSON(t, filepath.Join(run, "stats.json"), &stats)
	assert.EqualValues(t, 1, stats["successful_items"])
	assert.EqualValues(t, 1, stats["failed_items"])
	assert.FileExists(t, filepath.Join(run, "errors.json"))

	var report struct {
		Attempts    int                   `json:"attempts"`
		Transitions []compiler.Transition `json:"transitions"`
	}
	readJSON(t, filepath.Join(run, "compile_report.json"), &report)
	assert.Equal(t, 1, report.Attempts)
	assert.NotEmpty(t, report.Transitions)
}

func TestExpandCommandSkipsGeneration(t *testing.T) {
	f := newFixture(t)
	tplPath := filepath.Join(f.dir, "template.json")
	require.NoError(t, os.WriteFile(tplPath, []byte(generated), 0o644))
	fake := llmclient.NewStaticClient("unused")

	_, err := execute(t, fake, "expand",
		"--template", tplPath,
		"--dataset", f.dataset,
		"--dataset-name", "unis",
		"--case-name", "school",
		"--output-root", f.out,
		"--plan-name", "offline",
	)
	require.NoError(t, err)
	assert.Equal(t, 0, fake.Calls())

	var first dsl.Document
	readJSON(t, filepath.Join(f.out, "offline", "cases", "school_001.json"), &first)
	assert.Equal(t, "unis#0", first.Meta.DataSource)
	assert.NoFileExists(t, filepath.Join(f.out, "offline", "compile_report.json"))
}

func TestCompileFailureReturnsCompilationError(t *testing.T) {
	f := newFixture(t)
	fake := llmclient.NewStaticClient(`{"meta":{"testId":"x"},"steps":[]}`)

	stdout, err := execute(t, fake, "compile",
		"--request", f.request,
		"--profile", f.profile,
		"--attempts", "2",
		"--output-root", f.out,
		"--plan-name", "broken",
	)
	var ce *compiler.CompilationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 2, ce.Attempts)
	assert.Equal(t, 2, fake.Calls())
	assert.Contains(t, err.Error(), "$.meta.baseUrl")
	assert.Contains(t, err.Error(), "$.steps")
	assert.Contains(t, stdout, "compile failure report written to")

	var report artifact.FailureReport
	readJSON(t, filepath.Join(f.out, "broken", artifact.FailureFile), &report)
	assert.Equal(t, 2, report.Attempts)
	assert.NotEmpty(t, report.Violations)
	assert.Contains(t, report.LastOutput, `"steps":[]`)
	assert.NotNil(t, report.LastDocument)
	require.NotEmpty(t, report.Transitions)
	assert.Equal(t, compiler.StateFailed, report.Transitions[len(report.Transitions)-1].To)
	assert.NoFileExists(t, filepath.Join(f.out, "broken", artifact.TemplateFile))
}

func TestEveryAttemptReachesProviderDespiteCache(t *testing.T) {
	f := newFixture(t)
	fake := llmclient.NewStaticClient(`{"meta":{"testId":"x"},"steps":[]}`)

	_, err := execute(t, fake, "compile",
		"--request", f.request,
		"--profile", f.profile,
		"--attempts", "3",
		"--cache-size", "64",
		"--output-root", f.out,
	)
	var ce *compiler.CompilationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, fake.Calls())
}

func TestArgumentErrorsAreInputErrors(t *testing.T) {
	f := newFixture(t)
	cases := map[string][]string{
		"missing request":      {"compile", "--profile", f.profile},
		"expand needs dataset": {"expand", "--template", f.request},
		"zero attempts":        {"compile", "--request", f.request, "--profile", f.profile, "--attempts", "0"},
		"unknown store":        {"compile", "--request", f.request, "--profile", f.profile, "--store", "ftp"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := execute(t, llmclient.NewStaticClient(generated), args...)
			var ie *errs.InputError
			assert.True(t, errors.As(err, &ie), "got %v", err)
		})
	}
}

func TestConfigFileOverridesCorrection(t *testing.T) {
	f := newFixture(t)
	cfgPath := filepath.Join(f.dir, "actionplan.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("correction:\n  click_score_threshold: 10\n  similarity_threshold: 0.5\n"), 0o644))

	a := newApp(&bytes.Buffer{}, nil)
	a.log = zap.NewNop()
	a.v.SetConfigFile(cfgPath)
	require.NoError(t, a.v.ReadInConfig())

	cfg, err := a.correctionConfig(compileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10.0, cfg.ClickScoreThreshold)
	assert.Equal(t, 0.5, cfg.SimilarityThreshold)
	assert.NotEmpty(t, cfg.Associations)
}

func TestProviderClientRejectsUnknown(t *testing.T) {
	_, err := providerClient(context.Background(), "mystery", "")
	var ie *errs.InputError
	assert.True(t, errors.As(err, &ie))
}
