package artifact

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionplan/internal/compiler"
	"actionplan/internal/dsl"
	"actionplan/internal/expand"
	"actionplan/internal/placeholder"
)

func sampleDoc(id string) dsl.Document {
	return dsl.Document{
		Meta:  dsl.Meta{TestID: id, BaseURL: "https://example.com"},
		Steps: []dsl.Step{dsl.Goto("/"), dsl.Fill("input#kw", "筑波大学")},
	}
}

func TestNewRunID(t *testing.T) {
	assert.Equal(t, "nightly", NewRunID("  nightly ", time.Now()))

	at := time.Date(2026, 10, 15, 8, 30, 0, 0, time.UTC)
	id := NewRunID("", at)
	assert.True(t, strings.HasPrefix(id, "20261015T083000Z_"), id)
	assert.True(t, strings.HasSuffix(id, "_plan"), id)
	assert.NotEqual(t, id, NewRunID("", at))
}

func TestWriterLaysOutRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWriter(store, "run", "", nil)

	require.NoError(t, w.WriteTemplate(ctx, sampleDoc("REQ-1")))
	require.NoError(t, w.WriteCompileReport(ctx, &compiler.Result{
		Attempts:    1,
		Transitions: []compiler.Transition{{Attempt: 1, From: compiler.StateStart, To: compiler.StateGenerate}},
	}))
	res := &expand.Result{
		Cases: []expand.Case{
			{Index: 0, Document: sampleDoc("REQ-1_001")},
			{Index: 2, Document: sampleDoc("REQ-1_003")},
		},
		Stats: expand.Stats{Total: 3, Succeeded: 2, Failed: 1, ByErrorKind: map[placeholder.ErrorKind]int{placeholder.MissingField: 1}},
		Errors: []placeholder.Error{
			{Kind: placeholder.MissingField, Placeholder: "s_name", Field: "name", ItemIndex: 1, Message: "missing"},
		},
	}
	require.NoError(t, w.WriteExpansion(ctx, res))

	list, err := w.Written(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		TemplateFile,
		"cases/case_001.json",
		"cases/case_003.json",
		ReportFile,
		ErrorsFile,
		StatsFile,
	}, list)

	raw, err := store.Get(ctx, "run", "cases/case_001.json")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "筑波大学", "non-ASCII text is written unescaped")
	assert.Contains(t, string(raw), "\n  \"meta\"")

	doc, err := dsl.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "REQ-1_001", doc.Meta.TestID)

	statsRaw, err := store.Get(ctx, "run", StatsFile)
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(statsRaw, &stats))
	assert.EqualValues(t, 3, stats["total_items"])
	assert.EqualValues(t, 1, stats["error_summary"].(map[string]any)["missing_field"])

	errRaw, err := store.Get(ctx, "run", ErrorsFile)
	require.NoError(t, err)
	var report expand.Report
	require.NoError(t, json.Unmarshal(errRaw, &report))
	assert.Equal(t, 1, report.TotalErrors)
	require.Len(t, report.ByType[placeholder.MissingField], 1)
	assert.Equal(t, 1, report.ByType[placeholder.MissingField][0].ItemIndex)
}

func TestWriterSkipsErrorsFileWhenClean(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWriter(store, "clean", "login", nil)
	require.NoError(t, w.WriteExpansion(ctx, &expand.Result{
		Cases: []expand.Case{{Index: 0, Document: sampleDoc("A_001")}},
		Stats: expand.Stats{Total: 1, Succeeded: 1},
	}))
	require.NoError(t, w.WriteCompileReport(ctx, nil))

	list, err := w.Written(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cases/login_001.json", StatsFile}, list)
}
