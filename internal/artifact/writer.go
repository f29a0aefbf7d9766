package artifact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionplan/internal/compiler"
	"actionplan/internal/dsl"
	"actionplan/internal/expand"
	"actionplan/internal/schema"
	"actionplan/internal/util/jsonutil"
)

const (
	TemplateFile = "action_plan_template.json"
	StatsFile    = "stats.json"
	ErrorsFile   = "errors.json"
	ReportFile   = "compile_report.json"
	FailureFile  = "compile_failure.json"
	CasesDir     = "cases"
)

// NewRunID returns planName when set, otherwise a timestamped unique name.
func NewRunID(planName string, now time.Time) string {
	if s := strings.TrimSpace(planName); s != "" {
		return s
	}
	return fmt.Sprintf("%s_%s_plan", now.UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}

// CompileReport records how the template was produced.
type CompileReport struct {
	Attempts    int                   `json:"attempts"`
	Repaired    bool                  `json:"repaired,omitempty"`
	Transitions []compiler.Transition `json:"transitions"`
	Corrections any                   `json:"corrections,omitempty"`
}

// Writer lays out one run's outputs in a Store.
type Writer struct {
	store    Store
	runID    string
	caseName string
	log      *zap.Logger
}

func NewWriter(store Store, runID, caseName string, log *zap.Logger) *Writer {
	if strings.TrimSpace(caseName) == "" {
		caseName = "case"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{store: store, runID: runID, caseName: caseName, log: log}
}

func (w *Writer) RunID() string { return w.runID }

// Written lists the paths stored for this run.
func (w *Writer) Written(ctx context.Context) ([]string, error) {
	return w.store.List(ctx, w.runID)
}

func (w *Writer) put(ctx context.Context, path string, v any) error {
	raw, err := jsonutil.MarshalNoEscapeIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.store.Put(ctx, w.runID, path, raw); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteTemplate stores the compiled template plan.
func (w *Writer) WriteTemplate(ctx context.Context, doc dsl.Document) error {
	return w.put(ctx, TemplateFile, doc)
}

// WriteCompileReport stores the state machine trace and corrections.
func (w *Writer) WriteCompileReport(ctx context.Context, res *compiler.Result) error {
	if res == nil {
		return nil
	}
	rep := CompileReport{Attempts: res.Attempts, Repaired: res.Repaired, Transitions: res.Transitions}
	if len(res.Corrections) > 0 {
		rep.Corrections = res.Corrections
	}
	return w.put(ctx, ReportFile, rep)
}

// FailureReport is the compile_failure.json document.
type FailureReport struct {
	Attempts     int                   `json:"attempts"`
	Error        string                `json:"error"`
	Violations   []schema.Violation    `json:"violations,omitempty"`
	LastOutput   string                `json:"last_output,omitempty"`
	LastDocument any                   `json:"last_document,omitempty"`
	Transitions  []compiler.Transition `json:"transitions"`
}

// WriteFailureReport stores what the generator last produced when every
// attempt failed.
func (w *Writer) WriteFailureReport(ctx context.Context, ce *compiler.CompilationError) error {
	if ce == nil {
		return nil
	}
	rep := FailureReport{
		Attempts:     ce.Attempts,
		Violations:   ce.Violations,
		LastOutput:   ce.LastOutput,
		LastDocument: ce.LastDocument,
		Transitions:  ce.Transitions,
	}
	if ce.Cause != nil {
		rep.Error = ce.Cause.Error()
	}
	return w.put(ctx, FailureFile, rep)
}

// URL returns where path of this run can be fetched from.
func (w *Writer) URL(ctx context.Context, path string) (string, error) {
	return w.store.GetURL(ctx, w.runID, path)
}

// WriteExpansion stores every case, stats.json, and errors.json when any
// error was recorded.
func (w *Writer) WriteExpansion(ctx context.Context, res *expand.Result) error {
	for _, c := range res.Cases {
		path := fmt.Sprintf("%s/%s_%03d.json", CasesDir, w.caseName, c.Index+1)
		if err := w.put(ctx, path, c.Document); err != nil {
			return err
		}
	}
	if err := w.put(ctx, StatsFile, res.Stats); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		if err := w.put(ctx, ErrorsFile, expand.ErrorReport(res.Errors)); err != nil {
			return err
		}
		w.log.Warn("error report written", zap.String("run_id", w.runID), zap.Int("errors", len(res.Errors)))
	}
	w.log.Info("cases written", zap.String("run_id", w.runID), zap.Int("cases", len(res.Cases)))
	return nil
}
