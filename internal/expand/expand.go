// Package expand instantiates a template ActionPlan once per dataset record.
package expand

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"actionplan/internal/dsl"
	"actionplan/internal/placeholder"
)

// Stats summarises one expansion. ByErrorKind counts affected items per
// kind, so a record that breaks the same field twice is counted once.
type Stats struct {
	Total       int                           `json:"total_items"`
	Succeeded   int                           `json:"successful_items"`
	Failed      int                           `json:"failed_items"`
	ByErrorKind map[placeholder.ErrorKind]int `json:"error_summary"`
	Timestamp   time.Time                     `json:"timestamp"`
}

// Case is one emitted instance and the dataset index it came from.
type Case struct {
	Index    int
	Document dsl.Document
}

// Result holds emitted cases in dataset order.
type Result struct {
	Cases  []Case
	Stats  Stats
	Errors []placeholder.Error
}

// Documents returns the emitted documents in dataset order.
func (r *Result) Documents() []dsl.Document {
	out := make([]dsl.Document, len(r.Cases))
	for i, c := range r.Cases {
		out[i] = c.Document
	}
	return out
}

// Option configures an Expander.
type Option func(*Expander)

// WithConcurrency bounds the number of records substituted at once.
func WithConcurrency(n int) Option {
	return func(e *Expander) {
		if n > 0 {
			e.workers = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Expander) {
		if l != nil {
			e.log = l
		}
	}
}

// Expander runs substitutions over a dataset category.
type Expander struct {
	workers int
	log     *zap.Logger
	now     func() time.Time
}

func New(opts ...Option) *Expander {
	e := &Expander{workers: 1, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

type slot struct {
	doc  *dsl.Document
	errs []placeholder.Error
}

// Expand substitutes every record of category into template. A record with a
// blocking error is skipped; the batch always runs to the end unless ctx is
// cancelled. The template is never modified.
func (e *Expander) Expand(ctx context.Context, template dsl.Document, ds *Dataset, category string) (*Result, error) {
	records, err := ds.Records(category)
	if err != nil {
		return nil, err
	}
	slots := make([]slot, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = e.instantiate(template, records[i], i, ds.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Stats: Stats{Total: len(records), ByErrorKind: map[placeholder.ErrorKind]int{}}}
	for i, s := range slots {
		kinds := map[placeholder.ErrorKind]bool{}
		for _, pe := range s.errs {
			kinds[pe.Kind] = true
		}
		for k := range kinds {
			res.Stats.ByErrorKind[k]++
		}
		res.Errors = append(res.Errors, s.errs...)
		if s.doc == nil {
			res.Stats.Failed++
			continue
		}
		res.Stats.Succeeded++
		res.Cases = append(res.Cases, Case{Index: i, Document: *s.doc})
	}
	res.Stats.Timestamp = e.now().UTC()
	e.log.Info("expansion finished",
		zap.String("dataset", ds.Name),
		zap.String("category", category),
		zap.Int("total", res.Stats.Total),
		zap.Int("succeeded", res.Stats.Succeeded),
		zap.Int("failed", res.Stats.Failed))
	return res, nil
}

func (e *Expander) instantiate(template dsl.Document, rec placeholder.Record, index int, dataset string) slot {
	doc, perrs := placeholder.Substitute(template, rec, index)
	for _, pe := range perrs {
		if pe.Kind.Blocking() {
			e.log.Debug("dataset item skipped", zap.Int("index", index), zap.String("kind", string(pe.Kind)), zap.String("placeholder", pe.Placeholder))
			return slot{errs: perrs}
		}
	}
	base := doc.Meta.TestID
	if base == "" {
		base = "CASE"
	}
	doc.Meta.TestID = fmt.Sprintf("%s_%03d", base, index+1)
	doc.Meta.DataSource = fmt.Sprintf("%s#%d", dataset, index)
	return slot{doc: &doc, errs: perrs}
}

// ReportEntry is one error line of errors.json.
type ReportEntry struct {
	Placeholder string `json:"placeholder"`
	Field       string `json:"field_name"`
	ItemIndex   int    `json:"data_index"`
	Path        string `json:"path,omitempty"`
	Message     string `json:"message"`
}

// Report is the errors.json document.
type Report struct {
	TotalErrors int                                     `json:"total_errors"`
	ByType      map[placeholder.ErrorKind][]ReportEntry `json:"by_type"`
	Summary     map[placeholder.ErrorKind]int           `json:"summary"`
}

// ErrorReport groups errors by kind, each group ordered by item index.
func ErrorReport(list []placeholder.Error) Report {
	r := Report{
		TotalErrors: len(list),
		ByType:      map[placeholder.ErrorKind][]ReportEntry{},
		Summary:     map[placeholder.ErrorKind]int{},
	}
	for _, e := range list {
		r.ByType[e.Kind] = append(r.ByType[e.Kind], ReportEntry{
			Placeholder: e.Placeholder,
			Field:       e.Field,
			ItemIndex:   e.ItemIndex,
			Path:        e.Path,
			Message:     e.Message,
		})
		r.Summary[e.Kind]++
	}
	for k := range r.ByType {
		entries := r.ByType[k]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].ItemIndex < entries[j].ItemIndex })
	}
	return r
}
