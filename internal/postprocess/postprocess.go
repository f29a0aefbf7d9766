// Package postprocess applies deterministic correction passes to a generated
// ActionPlan using the site profile.
package postprocess

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"actionplan/internal/dsl"
	"actionplan/internal/profile"
)

// Pass names as they appear in correction records.
const (
	PassSelector = "selector_normalization"
	PassText     = "text_assertion"
	PassClick    = "click_correction"
	PassImage    = "image_assertion"
)

// CorrectionRecord documents one pass decision on one step. Skipped records
// describe a correction the pass declined to apply.
type CorrectionRecord struct {
	StepIndex int      `json:"step_index"`
	Pass      string   `json:"pass"`
	Before    dsl.Step `json:"before"`
	After     dsl.Step `json:"after"`
	Score     *float64 `json:"score,omitempty"`
	Reason    string   `json:"reason"`
	Skipped   bool     `json:"skipped,omitempty"`
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger used for skipped corrections.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// Processor runs the passes against one profile index. It holds no mutable
// state and is safe for concurrent use.
type Processor struct {
	idx *profile.Index
	cfg Config
	log *zap.Logger
}

// New builds a Processor.
func New(idx *profile.Index, cfg Config, opts ...Option) *Processor {
	p := &Processor{idx: idx, cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

type pass struct {
	name string
	run  func(*Processor, *dsl.Document) []CorrectionRecord
}

var passes = []pass{
	{PassSelector, (*Processor).normalizeSelectors},
	{PassText, (*Processor).enhanceTextAssertions},
	{PassClick, (*Processor).correctClicks},
	{PassImage, (*Processor).correctImageAssertions},
}

// Run applies all passes in order to a copy of doc.
func (p *Processor) Run(doc dsl.Document) (dsl.Document, []CorrectionRecord) {
	out := doc.Clone()
	if p == nil || p.idx == nil {
		return out, nil
	}
	var records []CorrectionRecord
	for _, ps := range passes {
		recs := ps.run(p, &out)
		for _, r := range recs {
			if r.Skipped {
				p.log.Warn("correction skipped",
					zap.String("pass", r.Pass),
					zap.Int("step", r.StepIndex),
					zap.String("target", r.Before.Target()),
					zap.String("reason", r.Reason))
			} else {
				p.log.Debug("correction applied",
					zap.String("pass", r.Pass),
					zap.Int("step", r.StepIndex),
					zap.String("before", r.Before.Target()),
					zap.String("after", r.After.Target()))
			}
		}
		records = append(records, recs...)
	}
	return out, records
}

// pageContext returns, for each step, the page it runs on: the page of the
// step's own resolved alias, else the last page seen earlier in the
// sequence. An unmatched goto resets the context.
func (p *Processor) pageContext(doc *dsl.Document) []string {
	pages := make([]string, len(doc.Steps))
	current := ""
	for i, s := range doc.Steps {
		switch s.Action {
		case dsl.ActionGoto:
			current, _ = p.idx.MatchPage(s.URL)
		default:
			if e, ok := p.idx.ResolveSelectorOn(current, s.Selector); ok {
				current = e.PageID
			}
		}
		pages[i] = current
	}
	return pages
}

func score(v float64) *float64 { return &v }

// normalizeSelectors rewrites alias names to canonical selectors and snaps
// near-miss selectors onto the most similar same-page alias. A step whose
// page is unknown is only resolved, never snapped.
func (p *Processor) normalizeSelectors(doc *dsl.Document) []CorrectionRecord {
	var out []CorrectionRecord
	pages := p.pageContext(doc)
	for i := range doc.Steps {
		s := &doc.Steps[i]
		if s.Action == dsl.ActionGoto || strings.TrimSpace(s.Selector) == "" {
			continue
		}
		before := *s
		base, qualifier := profile.SplitTextQualifier(strings.TrimSpace(s.Selector))
		base = strings.TrimSpace(base)

		if e, ok := p.idx.ResolveSelectorOn(pages[i], s.Selector); ok {
			if base == e.Selector {
				continue
			}
			s.Selector = e.Selector + qualifier
			out = append(out, CorrectionRecord{
				StepIndex: i, Pass: PassSelector, Before: before, After: *s,
				Reason: fmt.Sprintf("alias %s resolved to canonical selector", e.Alias),
			})
			continue
		}
		if pages[i] == "" {
			continue
		}

		var (
			best    profile.Entry
			bestSim float64
		)
		candidates := p.idx.PageEntries(pages[i])
		sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].Alias < candidates[b].Alias })
		for _, e := range candidates {
			if sim := profile.Overlap(base, e.Selector); sim > bestSim {
				best, bestSim = e, sim
			}
		}
		if bestSim < p.cfg.SimilarityThreshold || best.Alias == "" {
			continue
		}
		s.Selector = best.Selector + qualifier
		out = append(out, CorrectionRecord{
			StepIndex: i, Pass: PassSelector, Before: before, After: *s, Score: score(bestSim),
			Reason: fmt.Sprintf("selector similar to alias %s", best.Alias),
		})
	}
	return out
}

func (p *Processor) isImage(pageID, selector string) bool {
	if profile.IsImageSelector(selector) {
		return true
	}
	e, ok := p.idx.ResolveSelectorOn(pageID, selector)
	return ok && e.IsImage()
}

// enhanceTextAssertions appends a text qualifier to text assertions on
// non-image targets.
func (p *Processor) enhanceTextAssertions(doc *dsl.Document) []CorrectionRecord {
	var out []CorrectionRecord
	pages := p.pageContext(doc)
	for i := range doc.Steps {
		s := &doc.Steps[i]
		if s.Action != dsl.ActionAssert || !s.Kind.IsText() || s.Value == "" {
			continue
		}
		if profile.HasTextQualifier(s.Selector) || p.isImage(pages[i], s.Selector) {
			continue
		}
		before := *s
		s.Selector = strings.TrimSpace(s.Selector) + profile.TextQualifier(s.Value)
		out = append(out, CorrectionRecord{
			StepIndex: i, Pass: PassText, Before: before, After: *s,
			Reason: "text assertion pinned to its expected text",
		})
	}
	return out
}

var displayRoles = map[string]bool{
	profile.RoleText:    true,
	profile.RoleHeading: true,
	profile.RoleLabel:   true,
}

var actionRoles = []string{profile.RoleButton, profile.RoleLink}

// correctClicks retargets clicks on display elements to the best scoring
// button or link on the same page.
func (p *Processor) correctClicks(doc *dsl.Document) []CorrectionRecord {
	var out []CorrectionRecord
	pages := p.pageContext(doc)
	for i := range doc.Steps {
		s := &doc.Steps[i]
		if s.Action != dsl.ActionClick {
			continue
		}
		target, ok := p.idx.ResolveSelectorOn(pages[i], s.Selector)
		if !ok || !displayRoles[target.Role] {
			continue
		}
		before := *s
		keywords := p.clickContext(doc, i, target)
		candidates := p.idx.FindCandidates(target.PageID, actionRoles, keywords)
		if len(candidates) == 0 {
			out = append(out, CorrectionRecord{
				StepIndex: i, Pass: PassClick, Before: before, After: before, Skipped: true,
				Reason: fmt.Sprintf("click targets %s element %s and page %s has no button or link", target.Role, target.Alias, target.PageID),
			})
			continue
		}
		var (
			best      profile.Entry
			bestScore = -1.0
		)
		for _, c := range candidates {
			if sc := p.clickScore(c, keywords); sc > bestScore {
				best, bestScore = c, sc
			}
		}
		if bestScore < p.cfg.ClickScoreThreshold {
			out = append(out, CorrectionRecord{
				StepIndex: i, Pass: PassClick, Before: before, After: before, Score: score(bestScore), Skipped: true,
				Reason: fmt.Sprintf("best candidate %s scored %.1f below %.1f", best.Alias, bestScore, p.cfg.ClickScoreThreshold),
			})
			continue
		}
		s.Selector = best.Selector
		out = append(out, CorrectionRecord{
			StepIndex: i, Pass: PassClick, Before: before, After: *s, Score: score(bestScore),
			Reason: fmt.Sprintf("click on %s element %s retargeted to %s %s", target.Role, target.Alias, best.Role, best.Alias),
		})
	}
	return out
}

// clickContext collects the words describing what a click is meant to do:
// the target's alias and description, the click's own label, and the most
// recent fill before it.
func (p *Processor) clickContext(doc *dsl.Document, i int, target profile.Entry) []string {
	kw := []string{target.Alias, target.Description}
	if v := doc.Steps[i].Value; v != "" {
		kw = append(kw, v)
	}
	for j := i - 1; j >= 0; j-- {
		prev := doc.Steps[j]
		if prev.Action != dsl.ActionFill {
			continue
		}
		if e, ok := p.idx.ResolveSelectorOn(target.PageID, prev.Selector); ok {
			kw = append(kw, e.Alias, e.Description)
		}
		break
	}
	return kw
}

func (p *Processor) clickScore(c profile.Entry, keywords []string) float64 {
	w := p.cfg.Weights
	text := c.Alias + " " + c.Description
	sc := w.SamePage + w.Keyword*float64(profile.SharedTokens(keywords, text))
	if c.Description != "" && profile.SharedTokens(keywords, c.Description) > 0 {
		sc += w.Descriptive
	}
	ctxText := strings.Join(keywords, " ")
	for _, a := range p.cfg.Associations {
		if profile.SharedTokens(a.Triggers, ctxText) > 0 && profile.SharedTokens(a.Actions, text) > 0 {
			sc += w.Association
			break
		}
	}
	return sc + c.Confidence*w.Confidence
}

// correctImageAssertions turns every assertion on an image into a plain
// visibility check.
func (p *Processor) correctImageAssertions(doc *dsl.Document) []CorrectionRecord {
	var out []CorrectionRecord
	pages := p.pageContext(doc)
	for i := range doc.Steps {
		s := &doc.Steps[i]
		if s.Action != dsl.ActionAssert || !p.isImage(pages[i], s.Selector) {
			continue
		}
		base, _ := profile.SplitTextQualifier(s.Selector)
		after := dsl.AssertVisibleStep(strings.TrimSpace(base))
		if after == *s {
			continue
		}
		before := *s
		*s = after
		out = append(out, CorrectionRecord{
			StepIndex: i, Pass: PassImage, Before: before, After: after,
			Reason: "image assertions check visibility only",
		})
	}
	return out
}
