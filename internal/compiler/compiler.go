// Package compiler turns a TestIntent into a validated, corrected ActionPlan
// with a bounded generate/validate/repair loop.
package compiler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"actionplan/internal/dsl"
	"actionplan/internal/errs"
	"actionplan/internal/intent"
	"actionplan/internal/llm"
	"actionplan/internal/llmclient"
	"actionplan/internal/postprocess"
	"actionplan/internal/profile"
	"actionplan/internal/prompt"
	"actionplan/internal/schema"
	"actionplan/internal/util/jsonutil"
)

// State is a node of the compile state machine.
type State string

const (
	StateStart    State = "START"
	StateGenerate State = "GENERATE"
	StateValidate State = "VALIDATE"
	StateRepair   State = "REPAIR"
	StateSuccess  State = "SUCCESS"
	StateFailed   State = "FAILED"
)

// Transition records one state change.
type Transition struct {
	Attempt int    `json:"attempt"`
	From    State  `json:"from"`
	To      State  `json:"to"`
	Detail  string `json:"detail,omitempty"`
}

// Config bounds the loop. Every value is explicit; nothing is read from
// package state.
type Config struct {
	MaxAttempts int
	Temperature float64
	Timeout     time.Duration
	Correction  postprocess.Config
}

// DefaultConfig matches the CLI defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Temperature: 0.2,
		Timeout:     60 * time.Second,
		Correction:  postprocess.DefaultConfig(),
	}
}

// Result is a successful compilation.
type Result struct {
	Document    dsl.Document                   `json:"document"`
	Corrections []postprocess.CorrectionRecord `json:"corrections,omitempty"`
	Attempts    int                            `json:"attempts"`
	Repaired    bool                           `json:"repaired,omitempty"`
	Transitions []Transition                   `json:"transitions"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithConfig(cfg Config) Option { return func(p *Pipeline) { p.cfg = cfg } }

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline drives one generation client. It keeps no per-call state.
type Pipeline struct {
	gen llmclient.Client
	cfg Config
	log *zap.Logger
}

// New builds a Pipeline around gen.
func New(gen llmclient.Client, opts ...Option) *Pipeline {
	p := &Pipeline{gen: gen, cfg: DefaultConfig(), log: zap.NewNop()}
	for _, o := range opts {
		o(p)
	}
	return p
}

type run struct {
	transitions []Transition
	attempt     int
	state       State
}

func (r *run) move(to State, detail string) {
	r.transitions = append(r.transitions, Transition{Attempt: r.attempt, From: r.state, To: to, Detail: detail})
	r.state = to
}

// Compile runs the loop. Input problems return *errs.InputError before any
// generation call; exhausting the attempt budget returns *CompilationError.
func (p *Pipeline) Compile(ctx context.Context, in *intent.TestIntent, idx *profile.Index, s *schema.Schema) (*Result, error) {
	switch {
	case p.gen == nil:
		return nil, errs.Input("pipeline", "no generation client configured")
	case in == nil:
		return nil, errs.Input("test intent", "test intent is nil")
	case idx == nil:
		return nil, errs.Input("catalogue", "profile index is nil")
	case s == nil:
		return nil, errs.Input("schema", "schema is nil")
	case p.cfg.MaxAttempts < 1:
		return nil, errs.Input("config", "max attempts must be at least 1, got %d", p.cfg.MaxAttempts)
	}
	if in.BaseURL == "" && idx.Site().BaseURL != "" {
		cp := *in
		cp.BaseURL = idx.Site().BaseURL
		in = &cp
	}
	initial, err := prompt.BuildInitial(in, idx.Summary(), s.Raw())
	if err != nil {
		return nil, errs.WrapInput("prompt", err)
	}

	r := &run{state: StateStart}
	var (
		lastOutput  string
		prevOutput  string
		lastDoc     any
		violations  []schema.Violation
		diagnostics []string
		cause       error
	)
	for r.attempt = 1; r.attempt <= p.cfg.MaxAttempts; r.attempt++ {
		final := r.attempt == p.cfg.MaxAttempts
		fail := func(err error, diags []string) {
			cause, diagnostics = err, diags
			if final {
				r.move(StateFailed, err.Error())
			} else {
				r.move(StateRepair, err.Error())
			}
			p.log.Warn("compile attempt failed",
				zap.Int("attempt", r.attempt),
				zap.Int("max_attempts", p.cfg.MaxAttempts),
				zap.Error(err))
		}

		text := initial
		if r.attempt > 1 {
			text = initial + "\n" + prompt.BuildRepair(prevOutput, diagnostics)
		}
		r.move(StateGenerate, "")
		out, err := p.generate(ctx, r.attempt, text)
		prevOutput = out
		if strings.TrimSpace(out) != "" {
			lastOutput = out
		}
		if err != nil {
			if ctx.Err() != nil {
				r.move(StateFailed, ctx.Err().Error())
				return nil, &CompilationError{Attempts: r.attempt, LastOutput: lastOutput, LastDocument: lastDoc, Violations: violations, Transitions: r.transitions, Cause: ctx.Err()}
			}
			fail(err, []string{"generation failed: " + err.Error()})
			continue
		}

		doc, repaired, err := decode(out)
		if err != nil {
			fail(err, []string{err.Error()})
			continue
		}
		lastDoc = doc
		r.move(StateValidate, "")

		res := schema.Validate(doc, s)
		if !res.Valid() {
			violations = res.Violations
			fail(fmt.Errorf("%w: %d violation(s)", ErrInvalid, len(res.Violations)), res.Messages())
			continue
		}
		violations = nil

		plan, err := finalize(doc, in)
		if err != nil {
			fail(fmt.Errorf("%w: %v", ErrInvalid, err), []string{err.Error()})
			continue
		}
		r.move(StateSuccess, "")
		fixed, records := postprocess.New(idx, p.cfg.Correction, postprocess.WithLogger(p.log)).Run(plan)
		p.log.Info("compile succeeded",
			zap.String("test_id", fixed.Meta.TestID),
			zap.Int("attempts", r.attempt),
			zap.Int("steps", len(fixed.Steps)),
			zap.Int("corrections", len(records)))
		return &Result{
			Document:    fixed,
			Corrections: records,
			Attempts:    r.attempt,
			Repaired:    repaired,
			Transitions: r.transitions,
		}, nil
	}
	return nil, &CompilationError{
		Attempts:     p.cfg.MaxAttempts,
		LastOutput:   lastOutput,
		LastDocument: lastDoc,
		Violations:   violations,
		Transitions:  r.transitions,
		Cause:        cause,
	}
}

// generate makes exactly one bounded call.
func (p *Pipeline) generate(ctx context.Context, attempt int, text string) (string, error) {
	ctx = llm.WithPhase(ctx, fmt.Sprintf("generate#%d", attempt))
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	out, err := p.gen.Generate(ctx, text, p.cfg.Temperature)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, llmclient.ErrTimeout) {
			err = fmt.Errorf("%w: %v", llmclient.ErrTimeout, err)
		}
		return out, err
	}
	if strings.TrimSpace(out) == "" {
		return out, llmclient.ErrEmptyResponse
	}
	return out, nil
}

func decode(out string) (any, bool, error) {
	raw, err := jsonutil.ExtractObject(out)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	var doc any
	repaired, err := jsonutil.DecodeLenient(raw, &doc)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return doc, repaired, nil
}

// finalize fills metadata the generator may leave out and decodes the
// validated JSON into a typed document.
func finalize(doc any, in *intent.TestIntent) (dsl.Document, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return dsl.Document{}, fmt.Errorf("document is not an object")
	}
	meta, _ := obj["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	if id, _ := meta["testId"].(string); strings.TrimSpace(id) == "" {
		meta["testId"] = DeriveTestID(in.Title)
	}
	if in.BaseURL != "" {
		meta["baseUrl"] = strings.TrimRight(in.BaseURL, "/")
	} else if u, ok := meta["baseUrl"].(string); ok {
		meta["baseUrl"] = strings.TrimRight(u, "/")
	}
	obj["meta"] = meta
	raw, err := json.Marshal(obj)
	if err != nil {
		return dsl.Document{}, err
	}
	return dsl.Decode(raw)
}

var nonSlug = regexp.MustCompile(`[^A-Za-z0-9]+`)

// DeriveTestID builds REQ-<SLUG> from the ASCII words of title, or
// REQ-<first 8 hex of md5(title)> when the title has none.
func DeriveTestID(title string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(title, "-"), "-")
	if slug != "" {
		return "REQ-" + strings.ToUpper(slug)
	}
	sum := md5.Sum([]byte(title))
	return "REQ-" + strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}
