package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"actionplan/internal/artifact"
	"actionplan/internal/compiler"
	"actionplan/internal/dsl"
	"actionplan/internal/errs"
	"actionplan/internal/expand"
	"actionplan/internal/intent"
	"actionplan/internal/llm"
	"actionplan/internal/placeholder"
	"actionplan/internal/postprocess"
	"actionplan/internal/profile"
	"actionplan/internal/schema"
)

type compileOptions struct {
	Request         string
	Profile         string
	Schema          string
	Dataset         string
	DatasetCategory string
	DatasetName     string
	Attempts        int
	Temperature     float64
	Timeout         time.Duration
	SkipGeneration  bool
	Template        string
	OutputRoot      string
	Store           string
	PlanName        string
	CaseName        string
	OutputStats     bool
	Associations    string
	Provider        string
	Model           string
	Concurrency     int
	RateLimit       float64
	CacheSize       int
}

func addCompileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("request", "", "Path to the test request markdown file")
	f.String("profile", "", "Path to the site profile JSON catalogue")
	f.String("schema", "", "Path to the ActionPlan JSON Schema (default: built-in)")
	f.String("dataset", "", "Path to a JSON dataset for data-driven expansion")
	f.String("dataset-category", "", "Dataset category to expand (default: the only category)")
	f.String("dataset-name", "", "Dataset name recorded in meta.dataSource (default: file stem)")
	f.Int("attempts", 3, "Maximum generation attempts")
	f.Float64("temperature", 0.2, "Generation temperature")
	f.Duration("timeout", 60*time.Second, "Per-attempt generation timeout")
	f.Bool("skip-generation", false, "Expand an existing --template instead of generating one")
	f.String("template", "", "Path to an existing template ActionPlan")
	f.String("output-root", "action_plans", "Root directory (or bucket prefix) for generated plans")
	f.String("store", "file", "Artifact store: file or s3 (s3 reads ARTIFACT_S3_* from the environment)")
	f.String("plan-name", "", "Plan directory name (default: timestamped)")
	f.String("case-name", "case", "File name prefix for expanded cases")
	f.Bool("output-stats", false, "Print an expansion summary")
	f.String("associations", "", "YAML association table for click correction")
	f.String("provider", "gemini", "Generation provider: gemini or openai")
	f.String("model", "", "Provider model id")
	f.Int("concurrency", 4, "Records substituted in parallel")
	f.Float64("rate-limit", 0, "Generation requests per second (0 disables)")
	f.Int("cache-size", 64, "Generation response cache entries (0 disables)")
}

func (a *app) compileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Generate an ActionPlan template and optionally expand it over a dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), a.options())
		},
	}
	addCompileFlags(cmd)
	return cmd
}

func (a *app) expandCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Expand an existing template over a dataset (compile --skip-generation)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := a.options()
			opts.SkipGeneration = true
			return a.run(cmd.Context(), opts)
		},
	}
	addCompileFlags(cmd)
	return cmd
}

func (a *app) options() compileOptions {
	v := a.v
	return compileOptions{
		Request:         v.GetString("request"),
		Profile:         v.GetString("profile"),
		Schema:          v.GetString("schema"),
		Dataset:         v.GetString("dataset"),
		DatasetCategory: v.GetString("dataset-category"),
		DatasetName:     v.GetString("dataset-name"),
		Attempts:        v.GetInt("attempts"),
		Temperature:     v.GetFloat64("temperature"),
		Timeout:         v.GetDuration("timeout"),
		SkipGeneration:  v.GetBool("skip-generation"),
		Template:        v.GetString("template"),
		OutputRoot:      v.GetString("output-root"),
		Store:           v.GetString("store"),
		PlanName:        v.GetString("plan-name"),
		CaseName:        v.GetString("case-name"),
		OutputStats:     v.GetBool("output-stats"),
		Associations:    v.GetString("associations"),
		Provider:        v.GetString("provider"),
		Model:           v.GetString("model"),
		Concurrency:     v.GetInt("concurrency"),
		RateLimit:       v.GetFloat64("rate-limit"),
		CacheSize:       v.GetInt("cache-size"),
	}
}

func (o compileOptions) check() error {
	if o.SkipGeneration {
		if o.Template == "" {
			return errs.Input("arguments", "--template is required with --skip-generation")
		}
		if o.Dataset == "" {
			return errs.Input("arguments", "--dataset is required with --skip-generation")
		}
		return nil
	}
	if o.Request == "" || o.Profile == "" {
		return errs.Input("arguments", "--request and --profile are required")
	}
	if o.Attempts < 1 {
		return errs.Input("arguments", "--attempts must be at least 1")
	}
	return nil
}

func (a *app) run(ctx context.Context, opts compileOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := opts.check(); err != nil {
		return err
	}
	store, location, err := a.openStore(opts)
	if err != nil {
		return err
	}
	runID := artifact.NewRunID(opts.PlanName, time.Now())
	w := artifact.NewWriter(store, runID, opts.CaseName, a.log)

	var template dsl.Document
	if opts.SkipGeneration {
		template, err = loadTemplate(opts.Template)
		if err != nil {
			return err
		}
	} else {
		res, err := a.compile(ctx, opts)
		if err != nil {
			a.reportFailure(ctx, w, location, err)
			return err
		}
		template = res.Document
		if err := w.WriteCompileReport(ctx, res); err != nil {
			return err
		}
	}
	if err := w.WriteTemplate(ctx, template); err != nil {
		return err
	}

	if opts.Dataset != "" {
		ds, err := expand.LoadDatasetFile(opts.Dataset)
		if err != nil {
			return err
		}
		if opts.DatasetName != "" {
			ds.Name = opts.DatasetName
		}
		exp := expand.New(expand.WithConcurrency(opts.Concurrency), expand.WithLogger(a.log))
		res, err := exp.Expand(ctx, template, ds, opts.DatasetCategory)
		if err != nil {
			return err
		}
		if err := w.WriteExpansion(ctx, res); err != nil {
			return err
		}
		if opts.OutputStats {
			printSummary(a, res.Stats)
		}
	}

	fmt.Fprintf(a.out, "ActionPlan %s written to %s/%s\n", template.Meta.TestID, location, w.RunID())
	if u, err := w.URL(ctx, artifact.TemplateFile); err == nil && u != "" {
		fmt.Fprintf(a.out, "template: %s\n", u)
	}
	return nil
}

// reportFailure stores the last candidate, violations and state trace of a
// failed compilation next to where the template would have gone.
func (a *app) reportFailure(ctx context.Context, w *artifact.Writer, location string, err error) {
	var ce *compiler.CompilationError
	if !errors.As(err, &ce) {
		return
	}
	if werr := w.WriteFailureReport(ctx, ce); werr != nil {
		a.log.Warn("failure report not written", zap.String("run_id", w.RunID()), zap.Error(werr))
		return
	}
	fmt.Fprintf(a.out, "compile failure report written to %s/%s/%s\n", location, w.RunID(), artifact.FailureFile)
}

func (a *app) compile(ctx context.Context, opts compileOptions) (*compiler.Result, error) {
	in, err := intent.LoadFile(opts.Request)
	if err != nil {
		return nil, err
	}
	_, idx, err := profile.LoadFile(opts.Profile)
	if err != nil {
		return nil, err
	}
	s := schema.Default()
	if opts.Schema != "" {
		if s, err = schema.LoadFile(opts.Schema); err != nil {
			return nil, err
		}
	}
	correction, err := a.correctionConfig(opts)
	if err != nil {
		return nil, err
	}

	client, err := a.newClient(ctx, opts.Provider, opts.Model)
	if err != nil {
		return nil, err
	}
	gen := llm.Wrap(client,
		llm.WithLogging(a.log),
		llm.WithCache(opts.CacheSize),
		llm.RateLimit(opts.RateLimit, 1),
	)
	defer gen.Close()

	cfg := compiler.Config{
		MaxAttempts: opts.Attempts,
		Temperature: opts.Temperature,
		Timeout:     opts.Timeout,
		Correction:  correction,
	}
	res, err := compiler.New(gen, compiler.WithConfig(cfg), compiler.WithLogger(a.log)).Compile(ctx, in, idx, s)
	if err != nil {
		return nil, err
	}
	a.log.Info("template compiled",
		zap.String("test_id", res.Document.Meta.TestID),
		zap.Int("attempts", res.Attempts),
		zap.Int("corrections", len(res.Corrections)))
	return res, nil
}

// correctionConfig layers the config file's "correction" section and the
// --associations table over the defaults.
func (a *app) correctionConfig(opts compileOptions) (postprocess.Config, error) {
	cfg := postprocess.DefaultConfig()
	if a.v.IsSet("correction") {
		if err := a.v.UnmarshalKey("correction", &cfg); err != nil {
			return cfg, errs.WrapInput("config", err)
		}
	}
	if opts.Associations != "" {
		table, err := postprocess.LoadAssociations(opts.Associations)
		if err != nil {
			return cfg, err
		}
		cfg.Associations = table
	}
	return cfg, nil
}

func (a *app) openStore(opts compileOptions) (artifact.Store, string, error) {
	switch strings.ToLower(opts.Store) {
	case "", "file":
		return artifact.NewFileStore(opts.OutputRoot), opts.OutputRoot, nil
	case "s3":
		cfg, ok := artifact.S3ConfigFromEnv()
		if !ok {
			return nil, "", errs.Input("arguments", "--store s3 needs ARTIFACT_S3_ENDPOINT")
		}
		if cfg.Prefix == "" {
			cfg.Prefix = opts.OutputRoot
		}
		s, err := artifact.NewS3Store(cfg)
		if err != nil {
			return nil, "", err
		}
		return s, "s3://" + strings.TrimRight(cfg.Bucket+"/"+strings.Trim(cfg.Prefix, "/"), "/"), nil
	}
	return nil, "", errs.Input("arguments", "unknown store %q (want file or s3)", opts.Store)
}

func loadTemplate(path string) (dsl.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return dsl.Document{}, errs.WrapInput("template", err)
	}
	doc, err := dsl.Decode(raw)
	if err != nil {
		return dsl.Document{}, errs.WrapInput("template", err)
	}
	return doc, nil
}

func printSummary(a *app, st expand.Stats) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(a.out, line)
	fmt.Fprintln(a.out, "Data-driven expansion summary")
	fmt.Fprintln(a.out, line)
	fmt.Fprintf(a.out, "Total items:     %d\n", st.Total)
	fmt.Fprintf(a.out, "Succeeded:       %d\n", st.Succeeded)
	fmt.Fprintf(a.out, "Failed:          %d\n", st.Failed)
	if len(st.ByErrorKind) == 0 {
		fmt.Fprintln(a.out, "No errors")
	} else {
		kinds := make([]placeholder.ErrorKind, 0, len(st.ByErrorKind))
		for k := range st.ByErrorKind {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		fmt.Fprintln(a.out, "Errors:")
		for _, k := range kinds {
			fmt.Fprintf(a.out, "  %s: %d\n", k, st.ByErrorKind[k])
		}
	}
	fmt.Fprintln(a.out, line)
}
