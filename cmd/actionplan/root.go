package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"actionplan/internal/errs"
	"actionplan/internal/llmclient"
)

// clientFactory builds the provider client named by --provider.
type clientFactory func(ctx context.Context, provider, model string) (llmclient.Client, error)

type app struct {
	out       io.Writer
	v         *viper.Viper
	log       *zap.Logger
	newClient clientFactory
}

func newRootCommand(out io.Writer) *cobra.Command {
	return newApp(out, providerClient).rootCommand()
}

func newApp(out io.Writer, factory clientFactory) *app {
	v := viper.New()
	v.SetEnvPrefix("ACTIONPLAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return &app{out: out, v: v, newClient: factory}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "actionplan",
		Short:         "Compile test intents into ActionPlan DSL documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if err := a.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if path := a.v.GetString("config"); path != "" {
				a.v.SetConfigFile(path)
				if err := a.v.ReadInConfig(); err != nil {
					return errs.WrapInput("config", err)
				}
			}
			if a.log != nil {
				return nil
			}
			config := zap.NewProductionConfig()
			if a.v.GetBool("verbose") {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.log = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().String("config", "", "Config file (yaml/json/toml); keys mirror flag names")
	root.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	root.AddCommand(a.compileCommand())
	root.AddCommand(a.expandCommand())
	return root
}

func providerClient(ctx context.Context, provider, model string) (llmclient.Client, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "gemini":
		c, err := llmclient.NewGeminiClient(ctx, os.Getenv("GEMINI_API_KEY"), model)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "openai":
		c, err := llmclient.NewOpenAIClient(llmclient.OpenAIConfig{Model: model})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, errs.Input("provider", "unknown provider %q (want gemini or openai)", provider)
}
