package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/cryptoquery/internal/app"
	"github.com/Kocoro-lab/cryptoquery/internal/config"
)

// Set by the linker at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cli carries the state shared by every subcommand.
type cli struct {
	configPath string
	verbose    bool
	asJSON     bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "cryptoq",
		Short:         "Answer crypto market questions through a workflow engine",
		Long:          "cryptoq parses a natural-language market question, deploys a generated workflow to n8n and reports the computed value.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default $CONFIG_PATH or "+config.DefaultPath+")")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log progress to stderr")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newQueryCmd(c),
		newPreviewCmd(c),
		newReapCmd(c),
		newRunsCmd(c),
		newMigrateCmd(c),
		newTokenCmd(c),
		newMCPCmd(c),
	)
	return root
}

func (c *cli) setup() error {
	cfg, _, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger, err = newLogger(c.verbose)
	return err
}

// newLogger writes to stderr only so stdout stays machine readable.
func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zc.Build()
}

// build assembles the service and a signal-aware context for a command.
func (c *cli) build(cmd *cobra.Command) (context.Context, *app.App, func(), error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	a, err := app.Build(ctx, c.cfg, c.logger)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("Close failed", zap.Error(err))
		}
		stop()
	}, nil
}
