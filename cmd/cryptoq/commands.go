package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/app"
	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/auth"
	"github.com/Kocoro-lab/cryptoquery/internal/mcp"
	"github.com/Kocoro-lab/cryptoquery/internal/pipeline"
)

func newQueryCmd(c *cli) *cobra.Command {
	var (
		timeout time.Duration
		follow  bool
	)
	cmd := &cobra.Command{
		Use:     "query <question>",
		Short:   "Run a question through the engine and print the value",
		Example: queryExamples,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := c.build(cmd)
			if err != nil {
				return err
			}
			defer done()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			req := pipeline.Request{ID: pipeline.NewRunID(), Query: strings.Join(args, " "), Source: "cli"}
			stopFollow := func() {}
			if follow && !c.asJSON {
				stopFollow = followRun(a.Pipeline, req.ID)
			}
			run, err := a.Pipeline.Submit(ctx, req)
			stopFollow()

			out := cmd.OutOrStdout()
			if c.asJSON {
				if jerr := writeJSON(out, run.Record()); jerr != nil {
					return jerr
				}
			} else if rerr := renderRun(out, run); rerr != nil {
				return rerr
			}
			if err != nil {
				return errQueryFailed
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "give up after this long (0 waits for the cascade)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print progress events to stderr")
	return cmd
}

var errQueryFailed = errors.New("query failed")

const queryExamples = `  cryptoq query "average closing price of ETH in EUR"
  cryptoq query "max volume of SOL over 1y"
  cryptoq query "trung bình giá đóng cửa của BTC từ 2023 đến nay"`

// followRun prints run events to stderr until the returned func is called.
func followRun(p *pipeline.Service, runID string) func() {
	events := p.Events()
	ch := events.Subscribe(runID, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range ch {
			renderEvent(os.Stderr, evt)
			if evt.Terminal() {
				return
			}
		}
	}()
	return func() {
		events.Unsubscribe(runID, ch)
		<-done
	}
}

func newPreviewCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <question>",
		Short: "Show the parsed intent and generated workflow without deploying it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser, synthesizer := app.Synthesis(c.cfg, c.logger)
			in := parser.Parse(strings.Join(args, " "))
			spec, err := synthesizer.Synthesize(in)
			if err != nil {
				return err
			}
			spec = spec.Redacted()
			if c.asJSON {
				return writeJSON(cmd.OutOrStdout(), spec)
			}
			return renderPreview(cmd.OutOrStdout(), in, spec)
		},
	}
}

func newReapCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete stale generated workflows from the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, a, done, err := c.build(cmd)
			if err != nil {
				return err
			}
			defer done()
			rep, ok := a.Pipeline.Reap(ctx)
			if !ok {
				return errors.New("reaper is disabled (reaper.enabled=false)")
			}
			if c.asJSON {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			return renderReap(cmd.OutOrStdout(), rep)
		},
	}
}

func newRunsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent audited runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.cfg.Audit.Enabled {
				return errors.New("audit store is disabled (audit.enabled=false)")
			}
			ctx, a, done, err := c.build(cmd)
			if err != nil {
				return err
			}
			defer done()
			records, err := a.Pipeline.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if c.asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return renderRuns(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Audit.DSN == "" {
				return errors.New("audit.dsn is required")
			}
			store, err := audit.Open(cmd.Context(), c.cfg.Audit.DSN, audit.Options{Workers: 1}, c.logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			version, err := audit.Migrate(store.DB().DB().DB)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "audit schema at version %d\n", version)
			return err
		},
	}
}

func newTokenCmd(c *cli) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required")
			}
			granted, err := parseScopes(scopes)
			if err != nil {
				return err
			}
			authCfg := c.cfg.Auth
			if ttl > 0 {
				authCfg.TokenTTL = ttl
			}
			token, expires, err := app.JWTManager(authCfg).IssueToken(subject, granted)
			if err != nil {
				return err
			}
			c.logger.Debug("Issued token", zap.String("subject", subject), zap.Strings("scopes", granted), zap.Time("expires", expires))
			if c.asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"token": token, "subject": subject, "scopes": granted, "expires_at": expires,
				})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scopes", nil, "granted scopes (default all)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// parseScopes validates requested scopes; none means all.
func parseScopes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return auth.AllScopes, nil
	}
	known := make(map[string]bool, len(auth.AllScopes))
	for _, s := range auth.AllScopes {
		known[s] = true
	}
	out := make([]string, 0, len(requested))
	seen := make(map[string]bool)
	for _, s := range requested {
		s = strings.TrimSpace(s)
		if !known[s] {
			return nil, fmt.Errorf("unknown scope %q (known: %s)", s, strings.Join(auth.AllScopes, ", "))
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

func newMCPCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the query tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, a, done, err := c.build(cmd)
			if err != nil {
				return err
			}
			defer done()
			return mcp.ServeStdio(a.Pipeline, c.logger)
		},
	}
}
