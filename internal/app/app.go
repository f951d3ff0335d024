// Package app wires configuration into a running query service. It is
// shared by the server binary and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/cryptoquery/internal/audit"
	"github.com/Kocoro-lab/cryptoquery/internal/auth"
	"github.com/Kocoro-lab/cryptoquery/internal/cascade"
	"github.com/Kocoro-lab/cryptoquery/internal/circuitbreaker"
	"github.com/Kocoro-lab/cryptoquery/internal/config"
	"github.com/Kocoro-lab/cryptoquery/internal/engine"
	"github.com/Kocoro-lab/cryptoquery/internal/health"
	"github.com/Kocoro-lab/cryptoquery/internal/intent"
	"github.com/Kocoro-lab/cryptoquery/internal/lease"
	"github.com/Kocoro-lab/cryptoquery/internal/pipeline"
	"github.com/Kocoro-lab/cryptoquery/internal/reaper"
	"github.com/Kocoro-lab/cryptoquery/internal/synth"
)

// App holds the long-lived components built from one Config.
type App struct {
	Config   *config.Config
	Engine   *engine.Client
	Redis    *circuitbreaker.RedisWrapper
	Audit    *audit.Store
	Pipeline *pipeline.Service
	logger   *zap.Logger
}

// Build connects to the stores enabled in cfg and assembles the pipeline.
// Redis trouble at startup is logged, not fatal; an unreachable audit
// database is fatal because the operator asked for it.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	a.Engine = engine.NewClient(engine.Config{
		BaseURL: cfg.Engine.URL(),
		APIKey:  cfg.Engine.APIKey,
		Timeout: cfg.Engine.HTTPTimeout,
	}, logger)

	var leases lease.Store = lease.NewMemoryStore()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.Redis = circuitbreaker.NewRedisWrapper(client, "lease", logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.Redis.Ping(pingCtx); err != nil {
			logger.Warn("Redis unreachable at startup; leases will be retried per request",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		leases = lease.NewRedisStore(a.Redis, logger)
	}

	var recorder audit.Recorder = audit.Nop{}
	if cfg.Audit.Enabled {
		store, err := audit.Open(ctx, cfg.Audit.DSN, audit.Options{
			Workers:      cfg.Audit.Workers,
			QueueSize:    cfg.Audit.QueueSize,
			WriteTimeout: cfg.Audit.Timeout,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		a.Audit = store
		recorder = store
		if cfg.Audit.Migrate {
			version, err := audit.Migrate(store.DB().DB().DB)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate audit store: %w", err)
			}
			logger.Info("Audit schema ready", zap.Uint("version", version))
		}
	}

	parser, synthesizer := Synthesis(cfg, logger)

	var rp *reaper.Reaper
	if cfg.Reaper.Enabled {
		rp = reaper.New(a.Engine, leases, reaper.Config{
			Prefix:      synthesizer.NamePrefix(),
			GracePeriod: cfg.Reaper.GracePeriod,
		}, logger)
	}

	a.Pipeline = pipeline.New(pipeline.Options{
		Engine:            a.Engine,
		Parser:            parser,
		Synth:             synthesizer,
		Reaper:            rp,
		Leases:            leases,
		Audit:             recorder,
		Timing:            TimingFrom(cfg.Cascade),
		LeaseTTL:          cfg.Reaper.LeaseTTL,
		CleanupOnComplete: cfg.Reaper.CleanupOnComplete,
	}, logger)

	logger.Info("Query service assembled",
		zap.String("engine", a.Engine.BaseURL()),
		zap.Bool("redis_leases", a.Redis != nil),
		zap.Bool("audit", a.Audit != nil),
		zap.Bool("reaper", rp != nil),
		zap.String("owner", a.Pipeline.Owner()),
	)
	return a, nil
}

// Synthesis builds the offline half of the pipeline: the parser with the
// resolved vocabulary and a synthesizer sharing its timeframe table.
func Synthesis(cfg *config.Config, logger *zap.Logger) (*intent.Parser, *synth.Synthesizer) {
	parser := intent.NewParser(intent.ResolveVocabulary(cfg.VocabularyPath, logger))
	return parser, synth.New(synth.Config{
		NamePrefix:       cfg.Engine.NamePrefix,
		TriggerPrefix:    cfg.Engine.TriggerPrefix,
		MarketDataURL:    cfg.MarketData.URL,
		MarketDataAPIKey: cfg.MarketData.APIKey,
	}, synth.WithLimits(parser.Limit))
}

// TimingFrom converts the cascade config section to pipeline waits.
func TimingFrom(c config.CascadeConfig) pipeline.Timing {
	return pipeline.Timing{
		Activation: c.Activation,
		Cascade: cascade.Timing{
			SettleDelay: c.SettleDelay,
			Production:  c.Production,
			Test:        c.Test,
			Execution:   c.Execution,
		},
	}
}

// Reload applies the hot-reloadable parts of cfg.
func (a *App) Reload(cfg *config.Config) {
	a.Pipeline.UpdateTiming(TimingFrom(cfg.Cascade))
}

// JWTManager builds the token manager from the auth section.
func JWTManager(cfg config.AuthConfig) *auth.JWTManager {
	return auth.NewJWTManager(cfg.JWTSecret, cfg.Issuer, cfg.TokenTTL)
}

// RegisterHealth adds a checker for every component that was built.
func (a *App) RegisterHealth(m *health.Manager) error {
	errs := []error{m.RegisterChecker(health.NewEngineHealthChecker(a.Engine, a.logger))}
	if a.Redis != nil {
		errs = append(errs, m.RegisterChecker(health.NewRedisHealthChecker(a.Redis, a.logger)))
	}
	if a.Audit != nil {
		errs = append(errs, m.RegisterChecker(health.NewDatabaseHealthChecker(a.Audit.DB(), a.logger)))
	}
	return errors.Join(errs...)
}

// Close flushes the audit queue and closes store connections.
func (a *App) Close() error {
	var errs []error
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
