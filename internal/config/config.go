package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/cryptoquery/internal/retry"
	"github.com/Kocoro-lab/cryptoquery/internal/tracing"
)

// DefaultPath is read when CONFIG_PATH is unset. A missing file is fine.
const DefaultPath = "config/cryptoquery.yaml"

// EnvPrefix scopes environment overrides, e.g. CRYPTOQ_ENGINE_BASE_URL.
const EnvPrefix = "CRYPTOQ"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminAddr       string        `mapstructure:"admin_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds one query end to end.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type EngineConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	APIKey        string        `mapstructure:"api_key"`
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	NamePrefix    string        `mapstructure:"name_prefix"`
	TriggerPrefix string        `mapstructure:"trigger_prefix"`
}

// URL returns BaseURL, or http://host:port when only those are set.
func (e EngineConfig) URL() string {
	if e.BaseURL != "" {
		return strings.TrimRight(e.BaseURL, "/")
	}
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

type MarketDataConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// CascadeConfig holds every timing knob of activation and invocation.
type CascadeConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Activation  retry.Policy  `mapstructure:"activation"`
	Production  retry.Policy  `mapstructure:"production"`
	Test        retry.Policy  `mapstructure:"test"`
	Execution   retry.Policy  `mapstructure:"execution"`
}

type ReaperConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	LeaseTTL          time.Duration `mapstructure:"lease_ttl"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	CleanupOnComplete bool          `mapstructure:"cleanup_on_complete"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	DSN       string        `mapstructure:"dsn"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Migrate   bool          `mapstructure:"migrate"`
}

type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Engine     EngineConfig     `mapstructure:"engine"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	Cascade    CascadeConfig    `mapstructure:"cascade"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
	// VocabularyPath points at an optional parser keyword file.
	VocabularyPath string `mapstructure:"vocabulary_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.admin_addr", ":2112")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 5*time.Minute)

	v.SetDefault("engine.base_url", "")
	v.SetDefault("engine.host", "n8n")
	v.SetDefault("engine.port", 5678)
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.http_timeout", 30*time.Second)
	v.SetDefault("engine.name_prefix", "crypto_workflow_")
	v.SetDefault("engine.trigger_prefix", "crypto")

	v.SetDefault("market_data.url", "https://min-api.cryptocompare.com/data/histoday")
	v.SetDefault("market_data.api_key", "")

	v.SetDefault("cascade.settle_delay", 30*time.Second)
	for key, attempts := range map[string]int{"activation": 10, "production": 5, "test": 5, "execution": 10} {
		v.SetDefault("cascade."+key+".max_attempts", attempts)
		v.SetDefault("cascade."+key+".delay", 5*time.Second)
		v.SetDefault("cascade."+key+".multiplier", 0)
		v.SetDefault("cascade."+key+".max_delay", 0)
	}

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.lease_ttl", 10*time.Minute)
	v.SetDefault("reaper.grace_period", 5*time.Minute)
	v.SetDefault("reaper.cleanup_on_complete", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.workers", 2)
	v.SetDefault("audit.queue_size", 256)
	v.SetDefault("audit.timeout", 5*time.Second)
	v.SetDefault("audit.migrate", true)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "cryptoquery")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "cryptoquery")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("vocabulary_path", "")
}

// legacyEnv maps the variable names used by earlier deployments of this
// service onto config keys.
var legacyEnv = map[string]string{
	"engine.host":         "N8N_HOST",
	"engine.port":         "N8N_PORT",
	"engine.api_key":      "N8N_API_KEY",
	"market_data.api_key": "CRYPTOCOMPARE_API_KEY",
	"audit.dsn":           "DATABASE_URL",
	"redis.addr":          "REDIS_ADDR",
	"auth.jwt_secret":     "JWT_SECRET",
}

// New builds a viper instance with defaults, env bindings and the config
// file at path (CONFIG_PATH or DefaultPath when empty). A missing file is not
// an error; a malformed one is.
func New(path string) (*viper.Viper, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load is New followed by Decode.
func Load(path string) (*Config, *viper.Viper, error) {
	v, err := New(path)
	if err != nil {
		return nil, nil, err
	}
	c, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return c, v, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Engine.BaseURL == "" && c.Engine.Host == "" {
		return errors.New("engine.base_url or engine.host is required")
	}
	if c.Cascade.SettleDelay < 0 {
		return errors.New("cascade.settle_delay must not be negative")
	}
	for name, p := range map[string]retry.Policy{
		"activation": c.Cascade.Activation,
		"production": c.Cascade.Production,
		"test":       c.Cascade.Test,
		"execution":  c.Cascade.Execution,
	} {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("cascade.%s.max_attempts must be at least 1", name)
		}
		if p.Delay < 0 {
			return fmt.Errorf("cascade.%s.delay must not be negative", name)
		}
	}
	if c.Reaper.LeaseTTL <= 0 {
		return errors.New("reaper.lease_ttl must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return errors.New("audit.dsn is required when audit is enabled")
	}
	return nil
}
