// Package config loads gridmix configuration from defaults, an optional YAML
// file and GRIDMIX_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gridmix/internal/domain"
	"gridmix/internal/feed"
	"gridmix/internal/observability"
	"gridmix/internal/publish"
	"gridmix/internal/refresh"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// EnvPrefix is the prefix of environment overrides, e.g. GRIDMIX_HTTP_ADDR.
const EnvPrefix = "GRIDMIX"

// Config holds the application configuration.
type Config struct {
	Feed            FeedConfig         `mapstructure:"feed"`
	Refresh         RefreshConfig      `mapstructure:"refresh"`
	Retention       RetentionConfig    `mapstructure:"retention"`
	HTTP            HTTPConfig         `mapstructure:"http"`
	Log             LogConfig          `mapstructure:"log"`
	Postgres        PostgresConfig     `mapstructure:"postgres"`
	ClickHouse      ClickHouseConfig   `mapstructure:"clickhouse"`
	Redis           RedisConfig        `mapstructure:"redis"`
	NATS            NATSConfig         `mapstructure:"nats"`
	EmissionFactors map[string]float64 `mapstructure:"emission_factors"`

	// File is the config file that was read, or "".
	File string `mapstructure:"-"`
}

type FeedConfig struct {
	URL       string        `mapstructure:"url"`
	Dataset   string        `mapstructure:"dataset"`
	Rows      int           `mapstructure:"rows"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type RefreshConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

type RetentionConfig struct {
	// MaxRecords caps the series length; 0 keeps everything.
	MaxRecords int `mapstructure:"max_records"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type ClickHouseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Key     string `mapstructure:"key"`
	History int    `mapstructure:"history"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.url", feed.DefaultEndpoint)
	v.SetDefault("feed.dataset", feed.DefaultDataset)
	v.SetDefault("feed.rows", feed.DefaultRows)
	v.SetDefault("feed.timeout", feed.DefaultTimeout)
	v.SetDefault("feed.user_agent", feed.DefaultUserAgent)

	v.SetDefault("refresh.interval", refresh.DefaultInterval)
	v.SetDefault("refresh.sink_timeout", refresh.DefaultSinkTimeout)
	v.SetDefault("retention.max_records", 0)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", observability.FormatJSON)

	// Empty DSNs leave the corresponding sink disabled.
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.key", publish.DefaultRedisKey)
	v.SetDefault("redis.history", publish.DefaultRedisHistory)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", publish.DefaultSubject)
}

// Load reads configuration. When path is empty, gridmix.yaml is looked up in
// the working directory and /etc/gridmix/ and may be absent; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, s := range domain.Sources() {
		// Factor keys have no default, so AutomaticEnv alone would not see them.
		if err := v.BindEnv("emission_factors." + s.String()); err != nil {
			return nil, fmt.Errorf("bind env: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("gridmix")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gridmix/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

// Validate checks value ranges and the emission factor table.
func (c *Config) Validate() error {
	switch {
	case c.Feed.Rows <= 0:
		return fmt.Errorf("%w: feed.rows must be > 0, got %d", ErrInvalid, c.Feed.Rows)
	case c.Feed.Timeout <= 0:
		return fmt.Errorf("%w: feed.timeout must be > 0, got %s", ErrInvalid, c.Feed.Timeout)
	case c.Refresh.Interval <= 0:
		return fmt.Errorf("%w: refresh.interval must be > 0, got %s", ErrInvalid, c.Refresh.Interval)
	case c.Refresh.SinkTimeout <= 0:
		return fmt.Errorf("%w: refresh.sink_timeout must be > 0, got %s", ErrInvalid, c.Refresh.SinkTimeout)
	case c.Retention.MaxRecords < 0:
		return fmt.Errorf("%w: retention.max_records must be >= 0, got %d", ErrInvalid, c.Retention.MaxRecords)
	case c.Redis.History < 0:
		return fmt.Errorf("%w: redis.history must be >= 0, got %d", ErrInvalid, c.Redis.History)
	}

	if _, err := observability.NewLogger(c.Log.Level, c.Log.Format, io.Discard); err != nil {
		return fmt.Errorf("%w: log: %v", ErrInvalid, err)
	}

	if _, err := c.Factors(); err != nil {
		return fmt.Errorf("%w: emission_factors: %v", ErrInvalid, err)
	}
	return nil
}

// Factors returns the default emission factors with the configured overrides applied.
func (c *Config) Factors() (domain.EmissionFactors, error) {
	return domain.DefaultEmissionFactors().WithOverrides(c.EmissionFactors)
}

// FeedOptions returns the feed client options for this configuration.
func (c *Config) FeedOptions() []feed.ClientOption {
	return []feed.ClientOption{
		feed.WithDataset(c.Feed.Dataset),
		feed.WithRows(c.Feed.Rows),
		feed.WithTimeout(c.Feed.Timeout),
		feed.WithUserAgent(c.Feed.UserAgent),
	}
}
