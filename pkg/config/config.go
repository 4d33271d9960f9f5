package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	Logging   LoggingConfig
	Pipeline  PipelineConfig
	Forecast  ForecastConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   int
	WriteTimeout  int
	BodyLimit     int
	IsDevelopment bool
	AllowOrigins  string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	// TTL is the forecast cache lifetime.
	TTL time.Duration
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

type PipelineConfig struct {
	NormalizeLookbackDays int
	FeatureLookbackDays   int
	PatternLookbackDays   int
	// Schedule is a robfig/cron expression; empty disables the periodic run.
	Schedule    string
	Concurrency int
}

type ForecastConfig struct {
	DeliveriesAhead int
	SearchDays      int
	BufferRatio     float64
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through v, so callers can bind command-line
// flags into the same instance before loading.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ordering-engine")

	v.SetEnvPrefix("ORDERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1, got %d", c.Pipeline.Concurrency)
	}
	if c.Forecast.DeliveriesAhead < 1 {
		return fmt.Errorf("forecast.deliveriesAhead must be at least 1, got %d", c.Forecast.DeliveriesAhead)
	}
	if c.Forecast.SearchDays < 1 {
		return fmt.Errorf("forecast.searchDays must be at least 1, got %d", c.Forecast.SearchDays)
	}
	if c.Forecast.BufferRatio < 0 {
		return fmt.Errorf("forecast.bufferRatio must not be negative, got %f", c.Forecast.BufferRatio)
	}
	if c.Redis.Enabled && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be positive when the cache is enabled")
	}
	return nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.isDevelopment", false)
	v.SetDefault("server.allowOrigins", "*")

	v.SetDefault("sqlite.path", "./data/ordering.db")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("pipeline.normalizeLookbackDays", 365)
	v.SetDefault("pipeline.featureLookbackDays", 180)
	v.SetDefault("pipeline.patternLookbackDays", 180)
	v.SetDefault("pipeline.schedule", "@every 6h")
	v.SetDefault("pipeline.concurrency", 4)

	v.SetDefault("forecast.deliveriesAhead", 4)
	v.SetDefault("forecast.searchDays", 60)
	v.SetDefault("forecast.bufferRatio", 0.10)

	v.SetDefault("rateLimit.maxRequestsPerMinute", 120)
}
