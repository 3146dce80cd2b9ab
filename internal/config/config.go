// Package config loads runtime configuration from environment variables (and
// an optional .env file), grounded on the teacher's config.go LoadConfig/
// Validate/Print/LogConfig shape.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/acoinfo/vsoa-go/internal/platform"
)

// Config holds every tunable of the vsoad server daemon.
type Config struct {
	// Listener
	Addr       string `env:"VSOA_ADDR" envDefault:":3010"`
	TunnelAddr string `env:"VSOA_TUNNEL_ADDR" envDefault:""`
	Passwd     string `env:"VSOA_PASSWD" envDefault:""`

	// Packet memory pool
	PoolMaxSlabMB int64 `env:"VSOA_POOL_MAX_SLAB_MB" envDefault:"64"`

	// Parallel sender
	SenderWorkers int           `env:"VSOA_SENDER_WORKERS" envDefault:"4"`
	SenderQueue   int           `env:"VSOA_SENDER_QUEUE" envDefault:"128"`
	SendTimeout   time.Duration `env:"VSOA_SEND_TIMEOUT" envDefault:"5s"`

	// Parallel RPC dispatch
	PlistenerWorkers int `env:"VSOA_PLISTENER_WORKERS" envDefault:"4"`

	// Capacity. 0 means auto-detect from the container's cgroup memory
	// limit (see internal/platform); Load never leaves this at 0.
	MaxClients int `env:"VSOA_MAX_CLIENTS" envDefault:"0"`

	// Speed regulator
	RegulatorPeriod time.Duration `env:"VSOA_REGULATOR_PERIOD" envDefault:"20ms"`

	// Position server
	PosServerAddr string        `env:"VSOA_POS_SERVER" envDefault:""`
	PosTimeout    time.Duration `env:"VSOA_POS_TIMEOUT" envDefault:"500ms"`
	PosCacheTTL   time.Duration `env:"VSOA_POS_CACHE_TTL" envDefault:"5s"`

	// Monitoring
	MetricsAddr     string        `env:"VSOA_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"VSOA_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"VSOA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"VSOA_LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"VSOA_LOG_FILE" envDefault:""`

	Environment string `env:"VSOA_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file then environment
// variables (env vars win), validates it, and returns the result.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MaxClients == 0 {
		limit, err := platform.MemoryLimitBytes()
		if err != nil && logger != nil {
			logger.Info().Err(err).Msg("cgroup memory limit detection failed, using default VSOA_MAX_CLIENTS")
		}
		cfg.MaxClients = platform.RecommendMaxClients(limit)
		if logger != nil {
			logger.Info().Int64("cgroup_memory_limit_bytes", limit).Int("max_clients", cfg.MaxClients).Msg("auto-detected VSOA_MAX_CLIENTS")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would make the server unusable.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("VSOA_ADDR is required")
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("VSOA_MAX_CLIENTS must be > 0, got %d", c.MaxClients)
	}
	if c.SenderWorkers < 1 {
		return fmt.Errorf("VSOA_SENDER_WORKERS must be > 0, got %d", c.SenderWorkers)
	}
	if c.PlistenerWorkers < 1 {
		return fmt.Errorf("VSOA_PLISTENER_WORKERS must be > 0, got %d", c.PlistenerWorkers)
	}
	if c.PoolMaxSlabMB < 1 {
		return fmt.Errorf("VSOA_POOL_MAX_SLAB_MB must be > 0, got %d", c.PoolMaxSlabMB)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("VSOA_LOG_LEVEL must be one of debug, info, warn, error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("VSOA_LOG_FORMAT must be one of json, pretty (got %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("tunnel_addr", c.TunnelAddr).
		Int64("pool_max_slab_mb", c.PoolMaxSlabMB).
		Int("sender_workers", c.SenderWorkers).
		Int("sender_queue", c.SenderQueue).
		Dur("send_timeout", c.SendTimeout).
		Int("plistener_workers", c.PlistenerWorkers).
		Int("max_clients", c.MaxClients).
		Dur("regulator_period", c.RegulatorPeriod).
		Str("pos_server_addr", c.PosServerAddr).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
