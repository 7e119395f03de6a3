// Package config loads the service configuration from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dontdude/coderun/internal/domain"
	"github.com/dontdude/coderun/internal/engine"
	"github.com/dontdude/coderun/internal/language"
)

// EnvPrefix prefixes every environment override, e.g. CODERUN_SERVER_PORT.
const EnvPrefix = "CODERUN"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig                 `mapstructure:"server"`
	Logging   LoggingConfig                `mapstructure:"logging"`
	Docker    DockerConfig                 `mapstructure:"docker"`
	Sandbox   SandboxConfig                `mapstructure:"sandbox"`
	Languages map[string]language.Template `mapstructure:"languages"`
	Redis     RedisConfig                  `mapstructure:"redis"`
	Worker    WorkerConfig                 `mapstructure:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      float64       `mapstructure:"rate_burst"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode     string `mapstructure:"mode"`
	Level    string `mapstructure:"level"`
	Sampling bool   `mapstructure:"sampling"`
}

// DockerConfig holds isolation runtime client configuration
type DockerConfig struct {
	PullImages bool          `mapstructure:"pull_images"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// SandboxConfig is the resource envelope and phase ceilings shared by every session.
type SandboxConfig struct {
	MemoryMB        int64         `mapstructure:"memory_mb"`
	CPUShares       int64         `mapstructure:"cpu_shares"`
	PidsLimit       int64         `mapstructure:"pids_limit"`
	NetworkDisabled bool          `mapstructure:"network_disabled"`
	WorkDir         string        `mapstructure:"workdir"`
	IdleCmd         []string      `mapstructure:"idle_cmd"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	CompileTimeout  time.Duration `mapstructure:"compile_timeout"`
	TeardownTimeout time.Duration `mapstructure:"teardown_timeout"`
	NoisePatterns   []string      `mapstructure:"noise_patterns"`
}

// RedisConfig holds queue configuration. An empty Addr disables queued jobs.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Stream        string `mapstructure:"stream"`
	Group         string `mapstructure:"group"`
	EventsChannel string `mapstructure:"events_channel"`
}

// WorkerConfig holds queue consumer configuration
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

// Load reads config.yaml from the working directory or ./config when present,
// applies CODERUN_* environment overrides and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := engine.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.rate_limit", 0.5) // one request every 2s
	v.SetDefault("server.rate_burst", 5.0)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.sampling", false)

	v.SetDefault("docker.pull_images", false)
	v.SetDefault("docker.api_timeout", "30s")

	v.SetDefault("sandbox.memory_mb", def.Limits.MemoryBytes/(1024*1024))
	v.SetDefault("sandbox.cpu_shares", def.Limits.CPUShares)
	v.SetDefault("sandbox.pids_limit", def.Limits.PidsLimit)
	v.SetDefault("sandbox.network_disabled", def.Limits.NetworkDisabled)
	v.SetDefault("sandbox.workdir", def.WorkDir)
	v.SetDefault("sandbox.idle_cmd", def.IdleCmd)
	v.SetDefault("sandbox.run_timeout", def.RunTimeout)
	v.SetDefault("sandbox.compile_timeout", def.CompileTimeout)
	v.SetDefault("sandbox.teardown_timeout", def.TeardownTimeout)
	v.SetDefault("sandbox.noise_patterns", def.NoisePatterns)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.stream", "coderun:jobs")
	v.SetDefault("redis.group", "coderun:workers")
	v.SetDefault("redis.events_channel", "coderun:events")

	v.SetDefault("worker.concurrency", 3)
	v.SetDefault("worker.recovery_interval", "30s")
	v.SetDefault("worker.stale_after", "2m")
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst < 1 {
		return fmt.Errorf("server.rate_limit must be positive and server.rate_burst at least 1, got: %v/%v",
			c.Server.RateLimit, c.Server.RateBurst)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}
	if c.Sandbox.CPUShares <= 0 {
		return fmt.Errorf("sandbox.cpu_shares must be positive, got: %d", c.Sandbox.CPUShares)
	}
	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}
	for name, d := range map[string]time.Duration{
		"sandbox.run_timeout":      c.Sandbox.RunTimeout,
		"sandbox.compile_timeout":  c.Sandbox.CompileTimeout,
		"sandbox.teardown_timeout": c.Sandbox.TeardownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got: %s", name, d)
		}
	}

	if c.QueueEnabled() {
		if c.Worker.Concurrency <= 0 {
			return fmt.Errorf("worker.concurrency must be positive, got: %d", c.Worker.Concurrency)
		}
		if c.Redis.Stream == "" || c.Redis.Group == "" || c.Redis.EventsChannel == "" {
			return errors.New("redis.stream, redis.group and redis.events_channel are required when redis.addr is set")
		}
		if c.Worker.RecoveryInterval <= 0 {
			return fmt.Errorf("worker.recovery_interval must be positive, got: %s", c.Worker.RecoveryInterval)
		}
		// A job younger than its worst-case session is still running, not abandoned.
		if longest := c.Sandbox.CompileTimeout + c.Sandbox.RunTimeout + c.Sandbox.TeardownTimeout; c.Worker.StaleAfter <= longest {
			return fmt.Errorf("worker.stale_after must exceed compile+run+teardown timeouts (%s), got: %s", longest, c.Worker.StaleAfter)
		}
	}
	return nil
}

// QueueEnabled reports whether a Redis address is configured.
func (c *Config) QueueEnabled() bool {
	return c.Redis.Addr != ""
}

// EngineConfig converts the sandbox section into the engine envelope.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Limits: domain.ResourceLimits{
			MemoryBytes:     c.Sandbox.MemoryMB * 1024 * 1024,
			CPUShares:       c.Sandbox.CPUShares,
			PidsLimit:       c.Sandbox.PidsLimit,
			NetworkDisabled: c.Sandbox.NetworkDisabled,
		},
		WorkDir:         c.Sandbox.WorkDir,
		IdleCmd:         c.Sandbox.IdleCmd,
		RunTimeout:      c.Sandbox.RunTimeout,
		CompileTimeout:  c.Sandbox.CompileTimeout,
		TeardownTimeout: c.Sandbox.TeardownTimeout,
		NoisePatterns:   c.Sandbox.NoisePatterns,
	}
}

// LanguageTemplates merges configured overrides over the built-in templates.
func (c *Config) LanguageTemplates() map[string]language.Template {
	return language.Merge(language.Defaults(), c.Languages)
}
