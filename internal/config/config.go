// Package config loads the relay configuration from YAML with environment
// variable expansion and defaulting.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/beacon/internal/ratelimit"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Discord   DiscordConfig    `yaml:"discord"`
	Cache     CacheConfig      `yaml:"cache"`
	Debounce  DebounceConfig   `yaml:"debounce"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
	OptOut    OptOutConfig     `yaml:"optout"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Metrics exposes /metrics when true.
	Metrics bool `yaml:"metrics"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DiscordConfig configures the upstream gateway session.
type DiscordConfig struct {
	// Token is the bot token. Usually set as ${DISCORD_BOT_TOKEN}.
	Token string `yaml:"token"`

	// GuildID scopes presence tracking to one guild.
	GuildID string `yaml:"guild_id"`

	// AppID is the application ID used for slash command registration.
	AppID string `yaml:"app_id"`
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DebounceConfig configures notification coalescing.
type DebounceConfig struct {
	Window time.Duration `yaml:"window"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// TracingConfig configures the OTLP trace exporter. Tracing is disabled
// when Endpoint is empty.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// OptOutConfig configures opt-out persistence. An empty path selects the
// in-memory store.
type OptOutConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			Metrics:         true,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Cache: CacheConfig{
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Debounce: DebounceConfig{
			Window: time.Second,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment before parsing, and applies defaults. An empty path returns
// defaults plus environment fallbacks.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills credentials from the environment when the file left them
// empty, so a bare deployment needs no config file at all.
func (c *Config) applyEnv() {
	if c.Discord.Token == "" {
		c.Discord.Token = os.Getenv("DISCORD_BOT_TOKEN")
	}
	if c.Discord.GuildID == "" {
		c.Discord.GuildID = os.Getenv("DISCORD_GUILD_ID")
	}
	if c.Discord.AppID == "" {
		c.Discord.AppID = os.Getenv("DISCORD_APP_ID")
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = def.Cache.TTL
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = def.Cache.SweepInterval
	}
	if c.Debounce.Window == 0 {
		c.Debounce.Window = def.Debounce.Window
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = def.RateLimit.Requests
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = def.RateLimit.Window
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = def.Tracing.SamplingRate
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Cache.TTL < 0 || c.Cache.SweepInterval < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	if c.Debounce.Window < 0 {
		return fmt.Errorf("debounce.window must not be negative")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1], got %v", c.Tracing.SamplingRate)
	}
	return nil
}
