package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/hookhost/internal/shared/paths"
)

// Prefix is the environment variable prefix
const Prefix = "HOOKHOST"

// Memory modes
const (
	MemoryProcess  = "process"
	MemoryEmulated = "emulated"
)

// Config holds all host configuration.
type Config struct {
	Paths      PathsConfig
	Memory     MemoryConfig
	Sandbox    SandboxConfig
	Extensions ExtensionsConfig
	Logging    LogConfig `envconfig:"LOG"`
	Server     ServerConfig
	RateLimit  RateLimitConfig `envconfig:"RATE_LIMIT"`
}

// PathsConfig locates the files the host reads and writes. Relative
// paths are resolved against Root.
type PathsConfig struct {
	Root       string `envconfig:"ROOT" default:"hookhost" validate:"required"`
	Scripts    string `envconfig:"SCRIPTS" default:"scripts" validate:"required"`
	Extensions string `envconfig:"EXTENSIONS" default:"extensions" validate:"required"`
	Settings   string `envconfig:"SETTINGS" default:"config.toml" validate:"required"`
	Records    string `envconfig:"RECORDS" default:"records.yaml"`
}

// MemoryConfig selects the address space the host operates on.
type MemoryConfig struct {
	Mode string `envconfig:"MODE" default:"process" validate:"oneof=process emulated"`
}

// SandboxConfig holds script runtime limits.
type SandboxConfig struct {
	ScriptExt    string        `envconfig:"SCRIPT_EXT" default:".js" validate:"startswith=."`
	LoadTimeout  time.Duration `envconfig:"LOAD_TIMEOUT" default:"5s" validate:"gte=0"`
	MaxCallStack int           `envconfig:"MAX_CALL_STACK" default:"1024" validate:"min=16"`
}

// ExtensionsConfig holds extension module loading settings.
type ExtensionsConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// ServerConfig holds the control API configuration.
type ServerConfig struct {
	Enabled bool   `envconfig:"ENABLED" default:"true"`
	Addr    string `envconfig:"ADDR" default:"127.0.0.1:7340" validate:"hostname_port"`
}

// RateLimitConfig holds control API rate limiting.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RPS" default:"50" validate:"min=1"`
	Burst             int  `envconfig:"BURST" default:"100" validate:"min=1"`
	Enabled           bool `envconfig:"ENABLED" default:"true"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Layout returns the path layout rooted at Paths.Root
func (c *Config) Layout() paths.Layout { return paths.New(c.Paths.Root) }

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			Root:       paths.Root,
			Scripts:    paths.Scripts,
			Extensions: paths.Extensions,
			Settings:   paths.Settings,
			Records:    paths.Records,
		},
		Memory: MemoryConfig{
			Mode: MemoryProcess,
		},
		Sandbox: SandboxConfig{
			ScriptExt:    ".js",
			LoadTimeout:  5 * time.Second,
			MaxCallStack: 1024,
		},
		Extensions: ExtensionsConfig{
			Enabled: true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:7340",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}
