// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ListenConfig holds the listen address of every channel.
type ListenConfig struct {
	Control   string `yaml:"control" validate:"required"`
	Screen    string `yaml:"screen" validate:"required"`
	GroupChat string `yaml:"group_chat" validate:"required"`
	GroupCall string `yaml:"group_call" validate:"required"`
	HTTP      string `yaml:"http" validate:"required"`
}

// LimitsConfig bounds frame sizes and per-connection buffering.
type LimitsConfig struct {
	MaxLineSize   int `yaml:"max_line_size" validate:"gt=0"`
	MaxBinarySize int `yaml:"max_binary_size" validate:"gt=0"`
	SendQueueSize int `yaml:"send_queue_size" validate:"gt=0"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst" validate:"gt=0"`
	RefillInterval time.Duration `yaml:"refill_interval" validate:"gt=0"`
}

// TimeoutConfig holds the lifetimes enforced by the server.
type TimeoutConfig struct {
	Ring     time.Duration `yaml:"ring" validate:"gt=0"`
	Transfer time.Duration `yaml:"transfer" validate:"gt=0"`
	Sweep    time.Duration `yaml:"sweep" validate:"gt=0"`
	Write    time.Duration `yaml:"write" validate:"gt=0"`
	Pong     time.Duration `yaml:"pong" validate:"gt=0"`
	// Idle closes TCP connections that send nothing for this long. Zero
	// disables it.
	Idle     time.Duration `yaml:"idle" validate:"gte=0"`
	Shutdown time.Duration `yaml:"shutdown" validate:"gt=0"`
}

// DatabaseConfig selects and configures the persistence gateway.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory postgres"`
	DSN             string        `yaml:"dsn" validate:"required_if=Driver postgres"`
	QueryTimeout    time.Duration `yaml:"query_timeout" validate:"gt=0"`
	ConnectAttempts int           `yaml:"connect_attempts" validate:"gt=0"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Listen         ListenConfig    `yaml:"listen"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	Limits         LimitsConfig    `yaml:"limits"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Timeouts       TimeoutConfig   `yaml:"timeouts"`
	Database       DatabaseConfig  `yaml:"database"`
	Log            LogConfig       `yaml:"log"`
}

var validate = validator.New()

func defaultConfig() Config {
	return Config{
		Listen: ListenConfig{
			Control:   ":5555",
			Screen:    ":5556",
			GroupChat: ":5557",
			GroupCall: ":5558",
			HTTP:      ":8080",
		},
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		Limits: LimitsConfig{
			MaxLineSize:   1 << 20,
			MaxBinarySize: 1 << 20,
			SendQueueSize: 256,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Timeouts: TimeoutConfig{
			Ring:     45 * time.Second,
			Transfer: 30 * time.Second,
			Sweep:    time.Second,
			Write:    10 * time.Second,
			Pong:     60 * time.Second,
			Shutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			QueryTimeout:    5 * time.Second,
			ConnectAttempts: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// sanitizeConfig fills zero values with defaults and normalizes the origin
// allow-list.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Listen.Control == "" {
		cfg.Listen.Control = def.Listen.Control
	}
	if cfg.Listen.Screen == "" {
		cfg.Listen.Screen = def.Listen.Screen
	}
	if cfg.Listen.GroupChat == "" {
		cfg.Listen.GroupChat = def.Listen.GroupChat
	}
	if cfg.Listen.GroupCall == "" {
		cfg.Listen.GroupCall = def.Listen.GroupCall
	}
	if cfg.Listen.HTTP == "" {
		cfg.Listen.HTTP = def.Listen.HTTP
	}

	if cfg.Limits.MaxLineSize <= 0 {
		cfg.Limits.MaxLineSize = def.Limits.MaxLineSize
	}
	if cfg.Limits.MaxBinarySize <= 0 {
		cfg.Limits.MaxBinarySize = def.Limits.MaxBinarySize
	}
	if cfg.Limits.SendQueueSize <= 0 {
		cfg.Limits.SendQueueSize = def.Limits.SendQueueSize
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	setDuration(&cfg.Timeouts.Ring, def.Timeouts.Ring)
	setDuration(&cfg.Timeouts.Transfer, def.Timeouts.Transfer)
	setDuration(&cfg.Timeouts.Sweep, def.Timeouts.Sweep)
	setDuration(&cfg.Timeouts.Write, def.Timeouts.Write)
	setDuration(&cfg.Timeouts.Pong, def.Timeouts.Pong)
	setDuration(&cfg.Timeouts.Shutdown, def.Timeouts.Shutdown)
	if cfg.Timeouts.Idle < 0 {
		cfg.Timeouts.Idle = 0
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = def.Database.Driver
	}
	setDuration(&cfg.Database.QueryTimeout, def.Database.QueryTimeout)
	if cfg.Database.ConnectAttempts <= 0 {
		cfg.Database.ConnectAttempts = def.Database.ConnectAttempts
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Validate checks the configuration against its constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()
	applyEnvironmentOverrides(&cfg)
	return &cfg
}

// LoadConfig reads a YAML file over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(&cfg)
	cfg = sanitizeConfig(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvironmentOverrides(cfg *Config) {
	if addr := os.Getenv("CONTROL_ADDR"); addr != "" {
		cfg.Listen.Control = addr
	}
	if addr := os.Getenv("SCREEN_ADDR"); addr != "" {
		cfg.Listen.Screen = addr
	}
	if addr := os.Getenv("GROUP_CHAT_ADDR"); addr != "" {
		cfg.Listen.GroupChat = addr
	}
	if addr := os.Getenv("GROUP_CALL_ADDR"); addr != "" {
		cfg.Listen.GroupCall = addr
	}
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		cfg.Listen.HTTP = addr
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	// Load MAX_LINE_SIZE
	if maxSize := os.Getenv("MAX_LINE_SIZE"); maxSize != "" {
		cfg.Limits.MaxLineSize = parseIntValue(maxSize, cfg.Limits.MaxLineSize)
	}

	// Load RATE_LIMIT_BURST
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}

	if ring := os.Getenv("RING_TIMEOUT"); ring != "" {
		cfg.Timeouts.Ring = parseDuration(ring, cfg.Timeouts.Ring)
	}
	if transfer := os.Getenv("TRANSFER_TIMEOUT"); transfer != "" {
		cfg.Timeouts.Transfer = parseDuration(transfer, cfg.Timeouts.Transfer)
	}

	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = strings.ToLower(format)
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts either whole seconds ("30") or a Go duration ("1m30s").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
