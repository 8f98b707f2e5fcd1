// Package config loads the service settings: defaults, then an optional
// YAML file, then environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Bus drivers.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
)

// Registry drivers for active call sessions.
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// ErrInvalid reports a setting that failed validation.
var ErrInvalid = errors.New("invalid configuration")

// SizeBytes is a byte count read from strings like "10MiB" or plain
// integers.
type SizeBytes int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses a human-friendly byte count.
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// String formats s with IEC units.
func (s SizeBytes) String() string {
	return humanize.IBytes(uint64(s))
}

// BusConfig selects the real-time bus.
type BusConfig struct {
	Driver  string `yaml:"driver"`
	NATSURL string `yaml:"nats_url"`
	Name    string `yaml:"name"`
}

// RedisConfig holds the Redis connection used for call sessions.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BackendConfig points at the authoritative chat API. An empty URL runs
// the in-process backend.
type BackendConfig struct {
	URL               string        `yaml:"url"`
	Token             string        `yaml:"token"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxHistory        int           `yaml:"max_history"`
	MaxAttachmentSize SizeBytes     `yaml:"max_attachment_size"`
}

// CallConfig points at the call service. An empty URL uses the session
// registry as the call service.
type CallConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	Registry   string        `yaml:"registry"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Config is the full service configuration.
type Config struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Bus             BusConfig     `yaml:"bus"`
	Redis           RedisConfig   `yaml:"redis"`
	Backend         BackendConfig `yaml:"backend"`
	Call            CallConfig    `yaml:"call"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
	HistoryLimit    int           `yaml:"history_limit"`
	FrameOffset     time.Duration `yaml:"frame_offset"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	ThumbnailSize   int           `yaml:"thumbnail_size"`
	WSRate          float64       `yaml:"ws_rate"`
	WSBurst         int           `yaml:"ws_burst"`
	CORSOrigins     string        `yaml:"cors_origins"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:            "3000",
		ShutdownTimeout: 30 * time.Second,
		Bus: BusConfig{
			Driver:  BusMemory,
			NATSURL: "nats://localhost:4222",
			Name:    "chat-sync-engine",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "chatsync:call:",
		},
		Backend: BackendConfig{
			Timeout:           30 * time.Second,
			MaxHistory:        500,
			MaxAttachmentSize: 10 * humanize.MiByte,
		},
		Call: CallConfig{
			Timeout:    10 * time.Second,
			Registry:   RegistryMemory,
			SessionTTL: 2 * time.Hour,
		},
		TypingTTL:     6 * time.Second,
		HistoryLimit:  100,
		FrameOffset:   500 * time.Millisecond,
		ThumbnailSize: 800,
		WSRate:        20,
		WSBurst:       40,
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.Bus.Driver = getEnv("BUS_DRIVER", c.Bus.Driver)
	c.Bus.NATSURL = getEnv("NATS_URL", c.Bus.NATSURL)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)

	c.Backend.URL = getEnv("CHAT_BACKEND_URL", c.Backend.URL)
	c.Backend.Token = getEnv("CHAT_BACKEND_TOKEN", c.Backend.Token)
	c.Backend.Timeout = getEnvDuration("CHAT_BACKEND_TIMEOUT", c.Backend.Timeout)
	c.Backend.MaxHistory = getEnvInt("CHAT_BACKEND_MAX_HISTORY", c.Backend.MaxHistory)
	if raw := os.Getenv("MAX_ATTACHMENT_SIZE"); raw != "" {
		size, err := ParseSize(raw)
		if err != nil {
			return fmt.Errorf("%w: MAX_ATTACHMENT_SIZE: %v", ErrInvalid, err)
		}
		c.Backend.MaxAttachmentSize = size
	}

	c.Call.URL = getEnv("CALL_BACKEND_URL", c.Call.URL)
	c.Call.APIKey = getEnv("CALL_BACKEND_KEY", c.Call.APIKey)
	c.Call.Timeout = getEnvDuration("CALL_BACKEND_TIMEOUT", c.Call.Timeout)
	c.Call.Registry = getEnv("CALL_REGISTRY", c.Call.Registry)
	c.Call.SessionTTL = getEnvDuration("CALL_SESSION_TTL", c.Call.SessionTTL)

	c.TypingTTL = getEnvDuration("TYPING_TTL", c.TypingTTL)
	c.HistoryLimit = getEnvInt("HISTORY_LIMIT", c.HistoryLimit)
	c.FrameOffset = getEnvDuration("THUMBNAIL_FRAME_OFFSET", c.FrameOffset)
	c.ThumbnailSize = getEnvInt("THUMBNAIL_SIZE", c.ThumbnailSize)
	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.WSRate = getEnvFloat("WS_RATE", c.WSRate)
	c.WSBurst = getEnvInt("WS_BURST", c.WSBurst)
	c.CORSOrigins = getEnv("CORS_ALLOWED_ORIGINS", c.CORSOrigins)
	return nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("port %q is not a valid TCP port", c.Port))
	}
	switch c.Bus.Driver {
	case BusMemory:
	case BusNATS:
		if c.Bus.NATSURL == "" {
			errs = append(errs, errors.New("nats_url is required for the nats bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", c.Bus.Driver))
	}
	switch c.Call.Registry {
	case RegistryMemory:
	case RegistryRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis addr is required for the redis call registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown call registry %q", c.Call.Registry))
	}
	if c.Backend.MaxAttachmentSize <= 0 {
		errs = append(errs, errors.New("max attachment size must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history limit must be positive"))
	}
	if c.TypingTTL < 0 {
		errs = append(errs, errors.New("typing ttl cannot be negative"))
	}
	if c.WSRate <= 0 || c.WSBurst <= 0 {
		errs = append(errs, errors.New("websocket rate and burst must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns environment variable as int or default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: invalid int value for %s: %s, using default: %d", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvFloat returns environment variable as float64 or default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Warning: invalid float value for %s: %s, using default: %g", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvDuration returns environment variable as duration or default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		log.Printf("Warning: invalid duration value for %s: %s, using default: %s", key, value, defaultValue)
	}
	return defaultValue
}
