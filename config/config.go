// Package config loads the YAML configuration of a process engine deployment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

type Config struct {
	Storage  StorageConfig                `yaml:"storage"`
	Engine   EngineConfig                 `yaml:"engine"`
	HTTP     HTTPConfig                   `yaml:"http"`
	Log      LogConfig                    `yaml:"log"`
	Services []types.ServiceConfiguration `yaml:"services,omitempty"`
}

type StorageConfig struct {
	Driver string       `yaml:"driver"`
	Redis  RedisConfig  `yaml:"redis,omitempty"`
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password,omitempty"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"poolSize,omitempty"`
	MinIdleConns int           `yaml:"minIdleConns,omitempty"`
	IdleTimeout  time.Duration `yaml:"idleTimeout,omitempty"`
}

// SQLiteConfig selects the database file. An empty path keeps the database in memory.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type EngineConfig struct {
	MaxRetries         int           `yaml:"maxRetries"`
	MaxAdvanceHops     int           `yaml:"maxAdvanceHops"`
	DefinitionCacheTTL time.Duration `yaml:"definitionCacheTTL"`
	EventQueueSize     int           `yaml:"eventQueueSize"`
}

// HTTPConfig applies to outbound service calls.
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxResponseBytes int64         `yaml:"maxResponseBytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs everything in memory.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver: DriverMemory,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				PoolSize:    10,
				IdleTimeout: 5 * time.Minute,
			},
		},
		Engine: EngineConfig{
			MaxRetries:         3,
			MaxAdvanceHops:     100,
			DefinitionCacheTTL: 5 * time.Minute,
			EventQueueSize:     100,
		},
		HTTP: HTTPConfig{
			Timeout:          30 * time.Second,
			MaxResponseBytes: 64 << 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, redis, sqlite", c.Storage.Driver))
	}

	if c.Engine.MaxRetries < 0 {
		errs = append(errs, errors.New("engine.maxRetries cannot be negative"))
	}
	if c.Engine.MaxAdvanceHops <= 0 {
		errs = append(errs, errors.New("engine.maxAdvanceHops must be positive"))
	}
	if c.Engine.DefinitionCacheTTL <= 0 {
		errs = append(errs, errors.New("engine.definitionCacheTTL must be positive"))
	}
	if c.Engine.EventQueueSize <= 0 {
		errs = append(errs, errors.New("engine.eventQueueSize must be positive"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.HTTP.MaxResponseBytes <= 0 {
		errs = append(errs, errors.New("http.maxResponseBytes must be positive"))
	}

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		if svc.Name == "" {
			errs = append(errs, fmt.Errorf("services[%d].name is required", i))
			continue
		}
		if _, ok := seen[svc.Name]; ok {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate name %q", i, svc.Name))
		}
		seen[svc.Name] = struct{}{}
		if svc.Endpoint == "" {
			errs = append(errs, fmt.Errorf("services[%d] %s: endpoint is required", i, svc.Name))
		}
		if svc.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("services[%d] %s: rateLimit cannot be negative", i, svc.Name))
		}
		if svc.Auth != nil {
			switch svc.Auth.Type {
			case types.AuthNone, types.AuthBasic, types.AuthBearer, types.AuthAPIKey:
			default:
				errs = append(errs, fmt.Errorf("services[%d] %s: unknown auth type %q", i, svc.Name, svc.Auth.Type))
			}
		}
	}

	return errors.Join(errs...)
}

// RedisOptions converts the redis section for storage.NewRedisStorage.
func (c StorageConfig) RedisOptions() storage.RedisOptions {
	return storage.RedisOptions{
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
		IdleTimeout:  c.Redis.IdleTimeout,
	}
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", c.Level, err)
	}
	return l, nil
}

// Logger builds the slog logger the section describes, writing to w.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := c.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
