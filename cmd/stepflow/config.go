package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds stepflow settings.
// Priority: flags > env vars > config file > defaults.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Engine   EngineConfig   `yaml:"engine"`
	Notifier NotifierConfig `yaml:"notifier"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

type StoreConfig struct {
	Driver string      `yaml:"driver"` // memory, libsql or redis
	DBPath string      `yaml:"db_path"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type EngineConfig struct {
	MaxConcurrentSteps int           `yaml:"max_concurrent_steps"`
	StepTimeout        time.Duration `yaml:"step_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

type NotifierConfig struct {
	Driver string `yaml:"driver"` // memory or watermill
	Topic  string `yaml:"topic"`
	Buffer int    `yaml:"buffer"`
}

type HTTPConfig struct {
	MaxResponseBody int64         `yaml:"max_response_body"`
	Timeout         time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

func defaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Driver: "memory",
			DBPath: filepath.Join(stepflowDir(), "stepflow.db"),
			Redis:  RedisConfig{Addr: "localhost:6379", KeyPrefix: "stepflow"},
		},
		Engine: EngineConfig{
			MaxConcurrentSteps: 4,
			ShutdownTimeout:    10 * time.Second,
		},
		Notifier: NotifierConfig{Driver: "memory", Topic: "stepflow.notifications", Buffer: 256},
		HTTP:     HTTPConfig{MaxResponseBody: 10 << 20, Timeout: 30 * time.Second},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

// loadConfig layers the file at path (skipped when empty or missing and not
// explicitly requested) and then the environment over the defaults.
func loadConfig(path string, explicit bool, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case explicit || !os.IsNotExist(err):
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("STEPFLOW_STORE", &cfg.Store.Driver)
	str("STEPFLOW_DB_PATH", &cfg.Store.DBPath)
	str("STEPFLOW_REDIS_ADDR", &cfg.Store.Redis.Addr)
	str("STEPFLOW_REDIS_PASSWORD", &cfg.Store.Redis.Password)
	str("STEPFLOW_REDIS_PREFIX", &cfg.Store.Redis.KeyPrefix)
	str("STEPFLOW_NOTIFIER", &cfg.Notifier.Driver)
	str("STEPFLOW_NOTIFIER_TOPIC", &cfg.Notifier.Topic)
	str("STEPFLOW_LOG_LEVEL", &cfg.Log.Level)
	str("STEPFLOW_LOG_FORMAT", &cfg.Log.Format)

	for _, err := range []error{
		num("STEPFLOW_REDIS_DB", &cfg.Store.Redis.DB),
		num("STEPFLOW_MAX_CONCURRENT_STEPS", &cfg.Engine.MaxConcurrentSteps),
		num("STEPFLOW_NOTIFIER_BUFFER", &cfg.Notifier.Buffer),
		dur("STEPFLOW_STEP_TIMEOUT", &cfg.Engine.StepTimeout),
		dur("STEPFLOW_SHUTDOWN_TIMEOUT", &cfg.Engine.ShutdownTimeout),
		dur("STEPFLOW_HTTP_TIMEOUT", &cfg.HTTP.Timeout),
	} {
		if err != nil {
			return fmt.Errorf("invalid environment: %w", err)
		}
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "memory", "libsql", "redis":
	default:
		return fmt.Errorf("unknown store driver %q (want memory, libsql or redis)", c.Store.Driver)
	}
	switch c.Notifier.Driver {
	case "memory", "watermill":
	default:
		return fmt.Errorf("unknown notifier driver %q (want memory or watermill)", c.Notifier.Driver)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	if c.Engine.MaxConcurrentSteps < 1 {
		return fmt.Errorf("max_concurrent_steps must be >= 1, got %d", c.Engine.MaxConcurrentSteps)
	}
	if c.Engine.StepTimeout < 0 {
		return fmt.Errorf("step_timeout must be >= 0")
	}
	return nil
}
