package napi

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cryguy/napi/internal/core"
	"github.com/cryguy/napi/internal/threadpool"
)

// PoolSizeEnv overrides Config.PoolSize when set.
const PoolSizeEnv = "NAPI_THREADPOOL_SIZE"

// maxPoolSize caps the worker count the way the platform thread pool does.
const maxPoolSize = 1024

// Config holds runtime configuration for an environment.
type Config struct {
	PoolSize              int    `yaml:"pool_size"`                // worker goroutines running execute callbacks
	CompletionRingSize    int    `yaml:"completion_ring_size"`     // per-worker completion ring, rounded to a power of two
	MemoryLimitMB         int    `yaml:"memory_limit_mb"`          // engine heap limit, 0 for unlimited
	MaxHandleScopeDepth   int    `yaml:"max_handle_scope_depth"`   // 0 for unbounded
	MaxCallbackScopeDepth int    `yaml:"max_callback_scope_depth"` // 0 for unbounded
	InspectAddr           string `yaml:"inspect_addr"`             // async hook event stream, empty to disable
	InspectMaxClients     int    `yaml:"inspect_max_clients"`
	LogLevel              string `yaml:"log_level"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		PoolSize:              4,
		CompletionRingSize:    threadpool.DefaultRingSize,
		MaxHandleScopeDepth:   1024,
		MaxCallbackScopeDepth: 1024,
		InspectMaxClients:     8,
		LogLevel:              "info",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and applies the
// environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() error {
	v, ok := os.LookupEnv(PoolSizeEnv)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", PoolSizeEnv, v, err)
	}
	c.PoolSize = n
	return nil
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.PoolSize <= 0 || c.PoolSize > maxPoolSize {
		errs = append(errs, fmt.Errorf("pool_size must be in [1, %d], got %d", maxPoolSize, c.PoolSize))
	}
	if c.CompletionRingSize < 0 {
		errs = append(errs, fmt.Errorf("completion_ring_size must not be negative, got %d", c.CompletionRingSize))
	}
	if c.MemoryLimitMB < 0 {
		errs = append(errs, fmt.Errorf("memory_limit_mb must not be negative, got %d", c.MemoryLimitMB))
	}
	if c.MaxHandleScopeDepth < 0 || c.MaxCallbackScopeDepth < 0 {
		errs = append(errs, errors.New("scope depth limits must not be negative"))
	}
	if c.InspectMaxClients < 0 {
		errs = append(errs, fmt.Errorf("inspect_max_clients must not be negative, got %d", c.InspectMaxClients))
	}
	return errors.Join(errs...)
}

func (c Config) runtimeConfig() core.RuntimeConfig {
	return core.RuntimeConfig{MemoryLimitMB: c.MemoryLimitMB}
}
