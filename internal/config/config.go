package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Engine holds engine-wide tunables. These are operational knobs, not part of
// the per-sandbox security policy, and load from environment variables with
// documented defaults.
type Engine struct {
	Cache CacheConfig
	Pool  PoolConfig
	Exec  ExecConfig
	Hooks HookConfig
}

// CacheConfig holds compiled-script cache configuration.
type CacheConfig struct {
	Capacity int           `envconfig:"SCRIPTBOX_CACHE_CAPACITY" default:"256"`
	MaxAge   time.Duration `envconfig:"SCRIPTBOX_CACHE_MAX_AGE" default:"30m"`
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	QueueDepth     int           `envconfig:"SCRIPTBOX_POOL_QUEUE" default:"64"`
	LowWater       int           `envconfig:"SCRIPTBOX_POOL_LOW_WATER" default:"1"`
	IdleWindow     time.Duration `envconfig:"SCRIPTBOX_POOL_IDLE_WINDOW" default:"5m"`
	AcquireTimeout time.Duration `envconfig:"SCRIPTBOX_POOL_ACQUIRE_TIMEOUT" default:"5s"`
}

// ExecConfig holds execution supervisor configuration.
type ExecConfig struct {
	MemSampleInterval time.Duration `envconfig:"SCRIPTBOX_MEM_SAMPLE_INTERVAL" default:"10ms"`
	MaxCallStackSize  int           `envconfig:"SCRIPTBOX_MAX_CALL_STACK" default:"2048"`
}

// HookConfig holds hook bus configuration.
type HookConfig struct {
	BufferSize int `envconfig:"SCRIPTBOX_HOOK_BUFFER" default:"256"`
}

// Load loads engine configuration from environment variables.
func Load() (*Engine, error) {
	var cfg Engine
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Engine {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default engine configuration.
func Default() *Engine {
	return &Engine{
		Cache: CacheConfig{
			Capacity: 256,
			MaxAge:   30 * time.Minute,
		},
		Pool: PoolConfig{
			QueueDepth:     64,
			LowWater:       1,
			IdleWindow:     5 * time.Minute,
			AcquireTimeout: 5 * time.Second,
		},
		Exec: ExecConfig{
			MemSampleInterval: 10 * time.Millisecond,
			MaxCallStackSize:  2048,
		},
		Hooks: HookConfig{
			BufferSize: 256,
		},
	}
}
