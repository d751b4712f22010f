// Package scriptbox executes untrusted JavaScript under strict isolation:
// a deep-frozen global object graph, a capability-gated module whitelist,
// CPU and memory supervision, deterministic seeding, and a lifecycle hook
// bus unreachable from guest code.
package scriptbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptbox/internal/cache"
	"github.com/GriffinCanCode/scriptbox/internal/config"
	"github.com/GriffinCanCode/scriptbox/internal/logging"
	"github.com/GriffinCanCode/scriptbox/internal/monitoring"
	"github.com/GriffinCanCode/scriptbox/internal/pool"
	"github.com/GriffinCanCode/scriptbox/internal/sandbox"
)

// Core types, aliased from the engine packages.
type (
	Config         = sandbox.Config
	Result         = sandbox.Result
	Stats          = sandbox.Stats
	Kind           = sandbox.Kind
	ErrorKind      = sandbox.ErrorKind
	Phase          = sandbox.Phase
	Event          = sandbox.Event
	Handler        = sandbox.Handler
	Sandbox        = sandbox.Sandbox
	Pool           = pool.Pool
	Cache          = cache.Cache
	CompiledHandle = cache.Handle
)

const (
	KindValue = sandbox.KindValue
	KindError = sandbox.KindError

	ErrKindTimeout     = sandbox.ErrKindTimeout
	ErrKindMemoryLimit = sandbox.ErrKindMemoryLimit
	ErrKindSecurity    = sandbox.ErrKindSecurity
	ErrKindGuest       = sandbox.ErrKindGuest

	PhaseBefore  = sandbox.PhaseBefore
	PhaseAfter   = sandbox.PhaseAfter
	PhaseError   = sandbox.PhaseError
	PhaseConsole = sandbox.PhaseConsole
)

var (
	ErrConfiguration      = sandbox.ErrConfiguration
	ErrIntegrity          = sandbox.ErrIntegrity
	ErrLockdownIncomplete = sandbox.ErrLockdownIncomplete
	ErrClosed             = sandbox.ErrClosed
	ErrPoolClosed         = pool.ErrPoolClosed
	ErrQueueFull          = pool.ErrQueueFull
)

// ModuleWhitelist returns the fixed module whitelist. AllowedModules must be
// a subset of it.
func ModuleWhitelist() []string {
	return sandbox.Whitelist()
}

// Options customizes engine collaborators. The zero value is valid: no-op
// logging, no metrics, environment-variable engine defaults.
type Options struct {
	// Logger receives engine logs. Nil discards them.
	Logger *zap.Logger
	// Metrics, when set, registers Prometheus collectors on the registerer.
	Metrics prometheus.Registerer
}

// New creates a sandbox with default options.
func New(cfg Config) (*Sandbox, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a sandbox with explicit collaborators.
func NewWithOptions(cfg Config, o Options) (*Sandbox, error) {
	return sandbox.New(cfg, buildDeps(o))
}

// NewPool creates a pool of size isolated workers sharing one policy.
func NewPool(size int, cfg Config) (*Pool, error) {
	return NewPoolWithOptions(size, cfg, Options{})
}

// NewPoolWithOptions creates a pool with explicit collaborators.
func NewPoolWithOptions(size int, cfg Config, o Options) (*Pool, error) {
	return pool.New(size, cfg, buildDeps(o))
}

// NewScriptCache creates a content-addressed compiled-script cache with
// default options.
func NewScriptCache() *Cache {
	return NewScriptCacheWithOptions(Options{})
}

// NewScriptCacheWithOptions creates a cache with explicit collaborators.
func NewScriptCacheWithOptions(o Options) *Cache {
	deps := buildDeps(o)
	return cache.New(deps.Engine.Cache, deps.Logger, deps.Metrics)
}

func buildDeps(o Options) sandbox.Options {
	deps := sandbox.Options{
		Engine: config.LoadOrDefault(),
		Logger: logging.NewNop(),
	}
	if o.Logger != nil {
		deps.Logger = &logging.Logger{Logger: o.Logger}
	}
	if o.Metrics != nil {
		deps.Metrics = monitoring.New(o.Metrics)
	}
	return deps
}
