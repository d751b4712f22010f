package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptbox/internal/cache"
	"github.com/GriffinCanCode/scriptbox/internal/config"
	"github.com/GriffinCanCode/scriptbox/internal/logging"
	"github.com/GriffinCanCode/scriptbox/internal/monitoring"
	"github.com/GriffinCanCode/scriptbox/internal/shared/id"
)

// Options carries engine-level collaborators into a sandbox. Zero values
// fall back to process defaults.
type Options struct {
	Engine   *config.Engine
	Logger   *logging.Logger
	Metrics  *monitoring.Metrics
	Verifier *Verifier
}

// Sandbox executes untrusted guest code on a dedicated worker goroutine that
// exclusively owns a locked-down environment. Requests on one sandbox run
// strictly sequentially; the host-facing Run call only suspends its caller.
type Sandbox struct {
	id  id.SandboxID
	cfg Config

	engine   *config.Engine
	log      *logging.Logger
	metrics  *monitoring.Metrics
	verifier *Verifier
	bus      *Bus

	reqCh chan execRequest
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New validates the configuration, verifies engine integrity, constructs a
// locked-down environment and starts the worker. Configuration, integrity
// and lockdown failures are synchronous; everything at execution time
// surfaces in the Result instead.
func New(cfg Config, opts Options) (*Sandbox, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	engine := opts.Engine
	if engine == nil {
		engine = config.LoadOrDefault()
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewNop()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = DefaultVerifier()
	}

	if err := verifier.Verify(); err != nil {
		return nil, err
	}

	s := &Sandbox{
		id:       id.NewSandboxID(),
		cfg:      cfg,
		engine:   engine,
		log:      log.Named("sandbox"),
		metrics:  opts.Metrics,
		verifier: verifier,
		bus:      NewBus(engine.Hooks.BufferSize, log, opts.Metrics),
		reqCh:    make(chan execRequest),
		done:     make(chan struct{}),
	}

	env, err := s.buildEnvironment()
	if err != nil {
		s.bus.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.worker(env)

	s.log.Debug("sandbox created",
		zap.String("sandbox_id", s.id.String()),
		zap.Int("cpu_ms", cfg.CPUMillis),
		zap.Int("memory_mb", cfg.MemoryMB),
		zap.Strings("allowed_modules", cfg.AllowedModules))
	return s, nil
}

// ID returns the sandbox identifier.
func (s *Sandbox) ID() id.SandboxID {
	return s.id
}

// Hooks returns the lifecycle event bus for this sandbox.
func (s *Sandbox) Hooks() *Bus {
	return s.bus
}

// Run executes source code. The returned error covers only admission
// (closed sandbox, cancelled context); every execution-time condition is the
// error branch of the Result.
func (s *Sandbox) Run(ctx context.Context, code string) (*Result, error) {
	return s.submit(ctx, execRequest{code: code})
}

// RunProgram executes a pre-compiled program, typically resolved through the
// script cache.
func (s *Sandbox) RunProgram(ctx context.Context, program *goja.Program) (*Result, error) {
	return s.submit(ctx, execRequest{program: program})
}

// RunCompiled executes a cached compile handle.
func (s *Sandbox) RunCompiled(ctx context.Context, h cache.Handle) (*Result, error) {
	return s.RunProgram(ctx, h.Program())
}

func (s *Sandbox) submit(ctx context.Context, req execRequest) (*Result, error) {
	req.result = make(chan *Result, 1)

	select {
	case s.reqCh <- req:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The result channel is buffered: if the caller abandons the wait the
	// worker still completes and is not blocked.
	select {
	case res := <-req.result:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// Close tears the sandbox down. In-flight execution is not interrupted; the
// worker exits after finishing it.
func (s *Sandbox) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	s.bus.Close()
	return nil
}

func (s *Sandbox) buildEnvironment() (*Environment, error) {
	sink := func(execID id.ExecutionID, level, message string) {
		s.bus.Emit(Event{
			Phase:       PhaseConsole,
			ExecutionID: execID,
			Payload: map[string]interface{}{
				"level":   level,
				"message": message,
			},
		})
	}
	return NewEnvironment(s.cfg, s.engine.Exec.MaxCallStackSize, sink)
}

func (s *Sandbox) worker(env *Environment) {
	defer s.wg.Done()

	x := &executor{
		env:            env,
		cpu:            time.Duration(s.cfg.CPUMillis) * time.Millisecond,
		memBytes:       uint64(s.cfg.MemoryMB) * 1024 * 1024,
		sampleInterval: s.engine.Exec.MemSampleInterval,
		bus:            s.bus,
		metrics:        s.metrics,
		log:            s.log,
	}

	for {
		select {
		case <-s.done:
			return
		case req := <-s.reqCh:
			res, tripped := x.run(req)
			req.result <- res

			if tripped {
				// A runtime that blew a resource supervisor may be
				// degraded; replace the whole environment before the
				// next request.
				fresh, err := s.buildEnvironment()
				if err != nil {
					s.log.Error("environment replacement failed, closing sandbox",
						zap.String("sandbox_id", s.id.String()),
						zap.Error(err))
					s.closeOnce.Do(func() { close(s.done) })
					return
				}
				x.env = fresh
			}
		}
	}
}

func validateConfig(cfg Config) error {
	if cfg.CPUMillis < MinCPUMillis || cfg.CPUMillis > MaxCPUMillis {
		return configErr("cpuMs must be within [%d, %d]", MinCPUMillis, MaxCPUMillis)
	}
	if cfg.MemoryMB < MinMemoryMB || cfg.MemoryMB > MaxMemoryMB {
		return configErr("memoryMb must be within [%d, %d]", MinMemoryMB, MaxMemoryMB)
	}
	for _, name := range cfg.AllowedModules {
		if !IsWhitelisted(name) {
			return configErr("module %q is not on the fixed whitelist", name)
		}
	}
	for name := range cfg.Globals {
		if !identifierRe.MatchString(name) {
			return configErr("global %q is not a valid identifier", name)
		}
		if _, reserved := reservedGlobals[name]; reserved {
			return configErr("global %q shadows a protected name", name)
		}
	}
	return nil
}
