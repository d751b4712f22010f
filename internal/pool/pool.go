// Package pool schedules executions across reusable isolated workers,
// amortizing environment construction cost.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptbox/internal/config"
	"github.com/GriffinCanCode/scriptbox/internal/logging"
	"github.com/GriffinCanCode/scriptbox/internal/monitoring"
	"github.com/GriffinCanCode/scriptbox/internal/resilience"
	"github.com/GriffinCanCode/scriptbox/internal/sandbox"
	"github.com/GriffinCanCode/scriptbox/internal/shared/id"
)

var (
	// ErrPoolClosed is returned when running against a closed pool.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrQueueFull is returned when the backlog stays saturated past the
	// acquire timeout. No backoff is applied; callers decide.
	ErrQueueFull = errors.New("worker pool queue is full")
)

type job struct {
	code   string
	result chan jobResult
}

type jobResult struct {
	res *sandbox.Result
	err error
}

// Pool owns up to size workers, each with an exclusive sandbox. Jobs are
// dispatched FIFO from a bounded queue; there is no priority scheduling and
// no ordering guarantee across workers. A worker whose execution trips a
// resource supervisor is destroyed and replaced, never reused.
type Pool struct {
	size    int
	sbxCfg  sandbox.Config
	sbxOpts sandbox.Options
	engine  *config.Engine

	jobs chan job
	done chan struct{}

	guard   *resilience.Guard
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu     sync.Mutex
	alive  int
	busy   int
	closed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a pool and pre-spawns its workers. Worker environments are
// built eagerly so construction failures surface here, not on first Run.
func New(size int, sbxCfg sandbox.Config, sbxOpts sandbox.Options) (*Pool, error) {
	if size <= 0 {
		size = 4
	}

	engine := sbxOpts.Engine
	if engine == nil {
		engine = config.LoadOrDefault()
		sbxOpts.Engine = engine
	}
	log := sbxOpts.Logger
	if log == nil {
		log = logging.NewNop()
	}

	p := &Pool{
		size:    size,
		sbxCfg:  sbxCfg,
		sbxOpts: sbxOpts,
		engine:  engine,
		jobs:    make(chan job, engine.Pool.QueueDepth),
		done:    make(chan struct{}),
		guard:   resilience.NewGuard(resilience.Settings{}),
		log:     log.Named("pool"),
		metrics: sbxOpts.Metrics,
	}

	for i := 0; i < size; i++ {
		if err := p.spawn(); err != nil {
			p.Close()
			return nil, err
		}
	}
	return p, nil
}

// Run schedules one script on an idle worker, queueing FIFO when all are
// busy. The worker is released on completion regardless of outcome.
func (p *Pool) Run(ctx context.Context, code string) (*sandbox.Result, error) {
	j := job{code: code, result: make(chan jobResult, 1)}

	timeout := time.NewTimer(p.engine.Pool.AcquireTimeout)
	defer timeout.Stop()

	select {
	case p.jobs <- j:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, ErrQueueFull
	}

	p.observeQueue()
	p.respawnIfStarved()

	select {
	case r := <-j.result:
		return r.res, r.err
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stats returns a point-in-time snapshot of pool state.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{
		"size":   p.size,
		"alive":  p.alive,
		"busy":   p.busy,
		"queued": len(p.jobs),
		"closed": p.closed,
	}
}

// Close tears down all workers and fails queued jobs with ErrPoolClosed.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)

		// Fail whatever is still queued; workers are exiting.
		for {
			select {
			case j := <-p.jobs:
				j.result <- jobResult{err: ErrPoolClosed}
			default:
				p.wg.Wait()
				return
			}
		}
	})
	return nil
}

func (p *Pool) spawn() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	if err := p.guard.Allow(); err != nil {
		return err
	}

	sb, err := sandbox.New(p.sbxCfg, p.sbxOpts)
	if err != nil {
		p.guard.Failure()
		return err
	}
	p.guard.Success()

	wid := id.NewWorkerID()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sb.Close()
		return ErrPoolClosed
	}
	p.alive++
	p.wg.Add(1)
	p.mu.Unlock()
	p.observeWorkers()

	go p.worker(wid, sb)
	return nil
}

// respawnIfStarved restores capacity after workers died (failed replacement
// or idle retirement) while a backlog exists.
func (p *Pool) respawnIfStarved() {
	p.mu.Lock()
	starved := !p.closed && p.alive < p.size && len(p.jobs) > 0
	p.mu.Unlock()

	if starved {
		if err := p.spawn(); err != nil && !errors.Is(err, resilience.ErrGuardOpen) {
			p.log.Warn("worker respawn failed", zap.Error(err))
		}
	}
}

func (p *Pool) worker(wid id.WorkerID, sb *sandbox.Sandbox) {
	defer p.wg.Done()

	idle := time.NewTimer(p.engine.Pool.IdleWindow)
	defer idle.Stop()

	for {
		select {
		case <-p.done:
			p.workerExit(sb, true)
			return

		case j := <-p.jobs:
			p.setBusy(true)
			res, err := sb.Run(context.Background(), j.code)
			j.result <- jobResult{res: res, err: err}
			p.setBusy(false)

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.engine.Pool.IdleWindow)

			if tripped(res) {
				// The surrounding runtime may be degraded; this worker
				// is destroyed, never reused.
				if p.metrics != nil {
					p.metrics.WorkersReplaced.Inc()
				}
				p.log.Info("worker destroyed after supervisor trip",
					zap.String("worker_id", wid.String()),
					zap.String("kind", string(res.ErrKind)))
				p.workerExit(sb, true)
				if err := p.spawn(); err != nil {
					p.log.Warn("worker replacement failed", zap.Error(err))
				}
				return
			}

		case <-idle.C:
			if p.tryRetire() {
				// tryRetire reserved this exit and already decremented.
				p.log.Debug("idle worker retired", zap.String("worker_id", wid.String()))
				p.workerExit(sb, false)
				return
			}
			idle.Reset(p.engine.Pool.IdleWindow)
		}
	}
}

// tripped reports whether the execution blew a resource supervisor. Guest
// errors and security violations leave the runtime intact.
func tripped(res *sandbox.Result) bool {
	if res == nil {
		return false
	}
	return res.ErrKind == sandbox.ErrKindTimeout || res.ErrKind == sandbox.ErrKindMemoryLimit
}

func (p *Pool) tryRetire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alive <= p.engine.Pool.LowWater {
		return false
	}
	p.alive--
	return true
}

func (p *Pool) workerExit(sb *sandbox.Sandbox, decrement bool) {
	_ = sb.Close()
	if decrement {
		p.mu.Lock()
		p.alive--
		p.mu.Unlock()
	}
	p.observeWorkers()
}

func (p *Pool) setBusy(b bool) {
	p.mu.Lock()
	if b {
		p.busy++
	} else {
		p.busy--
	}
	p.mu.Unlock()
	p.observeWorkers()
}

func (p *Pool) observeWorkers() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	alive, busy := p.alive, p.busy
	p.mu.Unlock()
	p.metrics.WorkersTotal.Set(float64(alive))
	p.metrics.WorkersBusy.Set(float64(busy))
}

func (p *Pool) observeQueue() {
	if p.metrics != nil {
		p.metrics.QueueDepth.Set(float64(len(p.jobs)))
	}
}
