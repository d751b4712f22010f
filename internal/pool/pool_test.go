package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scriptbox/internal/config"
	"github.com/GriffinCanCode/scriptbox/internal/sandbox"
)

func baseConfig() sandbox.Config {
	return sandbox.Config{CPUMillis: 5000, MemoryMB: 128}
}

func newTestPool(t *testing.T, size int, cfg sandbox.Config, engine *config.Engine) *Pool {
	t.Helper()
	p, err := New(size, cfg, sandbox.Options{Engine: engine})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPoolRunsScript(t *testing.T) {
	p := newTestPool(t, 2, baseConfig(), nil)

	res, err := p.Run(context.Background(), `1 + 1`)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, int64(2), res.Value)
}

func TestPoolStats(t *testing.T) {
	p := newTestPool(t, 2, baseConfig(), nil)

	stats := p.Stats()
	assert.Equal(t, 2, stats["size"])
	assert.Equal(t, 2, stats["alive"])
	assert.Equal(t, 0, stats["busy"])
	assert.Equal(t, false, stats["closed"])
}

func TestPoolRunsConcurrently(t *testing.T) {
	p := newTestPool(t, 4, baseConfig(), nil)

	// Each script spins for a fixed wall interval; three of them on four
	// workers must overlap rather than serialize.
	script := `(function() {
		var start = Date.now();
		while (Date.now() - start < 200) {}
		return 'done';
	})()`

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Run(context.Background(), script)
			assert.NoError(t, err)
			assert.True(t, res.OK())
		}()
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"three 200ms scripts must not run back to back")
}

func TestPoolReplacesTrippedWorker(t *testing.T) {
	p := newTestPool(t, 1, sandbox.Config{CPUMillis: 100, MemoryMB: 64}, nil)

	res, err := p.Run(context.Background(), `for (;;) {}`)
	require.NoError(t, err)
	require.Equal(t, sandbox.ErrKindTimeout, res.ErrKind)

	// The tripped worker is destroyed and a replacement serves the next job.
	res, err = p.Run(context.Background(), `6 * 7`)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, int64(42), res.Value)

	assert.Eventually(t, func() bool {
		return p.Stats()["alive"] == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPoolQueueFull(t *testing.T) {
	engine := config.Default()
	engine.Pool.QueueDepth = 1
	engine.Pool.AcquireTimeout = 50 * time.Millisecond
	p := newTestPool(t, 1, baseConfig(), engine)

	hold := `(function() {
		var start = Date.now();
		while (Date.now() - start < 400) {}
		return 'held';
	})()`

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Run(context.Background(), hold)
		}()
		// First job reaches the worker, second fills the queue.
		time.Sleep(100 * time.Millisecond)
	}

	_, err := p.Run(context.Background(), `1`)
	assert.ErrorIs(t, err, ErrQueueFull)
	wg.Wait()
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	engine := config.Default()
	engine.Pool.IdleWindow = 50 * time.Millisecond
	engine.Pool.LowWater = 1
	p := newTestPool(t, 3, baseConfig(), engine)

	assert.Eventually(t, func() bool {
		return p.Stats()["alive"] == 1
	}, 3*time.Second, 20*time.Millisecond, "idle workers drain down to the low-water mark")
}

func TestPoolClosed(t *testing.T) {
	p, err := New(1, baseConfig(), sandbox.Options{})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Run(context.Background(), `1`)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, true, p.Stats()["closed"])
}

func TestPoolRejectsInvalidPolicy(t *testing.T) {
	_, err := New(1, sandbox.Config{CPUMillis: 1, MemoryMB: 1}, sandbox.Options{})
	assert.ErrorIs(t, err, sandbox.ErrConfiguration)
}

func TestPoolContextCancellation(t *testing.T) {
	p := newTestPool(t, 1, baseConfig(), nil)

	hold := `(function() {
		var start = Date.now();
		while (Date.now() - start < 300) {}
		return 'held';
	})()`

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Run(context.Background(), hold)
	}()
	time.Sleep(100 * time.Millisecond)

	// The only worker is busy; an abandoned caller gets its context error
	// without wedging the pool.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Run(ctx, `1`)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	wg.Wait()

	res, err := p.Run(context.Background(), `1 + 1`)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Value)
}
