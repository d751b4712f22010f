// Package cache provides a content-addressed store of compiled scripts.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/GriffinCanCode/scriptbox/internal/config"
	"github.com/GriffinCanCode/scriptbox/internal/logging"
	"github.com/GriffinCanCode/scriptbox/internal/monitoring"
	"github.com/GriffinCanCode/scriptbox/internal/shared/hash"
)

// Handle is an immutable reference to a compiled script. Equal source yields
// handles with equal hashes pointing at the same compiled form.
type Handle struct {
	hash    string
	program *goja.Program
}

// Hash returns the sha256 content hash of the source.
func (h Handle) Hash() string {
	return h.hash
}

// Program returns the compiled form.
func (h Handle) Program() *goja.Program {
	return h.program
}

type entry struct {
	hash     string
	program  *goja.Program
	loadedAt time.Time
	elem     *list.Element
}

// Cache is a bounded LRU of compiled scripts keyed by cryptographic content
// hash. Concurrent compiles of the same hash are collapsed single-flight:
// the first caller compiles, the rest await and share the result. It is the
// only state shared across concurrent executions.
type Cache struct {
	capacity int
	maxAge   time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently used

	group   singleflight.Group
	log     *logging.Logger
	metrics *monitoring.Metrics
}

// New creates a cache with the given tunables.
func New(cfg config.CacheConfig, log *logging.Logger, metrics *monitoring.Metrics) *Cache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Cache{
		capacity: cfg.Capacity,
		maxAge:   cfg.MaxAge,
		entries:  make(map[string]*entry),
		order:    list.New(),
		log:      log.Named("cache"),
		metrics:  metrics,
	}
}

// Compile returns a handle for the source, compiling at most once per
// content hash regardless of concurrency.
func (c *Cache) Compile(code string) (Handle, error) {
	key := hash.ContentString(code)

	if prog, ok := c.lookup(key); ok {
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		return Handle{hash: key, program: prog}, nil
	}
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Double-check under single-flight: a racing caller may have
		// inserted between lookup and Do.
		if prog, ok := c.lookup(key); ok {
			return prog, nil
		}
		prog, err := goja.Compile(hash.Short(key), code, false)
		if err != nil {
			return nil, err
		}
		c.insert(key, prog)
		return prog, nil
	})
	if err != nil {
		return Handle{}, err
	}
	return Handle{hash: key, program: v.(*goja.Program)}, nil
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) (*goja.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.maxAge > 0 && time.Since(e.loadedAt) > c.maxAge {
		c.evict(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.program, true
}

func (c *Cache) insert(key string, prog *goja.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}

	e := &entry{hash: key, program: prog, loadedAt: time.Now()}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.evict(oldest.Value.(*entry))
	}

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
}

// evict removes an entry. Caller holds c.mu.
func (c *Cache) evict(e *entry) {
	delete(c.entries, e.hash)
	c.order.Remove(e.elem)
	if c.metrics != nil {
		c.metrics.CacheEvictions.Inc()
		c.metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	c.log.Debug("cache entry evicted", zap.String("hash", hash.Short(e.hash)))
}
