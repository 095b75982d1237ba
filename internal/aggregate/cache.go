package aggregate

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Loader builds the context for a tag set on a cache miss.
type Loader func(tags model.Tags) (*Context, error)

// ContextCacheConfig holds tunables for the context cache.
type ContextCacheConfig struct {
	// Expiry is the idle time after which an unused context is dropped.
	Expiry time.Duration
	// MaxEntries bounds the cache; zero means unbounded.
	MaxEntries int
	Loader     Loader
	Logger     *zap.Logger
}

// ContextCache maps tag sets to aggregation contexts. Entries expire after
// Expiry without access, and a miss runs the loader once per key even under
// concurrent callers.
type ContextCache struct {
	// mu makes the get-and-refresh of a hit atomic with respect to the
	// insert of a freshly loaded context.
	mu     sync.Mutex
	lru    *expirable.LRU[string, *Context]
	group  singleflight.Group
	loader Loader
	logger *zap.Logger
}

// NewContextCache creates a cache with a one hour idle expiry by default.
func NewContextCache(conf ...ContextCacheConfig) *ContextCache {
	expiry := model.DefaultContextExpiry
	maxEntries := 0
	var loader Loader
	logger := zap.NewNop()
	if len(conf) > 0 {
		if conf[0].Expiry > 0 {
			expiry = conf[0].Expiry
		}
		if conf[0].MaxEntries > 0 {
			maxEntries = conf[0].MaxEntries
		}
		loader = conf[0].Loader
		if conf[0].Logger != nil {
			logger = conf[0].Logger
		}
	}
	if loader == nil {
		loader = func(tags model.Tags) (*Context, error) {
			return NewContext(tags, logger), nil
		}
	}

	return &ContextCache{
		lru:    expirable.NewLRU[string, *Context](maxEntries, nil, expiry),
		loader: loader,
		logger: logger,
	}
}

// GetOrCreate returns the context for tags, loading it on a miss.
func (c *ContextCache) GetOrCreate(tags model.Tags) (*Context, error) {
	key := tags.Key()
	if ctx, ok := c.touch(key); ok {
		return ctx, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if ctx, ok := c.touch(key); ok {
			return ctx, nil
		}
		ctx, err := c.loader(tags.Clone())
		if err != nil {
			return nil, err
		}
		return c.addIfAbsent(key, ctx), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// touch re-adds a hit so the idle timer restarts on access.
func (c *ContextCache) touch(key string) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, ok := c.lru.Get(key)
	if ok {
		c.lru.Add(key, ctx)
	}
	return ctx, ok
}

// addIfAbsent stores ctx unless a live context already holds the key, in
// which case that one wins and is refreshed.
func (c *ContextCache) addIfAbsent(key string, ctx *Context) *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Get(key); ok {
		c.lru.Add(key, cur)
		return cur
	}
	c.lru.Add(key, ctx)
	return ctx
}

// Contexts returns every live context.
func (c *ContextCache) Contexts() []*Context {
	return c.lru.Values()
}

// Len returns the number of live contexts.
func (c *ContextCache) Len() int { return c.lru.Len() }
