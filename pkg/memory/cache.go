package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
)

const DefaultMaxCacheSize = 50

// ManagerFactory builds a manager on a cache miss.
type ManagerFactory func(ctx context.Context, sessionKey string, docIDs []int64, userID string) (*Manager, error)

// ManagerCache is a bounded, insertion-ordered cache of session managers.
// Lookups use Peek so they never refresh recency; the oldest insert is
// evicted first. Builds run outside the cache lock; concurrent misses on the
// same key wait for a single build.
type ManagerCache struct {
	mu      sync.Mutex
	size    int
	lru     *lru.Cache[string, *Manager]
	pending map[string]*pendingBuild
}

type pendingBuild struct {
	sessionKey string
	done       chan struct{}
	dropped    bool
	m          *Manager
	err        error
}

func NewManagerCache(size int) (*ManagerCache, error) {
	if size <= 0 {
		size = DefaultMaxCacheSize
	}
	c, err := lru.New[string, *Manager](size)
	if err != nil {
		return nil, fmt.Errorf("new manager cache: %w", err)
	}
	return &ManagerCache{size: size, lru: c, pending: map[string]*pendingBuild{}}, nil
}

// CacheKey combines the session key with its sorted document scope.
func CacheKey(sessionKey string, docIDs []int64) string {
	ids := sortedDocIDs(docIDs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return sessionKey + ":" + strings.Join(parts, ",")
}

// GetOrCreate returns the cached manager for (sessionKey, docIDs) or builds
// and inserts a new one. Managers closed by ClearSession are rebuilt.
func (c *ManagerCache) GetOrCreate(ctx context.Context, sessionKey string, docIDs []int64, userID string, build ManagerFactory) (*Manager, error) {
	key := CacheKey(sessionKey, docIDs)

	c.mu.Lock()
	if m, ok := c.lru.Peek(key); ok && !m.Closed() {
		c.mu.Unlock()
		metrics.ManagerCacheLookups.WithLabelValues("hit").Inc()
		return m, nil
	}
	if p, ok := c.pending[key]; ok {
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.m, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingBuild{sessionKey: sessionKey, done: make(chan struct{})}
	c.pending[key] = p
	c.mu.Unlock()
	metrics.ManagerCacheLookups.WithLabelValues("miss").Inc()

	p.m, p.err = build(ctx, sessionKey, docIDs, userID)

	c.mu.Lock()
	delete(c.pending, key)
	switch {
	case p.err != nil:
	case p.dropped:
		// The session was removed while building; hand out a closed manager.
		p.m.Close()
	default:
		c.insertLocked(key, p.m)
	}
	c.mu.Unlock()
	close(p.done)
	return p.m, p.err
}

func (c *ManagerCache) insertLocked(key string, m *Manager) {
	c.lru.Remove(key)
	if c.lru.Len() >= c.size {
		if keys := c.lru.Keys(); len(keys) > 0 {
			metrics.ManagerCacheEvictions.Inc()
			logger.DebugCF("memory", "Evicting memory manager", map[string]interface{}{
				"cache_key": keys[0],
				"size":      c.size,
			})
		}
	}
	c.lru.Add(key, m)
}

// RemoveSession drops every cached manager of sessionKey, whatever its
// document scope, and returns them. Managers still being built for the
// session are closed once their build finishes.
func (c *ManagerCache) RemoveSession(sessionKey string) []*Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []*Manager
	for _, key := range c.lru.Keys() {
		m, ok := c.lru.Peek(key)
		if ok && m.SessionKey() == sessionKey {
			c.lru.Remove(key)
			removed = append(removed, m)
		}
	}
	for _, p := range c.pending {
		if p.sessionKey == sessionKey {
			p.dropped = true
		}
	}
	return removed
}

func (c *ManagerCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys returns cache keys oldest first.
func (c *ManagerCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Purge closes and drops every cached manager. Closing waits for in-flight
// calls, so nothing touches the store once Purge returns.
func (c *ManagerCache) Purge() {
	c.mu.Lock()
	managers := c.lru.Values()
	c.lru.Purge()
	c.mu.Unlock()
	for _, m := range managers {
		m.Close()
	}
}
