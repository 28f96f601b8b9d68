package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zhouzirui/persona-relay/backend/internal/model/chat"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

type cacheKey struct {
	subjectID string
	query     string
}

// Cached answers repeated searches from an expiring LRU before hitting the backend.
// Add invalidates every cached search of that subject, including searches still in
// flight when the Add lands.
type Cached struct {
	next  Provider
	cache *expirable.LRU[cacheKey, []Snippet]

	// mu 串行化“比较代数后写缓存”与“递增代数并清理”
	mu   sync.Mutex
	gens map[string]uint64
}

// NewCached wraps next. size/ttl <= 0 use defaults.
func NewCached(next Provider, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[cacheKey, []Snippet](size, nil, ttl),
		gens:  make(map[string]uint64),
	}
}

func (c *Cached) Name() string { return c.next.Name() }

// Search serves from cache when possible. Failures are never cached.
func (c *Cached) Search(ctx context.Context, query, subjectID string) ([]Snippet, error) {
	key := cacheKey{subjectID: subjectID, query: normaliseQuery(query)}
	if hit, ok := c.cache.Get(key); ok {
		return append([]Snippet(nil), hit...), nil
	}

	c.mu.Lock()
	gen := c.gens[subjectID]
	c.mu.Unlock()

	snippets, err := c.next.Search(ctx, query, subjectID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// an Add finished while we searched; the result may predate it
	if c.gens[subjectID] == gen {
		c.cache.Add(key, append([]Snippet(nil), snippets...))
	}
	return snippets, nil
}

// Add forwards to the backend and purges the subject's cached searches.
func (c *Cached) Add(ctx context.Context, turns []chat.Turn, subjectID string) error {
	err := c.next.Add(ctx, turns, subjectID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[subjectID]++
	for _, key := range c.cache.Keys() {
		if key.subjectID == subjectID {
			c.cache.Remove(key)
		}
	}
	return err
}

// Close closes the wrapped provider when it holds resources.
func (c *Cached) Close() error {
	if closer, ok := c.next.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func normaliseQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
