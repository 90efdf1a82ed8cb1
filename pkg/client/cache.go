package client

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// keySep cannot appear in query names; it separates name from parameters.
const keySep = "\x1f"

// QueryCache keeps query results keyed by query name and parameters. All
// methods are safe on a nil receiver, which caches nothing.
type QueryCache struct {
	items *gocache.Cache
}

func NewQueryCache(ttl time.Duration) *QueryCache {
	return &QueryCache{items: gocache.New(ttl, 2*ttl)}
}

// Key joins a query name and its parameters into a cache key.
func Key(query string, params ...string) string {
	return query + keySep + strings.Join(params, keySep)
}

func (c *QueryCache) Get(query string, params ...string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.items.Get(Key(query, params...))
}

func (c *QueryCache) Set(query string, value any, params ...string) {
	if c == nil {
		return
	}
	c.items.SetDefault(Key(query, params...), value)
}

// Invalidate drops one query instance.
func (c *QueryCache) Invalidate(query string, params ...string) {
	if c == nil {
		return
	}
	c.items.Delete(Key(query, params...))
}

// InvalidateQuery drops every cached instance of a query.
func (c *QueryCache) InvalidateQuery(query string) {
	if c == nil {
		return
	}
	prefix := query + keySep
	for key := range c.items.Items() {
		if strings.HasPrefix(key, prefix) {
			c.items.Delete(key)
		}
	}
}

func (c *QueryCache) Len() int {
	if c == nil {
		return 0
	}
	return c.items.ItemCount()
}
