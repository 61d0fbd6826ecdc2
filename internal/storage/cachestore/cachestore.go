package cachestore

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is a process-local TTL cache partitioned by kind. Entries are
// best-effort: a miss is never an error, only a signal to recompute.
type Cache struct {
	c *gocache.Cache
}

const (
	defaultTTL      = 5 * time.Minute
	cleanupInterval = 10 * time.Minute
)

func New() *Cache {
	return &Cache{c: gocache.New(defaultTTL, cleanupInterval)}
}

func cacheKey(kind, key string) string {
	return kind + "\x00" + key
}

func (c *Cache) Get(kind, key string) (any, bool) {
	return c.c.Get(cacheKey(kind, key))
}

// Put stores value under kind/key. ttl <= 0 falls back to the default TTL.
func (c *Cache) Put(kind, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c.c.Set(cacheKey(kind, key), value, ttl)
}

func (c *Cache) Delete(kind, key string) {
	c.c.Delete(cacheKey(kind, key))
}
