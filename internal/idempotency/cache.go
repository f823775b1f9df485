// Package idempotency replays responses for retried deliberation
// requests. A blocking council run can take minutes; a client that
// times out and retries would otherwise start a second full run, with a
// second round of provider spend, for the same question. Requests that
// carry an Idempotency-Key header get their first successful response
// cached and replayed instead.
package idempotency

import (
	"sync"
	"time"
)

// record holds one cached response.
type record struct {
	Body       []byte
	StatusCode int
	Headers    map[string]string
	CreatedAt  time.Time
}

// Cache is a TTL-bounded, size-capped in-memory response store.
type Cache struct {
	ttl        time.Duration
	maxRecords int
	now        func() time.Time

	mu      sync.Mutex
	records map[string]record

	stop chan struct{}
}

// New creates a Cache that expires records after ttl and evicts the
// oldest record when maxRecords is exceeded. A background goroutine
// sweeps expired records every ttl/2.
func New(ttl time.Duration, maxRecords int) *Cache {
	c := &Cache{
		ttl:        ttl,
		maxRecords: maxRecords,
		now:        time.Now,
		records:    make(map[string]record),
		stop:       make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Key builds the cache key for one request. The client-supplied value
// is scoped by method and path so reusing a key against a different
// endpoint cannot replay the wrong response.
func Key(method, path, clientKey string) string {
	return method + " " + path + " " + clientKey
}

// Get returns a copy of the cached record, if present and fresh.
// Expired entries are removed on sight.
func (c *Cache) Get(key string) (record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		return record{}, false
	}
	if c.now().Sub(rec.CreatedAt) > c.ttl {
		delete(c.records, key)
		return record{}, false
	}
	return rec, true
}

// Set stores a response under the given key. Inserting into a full
// cache evicts the oldest record first; overwriting never evicts.
func (c *Cache) Set(key string, body []byte, statusCode int, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[key]; !exists && len(c.records) >= c.maxRecords {
		c.evictOldest()
	}
	c.records[key] = record{
		Body:       body,
		StatusCode: statusCode,
		Headers:    headers,
		CreatedAt:  c.now(),
	}
}

// Stop terminates the background sweeper.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) expireLoop() {
	// Sweep at half the TTL, but never busier than once a second.
	ticker := time.NewTicker(max(c.ttl/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.expire()
		}
	}
}

// expire removes every record past its TTL.
func (c *Cache) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, rec := range c.records {
		if now.Sub(rec.CreatedAt) > c.ttl {
			delete(c.records, k)
		}
	}
}

// evictOldest removes the record with the earliest CreatedAt. Caller
// must hold c.mu. Every stored record carries a Set-stamped CreatedAt,
// so the zero time marks "nothing seen yet".
func (c *Cache) evictOldest() {
	if len(c.records) == 0 {
		return
	}
	victim, when := "", time.Time{}
	for k, rec := range c.records {
		if when.IsZero() || rec.CreatedAt.Before(when) {
			victim, when = k, rec.CreatedAt
		}
	}
	delete(c.records, victim)
}
