// Package memcache is a small in-process LRU in front of the persisted
// result store. Entries are keyed by an xxhash of (appUserId, requestHash)
// so lookups never allocate the composite key string twice.
package memcache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Entry struct {
	AppUserID  string
	Payload    json.RawMessage
	StatusCode int
	OK         bool
	FetchedAt  time.Time
	ExpiresAt  time.Time
}

type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache[uint64, Entry]
}

func New(maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	l, err := lru.New[uint64, Entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

func key(appUserID, requestHash string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(appUserID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(requestHash)
	return h.Sum64()
}

// Get returns the entry when present and not expired at now. With
// allowStale, an expired entry is still returned, bounded by maxAge when it
// is positive; this backs the force-refresh guard window.
func (c *Cache) Get(appUserID, requestHash string, now time.Time, allowStale bool, maxAge time.Duration) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key(appUserID, requestHash))
	if !ok {
		return Entry{}, false
	}
	if now.Before(e.ExpiresAt) {
		return e, true
	}
	if allowStale && (maxAge <= 0 || now.Sub(e.FetchedAt) <= maxAge) {
		return e, true
	}
	c.lru.Remove(key(appUserID, requestHash))
	return Entry{}, false
}

func (c *Cache) Put(appUserID, requestHash string, e Entry) {
	e.AppUserID = appUserID
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key(appUserID, requestHash), e)
}

// DropUser evicts every entry belonging to one user.
func (c *Cache) DropUser(appUserID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && e.AppUserID == appUserID {
			c.lru.Remove(k)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
