// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"container/list"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	TTL      time.Duration // zero means entries never expire
	MaxBytes int           // total size estimate capacity
	BaseDNs  []string      // if not empty, only searches based exactly here are cached
}

// CacheKey is the fingerprint of a cacheable search.
type CacheKey uint32

// CachedResult is the stored outcome of a completed search.
type CachedResult struct {
	BaseDN   string     // normalized search base
	Messages []*Message // entries and intermediates in arrival order
	Final    *Message
	Size     int // size estimate in bytes
}

// CacheStats is a snapshot of Cache counters.
type CacheStats struct {
	Hits      uint64
	Total     uint64
	Entries   int
	Bytes     int
	Evictions uint64
}

// Cache is a size and age bounded store of search results.
// Eviction is strictly in insertion order.
type Cache struct {
	cfg       CacheConfig
	bases     map[string]struct{}
	mu        sync.Mutex
	items     map[CacheKey]*list.Element
	order     *list.List // front is oldest
	used      int
	hits      uint64
	total     uint64
	evictions uint64
	timer     *time.Timer
	closed    bool
	now       func() time.Time
	metrics   *Metrics
}

type cacheEntry struct {
	key      CacheKey
	res      *CachedResult
	inserted time.Time
}

// NewCache returns an empty Cache.
func NewCache(cfg CacheConfig) *Cache {
	c := &Cache{
		cfg:   cfg,
		items: make(map[CacheKey]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
	if len(cfg.BaseDNs) > 0 {
		c.bases = make(map[string]struct{}, len(cfg.BaseDNs))
		for _, dn := range cfg.BaseDNs {
			c.bases[NormalizeDN(dn)] = struct{}{}
		}
	}
	return c
}

func (c *Cache) setMetrics(m *Metrics) {
	c.mu.Lock()
	c.metrics = m
	c.mu.Unlock()
}

// Key returns the fingerprint of a search. It returns ErrNotCacheable if the
// Cache is limited to a set of base DNs that does not include base.
// Attribute and control order does not affect the result.
func (c *Cache) Key(server, base string, scope Scope, filter string, attrs []string, identity string, controls []Control) (CacheKey, error) {
	base = NormalizeDN(base)
	if c.bases != nil {
		if _, ok := c.bases[base]; !ok {
			return 0, errors.WithStack(ErrNotCacheable)
		}
	}
	if canon, err := CanonicalFilter(filter); err == nil {
		filter = canon
	}
	sortedAttrs := make([]string, len(attrs))
	for i, a := range attrs {
		sortedAttrs[i] = strings.ToLower(strings.TrimSpace(a))
	}
	sort.Strings(sortedAttrs)
	ctls := make([]string, len(controls))
	for i, ctl := range controls {
		ctls[i] = controlFingerprint(ctl)
	}
	sort.Strings(ctls)

	var sb strings.Builder
	for i, field := range []string{
		strings.ToLower(server),
		base,
		strconv.Itoa(int(scope)),
		filter,
		strings.Join(sortedAttrs, ","),
		NormalizeDN(identity),
		strings.Join(ctls, ","),
	} {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(field)
	}
	return CacheKey(crc32.ChecksumIEEE([]byte(sb.String()))), nil
}

// Get returns the cached result for key. Expired entries are misses.
func (c *Cache) Get(key CacheKey) (*CachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if elem, ok := c.items[key]; ok {
		ent := elem.Value.(*cacheEntry)
		if !c.expiredLocked(ent, c.now()) {
			c.hits++
			c.metrics.RecordCacheLookup(true)
			return ent.res, true
		}
	}
	c.metrics.RecordCacheLookup(false)
	return nil, false
}

// Put stores a result. A result larger than the whole capacity is not
// stored and false is returned. Oldest entries are evicted to make room.
func (c *Cache) Put(key CacheKey, res *CachedResult) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || res.Size > c.cfg.MaxBytes {
		return false
	}
	if elem, ok := c.items[key]; ok {
		c.removeElementLocked(elem)
	}
	var evicted int
	for c.used+res.Size > c.cfg.MaxBytes {
		elem := c.order.Front()
		if elem == nil {
			break
		}
		c.removeElementLocked(elem)
		evicted++
	}
	c.evictions += uint64(evicted)
	c.metrics.RecordCacheEviction("capacity", evicted)
	c.items[key] = c.order.PushBack(&cacheEntry{key: key, res: res, inserted: c.now()})
	c.used += res.Size
	c.metrics.SetCacheBytes(c.used)
	if c.timer == nil {
		c.armLocked()
	}
	return true
}

func (c *Cache) removeElementLocked(elem *list.Element) {
	ent := c.order.Remove(elem).(*cacheEntry)
	delete(c.items, ent.key)
	c.used -= ent.res.Size
}

func (c *Cache) expiredLocked(ent *cacheEntry, now time.Time) bool {
	return c.cfg.TTL > 0 && now.Sub(ent.inserted) >= c.cfg.TTL
}

// armLocked schedules a sweep for when the oldest entry expires.
func (c *Cache) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	front := c.order.Front()
	if c.closed || c.cfg.TTL <= 0 || front == nil {
		return
	}
	d := front.Value.(*cacheEntry).inserted.Add(c.cfg.TTL).Sub(c.now())
	if d < 0 {
		d = 0
	}
	c.timer = time.AfterFunc(d, c.sweep)
}

// sweep evicts expired entries from the front of the insertion order and
// re-arms the timer for the new oldest entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	c.sweepLocked(c.now())
	c.armLocked()
}

func (c *Cache) sweepLocked(now time.Time) {
	var evicted int
	for elem := c.order.Front(); elem != nil; elem = c.order.Front() {
		if !c.expiredLocked(elem.Value.(*cacheEntry), now) {
			break
		}
		c.removeElementLocked(elem)
		evicted++
	}
	c.evictions += uint64(evicted)
	c.metrics.RecordCacheEviction("ttl", evicted)
	c.metrics.SetCacheBytes(c.used)
}

// Flush removes cached results. With an empty dn, everything is removed and
// the counters are reset. Otherwise the first entry whose base DN lies
// within scope of dn is removed. Returns true if anything was removed.
func (c *Cache) Flush(dn string, scope Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dn == "" {
		n := c.order.Len()
		c.items = make(map[CacheKey]*list.Element)
		c.order.Init()
		c.used, c.hits, c.total, c.evictions = 0, 0, 0, 0
		c.metrics.RecordCacheEviction("flush", n)
		c.metrics.SetCacheBytes(0)
		c.armLocked()
		return n > 0
	}
	target := NormalizeDN(dn)
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		if DNInScope(elem.Value.(*cacheEntry).res.BaseDN, target, scope) {
			c.removeElementLocked(elem)
			c.metrics.RecordCacheEviction("flush", 1)
			c.metrics.SetCacheBytes(c.used)
			c.armLocked()
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Total:     c.total,
		Entries:   c.order.Len(),
		Bytes:     c.used,
		Evictions: c.evictions,
	}
}

// Close stops the sweep timer. The Cache stops accepting entries.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return nil
}
