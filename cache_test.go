// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package ldapmux

import (
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

func cachedResult(base string, size int) *CachedResult {
	return &CachedResult{
		BaseDN: NormalizeDN(base),
		Final:  testDone(1, ResultSuccess),
		Size:   size,
	}
}

func Test_Cache_Key_permutations(t *testing.T) {
	c := NewCache(CacheConfig{MaxBytes: 1000})
	defer c.Close()
	paged := &PagedResultsControl{Size: 10}
	manage := &ManageDsaITControl{}

	k1, err := c.Key("ldap://h:389", "DC=Example, DC=com", ScopeWholeSubtree, "(&(cn=a)(sn=b))",
		[]string{"mail", "CN"}, "cn=admin", []Control{paged, manage})
	require.NoError(t, err)
	k2, err := c.Key("ldap://h:389", "dc=example,dc=com", ScopeWholeSubtree, "(&(CN=a)(SN=b))",
		[]string{"cn", "mail"}, "CN=Admin", []Control{manage, paged})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	for _, k := range []func() (CacheKey, error){
		func() (CacheKey, error) {
			return c.Key("ldap://other:389", "dc=example,dc=com", ScopeWholeSubtree, "(&(cn=a)(sn=b))", []string{"cn", "mail"}, "cn=admin", []Control{manage, paged})
		},
		func() (CacheKey, error) {
			return c.Key("ldap://h:389", "dc=example,dc=com", ScopeSingleLevel, "(&(cn=a)(sn=b))", []string{"cn", "mail"}, "cn=admin", []Control{manage, paged})
		},
		func() (CacheKey, error) {
			return c.Key("ldap://h:389", "dc=example,dc=com", ScopeWholeSubtree, "(&(cn=a)(sn=c))", []string{"cn", "mail"}, "cn=admin", []Control{manage, paged})
		},
		func() (CacheKey, error) {
			return c.Key("ldap://h:389", "dc=example,dc=com", ScopeWholeSubtree, "(&(cn=a)(sn=b))", []string{"cn"}, "cn=admin", []Control{manage, paged})
		},
		func() (CacheKey, error) {
			return c.Key("ldap://h:389", "dc=example,dc=com", ScopeWholeSubtree, "(&(cn=a)(sn=b))", []string{"cn", "mail"}, "", []Control{manage, paged})
		},
		func() (CacheKey, error) {
			return c.Key("ldap://h:389", "dc=example,dc=com", ScopeWholeSubtree, "(&(cn=a)(sn=b))", []string{"cn", "mail"}, "cn=admin", []Control{manage})
		},
	} {
		k, err := k()
		require.NoError(t, err)
		assert.NotEqual(t, k1, k)
	}
}

func Test_Cache_Key_base_list(t *testing.T) {
	c := NewCache(CacheConfig{MaxBytes: 1000, BaseDNs: []string{"dc=example,dc=com"}})
	defer c.Close()
	_, err := c.Key("ldap://h:389", "DC=example,DC=com", ScopeBaseObject, "", nil, "", nil)
	assert.NoError(t, err)
	_, err = c.Key("ldap://h:389", "ou=people,dc=example,dc=com", ScopeBaseObject, "", nil, "", nil)
	assert.Equal(t, ErrNotCacheable, errors.Cause(err))
}

func Test_Cache_capacity_evicts_oldest(t *testing.T) {
	c := NewCache(CacheConfig{MaxBytes: 100})
	defer c.Close()

	assert.True(t, c.Put(1, cachedResult("dc=a", 40)))
	assert.True(t, c.Put(2, cachedResult("dc=b", 40)))
	assert.True(t, c.Put(3, cachedResult("dc=c", 40)))

	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(2)
	assert.True(t, ok)
	_, ok = c.Get(3)
	assert.True(t, ok)

	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 80, st.Bytes)
	assert.Equal(t, uint64(1), st.Evictions)
	assert.Equal(t, uint64(3), st.Total)
	assert.Equal(t, uint64(2), st.Hits)

	// a result larger than the whole cache is refused and evicts nothing
	assert.False(t, c.Put(4, cachedResult("dc=d", 101)))
	assert.Equal(t, 2, c.Stats().Entries)

	// filling the cache exactly is allowed
	assert.True(t, c.Put(5, cachedResult("dc=e", 100)))
	st = c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 100, st.Bytes)
}

func Test_Cache_Put_replaces(t *testing.T) {
	c := NewCache(CacheConfig{MaxBytes: 100})
	defer c.Close()
	assert.True(t, c.Put(1, cachedResult("dc=a", 60)))
	assert.True(t, c.Put(1, cachedResult("dc=a", 70)))
	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 70, st.Bytes)
	assert.Equal(t, uint64(0), st.Evictions)
}

func Test_Cache_ttl(t *testing.T) {
	defer leaktest.Check(t)()
	fc := &fakeClock{now: time.Unix(1000, 0)}
	c := NewCache(CacheConfig{MaxBytes: 1000, TTL: time.Hour})
	c.now = fc.Now
	defer c.Close()

	c.Put(1, cachedResult("dc=a", 10))
	fc.Advance(30 * time.Minute)
	c.Put(2, cachedResult("dc=b", 10))

	_, ok := c.Get(1)
	assert.True(t, ok)
	fc.Advance(30 * time.Minute)
	_, ok = c.Get(1)
	assert.False(t, ok, "expired entry must miss")
	_, ok = c.Get(2)
	assert.True(t, ok)

	c.sweep()
	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, uint64(1), st.Evictions)

	fc.Advance(30 * time.Minute)
	c.sweep()
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, 0, c.Stats().Bytes)
}

func Test_Cache_ttl_timer(t *testing.T) {
	defer leaktest.Check(t)()
	c := NewCache(CacheConfig{MaxBytes: 1000, TTL: 20 * time.Millisecond})
	defer c.Close()
	c.Put(1, cachedResult("dc=a", 10))
	c.Put(2, cachedResult("dc=b", 10))
	assert.Eventually(t, func() bool { return c.Stats().Entries == 0 }, testWait, time.Millisecond)
}

func Test_Cache_Flush(t *testing.T) {
	c := NewCache(CacheConfig{MaxBytes: 1000})
	defer c.Close()
	c.Put(1, cachedResult("ou=people,dc=example,dc=com", 10))
	c.Put(2, cachedResult("ou=groups,dc=example,dc=com", 10))
	c.Put(3, cachedResult("cn=x,ou=people,dc=example,dc=com", 10))
	c.Put(4, cachedResult("dc=other", 10))

	assert.False(t, c.Flush("dc=nowhere", ScopeWholeSubtree))
	assert.False(t, c.Flush("dc=example,dc=com", ScopeBaseObject))

	// removes the first in-scope entry only
	assert.True(t, c.Flush("dc=example,dc=com", ScopeSingleLevel))
	_, ok := c.Get(1)
	assert.False(t, ok)
	_, ok = c.Get(2)
	assert.True(t, ok)

	assert.True(t, c.Flush("ou=people,dc=example,dc=com", ScopeWholeSubtree))
	_, ok = c.Get(3)
	assert.False(t, ok)

	assert.True(t, c.Flush("", ScopeWholeSubtree))
	st := c.Stats()
	assert.Equal(t, CacheStats{}, st)
	assert.False(t, c.Flush("", ScopeWholeSubtree))
}

func Test_Cache_closed_refuses(t *testing.T) {
	c := NewCache(CacheConfig{MaxBytes: 1000})
	assert.NoError(t, c.Close())
	assert.False(t, c.Put(1, cachedResult("dc=a", 10)))
}
