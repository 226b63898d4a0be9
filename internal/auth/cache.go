package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// maxStaleFactor bounds how long past its TTL an entry may still be served
// while refreshes fail. Beyond ttl*maxStaleFactor the key must be
// re-verified against the database.
const maxStaleFactor = 10

// AuthCache maps API keys to verified clients with stale-while-revalidate.
// Keys are held only as SHA-256 digests.
type AuthCache struct {
	entries  sync.Map // map[[32]byte]*cachedClient
	ttl      time.Duration
	maxStale time.Duration
}

type cachedClient struct {
	client     *ClientContext
	verifiedAt time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Client       *ClientContext
	Hit          bool
	NeedsRefresh bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, maxStale: ttl * maxStaleFactor}
}

func digest(apiKey string) [32]byte {
	return sha256.Sum256([]byte(apiKey))
}

// Get never blocks on the database. A stale entry is still served and
// exactly one caller at a time is told to refresh it; an entry past the
// stale bound is a miss.
func (c *AuthCache) Get(apiKey string) AuthCacheGetResult {
	val, ok := c.entries.Load(digest(apiKey))
	if !ok {
		return AuthCacheGetResult{}
	}
	e := val.(*cachedClient)

	age := time.Since(e.verifiedAt)
	switch {
	case age < c.ttl:
		return AuthCacheGetResult{Client: e.client, Hit: true}
	case age >= c.maxStale:
		return AuthCacheGetResult{}
	}
	return AuthCacheGetResult{
		Client:       e.client,
		Hit:          true,
		NeedsRefresh: e.refreshing.CompareAndSwap(false, true),
	}
}

// Set records a freshly verified client.
func (c *AuthCache) Set(apiKey string, client *ClientContext) {
	c.entries.Store(digest(apiKey), &cachedClient{client: client, verifiedAt: time.Now()})
}

// RefreshFailed lets the next stale reader retry the refresh.
func (c *AuthCache) RefreshFailed(apiKey string) {
	if val, ok := c.entries.Load(digest(apiKey)); ok {
		val.(*cachedClient).refreshing.Store(false)
	}
}

// Delete removes an entry, e.g. after a refresh finds the key revoked.
func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(digest(apiKey))
}
