// Package authcache keeps recent credential checks in memory so repeated
// logins from the same client do not hit the token store every time.
package authcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/xoauth2-proxy/consts"
	"github.com/migadu/xoauth2-proxy/db"
	"github.com/migadu/xoauth2-proxy/helpers"
	"github.com/migadu/xoauth2-proxy/logger"
	"github.com/migadu/xoauth2-proxy/pkg/metrics"
	"github.com/migadu/xoauth2-proxy/server/smtpproxy"
)

// Store is the subset of the token store the cache needs.
type Store interface {
	Authenticate(ctx context.Context, email, password string) (*db.Token, error)
}

type cacheEntry struct {
	token     *db.Token // nil for a negative entry
	expiresAt time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// AuthCache wraps a Store and implements smtpproxy.Authenticator.
type AuthCache struct {
	store       Store
	positiveTTL time.Duration
	negativeTTL time.Duration
	maxSize     int

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a cache in front of store and starts its cleanup loop.
func New(store Store, positiveTTL, negativeTTL time.Duration, maxSize int, cleanupInterval time.Duration) *AuthCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	c := &AuthCache{
		store:       store,
		positiveTTL: positiveTTL,
		negativeTTL: negativeTTL,
		maxSize:     maxSize,
		entries:     make(map[string]*cacheEntry),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go c.cleanupLoop(cleanupInterval)

	logger.Info("AuthCache: Initialized", "positive_ttl", positiveTTL,
		"negative_ttl", negativeTTL, "max_size", maxSize, "cleanup_interval", cleanupInterval)
	return c
}

// Authenticate checks the credentials, answering from the cache when a
// live entry exists. A cached token whose password no longer matches, or
// whose access token has expired, is re-checked against the store.
func (c *AuthCache) Authenticate(ctx context.Context, username, password string) (*smtpproxy.UserToken, error) {
	key := helpers.NormalizeEmail(username)
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		if entry.token == nil {
			c.recordHit()
			return nil, nil
		}
		if !entry.token.Expired(now) && db.VerifyPassword(entry.token.PasswordHash, password) == nil {
			c.recordHit()
			return userToken(entry.token), nil
		}
	}
	c.recordMiss()

	token, err := c.store.Authenticate(ctx, key, password)
	switch {
	case err == nil:
		c.set(key, &cacheEntry{token: token, expiresAt: now.Add(c.positiveTTL)})
		return userToken(token), nil
	case errors.Is(err, consts.ErrTokenNotFound):
		if c.negativeTTL > 0 {
			c.set(key, &cacheEntry{expiresAt: now.Add(c.negativeTTL)})
		}
		return nil, nil
	case errors.Is(err, consts.ErrInvalidPassword), errors.Is(err, consts.ErrTokenExpired):
		c.Invalidate(key)
		return nil, nil
	}
	return nil, err
}

func (c *AuthCache) recordHit() {
	c.hits.Add(1)
	metrics.AuthCacheHitsTotal.Inc()
}

func (c *AuthCache) recordMiss() {
	c.misses.Add(1)
	metrics.AuthCacheMissesTotal.Inc()
}

func (c *AuthCache) set(key string, entry *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = entry
	metrics.AuthCacheEntries.Set(float64(len(c.entries)))
}

// evictOldest drops the entry closest to expiry. Caller must hold the write lock.
func (c *AuthCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = entry.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Invalidate removes the entry for an address, e.g. after its token or
// password changed.
func (c *AuthCache) Invalidate(email string) {
	key := helpers.NormalizeEmail(email)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		metrics.AuthCacheEntries.Set(float64(len(c.entries)))
	}
}

// Purge drops every entry and resets the counters.
func (c *AuthCache) Purge() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	metrics.AuthCacheEntries.Set(0)
	logger.Info("AuthCache: Purged", "entries", n)
	return n
}

// Size returns the number of cached entries.
func (c *AuthCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *AuthCache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{Hits: hits, Misses: misses, Size: c.Size()}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total) * 100
	}
	return s
}

func (c *AuthCache) cleanupLoop(interval time.Duration) {
	defer close(c.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup(time.Now())
		case <-c.stop:
			return
		}
	}
}

func (c *AuthCache) cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("AuthCache: Removed expired entries", "removed", removed, "remaining", len(c.entries))
		metrics.AuthCacheEntries.Set(float64(len(c.entries)))
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (c *AuthCache) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })
	select {
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func userToken(t *db.Token) *smtpproxy.UserToken {
	return &smtpproxy.UserToken{Username: t.Username, AccessToken: t.AccessToken}
}

// Direct adapts store to smtpproxy.Authenticator without caching.
func Direct(store Store) smtpproxy.Authenticator {
	return smtpproxy.AuthenticatorFunc(func(ctx context.Context, username, password string) (*smtpproxy.UserToken, error) {
		token, err := store.Authenticate(ctx, helpers.NormalizeEmail(username), password)
		switch {
		case err == nil:
			return userToken(token), nil
		case errors.Is(err, consts.ErrTokenNotFound),
			errors.Is(err, consts.ErrInvalidPassword),
			errors.Is(err, consts.ErrTokenExpired):
			return nil, nil
		}
		return nil, err
	})
}
