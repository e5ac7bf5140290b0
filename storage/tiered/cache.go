package tiered

import (
	"sync"
	"time"

	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached user with expiration time and access time for LRU
type cacheEntry struct {
	user       *entitlement.User
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak when access times are equal
}

// userCache is an in-memory LRU of users with TTL, indexed by id and API key.
type userCache struct {
	mu       sync.Mutex
	users    map[string]*cacheEntry
	byKey    map[string]string
	max      int
	ttl      time.Duration
	now      func() time.Time
	sequence int64
	gen      uint64 // bumped on every invalidation

	hits      int64
	misses    int64
	evictions int64
}

func newUserCache(max int, ttl time.Duration, now func() time.Time) *userCache {
	return &userCache{
		users: make(map[string]*cacheEntry, max),
		byKey: make(map[string]string, max),
		max:   max,
		ttl:   ttl,
		now:   now,
	}
}

func (c *userCache) get(userID string) (*entitlement.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(userID)
}

func (c *userCache) getByKey(apiKey string) (*entitlement.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	userID, ok := c.byKey[apiKey]
	if !ok {
		c.misses++
		return nil, false
	}
	u, ok := c.getLocked(userID)
	if !ok || u.APIKey != apiKey {
		delete(c.byKey, apiKey)
		return nil, false
	}
	return u, true
}

func (c *userCache) getLocked(userID string) (*entitlement.User, bool) {
	entry, ok := c.users[userID]
	now := c.now()
	if !ok || now.After(entry.expiration) {
		if ok {
			c.removeLocked(userID)
		}
		c.misses++
		return nil, false
	}
	entry.accessTime = now
	c.hits++
	return copyUser(entry.user), true
}

// generation is read before a backing-store lookup and handed to set, so a
// lookup that raced with a commit does not repopulate the old value.
func (c *userCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *userCache) set(u *entitlement.User, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		return
	}

	if _, exists := c.users[u.ID]; exists {
		c.removeLocked(u.ID)
	} else if len(c.users) >= c.max {
		c.evictLocked()
	}

	now := c.now()
	seq := c.sequence
	c.sequence++
	c.users[u.ID] = &cacheEntry{
		user:       copyUser(u),
		expiration: now.Add(c.ttl),
		accessTime: now,
		sequence:   seq,
	}
	if u.APIKey != "" {
		c.byKey[u.APIKey] = u.ID
	}
}

// evictLocked drops the least recently used entry (oldest accessTime, then
// oldest sequence).
func (c *userCache) evictLocked() {
	var (
		oldestID   string
		oldestTime time.Time
		oldestSeq  int64
		first      = true
	)
	for id, entry := range c.users {
		if first || entry.accessTime.Before(oldestTime) ||
			(entry.accessTime.Equal(oldestTime) && entry.sequence < oldestSeq) {
			oldestID = id
			oldestTime = entry.accessTime
			oldestSeq = entry.sequence
			first = false
		}
	}
	if oldestID != "" {
		c.removeLocked(oldestID)
		c.evictions++
	}
}

func (c *userCache) invalidate(userIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for _, id := range userIDs {
		c.removeLocked(id)
	}
}

func (c *userCache) removeLocked(userID string) {
	entry, ok := c.users[userID]
	if !ok {
		return
	}
	if entry.user.APIKey != "" && c.byKey[entry.user.APIKey] == userID {
		delete(c.byKey, entry.user.APIKey)
	}
	delete(c.users, userID)
}

func (c *userCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.users = make(map[string]*cacheEntry, c.max)
	c.byKey = make(map[string]string, c.max)
}

func (c *userCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.users),
	}
}

func copyUser(u *entitlement.User) *entitlement.User {
	cp := *u
	if u.SubscriptionPeriodEnd != nil {
		end := *u.SubscriptionPeriodEnd
		cp.SubscriptionPeriodEnd = &end
	}
	return &cp
}
