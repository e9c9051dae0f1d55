// Package migcache remembers, for the life of the process, which tenants
// have been confirmed fully migrated so the migration check runs at most
// once per tenant after warm-up.
package migcache

import (
	"sync"

	"github.com/hazyhaar/tenantdb/tenant/internal/model"
)

// Cache is an injectable verified-set. The check path is serialized by a
// single cache-wide lock; lookups take only a read lock.
type Cache struct {
	mu       sync.RWMutex
	verified map[model.TenantID]struct{}

	checkMu sync.Mutex
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{verified: make(map[model.TenantID]struct{})}
}

// Verified reports whether id is marked verified.
func (c *Cache) Verified(id model.TenantID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.verified[id]
	return ok
}

// EnsureChecked runs check unless id is already verified. The check runs
// under the cache-wide lock and id is re-tested after acquiring it, so a
// caller that waited on a concurrent check for the same tenant returns
// without running its own. id is marked verified only when check returns
// (true, nil).
//
// ran is false when the cache answered without invoking check.
func (c *Cache) EnsureChecked(id model.TenantID, check func() (verified bool, err error)) (ran bool, err error) {
	if c.Verified(id) {
		return false, nil
	}

	c.checkMu.Lock()
	defer c.checkMu.Unlock()

	if c.Verified(id) {
		return false, nil
	}

	ok, err := check()
	if err == nil && ok {
		c.mark(id)
	}
	return true, err
}

// Forget removes id. It reports whether id was verified.
func (c *Cache) Forget(id model.TenantID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.verified[id]
	delete(c.verified, id)
	return ok
}

// Len returns the number of verified tenants.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.verified)
}

func (c *Cache) mark(id model.TenantID) {
	c.mu.Lock()
	c.verified[id] = struct{}{}
	c.mu.Unlock()
}
