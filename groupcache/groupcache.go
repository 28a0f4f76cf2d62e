// Package groupcache implements the deterministic, bounded scope-to-group
// mapping cache.
package groupcache

import (
	"crypto/md5" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"sync"

	"github.com/rsbio/spreadbus"
)

// MaxGroupName is the assumed upper bound on a daemon group name's
// length. A real deployment should use the daemon-declared constant
// instead; this is the fallback when none is configured.
const MaxGroupName = 32

// maxEntries bounds the cache; once exceeded it is cleared in full rather
// than evicted incrementally.
const maxEntries = 300

// Cache maps scopes to daemon group names. GroupOf is a pure function of
// the scope string; GroupsFor additionally caches the per-scope
// super-scope group list behind a shared/exclusive lock: lookups take the
// read lock, insertion after a miss and the full clear take the write
// lock.
type Cache struct {
	maxGroupName int

	mu     sync.RWMutex
	single map[spreadbus.Scope]string
	forAll map[spreadbus.Scope][]string
}

// New creates a Cache. maxGroupName <= 0 defaults to MaxGroupName.
func New(maxGroupName int) *Cache {
	if maxGroupName <= 0 {
		maxGroupName = MaxGroupName
	}
	return &Cache{
		maxGroupName: maxGroupName,
		single:       make(map[spreadbus.Scope]string),
		forAll:       make(map[spreadbus.Scope][]string),
	}
}

// GroupOf returns the daemon group name for scope: the first
// maxGroupName-1 hex characters of the MD5 digest of the canonical scope
// string. It is deterministic and does not consult or populate the
// cache — GroupsFor is the cached entry point.
func GroupOf(scope spreadbus.Scope, maxGroupName int) string {
	if maxGroupName <= 0 {
		maxGroupName = MaxGroupName
	}
	sum := md5.Sum([]byte(scope.String())) //nolint:gosec
	hexDigest := hex.EncodeToString(sum[:])
	width := maxGroupName - 1
	if width > len(hexDigest) {
		width = len(hexDigest)
	}
	return hexDigest[:width]
}

// GroupOf is the cached method form, using the cache's configured
// group-name width.
func (c *Cache) GroupOf(scope spreadbus.Scope) string {
	c.mu.RLock()
	if cached, ok := c.single[scope]; ok {
		defer c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	group := GroupOf(scope, c.maxGroupName)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.single) > maxEntries {
		c.single = make(map[spreadbus.Scope]string)
		c.forAll = make(map[spreadbus.Scope][]string)
	}
	c.single[scope] = group
	return group
}

// GroupsFor returns the group name for scope and every one of its
// super-scopes (inclusive), root-first — one name per entry of
// scope.SuperScopes(true). Results are cached by scope; once the cache
// holds more than maxEntries entries it is cleared in full before the
// new entry is inserted.
func (c *Cache) GroupsFor(scope spreadbus.Scope) []string {
	c.mu.RLock()
	if cached, ok := c.forAll[scope]; ok {
		defer c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	superScopes := scope.SuperScopes(true)
	groups := make([]string, len(superScopes))
	for i, s := range superScopes {
		groups[i] = c.GroupOf(s)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.forAll) > maxEntries {
		c.forAll = make(map[spreadbus.Scope][]string)
		c.single = make(map[spreadbus.Scope]string)
	}
	c.forAll[scope] = groups
	return groups
}
