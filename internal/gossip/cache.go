// Package gossip propagates transactions and block announcements with
// duplicate suppression.
package gossip

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"shardnet/internal/chain"
	"shardnet/internal/peer"
)

const (
	// DefaultCacheSize holds about 540 distinct items per second at
	// DefaultTTL. Past that rate new items are refused, not forwarded.
	DefaultCacheSize = 1 << 16
	DefaultTTL       = 2 * time.Minute
)

// Entry records the first sighting of a content hash.
type Entry struct {
	Hash      chain.Hash
	FirstSeen time.Time
	Origin    peer.ID
}

// Verdict is the outcome of Observe.
type Verdict int

const (
	Seen Verdict = iota
	Fresh
	// Full means every slot holds a live entry; the hash was not recorded.
	Full
)

// Cache remembers content hashes for the TTL. Live entries are never evicted
// to make room, so a hash is fresh at most once per TTL. Once an entry
// expires, a re-announcement counts as new.
type Cache struct {
	mu   sync.Mutex
	lru  *expirable.LRU[chain.Hash, Entry]
	size int
	ttl  time.Duration
	now  func() time.Time
}

func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		// One spare slot so that Add never evicts by capacity.
		lru:  expirable.NewLRU[chain.Hash, Entry](size+1, nil, ttl),
		size: size,
		ttl:  ttl,
		now:  time.Now,
	}
}

func (c *Cache) live(e Entry, now time.Time) bool {
	return now.Sub(e.FirstSeen) < c.ttl
}

// Observe inserts h unless a live entry exists.
func (c *Cache) Observe(h chain.Hash, origin peer.ID) (Entry, Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.lru.Peek(h); ok {
		if c.live(e, now) {
			return e, Seen
		}
		c.lru.Remove(h)
	}
	if c.lru.Len() >= c.size && c.sweepLocked(now) == 0 {
		return Entry{Hash: h}, Full
	}
	e := Entry{Hash: h, FirstSeen: now, Origin: origin}
	c.lru.Add(h, e)
	return e, Fresh
}

func (c *Cache) Contains(h chain.Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(h)
	return ok && c.live(e, c.now())
}

// Sweep removes expired entries from the old end and returns how many went.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	for {
		_, e, ok := c.lru.GetOldest()
		if !ok || c.live(e, now) {
			return removed
		}
		c.lru.RemoveOldest()
		removed++
	}
}

func (c *Cache) Len() int {
	return c.lru.Len()
}
