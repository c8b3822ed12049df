package peer

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultCandidateCap = 512
	DefaultCandidateTTL = 30 * time.Minute

	candidateBackoffBase = 2 * time.Second
	candidateBackoffMax  = 5 * time.Minute
)

// CandidatePool holds addresses worth dialing, learned from boot nodes and
// peer exchange. Bootstrap entries never expire.
type CandidatePool struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	hot   map[string]*list.Element
	order *list.List
}

type candidateEntry struct {
	addr      string
	id        ID
	boot      bool
	expiresAt time.Time
	failures  int
	nextTry   time.Time
}

func NewCandidatePool(capacity int, ttl time.Duration) *CandidatePool {
	if capacity <= 0 {
		capacity = DefaultCandidateCap
	}
	if ttl <= 0 {
		ttl = DefaultCandidateTTL
	}
	return &CandidatePool{
		cap:   capacity,
		ttl:   ttl,
		now:   time.Now,
		hot:   make(map[string]*list.Element),
		order: list.New(),
	}
}

// AddBootstrap adds an address that survives expiry and eviction.
func (c *CandidatePool) AddBootstrap(addr string) {
	c.add(addr, ID{}, true)
}

func (c *CandidatePool) Add(addr string, id ID) {
	c.add(addr, id, false)
}

func (c *CandidatePool) add(addr string, id ID, boot bool) {
	if addr == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	if el, ok := c.hot[addr]; ok {
		ent := el.Value.(*candidateEntry)
		ent.expiresAt = now.Add(c.ttl)
		ent.boot = ent.boot || boot
		if !id.IsZero() {
			ent.id = id
		}
		c.order.MoveToFront(el)
		return
	}
	if c.cap > 0 && len(c.hot) >= c.cap {
		c.evictLocked(len(c.hot) - c.cap + 1)
	}
	ent := &candidateEntry{addr: addr, id: id, boot: boot, expiresAt: now.Add(c.ttl)}
	c.hot[addr] = c.order.PushFront(ent)
}

func (c *CandidatePool) Has(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	_, ok := c.hot[addr]
	return ok
}

func (c *CandidatePool) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.hot)
}

func (c *CandidatePool) List() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	out := make([]string, 0, len(c.hot))
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*candidateEntry).addr)
	}
	return out
}

// Dialable returns up to n addresses whose backoff has elapsed, most recently
// learned first. skip filters out addresses or ids that are already connected.
func (c *CandidatePool) Dialable(n int, skip func(addr string, id ID) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.pruneLocked(now)
	var out []string
	for el := c.order.Front(); el != nil && len(out) < n; el = el.Next() {
		ent := el.Value.(*candidateEntry)
		if now.Before(ent.nextTry) {
			continue
		}
		if skip != nil && skip(ent.addr, ent.id) {
			continue
		}
		out = append(out, ent.addr)
	}
	return out
}

// RecordFailure pushes the next dial attempt out exponentially.
func (c *CandidatePool) RecordFailure(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.hot[addr]
	if !ok {
		return
	}
	ent := el.Value.(*candidateEntry)
	ent.failures++
	backoff := candidateBackoffBase << min(ent.failures-1, 16)
	if backoff > candidateBackoffMax {
		backoff = candidateBackoffMax
	}
	ent.nextTry = c.now().Add(backoff)
}

func (c *CandidatePool) RecordSuccess(addr string, id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.hot[addr]
	if !ok {
		return
	}
	ent := el.Value.(*candidateEntry)
	ent.failures = 0
	ent.nextTry = time.Time{}
	if !id.IsZero() {
		ent.id = id
	}
}

func (c *CandidatePool) pruneLocked(now time.Time) {
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if ent.boot || ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(c.hot, ent.addr)
		c.order.Remove(el)
		el = prev
	}
}

func (c *CandidatePool) evictLocked(n int) {
	for el := c.order.Back(); el != nil && n > 0; {
		prev := el.Prev()
		ent := el.Value.(*candidateEntry)
		if !ent.boot {
			delete(c.hot, ent.addr)
			c.order.Remove(el)
			n--
		}
		el = prev
	}
}
