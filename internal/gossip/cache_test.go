package gossip

import (
	"testing"
	"time"

	"shardnet/internal/chain"
	"shardnet/internal/peer"
)

func fakeClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestCacheObserveOnce(t *testing.T) {
	c := NewCache(16, time.Minute)
	var h chain.Hash
	h[0] = 1
	var origin peer.ID
	origin[0] = 7
	e, v := c.Observe(h, origin)
	if v != Fresh || e.Origin != origin {
		t.Fatalf("expected fresh entry from origin, got %+v verdict=%d", e, v)
	}
	if _, v := c.Observe(h, peer.ID{}); v != Seen {
		t.Fatalf("second observe must be seen, got %d", v)
	}
	if !c.Contains(h) {
		t.Fatalf("expected hash in cache")
	}
}

func TestCacheExpiryTreatsReannouncementAsNew(t *testing.T) {
	c := NewCache(16, time.Minute)
	now, clock := fakeClock(time.Unix(100, 0))
	c.now = clock
	var h chain.Hash
	h[0] = 2
	c.Observe(h, peer.ID{})
	*now = now.Add(59 * time.Second)
	if _, v := c.Observe(h, peer.ID{}); v != Seen {
		t.Fatalf("entry expired early")
	}
	*now = now.Add(2 * time.Second)
	if _, v := c.Observe(h, peer.ID{}); v != Fresh {
		t.Fatalf("expired entry should be treated as new")
	}
}

func TestCacheSweep(t *testing.T) {
	c := NewCache(16, time.Minute)
	now, clock := fakeClock(time.Unix(100, 0))
	c.now = clock
	for i := 0; i < 3; i++ {
		var h chain.Hash
		h[0] = byte(i)
		c.Observe(h, peer.ID{})
		*now = now.Add(20 * time.Second)
	}
	// entries at t=100,120,140; now t=160
	*now = now.Add(5 * time.Second)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 expired entry, got %d", n)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries left, got %d", c.Len())
	}
}

func TestCacheFullKeepsLiveEntries(t *testing.T) {
	c := NewCache(4, time.Hour)
	now, clock := fakeClock(time.Unix(100, 0))
	c.now = clock
	hash := func(i int) chain.Hash {
		var h chain.Hash
		h[0] = byte(i)
		return h
	}
	for i := 0; i < 4; i++ {
		if _, v := c.Observe(hash(i), peer.ID{}); v != Fresh {
			t.Fatalf("item %d: expected fresh, got %d", i, v)
		}
	}
	for i := 4; i < 10; i++ {
		if _, v := c.Observe(hash(i), peer.ID{}); v != Full {
			t.Fatalf("item %d: expected full, got %d", i, v)
		}
	}
	if c.Len() != 4 {
		t.Fatalf("expected cache bounded at 4, got %d", c.Len())
	}
	if _, v := c.Observe(hash(0), peer.ID{}); v != Seen {
		t.Fatalf("oldest live entry lost under pressure: verdict %d", v)
	}

	*now = now.Add(time.Hour)
	if _, v := c.Observe(hash(9), peer.ID{}); v != Fresh {
		t.Fatalf("expected room once entries expired, got %d", v)
	}
	if c.Len() != 1 {
		t.Fatalf("expected expired entries swept, got %d", c.Len())
	}
}
