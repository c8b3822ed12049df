package peer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"shardnet/internal/chain"
)

var (
	ErrTableFull = errors.New("peer: table full")
	ErrKnownPeer = errors.New("peer: already registered")
)

// Info is the registry record of one connected peer.
type Info struct {
	ID           ID
	Addr         string
	ListenAddr   string
	ProtoVersion uint16
	Inbound      bool
	ConnectedAt  time.Time
	LastSeen     time.Time
	Heads        map[chain.ChainID]chain.Head
	Strikes      int
	Failures     int
	RTT          time.Duration
}

func (i Info) clone() Info {
	heads := make(map[chain.ChainID]chain.Head, len(i.Heads))
	for c, h := range i.Heads {
		heads[c] = h
	}
	i.Heads = heads
	return i
}

// Table is the registry of connected peers. Readers get copies; nothing
// outside the table holds a pointer into it.
type Table struct {
	mu    sync.RWMutex
	max   int
	peers map[ID]*Info
}

func NewTable(max int) *Table {
	return &Table{max: max, peers: make(map[ID]*Info)}
}

// Add registers a peer. It may leave the table one above its limit; the
// caller is expected to evict via Oldest.
func (t *Table) Add(info Info) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[info.ID]; ok {
		return ErrKnownPeer
	}
	if t.max > 0 && len(t.peers) > t.max {
		return ErrTableFull
	}
	if info.LastSeen.IsZero() {
		info.LastSeen = info.ConnectedAt
	}
	ent := info.clone()
	t.peers[info.ID] = &ent
	return nil
}

func (t *Table) Remove(id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

func (t *Table) Get(id ID) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return Info{}, false
	}
	return p.clone(), true
}

func (t *Table) Has(id ID) bool {
	t.mu.RLock()
	_, ok := t.peers[id]
	t.mu.RUnlock()
	return ok
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Full reports whether another peer would exceed the limit.
func (t *Table) Full() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.max > 0 && len(t.peers) >= t.max
}

// Excess returns how many peers are above the limit.
func (t *Table) Excess() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.max <= 0 || len(t.peers) <= t.max {
		return 0
	}
	return len(t.peers) - t.max
}

func (t *Table) Touch(id ID, now time.Time) {
	t.mu.Lock()
	if p, ok := t.peers[id]; ok && now.After(p.LastSeen) {
		p.LastSeen = now
	}
	t.mu.Unlock()
}

// SetHead records the head a peer advertised for c.
func (t *Table) SetHead(id ID, c chain.ChainID, h chain.Head) {
	t.mu.Lock()
	if p, ok := t.peers[id]; ok {
		if p.Heads == nil {
			p.Heads = make(map[chain.ChainID]chain.Head)
		}
		p.Heads[c] = h
	}
	t.mu.Unlock()
}

func (t *Table) Head(id ID, c chain.ChainID) (chain.Head, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return chain.Head{}, false
	}
	h, ok := p.Heads[c]
	return h, ok
}

// Strike counts a protocol offence and returns the new total.
func (t *Table) Strike(id ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return 0
	}
	p.Strikes++
	return p.Strikes
}

// ReportFailure counts a timeout or a bad response against the peer.
func (t *Table) ReportFailure(id ID) {
	t.mu.Lock()
	if p, ok := t.peers[id]; ok {
		p.Failures++
	}
	t.mu.Unlock()
}

// ReportResponse folds a round trip into the peer's smoothed RTT.
func (t *Table) ReportResponse(id ID, rtt time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return
	}
	if p.RTT == 0 {
		p.RTT = rtt
	} else {
		p.RTT = (7*p.RTT + rtt) / 8
	}
	if p.Failures > 0 {
		p.Failures--
	}
}

// Snapshot returns copies of all records, oldest connection first.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	out := make([]Info, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out
}

func (t *Table) IDs() []ID {
	snap := t.Snapshot()
	out := make([]ID, len(snap))
	for i, p := range snap {
		out[i] = p.ID
	}
	return out
}

// Oldest returns the peer with the oldest last-seen time, skipping keep.
func (t *Table) Oldest(keep ID) (ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		best  ID
		found bool
		seen  time.Time
	)
	for id, p := range t.peers {
		if id == keep {
			continue
		}
		if !found || p.LastSeen.Before(seen) || (p.LastSeen.Equal(seen) && lessID(id, best)) {
			best, seen, found = id, p.LastSeen, true
		}
	}
	return best, found
}

// BestPeer picks the peer to sync c from: its head must reach minHeight;
// ties go to fewer failures, then lower RTT.
func (t *Table) BestPeer(c chain.ChainID, minHeight uint64, exclude map[ID]bool) (ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var (
		best  *Info
		bestH chain.Head
	)
	for id, p := range t.peers {
		if exclude[id] {
			continue
		}
		h, ok := p.Heads[c]
		if !ok || h.Height < minHeight {
			continue
		}
		if best == nil || better(p, h, best, bestH) {
			best, bestH = p, h
		}
	}
	if best == nil {
		return ID{}, false
	}
	return best.ID, true
}

func better(p *Info, ph chain.Head, q *Info, qh chain.Head) bool {
	if ph.Height != qh.Height {
		return ph.Height > qh.Height
	}
	if p.Failures != q.Failures {
		return p.Failures < q.Failures
	}
	if p.RTT != q.RTT {
		return p.RTT < q.RTT
	}
	return lessID(p.ID, q.ID)
}

func lessID(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
