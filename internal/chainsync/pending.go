package chainsync

import (
	"sort"
	"time"

	"shardnet/internal/chain"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

// Pending is one outstanding request.
type Pending struct {
	ID        uint64
	Peer      peer.ID
	Chain     chain.ChainID
	Kind      proto.Kind
	Body      proto.Body
	MinHeight uint64
	SentAt    time.Time
	Deadline  time.Time
	Retries   int
}

// PendingTable maps request ids to outstanding requests. Removing an entry
// is its only terminal transition. Ids are never reused.
type PendingTable struct {
	next    uint64
	entries map[uint64]*Pending
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint64]*Pending)}
}

// Add assigns the next request id to p and stores it.
func (t *PendingTable) Add(p Pending) *Pending {
	t.next++
	p.ID = t.next
	ent := &p
	t.entries[p.ID] = ent
	return ent
}

func (t *PendingTable) Get(id uint64) (*Pending, bool) {
	p, ok := t.entries[id]
	return p, ok
}

func (t *PendingTable) Remove(id uint64) bool {
	if _, ok := t.entries[id]; !ok {
		return false
	}
	delete(t.entries, id)
	return true
}

func (t *PendingTable) Len() int { return len(t.entries) }

// Expired returns entries whose deadline is not after now, oldest id first.
func (t *PendingTable) Expired(now time.Time) []*Pending {
	var out []*Pending
	for _, p := range t.entries {
		if !p.Deadline.After(now) {
			out = append(out, p)
		}
	}
	sortByID(out)
	return out
}

func (t *PendingTable) ForPeer(id peer.ID) []*Pending {
	var out []*Pending
	for _, p := range t.entries {
		if p.Peer == id {
			out = append(out, p)
		}
	}
	sortByID(out)
	return out
}

func sortByID(ps []*Pending) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}
