package gossip

import (
	"fmt"
	"testing"
	"time"

	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

func ids(n int) []peer.ID {
	out := make([]peer.ID, n)
	for i := range out {
		out[i][0] = byte(i + 1)
	}
	return out
}

func txMsg(body string) proto.Message {
	return proto.New(&proto.TransactionGossip{Tx: []byte(body)}, 0, 0)
}

type delivery struct {
	from, to int
}

// simulate floods one item from node 0 over adjacency and returns how many
// times each node forwarded it and the round each node first received it.
func simulate(t *testing.T, n, fanout int, adj func(i int) []int) (forwards []int, firstRound []int) {
	t.Helper()
	all := ids(n)
	engines := make([]*Engine, n)
	for i := range engines {
		engines[i] = NewEngine(Config{Fanout: fanout}, all[i], nil, nil, nil, nil)
	}
	neighbours := func(i int) []peer.ID {
		var out []peer.ID
		for _, j := range adj(i) {
			out = append(out, all[j])
		}
		return out
	}
	index := make(map[peer.ID]int, n)
	for i, id := range all {
		index[id] = i
	}
	forwards = make([]int, n)
	firstRound = make([]int, n)
	for i := range firstRound {
		firstRound[i] = -1
	}
	firstRound[0] = 0

	msg := txMsg("flood")
	res := engines[0].Publish(msg, neighbours(0))
	var queue []delivery
	for _, to := range res.Forward {
		queue = append(queue, delivery{from: 0, to: index[to]})
	}
	for round := 1; len(queue) > 0; round++ {
		var next []delivery
		for _, d := range queue {
			r := engines[d.to].Receive(all[d.from], msg, neighbours(d.to))
			if r.Duplicate {
				continue
			}
			if firstRound[d.to] < 0 {
				firstRound[d.to] = round
			}
			if len(r.Forward) > 0 {
				forwards[d.to]++
			}
			for _, to := range r.Forward {
				if to == all[d.from] {
					t.Fatalf("node %d forwarded back to sender %d", d.to, d.from)
				}
				next = append(next, delivery{from: d.to, to: index[to]})
			}
		}
		queue = next
	}
	return forwards, firstRound
}

func TestNoLoopFullyConnected(t *testing.T) {
	const n = 8
	full := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i {
				out = append(out, j)
			}
		}
		return out
	}
	forwards, _ := simulate(t, n, n, full)
	total := 0
	for i, f := range forwards {
		if f > 1 {
			t.Fatalf("node %d forwarded %d times", i, f)
		}
		total += f
	}
	if total > n-1 {
		t.Fatalf("total forwards %d exceeds %d", total, n-1)
	}
}

func TestEventualPropagationLine(t *testing.T) {
	const n = 5
	line := func(i int) []int {
		var out []int
		if i > 0 {
			out = append(out, i-1)
		}
		if i < n-1 {
			out = append(out, i+1)
		}
		return out
	}
	_, first := simulate(t, n, 2, line)
	if first[n-1] < 0 {
		t.Fatalf("last node never received the item")
	}
	if first[n-1] > n-1 {
		t.Fatalf("last node received after %d rounds", first[n-1])
	}
}

func TestInvalidContentNotForwarded(t *testing.T) {
	all := ids(4)
	e := NewEngine(Config{Fanout: 8}, all[0], nil, func(proto.Message) bool { return false }, nil, nil)
	res := e.Receive(all[1], txMsg("bad"), all)
	if res.Valid || len(res.Forward) != 0 {
		t.Fatalf("invalid content forwarded: %+v", res)
	}

	eager := NewEngine(Config{Fanout: 8, ForwardBeforeValidate: true}, all[0], nil, func(proto.Message) bool { return false }, nil, nil)
	res = eager.Receive(all[1], txMsg("bad"), all)
	if res.Valid || len(res.Forward) != 2 {
		t.Fatalf("forward-first policy should forward to 2 peers: %+v", res)
	}
}

func TestFanoutBoundsTargets(t *testing.T) {
	all := ids(20)
	e := NewEngine(Config{Fanout: 3}, all[0], nil, nil, nil, nil)
	res := e.Receive(all[5], txMsg("x"), all)
	if len(res.Forward) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(res.Forward))
	}
	seen := make(map[peer.ID]bool)
	for _, id := range res.Forward {
		if id == all[0] || id == all[5] {
			t.Fatalf("forward target includes self or origin")
		}
		if seen[id] {
			t.Fatalf("duplicate target")
		}
		seen[id] = true
	}
}

func TestPublishSuppressesEcho(t *testing.T) {
	all := ids(3)
	e := NewEngine(Config{Fanout: 8}, all[0], nil, nil, nil, nil)
	e.Publish(txMsg("mine"), all)
	if res := e.Receive(all[1], txMsg("mine"), all); !res.Duplicate {
		t.Fatalf("echo of own content was not suppressed")
	}
	if res := e.Receive(all[1], proto.New(&proto.HeaderRequest{From: 0, To: 1}, 0, 1), all); res.Forward != nil || res.Duplicate {
		t.Fatalf("non-gossip message handled as gossip")
	}
}

func TestReannouncementNotForwardedWhenCacheSaturated(t *testing.T) {
	all := ids(4)
	e := NewEngine(Config{}, all[0], NewCache(4, time.Hour), nil, nil, nil)
	if res := e.Receive(all[1], txMsg("tx-0"), all); len(res.Forward) == 0 {
		t.Fatalf("first sighting should be forwarded")
	}
	dropped := 0
	for i := 1; i <= 10; i++ {
		res := e.Receive(all[1], txMsg(fmt.Sprintf("tx-%d", i)), all)
		if res.Dropped {
			dropped++
			if res.Forward != nil || res.Valid {
				t.Fatalf("dropped item tx-%d was processed", i)
			}
		}
	}
	if dropped != 7 {
		t.Fatalf("expected 7 items refused by the full cache, got %d", dropped)
	}
	res := e.Receive(all[2], txMsg("tx-0"), all)
	if !res.Duplicate || res.Forward != nil {
		t.Fatalf("re-announcement inside TTL forwarded: %+v", res)
	}
}
