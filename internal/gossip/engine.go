package gossip

import (
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"shardnet/internal/chain"
	"shardnet/internal/debuglog"
	"shardnet/internal/metrics"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

const DefaultFanout = 8

type Config struct {
	Fanout int
	// ForwardBeforeValidate forwards content before the validator has
	// accepted it. Decoding must still have succeeded.
	ForwardBeforeValidate bool
}

// Validator decides whether gossiped content is acceptable to the chain.
type Validator func(m proto.Message) bool

// Result tells the caller what to do with a gossip message. Dropped is set
// when the dedup cache had no room; the item is neither validated nor
// forwarded.
type Result struct {
	Hash      chain.Hash
	Duplicate bool
	Dropped   bool
	Valid     bool
	Forward   []peer.ID
}

type Engine struct {
	cfg      Config
	self     peer.ID
	cache    *Cache
	validate Validator
	metrics  *metrics.Metrics
	log      *zap.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

func NewEngine(cfg Config, self peer.ID, cache *Cache, validate Validator, m *metrics.Metrics, log *zap.Logger) *Engine {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cache == nil {
		cache = NewCache(0, 0)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if validate == nil {
		validate = func(proto.Message) bool { return true }
	}
	return &Engine{
		cfg:      cfg,
		self:     self,
		cache:    cache,
		validate: validate,
		metrics:  m,
		log:      debuglog.OrNop(log).Named("gossip"),
		rand:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Receive handles gossip from peer from. connected is the current peer set;
// the returned Forward list never contains from or the local node.
func (e *Engine) Receive(from peer.ID, m proto.Message, connected []peer.ID) Result {
	h, ok := proto.ContentHash(m)
	if !ok {
		return Result{}
	}
	e.metrics.IncGossipReceived(m.Kind.String())
	switch _, v := e.cache.Observe(h, from); v {
	case Seen:
		e.metrics.IncGossipDuplicate()
		return Result{Hash: h, Duplicate: true}
	case Full:
		e.metrics.IncGossipOverflow()
		return Result{Hash: h, Dropped: true}
	}
	res := Result{Hash: h}
	if e.cfg.ForwardBeforeValidate {
		res.Forward = e.pick(connected, from)
		res.Valid = e.validate(m)
	} else {
		res.Valid = e.validate(m)
		if res.Valid {
			res.Forward = e.pick(connected, from)
		}
	}
	if !res.Valid {
		e.metrics.IncGossipInvalid()
		e.log.Debug("invalid gossip", zap.Stringer("kind", m.Kind), zap.String("hash", h.Short()), zap.Stringer("from", from))
	}
	if len(res.Forward) > 0 {
		e.metrics.ObserveGossipForward(len(res.Forward))
	}
	e.metrics.SetGossipCacheSize(e.cache.Len())
	return res
}

// Publish introduces locally produced content. It is marked seen so that the
// echo from peers is suppressed.
func (e *Engine) Publish(m proto.Message, connected []peer.ID) Result {
	h, ok := proto.ContentHash(m)
	if !ok {
		return Result{}
	}
	switch _, v := e.cache.Observe(h, e.self); v {
	case Seen:
		return Result{Hash: h, Duplicate: true}
	case Full:
		e.metrics.IncGossipOverflow()
		return Result{Hash: h, Dropped: true}
	}
	res := Result{Hash: h, Valid: true, Forward: e.pick(connected, e.self)}
	if len(res.Forward) > 0 {
		e.metrics.ObserveGossipForward(len(res.Forward))
	}
	e.metrics.SetGossipCacheSize(e.cache.Len())
	return res
}

// Sweep purges expired cache entries.
func (e *Engine) Sweep() int {
	n := e.cache.Sweep()
	e.metrics.SetGossipCacheSize(e.cache.Len())
	return n
}

func (e *Engine) pick(connected []peer.ID, origin peer.ID) []peer.ID {
	candidates := make([]peer.ID, 0, len(connected))
	for _, id := range connected {
		if id == origin || id == e.self {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) <= e.cfg.Fanout {
		return candidates
	}
	e.randMu.Lock()
	e.rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	e.randMu.Unlock()
	return candidates[:e.cfg.Fanout]
}
