package node

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"shardnet/internal/chain"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

// route hands a decoded message to its consumer by kind.
func (n *Node) route(from peer.ID, msg proto.Message) {
	switch body := msg.Body.(type) {
	case *proto.TransactionGossip, *proto.BlockAnnounce:
		n.onGossip(from, msg)
	case *proto.HeaderRequest:
		n.serveHeaders(from, msg, body)
	case *proto.BlockRequest:
		n.serveBlocks(from, msg, body)
	case *proto.HeaderResponse, *proto.BlockResponse:
		n.sync.OnResponse(from, msg)
	case *proto.PeerInfoExchange:
		n.onPeerExchange(from, body)
	}
}

func (n *Node) validateGossip(msg proto.Message) bool {
	switch body := msg.Body.(type) {
	case *proto.BlockAnnounce:
		b := body.Block
		if msg.HasShard && msg.Shard != b.Header.Chain {
			return false
		}
		return n.sync.Tracks(b.Header.Chain) && n.chain.ValidateBlock(b)
	case *proto.TransactionGossip:
		return n.chain.ValidateTransaction(body.Tx)
	}
	return false
}

func (n *Node) onGossip(from peer.ID, msg proto.Message) {
	res := n.gossip.Receive(from, msg, n.peers.IDs())
	if res.Duplicate || res.Dropped {
		return
	}
	n.sendAll(res.Forward, msg)
	if !res.Valid {
		return
	}
	switch body := msg.Body.(type) {
	case *proto.BlockAnnounce:
		n.onAnnounce(from, body.Block)
	case *proto.TransactionGossip:
		if n.onTx != nil {
			n.onTx(msg.Shard, body.Tx)
		}
	}
}

// onAnnounce applies a block that extends the local head and starts a sync
// for one further ahead.
func (n *Node) onAnnounce(from peer.ID, b chain.Block) {
	c := b.Header.Chain
	head := chain.HeadOf(b)
	if known, ok := n.peers.Head(from, c); !ok || head.Height > known.Height {
		n.peers.SetHead(from, c, head)
	}
	local := n.chain.LocalHead(c)
	switch {
	case head.Height <= local.Height:
	case b.Header.Links(local):
		if err := n.applyBlock(b); err != nil {
			n.log.Debug("announced block not applied", zap.Stringer("chain", c), zap.Uint64("height", head.Height), zap.Error(err))
		}
	default:
		n.sync.OnPeerHead(from, c, head)
	}
}

func (n *Node) applyBlock(b chain.Block) error {
	c := b.Header.Chain
	if err := n.chain.Apply(b); err != nil {
		return &chain.ApplyError{Chain: c, Height: b.Header.Height, Err: err}
	}
	n.metrics.AddBlocksApplied(c.String(), 1)
	n.metrics.SetLocalHeight(c.String(), b.Header.Height)
	n.sync.NoteLocalHead(c)
	return nil
}

func (n *Node) serveHeaders(from peer.ID, msg proto.Message, req *proto.HeaderRequest) {
	to := min(req.To, req.From+uint64(n.cfg.Sync.HeaderBatch))
	var headers []chain.Header
	for h := req.From + 1; h <= to; h++ {
		b, ok := n.chain.BlockAt(msg.Shard, h)
		if !ok {
			break
		}
		headers = append(headers, b.Header)
	}
	n.send(from, proto.New(&proto.HeaderResponse{Headers: headers}, msg.Shard, msg.RequestID))
}

func (n *Node) serveBlocks(from peer.ID, msg proto.Message, req *proto.BlockRequest) {
	hashes := req.Hashes
	if len(hashes) > n.cfg.Sync.BlockBatch {
		hashes = hashes[:n.cfg.Sync.BlockBatch]
	}
	var (
		blocks []chain.Block
		size   int
	)
	for _, h := range hashes {
		b, ok := n.chain.GetBlock(h)
		if !ok || b.Header.Chain != msg.Shard {
			continue
		}
		// Header fields plus CBOR framing stay well under 256 bytes.
		size += len(b.Body) + 256
		if size > maxResponseBytes && len(blocks) > 0 {
			break
		}
		blocks = append(blocks, b)
	}
	n.send(from, proto.New(&proto.BlockResponse{Blocks: blocks}, msg.Shard, msg.RequestID))
}

func (n *Node) onPeerExchange(from peer.ID, px *proto.PeerInfoExchange) {
	for _, rec := range px.Peers {
		if rec.Addr == "" || rec.Addr == n.cfg.ListenAddr || rec.ID == n.self || n.peers.Has(rec.ID) {
			continue
		}
		if rec.ProtoVersion != 0 && rec.ProtoVersion < n.cfg.MinVersion {
			continue
		}
		n.candidates.Add(rec.Addr, rec.ID)
	}
	if px.Solicit {
		n.send(from, proto.New(&proto.PeerInfoExchange{Peers: n.peerRecords(from)}, chain.BeaconChain, 0))
	}
}

// peerRecords lists dialable connected peers other than exclude.
func (n *Node) peerRecords(exclude peer.ID) []proto.PeerRecord {
	var out []proto.PeerRecord
	for _, p := range n.peers.Snapshot() {
		if p.ID == exclude || p.ListenAddr == "" {
			continue
		}
		out = append(out, proto.PeerRecord{Addr: p.ListenAddr, ID: p.ID, ProtoVersion: p.ProtoVersion})
		if len(out) == proto.MaxPeersPerExchange {
			break
		}
	}
	return out
}

func (n *Node) solicit(to peer.ID) {
	n.send(to, proto.New(&proto.PeerInfoExchange{Peers: n.peerRecords(to), Solicit: true}, chain.BeaconChain, 0))
}

// solicitRandom asks one random peer for its peer list.
func (n *Node) solicitRandom() {
	ids := n.peers.IDs()
	if len(ids) == 0 {
		return
	}
	n.solicit(ids[rand.IntN(len(ids))])
}

func (n *Node) send(to peer.ID, msg proto.Message) {
	n.sendAll([]peer.ID{to}, msg)
}

// sendAll encodes msg once and queues it for every target. Send failures
// are counted and logged; a full queue never blocks the loop.
func (n *Node) sendAll(to []peer.ID, msg proto.Message) {
	if len(to) == 0 {
		return
	}
	frame, err := proto.Encode(msg)
	if err != nil {
		n.log.Warn("encode failed", zap.Stringer("kind", msg.Kind), zap.Error(err))
		return
	}
	for _, id := range to {
		err := n.tr.Send(id, frame)
		if err == nil {
			continue
		}
		if n.noisy.Allow("send:" + id.String()) {
			n.log.Debug("send failed",
				zap.Stringer("peer", id),
				zap.Stringer("kind", msg.Kind),
				zap.String("reason", sendReason(err)),
				zap.Error(err))
		}
	}
}
