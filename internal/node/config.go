package node

import (
	"time"

	"shardnet/internal/chain"
	"shardnet/internal/chainsync"
	"shardnet/internal/gossip"
	"shardnet/internal/proto"
)

const (
	DefaultMaxPeers          = 50
	DefaultMaxDecodeFailures = 5
	DefaultSweepInterval     = time.Second
	DefaultDiscoveryInterval = 30 * time.Second
	DefaultDialParallelism   = 4

	// maxResponseBytes keeps served block responses well inside one frame.
	maxResponseBytes = proto.MaxFrameSize / 2
)

type Config struct {
	// Chains lists the chains this node tracks; the beacon chain is always
	// included.
	Chains []chain.ChainID
	// ListenAddr is the advertised address, skipped when dialing candidates.
	ListenAddr      string
	ProtocolVersion uint16
	MinVersion      uint16
	BootNodes       []string

	MaxPeers          int
	MaxDecodeFailures int
	SweepInterval     time.Duration

	Gossip         gossip.Config
	GossipCacheCap int
	GossipTTL      time.Duration

	Sync chainsync.Config

	DiscoveryInterval time.Duration
	DialParallelism   int
	CandidateCap      int
	CandidateTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.MaxDecodeFailures <= 0 {
		c.MaxDecodeFailures = DefaultMaxDecodeFailures
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.DialParallelism <= 0 {
		c.DialParallelism = DefaultDialParallelism
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 1
	}
	if c.MinVersion == 0 || c.MinVersion > c.ProtocolVersion {
		c.MinVersion = c.ProtocolVersion
	}
	chains := []chain.ChainID{chain.BeaconChain}
	seen := map[chain.ChainID]bool{chain.BeaconChain: true}
	for _, id := range c.Chains {
		if !seen[id] {
			seen[id] = true
			chains = append(chains, id)
		}
	}
	c.Chains = chains
	c.Sync.Chains = chains
	if c.Sync.HeaderBatch <= 0 {
		c.Sync.HeaderBatch = chainsync.DefaultHeaderBatch
	}
	if c.Sync.BlockBatch <= 0 {
		c.Sync.BlockBatch = chainsync.DefaultBlockBatch
	}
	c.Sync.HeaderBatch = min(c.Sync.HeaderBatch, proto.MaxHeadersPerResp)
	c.Sync.BlockBatch = min(c.Sync.BlockBatch, proto.MaxHashesPerReq, proto.MaxBlocksPerResp)
	return c
}
