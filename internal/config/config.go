// Package config loads the node's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"shardnet/internal/chain"
	"shardnet/internal/chainsync"
	"shardnet/internal/debuglog"
	"shardnet/internal/gossip"
	"shardnet/internal/network"
	"shardnet/internal/node"
	"shardnet/internal/peer"
	"shardnet/internal/proto"
)

type Config struct {
	NetworkID          string `yaml:"network_id"`
	ProtocolVersion    uint16 `yaml:"protocol_version"`
	MinProtocolVersion uint16 `yaml:"min_protocol_version"`
	Listen             string `yaml:"listen"`
	// Advertise is the address peers should dial; it defaults to Listen.
	Advertise       string        `yaml:"advertise"`
	Home            string        `yaml:"home"`
	BootNodes       []string      `yaml:"boot_nodes"`
	Shards          []uint32      `yaml:"shards"`
	MaxPeers        int           `yaml:"max_peers"`
	MaxInboundPerIP int           `yaml:"max_inbound_per_ip"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`

	Gossip    Gossip           `yaml:"gossip"`
	Sync      Sync             `yaml:"sync"`
	Transport Transport        `yaml:"transport"`
	Discovery Discovery        `yaml:"discovery"`
	Store     Store            `yaml:"store"`
	Metrics   Endpoint         `yaml:"metrics"`
	Pprof     Endpoint         `yaml:"pprof"`
	Log       debuglog.Options `yaml:"log"`
}

type Gossip struct {
	Fanout                int           `yaml:"fanout"`
	TTL                   time.Duration `yaml:"ttl"`
	CacheSize             int           `yaml:"cache_size"`
	ForwardBeforeValidate bool          `yaml:"forward_before_validate"`
}

type Sync struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	HeaderBatch    int           `yaml:"header_batch"`
	BlockBatch     int           `yaml:"block_batch"`
	Backoff        float64       `yaml:"backoff"`
	StallCooldown  time.Duration `yaml:"stall_cooldown"`
}

type Transport struct {
	SendQueue         int           `yaml:"send_queue"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	InboundQueue      int           `yaml:"inbound_queue"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxDecodeFailures int           `yaml:"max_decode_failures"`
}

type Discovery struct {
	Interval     time.Duration `yaml:"interval"`
	CandidateCap int           `yaml:"candidate_cap"`
	CandidateTTL time.Duration `yaml:"candidate_ttl"`
}

type Store struct {
	// Path is relative to Home unless absolute.
	Path string `yaml:"path"`
}

// Endpoint is an optional HTTP listener; an empty Listen disables it.
type Endpoint struct {
	Listen string `yaml:"listen"`
}

func Default() Config {
	return Config{
		NetworkID:          "shardnet-dev",
		ProtocolVersion:    1,
		MinProtocolVersion: 1,
		Listen:             "0.0.0.0:7400",
		Home:               ".shardnet",
		MaxPeers:           node.DefaultMaxPeers,
		MaxInboundPerIP:    8,
		SweepInterval:      node.DefaultSweepInterval,
		Gossip: Gossip{
			Fanout:    gossip.DefaultFanout,
			TTL:       gossip.DefaultTTL,
			CacheSize: gossip.DefaultCacheSize,
		},
		Sync: Sync{
			RequestTimeout: chainsync.DefaultRequestTimeout,
			MaxRetries:     chainsync.DefaultMaxRetries,
			HeaderBatch:    chainsync.DefaultHeaderBatch,
			BlockBatch:     chainsync.DefaultBlockBatch,
			Backoff:        chainsync.DefaultBackoffFactor,
			StallCooldown:  chainsync.DefaultStallCooldown,
		},
		Transport: Transport{
			SendQueue:         network.DefaultSendQueue,
			InboundQueue:      network.DefaultInboundQueue,
			HandshakeTimeout:  network.DefaultHandshakeTimeout,
			IdleTimeout:       network.DefaultIdleTimeout,
			MaxDecodeFailures: node.DefaultMaxDecodeFailures,
		},
		Discovery: Discovery{
			Interval:     node.DefaultDiscoveryInterval,
			CandidateCap: peer.DefaultCandidateCap,
			CandidateTTL: peer.DefaultCandidateTTL,
		},
		Store:   Store{Path: "blocks.db"},
		Metrics: Endpoint{Listen: "127.0.0.1:9400"},
		Log:     debuglog.Options{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.NetworkID != "", "network_id is required")
	check(len(c.NetworkID) <= proto.MaxNetworkID, "network_id longer than %d bytes", proto.MaxNetworkID)
	check(c.ProtocolVersion > 0, "protocol_version must be positive")
	check(c.MinProtocolVersion > 0 && c.MinProtocolVersion <= c.ProtocolVersion,
		"min_protocol_version %d must be in [1, %d]", c.MinProtocolVersion, c.ProtocolVersion)
	check(c.Listen != "", "listen is required")
	check(c.MaxPeers > 0, "max_peers must be positive")
	check(c.MaxInboundPerIP >= 0, "max_inbound_per_ip must not be negative")
	check(c.SweepInterval > 0, "sweep_interval must be positive")
	seen := make(map[uint32]bool, len(c.Shards))
	for _, s := range c.Shards {
		check(s != uint32(chain.BeaconChain), "shards must not list the beacon chain")
		check(!seen[s], "shard %d listed twice", s)
		seen[s] = true
	}

	check(c.Gossip.Fanout > 0, "gossip.fanout must be positive")
	check(c.Gossip.TTL > 0, "gossip.ttl must be positive")
	check(c.Gossip.CacheSize > 0, "gossip.cache_size must be positive")

	check(c.Sync.RequestTimeout > 0, "sync.request_timeout must be positive")
	check(c.Sync.MaxRetries >= 0, "sync.max_retries must not be negative")
	check(c.Sync.HeaderBatch > 0 && c.Sync.HeaderBatch <= proto.MaxHeadersPerResp,
		"sync.header_batch must be in [1, %d]", proto.MaxHeadersPerResp)
	check(c.Sync.BlockBatch > 0 && c.Sync.BlockBatch <= proto.MaxBlocksPerResp,
		"sync.block_batch must be in [1, %d]", proto.MaxBlocksPerResp)
	check(c.Sync.Backoff >= 1, "sync.backoff must be at least 1")
	check(c.Sync.StallCooldown > 0, "sync.stall_cooldown must be positive")

	check(c.Transport.SendQueue > 0, "transport.send_queue must be positive")
	check(c.Transport.SendTimeout >= 0, "transport.send_timeout must not be negative")
	check(c.Transport.InboundQueue > 0, "transport.inbound_queue must be positive")
	check(c.Transport.HandshakeTimeout > 0, "transport.handshake_timeout must be positive")
	check(c.Transport.IdleTimeout > 0, "transport.idle_timeout must be positive")
	check(c.Transport.MaxDecodeFailures > 0, "transport.max_decode_failures must be positive")

	check(c.Discovery.Interval > 0, "discovery.interval must be positive")
	check(c.Discovery.CandidateCap > 0, "discovery.candidate_cap must be positive")
	check(c.Discovery.CandidateTTL > 0, "discovery.candidate_ttl must be positive")

	check(c.Store.Path != "", "store.path is required")
	return errors.Join(errs...)
}

// Chains returns the tracked chains, beacon first.
func (c Config) Chains() []chain.ChainID {
	out := []chain.ChainID{chain.BeaconChain}
	for _, s := range c.Shards {
		out = append(out, chain.ChainID(s))
	}
	return out
}

// Path resolves p against Home.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, p)
}

func (c Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}

func (c Config) StorePath() string { return c.Path(c.Store.Path) }

func (c Config) KeyDir() string { return c.Path("keys") }

// NodeConfig maps the file onto the coordinator's settings.
func (c Config) NodeConfig() node.Config {
	return node.Config{
		Chains:            c.Chains(),
		ListenAddr:        c.AdvertiseAddr(),
		ProtocolVersion:   c.ProtocolVersion,
		MinVersion:        c.MinProtocolVersion,
		BootNodes:         c.BootNodes,
		MaxPeers:          c.MaxPeers,
		MaxDecodeFailures: c.Transport.MaxDecodeFailures,
		SweepInterval:     c.SweepInterval,
		Gossip: gossip.Config{
			Fanout:                c.Gossip.Fanout,
			ForwardBeforeValidate: c.Gossip.ForwardBeforeValidate,
		},
		GossipCacheCap: c.Gossip.CacheSize,
		GossipTTL:      c.Gossip.TTL,
		Sync: chainsync.Config{
			RequestTimeout: c.Sync.RequestTimeout,
			MaxRetries:     c.Sync.MaxRetries,
			HeaderBatch:    c.Sync.HeaderBatch,
			BlockBatch:     c.Sync.BlockBatch,
			BackoffFactor:  c.Sync.Backoff,
			StallCooldown:  c.Sync.StallCooldown,
		},
		DiscoveryInterval: c.Discovery.Interval,
		CandidateCap:      c.Discovery.CandidateCap,
		CandidateTTL:      c.Discovery.CandidateTTL,
	}
}

// TransportConfig maps the file onto the transport's settings. status
// supplies the handshake heads. Without Advertise the transport announces
// its bound address.
func (c Config) TransportConfig(status func() []proto.ChainHead) network.Config {
	return network.Config{
		NetworkID:        c.NetworkID,
		ProtocolVersion:  c.ProtocolVersion,
		MinVersion:       c.MinProtocolVersion,
		ListenAddr:       c.Advertise,
		Status:           status,
		SendQueue:        c.Transport.SendQueue,
		SendTimeout:      c.Transport.SendTimeout,
		InboundQueue:     c.Transport.InboundQueue,
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		IdleTimeout:      c.Transport.IdleTimeout,
		MaxInboundPerIP:  c.MaxInboundPerIP,
	}
}
