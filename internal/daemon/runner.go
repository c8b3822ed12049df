// Package daemon assembles a node from its configuration and runs it.
package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shardnet/internal/config"
	"shardnet/internal/crypto"
	"shardnet/internal/debuglog"
	"shardnet/internal/metrics"
	"shardnet/internal/network"
	"shardnet/internal/node"
	"shardnet/internal/pprofutil"
	"shardnet/internal/store"
)

const snapshotInterval = 5 * time.Second

// Runner owns everything a running node needs: identity, block store,
// transport and coordinator.
type Runner struct {
	Config    config.Config
	Identity  crypto.Identity
	Store     *store.BlockStore
	Metrics   *metrics.Metrics
	Transport *network.QUICTransport
	Node      *node.Node

	log       *zap.Logger
	snapPath  string
	closeOnce sync.Once
	closeErr  error
}

func NewRunner(cfg config.Config, log *zap.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = debuglog.OrNop(log)
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home: %w", err)
	}
	ident, err := crypto.LoadOrCreateIdentity(cfg.KeyDir())
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	st, err := store.Open(cfg.StorePath(), log)
	if err != nil {
		return nil, err
	}
	m := metrics.New(nil)
	chains := cfg.Chains()
	tr, err := network.ListenQUIC(cfg.Listen, cfg.TransportConfig(node.StatusFunc(st, chains)), ident, m, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	ncfg := cfg.NodeConfig()
	if cfg.Advertise == "" {
		ncfg.ListenAddr = tr.Addr()
	}
	n := node.New(ncfg, node.Deps{
		Transport: tr,
		Chain:     st,
		Metrics:   m,
		Logger:    log,
	})
	return &Runner{
		Config:    cfg,
		Identity:  ident,
		Store:     st,
		Metrics:   m,
		Transport: tr,
		Node:      n,
		log:       log.Named("daemon"),
		snapPath:  cfg.Path("metrics.json"),
	}, nil
}

// Run serves until ctx is cancelled, then releases the transport and the
// store. The bound transport address is sent on ready once peers can
// connect.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	defer r.Close()
	type endpoint struct {
		ln net.Listener
		h  http.Handler
	}
	var endpoints []endpoint
	for _, ep := range []struct {
		name, addr, path string
		h                http.Handler
	}{
		{"metrics", r.Config.Metrics.Listen, "/metrics", r.Metrics.Handler()},
		{"pprof", r.Config.Pprof.Listen, "/debug/pprof/", pprofutil.Handler()},
	} {
		if ep.addr == "" {
			continue
		}
		ln, err := pprofutil.Listen(ep.addr)
		if err != nil {
			for _, e := range endpoints {
				_ = e.ln.Close()
			}
			return fmt.Errorf("%s: %w", ep.name, err)
		}
		r.log.Info(ep.name+" enabled", zap.String("url", "http://"+ln.Addr().String()+ep.path))
		endpoints = append(endpoints, endpoint{ln: ln, h: ep.h})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Node.Run(ctx) })
	for _, ep := range endpoints {
		g.Go(func() error { return pprofutil.Serve(ctx, ep.ln, ep.h) })
	}
	g.Go(func() error {
		r.writeSnapshots(ctx)
		return nil
	})
	r.log.Info("node started",
		zap.Stringer("id", r.Node.ID()),
		zap.String("listen", r.Transport.Addr()),
		zap.String("network", r.Config.NetworkID))
	if ready != nil {
		select {
		case ready <- r.Transport.Addr():
		default:
		}
	}
	err := g.Wait()
	r.log.Info("node stopped", zap.Error(err))
	return err
}

// writeSnapshots keeps a JSON copy of the metrics next to the store.
func (r *Runner) writeSnapshots(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.Metrics.WriteSnapshot(r.snapPath); err != nil {
				r.log.Debug("metrics snapshot failed", zap.Error(err))
			}
		case <-ctx.Done():
			_ = r.Metrics.WriteSnapshot(r.snapPath)
			return
		}
	}
}

// Close releases the transport and the store. It is safe to call more than
// once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		if err := r.Transport.Close(); err != nil {
			r.closeErr = err
		}
		if err := r.Store.Close(); err != nil && r.closeErr == nil {
			r.closeErr = err
		}
	})
	return r.closeErr
}

// SnapshotPath is where Run writes the metrics snapshot.
func (r *Runner) SnapshotPath() string { return r.snapPath }
