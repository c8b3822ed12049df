package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"shardnet/internal/config"
	"shardnet/internal/crypto"
	"shardnet/internal/daemon"
	"shardnet/internal/debuglog"
	"shardnet/internal/metrics"
	"shardnet/internal/peer"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "shardnode %s\n", version)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: shardnode <run|keygen|id|status|version> [args]")
	fmt.Fprintln(w, "  run     [--config <file>] [--home <dir>] [--listen <ip:port>] [--boot <addr,...>] [--log-level <level>]")
	fmt.Fprintln(w, "  keygen  [--home <dir>]")
	fmt.Fprintln(w, "  id      [--home <dir>]")
	fmt.Fprintln(w, "  status  [--home <dir>]")
	fmt.Fprintln(w, "  version")
}

func defaultHome() string {
	if h := strings.TrimSpace(os.Getenv("SHARDNET_HOME")); h != "" {
		return h
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return config.Default().Home
	}
	return filepath.Join(h, ".shardnet")
}

// loadConfig reads the optional file, then applies flag overrides.
func loadConfig(path, home, listen, boot, level string) (config.Config, error) {
	cfg := config.Default()
	cfg.Home = defaultHome()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if home != "" {
		cfg.Home = home
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if boot != "" {
		cfg.BootNodes = nil
		for _, addr := range strings.Split(boot, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.BootNodes = append(cfg.BootNodes, addr)
			}
		}
	}
	if level != "" {
		cfg.Log.Level = level
	}
	return cfg, cfg.Validate()
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config YAML file")
	home := fs.String("home", "", "data directory (keys, block store)")
	listen := fs.String("listen", "", "QUIC listen address (host:port)")
	boot := fs.String("boot", "", "comma-separated boot node addresses")
	level := fs.String("log-level", "", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *home, *listen, *boot, *level)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	log, err := debuglog.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	runner, err := daemon.NewRunner(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "start node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, ready) }()
	select {
	case addr := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s node_id=%s\n", addr, runner.Node.ID().Hex())
	case err := <-done:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func homeFlag(name string, args []string, stderr io.Writer) (string, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", defaultHome(), "data directory")
	if err := fs.Parse(args); err != nil {
		return "", false
	}
	return *home, true
}

func keyDir(home string) string {
	return filepath.Join(home, "keys")
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	home, ok := homeFlag("keygen", args, stderr)
	if !ok {
		return 1
	}
	if _, err := crypto.LoadIdentity(keyDir(home)); err == nil {
		fmt.Fprintf(stderr, "identity already exists in %s\n", keyDir(home))
		return 1
	}
	id, err := crypto.GenerateIdentity()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	if err := crypto.SaveIdentity(keyDir(home), id); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, peer.IDFromPublicKey(id.Public).Hex())
	return 0
}

func runID(args []string, stdout, stderr io.Writer) int {
	home, ok := homeFlag("id", args, stderr)
	if !ok {
		return 1
	}
	id, err := crypto.LoadIdentity(keyDir(home))
	if err != nil {
		fmt.Fprintf(stderr, "load identity: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, peer.IDFromPublicKey(id.Public).Hex())
	return 0
}

// runStatus prints the metrics snapshot a running node keeps in its home.
func runStatus(args []string, stdout, stderr io.Writer) int {
	home, ok := homeFlag("status", args, stderr)
	if !ok {
		return 1
	}
	snap, err := readMetricsSnapshot(filepath.Join(home, "metrics.json"))
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "generated_at=%s\n", snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	keys := make([]string, 0, len(snap.Values))
	for k := range snap.Values {
		if strings.HasPrefix(k, "shardnet_peers_") || strings.HasPrefix(k, "shardnet_sync_local_height") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "%s %g\n", k, snap.Values[k])
	}
	return 0
}

func readMetricsSnapshot(path string) (metrics.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}, err
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return snap, nil
}
