package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shardnet"

// Metrics records node activity. All methods are safe for concurrent use.
type Metrics struct {
	reg *prometheus.Registry

	framesIn        prometheus.Counter
	framesOut       prometheus.Counter
	decodeErrors    *prometheus.CounterVec
	sendFailures    *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
	peerEvents      *prometheus.CounterVec
	peers           prometheus.Gauge

	gossipReceived   *prometheus.CounterVec
	gossipDuplicates prometheus.Counter
	gossipInvalid    prometheus.Counter
	gossipForwarded  prometheus.Counter
	gossipTargets    prometheus.Counter
	gossipCacheSize  prometheus.Gauge
	gossipOverflow   prometheus.Counter

	syncRequests   *prometheus.CounterVec
	syncRetries    prometheus.Counter
	syncTimeouts   prometheus.Counter
	syncStale      prometheus.Counter
	syncApplied    *prometheus.CounterVec
	syncStalls     *prometheus.CounterVec
	syncHeight     *prometheus.GaugeVec
	requestLatency prometheus.Histogram
}

// New registers the collectors with reg, or with a private registry when reg
// is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		reg: reg,
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "frames_in_total",
			Help: "Frames received from peers",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "frames_out_total",
			Help: "Frames queued to peers",
		}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "codec", Name: "decode_errors_total",
			Help: "Frames rejected by the codec",
		}, []string{"reason"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "send_failures_total",
			Help: "Sends refused by the transport",
		}, []string{"reason"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transport", Name: "connect_failures_total",
			Help: "Failed outbound connection attempts",
		}, []string{"kind"}),
		peerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "peers", Name: "events_total",
			Help: "Peer lifecycle events",
		}, []string{"event"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "peers", Name: "connected",
			Help: "Currently connected peers",
		}),
		gossipReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "received_total",
			Help: "Gossip messages received",
		}, []string{"kind"}),
		gossipDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "duplicates_total",
			Help: "Gossip messages dropped as already seen",
		}),
		gossipInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "invalid_total",
			Help: "Gossip messages failing validation",
		}),
		gossipForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "forwarded_total",
			Help: "Gossip items forwarded to the peer set",
		}),
		gossipTargets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "forward_targets_total",
			Help: "Individual forward sends",
		}),
		gossipCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "cache_entries",
			Help: "Entries in the gossip dedup cache",
		}),
		gossipOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gossip", Name: "cache_overflow_total",
			Help: "Gossip items dropped because the dedup cache was full of live entries",
		}),
		syncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "requests_total",
			Help: "Sync requests issued",
		}, []string{"kind"}),
		syncRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "retries_total",
			Help: "Sync requests reissued",
		}),
		syncTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "timeouts_total",
			Help: "Sync requests that passed their deadline",
		}),
		syncStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "stale_responses_total",
			Help: "Responses without a matching outstanding request",
		}),
		syncApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "blocks_applied_total",
			Help: "Blocks applied through sync or announcements",
		}, []string{"chain"}),
		syncStalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "stalls_total",
			Help: "Sessions that moved to stalled",
		}, []string{"reason"}),
		syncHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "local_height",
			Help: "Local head height per chain",
		}, []string{"chain"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "request_latency_seconds",
			Help:    "Round trip of answered sync requests",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.framesIn, m.framesOut, m.decodeErrors, m.sendFailures, m.connectFailures,
		m.peerEvents, m.peers,
		m.gossipReceived, m.gossipDuplicates, m.gossipInvalid, m.gossipForwarded,
		m.gossipTargets, m.gossipCacheSize, m.gossipOverflow,
		m.syncRequests, m.syncRetries, m.syncTimeouts, m.syncStale, m.syncApplied,
		m.syncStalls, m.syncHeight, m.requestLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) IncFrameIn()  { m.framesIn.Inc() }
func (m *Metrics) IncFrameOut() { m.framesOut.Inc() }

func (m *Metrics) IncDecodeError(reason string) { m.decodeErrors.WithLabelValues(reason).Inc() }
func (m *Metrics) IncSendFailure(reason string) { m.sendFailures.WithLabelValues(reason).Inc() }

func (m *Metrics) IncConnectFailure(kind string) { m.connectFailures.WithLabelValues(kind).Inc() }
func (m *Metrics) IncPeerEvent(event string)     { m.peerEvents.WithLabelValues(event).Inc() }
func (m *Metrics) SetPeers(n int)                { m.peers.Set(float64(n)) }

func (m *Metrics) IncGossipReceived(kind string) { m.gossipReceived.WithLabelValues(kind).Inc() }
func (m *Metrics) IncGossipDuplicate()           { m.gossipDuplicates.Inc() }
func (m *Metrics) IncGossipInvalid()             { m.gossipInvalid.Inc() }

// ObserveGossipForward counts one forwarded item and its fan-out.
func (m *Metrics) ObserveGossipForward(targets int) {
	m.gossipForwarded.Inc()
	m.gossipTargets.Add(float64(targets))
}

func (m *Metrics) SetGossipCacheSize(n int) { m.gossipCacheSize.Set(float64(n)) }
func (m *Metrics) IncGossipOverflow()       { m.gossipOverflow.Inc() }

func (m *Metrics) IncSyncRequest(kind string) { m.syncRequests.WithLabelValues(kind).Inc() }
func (m *Metrics) IncSyncRetry()              { m.syncRetries.Inc() }
func (m *Metrics) IncSyncTimeout()            { m.syncTimeouts.Inc() }
func (m *Metrics) IncStaleResponse()          { m.syncStale.Inc() }
func (m *Metrics) IncSyncStall(reason string) { m.syncStalls.WithLabelValues(reason).Inc() }

func (m *Metrics) AddBlocksApplied(chain string, n int) {
	m.syncApplied.WithLabelValues(chain).Add(float64(n))
}

func (m *Metrics) SetLocalHeight(chain string, h uint64) {
	m.syncHeight.WithLabelValues(chain).Set(float64(h))
}

func (m *Metrics) ObserveRequestLatency(d time.Duration) {
	m.requestLatency.Observe(d.Seconds())
}

// Snapshot is a flat point-in-time view of counters and gauges, keyed by
// metric name with labels appended as name{k=v,...}.
type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Values      map[string]float64 `json:"values"`
}

func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{GeneratedAt: time.Now().UTC(), Values: make(map[string]float64)}
	families, err := m.reg.Gather()
	if err != nil {
		return snap
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var v float64
			switch {
			case metric.GetCounter() != nil:
				v = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				v = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				v = float64(metric.GetHistogram().GetSampleCount())
			default:
				continue
			}
			labels := make([]string, 0, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			sort.Strings(labels)
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			snap.Values[key] = v
		}
	}
	return snap
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
