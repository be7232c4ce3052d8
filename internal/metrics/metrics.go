// Package metrics defines ringdb's Prometheus metrics, registered at
// package init and exposed on /metrics via promhttp.Handler(). Grounded
// on the teacher's pkg/metrics package-level-variable-plus-init()
// pattern, retargeted from container/Raft metrics to the LSM,
// replication, and quorum surfaces this store actually has.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage engine metrics (internal/lsm)
	WALSegments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringdb_wal_segments",
			Help: "Number of WAL segment files currently retained",
		},
	)

	WALBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringdb_wal_bytes",
			Help: "Total bytes across retained WAL segments",
		},
	)

	MemtableBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringdb_memtable_bytes",
			Help: "Size in bytes of the active memtable",
		},
	)

	SSTablesPerLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringdb_sstables_per_level",
			Help: "Number of SSTable files per LSM level",
		},
		[]string{"level"},
	)

	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringdb_compactions_total",
			Help: "Total compaction runs by level and outcome",
		},
		[]string{"level", "outcome"},
	)

	CompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ringdb_compaction_duration_seconds",
			Help:    "Time taken to run a compaction pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication metrics (internal/replog, internal/hinted, internal/antientropy)
	ReplicationLogDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringdb_replication_log_depth",
			Help: "Number of ops retained in the local replication log",
		},
	)

	HintQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringdb_hint_queue_depth",
			Help: "Number of pending hinted-handoff entries by target node",
		},
		[]string{"target"},
	)

	HintsReplayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringdb_hints_replayed_total",
			Help: "Total hinted-handoff entries drained, by outcome",
		},
		[]string{"outcome"},
	)

	AntiEntropySyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringdb_anti_entropy_syncs_total",
			Help: "Total anti-entropy digest comparisons, by outcome",
		},
		[]string{"outcome"},
	)

	AntiEntropyKeysRepaired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ringdb_anti_entropy_keys_repaired_total",
			Help: "Total keys repaired as a result of anti-entropy divergence",
		},
	)

	// Cluster membership metrics (internal/heartbeat)
	PeersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringdb_peers_by_status",
			Help: "Number of known peers by failure-detector status",
		},
		[]string{"status"}, // live, suspect, dead
	)

	// Partitioning metrics (internal/ring, internal/partition)
	HotPartitionScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ringdb_hot_partition_score",
			Help: "Operation count observed for a partition since the last check",
		},
		[]string{"partition"},
	)

	PartitionsOwned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ringdb_partitions_owned",
			Help: "Number of partitions this node currently owns",
		},
	)

	// Quorum / request metrics (internal/quorum, internal/txn)
	QuorumRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringdb_quorum_requests_total",
			Help: "Total quorum read/write attempts by operation and outcome",
		},
		[]string{"op", "outcome"}, // op: read|write, outcome: success|failure
	)

	QuorumRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ringdb_quorum_request_duration_seconds",
			Help:    "Quorum read/write latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ringdb_transactions_total",
			Help: "Total transactions by outcome",
		},
		[]string{"outcome"}, // committed, aborted, conflict
	)
)

func init() {
	prometheus.MustRegister(WALSegments)
	prometheus.MustRegister(WALBytes)
	prometheus.MustRegister(MemtableBytes)
	prometheus.MustRegister(SSTablesPerLevel)
	prometheus.MustRegister(CompactionsTotal)
	prometheus.MustRegister(CompactionDuration)

	prometheus.MustRegister(ReplicationLogDepth)
	prometheus.MustRegister(HintQueueDepth)
	prometheus.MustRegister(HintsReplayedTotal)
	prometheus.MustRegister(AntiEntropySyncsTotal)
	prometheus.MustRegister(AntiEntropyKeysRepaired)

	prometheus.MustRegister(PeersByStatus)

	prometheus.MustRegister(HotPartitionScore)
	prometheus.MustRegister(PartitionsOwned)

	prometheus.MustRegister(QuorumRequestsTotal)
	prometheus.MustRegister(QuorumRequestDuration)
	prometheus.MustRegister(TransactionsTotal)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later observation into a
// histogram, mirroring the teacher's metrics.Timer helper.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
