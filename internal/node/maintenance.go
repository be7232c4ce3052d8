package node

import (
	"context"
	"time"

	"github.com/dreamware/ringdb/internal/heartbeat"
	"github.com/dreamware/ringdb/internal/metrics"
	"github.com/dreamware/ringdb/internal/record"
)

// RunMaintenance runs this node's periodic background work — failure
// detector sweeps, hinted-handoff drains against peers that have come
// back live, and metrics refresh — until ctx is canceled. It blocks the
// calling goroutine; callers run it via `go n.RunMaintenance(ctx, d)`.
// Grounded on the teacher's coordinator.HealthMonitor.Start: a ticker
// loop selecting on the ticker and ctx.Done(), generalized from
// "poll every peer's /health endpoint" to "sweep the local failure
// detector and drain any hints for peers it now reports live".
func (n *Node) RunMaintenance(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.maintenanceTick()
	for {
		select {
		case <-ticker.C:
			n.maintenanceTick()
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) maintenanceTick() {
	n.detector.Sweep(time.Now())
	n.refreshPeerMetrics()
	n.drainLiveHints()
}

func (n *Node) refreshPeerMetrics() {
	n.mu.RLock()
	peerIDs := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peerIDs = append(peerIDs, id)
	}
	n.mu.RUnlock()

	counts := map[string]int{"live": 0, "suspect": 0, "dead": 0}
	for _, id := range peerIDs {
		counts[n.detector.StateOf(id).String()]++
	}
	for status, count := range counts {
		metrics.PeersByStatus.WithLabelValues(status).Set(float64(count))
	}
}

// drainLiveHints replays any stashed hinted-handoff writes for every
// destination the failure detector currently reports live, per spec.md
// §4.7's handoff-completion rule.
func (n *Node) drainLiveHints() {
	reg := &peerRegistry{n: n}
	for _, dest := range n.hints.Destinations() {
		metrics.HintQueueDepth.WithLabelValues(dest).Set(float64(n.hints.Len(dest)))

		if n.detector.StateOf(dest) != heartbeat.Live {
			continue
		}
		delivered, err := n.hints.Drain(dest, func(rec record.Record) error {
			return reg.Replicate(context.Background(), dest, rec)
		})
		if err != nil {
			metrics.HintsReplayedTotal.WithLabelValues("failure").Inc()
			continue
		}
		if delivered > 0 {
			metrics.HintsReplayedTotal.WithLabelValues("success").Add(float64(delivered))
		}
	}
}
