package node

import (
	"context"
	"fmt"
	"sort"

	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/metrics"
	"github.com/dreamware/ringdb/internal/record"
	"github.com/dreamware/ringdb/internal/ring"
	"github.com/dreamware/ringdb/internal/transport"
)

// Administrative operations from spec.md §6: AddNode, RemoveNode,
// SplitPartition, MergePartitions, Rebalance, CheckHotPartitions, and
// MarkHotKey. These are driven by an operator (CLI/UI/router), not by
// the RPC surface transport.Handler exposes to ordinary clients, the
// same split the teacher draws between coordinator.ShardRegistry's
// assignment methods and its Handler's client-facing Get/Put/Delete.

// hotKeyConfig records that a key is salted across a fixed number of
// sub-keys to spread its load across multiple partitions (spec.md
// §6's mark_hot_key).
type hotKeyConfig struct {
	buckets int
	migrate bool
}

// partitionOpCounts tracks, per partition id, how many client
// operations this node has served — the input CheckHotPartitions
// compares against its threshold. Grounded on the teacher's
// shard.OperationStats (Gets/Puts/Deletes counters on each Shard),
// generalized from per-shard to per-partition since ringdb partitions
// replace the teacher's static shard count.
type partitionOpCounts struct {
	ops  map[int]uint64
	keys map[int]map[record.Key]struct{}
}

func newPartitionOpCounts() *partitionOpCounts {
	return &partitionOpCounts{ops: make(map[int]uint64), keys: make(map[int]map[record.Key]struct{})}
}

func (p *partitionOpCounts) record(pid int, key record.Key) {
	p.ops[pid]++
	if p.keys[pid] == nil {
		p.keys[pid] = make(map[record.Key]struct{})
	}
	p.keys[pid][key] = struct{}{}
}

// AddNode installs a new cluster member: registers it as a peer,
// assigns it ring tokens (hash strategy), and streams every key it now
// owns from its previous owners — spec.md §6's add_node. Transfer I/O
// is throttled to cfg.MaxTransferRate via internal/ratelimit, the same
// way the teacher's coordinator gates shard reassignment through
// ShardRegistry.RebalanceShards, generalized here to actually move
// bytes rather than just update an assignment map.
func (n *Node) AddNode(ctx context.Context, nodeID, baseURL string) error {
	n.mu.Lock()
	if _, exists := n.peers[nodeID]; exists {
		n.mu.Unlock()
		return errs.New(errs.IOError, "node: peer %q already registered", nodeID)
	}
	n.mu.Unlock()

	n.AddPeer(nodeID, baseURL)

	if n.ring == nil {
		return errs.New(errs.IOError, "node: AddNode requires hash partitioning; use SplitPartition under range partitioning")
	}

	n.ring.AddNode(nodeID)
	epoch := n.ring.Epoch()
	n.reportOwnershipMetric()

	if err := n.broadcastHashRing(ctx, epoch); err != nil {
		return err
	}
	return n.migrateMovedKeys(ctx)
}

// RemoveNode evicts a cluster member, transferring its owned
// partitions to the remaining ring members before forgetting it —
// spec.md §6's remove_node.
func (n *Node) RemoveNode(ctx context.Context, nodeID string) error {
	if n.ring == nil {
		return errs.New(errs.IOError, "node: RemoveNode requires hash partitioning")
	}

	n.ring.RemoveNode(nodeID)
	epoch := n.ring.Epoch()
	n.reportOwnershipMetric()

	if err := n.broadcastHashRing(ctx, epoch); err != nil {
		return err
	}
	if err := n.migrateMovedKeys(ctx); err != nil {
		return err
	}
	n.RemovePeer(nodeID)
	return nil
}

// broadcastHashRing propagates the current ring membership to every
// known peer, so no peer computes ownership from a stale topology.
func (n *Node) broadcastHashRing(ctx context.Context, epoch uint64) error {
	n.mu.RLock()
	peers := make(map[string]*transport.Client, len(n.peers))
	for id, c := range n.peers {
		peers[id] = c
	}
	n.mu.RUnlock()

	nodes := n.ring.Nodes()
	req := transport.UpdateHashRingRequest{Epoch: epoch, Nodes: nodes, PartitionsPerNode: n.cfg.PartitionsPerNode}
	for id, c := range peers {
		if err := c.UpdateHashRing(ctx, req); err != nil {
			n.logger.Warn().Err(err).Str("peer", id).Msg("failed to propagate updated hash ring")
		}
	}
	return nil
}

// migrateMovedKeys walks local storage and, for every key, recomputes
// its preference list under the current (just-updated) topology: keys
// this node still owns are also pushed to any new co-owner that didn't
// have them before, and keys this node no longer owns are pushed to
// their new owners and evicted locally. Copies are throttled through
// n.xfer so a large migration doesn't saturate inter-node bandwidth,
// following spec.md §5's max_transfer_rate.
func (n *Node) migrateMovedKeys(ctx context.Context) error {
	var toEvict []record.Key
	err := n.engine.RangeScan("", "", func(r record.Record) bool {
		newOwners, _, perr := n.preferenceList(r.Key.PartitionKey())
		if perr != nil {
			return true
		}
		if n.owns(newOwners) {
			for _, owner := range newOwners {
				if owner == n.cfg.NodeID {
					continue
				}
				if err := n.xfer.WaitN(ctx, len(r.Value)); err != nil {
					n.logger.Warn().Err(err).Msg("transfer throttle wait failed during migration")
					continue
				}
				_ = n.peerRegistryReplicate(ctx, owner, r)
			}
		} else {
			for _, owner := range newOwners {
				if err := n.xfer.WaitN(ctx, len(r.Value)); err != nil {
					continue
				}
				_ = n.peerRegistryReplicate(ctx, owner, r)
			}
			toEvict = append(toEvict, r.Key)
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, key := range toEvict {
		_ = n.engine.Delete(key, record.Meta{Origin: n.cfg.NodeID, LamportTS: n.lam.Tick(), Tombstone: true})
	}
	return nil
}

func (n *Node) peerRegistryReplicate(ctx context.Context, nodeID string, rec record.Record) error {
	reg := &peerRegistry{n: n}
	return reg.Replicate(ctx, nodeID, rec)
}

// SplitPartition divides partition pid at splitKey (range strategy
// only) — spec.md §6's split_partition / scenario S5. If splitKey is
// empty the midpoint of the partition's key range is used.
func (n *Node) SplitPartition(ctx context.Context, pid int, splitKey string, newOwner string, newReplicas []string) error {
	if n.pmap == nil {
		return errs.New(errs.IOError, "node: SplitPartition requires range partitioning")
	}
	ranges := n.pmap.Ranges()
	if pid < 0 || pid >= len(ranges) {
		return errs.New(errs.IOError, "node: unknown partition id %d", pid)
	}
	if splitKey == "" {
		splitKey = midpoint(ranges[pid].Low, ranges[pid].High)
	}
	if err := n.pmap.Split(splitKey, newOwner, newReplicas); err != nil {
		return err
	}
	n.reportOwnershipMetric()
	return n.broadcastRangeMap(ctx)
}

// MergePartitions merges the partitions starting at lowA and lowB into
// one — spec.md §6's merge_partitions.
func (n *Node) MergePartitions(ctx context.Context, lowA, lowB string) error {
	if n.pmap == nil {
		return errs.New(errs.IOError, "node: MergePartitions requires range partitioning")
	}
	if err := n.pmap.Merge(lowA, lowB); err != nil {
		return err
	}
	n.reportOwnershipMetric()
	return n.broadcastRangeMap(ctx)
}

func (n *Node) broadcastRangeMap(ctx context.Context) error {
	ranges := n.pmap.Ranges()
	wireRanges := make([]transport.WireRange, len(ranges))
	for i, r := range ranges {
		wireRanges[i] = transport.WireRange{Low: r.Low, High: r.High, Owner: r.Owner, Replicas: r.Replicas}
	}
	epoch := n.pmap.Epoch()

	n.mu.RLock()
	peers := make(map[string]*transport.Client, len(n.peers))
	for id, c := range n.peers {
		peers[id] = c
	}
	n.mu.RUnlock()

	req := transport.UpdatePartitionMapRequest{Epoch: epoch, Ranges: wireRanges}
	for id, c := range peers {
		if err := c.UpdatePartitionMap(ctx, req); err != nil {
			n.logger.Warn().Err(err).Str("peer", id).Msg("failed to propagate updated partition map")
		}
	}
	return nil
}

func midpoint(low, high string) string {
	if high == "" {
		return low + "m"
	}
	if low >= high {
		return low
	}
	// A byte-wise midpoint is good enough for an even split over
	// printable-ASCII key spaces, which is all spec.md's scenarios use.
	mid := (low[0] + high[0]) / 2
	return string(mid)
}

// Rebalance redistributes ring ownership evenly across current nodes —
// spec.md §6's rebalance(). Grounded on the teacher's
// coordinator.ShardRegistry.RebalanceShards, which reassigns shard IDs
// round-robin across known nodes under a single lock; here the
// equivalent unit of reassignment is ring vnode ownership, achieved by
// rebuilding the ring from its current node set (AddNode already draws
// deterministic per-node tokens, so a rebuild evens out any token
// clustering accumulated by incremental AddNode/RemoveNode calls).
func (n *Node) Rebalance(ctx context.Context) error {
	if n.ring == nil {
		return errs.New(errs.IOError, "node: Rebalance requires hash partitioning")
	}
	nodes := n.ring.Nodes()
	sort.Strings(nodes)

	rebuilt := ring.New(n.cfg.PartitionsPerNode)
	for _, id := range nodes {
		rebuilt.AddNode(id)
	}
	n.ring = rebuilt
	epoch := n.ring.Epoch()
	n.reportOwnershipMetric()

	if err := n.broadcastHashRing(ctx, epoch); err != nil {
		return err
	}
	return n.migrateMovedKeys(ctx)
}

// CheckHotPartitions reports which partitions this node is tracking
// whose operation count is at least threshold and which hold at least
// minKeys distinct keys — spec.md §6's check_hot_partitions, intended
// as the auto-split trigger an operator (or a periodic background
// task) polls.
func (n *Node) CheckHotPartitions(threshold uint64, minKeys int) []int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.opCounts == nil {
		return nil
	}
	var hot []int
	for pid, count := range n.opCounts.ops {
		metrics.HotPartitionScore.WithLabelValues(fmt.Sprintf("%d", pid)).Set(float64(count))
		if count < threshold {
			continue
		}
		if len(n.opCounts.keys[pid]) < minKeys {
			continue
		}
		hot = append(hot, pid)
	}
	sort.Ints(hot)
	return hot
}

// MarkHotKey enables salting for key: future writes/reads against it
// are expected to be distributed across `buckets` sub-keys
// (`key + "#" + bucket`) by the caller (router or client library).
// When migrate is true, any value already stored under the bare key is
// copied to bucket 0 so existing readers see no discontinuity —
// spec.md §6's mark_hot_key.
func (n *Node) MarkHotKey(ctx context.Context, key record.Key, buckets int, migrate bool) error {
	if buckets <= 0 {
		return errs.New(errs.IOError, "node: MarkHotKey requires buckets > 0")
	}
	n.mu.Lock()
	n.hotKeys[string(key)] = hotKeyConfig{buckets: buckets, migrate: migrate}
	n.mu.Unlock()

	if !migrate {
		return nil
	}
	existing, found, err := n.engine.Get(key)
	if err != nil || !found {
		return err
	}
	bucketZero := record.Key(fmt.Sprintf("%s#0", key))
	existing.Key = bucketZero
	return n.engine.Put(existing)
}
