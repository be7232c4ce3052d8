// Package partition implements spec.md §4.10's second partitioning
// strategy — range partitioning — and the shared PartitionMap that
// either strategy (hash or range) propagates between nodes: an ordered
// set of partitions, each with an owning node and a preference list,
// stamped with a monotonic map_epoch bumped on every split, merge, or
// ownership change.
//
// The binary-search-over-sorted-ranges shape is novel to this spec (the
// teacher has a single shard registry with no ranges); it is modeled
// directly on spec.md §4.10's own description and kept in the teacher's
// idiom of a mutex-guarded struct with explicit accessor methods
// (the teacher's coordinator.ShardRegistry, which this repository does
// not carry).
package partition

import (
	"sort"
	"sync"

	"github.com/dreamware/ringdb/internal/errs"
)

// Range is one contiguous partition: keys in [Low, High) belong to it.
// An empty High means unbounded (the last range in the vector).
type Range struct {
	Low, High string
	Owner     string
	Replicas  []string // full preference list, Owner is Replicas[0]
}

func (r Range) contains(key string) bool {
	if key < r.Low {
		return false
	}
	if r.High != "" && key >= r.High {
		return false
	}
	return true
}

// Map is the partition map: either the range vector (range strategy)
// or a precomputed id→owner table (hash strategy with fixed
// num_partitions), versioned by a monotonic epoch. Only one strategy is
// active per node per spec.md's Open Question resolution (see
// DESIGN.md): ranges and hash-partition ids are never combined.
type Map struct {
	mu sync.RWMutex

	ranges []Range // sorted by Low; used when strategy is range

	hashOwners map[int][]string // partition id -> replica list; used when strategy is hash
	numParts   int

	epoch uint64
}

// NewRangeMap returns a Map governing the whole keyspace as a single
// unbounded range owned by owner — the starting point before any split.
func NewRangeMap(owner string, replicas []string) *Map {
	return &Map{
		ranges: []Range{{Low: "", High: "", Owner: owner, Replicas: replicas}},
		epoch:  1,
	}
}

// NewHashMap returns a Map for hash partitioning with a fixed
// numPartitions, each initially owned by the given preference list
// (replicas[0] is the primary owner).
func NewHashMap(numPartitions int, replicas []string) *Map {
	owners := make(map[int][]string, numPartitions)
	for i := 0; i < numPartitions; i++ {
		owners[i] = replicas
	}
	return &Map{hashOwners: owners, numParts: numPartitions, epoch: 1}
}

// Epoch returns the partition map's current monotonic version stamp.
func (m *Map) Epoch() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// OwnersForKey returns the preference list (up to n nodes) for a range
// map; for hash maps, callers should use OwnersForPartition with
// ring.PartitionIDForKey instead.
func (m *Map) OwnersForKey(key string, n int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].High == "" || m.ranges[i].High > key
	})
	if idx >= len(m.ranges) || !m.ranges[idx].contains(key) {
		return nil, errs.New(errs.NotOwner, "partition: no range covers key %q", key)
	}
	replicas := m.ranges[idx].Replicas
	if n > len(replicas) {
		n = len(replicas)
	}
	return append([]string{}, replicas[:n]...), nil
}

// PartitionIDForKey returns the index of the range covering key.
func (m *Map) PartitionIDForKey(key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].High == "" || m.ranges[i].High > key
	})
	if idx >= len(m.ranges) || !m.ranges[idx].contains(key) {
		return 0, errs.New(errs.NotOwner, "partition: no range covers key %q", key)
	}
	return idx, nil
}

// OwnersForPartition returns the preference list for a hash-strategy
// partition id.
func (m *Map) OwnersForPartition(pid int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	replicas, ok := m.hashOwners[pid]
	if !ok {
		return nil, errs.New(errs.NotOwner, "partition: unknown partition id %d", pid)
	}
	return append([]string{}, replicas...), nil
}

// Ranges returns a snapshot of the current range vector, for
// propagation to peers.
func (m *Map) Ranges() []Range {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Range, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Split divides the range containing splitKey into (low, splitKey) and
// (splitKey, high), the new lower half keeping the original owner/
// replicas and the new upper half handed to newOwner (with its own
// replica set) — spec.md §4.10's "Split of pid p at key k". Bumps the
// map epoch.
func (m *Map) Split(splitKey string, newOwner string, newReplicas []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].High == "" || m.ranges[i].High > splitKey
	})
	if idx >= len(m.ranges) || !m.ranges[idx].contains(splitKey) {
		return errs.New(errs.NotOwner, "partition: no range covers split key %q", splitKey)
	}
	r := m.ranges[idx]
	if splitKey <= r.Low {
		return errs.New(errs.IOError, "partition: split key %q not strictly inside range [%q,%q)", splitKey, r.Low, r.High)
	}

	lower := Range{Low: r.Low, High: splitKey, Owner: r.Owner, Replicas: r.Replicas}
	upper := Range{Low: splitKey, High: r.High, Owner: newOwner, Replicas: newReplicas}

	m.ranges = append(m.ranges[:idx], append([]Range{lower, upper}, m.ranges[idx+1:]...)...)
	m.epoch++
	return nil
}

// Merge combines two adjacent ranges (identified by the low key of
// each) into one, owned by the first range's owner — spec.md §4.10's
// "Merge of adjacent pids: only if contiguous". Bumps the map epoch.
func (m *Map) Merge(lowA, lowB string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idxA := indexByLow(m.ranges, lowA)
	idxB := indexByLow(m.ranges, lowB)
	if idxA < 0 || idxB < 0 {
		return errs.New(errs.IOError, "partition: merge operands not found")
	}
	if idxB != idxA+1 || m.ranges[idxA].High != m.ranges[idxB].Low {
		return errs.New(errs.IOError, "partition: ranges %q and %q are not contiguous", lowA, lowB)
	}

	merged := Range{Low: m.ranges[idxA].Low, High: m.ranges[idxB].High, Owner: m.ranges[idxA].Owner, Replicas: m.ranges[idxA].Replicas}
	out := append([]Range{}, m.ranges[:idxA]...)
	out = append(out, merged)
	out = append(out, m.ranges[idxB+1:]...)
	m.ranges = out
	m.epoch++
	return nil
}

func indexByLow(ranges []Range, low string) int {
	for i, r := range ranges {
		if r.Low == low {
			return i
		}
	}
	return -1
}
