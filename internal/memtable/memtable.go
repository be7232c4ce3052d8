// Package memtable implements the LSM engine's in-memory write buffer:
// an ordered index over recent records, backed by a B-tree so puts,
// point reads, and ordered range scans are all logarithmic (spec.md
// §4.2). Tombstones are kept as ordinary entries with the tombstone
// flag set, not removed; LSM compaction carries them forward rather
// than dropping them.
package memtable

import (
	"sync"

	"github.com/google/btree"

	"github.com/dreamware/ringdb/internal/record"
)

const defaultBTreeDegree = 32

// item adapts a record.Record to btree.Item, ordering purely by key.
type item struct {
	rec record.Record
}

func (a item) Less(than btree.Item) bool {
	return a.rec.Key < than.(item).rec.Key
}

// MemTable is a mutable, size-bounded, ordered buffer of records. It is
// safe for concurrent readers and writers.
type MemTable struct {
	mu        sync.RWMutex
	tree      *btree.BTree
	sizeBytes int64
	createdAt int64 // Lamport tick at creation, used for age-based freeze
	frozen    bool
}

// New returns an empty, writable MemTable stamped with the Lamport tick
// at which it was created (for age-triggered freezing).
func New(createdAtTick uint64) *MemTable {
	return &MemTable{
		tree:      btree.New(defaultBTreeDegree),
		createdAt: int64(createdAtTick),
	}
}

// recordSize approximates the in-memory footprint of a record for
// size-triggered freeze decisions.
func recordSize(r record.Record) int64 {
	size := int64(len(r.Key)) + int64(len(r.Value)) + 64 // meta overhead
	size += int64(len(r.Meta.Vector)) * 24
	return size
}

// Put inserts or overwrites a record. Callers are responsible for
// resolving conflicts (LWW/vector/CRDT) before calling Put; MemTable
// itself performs no conflict resolution, it is a plain ordered index.
func (m *MemTable) Put(r record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newItem := item{rec: r}
	old := m.tree.ReplaceOrInsert(newItem)
	m.sizeBytes += recordSize(r)
	if old != nil {
		m.sizeBytes -= recordSize(old.(item).rec)
	}
}

// Delete inserts a tombstone record for key — the logical delete
// marker spec.md §4.2/§4.11 requires. Compaction keeps it; nothing
// ages it out after the tombstone retention window.
func (m *MemTable) Delete(key record.Key, meta record.Meta) {
	meta.Tombstone = true
	m.Put(record.Record{Key: key, Meta: meta})
}

// Get returns the record stored for key, if any (which may be a
// tombstone — callers must check Meta.Tombstone).
func (m *MemTable) Get(key record.Key) (record.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := m.tree.Get(item{rec: record.Record{Key: key}})
	if found == nil {
		return record.Record{}, false
	}
	return found.(item).rec, true
}

// RangeScan invokes fn for every record with key in [start, end)
// (end == "" means unbounded), in ascending key order. Scanning stops
// early if fn returns false.
func (m *MemTable) RangeScan(start, end record.Key, fn func(record.Record) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	visit := func(i btree.Item) bool {
		rec := i.(item).rec
		if end != "" && rec.Key >= end {
			return false
		}
		return fn(rec)
	}

	if start == "" {
		m.tree.Ascend(visit)
	} else {
		m.tree.AscendGreaterOrEqual(item{rec: record.Record{Key: start}}, visit)
	}
}

// All returns every record in ascending key order. Used when flushing
// a frozen MemTable to an SSTable.
func (m *MemTable) All() []record.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]record.Record, 0, m.tree.Len())
	m.tree.Ascend(func(i btree.Item) bool {
		out = append(out, i.(item).rec)
		return true
	})
	return out
}

// Len returns the number of distinct keys currently held (including
// tombstones).
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// SizeBytes returns the approximate in-memory footprint, used against
// the configured memtable_threshold.
func (m *MemTable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// ShouldFreeze reports whether this MemTable has crossed either the
// configured size threshold or the age threshold (in Lamport ticks)
// and should be swapped out for flushing.
func (m *MemTable) ShouldFreeze(sizeThreshold int64, nowTick uint64, maxAgeTicks uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.frozen {
		return true
	}
	if m.sizeBytes >= sizeThreshold {
		return true
	}
	if maxAgeTicks > 0 && int64(nowTick)-m.createdAt >= int64(maxAgeTicks) {
		return true
	}
	return false
}

// Freeze marks the MemTable read-only. Put does not check the flag, so
// a write after Freeze is still applied; the owning LSM engine's swap
// logic never routes writes to a frozen table.
func (m *MemTable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frozen = true
}

// Frozen reports whether Freeze has been called.
func (m *MemTable) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}
