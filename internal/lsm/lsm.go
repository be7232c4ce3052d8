// Package lsm composes the write-ahead log, the active MemTable, and
// the on-disk SSTable levels into ringdb's storage engine (spec.md
// §4.1/§4.2/§4.3/§4.4). Writes go through the WAL before the MemTable;
// MemTables freeze and flush to L0; L0 files merge down into leveled
// L1..Ln via size-tiered-then-leveled compaction.
//
// The engine's shape — durable log first, ordered in-memory buffer,
// flush-then-compact levels — follows the teacher's
// `storage.MemoryStore` lifted up one layer: where the teacher had one
// flat map behind a mutex, ringdb chains WAL, MemTable, and SSTable
// levels the way mrsladoje-HundDB's structures/ packages are composed
// by (absent, in that repo) a top-level engine.
package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dreamware/ringdb/internal/clock"
	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/logging"
	"github.com/dreamware/ringdb/internal/memtable"
	"github.com/dreamware/ringdb/internal/metrics"
	"github.com/dreamware/ringdb/internal/record"
	"github.com/dreamware/ringdb/internal/sstable"
	"github.com/dreamware/ringdb/internal/wal"
)

// Options configures an Engine, mirroring the relevant subset of
// internal/config.Cluster.
type Options struct {
	DataDir           string
	MemtableThreshold int64
	L0FileLimit       int
	LevelSizeRatio    int
	MaxSegmentBytes   int64
}

// level holds the flushed SSTable readers for one LSM level, ordered
// newest-first within L0 (where ranges may overlap) and by key range
// for L1+ (where they don't).
type level struct {
	tables []*sstable.Reader
}

// Engine is a single node's local storage engine: one WAL, one active
// MemTable (plus at most one immutable MemTable awaiting flush), and N
// on-disk levels.
type Engine struct {
	mu sync.RWMutex

	opts Options
	wal  *wal.Manager
	lam  *clock.Lamport

	active  *memtable.MemTable
	flushing *memtable.MemTable
	levels  []*level

	nextSSTableIndex int
}

// Open opens (and if necessary creates) an Engine rooted at
// opts.DataDir, replaying the WAL to reconstruct the active MemTable
// and loading every existing SSTable level from the L<level>-<index>.sst
// file names in its sstables directory (there is no separate manifest).
func Open(opts Options, lam *clock.Lamport) (*Engine, error) {
	e := &Engine{
		opts: opts,
		lam:  lam,
	}
	e.active = memtable.New(lam.Current())

	walDir := filepath.Join(opts.DataDir, "wal")
	sstDir := filepath.Join(opts.DataDir, "sstables")
	if err := os.MkdirAll(sstDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.IOError, err, "lsm: mkdir %s", sstDir)
	}

	replayed := 0
	m, err := wal.Open(walDir, opts.MaxSegmentBytes, func(entry wal.Entry) error {
		e.applyWALEntry(entry)
		replayed++
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.wal = m
	logging.WithComponent("lsm").Info().Int("replayed_entries", replayed).Msg("wal replay complete")

	if err := e.loadSSTables(sstDir); err != nil {
		return nil, err
	}
	e.reportSizesLocked()
	for lvl, l := range e.levels {
		metrics.SSTablesPerLevel.WithLabelValues(fmt.Sprintf("%d", lvl)).Set(float64(len(l.tables)))
	}

	return e, nil
}

func (e *Engine) applyWALEntry(entry wal.Entry) {
	switch entry.Kind {
	case wal.KindPut:
		e.active.Put(entry.Record)
	case wal.KindDelete:
		e.active.Delete(entry.Record.Key, entry.Record.Meta)
	default:
		// Transaction markers are handled by internal/txn's own replay
		// pass; the engine only needs to reconstruct key/value state.
	}
}

func (e *Engine) sstableDir() string {
	return filepath.Join(e.opts.DataDir, "sstables")
}

func (e *Engine) loadSSTables(sstDir string) error {
	entries, err := os.ReadDir(sstDir)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "lsm: readdir %s", sstDir)
	}

	type found struct {
		level int
		index int
		path  string
	}
	var all []found
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		var lvl, idx int
		if _, err := fmt.Sscanf(de.Name(), "L%d-%d.sst", &lvl, &idx); err != nil {
			continue
		}
		all = append(all, found{level: lvl, index: idx, path: filepath.Join(sstDir, de.Name())})
		if idx >= e.nextSSTableIndex {
			e.nextSSTableIndex = idx + 1
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].level != all[j].level {
			return all[i].level < all[j].level
		}
		if all[i].level == 0 {
			return all[i].index > all[j].index
		}
		return all[i].index < all[j].index
	})

	for _, f := range all {
		for len(e.levels) <= f.level {
			e.levels = append(e.levels, &level{})
		}
		r, err := sstable.OpenReader(f.path)
		if err != nil {
			return err
		}
		e.levels[f.level].tables = append(e.levels[f.level].tables, r)
	}
	return nil
}

// Put applies a write: log to WAL, then update the active MemTable.
// Conflict resolution (LWW/vector/CRDT) must happen before this call;
// Put is unconditional.
func (e *Engine) Put(r record.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.wal.Append(wal.Entry{Kind: wal.KindPut, Record: r}); err != nil {
		return err
	}
	if err := e.wal.Sync(); err != nil {
		return err
	}
	e.active.Put(r)
	e.reportSizesLocked()
	return e.maybeFreezeLocked()
}

// Delete applies a tombstone write.
func (e *Engine) Delete(key record.Key, meta record.Meta) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta.Tombstone = true
	if err := e.wal.Append(wal.Entry{Kind: wal.KindDelete, Record: record.Record{Key: key, Meta: meta}}); err != nil {
		return err
	}
	if err := e.wal.Sync(); err != nil {
		return err
	}
	e.active.Delete(key, meta)
	e.reportSizesLocked()
	return e.maybeFreezeLocked()
}

// reportSizesLocked refreshes the WAL/MemTable size gauges. Callers
// must hold e.mu.
func (e *Engine) reportSizesLocked() {
	metrics.WALSegments.Set(float64(e.wal.SegmentCount()))
	metrics.WALBytes.Set(float64(e.wal.ActiveBytes()))
	metrics.MemtableBytes.Set(float64(e.active.SizeBytes()))
}

// maybeFreezeLocked freezes and flushes the active MemTable once it
// crosses the configured size threshold. Callers must hold e.mu.
func (e *Engine) maybeFreezeLocked() error {
	if !e.active.ShouldFreeze(e.opts.MemtableThreshold, e.lam.Current(), 0) {
		return nil
	}
	e.active.Freeze()
	e.flushing = e.active
	e.active = memtable.New(e.lam.Current())
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	if e.flushing == nil || e.flushing.Len() == 0 {
		e.flushing = nil
		return nil
	}

	records := e.flushing.All()
	idx := e.nextSSTableIndex
	e.nextSSTableIndex++
	path := filepath.Join(e.sstableDir(), fmt.Sprintf("L0-%d.sst", idx))

	meta, err := sstable.NewWriter(path).Write(records)
	if err != nil {
		return err
	}

	for len(e.levels) == 0 {
		e.levels = append(e.levels, &level{})
	}
	reader, err := sstable.OpenReader(path)
	if err != nil {
		return err
	}
	e.levels[0].tables = append([]*sstable.Reader{reader}, e.levels[0].tables...)
	e.flushing = nil
	metrics.SSTablesPerLevel.WithLabelValues("0").Set(float64(len(e.levels[0].tables)))

	logging.WithComponent("lsm").Info().
		Str("path", path).
		Uint64("items", meta.ItemCount).
		Msg("flushed memtable to L0")

	if len(e.levels[0].tables) > e.opts.L0FileLimit {
		return e.compactLocked(0)
	}
	return nil
}

// compactLocked merges every table in level lvl and every table already
// in lvl+1 into a single new table that replaces level lvl+1.
// Callers must hold e.mu.
func (e *Engine) compactLocked(lvl int) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactionDuration)

	for len(e.levels) <= lvl+1 {
		e.levels = append(e.levels, &level{})
	}

	src := e.levels[lvl].tables
	if len(src) == 0 {
		return nil
	}

	next := e.levels[lvl+1].tables
	inputs := append(append([]*sstable.Reader{}, src...), next...)
	merged := mergeTables(inputs)

	// Tombstones are never dropped here: mergeTables keeps the
	// dominant record per key (tombstone or not) but doesn't age any
	// of them out. See DESIGN.md for why tombstone_retention isn't
	// enforced by compaction in this build.
	idx := e.nextSSTableIndex
	e.nextSSTableIndex++
	path := filepath.Join(e.sstableDir(), fmt.Sprintf("L%d-%d.sst", lvl+1, idx))
	if _, err := sstable.NewWriter(path).Write(merged); err != nil {
		return err
	}
	reader, err := sstable.OpenReader(path)
	if err != nil {
		return err
	}

	for _, t := range inputs {
		oldPath := t.Meta().Path
		t.Close()
		os.Remove(oldPath)
	}
	e.levels[lvl].tables = nil
	e.levels[lvl+1].tables = []*sstable.Reader{reader}

	levelLabel := fmt.Sprintf("%d", lvl)
	nextLevelLabel := fmt.Sprintf("%d", lvl+1)
	metrics.SSTablesPerLevel.WithLabelValues(levelLabel).Set(0)
	metrics.SSTablesPerLevel.WithLabelValues(nextLevelLabel).Set(float64(len(e.levels[lvl+1].tables)))
	metrics.CompactionsTotal.WithLabelValues(levelLabel, "success").Inc()

	logging.WithComponent("lsm").Info().
		Int("from_level", lvl).
		Int("to_level", lvl+1).
		Str("path", path).
		Msg("compacted level")

	if lvl+1 > 0 && len(e.levels[lvl+1].tables) > e.opts.L0FileLimit*pow(e.opts.LevelSizeRatio, lvl+1) {
		return e.compactLocked(lvl + 1)
	}
	return nil
}

func pow(base, exp int) int {
	out := 1
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

// mergeTables merges several (possibly overlapping) sorted readers
// into one ascending, deduplicated slice, keeping the LWW-dominant
// version of each key (spec.md §4.4's compaction merge rule).
func mergeTables(tables []*sstable.Reader) []record.Record {
	byKey := make(map[record.Key]record.Record)
	for _, t := range tables {
		t.RangeScan("", "", func(r record.Record) bool {
			if existing, ok := byKey[r.Key]; ok {
				byKey[r.Key] = record.Dominant(existing, r)
			} else {
				byKey[r.Key] = r
			}
			return true
		})
	}
	out := make([]record.Record, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Get resolves a key by checking the active MemTable, the flushing
// MemTable (if any), then each level from L0 (newest first) down,
// returning the first hit — which is also the newest, since writes
// always land in the active MemTable first.
func (e *Engine) Get(key record.Key) (record.Record, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if r, ok := e.active.Get(key); ok {
		return r, true, nil
	}
	if e.flushing != nil {
		if r, ok := e.flushing.Get(key); ok {
			return r, true, nil
		}
	}
	for _, lvl := range e.levels {
		for _, t := range lvl.tables {
			if !t.MightContain(key) {
				continue
			}
			r, ok, err := t.Get(key)
			if err != nil {
				return record.Record{}, false, err
			}
			if ok {
				return r, true, nil
			}
		}
	}
	return record.Record{}, false, nil
}

// RangeScan merges the active MemTable, the flushing MemTable, and
// every on-disk table over [start, end), resolving duplicate keys by
// LWW dominance, and invokes fn in ascending order.
func (e *Engine) RangeScan(start, end record.Key, fn func(record.Record) bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byKey := make(map[record.Key]record.Record)
	e.active.RangeScan(start, end, func(r record.Record) bool {
		byKey[r.Key] = r
		return true
	})
	if e.flushing != nil {
		e.flushing.RangeScan(start, end, func(r record.Record) bool {
			if existing, ok := byKey[r.Key]; ok {
				byKey[r.Key] = record.Dominant(existing, r)
			} else {
				byKey[r.Key] = r
			}
			return true
		})
	}
	for _, lvl := range e.levels {
		for _, t := range lvl.tables {
			if err := t.RangeScan(start, end, func(r record.Record) bool {
				if existing, ok := byKey[r.Key]; ok {
					byKey[r.Key] = record.Dominant(existing, r)
				} else {
					byKey[r.Key] = r
				}
				return true
			}); err != nil {
				return err
			}
		}
	}

	keys := make([]record.Key, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if !fn(byKey[k]) {
			break
		}
	}
	return nil
}

// Flush forces the active MemTable to freeze and flush regardless of
// size threshold — used for graceful shutdown and for tests.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Len() == 0 {
		return nil
	}
	e.active.Freeze()
	e.flushing = e.active
	e.active = memtable.New(e.lam.Current())
	return e.flushLocked()
}

// Close flushes any remaining writes and closes the WAL.
func (e *Engine) Close() error {
	if err := e.Flush(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, lvl := range e.levels {
		for _, t := range lvl.tables {
			t.Close()
		}
	}
	return e.wal.Close()
}
