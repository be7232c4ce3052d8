package lsm

import (
	"testing"

	"github.com/dreamware/ringdb/internal/clock"
	"github.com/dreamware/ringdb/internal/record"
)

func testOptions(dir string) Options {
	return Options{
		DataDir:           dir,
		MemtableThreshold: 1 << 20,
		L0FileLimit:       4,
		LevelSizeRatio:    10,
		MaxSegmentBytes:   1 << 20,
	}
}

func rec(key, val string, ts uint64) record.Record {
	return record.Record{Key: record.Key(key), Value: []byte(val), Meta: record.Meta{Origin: "n1", LamportTS: ts}}
}

func TestPutAndGet(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir), clock.NewLamport())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Put(rec("a", "1", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := e.Get("a")
	if err != nil || !ok {
		t.Fatalf("Get: %v, %v, %v", got, ok, err)
	}
	if string(got.Value) != "1" {
		t.Errorf("Value = %q, want 1", got.Value)
	}
}

func TestDeleteThenGetReturnsTombstone(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir), clock.NewLamport())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	if err := e.Put(rec("a", "1", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := e.Delete("a", record.Meta{Origin: "n1", LamportTS: 2}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, ok, err := e.Get("a")
	if err != nil || !ok {
		t.Fatalf("Get after delete: %v, %v, %v", got, ok, err)
	}
	if !got.Meta.Tombstone {
		t.Error("expected tombstone after Delete")
	}
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	lam := clock.NewLamport()
	e, err := Open(testOptions(dir), lam)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := e.Put(rec(string(rune('a'+i)), "v", uint64(i+1))); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2, err := Open(testOptions(dir), clock.NewLamport())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	got, ok, err := e2.Get("c")
	if err != nil || !ok {
		t.Fatalf("Get(c) after reopen: %v, %v, %v", got, ok, err)
	}
	if string(got.Value) != "v" {
		t.Errorf("Value = %q, want v", got.Value)
	}
}

func TestWALReplayReconstructsUnflushedWrites(t *testing.T) {
	dir := t.TempDir()
	lam := clock.NewLamport()
	e, err := Open(testOptions(dir), lam)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := e.Put(rec("unflushed", "x", 1)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// Simulate a crash: close the WAL without an explicit Flush so the
	// write lives only in the active MemTable / WAL segment.
	if err := e.wal.Close(); err != nil {
		t.Fatalf("wal.Close: %v", err)
	}

	e2, err := Open(testOptions(dir), clock.NewLamport())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	got, ok, err := e2.Get("unflushed")
	if err != nil || !ok {
		t.Fatalf("Get(unflushed) after replay: %v, %v, %v", got, ok, err)
	}
	if string(got.Value) != "x" {
		t.Errorf("Value = %q, want x", got.Value)
	}
}

func TestRangeScanMergesMemtableAndSSTable(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(testOptions(dir), clock.NewLamport())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for _, k := range []string{"a", "c", "e"} {
		if err := e.Put(rec(k, k, 1)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	for _, k := range []string{"b", "d"} {
		if err := e.Put(rec(k, k, 2)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var got []string
	if err := e.RangeScan("", "", func(r record.Record) bool {
		got = append(got, string(r.Key))
		return true
	}); err != nil {
		t.Fatalf("RangeScan: %v", err)
	}
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("RangeScan = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RangeScan = %v, want %v", got, want)
		}
	}
}

func TestCompactionTriggersPastL0Limit(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	opts.L0FileLimit = 2
	e, err := Open(opts, clock.NewLamport())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer e.Close()

	for i := 0; i < 3; i++ {
		if err := e.Put(rec(string(rune('a'+i)), "v", uint64(i+1))); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := e.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}

	e.mu.RLock()
	l0Count := len(e.levels[0].tables)
	l1Count := 0
	if len(e.levels) > 1 {
		l1Count = len(e.levels[1].tables)
	}
	e.mu.RUnlock()

	if l0Count > opts.L0FileLimit {
		t.Errorf("L0 has %d tables, should have compacted past limit %d", l0Count, opts.L0FileLimit)
	}
	if l1Count == 0 {
		t.Error("expected compaction to have produced at least one L1 table")
	}

	for _, k := range []string{"a", "b", "c"} {
		got, ok, err := e.Get(record.Key(k))
		if err != nil || !ok {
			t.Fatalf("Get(%s) after compaction: %v, %v, %v", k, got, ok, err)
		}
	}
}
