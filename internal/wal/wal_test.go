package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dreamware/ringdb/internal/record"
)

func mustEntry(key string, seq uint64) Entry {
	return Entry{
		Kind: KindPut,
		Record: record.Record{
			Key:   record.Key(key),
			Value: []byte("value-" + key),
			Meta: record.Meta{
				Origin:    "node-1",
				LamportTS: seq,
				Seq:       seq,
				Vector:    map[string]uint64{"node-1": seq},
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := mustEntry("k1", 7)
	e.TxID = 42

	frame := encodeEntry(e)
	got, err := decodeEntry(frame[frameHeaderSize:])
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if got.TxID != 42 {
		t.Errorf("TxID = %d, want 42", got.TxID)
	}
	if got.Record.Key != "k1" {
		t.Errorf("Key = %q, want k1", got.Record.Key)
	}
	if string(got.Record.Value) != "value-k1" {
		t.Errorf("Value = %q", got.Record.Value)
	}
	if got.Record.Meta.Vector["node-1"] != 7 {
		t.Errorf("Vector[node-1] = %d, want 7", got.Record.Meta.Vector["node-1"])
	}
}

func TestSegmentAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 0)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}

	want := []Entry{mustEntry("a", 1), mustEntry("b", 2), mustEntry("c", 3)}
	for _, e := range want {
		if err := seg.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []Entry
	if err := ReadSegment(seg.Path(), func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("replayed %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Record.Key != want[i].Record.Key {
			t.Errorf("entry %d: key = %q, want %q", i, got[i].Record.Key, want[i].Record.Key)
		}
	}
}

func TestReadSegmentTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreateSegment(dir, 0)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	if err := seg.Append(mustEntry("a", 1)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Append(mustEntry("b", 2)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid-write by chopping off the last few bytes.
	info, err := os.Stat(seg.Path())
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := os.Truncate(seg.Path(), info.Size()-3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	var got []Entry
	if err := ReadSegment(seg.Path(), func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadSegment should tolerate a torn tail, got: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("replayed %d entries after torn tail, want 1 (the intact first entry)", len(got))
	}
}

func TestManagerReplaysAcrossRotatedSegments(t *testing.T) {
	dir := t.TempDir()
	var applied []string
	apply := func(e Entry) error {
		applied = append(applied, string(e.Record.Key))
		return nil
	}

	m, err := Open(dir, 64, apply) // tiny max size forces rotation quickly
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := m.Append(mustEntry(string(rune('a'+i%26)), uint64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	segFiles, _ := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if len(segFiles) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(segFiles))
	}

	applied = nil
	m2, err := Open(dir, 64, apply)
	if err != nil {
		t.Fatalf("second Open (replay): %v", err)
	}
	defer m2.Close()
	if len(applied) != 20 {
		t.Fatalf("replay applied %d entries, want 20", len(applied))
	}
}

func TestTruncateBeforeRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 1<<20, func(Entry) error { return nil })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Append(mustEntry("k", uint64(i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	m.nextIndex = 5 // pretend several rotations happened
	if err := m.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if err := m.TruncateBefore(5); err != nil {
		t.Fatalf("TruncateBefore: %v", err)
	}
	segFiles, _ := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if len(segFiles) != 1 {
		t.Fatalf("expected 1 segment remaining after truncate, got %d: %v", len(segFiles), segFiles)
	}
}
