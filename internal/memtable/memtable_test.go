package memtable

import (
	"testing"

	"github.com/dreamware/ringdb/internal/record"
)

func rec(key string, val string) record.Record {
	return record.Record{Key: record.Key(key), Value: []byte(val), Meta: record.Meta{Origin: "n1", LamportTS: 1}}
}

func TestPutAndGet(t *testing.T) {
	m := New(0)
	m.Put(rec("b", "2"))
	m.Put(rec("a", "1"))

	got, ok := m.Get("a")
	if !ok || string(got.Value) != "1" {
		t.Fatalf("Get(a) = %+v, %v", got, ok)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("Get(missing) should report not found")
	}
}

func TestPutOverwritesAndTracksSize(t *testing.T) {
	m := New(0)
	m.Put(rec("a", "1"))
	first := m.SizeBytes()
	m.Put(rec("a", "11111"))
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after overwrite", m.Len())
	}
	if m.SizeBytes() <= first {
		t.Error("SizeBytes should grow after overwriting with a larger value")
	}
}

func TestDeleteInsertsTombstone(t *testing.T) {
	m := New(0)
	m.Put(rec("a", "1"))
	m.Delete("a", record.Meta{Origin: "n1", LamportTS: 2})

	got, ok := m.Get("a")
	if !ok {
		t.Fatal("tombstoned key should still be retrievable")
	}
	if !got.Meta.Tombstone {
		t.Error("Meta.Tombstone should be true after Delete")
	}
}

func TestRangeScanOrderAndBounds(t *testing.T) {
	m := New(0)
	for _, k := range []string{"c", "a", "e", "b", "d"} {
		m.Put(rec(k, k))
	}

	var got []string
	m.RangeScan("b", "e", func(r record.Record) bool {
		got = append(got, string(r.Key))
		return true
	})
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("RangeScan(b,e) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RangeScan(b,e) = %v, want %v", got, want)
		}
	}
}

func TestRangeScanEarlyStop(t *testing.T) {
	m := New(0)
	for _, k := range []string{"a", "b", "c", "d"} {
		m.Put(rec(k, k))
	}
	count := 0
	m.RangeScan("", "", func(r record.Record) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("RangeScan should stop early once fn returns false, got %d visits", count)
	}
}

func TestAllReturnsAscendingOrder(t *testing.T) {
	m := New(0)
	for _, k := range []string{"z", "x", "y"} {
		m.Put(rec(k, k))
	}
	all := m.All()
	if len(all) != 3 || all[0].Key != "x" || all[1].Key != "y" || all[2].Key != "z" {
		t.Fatalf("All() = %v, want ascending x,y,z", all)
	}
}

func TestShouldFreezeOnSize(t *testing.T) {
	m := New(0)
	m.Put(rec("a", "1"))
	if m.ShouldFreeze(1<<30, 0, 0) {
		t.Error("should not freeze: far below size threshold")
	}
	if !m.ShouldFreeze(1, 0, 0) {
		t.Error("should freeze: size threshold of 1 byte is exceeded")
	}
}

func TestShouldFreezeOnAge(t *testing.T) {
	m := New(100)
	if m.ShouldFreeze(1<<30, 150, 100) {
		t.Error("should not freeze: age 50 ticks < maxAge 100 ticks")
	}
	if !m.ShouldFreeze(1<<30, 250, 100) {
		t.Error("should freeze: age 150 ticks >= maxAge 100 ticks")
	}
}

func TestFreezeIsSticky(t *testing.T) {
	m := New(0)
	m.Freeze()
	if !m.Frozen() {
		t.Error("Frozen() should be true after Freeze()")
	}
	if !m.ShouldFreeze(1<<30, 0, 0) {
		t.Error("ShouldFreeze should report true once already frozen")
	}
}
