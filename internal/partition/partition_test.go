package partition

import "testing"

func TestRangeMapOwnersForKey(t *testing.T) {
	m := NewRangeMap("node-1", []string{"node-1", "node-2", "node-3"})
	owners, err := m.OwnersForKey("anything", 2)
	if err != nil {
		t.Fatalf("OwnersForKey: %v", err)
	}
	if len(owners) != 2 || owners[0] != "node-1" {
		t.Fatalf("OwnersForKey = %v, want [node-1 node-2]", owners)
	}
}

func TestSplitCreatesTwoRangesAndBumpsEpoch(t *testing.T) {
	m := NewRangeMap("node-1", []string{"node-1"})
	before := m.Epoch()

	if err := m.Split("m", "node-2", []string{"node-2"}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if m.Epoch() <= before {
		t.Error("Split should bump the epoch")
	}

	ranges := m.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("Ranges() = %v, want 2 ranges after split", ranges)
	}
	if ranges[0].Low != "" || ranges[0].High != "m" || ranges[0].Owner != "node-1" {
		t.Errorf("lower range = %+v", ranges[0])
	}
	if ranges[1].Low != "m" || ranges[1].High != "" || ranges[1].Owner != "node-2" {
		t.Errorf("upper range = %+v", ranges[1])
	}

	lowOwners, _ := m.OwnersForKey("a", 1)
	highOwners, _ := m.OwnersForKey("z", 1)
	if lowOwners[0] != "node-1" {
		t.Errorf("key before split point should stay with node-1, got %v", lowOwners)
	}
	if highOwners[0] != "node-2" {
		t.Errorf("key after split point should route to node-2, got %v", highOwners)
	}
}

func TestSplitRejectsKeyOutsideRange(t *testing.T) {
	m := NewRangeMap("node-1", []string{"node-1"})
	if err := m.Split("", "node-2", []string{"node-2"}); err == nil {
		t.Error("Split at the range's own Low boundary should be rejected")
	}
}

func TestMergeRecombinesAdjacentRanges(t *testing.T) {
	m := NewRangeMap("node-1", []string{"node-1"})
	if err := m.Split("m", "node-2", []string{"node-2"}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	before := m.Epoch()

	if err := m.Merge("", "m"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if m.Epoch() <= before {
		t.Error("Merge should bump the epoch")
	}
	ranges := m.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("Ranges() = %v, want 1 range after merge", ranges)
	}
	if ranges[0].Owner != "node-1" {
		t.Errorf("merged range owner = %q, want node-1 (the first range's owner)", ranges[0].Owner)
	}
}

func TestMergeRejectsNonContiguousRanges(t *testing.T) {
	m := NewRangeMap("node-1", []string{"node-1"})
	if err := m.Split("m", "node-2", []string{"node-2"}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := m.Split("x", "node-3", []string{"node-3"}); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if err := m.Merge("", "x"); err == nil {
		t.Error("Merge of non-adjacent ranges should fail")
	}
}

func TestHashMapOwnersForPartition(t *testing.T) {
	m := NewHashMap(4, []string{"node-1", "node-2"})
	owners, err := m.OwnersForPartition(2)
	if err != nil {
		t.Fatalf("OwnersForPartition: %v", err)
	}
	if len(owners) != 2 || owners[0] != "node-1" {
		t.Fatalf("OwnersForPartition(2) = %v", owners)
	}
	if _, err := m.OwnersForPartition(99); err == nil {
		t.Error("OwnersForPartition should reject an unknown partition id")
	}
}
