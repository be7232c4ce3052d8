package clock

import "testing"

func TestVectorObserveRejectsStale(t *testing.T) {
	v := NewVector()

	if !v.Observe("A", 1) {
		t.Fatal("first Observe(A, 1) should be accepted")
	}
	if v.Observe("A", 1) {
		t.Error("replaying the same sequence should be rejected (DuplicateOp)")
	}
	if v.Observe("A", 0) {
		t.Error("an older sequence should be rejected")
	}
	if !v.Observe("A", 2) {
		t.Error("a newer sequence should be accepted")
	}
	if v.Get("A") != 2 {
		t.Errorf("Get(A) = %d, want 2", v.Get("A"))
	}
}

func TestVectorDominates(t *testing.T) {
	v := NewVector()
	v.Observe("A", 5)

	if !v.Dominates("A", 5) {
		t.Error("Dominates(A, 5) should be true once 5 has been applied")
	}
	if !v.Dominates("A", 3) {
		t.Error("Dominates(A, 3) should be true since 3 < 5")
	}
	if v.Dominates("A", 6) {
		t.Error("Dominates(A, 6) should be false since 6 > 5")
	}
}

func TestVectorMerge(t *testing.T) {
	a := NewVector()
	a.Observe("A", 5)
	a.Observe("B", 1)

	b := NewVector()
	b.Observe("A", 2)
	b.Observe("B", 7)
	b.Observe("C", 3)

	m := Merge(a, b)
	if m.Get("A") != 5 {
		t.Errorf("merged A = %d, want 5", m.Get("A"))
	}
	if m.Get("B") != 7 {
		t.Errorf("merged B = %d, want 7", m.Get("B"))
	}
	if m.Get("C") != 3 {
		t.Errorf("merged C = %d, want 3", m.Get("C"))
	}
}

func TestVectorCompare(t *testing.T) {
	base := NewVector()
	base.Observe("A", 1)
	base.Observe("B", 1)

	ahead := base.Clone()
	ahead.Observe("A", 2)

	if Compare(base, ahead) != Before {
		t.Errorf("Compare(base, ahead) = want Before")
	}
	if Compare(ahead, base) != After {
		t.Errorf("Compare(ahead, base) = want After")
	}
	if Compare(base, base.Clone()) != Equal {
		t.Errorf("Compare(base, base) = want Equal")
	}

	concurrent := base.Clone()
	concurrent.Observe("B", 2)
	divergent := base.Clone()
	divergent.Observe("A", 2)

	if Compare(concurrent, divergent) != Concurrent {
		t.Errorf("Compare(concurrent, divergent) = want Concurrent")
	}
}

func TestMinOverPeers(t *testing.T) {
	p1 := NewVector()
	p1.Observe("A", 10)
	p2 := NewVector()
	p2.Observe("A", 4)
	p3 := NewVector()
	p3.Observe("A", 7)

	min := MinOverPeers("A", []*Vector{p1, p2, p3})
	if min != 4 {
		t.Errorf("MinOverPeers = %d, want 4", min)
	}

	if got := MinOverPeers("A", nil); got != 0 {
		t.Errorf("MinOverPeers(nil) = %d, want 0", got)
	}
}
