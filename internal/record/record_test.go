package record

import "testing"

func TestCompositeKeyRoundTrip(t *testing.T) {
	k := NewCompositeKey("user:42", "profile")
	if got, want := k.PartitionKey(), "user:42"; got != want {
		t.Errorf("PartitionKey() = %q, want %q", got, want)
	}
	if got, want := k.ClusterKey(), "profile"; got != want {
		t.Errorf("ClusterKey() = %q, want %q", got, want)
	}
	if got, want := k.String(), "user:42|profile"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestBareKeyHasNoClusterComponent(t *testing.T) {
	k := Key("user:42")
	if got := k.PartitionKey(); got != "user:42" {
		t.Errorf("PartitionKey() = %q, want %q", got, "user:42")
	}
	if got := k.ClusterKey(); got != "" {
		t.Errorf("ClusterKey() = %q, want empty", got)
	}
}

func TestOpIDString(t *testing.T) {
	id := OpID{Origin: "node-1", Seq: 7}
	if got, want := id.String(), "node-1:7"; got != want {
		t.Errorf("OpID.String() = %q, want %q", got, want)
	}
	m := Meta{Origin: "node-1", Seq: 7}
	if got := m.OpID(); got != id {
		t.Errorf("Meta.OpID() = %+v, want %+v", got, id)
	}
}

func TestLessTieBreaksOnOrigin(t *testing.T) {
	a := Meta{LamportTS: 5, Origin: "node-a"}
	b := Meta{LamportTS: 5, Origin: "node-b"}
	if !Less(a, b) {
		t.Error("Less(a, b) should be true: same timestamp, node-a < node-b")
	}
	if Less(b, a) {
		t.Error("Less(b, a) should be false")
	}
}

func TestLessOrdersByTimestampFirst(t *testing.T) {
	older := Meta{LamportTS: 1, Origin: "node-z"}
	newer := Meta{LamportTS: 2, Origin: "node-a"}
	if !Less(older, newer) {
		t.Error("Less(older, newer) should be true regardless of origin")
	}
}

func TestDominant(t *testing.T) {
	a := Record{Key: "k", Value: []byte("a"), Meta: Meta{LamportTS: 1, Origin: "n1"}}
	b := Record{Key: "k", Value: []byte("b"), Meta: Meta{LamportTS: 2, Origin: "n1"}}
	if got := Dominant(a, b); got.Meta.LamportTS != 2 {
		t.Errorf("Dominant should pick the higher Lamport timestamp, got %+v", got)
	}
	if got := Dominant(b, a); got.Meta.LamportTS != 2 {
		t.Errorf("Dominant should be order-independent, got %+v", got)
	}
}
