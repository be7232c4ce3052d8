package crdt

import (
	"testing"

	"github.com/dreamware/ringdb/internal/config"
	"github.com/dreamware/ringdb/internal/record"
)

func TestNewStrategyUnknownMode(t *testing.T) {
	if _, err := NewStrategy("bogus"); err == nil {
		t.Error("NewStrategy should reject an unrecognized mode")
	}
}

func TestLWWStrategyPicksHigherTimestamp(t *testing.T) {
	s, err := NewStrategy(config.ConsistencyLWW)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	older := record.Record{Key: "k", Value: []byte("old"), Meta: record.Meta{LamportTS: 1, Origin: "n1"}}
	newer := record.Record{Key: "k", Value: []byte("new"), Meta: record.Meta{LamportTS: 2, Origin: "n1"}}

	got := s.Merge([]record.Record{older}, []record.Record{newer})
	if len(got) != 1 || string(got[0].Value) != "new" {
		t.Fatalf("Merge = %+v, want single record with value 'new'", got)
	}
}

func TestVectorStrategyKeepsConcurrentSiblings(t *testing.T) {
	s, err := NewStrategy(config.ConsistencyVector)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	a := record.Record{Key: "k", Value: []byte("a"), Meta: record.Meta{Vector: map[string]uint64{"n1": 1}}}
	b := record.Record{Key: "k", Value: []byte("b"), Meta: record.Meta{Vector: map[string]uint64{"n2": 1}}}

	got := s.Merge([]record.Record{a}, []record.Record{b})
	if len(got) != 2 {
		t.Fatalf("Merge = %+v, want 2 concurrent siblings", got)
	}
}

func TestVectorStrategyDropsDominatedRecord(t *testing.T) {
	s, err := NewStrategy(config.ConsistencyVector)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	older := record.Record{Key: "k", Value: []byte("old"), Meta: record.Meta{Vector: map[string]uint64{"n1": 1}}}
	newer := record.Record{Key: "k", Value: []byte("new"), Meta: record.Meta{Vector: map[string]uint64{"n1": 2}}}

	got := s.Merge([]record.Record{older}, []record.Record{newer})
	if len(got) != 1 || string(got[0].Value) != "new" {
		t.Fatalf("Merge = %+v, want only the dominating record", got)
	}
}

func TestCRDTStrategyMergesCounters(t *testing.T) {
	s, err := NewStrategy(config.ConsistencyCRDT)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	g1 := NewGCounter()
	g1.Increment("n1", 3)
	v1, _ := g1.Serialize()

	g2 := NewGCounter()
	g2.Increment("n1", 1)
	g2.Increment("n2", 5)
	v2, _ := g2.Serialize()

	a := record.Record{Key: "k", Value: v1}
	b := record.Record{Key: "k", Value: v2}

	got := s.Merge([]record.Record{a}, []record.Record{b})
	if len(got) != 1 {
		t.Fatalf("Merge = %+v, want single merged record", got)
	}
	merged, err := DeserializeGCounter(got[0].Value)
	if err != nil {
		t.Fatalf("DeserializeGCounter: %v", err)
	}
	if merged.Value() != 3+5 {
		t.Errorf("merged.Value() = %d, want %d", merged.Value(), 3+5)
	}
}
