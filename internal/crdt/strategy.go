package crdt

import (
	"github.com/dreamware/ringdb/internal/clock"
	"github.com/dreamware/ringdb/internal/config"
	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
)

// Strategy is the merge capability spec.md §9 describes: merge two
// versions of a key into the value(s) a replica should keep. A node
// picks exactly one
// Strategy at construction time, from config.ConsistencyMode.
type Strategy interface {
	// Name identifies the strategy for logging/metrics.
	Name() string

	// Merge resolves a and b (both for the same key, each possibly
	// already holding multiple sibling values in vector mode) into the
	// record(s) to keep. In LWW and CRDT modes the result always holds
	// exactly one record; in vector mode it may hold several concurrent
	// siblings.
	Merge(a, b []record.Record) []record.Record
}

// NewStrategy selects the concrete Strategy for mode, matching
// config.ConsistencyMode.
func NewStrategy(mode config.ConsistencyMode) (Strategy, error) {
	switch mode {
	case config.ConsistencyLWW:
		return lwwStrategy{}, nil
	case config.ConsistencyVector:
		return vectorStrategy{}, nil
	case config.ConsistencyCRDT:
		return crdtStrategy{}, nil
	default:
		return nil, errs.New(errs.IOError, "crdt: unknown consistency mode %q", mode)
	}
}

// lwwStrategy keeps the single dominant record under the tie-break rule
// from spec.md §4.11: higher Lamport timestamp wins; ties broken by
// higher origin node id.
type lwwStrategy struct{}

func (lwwStrategy) Name() string { return "lww" }

func (lwwStrategy) Merge(a, b []record.Record) []record.Record {
	winner := pickOne(a)
	if len(a) > 1 {
		for _, r := range a[1:] {
			winner = record.Dominant(winner, r)
		}
	}
	for _, r := range b {
		winner = record.Dominant(winner, r)
	}
	return []record.Record{winner}
}

func pickOne(rs []record.Record) record.Record {
	if len(rs) == 0 {
		return record.Record{}
	}
	return rs[0]
}

// vectorStrategy keeps every causally concurrent sibling: records whose
// version vectors neither dominate nor are dominated by another are
// kept side by side; a record dominated by another is dropped.
type vectorStrategy struct{}

func (vectorStrategy) Name() string { return "vector" }

func (vectorStrategy) Merge(a, b []record.Record) []record.Record {
	all := append(append([]record.Record{}, a...), b...)
	var kept []record.Record
	for i, candidate := range all {
		dominated := false
		for j, other := range all {
			if i == j {
				continue
			}
			if vectorDominates(other, candidate) && !vectorDominates(candidate, other) {
				dominated = true
				break
			}
			// Tie-break identical vectors by the LWW rule so an exact
			// duplicate delivered twice doesn't produce two siblings.
			if vectorDominates(other, candidate) && vectorDominates(candidate, other) && j < i {
				dominated = true
				break
			}
		}
		if !dominated {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func vectorDominates(a, b record.Record) bool {
	av := clock.FromMap(a.Meta.Vector)
	bv := clock.FromMap(b.Meta.Vector)
	ord := clock.Compare(bv, av)
	return ord == clock.Before || ord == clock.Equal
}

// crdtStrategy merges two G-Counter states by their join. Only
// GCounter-valued records are currently supported; other CRDT types
// would be added here as additional tagged cases.
type crdtStrategy struct{}

func (crdtStrategy) Name() string { return "crdt" }

func (crdtStrategy) Merge(a, b []record.Record) []record.Record {
	winner := pickOne(a)
	acc, err := DeserializeGCounter(winner.Value)
	if err != nil {
		acc = NewGCounter()
	}
	merge := func(r record.Record) {
		other, err := DeserializeGCounter(r.Value)
		if err != nil {
			return
		}
		acc = acc.Merge(other)
	}
	if len(a) > 1 {
		for _, r := range a[1:] {
			merge(r)
		}
	}
	for _, r := range b {
		merge(r)
	}

	serialized, err := acc.Serialize()
	if err != nil {
		serialized = winner.Value
	}
	winner.Value = serialized
	return []record.Record{winner}
}
