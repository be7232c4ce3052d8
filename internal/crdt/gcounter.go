// Package crdt implements ringdb's CRDT consistency mode (spec.md §3,
// §4.11) and the tagged-variant merge strategy spec.md §9's "Dynamic
// dispatch / mixins" note calls for: LWW, vector, and CRDT conflict
// resolution are three concrete implementations of one Strategy
// interface, selected once at node construction from
// config.ConsistencyMode rather than dispatched polymorphically at
// every merge.
package crdt

import (
	"encoding/json"

	"github.com/dreamware/ringdb/internal/errs"
)

// GCounter is a grow-only counter CRDT: per-origin counts that only
// increase, merged by taking the elementwise maximum — commutative,
// associative, and idempotent, the three properties spec.md's GLOSSARY
// requires of a CRDT.
type GCounter struct {
	counts map[string]uint64
}

// NewGCounter returns an empty counter.
func NewGCounter() *GCounter {
	return &GCounter{counts: make(map[string]uint64)}
}

// Increment adds delta to this origin's local count and returns the new
// per-origin count.
func (g *GCounter) Increment(origin string, delta uint64) uint64 {
	g.counts[origin] += delta
	return g.counts[origin]
}

// Value returns the counter's total: the sum of all per-origin counts.
func (g *GCounter) Value() uint64 {
	var total uint64
	for _, v := range g.counts {
		total += v
	}
	return total
}

// Merge returns a new GCounter holding the elementwise maximum of g and
// other's per-origin counts — the G-Counter join.
func (g *GCounter) Merge(other *GCounter) *GCounter {
	out := make(map[string]uint64, len(g.counts)+len(other.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	for k, v := range other.counts {
		if v > out[k] {
			out[k] = v
		}
	}
	return &GCounter{counts: out}
}

// gcounterWire is the JSON-serializable form of a GCounter, used as the
// Record.Value payload when a node operates in CRDT mode.
type gcounterWire struct {
	Counts map[string]uint64 `json:"counts"`
}

// Serialize encodes the counter state for storage as a Record.Value.
func (g *GCounter) Serialize() ([]byte, error) {
	b, err := json.Marshal(gcounterWire{Counts: g.counts})
	if err != nil {
		return nil, errs.Wrap(errs.IOError, err, "crdt: serialize gcounter")
	}
	return b, nil
}

// DeserializeGCounter decodes a counter previously produced by Serialize.
func DeserializeGCounter(data []byte) (*GCounter, error) {
	var wire gcounterWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errs.Wrap(errs.CorruptData, err, "crdt: deserialize gcounter")
	}
	if wire.Counts == nil {
		wire.Counts = make(map[string]uint64)
	}
	return &GCounter{counts: wire.Counts}, nil
}
