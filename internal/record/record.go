// Package record defines ringdb's core data model (spec.md §3): the key
// encoding, the record envelope carrying replication metadata, and the
// operation id used for exactly-once application under at-least-once
// delivery. WAL, MemTable, SSTable, the LSM engine, and replication all
// share this one representation so a record can move between them
// without translation.
package record

import (
	"fmt"
	"strings"
)

// Key is either a bare partition key or a composite
// "partition|cluster" key. Only the partition component is used for
// ring placement (spec.md §3).
type Key string

// NewCompositeKey joins a partition key and a clustering key using the
// wire separator defined by spec.md §3.
func NewCompositeKey(partition, cluster string) Key {
	return Key(partition + "|" + cluster)
}

// PartitionKey returns the portion of the key used for ring placement:
// everything before the first "|", or the whole key if there is none.
func (k Key) PartitionKey() string {
	s := string(k)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return s[:i]
	}
	return s
}

// ClusterKey returns the clustering component of a composite key, or
// "" if the key is a bare partition key.
func (k Key) ClusterKey() string {
	s := string(k)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func (k Key) String() string { return string(k) }

// OpID uniquely identifies a locally originated mutation as
// "<origin_node>:<seq>", monotonic per origin (spec.md §3).
type OpID struct {
	Origin string
	Seq    uint64
}

func (id OpID) String() string {
	return fmt.Sprintf("%s:%d", id.Origin, id.Seq)
}

// Meta carries everything needed to resolve conflicts and apply an
// op exactly once across replicas: the Lamport timestamp, an optional
// version vector (vector consistency mode), the originating node, the
// monotonic per-origin sequence, and the tombstone flag.
type Meta struct {
	// Vector is populated only in vector consistency mode; nil
	// otherwise.
	Vector    map[string]uint64
	Origin    string
	LamportTS uint64
	Seq       uint64
	Tombstone bool
	HintedFor string // set when this op was accepted via sloppy quorum
}

// OpID reconstructs the operation id this meta corresponds to.
func (m Meta) OpID() OpID {
	return OpID{Origin: m.Origin, Seq: m.Seq}
}

// Record is the logical (key, value, meta) tuple spec.md §3 defines.
// Value may be a raw byte string or the serialized state of a CRDT when
// the node operates in CRDT mode; Record itself is agnostic to which.
type Record struct {
	Key   Key
	Value []byte
	Meta  Meta
}

// Less orders two records by the LWW tie-break rule from spec.md §4.11:
// higher Lamport timestamp wins; on a tie, higher origin-node-id wins.
// Less reports whether a is dominated by (strictly older than) b.
func Less(a, b Meta) bool {
	if a.LamportTS != b.LamportTS {
		return a.LamportTS < b.LamportTS
	}
	return a.Origin < b.Origin
}

// Dominant returns whichever of a, b wins under the LWW tie-break rule.
func Dominant(a, b Record) Record {
	if Less(a.Meta, b.Meta) {
		return b
	}
	return a
}
