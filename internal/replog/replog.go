// Package replog implements spec.md §4.6: an append-only log of
// locally originated mutations, per-peer send cursors, and the
// FetchUpdates query anti-entropy and restart use to catch a replica
// up. The log is an in-process structure held only in memory: neither
// this package nor the owning node writes it to disk, so its ops and
// sequence counters are lost when the process restarts.
package replog

import (
	"sort"
	"sync"

	"github.com/dreamware/ringdb/internal/clock"
	"github.com/dreamware/ringdb/internal/record"
)

// Op is one replicated operation: a record plus the op id it was
// assigned at origination.
type Op struct {
	OpID  record.OpID
	Key   record.Key
	Value []byte
	Meta  record.Meta
}

// Log is the append-only replication log for operations originated by
// this node (and, transiently, ops relayed through sloppy quorum before
// being handed off). It is safe for concurrent use.
type Log struct {
	mu  sync.Mutex
	ops []Op
	// nextSeq is this log's own last_seen, used to assign the next
	// sequence number when appending locally originated ops.
	nextSeq map[string]uint64
}

// New returns an empty replication log.
func New() *Log {
	return &Log{nextSeq: make(map[string]uint64)}
}

// Append adds a locally originated op for origin, assigning the next
// monotonic per-origin sequence number, and returns the assigned OpID.
func (l *Log) Append(origin string, key record.Key, value []byte, meta record.Meta) record.OpID {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq[origin]++
	seq := l.nextSeq[origin]
	meta.Origin = origin
	meta.Seq = seq
	id := record.OpID{Origin: origin, Seq: seq}
	l.ops = append(l.ops, Op{OpID: id, Key: key, Value: value, Meta: meta})
	return id
}

// FetchUpdates returns every op with (origin, seq) not dominated by
// requesterLastSeen, ordered by (origin, seq) — spec.md §4.6's
// FetchUpdates, used on restart and by anti-entropy.
func (l *Log) FetchUpdates(requesterLastSeen *clock.Vector) []Op {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Op
	for _, op := range l.ops {
		if requesterLastSeen.Dominates(op.OpID.Origin, op.OpID.Seq) {
			continue
		}
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpID.Origin != out[j].OpID.Origin {
			return out[i].OpID.Origin < out[j].OpID.Origin
		}
		return out[i].OpID.Seq < out[j].OpID.Seq
	})
	return out
}

// Len reports the number of ops currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

// TruncateBefore drops every op whose (origin, seq) is dominated by
// minAcked — the safe truncation point computed as
// min_over_peers(last_seen_for_origin_self) (spec.md §4.6).
func (l *Log) TruncateBefore(minAcked *clock.Vector) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.ops[:0]
	for _, op := range l.ops {
		if minAcked.Dominates(op.OpID.Origin, op.OpID.Seq) {
			continue
		}
		kept = append(kept, op)
	}
	l.ops = kept
}

// Cursor tracks one peer's replication progress: the sequence number
// per origin that peer has last acknowledged.
type Cursor struct {
	mu   sync.Mutex
	seen *clock.Vector
}

// NewCursor returns a cursor starting from an empty acknowledgment
// state (or from a restored snapshot via clock.FromMap).
func NewCursor(initial *clock.Vector) *Cursor {
	if initial == nil {
		initial = clock.NewVector()
	}
	return &Cursor{seen: initial}
}

// NextBatch returns up to maxBatchSize ops from log that this cursor's
// peer has not yet acknowledged, without advancing the cursor — the
// sender advances only on Ack.
func (c *Cursor) NextBatch(log *Log, maxBatchSize int) []Op {
	c.mu.Lock()
	seen := c.seen.Clone()
	c.mu.Unlock()

	pending := log.FetchUpdates(seen)
	if len(pending) > maxBatchSize {
		pending = pending[:maxBatchSize]
	}
	return pending
}

// Ack records that the peer has applied up through (origin, seq),
// advancing the cursor. Per spec.md §4.6, "Senders advance cursors on
// ack."
func (c *Cursor) Ack(origin string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Observe(origin, seq)
}

// Snapshot returns the cursor's current acknowledgment state.
func (c *Cursor) Snapshot() *clock.Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen.Clone()
}
