// Package hinted implements spec.md §4.8's hinted handoff: when a
// preferred replica is Suspect or Dead, the coordinator stores the
// write for it in a durable, per-destination queue instead of dropping
// it, and replays the queue once the destination rejoins (observed via
// internal/heartbeat). Each destination's queue is its own WAL-backed
// segment set so a hint survives a coordinator restart.
package hinted

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/dreamware/ringdb/internal/record"
	"github.com/dreamware/ringdb/internal/wal"
)

// Hint is one write stored on behalf of a destination node that was
// unreachable when the write happened.
type Hint struct {
	Destination string
	Rec         record.Record
}

// Store manages one durable queue per destination node.
type Store struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	queues   map[string]*queue
}

type queue struct {
	mgr     *wal.Manager
	pending []record.Record
}

// Open returns a Store rooted at dir, replaying any queues left over
// from a previous run (one subdirectory per destination node id).
func Open(dir string, maxSegmentBytes int64) (*Store, error) {
	s := &Store{dir: dir, maxBytes: maxSegmentBytes, queues: make(map[string]*queue)}
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		if _, err := s.queueFor(de.Name()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) queueFor(destination string) (*queue, error) {
	if q, ok := s.queues[destination]; ok {
		return q, nil
	}
	q := &queue{}
	qdir := filepath.Join(s.dir, sanitize(destination))
	var pending []record.Record
	mgr, err := wal.Open(qdir, s.maxBytes, func(e wal.Entry) error {
		switch e.Kind {
		case wal.KindPut:
			pending = append(pending, e.Record)
		case wal.KindDelete:
			pending = append(pending, e.Record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.mgr = mgr
	q.pending = pending
	s.queues[destination] = q
	return q, nil
}

// sanitize maps a node id to a filesystem-safe directory component.
func sanitize(nodeID string) string {
	out := make([]rune, 0, len(nodeID))
	for _, r := range nodeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Stash durably records rec as owed to destination. Called by the
// quorum coordinator when a preferred replica can't be reached
// directly (spec.md §4.8's "hint stored for N").
func (s *Store) Stash(destination string, rec record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.queueFor(destination)
	if err != nil {
		return err
	}
	kind := wal.KindPut
	if rec.Meta.Tombstone {
		kind = wal.KindDelete
	}
	if err := q.mgr.Append(wal.Entry{Kind: kind, Record: rec}); err != nil {
		return err
	}
	q.pending = append(q.pending, rec)
	return nil
}

// Pending returns the hints currently queued for destination, oldest
// first.
func (s *Store) Pending(destination string) ([]record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queueFor(destination)
	if err != nil {
		return nil, err
	}
	out := make([]record.Record, len(q.pending))
	copy(out, q.pending)
	return out, nil
}

// Drain delivers every pending hint for destination through deliver,
// removing each hint from the durable queue as it is successfully
// delivered. Delivery stops at the first error, leaving the remaining
// hints queued for the next attempt — spec.md §4.8's "replay queued
// hints to N" once the detector reports the node Live again.
func (s *Store) Drain(destination string, deliver func(record.Record) error) (delivered int, err error) {
	s.mu.Lock()
	q, err := s.queueFor(destination)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	remaining := append([]record.Record{}, q.pending...)
	s.mu.Unlock()

	var i int
	for i = 0; i < len(remaining); i++ {
		if err := deliver(remaining[i]); err != nil {
			break
		}
	}

	s.mu.Lock()
	q.pending = q.pending[i:]
	s.mu.Unlock()

	if i > 0 {
		if rewriteErr := s.compact(destination); rewriteErr != nil {
			return i, rewriteErr
		}
	}
	return i, nil
}

// compact rewrites a destination's queue to only its still-pending
// hints, reclaiming WAL space for already-delivered ones. Grounded on
// the same reclaim-by-rewrite approach internal/lsm uses for
// compaction: drop the old manager, start a fresh one, re-append what
// remains.
func (s *Store) compact(destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[destination]
	if q == nil {
		return nil
	}
	if err := q.mgr.Reset(); err != nil {
		return err
	}
	for _, rec := range q.pending {
		kind := wal.KindPut
		if rec.Meta.Tombstone {
			kind = wal.KindDelete
		}
		if err := q.mgr.Append(wal.Entry{Kind: kind, Record: rec}); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of hints currently queued for destination.
func (s *Store) Len(destination string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[destination]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// Destinations lists every node id with a queue (empty or not) known
// to this store.
func (s *Store) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queues))
	for dest := range s.queues {
		out = append(out, dest)
	}
	return out
}

// Close closes every destination queue's underlying WAL manager.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, q := range s.queues {
		if err := q.mgr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
