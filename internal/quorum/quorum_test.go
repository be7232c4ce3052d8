package quorum

import (
	"context"
	"sync"
	"testing"

	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/heartbeat"
	"github.com/dreamware/ringdb/internal/record"
)

type fakeLocal struct {
	mu   sync.Mutex
	data map[record.Key]record.Record
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{data: make(map[record.Key]record.Record)}
}

func (f *fakeLocal) Put(rec record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[rec.Key] = rec
	return nil
}

func (f *fakeLocal) Get(key record.Key) (record.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[key]
	return rec, ok, nil
}

type fakePeers struct {
	mu       sync.Mutex
	data     map[string]map[record.Key]record.Record
	failing  map[string]bool
	replicateCalls int
}

func newFakePeers() *fakePeers {
	return &fakePeers{data: make(map[string]map[record.Key]record.Record), failing: make(map[string]bool)}
}

func (f *fakePeers) Replicate(_ context.Context, nodeID string, rec record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replicateCalls++
	if f.failing[nodeID] {
		return errs.New(errs.Timeout, "peer %s unreachable", nodeID)
	}
	if f.data[nodeID] == nil {
		f.data[nodeID] = make(map[record.Key]record.Record)
	}
	f.data[nodeID][rec.Key] = rec
	return nil
}

func (f *fakePeers) Get(_ context.Context, nodeID string, key record.Key) (record.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[nodeID] {
		return record.Record{}, false, errs.New(errs.Timeout, "peer %s unreachable", nodeID)
	}
	rec, ok := f.data[nodeID][key]
	return rec, ok, nil
}

type fakeDetector struct {
	dead map[string]bool
}

func (d *fakeDetector) StateOf(nodeID string) heartbeat.State {
	if d.dead[nodeID] {
		return heartbeat.Dead
	}
	return heartbeat.Live
}

type fakeHints struct {
	mu     sync.Mutex
	stashed map[string][]record.Record
}

func newFakeHints() *fakeHints {
	return &fakeHints{stashed: make(map[string][]record.Record)}
}

func (h *fakeHints) Stash(destination string, rec record.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stashed[destination] = append(h.stashed[destination], rec)
	return nil
}

func TestWriteSucceedsAtQuorum(t *testing.T) {
	local := newFakeLocal()
	peers := newFakePeers()
	c := New(Options{SelfID: "n1", N: 3, W: 2, R: 2}, local, peers, nil, nil)

	rec := record.Record{Key: "a", Value: []byte("v"), Meta: record.Meta{Origin: "n1", LamportTS: 1}}
	err := c.Write(context.Background(), rec, []string{"n1", "n2", "n3"}, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, ok, _ := local.Get("a"); !ok {
		t.Fatal("local store should have the write (self is in preference list)")
	}
}

func TestWriteFailsBelowQuorum(t *testing.T) {
	local := newFakeLocal()
	peers := newFakePeers()
	peers.failing["n2"] = true
	peers.failing["n3"] = true
	c := New(Options{SelfID: "n1", N: 3, W: 2, R: 2}, local, peers, nil, nil)

	rec := record.Record{Key: "a", Value: []byte("v")}
	err := c.Write(context.Background(), rec, []string{"n1", "n2", "n3"}, nil)
	kind, ok := errs.KindOf(err)
	if !ok || kind != errs.QuorumNotMet {
		t.Fatalf("Write err = %v, want QuorumNotMet", err)
	}
}

func TestWriteSubstitutesSloppyQuorumForDeadReplica(t *testing.T) {
	local := newFakeLocal()
	peers := newFakePeers()
	det := &fakeDetector{dead: map[string]bool{"n2": true}}
	hints := newFakeHints()
	// W=3 (== the number of substituted targets: n1, n4, n3) forces
	// Write to wait for every ack, so the n4 substitution is guaranteed
	// to have landed by the time Write returns.
	c := New(Options{SelfID: "n1", N: 3, W: 3, R: 2}, local, peers, det, hints)

	rec := record.Record{Key: "a", Value: []byte("v")}
	err := c.Write(context.Background(), rec, []string{"n1", "n2", "n3"}, []string{"n4"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(hints.stashed["n2"]) != 1 {
		t.Fatalf("hint store for n2 = %v, want 1 stashed write", hints.stashed["n2"])
	}
	if _, ok, _ := peers.Get(context.Background(), "n4", "a"); !ok {
		t.Fatal("spare node n4 should have received the substituted write")
	}
}

func TestStrongConsistencyRequiresAllPreferredReplicas(t *testing.T) {
	local := newFakeLocal()
	peers := newFakePeers()
	peers.failing["n3"] = true
	c := New(Options{SelfID: "n1", N: 3, W: 2, R: 2, StrongConsistency: true}, local, peers, nil, nil)

	rec := record.Record{Key: "a", Value: []byte("v")}
	err := c.Write(context.Background(), rec, []string{"n1", "n2", "n3"}, nil)
	kind, ok := errs.KindOf(err)
	if !ok || kind != errs.QuorumNotMet {
		t.Fatalf("Write err = %v, want QuorumNotMet under StrongConsistency with one failing replica", err)
	}
}

func TestReadReturnsDominantVersionAndRepairsStale(t *testing.T) {
	local := newFakeLocal()
	peers := newFakePeers()
	c := New(Options{SelfID: "n1", N: 3, W: 2, R: 2}, local, peers, nil, nil)

	fresh := record.Record{Key: "a", Value: []byte("fresh"), Meta: record.Meta{Origin: "n1", LamportTS: 5}}
	stale := record.Record{Key: "a", Value: []byte("stale"), Meta: record.Meta{Origin: "n1", LamportTS: 1}}

	local.Put(fresh)
	peers.data["n2"] = map[record.Key]record.Record{"a": stale}
	peers.data["n3"] = map[record.Key]record.Record{"a": fresh}

	got, found, err := c.Read(context.Background(), "a", []string{"n1", "n2", "n3"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !found || string(got.Value) != "fresh" {
		t.Fatalf("Read = %+v, want fresh", got)
	}
}

func TestReadMissingKeyReturnsNotFound(t *testing.T) {
	local := newFakeLocal()
	peers := newFakePeers()
	c := New(Options{SelfID: "n1", N: 3, W: 2, R: 2}, local, peers, nil, nil)

	_, found, err := c.Read(context.Background(), "missing", []string{"n1", "n2", "n3"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if found {
		t.Fatal("Read(missing) should report not found")
	}
}
