package coordinator

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/ringdb/internal/cluster"
	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
	"github.com/dreamware/ringdb/internal/transport"
	"github.com/rs/zerolog"
)

// fakeNode is a minimal transport.Handler backend used to exercise the
// router without a real *node.Node.
type fakeNode struct {
	id      string
	owner   string // if set and != id, Put/Get/Delete reply NotOwner
	ownerOf map[record.Key]string
	store   map[record.Key][]byte
}

func newFakeNodeServer(t *testing.T, id string) (*httptest.Server, *fakeNode) {
	t.Helper()
	fn := &fakeNode{id: id, store: make(map[record.Key][]byte), ownerOf: make(map[record.Key]string)}
	mux := transport.NewMux(fn)
	return httptest.NewServer(mux), fn
}

func (f *fakeNode) notOwnerIfMisrouted(key record.Key) error {
	if owner, ok := f.ownerOf[key]; ok && owner != f.id {
		return errs.NotOwnerError(owner, 1)
	}
	return nil
}

func (f *fakeNode) Put(ctx context.Context, req transport.PutRequest) (transport.PutResponse, error) {
	if err := f.notOwnerIfMisrouted(req.Key); err != nil {
		return transport.PutResponse{}, err
	}
	f.store[req.Key] = req.Value
	return transport.PutResponse{Meta: req.Meta}, nil
}

func (f *fakeNode) Delete(ctx context.Context, req transport.DeleteRequest) error {
	if err := f.notOwnerIfMisrouted(req.Key); err != nil {
		return err
	}
	delete(f.store, req.Key)
	return nil
}

func (f *fakeNode) Get(ctx context.Context, key record.Key) (transport.GetResponse, error) {
	if err := f.notOwnerIfMisrouted(key); err != nil {
		return transport.GetResponse{}, err
	}
	v, ok := f.store[key]
	return transport.GetResponse{Found: ok, Value: v}, nil
}

func (f *fakeNode) GetForUpdate(ctx context.Context, key record.Key, txID uint64) (transport.GetResponse, error) {
	return f.Get(ctx, key)
}

func (f *fakeNode) Replicate(ctx context.Context, req transport.ReplicateRequest) (transport.ReplicateResponse, error) {
	return transport.ReplicateResponse{}, nil
}
func (f *fakeNode) FetchUpdates(ctx context.Context, req transport.FetchUpdatesRequest) (transport.FetchUpdatesResponse, error) {
	return transport.FetchUpdatesResponse{}, nil
}
func (f *fakeNode) Ping(ctx context.Context) (transport.PingResponse, error) {
	return transport.PingResponse{NodeID: f.id}, nil
}
func (f *fakeNode) UpdatePartitionMap(ctx context.Context, req transport.UpdatePartitionMapRequest) error {
	return nil
}
func (f *fakeNode) UpdateHashRing(ctx context.Context, req transport.UpdateHashRingRequest) error {
	return nil
}
func (f *fakeNode) MerkleDigest(ctx context.Context, req transport.MerkleDigestRequest) (transport.MerkleDigestResponse, error) {
	return transport.MerkleDigestResponse{}, nil
}
func (f *fakeNode) BeginTransaction(ctx context.Context) (transport.BeginTransactionResponse, error) {
	return transport.BeginTransactionResponse{TxID: 1}, nil
}
func (f *fakeNode) CommitTransaction(ctx context.Context, req transport.CommitTransactionRequest) (transport.CommitTransactionResponse, error) {
	return transport.CommitTransactionResponse{Committed: true}, nil
}
func (f *fakeNode) AbortTransaction(ctx context.Context, req transport.AbortTransactionRequest) error {
	return nil
}
func (f *fakeNode) ListByIndex(ctx context.Context, req transport.ListByIndexRequest) (transport.ListByIndexResponse, error) {
	return transport.ListByIndexResponse{}, nil
}

func TestRouterForwardsPutAndGet(t *testing.T) {
	srv, _ := newFakeNodeServer(t, "node-a")
	defer srv.Close()

	r := NewRouter(testLogger(), time.Minute)
	r.RegisterNode(cluster.NodeInfo{ID: "node-a", Addr: srv.URL})
	r.health.checkFunc = func(addr string) error { return nil }
	r.health.nodes["node-a"] = &NodeHealth{NodeID: "node-a", Status: "healthy"}

	ctx := context.Background()
	_, err := r.Put(ctx, transport.PutRequest{Key: "k1", Value: []byte("v1")})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	resp, err := r.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(resp.Value) != "v1" {
		t.Errorf("Get value = %q, want v1", resp.Value)
	}
}

func TestRouterRetriesOnNotOwner(t *testing.T) {
	srvA, fnA := newFakeNodeServer(t, "node-a")
	defer srvA.Close()
	srvB, _ := newFakeNodeServer(t, "node-b")
	defer srvB.Close()

	fnA.ownerOf["k1"] = "node-b"

	r := NewRouter(testLogger(), time.Minute)
	r.RegisterNode(cluster.NodeInfo{ID: "node-a", Addr: srvA.URL})
	r.RegisterNode(cluster.NodeInfo{ID: "node-b", Addr: srvB.URL})
	r.health.nodes["node-a"] = &NodeHealth{NodeID: "node-a", Status: "healthy"}
	r.health.nodes["node-b"] = &NodeHealth{NodeID: "node-b", Status: "healthy"}
	// Force the initial route to land on node-a regardless of map
	// iteration order.
	r.owners["k1"] = "node-a"

	ctx := context.Background()
	if _, err := r.Put(ctx, transport.PutRequest{Key: "k1", Value: []byte("v1")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	owner, ok := r.cachedOwner("k1")
	if !ok || owner != "node-b" {
		t.Errorf("cachedOwner(k1) = (%q, %v), want node-b", owner, ok)
	}
}

func TestRouterTransactionAffinity(t *testing.T) {
	srv, _ := newFakeNodeServer(t, "node-a")
	defer srv.Close()

	r := NewRouter(testLogger(), time.Minute)
	r.RegisterNode(cluster.NodeInfo{ID: "node-a", Addr: srv.URL})
	r.health.nodes["node-a"] = &NodeHealth{NodeID: "node-a", Status: "healthy"}

	ctx := context.Background()
	begin, err := r.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if _, err := r.CommitTransaction(ctx, transport.CommitTransactionRequest{TxID: begin.TxID}); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}
	if _, ok := r.txClient(begin.TxID); ok {
		t.Error("txOwner entry should be forgotten after commit")
	}
}

func TestRouterRejectsNodeInternalRPCs(t *testing.T) {
	r := NewRouter(testLogger(), time.Minute)
	if _, err := r.Replicate(context.Background(), transport.ReplicateRequest{}); err == nil {
		t.Error("expected Replicate to be rejected by the router")
	}
	if err := r.UpdateHashRing(context.Background(), transport.UpdateHashRingRequest{}); err == nil {
		t.Error("expected UpdateHashRing to be rejected by the router")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
