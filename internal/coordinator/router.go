package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dreamware/ringdb/internal/cluster"
	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
	"github.com/dreamware/ringdb/internal/transport"
	"github.com/rs/zerolog"
)

// Router forwards client RPCs to the storage node that owns the
// requested key, without holding an authoritative ring or partition
// map of its own. It is the "route-aware client" tier spec.md's
// routing model describes as an alternative to coordinator-forwarded
// "dumb" clients and map-caching "smart" clients: the router is a
// separate process clients talk to, and it learns ownership the same
// way a smart client would — from NotOwner errors.
type Router struct {
	health *HealthMonitor
	logger zerolog.Logger

	mu      sync.RWMutex
	nodes   map[string]cluster.NodeInfo
	clients map[string]*transport.Client
	owners  map[record.Key]string
	txOwner map[uint64]string
}

// NewRouter builds a Router and its embedded health monitor, checking
// every registered node's liveness on checkInterval.
func NewRouter(logger zerolog.Logger, checkInterval time.Duration) *Router {
	r := &Router{
		logger:  logger,
		nodes:   make(map[string]cluster.NodeInfo),
		clients: make(map[string]*transport.Client),
		owners:  make(map[record.Key]string),
		txOwner: make(map[uint64]string),
	}
	r.health = NewHealthMonitor(checkInterval)
	r.health.SetOnUnhealthy(func(nodeID string) {
		r.logger.Warn().Str("node_id", nodeID).Msg("router: node marked unhealthy, routing cache entries for it will retry elsewhere")
	})
	return r
}

// RegisterNode adds (or updates) a node the router may forward to,
// called from the router's /cluster/register HTTP handler when a node
// announces itself on startup.
func (r *Router) RegisterNode(info cluster.NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[info.ID] = info
	if _, ok := r.clients[info.ID]; !ok {
		r.clients[info.ID] = transport.NewClient(info.Addr)
	}
}

// Nodes returns the currently registered nodes, satisfying the
// nodeProvider callback HealthMonitor.Start expects.
func (r *Router) Nodes() []cluster.NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]cluster.NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// StartHealthMonitoring runs the router's health monitor until ctx is
// canceled. Call it in its own goroutine.
func (r *Router) StartHealthMonitoring(ctx context.Context) {
	r.health.Start(ctx, r.Nodes)
}

// anyHealthyClient returns an arbitrary client for a node the health
// monitor currently reports healthy (or, if none is known healthy yet —
// e.g. right after startup, before the first check runs — any
// registered node).
func (r *Router) anyHealthyClient() (string, *transport.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallbackID string
	var fallback *transport.Client
	for id, c := range r.clients {
		if r.health.IsHealthy(id) {
			return id, c, true
		}
		fallbackID, fallback = id, c
	}
	if fallback != nil {
		return fallbackID, fallback, true
	}
	return "", nil, false
}

func (r *Router) clientFor(nodeID string) (*transport.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[nodeID]
	return c, ok
}

func (r *Router) cachedOwner(key record.Key) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[key]
	return id, ok
}

func (r *Router) learnOwner(key record.Key, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[key] = nodeID
}

// routeKeyed runs fn against the client it believes owns key, falling
// back to any healthy node if it has no cached owner. If fn fails with
// NotOwner, it records the correct owner from the error and retries
// fn once against that node, per spec.md's "router refreshes and
// retries once" contract.
func routeKeyed[T any](r *Router, key record.Key, fn func(*transport.Client) (T, error)) (T, error) {
	var zero T

	nodeID, c, ok := r.cachedClientFor(key)
	if !ok {
		return zero, errs.New(errs.IOError, "coordinator: no nodes registered")
	}

	out, err := fn(c)
	if err == nil {
		return out, nil
	}

	kind, isTyped := errs.KindOf(err)
	if !isTyped || (kind != errs.NotOwner && kind != errs.StaleEpoch) {
		return zero, err
	}

	var e *errs.Error
	if !errors.As(err, &e) || e.Owner == "" {
		return zero, err
	}

	r.learnOwner(key, e.Owner)
	retryClient, ok := r.clientFor(e.Owner)
	if !ok {
		return zero, err
	}
	r.logger.Debug().Str("key", string(key)).Str("prev_node", nodeID).Str("owner", e.Owner).Msg("coordinator: retrying against learned owner")
	return fn(retryClient)
}

func (r *Router) cachedClientFor(key record.Key) (string, *transport.Client, bool) {
	if id, ok := r.cachedOwner(key); ok {
		if c, ok := r.clientFor(id); ok {
			return id, c, true
		}
	}
	return r.anyHealthyClient()
}

// Put forwards a write to key's believed owner.
func (r *Router) Put(ctx context.Context, req transport.PutRequest) (transport.PutResponse, error) {
	return routeKeyed(r, req.Key, func(c *transport.Client) (transport.PutResponse, error) {
		return c.Put(ctx, req)
	})
}

// Delete forwards a delete to key's believed owner.
func (r *Router) Delete(ctx context.Context, req transport.DeleteRequest) error {
	_, err := routeKeyed(r, req.Key, func(c *transport.Client) (struct{}, error) {
		return struct{}{}, c.Delete(ctx, req)
	})
	return err
}

// Get forwards a read to key's believed owner.
func (r *Router) Get(ctx context.Context, key record.Key) (transport.GetResponse, error) {
	return routeKeyed(r, key, func(c *transport.Client) (transport.GetResponse, error) {
		return c.Get(ctx, key)
	})
}

// GetForUpdate forwards a locking read, pinning the transaction's
// commit/abort to the same node since ringdb's optimistic/2PL locks
// are node-local.
func (r *Router) GetForUpdate(ctx context.Context, key record.Key, txID uint64) (transport.GetResponse, error) {
	nodeID, c, ok := r.cachedClientFor(key)
	if !ok {
		return transport.GetResponse{}, errs.New(errs.IOError, "coordinator: no nodes registered")
	}
	resp, err := c.GetForUpdate(ctx, key, txID)
	if err == nil {
		r.mu.Lock()
		r.txOwner[txID] = nodeID
		r.mu.Unlock()
	}
	return resp, err
}

// BeginTransaction starts a transaction on an arbitrary healthy node
// and remembers the assignment for the matching Commit/Abort.
func (r *Router) BeginTransaction(ctx context.Context) (transport.BeginTransactionResponse, error) {
	nodeID, c, ok := r.anyHealthyClient()
	if !ok {
		return transport.BeginTransactionResponse{}, errs.New(errs.IOError, "coordinator: no nodes registered")
	}
	resp, err := c.BeginTransaction(ctx)
	if err != nil {
		return resp, err
	}
	r.mu.Lock()
	r.txOwner[resp.TxID] = nodeID
	r.mu.Unlock()
	return resp, nil
}

// CommitTransaction forwards to the node that began req.TxID.
func (r *Router) CommitTransaction(ctx context.Context, req transport.CommitTransactionRequest) (transport.CommitTransactionResponse, error) {
	c, ok := r.txClient(req.TxID)
	if !ok {
		return transport.CommitTransactionResponse{}, errs.New(errs.IOError, "coordinator: unknown transaction %d", req.TxID)
	}
	resp, err := c.CommitTransaction(ctx, req)
	r.forgetTx(req.TxID)
	return resp, err
}

// AbortTransaction forwards to the node that began req.TxID.
func (r *Router) AbortTransaction(ctx context.Context, req transport.AbortTransactionRequest) error {
	c, ok := r.txClient(req.TxID)
	if !ok {
		return errs.New(errs.IOError, "coordinator: unknown transaction %d", req.TxID)
	}
	err := c.AbortTransaction(ctx, req)
	r.forgetTx(req.TxID)
	return err
}

func (r *Router) txClient(txID uint64) (*transport.Client, bool) {
	r.mu.RLock()
	nodeID, ok := r.txOwner[txID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.clientFor(nodeID)
}

func (r *Router) forgetTx(txID uint64) {
	r.mu.Lock()
	delete(r.txOwner, txID)
	r.mu.Unlock()
}

// ListByIndex has no single owning key — secondary indexes are
// maintained per-node over that node's local data — so it's served by
// any healthy node, same as the teacher's coordinator broadcasting a
// query and taking the first usable reply, simplified here to a
// single forward since ringdb's index is not sharded independently of
// its owning partition.
func (r *Router) ListByIndex(ctx context.Context, req transport.ListByIndexRequest) (transport.ListByIndexResponse, error) {
	_, c, ok := r.anyHealthyClient()
	if !ok {
		return transport.ListByIndexResponse{}, errs.New(errs.IOError, "coordinator: no nodes registered")
	}
	return c.ListByIndex(ctx, req)
}

// Ping answers locally: the router itself is what's being reached. It
// has no node id or ring epoch of its own, so it reports the fixed id
// "router" and a zero epoch.
func (r *Router) Ping(ctx context.Context) (transport.PingResponse, error) {
	return transport.PingResponse{NodeID: "router"}, nil
}

// The remaining transport.Handler methods are node-internal RPCs
// (replication, anti-entropy, topology propagation) that only ever
// flow node-to-node, never client-to-router; the router rejects them
// rather than guessing a target.
func (r *Router) Replicate(ctx context.Context, req transport.ReplicateRequest) (transport.ReplicateResponse, error) {
	return transport.ReplicateResponse{}, errs.New(errs.IOError, "coordinator: Replicate is not served by the router")
}

func (r *Router) FetchUpdates(ctx context.Context, req transport.FetchUpdatesRequest) (transport.FetchUpdatesResponse, error) {
	return transport.FetchUpdatesResponse{}, errs.New(errs.IOError, "coordinator: FetchUpdates is not served by the router")
}

func (r *Router) UpdatePartitionMap(ctx context.Context, req transport.UpdatePartitionMapRequest) error {
	return errs.New(errs.IOError, "coordinator: UpdatePartitionMap is not served by the router")
}

func (r *Router) UpdateHashRing(ctx context.Context, req transport.UpdateHashRingRequest) error {
	return errs.New(errs.IOError, "coordinator: UpdateHashRing is not served by the router")
}

func (r *Router) MerkleDigest(ctx context.Context, req transport.MerkleDigestRequest) (transport.MerkleDigestResponse, error) {
	return transport.MerkleDigestResponse{}, errs.New(errs.IOError, "coordinator: MerkleDigest is not served by the router")
}
