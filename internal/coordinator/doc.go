// Package coordinator implements the route-aware router side of
// ringdb's client-routing model: a process separate from any storage
// node that tracks cluster membership, watches node health, and
// forwards client RPCs to the node that currently owns the requested
// key, refreshing its routing cache when a node replies NotOwner or
// StaleEpoch.
//
// # Architecture
//
//	┌────────────────────────────────┐
//	│            Router               │
//	├────────────────────────────────┤
//	│  node maps (on the Router)      │
//	│    - node id -> transport.Client │
//	│    - learned key -> owner cache │
//	│  HealthMonitor                  │
//	│    - periodic Ping per node     │
//	│    - healthy/unhealthy/unknown  │
//	└────────────────────────────────┘
//
// Ownership is never computed locally from a ring or partition map —
// the router has no authoritative copy of either. Instead it forwards
// to any node it believes healthy and, on NotOwner, records the
// correct owner from the error and retries once, per spec.md's
// route-aware client contract (external router queries/refreshes its
// map rather than embedding the hashing/range logic itself).
package coordinator
