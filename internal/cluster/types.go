// Package cluster defines the wire types a router and a node use to
// register cluster membership with each other. Node-to-node and
// client-to-node RPCs (Put/Get/Delete/Replicate/...) live in
// internal/transport instead; this package only covers the narrower
// "which nodes exist" bootstrap problem a router faces on startup.
package cluster

import "time"

// NodeInfo describes one storage node as known to a router: its id,
// address, and the router's last observed health status for it.
type NodeInfo struct {
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	ID              string     `json:"id"`
	Addr            string     `json:"addr"`
	Status          string     `json:"status,omitempty"`
}

// RegisterRequest is what a node POSTs to a router's /cluster/register
// endpoint on startup, so the router learns it exists without an
// operator having to list every node's address in the router's config.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}
