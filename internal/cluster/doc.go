// Package cluster defines the small set of wire types a router and a
// node exchange to bootstrap cluster membership: NodeInfo (a node's id,
// address, and last observed health) and RegisterRequest (what a node
// POSTs to a router's /cluster/register endpoint on startup). All other
// inter-node and client-to-node communication — Put, Get, Delete,
// Replicate, MerkleDigest, and the rest of the RPC surface — lives in
// internal/transport instead.
package cluster
