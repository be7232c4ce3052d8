// Package transport implements the HTTP+JSON RPC surface nodes and the
// router use to talk to each other (spec.md §6): Put, Delete, Get,
// GetForUpdate, Replicate, FetchUpdates, Ping, UpdatePartitionMap,
// UpdateHashRing, MerkleDigest, BeginTransaction, CommitTransaction,
// AbortTransaction, and ListByIndex. It generalizes the teacher's
// cluster.PostJSON/GetJSON pair (a shared *http.Client plus small
// typed wrappers) from a cluster-membership-only wire format to the
// full key-value operation surface, and adds the decode side (a
// Handler interface plus an http.ServeMux-based Server) the teacher
// leaves to ad hoc handler functions in cmd/.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
)

// httpClient is the shared client used for all outbound RPCs, mirroring
// the teacher's package-level httpClient for connection-pool reuse.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// --- wire types -------------------------------------------------------

// PutRequest is the wire body for a client Put and for a coordinator's
// Replicate fan-out of a single write.
type PutRequest struct {
	Key   record.Key  `json:"key"`
	Value []byte      `json:"value"`
	Meta  record.Meta `json:"meta"`
}

// PutResponse echoes the metadata actually stored (the Lamport/vector
// stamp assigned if the caller didn't supply one).
type PutResponse struct {
	Meta record.Meta `json:"meta"`
}

// DeleteRequest is the wire body for a tombstoning delete.
type DeleteRequest struct {
	Key  record.Key  `json:"key"`
	Meta record.Meta `json:"meta"`
}

// GetResponse is returned by Get and GetForUpdate. Found is false when
// the key has no record anywhere in the queried replica set
// (errs.UnknownKey); Tombstone is true when the only record found is a
// delete marker (errs.TombstoneRespected).
type GetResponse struct {
	Found     bool        `json:"found"`
	Tombstone bool        `json:"tombstone"`
	Value     []byte      `json:"value,omitempty"`
	Meta      record.Meta `json:"meta,omitempty"`
	// SnapshotToken is part of the wire format but no handler sets it;
	// commit-time conflict detection uses the read set the transaction
	// manager records under the transaction id.
	SnapshotToken string `json:"snapshot_token,omitempty"`
}

// ReplicateRequest carries one already-ordered op from a coordinator to
// a replica, or from a sender's Cursor to a catching-up peer.
type ReplicateRequest struct {
	OpID  record.OpID `json:"op_id"`
	Key   record.Key  `json:"key"`
	Value []byte      `json:"value"`
	Meta  record.Meta `json:"meta"`
}

// ReplicateResponse acknowledges a replication op, or reports it was
// already applied (DuplicateOp), which the sender treats as success.
type ReplicateResponse struct {
	Applied   bool `json:"applied"`
	Duplicate bool `json:"duplicate"`
}

// FetchUpdatesRequest asks a peer for every op it has that the
// requester's last_seen vector doesn't dominate.
type FetchUpdatesRequest struct {
	LastSeen map[string]uint64 `json:"last_seen"`
	MaxBatch int               `json:"max_batch"`
}

// FetchUpdatesResponse is the ordered batch of ops the peer returned.
type FetchUpdatesResponse struct {
	Ops []ReplicateRequest `json:"ops"`
}

// PingResponse is returned by the liveness check endpoint.
type PingResponse struct {
	NodeID string `json:"node_id"`
	Epoch  uint64 `json:"epoch"`
}

// UpdatePartitionMapRequest propagates a new range-partition vector.
type UpdatePartitionMapRequest struct {
	Epoch  uint64       `json:"epoch"`
	Ranges []WireRange  `json:"ranges,omitempty"`
}

// WireRange is the JSON form of partition.Range.
type WireRange struct {
	Low      string   `json:"low"`
	High     string   `json:"high"`
	Owner    string   `json:"owner"`
	Replicas []string `json:"replicas"`
}

// UpdateHashRingRequest propagates the current ring membership so a
// peer can rebuild its local ring.Ring.
type UpdateHashRingRequest struct {
	Epoch             uint64   `json:"epoch"`
	Nodes             []string `json:"nodes"`
	PartitionsPerNode int      `json:"partitions_per_node"`
}

// MerkleDigestRequest asks a peer for its anti-entropy digest over a
// partition, segmented the same way the requester segments it.
type MerkleDigestRequest struct {
	PartitionID int `json:"partition_id"`
	NumSegments int `json:"num_segments"`
}

// MerkleDigestResponse carries the peer's segment leaf hashes (hex
// encoded) so the requester can diff them locally.
type MerkleDigestResponse struct {
	SegmentHashesHex []string `json:"segment_hashes_hex"`
}

// BeginTransactionResponse returns the transaction id and snapshot the
// coordinator assigned.
type BeginTransactionResponse struct {
	TxID         uint64 `json:"tx_id"`
	SnapshotTick uint64 `json:"snapshot_tick"`
}

// CommitTransactionRequest carries everything the transaction manager
// needs to validate and apply a transaction's buffered writes.
type CommitTransactionRequest struct {
	TxID   uint64       `json:"tx_id"`
	Writes []PutRequest `json:"writes"`
	// ReadKeys lists keys read via GetForUpdate during the transaction.
	// CommitTransaction does not consult it; validation uses the read
	// set the transaction manager recorded for TxID.
	ReadKeys []record.Key `json:"read_keys,omitempty"`
}

// CommitTransactionResponse reports success or a SerializationConflict.
type CommitTransactionResponse struct {
	Committed bool `json:"committed"`
}

// AbortTransactionRequest discards a transaction's buffered writes and
// releases any row locks it held.
type AbortTransactionRequest struct {
	TxID uint64 `json:"tx_id"`
}

// ListByIndexRequest queries a secondary index for keys whose indexed
// field equals Value.
type ListByIndexRequest struct {
	IndexName string `json:"index_name"`
	Value     string `json:"value"`
	Limit     int    `json:"limit,omitempty"`
}

// ListByIndexResponse is the matching set of primary keys.
type ListByIndexResponse struct {
	Keys []record.Key `json:"keys"`
}

// errorBody is the wire shape for a non-2xx response, carrying enough
// of errs.Error for the caller to reconstruct a typed error.
type errorBody struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
	Owner   string    `json:"owner,omitempty"`
	Epoch   uint64    `json:"epoch,omitempty"`
}

// --- client -------------------------------------------------------

// Client issues RPCs against one peer's base URL (e.g.
// "http://10.0.0.5:7070").
type Client struct {
	BaseURL string
}

// NewClient returns a Client for the given peer base URL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s%s", c.BaseURL, path)
}

// postJSON sends a JSON-encoded POST and decodes a JSON response,
// translating a non-2xx response body into a typed *errs.Error —
// generalized from the teacher's cluster.PostJSON, which only
// surfaced a bare "http %s: %d" error on failure.
func postJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "transport: encode request to %s", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return errs.Wrap(errs.IOError, err, "transport: build request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.Timeout, err, "transport: request to %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.IOError, err, "transport: decode response from %s", url)
	}
	return nil
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errs.Wrap(errs.IOError, err, "transport: build request to %s", url)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.Timeout, err, "transport: request to %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.IOError, err, "transport: decode response from %s", url)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Kind == "" {
		return errs.New(errs.IOError, "transport: http %d", resp.StatusCode)
	}
	return &errs.Error{Kind: body.Kind, Message: body.Message, Owner: body.Owner, Epoch: body.Epoch}
}

func (c *Client) Put(ctx context.Context, req PutRequest) (PutResponse, error) {
	var out PutResponse
	err := postJSON(ctx, c.url("/rpc/put"), req, &out)
	return out, err
}

func (c *Client) Delete(ctx context.Context, req DeleteRequest) error {
	return postJSON(ctx, c.url("/rpc/delete"), req, nil)
}

func (c *Client) Get(ctx context.Context, key record.Key) (GetResponse, error) {
	var out GetResponse
	err := getJSON(ctx, c.url("/rpc/get?key="+string(key)), &out)
	return out, err
}

func (c *Client) GetForUpdate(ctx context.Context, key record.Key, txID uint64) (GetResponse, error) {
	var out GetResponse
	err := getJSON(ctx, fmt.Sprintf("%s?key=%s&tx_id=%d", c.url("/rpc/get_for_update"), key, txID), &out)
	return out, err
}

func (c *Client) Replicate(ctx context.Context, req ReplicateRequest) (ReplicateResponse, error) {
	var out ReplicateResponse
	err := postJSON(ctx, c.url("/rpc/replicate"), req, &out)
	return out, err
}

func (c *Client) FetchUpdates(ctx context.Context, req FetchUpdatesRequest) (FetchUpdatesResponse, error) {
	var out FetchUpdatesResponse
	err := postJSON(ctx, c.url("/rpc/fetch_updates"), req, &out)
	return out, err
}

func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var out PingResponse
	err := getJSON(ctx, c.url("/rpc/ping"), &out)
	return out, err
}

func (c *Client) UpdatePartitionMap(ctx context.Context, req UpdatePartitionMapRequest) error {
	return postJSON(ctx, c.url("/rpc/update_partition_map"), req, nil)
}

func (c *Client) UpdateHashRing(ctx context.Context, req UpdateHashRingRequest) error {
	return postJSON(ctx, c.url("/rpc/update_hash_ring"), req, nil)
}

func (c *Client) MerkleDigest(ctx context.Context, req MerkleDigestRequest) (MerkleDigestResponse, error) {
	var out MerkleDigestResponse
	err := postJSON(ctx, c.url("/rpc/merkle_digest"), req, &out)
	return out, err
}

func (c *Client) BeginTransaction(ctx context.Context) (BeginTransactionResponse, error) {
	var out BeginTransactionResponse
	err := postJSON(ctx, c.url("/rpc/begin_transaction"), struct{}{}, &out)
	return out, err
}

func (c *Client) CommitTransaction(ctx context.Context, req CommitTransactionRequest) (CommitTransactionResponse, error) {
	var out CommitTransactionResponse
	err := postJSON(ctx, c.url("/rpc/commit_transaction"), req, &out)
	return out, err
}

func (c *Client) AbortTransaction(ctx context.Context, req AbortTransactionRequest) error {
	return postJSON(ctx, c.url("/rpc/abort_transaction"), req, nil)
}

func (c *Client) ListByIndex(ctx context.Context, req ListByIndexRequest) (ListByIndexResponse, error) {
	var out ListByIndexResponse
	err := postJSON(ctx, c.url("/rpc/list_by_index"), req, &out)
	return out, err
}
