package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dreamware/ringdb/internal/errs"
	"github.com/dreamware/ringdb/internal/record"
)

// Handler is implemented by whatever owns node state (internal/node's
// Node, or the router's coordinator) and answers each RPC. Splitting
// the interface out from the HTTP plumbing keeps handlers unit
// testable without a live listener, the way the teacher's
// coordinator.Server separates its handleX methods from net/http
// wiring.
type Handler interface {
	Put(ctx context.Context, req PutRequest) (PutResponse, error)
	Delete(ctx context.Context, req DeleteRequest) error
	Get(ctx context.Context, key record.Key) (GetResponse, error)
	GetForUpdate(ctx context.Context, key record.Key, txID uint64) (GetResponse, error)
	Replicate(ctx context.Context, req ReplicateRequest) (ReplicateResponse, error)
	FetchUpdates(ctx context.Context, req FetchUpdatesRequest) (FetchUpdatesResponse, error)
	Ping(ctx context.Context) (PingResponse, error)
	UpdatePartitionMap(ctx context.Context, req UpdatePartitionMapRequest) error
	UpdateHashRing(ctx context.Context, req UpdateHashRingRequest) error
	MerkleDigest(ctx context.Context, req MerkleDigestRequest) (MerkleDigestResponse, error)
	BeginTransaction(ctx context.Context) (BeginTransactionResponse, error)
	CommitTransaction(ctx context.Context, req CommitTransactionRequest) (CommitTransactionResponse, error)
	AbortTransaction(ctx context.Context, req AbortTransactionRequest) error
	ListByIndex(ctx context.Context, req ListByIndexRequest) (ListByIndexResponse, error)
}

// NewMux builds an http.ServeMux wired to call h for each RPC endpoint,
// generalizing the teacher's cmd/ringdb-node and cmd/ringdb-router flat
// mux.HandleFunc registration blocks into one reusable router.
func NewMux(h Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/rpc/put", func(w http.ResponseWriter, r *http.Request) {
		var req PutRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := h.Put(r.Context(), req)
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/delete", func(w http.ResponseWriter, r *http.Request) {
		var req DeleteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeResult(w, struct{}{}, h.Delete(r.Context(), req))
	})

	mux.HandleFunc("/rpc/get", func(w http.ResponseWriter, r *http.Request) {
		key := record.Key(r.URL.Query().Get("key"))
		resp, err := h.Get(r.Context(), key)
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/get_for_update", func(w http.ResponseWriter, r *http.Request) {
		key := record.Key(r.URL.Query().Get("key"))
		txID := parseUint(r.URL.Query().Get("tx_id"))
		resp, err := h.GetForUpdate(r.Context(), key, txID)
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/replicate", func(w http.ResponseWriter, r *http.Request) {
		var req ReplicateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := h.Replicate(r.Context(), req)
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/fetch_updates", func(w http.ResponseWriter, r *http.Request) {
		var req FetchUpdatesRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := h.FetchUpdates(r.Context(), req)
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/ping", func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.Ping(r.Context())
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/update_partition_map", func(w http.ResponseWriter, r *http.Request) {
		var req UpdatePartitionMapRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeResult(w, struct{}{}, h.UpdatePartitionMap(r.Context(), req))
	})

	mux.HandleFunc("/rpc/update_hash_ring", func(w http.ResponseWriter, r *http.Request) {
		var req UpdateHashRingRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeResult(w, struct{}{}, h.UpdateHashRing(r.Context(), req))
	})

	mux.HandleFunc("/rpc/merkle_digest", func(w http.ResponseWriter, r *http.Request) {
		var req MerkleDigestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := h.MerkleDigest(r.Context(), req)
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/begin_transaction", func(w http.ResponseWriter, r *http.Request) {
		resp, err := h.BeginTransaction(r.Context())
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/commit_transaction", func(w http.ResponseWriter, r *http.Request) {
		var req CommitTransactionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := h.CommitTransaction(r.Context(), req)
		writeResult(w, resp, err)
	})

	mux.HandleFunc("/rpc/abort_transaction", func(w http.ResponseWriter, r *http.Request) {
		var req AbortTransactionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeResult(w, struct{}{}, h.AbortTransaction(r.Context(), req))
	})

	mux.HandleFunc("/rpc/list_by_index", func(w http.ResponseWriter, r *http.Request) {
		var req ListByIndexRequest
		if !decodeBody(w, r, &req) {
			return
		}
		resp, err := h.ListByIndex(r.Context(), req)
		writeResult(w, resp, err)
	})

	return mux
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, errs.Wrap(errs.IOError, err, "transport: decode request body"))
		return false
	}
	return true
}

func parseUint(s string) uint64 {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + uint64(c-'0')
	}
	return v
}

func writeResult(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// statusForKind maps the closed errs.Kind taxonomy onto HTTP status
// codes so a peer can distinguish, e.g., a routing miss (NotOwner, 409)
// from a transient failure worth retrying (Timeout, 504) without
// parsing the body.
func statusForKind(k errs.Kind) int {
	switch k {
	case errs.NotOwner:
		return http.StatusConflict
	case errs.StaleEpoch:
		return http.StatusConflict
	case errs.QuorumNotMet:
		return http.StatusServiceUnavailable
	case errs.Timeout:
		return http.StatusGatewayTimeout
	case errs.SerializationConflict:
		return http.StatusConflict
	case errs.CorruptData:
		return http.StatusInternalServerError
	case errs.IOError:
		return http.StatusInternalServerError
	case errs.DuplicateOp:
		return http.StatusOK
	case errs.TombstoneRespected:
		return http.StatusNotFound
	case errs.UnknownKey:
		return http.StatusNotFound
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.Shutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := errs.KindOf(err)
	body := errorBody{Message: err.Error()}
	if ok {
		body.Kind = kind
		var e *errs.Error
		if ae, isErr := err.(*errs.Error); isErr {
			e = ae
		}
		if e != nil {
			body.Owner = e.Owner
			body.Epoch = e.Epoch
			body.Message = e.Message
		}
	} else {
		body.Kind = errs.IOError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForKind(body.Kind))
	_ = json.NewEncoder(w).Encode(body)
}
