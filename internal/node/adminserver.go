package node

import (
	"encoding/json"
	"net/http"

	"github.com/dreamware/ringdb/internal/record"
)

// AdminMux exposes the administrative operations from admin.go
// (spec.md §6: add_node, remove_node, split_partition, merge_partitions,
// rebalance, check_hot_partitions, mark_hot_key) as plain JSON POST
// endpoints, the way the teacher's cmd/coordinator exposes
// handleShardStats/handleNodeInfo alongside its client data path. It is
// mounted on its own path prefix, separate from transport.NewMux's
// client/peer RPC surface, so an operator (or the ringdb-node CLI's
// `admin` subcommand) can reach it without going through the router.
func (n *Node) AdminMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/admin/add_node", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NodeID  string `json:"node_id"`
			BaseURL string `json:"base_url"`
		}
		if !decodeAdminBody(w, r, &req) {
			return
		}
		writeAdminResult(w, nil, n.AddNode(r.Context(), req.NodeID, req.BaseURL))
	})

	mux.HandleFunc("/admin/remove_node", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			NodeID string `json:"node_id"`
		}
		if !decodeAdminBody(w, r, &req) {
			return
		}
		writeAdminResult(w, nil, n.RemoveNode(r.Context(), req.NodeID))
	})

	mux.HandleFunc("/admin/split_partition", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PartitionID int      `json:"partition_id"`
			SplitKey    string   `json:"split_key"`
			NewOwner    string   `json:"new_owner"`
			NewReplicas []string `json:"new_replicas"`
		}
		if !decodeAdminBody(w, r, &req) {
			return
		}
		writeAdminResult(w, nil, n.SplitPartition(r.Context(), req.PartitionID, req.SplitKey, req.NewOwner, req.NewReplicas))
	})

	mux.HandleFunc("/admin/merge_partitions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			LowA string `json:"low_a"`
			LowB string `json:"low_b"`
		}
		if !decodeAdminBody(w, r, &req) {
			return
		}
		writeAdminResult(w, nil, n.MergePartitions(r.Context(), req.LowA, req.LowB))
	})

	mux.HandleFunc("/admin/rebalance", func(w http.ResponseWriter, r *http.Request) {
		writeAdminResult(w, nil, n.Rebalance(r.Context()))
	})

	mux.HandleFunc("/admin/hot_partitions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Threshold uint64 `json:"threshold"`
			MinKeys   int    `json:"min_keys"`
		}
		if !decodeAdminBody(w, r, &req) {
			return
		}
		hot := n.CheckHotPartitions(req.Threshold, req.MinKeys)
		writeAdminResult(w, struct {
			Partitions []int `json:"partitions"`
		}{Partitions: hot}, nil)
	})

	mux.HandleFunc("/admin/mark_hot_key", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Key     string `json:"key"`
			Buckets int    `json:"buckets"`
			Migrate bool   `json:"migrate"`
		}
		if !decodeAdminBody(w, r, &req) {
			return
		}
		writeAdminResult(w, nil, n.MarkHotKey(r.Context(), record.Key(req.Key), req.Buckets, req.Migrate))
	})

	return mux
}

func decodeAdminBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeAdminResult(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if resp == nil {
		resp = struct {
			OK bool `json:"ok"`
		}{OK: true}
	}
	_ = json.NewEncoder(w).Encode(resp)
}
