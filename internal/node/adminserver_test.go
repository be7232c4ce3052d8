package node

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestAdminMuxRebalance(t *testing.T) {
	cfg := testConfig(t, "nodeA")
	n, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer n.Close()

	srv := httptest.NewServer(n.AdminMux())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/admin/rebalance", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /admin/rebalance: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestAdminMuxHotPartitions(t *testing.T) {
	cfg := testConfig(t, "nodeA")
	n, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer n.Close()

	srv := httptest.NewServer(n.AdminMux())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"threshold": 1, "min_keys": 1})
	resp, err := srv.Client().Post(srv.URL+"/admin/hot_partitions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /admin/hot_partitions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Partitions []int `json:"partitions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAdminMuxAddNodeRequiresHashPartitioning(t *testing.T) {
	cfg := testConfig(t, "nodeA")
	cfg.PartitionStrategy = "range"
	n, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer n.Close()

	srv := httptest.NewServer(n.AdminMux())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"node_id": "nodeB", "base_url": "http://127.0.0.1:1"})
	resp, err := srv.Client().Post(srv.URL+"/admin/add_node", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /admin/add_node: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == 200 {
		t.Error("expected add_node to fail under range partitioning")
	}
}
