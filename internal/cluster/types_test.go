package cluster

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNodeInfoRoundTrip(t *testing.T) {
	seen := time.Unix(1700000000, 0).UTC()
	n := NodeInfo{ID: "node-1", Addr: "http://localhost:7070", Status: "live", LastHealthCheck: &seen}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded NodeInfo
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.ID != n.ID || decoded.Addr != n.Addr || decoded.Status != n.Status {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, n)
	}
	if decoded.LastHealthCheck == nil || !decoded.LastHealthCheck.Equal(*n.LastHealthCheck) {
		t.Errorf("LastHealthCheck round trip = %v, want %v", decoded.LastHealthCheck, n.LastHealthCheck)
	}
}

func TestNodeInfoOmitsEmptyFields(t *testing.T) {
	n := NodeInfo{ID: "node-1", Addr: "http://localhost:7070"}

	data, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := raw["status"]; ok {
		t.Error("status should be omitted when empty")
	}
	if _, ok := raw["last_health_check"]; ok {
		t.Error("last_health_check should be omitted when zero")
	}
}

func TestRegisterRequestRoundTrip(t *testing.T) {
	req := RegisterRequest{Node: NodeInfo{ID: "node-2", Addr: "http://localhost:7071"}}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded RegisterRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Node.ID != req.Node.ID || decoded.Node.Addr != req.Node.Addr {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded.Node, req.Node)
	}
}
