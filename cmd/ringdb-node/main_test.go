package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dreamware/ringdb/internal/cluster"
	"github.com/dreamware/ringdb/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func TestPostJSONSuccess(t *testing.T) {
	var got cluster.RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:8081"}}
	if err := postJSON(context.Background(), srv.URL+"/cluster/register", body); err != nil {
		t.Fatalf("postJSON: %v", err)
	}
	if got.Node.ID != "node-1" {
		t.Errorf("node id = %q, want node-1", got.Node.ID)
	}
}

func TestPostJSONErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := postJSON(context.Background(), srv.URL+"/cluster/register", cluster.RegisterRequest{})
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestRegisterWithRouterRetriesThenSucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registerWithRouter(context.Background(), zerolog.Nop(), srv.URL, "node-1", "http://localhost:8081")
	if attempts < 2 {
		t.Errorf("attempts = %d, want at least 2", attempts)
	}
}

func TestRegisterWithRouterGivesUpOnUnreachableRouter(t *testing.T) {
	start := time.Now()
	registerWithRouter(context.Background(), zerolog.Nop(), "http://127.0.0.1:1", "node-1", "http://localhost:8081")
	if time.Since(start) <= 0 {
		t.Fatal("expected registerWithRouter to return after exhausting retries")
	}
}

func TestApplyServeFlagOverrides(t *testing.T) {
	f := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	f.String("node-id", "", "")
	f.String("listen-addr", "", "")
	f.String("public-addr", "", "")
	f.String("data-dir", "", "")
	f.String("router-addr", "", "")
	if err := f.Parse([]string{"--node-id=node-9", "--listen-addr=:9090"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg := config.Default()
	cfg.NodeID = "placeholder"
	applyServeFlagOverrides(f, &cfg)

	if cfg.NodeID != "node-9" {
		t.Errorf("NodeID = %q, want node-9", cfg.NodeID)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should retain its default when the flag is unset")
	}
}
