// Command ringdb-router runs the route-aware router tier of ringdb's
// client-routing model: a process separate from any storage node that
// tracks cluster membership, watches node health, and forwards client
// RPCs to whichever node currently owns the requested key.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/ringdb/internal/cluster"
	"github.com/dreamware/ringdb/internal/coordinator"
	"github.com/dreamware/ringdb/internal/logging"
	"github.com/dreamware/ringdb/internal/metrics"
	"github.com/dreamware/ringdb/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ringdb-router",
	Short:   "Run ringdb's route-aware router",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ringdb-router %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cobra.OnInitialize(initLogging)

	f := rootCmd.Flags()
	f.String("listen-addr", ":8080", "address the router listens on")
	f.Duration("health-check-interval", time.Second, "interval between node liveness checks")
	f.StringSlice("node", nil, "id=addr pair for a node to seed the router with at startup (repeatable)")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: asJSON})
}

func runServe(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	listenAddr, _ := f.GetString("listen-addr")
	checkInterval, _ := f.GetDuration("health-check-interval")
	seeds, _ := f.GetStringSlice("node")

	log := logging.WithComponent("router")
	r := coordinator.NewRouter(log, checkInterval)

	for _, seed := range seeds {
		info, err := parseSeedNode(seed)
		if err != nil {
			return err
		}
		r.RegisterNode(info)
	}

	mux := transport.NewMux(r)
	mux.HandleFunc("/cluster/register", func(w http.ResponseWriter, req *http.Request) {
		handleRegister(log, r, w, req)
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.StartHealthMonitoring(ctx)

	go func() {
		log.Info().Str("listen_addr", listenAddr).Msg("router: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("router: listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("router: shutdown error")
	}
	log.Info().Msg("router: stopped")
	return nil
}

// handleRegister is the /cluster/register endpoint a node POSTs to on
// startup, so the router learns it exists without an operator having
// to list every node address in the router's own config up front.
func handleRegister(log zerolog.Logger, r *coordinator.Router, w http.ResponseWriter, req *http.Request) {
	var body cluster.RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Node.ID == "" || body.Node.Addr == "" {
		http.Error(w, "node id and addr are required", http.StatusBadRequest)
		return
	}
	r.RegisterNode(body.Node)
	log.Info().Str("node_id", body.Node.ID).Str("addr", body.Node.Addr).Msg("router: node registered")
	w.WriteHeader(http.StatusNoContent)
}

func parseSeedNode(pair string) (cluster.NodeInfo, error) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return cluster.NodeInfo{ID: pair[:i], Addr: pair[i+1:]}, nil
		}
	}
	return cluster.NodeInfo{}, fmt.Errorf("ringdb-router: --node %q must be of the form id=addr", pair)
}
