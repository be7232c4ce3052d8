// Command ringdb-node runs a single storage node: the LSM storage engine,
// multi-leader replication, and consistent-hash/range partitioning and
// routing described by this repository's storage layer, fronted by an
// HTTP+JSON RPC surface for clients, peers, and operators.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/ringdb/internal/cluster"
	"github.com/dreamware/ringdb/internal/config"
	"github.com/dreamware/ringdb/internal/logging"
	"github.com/dreamware/ringdb/internal/metrics"
	"github.com/dreamware/ringdb/internal/node"
	"github.com/dreamware/ringdb/internal/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
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
	Use:     "ringdb-node",
	Short:   "Run or administer a ringdb storage node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ringdb-node %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adminCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	asJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	logging.Init(logging.Config{Level: logging.Level(level), JSONOutput: asJSON})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node's RPC server and background maintenance loop",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("config", "", "path to a ringdb.yaml config file (optional; env and flags still apply on top)")
	f.String("node-id", "", "unique id for this node (required, or set RINGDB_NODE_ID)")
	f.String("listen-addr", "", "address to listen on, e.g. :8081")
	f.String("public-addr", "", "address peers and the router use to reach this node")
	f.String("data-dir", "", "directory for WAL segments, SSTables, and the secondary index")
	f.String("router-addr", "", "router base URL to announce this node to on startup (optional)")
	f.Duration("maintenance-interval", 5*time.Second, "interval between failure-detector sweeps, hint drains, and peer-metric refreshes")
}

func runServe(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	configPath, _ := f.GetString("config")
	maintenanceInterval, _ := f.GetDuration("maintenance-interval")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyServeFlagOverrides(f, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	n, err := node.Open(cfg)
	if err != nil {
		return fmt.Errorf("ringdb-node: open: %w", err)
	}
	defer n.Close()

	log := logging.WithNodeID(cfg.NodeID)

	mux := transport.NewMux(n)
	mountAdmin(mux, n)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.RunMaintenance(ctx, maintenanceInterval)

	go func() {
		log.Info().Str("listen_addr", cfg.ListenAddr).Str("public_addr", cfg.PublicAddr).Msg("node: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("node: listen failed")
		}
	}()

	if cfg.RouterAddr != "" {
		registerWithRouter(ctx, log, cfg.RouterAddr, cfg.NodeID, cfg.PublicAddr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("node: shutdown error")
	}
	log.Info().Msg("node: stopped")
	return nil
}

func applyServeFlagOverrides(f *pflag.FlagSet, cfg *config.Cluster) {
	if v, _ := f.GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := f.GetString("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := f.GetString("public-addr"); v != "" {
		cfg.PublicAddr = v
	}
	if v, _ := f.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := f.GetString("router-addr"); v != "" {
		cfg.RouterAddr = v
	}
}

// registerWithRouter announces this node to its router, retrying on
// startup since the router may not be listening yet.
func registerWithRouter(ctx context.Context, log zerolog.Logger, routerAddr, nodeID, publicAddr string) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: nodeID, Addr: publicAddr}}
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = postJSON(ctx, routerAddr+"/cluster/register", body)
		if lastErr == nil {
			log.Info().Msg("node: registered with router")
			return
		}
		log.Warn().Err(lastErr).Int("attempt", i+1).Msg("node: router registration retry")
		time.Sleep(400 * time.Millisecond)
	}
	log.Warn().Err(lastErr).Msg("node: giving up on router registration; node still serves clients that reach it directly")
}

func postJSON(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ringdb-node: %s: status %d", url, resp.StatusCode)
	}
	return nil
}
