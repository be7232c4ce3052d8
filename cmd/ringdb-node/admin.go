package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/ringdb/internal/node"
	"github.com/spf13/cobra"
)

// mountAdmin wires a node's administrative operations (add-node,
// remove-node, split/merge partitions, rebalance, hot-key detection)
// under /admin/ on the same mux serving client and peer RPCs.
func mountAdmin(mux *http.ServeMux, n *node.Node) {
	mux.Handle("/admin/", n.AdminMux())
}

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Send an administrative command to a running node",
}

func init() {
	adminCmd.PersistentFlags().String("target", "http://127.0.0.1:8081", "base URL of the node to administer")
	adminCmd.AddCommand(addNodeCmd, removeNodeCmd, splitCmd, mergeCmd, rebalanceCmd, hotKeysCmd)
}

var addNodeCmd = &cobra.Command{
	Use:   "add-node",
	Short: "Add a node to the target's hash ring",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		baseURL, _ := cmd.Flags().GetString("base-url")
		return postAdmin(cmd, "/admin/add_node", map[string]any{"node_id": nodeID, "base_url": baseURL})
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "remove-node",
	Short: "Remove a node from the target's hash ring",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		return postAdmin(cmd, "/admin/remove_node", map[string]any{"node_id": nodeID})
	},
}

var splitCmd = &cobra.Command{
	Use:   "split",
	Short: "Split a range partition at a key",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, _ := cmd.Flags().GetInt("partition-id")
		splitKey, _ := cmd.Flags().GetString("split-key")
		newOwner, _ := cmd.Flags().GetString("new-owner")
		newReplicas, _ := cmd.Flags().GetStringSlice("new-replicas")
		return postAdmin(cmd, "/admin/split_partition", map[string]any{
			"partition_id": pid,
			"split_key":    splitKey,
			"new_owner":    newOwner,
			"new_replicas": newReplicas,
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge two adjacent range partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		lowA, _ := cmd.Flags().GetString("low-a")
		lowB, _ := cmd.Flags().GetString("low-b")
		return postAdmin(cmd, "/admin/merge_partitions", map[string]any{"low_a": lowA, "low_b": lowB})
	},
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "Recompute and propagate ring ownership, migrating moved keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return postAdmin(cmd, "/admin/rebalance", nil)
	},
}

var hotKeysCmd = &cobra.Command{
	Use:   "hot-keys",
	Short: "Report hot partitions and optionally mark a hot key for bucketing",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetUint64("threshold")
		minKeys, _ := cmd.Flags().GetInt("min-keys")
		if err := postAdmin(cmd, "/admin/hot_partitions", map[string]any{"threshold": threshold, "min_keys": minKeys}); err != nil {
			return err
		}
		key, _ := cmd.Flags().GetString("mark-key")
		if key == "" {
			return nil
		}
		buckets, _ := cmd.Flags().GetInt("buckets")
		migrate, _ := cmd.Flags().GetBool("migrate")
		return postAdmin(cmd, "/admin/mark_hot_key", map[string]any{"key": key, "buckets": buckets, "migrate": migrate})
	},
}

func init() {
	addNodeCmd.Flags().String("node-id", "", "id of the node to add")
	addNodeCmd.Flags().String("base-url", "", "base URL of the node to add")

	removeNodeCmd.Flags().String("node-id", "", "id of the node to remove")

	splitCmd.Flags().Int("partition-id", 0, "partition to split")
	splitCmd.Flags().String("split-key", "", "key at which to split the partition's range")
	splitCmd.Flags().String("new-owner", "", "owner node id for the new upper half")
	splitCmd.Flags().StringSlice("new-replicas", nil, "replica node ids for the new upper half")

	mergeCmd.Flags().String("low-a", "", "low bound of the first partition")
	mergeCmd.Flags().String("low-b", "", "low bound of the adjacent partition")

	hotKeysCmd.Flags().Uint64("threshold", 0, "operation-count threshold above which a partition is reported hot")
	hotKeysCmd.Flags().Int("min-keys", 0, "minimum distinct keys a partition must hold to be reported hot")
	hotKeysCmd.Flags().String("mark-key", "", "also mark this key as hot, splitting it into sub-buckets")
	hotKeysCmd.Flags().Int("buckets", 8, "number of sub-buckets to split the marked key into")
	hotKeysCmd.Flags().Bool("migrate", false, "migrate the key's existing value into its new buckets immediately")
}

func postAdmin(cmd *cobra.Command, path string, body any) error {
	target, _ := cmd.Flags().GetString("target")

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ringdb-node admin: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ringdb-node admin: %s: status %d: %s", path, resp.StatusCode, respBody)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(respBody))
	return nil
}
