// cmd/kvcli is the CLI entry-point built with Cobra, speaking the TCP line
// protocol implemented in internal/protocol.
//
// Usage:
//
//	kvcli put mykey "hello world"  --server localhost:9090
//	kvcli get mykey                --server localhost:9090
//	kvcli range a b                --server localhost:9090
//	kvcli delete mykey             --server localhost:9090
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppriyankuu/kvstore/internal/kverrors"
	"github.com/ppriyankuu/kvstore/internal/kvclient"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "CLI client for the key-value store",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s", "localhost:9090", "KV store server address")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-request timeout")

	root.AddCommand(putCmd(), batchPutCmd(), getCmd(), rangeCmd(), deleteCmd(), statsCmd(), pingCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a key-value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := kvclient.New(serverAddr, timeout)
			if err := c.Put([]byte(args[0]), []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func batchPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batchput <k1,k2,...> <v1,v2,...>",
		Short: "Store several key-value pairs atomically",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyStrs := strings.Split(args[0], ",")
			valStrs := strings.Split(args[1], ",")
			if len(keyStrs) != len(valStrs) {
				return fmt.Errorf("key count (%d) does not match value count (%d)", len(keyStrs), len(valStrs))
			}
			keys := make([][]byte, len(keyStrs))
			values := make([][]byte, len(valStrs))
			for i := range keyStrs {
				keys[i] = []byte(keyStrs[i])
				values[i] = []byte(valStrs[i])
			}
			c := kvclient.New(serverAddr, timeout)
			if err := c.BatchPut(keys, values); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Retrieve a value by key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := kvclient.New(serverAddr, timeout)
			value, err := c.Get([]byte(args[0]))
			if kverrors.IsNotFound(err) {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(string(value))
			return nil
		},
	}
}

func rangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "range <start> <end>",
		Short: "Read every key in the closed interval [start, end]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := kvclient.New(serverAddr, timeout)
			entries, err := c.GetRange([]byte(args[0]), []byte(args[1]))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no keys in range")
				return nil
			}
			for k, v := range entries {
				fmt.Printf("%s: %s\n", k, string(v))
			}
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that a node is alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := kvclient.New(serverAddr, timeout)
			if err := c.Ping(); err != nil {
				return err
			}
			fmt.Println("PONG")
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show node role, key count, data size, and replication health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := kvclient.New(serverAddr, timeout)
			st, err := c.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("role: %s\n", st.Role)
			fmt.Printf("keys: %d\n", st.KeyCount)
			fmt.Printf("data file size: %d bytes\n", st.DataFileSize)
			fmt.Printf("uptime: %ds\n", st.UptimeSeconds)
			fmt.Printf("replicas healthy/unhealthy: %d/%d\n", st.ReplicasHealthy, st.ReplicasUnhealthy)
			fmt.Printf("replication ops dropped: %d\n", st.ReplicationQueueSize)
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := kvclient.New(serverAddr, timeout)
			err := c.Delete([]byte(args[0]))
			if kverrors.IsNotFound(err) {
				fmt.Printf("key %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}
