// cmd/kvserver is the main entrypoint for a key-value store node, acting as
// either the single writable master or a read-only replica.
//
// Example — master with two replicas, async replication:
//
//	./kvserver --role master --addr :9090 --data-dir /var/lib/kvstore/m \
//	           --replicate-to localhost:9091,localhost:9092
//
// Example — replica:
//
//	./kvserver --role replica --addr :9091 --data-dir /var/lib/kvstore/r1
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/compaction"
	"github.com/ppriyankuu/kvstore/internal/config"
	"github.com/ppriyankuu/kvstore/internal/replication"
	"github.com/ppriyankuu/kvstore/internal/server"
	"github.com/ppriyankuu/kvstore/internal/store"
)

func main() {
	role := pflag.String("role", "master", `Node role: "master" or "replica"`)
	addr := pflag.String("addr", ":9090", "Listen address (host:port)")
	dataDir := pflag.String("data-dir", "/var/lib/kvstore", "Directory for data.db, wal.log, index.db")
	checkpointInterval := pflag.Duration("checkpoint-interval", 10*time.Second, "Index checkpoint interval")
	maxWALSize := pflag.Int64("max-wal-size", 64*1024*1024, "Advisory WAL size ceiling in bytes")

	compactionEnabled := pflag.Bool("compaction-enabled", true, "Enable background compaction (master only)")
	compactionInterval := pflag.Duration("compaction-interval", time.Hour, "Compaction wake interval")
	compactionThreshold := pflag.Float64("compaction-threshold", 0.3, "Dead-space ratio that triggers compaction")
	compactionMinSize := pflag.Int64("compaction-min-size", 10*1024*1024, "Minimum data file size before compaction runs")

	replicationMode := pflag.String("replication-mode", "async", `Replication mode: "async" or "sync"`)
	replicateTo := pflag.String("replicate-to", "", "Comma-separated replica addresses (host:port)")
	replicationMaxRetries := pflag.Int("replication-max-retries", 3, "Per-attempt replication retries")
	replicationQueueSize := pflag.Int("replication-queue-size", 10000, "Async replication queue capacity")
	replicationMaxFailures := pflag.Int("replication-max-failures", 3, "Consecutive failures before a replica is marked unhealthy")
	replicationTimeout := pflag.Duration("replication-timeout", 5*time.Second, "Per-attempt replication network timeout")
	replicationWorkers := pflag.Int("replication-workers", 2, "Async replication worker pool size")

	pflag.Parse()

	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	log := zl.Sugar()

	nodeRole := config.RoleMaster
	if *role == "replica" {
		nodeRole = config.RoleReplica
	}

	var addrs []string
	if *replicateTo != "" {
		addrs = strings.Split(*replicateTo, ",")
	}

	mode := config.ReplicationAsync
	if *replicationMode == "sync" {
		mode = config.ReplicationSync
	}

	opts := config.New(
		config.WithDataDir(*dataDir),
		config.WithNodeAddr(*addr),
		config.WithRole(nodeRole),
		config.WithCheckpointInterval(*checkpointInterval),
		config.WithMaxWALSize(*maxWALSize),
		config.WithCompaction(config.CompactionOptions{
			Enabled:     *compactionEnabled && nodeRole == config.RoleMaster,
			Interval:    *compactionInterval,
			Threshold:   *compactionThreshold,
			MinFileSize: *compactionMinSize,
		}),
		config.WithReplication(config.ReplicationOptions{
			Enabled:                nodeRole == config.RoleMaster && len(addrs) > 0,
			Mode:                   mode,
			Addresses:              addrs,
			MaxRetries:             *replicationMaxRetries,
			QueueSize:              *replicationQueueSize,
			MaxConsecutiveFailures: *replicationMaxFailures,
			DialTimeout:            *replicationTimeout,
			AckTimeout:             *replicationTimeout,
			Workers:                *replicationWorkers,
		}),
	)

	st, err := store.Open(opts, log)
	if err != nil {
		log.Fatalw("open store", "error", err)
	}

	var repl *replication.Replicator
	if opts.Replication.Enabled {
		repl = replication.New(&opts.Replication, log)
		repl.Start()
		st.SetReplicator(repl)
	}

	if opts.Compaction.Enabled {
		c := compaction.New(&opts.Compaction, st, log)
		st.SetCompactor(c)
	}

	st.Start()

	srv := server.New(opts.NodeAddr, opts.Role, st, log)
	go func() {
		log.Infow("listening", "addr", opts.NodeAddr, "role", opts.Role)
		if err := srv.Serve(); err != nil {
			log.Fatalw("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("server shutdown error", "error", err)
	}
	if repl != nil {
		repl.Stop()
	}
	if err := st.Close(); err != nil {
		log.Warnw("store close error", "error", err)
	}
}
