// Package config defines the store's configuration surface as an immutable
// value built once at startup, never a mutable package-level global. Every
// constructor in this repo (store.Open, replication.New, compaction.New)
// takes its configuration (an *Options, or the *ReplicationOptions /
// *CompactionOptions part of one) as a parameter; nothing reads a global
// configuration object from a hot path. Options are built through a functional-options chain rather
// than a mutable struct literal, so adding a new knob never breaks existing
// call sites and every override is explicit at the construction call.
package config

import "time"

// ReplicationMode selects how the master waits for replica acknowledgement.
type ReplicationMode string

const (
	// ReplicationAsync enqueues mutations for background delivery and never
	// blocks the client on replica acknowledgement.
	ReplicationAsync ReplicationMode = "async"
	// ReplicationSync blocks the client until every healthy replica acks.
	ReplicationSync ReplicationMode = "sync"
)

// Role distinguishes the single writable primary from read-only secondaries.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// ReplicationOptions configures the replication pipeline.
type ReplicationOptions struct {
	// Enabled turns the replicator on. A replica node always has it disabled
	// locally (it is the target of replication, not a source).
	Enabled bool

	// Mode selects async or sync delivery.
	Mode ReplicationMode

	// Addresses lists replica "host:port" endpoints this master replicates to.
	Addresses []string

	// MaxRetries bounds per-attempt retries before a failure counts against
	// a replica's consecutive-failure tally.
	MaxRetries int

	// QueueSize bounds the async replication queue; beyond it, enqueues are
	// dropped and counted rather than blocking the caller.
	QueueSize int

	// MaxConsecutiveFailures is the threshold at which a replica flips unhealthy.
	MaxConsecutiveFailures int

	// DialTimeout and AckTimeout bound a single replication attempt's network I/O.
	DialTimeout time.Duration
	AckTimeout  time.Duration

	// Workers is the size of the async delivery worker pool.
	Workers int
}

// CompactionOptions configures the background compactor.
type CompactionOptions struct {
	Enabled     bool
	Interval    time.Duration
	Threshold   float64 // dead_ratio threshold that triggers a pass
	MinFileSize int64   // skip compaction below this data file size
}

// Options is the complete, immutable configuration surface for one node.
type Options struct {
	// DataDir is the directory holding wal.log, data.db, data.db.old, index.db.
	DataDir string

	// NodeAddr is this node's own "host:port", used when accepting client
	// and replication connections.
	NodeAddr string

	// Role distinguishes master from replica.
	Role Role

	// CheckpointInterval is how often the checkpoint worker snapshots the index.
	CheckpointInterval time.Duration

	// MaxWALSize is advisory only: no component reads it, nothing is logged
	// when the WAL grows past it, and the WAL never refuses to grow (it is
	// truncated only by recovery at startup).
	MaxWALSize int64

	Compaction  CompactionOptions
	Replication ReplicationOptions
}

// OptionFunc mutates an Options value being built; see New.
type OptionFunc func(*Options)

// defaults returns the baseline configuration applied before any overrides.
func defaults() Options {
	return Options{
		DataDir:            "/var/lib/kvstore",
		NodeAddr:           ":9090",
		Role:               RoleMaster,
		CheckpointInterval: 10 * time.Second,
		MaxWALSize:         64 * 1024 * 1024,
		Compaction: CompactionOptions{
			Enabled:     true,
			Interval:    time.Hour,
			Threshold:   0.3,
			MinFileSize: 10 * 1024 * 1024,
		},
		Replication: ReplicationOptions{
			Enabled:                false,
			Mode:                   ReplicationAsync,
			MaxRetries:             3,
			QueueSize:              10000,
			MaxConsecutiveFailures: 3,
			DialTimeout:            5 * time.Second,
			AckTimeout:             5 * time.Second,
			Workers:                2,
		},
	}
}

// New builds an Options value from defaults plus the given overrides, applied
// in order. This is the only way to obtain an Options; callers never mutate
// one in place after New returns.
func New(opts ...OptionFunc) *Options {
	o := defaults()
	for _, apply := range opts {
		apply(&o)
	}
	return &o
}

func WithDataDir(dir string) OptionFunc {
	return func(o *Options) {
		if dir != "" {
			o.DataDir = dir
		}
	}
}

func WithNodeAddr(addr string) OptionFunc {
	return func(o *Options) {
		if addr != "" {
			o.NodeAddr = addr
		}
	}
}

func WithRole(role Role) OptionFunc {
	return func(o *Options) { o.Role = role }
}

func WithCheckpointInterval(d time.Duration) OptionFunc {
	return func(o *Options) {
		if d > 0 {
			o.CheckpointInterval = d
		}
	}
}

func WithMaxWALSize(n int64) OptionFunc {
	return func(o *Options) {
		if n > 0 {
			o.MaxWALSize = n
		}
	}
}

func WithCompaction(c CompactionOptions) OptionFunc {
	return func(o *Options) { o.Compaction = c }
}

func WithReplication(r ReplicationOptions) OptionFunc {
	return func(o *Options) { o.Replication = r }
}
