// Package replication implements the master-side replication pipeline: a set
// of replica descriptors, a bounded FIFO queue, an async worker pool, and a
// synchronous blocking path, each driving the wire protocol in
// internal/protocol against one or more replicas.
//
// This deployment has exactly one writable master and a handful of
// read-only replicas, so the pipeline tracks per-replica health with a
// simple consecutive-failure counter rather than any quorum or N/W/R
// machinery — there's only ever one writer to acknowledge, and conflict
// resolution between writers doesn't apply.
package replication

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/config"
	"github.com/ppriyankuu/kvstore/internal/kverrors"
	"github.com/ppriyankuu/kvstore/internal/protocol"
)

// Kind identifies the mutation an Op carries.
type Kind uint8

const (
	OpPut Kind = iota + 1
	OpBatchPut
	OpDelete
)

// Op is one unit of replication work, enqueued by the store only after a
// local commit — a replica never observes an operation the master hasn't
// already applied to its own data file and index.
type Op struct {
	Kind   Kind
	Key    []byte
	Value  []byte
	Keys   [][]byte
	Values [][]byte
}

// replicaState is the mutable health record for one configured replica.
// Guarded by Replicator.mu.
type replicaState struct {
	addr                string
	healthy             bool
	consecutiveFailures int
	lastSuccess         time.Time
	lastFailure         time.Time
}

// Replicator owns the replica set and the async queue/worker pool. Its
// lifetime is tied to the master's store: constructed after the store opens,
// started once recovery completes, stopped before the store closes.
type Replicator struct {
	opts *config.ReplicationOptions
	log  *zap.SugaredLogger

	mu       sync.Mutex
	replicas map[string]*replicaState

	queue  chan Op
	stopCh chan struct{}
	wg     sync.WaitGroup

	dropped atomic.Uint64 // count of async enqueues dropped because the queue was full
}

// New constructs a Replicator for the given addresses. It does not start
// worker goroutines; call Start for that.
func New(opts *config.ReplicationOptions, log *zap.SugaredLogger) *Replicator {
	replicas := make(map[string]*replicaState, len(opts.Addresses))
	for _, addr := range opts.Addresses {
		replicas[addr] = &replicaState{addr: addr, healthy: true}
	}

	return &Replicator{
		opts:     opts,
		log:      log,
		replicas: replicas,
		queue:    make(chan Op, opts.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the async worker pool. In sync mode, no workers are needed
// since the calling goroutine drives replication directly via
// ReplicateSync, but starting them anyway is harmless — nothing enqueues to
// the queue in sync mode.
func (r *Replicator) Start() {
	workers := r.opts.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.workerLoop()
	}
}

// Stop drains in-flight workers and returns once they've exited.
func (r *Replicator) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Enqueue is non-blocking: if the queue is full, the operation is dropped
// and counted, never surfaced to the client, because the master's local
// state is already committed regardless of how replication goes.
func (r *Replicator) Enqueue(op Op) {
	select {
	case r.queue <- op:
	default:
		r.dropped.Add(1)
		if r.log != nil {
			r.log.Warnw("replication queue full, dropping op", "kind", op.Kind)
		}
	}
}

// DroppedCount returns the number of async ops dropped for a full queue.
func (r *Replicator) DroppedCount() uint64 { return r.dropped.Load() }

func (r *Replicator) workerLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case op := <-r.queue:
			r.deliverToHealthy(op)
		}
	}
}

// deliverToHealthy sends op to every currently-healthy replica, updating
// each one's health state from the outcome. Used by async workers; sync mode
// (ReplicateSync) calls replicateWithRetry per replica itself so it can return
// the first error.
func (r *Replicator) deliverToHealthy(op Op) {
	for _, addr := range r.healthyAddrs() {
		if err := r.replicateWithRetry(addr, op); err != nil {
			r.markFailure(addr)
			if r.log != nil {
				r.log.Warnw("replication attempt failed", "replica", addr, "error", err)
			}
			continue
		}
		r.markSuccess(addr)
	}
}

// ReplicateSync blocks until every currently-healthy replica acks, or
// returns the first failure. The master's local commit has already happened
// by the time the store calls this.
func (r *Replicator) ReplicateSync(op Op) error {
	for _, addr := range r.healthyAddrs() {
		if err := r.replicateWithRetry(addr, op); err != nil {
			r.markFailure(addr)
			return kverrors.Wrap(err, kverrors.CodeReplicationFailed, "sync replication failed").
				WithDetail("replica", addr)
		}
		r.markSuccess(addr)
	}
	return nil
}

// replicateWithRetry attempts delivery up to MaxRetries times before giving
// up and counting the attempt as a single failure against the replica's
// health.
func (r *Replicator) replicateWithRetry(addr string, op Op) error {
	var lastErr error
	attempts := r.opts.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := protocol.SendReplicate(addr, r.opts.DialTimeout, r.opts.AckTimeout, toWireOp(op)); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func toWireOp(op Op) protocol.ReplicateOp {
	switch op.Kind {
	case OpPut:
		return protocol.ReplicateOp{Kind: protocol.KindPut, Key: op.Key, Value: op.Value}
	case OpBatchPut:
		return protocol.ReplicateOp{Kind: protocol.KindBatchPut, Keys: op.Keys, Values: op.Values}
	case OpDelete:
		return protocol.ReplicateOp{Kind: protocol.KindDelete, Key: op.Key}
	default:
		return protocol.ReplicateOp{}
	}
}

// healthyAddrs returns a snapshot of currently-healthy replica addresses.
func (r *Replicator) healthyAddrs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.replicas))
	for addr, st := range r.replicas {
		if st.healthy {
			out = append(out, addr)
		}
	}
	return out
}

// markSuccess resets a replica's failure streak and marks it healthy after
// a successful ack.
func (r *Replicator) markSuccess(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.replicas[addr]
	if !ok {
		return
	}
	st.consecutiveFailures = 0
	st.healthy = true
	st.lastSuccess = time.Now()
}

// markFailure increments a replica's consecutive-failure counter and flips it
// unhealthy once the counter reaches MaxConsecutiveFailures. There is no
// automatic recovery: once unhealthy, a replica is skipped by subsequent
// delivery attempts until an operator calls ResetHealth.
func (r *Replicator) markFailure(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.replicas[addr]
	if !ok {
		return
	}
	st.consecutiveFailures++
	st.lastFailure = time.Now()
	if st.consecutiveFailures >= r.opts.MaxConsecutiveFailures {
		st.healthy = false
	}
}

// ResetHealth is the sole recovery path for an unhealthy replica: an
// operator-driven reset.
func (r *Replicator) ResetHealth(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.replicas[addr]
	if !ok {
		return
	}
	st.healthy = true
	st.consecutiveFailures = 0
}

// Status is a read-only view of one replica's health, for admin/metrics use.
type Status struct {
	Addr                string
	Healthy             bool
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
}

// Statuses returns a snapshot of every configured replica's health.
func (r *Replicator) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.replicas))
	for _, st := range r.replicas {
		out = append(out, Status{
			Addr:                st.addr,
			Healthy:             st.healthy,
			ConsecutiveFailures: st.consecutiveFailures,
			LastSuccess:         st.lastSuccess,
			LastFailure:         st.lastFailure,
		})
	}
	return out
}
