package replication

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/config"
)

func testOpts(addrs ...string) *config.ReplicationOptions {
	return &config.ReplicationOptions{
		Addresses:              addrs,
		MaxRetries:             1,
		QueueSize:              4,
		MaxConsecutiveFailures: 2,
		DialTimeout:            200 * time.Millisecond,
		AckTimeout:             200 * time.Millisecond,
		Workers:                2,
	}
}

// fakeReplica accepts one connection per request, reads a single
// REPLICATE line, and replies OK or a configured bad response.
func fakeReplica(t *testing.T, reply string) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				_, _ = r.ReadString('\n')
				_, _ = c.Write([]byte(reply + "\n"))
			}(conn)
		}
	}()
	return ln
}

// Scenario E: a healthy async replica receives the put and, after a bounded
// drain, shows a successful ack in its health state.
func TestScenarioE_AsyncReplicaConverges(t *testing.T) {
	ln := fakeReplica(t, "OK")
	defer ln.Close()

	r := New(testOpts(ln.Addr().String()), zap.NewNop().Sugar())
	r.Start()
	defer r.Stop()

	r.Enqueue(Op{Kind: OpPut, Key: []byte("r"), Value: []byte("1")})

	require.Eventually(t, func() bool {
		st := r.Statuses()
		return len(st) == 1 && st[0].Healthy && !st[0].LastSuccess.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

// Scenario F: a down/unreachable replica never blocks the master and is
// marked unhealthy after enough consecutive failures, but Enqueue itself
// never surfaces an error to the caller.
func TestScenarioF_UnreachableReplicaMarkedUnhealthy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close()) // nothing listens here anymore

	r := New(testOpts(addr), zap.NewNop().Sugar())
	r.Start()
	defer r.Stop()

	for i := 0; i < 3; i++ {
		r.Enqueue(Op{Kind: OpPut, Key: []byte("u"), Value: []byte("1")})
		time.Sleep(50 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		st := r.Statuses()
		return len(st) == 1 && !st[0].Healthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReplicateSyncReturnsErrorOnBadAck(t *testing.T) {
	ln := fakeReplica(t, "ERROR: rejected")
	defer ln.Close()

	r := New(testOpts(ln.Addr().String()), zap.NewNop().Sugar())

	err := r.ReplicateSync(Op{Kind: OpPut, Key: []byte("k"), Value: []byte("v")})
	require.Error(t, err)

	st := r.Statuses()
	require.Len(t, st, 1)
	require.Equal(t, 1, st[0].ConsecutiveFailures)
}

func TestReplicateSyncSucceedsAgainstHealthyReplica(t *testing.T) {
	ln := fakeReplica(t, "OK")
	defer ln.Close()

	r := New(testOpts(ln.Addr().String()), zap.NewNop().Sugar())
	require.NoError(t, r.ReplicateSync(Op{Kind: OpPut, Key: []byte("k"), Value: []byte("v")}))

	st := r.Statuses()
	require.Len(t, st, 1)
	require.True(t, st[0].Healthy)
	require.Zero(t, st[0].ConsecutiveFailures)
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	r := New(testOpts("127.0.0.1:1"), zap.NewNop().Sugar())
	// No Start(): nothing drains the queue, so it fills up immediately.
	for i := 0; i < 10; i++ {
		r.Enqueue(Op{Kind: OpPut, Key: []byte("k"), Value: []byte("v")})
	}
	require.Greater(t, r.DroppedCount(), uint64(0))
}

func TestResetHealthClearsUnhealthyState(t *testing.T) {
	r := New(testOpts("127.0.0.1:1"), zap.NewNop().Sugar())
	r.markFailure("127.0.0.1:1")
	r.markFailure("127.0.0.1:1")
	st := r.Statuses()
	require.False(t, st[0].Healthy)

	r.ResetHealth("127.0.0.1:1")
	st = r.Statuses()
	require.True(t, st[0].Healthy)
	require.Zero(t, st[0].ConsecutiveFailures)
}
