package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/config"
	"github.com/ppriyankuu/kvstore/internal/kverrors"
	"github.com/ppriyankuu/kvstore/internal/kvclient"
	"github.com/ppriyankuu/kvstore/internal/store"
)

func startTestServer(t *testing.T, role config.Role) (*Server, string) {
	t.Helper()
	opts := config.New(
		config.WithDataDir(t.TempDir()),
		config.WithRole(role),
		config.WithCheckpointInterval(time.Hour),
	)
	st, err := store.Open(opts, zap.NewNop().Sugar())
	require.NoError(t, err)
	st.Start()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := New(addr, role, st, zap.NewNop().Sugar())
	go srv.Serve()

	require.Eventually(t, func() bool {
		c := kvclient.New(addr, 200*time.Millisecond)
		return c.Ping() == nil
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		srv.Close()
		st.Close()
	})
	return srv, addr
}

func TestClientPutReadDeleteOverTCP(t *testing.T) {
	_, addr := startTestServer(t, config.RoleMaster)
	c := kvclient.New(addr, time.Second)

	require.NoError(t, c.Put([]byte("alpha"), []byte("1")))
	v, err := c.Get([]byte("alpha"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, c.Delete([]byte("alpha")))
	_, err = c.Get([]byte("alpha"))
	require.True(t, kverrors.IsNotFound(err))
}

func TestClientBatchPutAndRangeOverTCP(t *testing.T) {
	_, addr := startTestServer(t, config.RoleMaster)
	c := kvclient.New(addr, time.Second)

	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	values := [][]byte{[]byte("1"), []byte("2"), []byte("3")}
	require.NoError(t, c.BatchPut(keys, values))

	got, err := c.GetRange([]byte("a"), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got)
}

func TestMasterRejectsReplicateCommand(t *testing.T) {
	_, addr := startTestServer(t, config.RoleMaster)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REPLICATE PUT 1:k 1:v \n"))
	require.NoError(t, err)

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "ERROR")
}

func TestReplicaAcceptsReplicateCommand(t *testing.T) {
	_, addr := startTestServer(t, config.RoleReplica)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("REPLICATE PUT 1:k 1:v \n"))
	require.NoError(t, err)

	buf := make([]byte, 256)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "OK\n", string(buf[:n]))
}

func TestStatsReportsKeyCount(t *testing.T) {
	_, addr := startTestServer(t, config.RoleMaster)
	c := kvclient.New(addr, time.Second)

	require.NoError(t, c.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, c.Put([]byte("k2"), []byte("v2")))

	st, err := c.Stats()
	require.NoError(t, err)
	require.Equal(t, "master", st.Role)
	require.Equal(t, 2, st.KeyCount)
}
