package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePut(&buf, []byte("hello world"), []byte("a value\nwith a newline")))

	req, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, VerbPut, req.Verb)
	require.Equal(t, []byte("hello world"), req.Key)
	require.Equal(t, []byte("a value\nwith a newline"), req.Value)
}

func TestBatchPutRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	keys := [][]byte{[]byte("a"), []byte("b")}
	values := [][]byte{[]byte("1"), []byte("2")}
	require.NoError(t, WriteBatchPut(&buf, keys, values))

	req, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, VerbBatchPut, req.Verb)
	require.Equal(t, keys, req.Keys)
	require.Equal(t, values, req.Values)
}

func TestReadRangeRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReadRange(&buf, []byte("a"), []byte("z")))

	req, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, VerbReadRange, req.Verb)
	require.Equal(t, []byte("a"), req.Start)
	require.Equal(t, []byte("z"), req.End)
}

func TestOKResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteOK(&buf))
	require.NoError(t, ReadSimpleResponse(bufio.NewReader(&buf)))
}

func TestValueResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteValue(&buf, []byte("binary\x00value")))

	v, err := ReadValueResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, []byte("binary\x00value"), v)
}

func TestRangeResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	entries := map[string][]byte{"a": []byte("1"), "b": []byte("2")}
	require.NoError(t, WriteRangeResult(&buf, entries))

	got, err := ReadRangeResponse(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestPingRequestAndPongResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePing(&buf))

	req, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, VerbPing, req.Verb)

	var respBuf bytes.Buffer
	require.NoError(t, WritePong(&respBuf))
	require.NoError(t, ReadPongResponse(bufio.NewReader(&respBuf)))
}

func TestReplicateDeleteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReplicateBody(&buf, ReplicateOp{Kind: KindDelete, Key: []byte("x")}))

	req, err := ReadRequest(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, VerbReplicate, req.Verb)
	require.Equal(t, []byte("x"), req.Key)
}
