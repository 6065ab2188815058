// Package kvclient implements a small TCP client for the wire protocol in
// internal/protocol, used by cmd/kvcli. It dials a fresh TCP connection per
// call rather than pooling one, matching the short-lived-connection idiom
// the replication pipeline already uses on the server side.
package kvclient

import (
	"bufio"
	"net"
	"time"

	"github.com/ppriyankuu/kvstore/internal/kverrors"
	"github.com/ppriyankuu/kvstore/internal/protocol"
)

// Client talks to one kvserver node over TCP.
type Client struct {
	addr    string
	timeout time.Duration
}

// New constructs a Client for addr with the given per-call timeout.
func New(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, kverrors.Wrap(err, kverrors.CodeIOError, "dial server").WithDetail("addr", c.addr)
	}
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		conn.Close()
		return nil, kverrors.Wrap(err, kverrors.CodeIOError, "set deadline")
	}
	return conn, nil
}

// Put stores key/value.
func (c *Client) Put(key, value []byte) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WritePut(conn, key, value); err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "send put")
	}
	return protocol.ReadSimpleResponse(bufio.NewReader(conn))
}

// BatchPut stores N key/value pairs atomically from the caller's perspective.
func (c *Client) BatchPut(keys, values [][]byte) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteBatchPut(conn, keys, values); err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "send batchput")
	}
	return protocol.ReadSimpleResponse(bufio.NewReader(conn))
}

// Get reads one key. Returns kverrors.ErrNotFound if absent.
func (c *Client) Get(key []byte) ([]byte, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := protocol.WriteRead(conn, key); err != nil {
		return nil, kverrors.Wrap(err, kverrors.CodeIOError, "send read")
	}
	return protocol.ReadValueResponse(bufio.NewReader(conn))
}

// GetRange reads every key in the closed interval [start, end].
func (c *Client) GetRange(start, end []byte) (map[string][]byte, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := protocol.WriteReadRange(conn, start, end); err != nil {
		return nil, kverrors.Wrap(err, kverrors.CodeIOError, "send readrange")
	}
	return protocol.ReadRangeResponse(bufio.NewReader(conn))
}

// Ping checks that a node is alive and responding, via the PING admin
// command.
func (c *Client) Ping() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WritePing(conn); err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "send ping")
	}
	return protocol.ReadPongResponse(bufio.NewReader(conn))
}

// Stats fetches the node's health/size snapshot via the STATS admin command.
func (c *Client) Stats() (protocol.Stats, error) {
	conn, err := c.dial()
	if err != nil {
		return protocol.Stats{}, err
	}
	defer conn.Close()

	if err := protocol.WriteStats(conn); err != nil {
		return protocol.Stats{}, kverrors.Wrap(err, kverrors.CodeIOError, "send stats")
	}
	return protocol.ReadStatsResponse(bufio.NewReader(conn))
}

// Delete removes key. Returns kverrors.ErrNotFound if it was already absent.
func (c *Client) Delete(key []byte) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteDelete(conn, key); err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "send delete")
	}
	return protocol.ReadSimpleResponse(bufio.NewReader(conn))
}
