// Package server implements the TCP acceptor loop that terminates the client
// and replication wire protocols against a *store.Store. One goroutine
// accepts connections; each connection gets its own handler goroutine that
// loops reading requests until the client disconnects.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ppriyankuu/kvstore/internal/config"
	"github.com/ppriyankuu/kvstore/internal/kverrors"
	"github.com/ppriyankuu/kvstore/internal/protocol"
	"github.com/ppriyankuu/kvstore/internal/replication"
	"github.com/ppriyankuu/kvstore/internal/store"
)

// Server accepts client and replication connections and dispatches each
// request to the underlying store.
type Server struct {
	addr string
	role config.Role
	st   *store.Store
	log  *zap.SugaredLogger

	ln net.Listener
	wg sync.WaitGroup
}

// New constructs a Server bound to addr, serving st.
func New(addr string, role config.Role, st *store.Store, log *zap.SugaredLogger) *Server {
	return &Server{addr: addr, role: role, st: st, log: log}
}

// Serve opens the listener and accepts connections until Close is called.
// It blocks the calling goroutine; callers typically run it in a goroutine.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return kverrors.Wrap(err, kverrors.CodeIOError, "listen").WithDetail("addr", s.addr)
	}
	s.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			if s.log != nil {
				s.log.Warnw("accept error", "error", err)
			}
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections. Open connections are not closed:
// Serve returns only after every connection handler has exited, which
// happens when its client disconnects or sends an unreadable request.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

// Shutdown closes the listener, then waits for in-flight connection handlers
// to drain, up to ctx's deadline, so the daemon entrypoint's graceful-shutdown
// timeout actually bounds something rather than the ctx being constructed
// and discarded.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return kverrors.Wrap(ctx.Err(), kverrors.CodeIOError, "shutdown: connections still draining")
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		req, err := protocol.ReadRequest(r)
		if err != nil {
			return // EOF or unrecoverable framing error: drop the connection.
		}

		if err := s.dispatch(conn, req); err != nil {
			if s.log != nil {
				s.log.Debugw("request failed", "error", err)
			}
		}
	}
}

func (s *Server) dispatch(conn net.Conn, req protocol.Request) error {
	switch req.Verb {
	case protocol.VerbPut:
		if err := s.st.Put(req.Key, req.Value); err != nil {
			return protocol.WriteError(conn, err)
		}
		return protocol.WriteOK(conn)

	case protocol.VerbBatchPut:
		if err := s.st.BatchPut(req.Keys, req.Values); err != nil {
			return protocol.WriteError(conn, err)
		}
		return protocol.WriteOK(conn)

	case protocol.VerbRead:
		value, err := s.st.Read(req.Key)
		if err != nil {
			if kverrors.IsNotFound(err) {
				return protocol.WriteNotFound(conn)
			}
			return protocol.WriteError(conn, err)
		}
		return protocol.WriteValue(conn, value)

	case protocol.VerbReadRange:
		entries, err := s.st.ReadRange(req.Start, req.End)
		if err != nil {
			return protocol.WriteError(conn, err)
		}
		if len(entries) == 0 {
			return protocol.WriteNotFound(conn)
		}
		return protocol.WriteRangeResult(conn, entries)

	case protocol.VerbDelete:
		found, err := s.st.Delete(req.Key)
		if err != nil {
			return protocol.WriteError(conn, err)
		}
		if !found {
			return protocol.WriteNotFound(conn)
		}
		return protocol.WriteOK(conn)

	case protocol.VerbStats:
		return protocol.WriteStatsResponse(conn, s.buildStats())

	case protocol.VerbPing:
		return protocol.WritePong(conn)

	case protocol.VerbReplicate:
		// REPLICATE is only valid against a replica; a master returns ERROR.
		if s.role != config.RoleReplica {
			return protocol.WriteError(conn, kverrors.New(kverrors.CodeProtocol, "not a replica"))
		}
		op := requestToReplicatedOp(req)
		if err := s.st.ApplyReplicated(op); err != nil {
			return protocol.WriteError(conn, err)
		}
		return protocol.WriteOK(conn)

	default:
		return protocol.WriteError(conn, kverrors.New(kverrors.CodeProtocol, "unsupported verb"))
	}
}

// buildStats assembles the STATS admin response from the store's current
// counters and the replicator's health snapshot, if any.
func (s *Server) buildStats() protocol.Stats {
	size, _ := s.st.DataSize()
	healthy, unhealthy := 0, 0
	for _, st := range s.st.ReplicationStatuses() {
		if st.Healthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	return protocol.Stats{
		Role:                 string(s.st.Role()),
		KeyCount:             s.st.KeyCount(),
		DataFileSize:         size,
		UptimeSeconds:        int64(s.st.Uptime().Seconds()),
		ReplicasHealthy:      healthy,
		ReplicasUnhealthy:    unhealthy,
		ReplicationQueueSize: int(s.st.ReplicationDropped()),
	}
}

func requestToReplicatedOp(req protocol.Request) replication.Op {
	switch {
	case req.Keys != nil:
		return replication.Op{Kind: replication.OpBatchPut, Keys: req.Keys, Values: req.Values}
	case req.Value != nil:
		return replication.Op{Kind: replication.OpPut, Key: req.Key, Value: req.Value}
	default:
		return replication.Op{Kind: replication.OpDelete, Key: req.Key}
	}
}
