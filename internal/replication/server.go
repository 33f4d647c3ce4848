package replication

import (
	"context"
	"net"
	"strconv"

	"github.com/xapiand/xapiand-core/internal/config"
	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/logging"
	"github.com/xapiand/xapiand-core/internal/pool"
)

// Server is the leader-side TCP listener for the binary replication
// protocol (spec.md §6.2: "separate TCP listeners for the binary
// (replication) protocol and for HTTP"). Each accepted connection is
// expected to carry exactly one session for one endpoint, resolved by
// EndpointForConn — in the reference system this comes from a preceding
// handshake on the same binary protocol; here it is supplied by the
// caller so the core stays agnostic of that handshake (out of spec.md's
// scope per §1 Non-goals).
type Server struct {
	Pool            *pool.DatabasePool
	Logger          logging.Logger
	Rep             config.Replication
	EndpointForConn func(net.Conn) (endpoint.Endpoint, error)
}

// ListenAndServe binds port and serves replication sessions until ctx is
// cancelled or the listener errors.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logger := s.Logger
	if logger == nil {
		logger = logging.Discard
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handle(ctx, conn, logger)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, logger logging.Logger) {
	defer conn.Close()
	ep, err := s.EndpointForConn(conn)
	if err != nil {
		logger.Warningf("replication: could not resolve endpoint for %s: %v", conn.RemoteAddr(), err)
		return
	}
	if err := ServeLeader(ctx, conn, ep, LeaderConfig{Pool: s.Pool, Logger: logger, Rep: s.Rep}); err != nil {
		logger.Warningf("replication: session with %s for %s failed: %v", conn.RemoteAddr(), ep.String(), err)
	}
}
