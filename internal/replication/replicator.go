package replication

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/xapiand/xapiand-core/internal/config"
	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/logging"
	"github.com/xapiand/xapiand-core/internal/pool"
	"github.com/xapiand/xapiand-core/internal/wal"
)

// Replicator is the standalone retry loop that, for every endpoint
// configured as a follower, periodically dials its leader and runs one
// follower session — a supplemented feature grounded on
// original_source/src/replicator.cc (spec.md §4.5/§6.2's "jittered
// backoff" retry discipline, not otherwise detailed by spec.md proper).
type Replicator struct {
	Pool   *pool.DatabasePool
	WAL    *wal.WriterPool
	Logger logging.Logger
	Rep    config.Replication
	Dial   func(ctx context.Context, network, address string) (net.Conn, error)
}

// Follow runs one endpoint's retry loop until ctx is cancelled: dial the
// leader, run a follower session, and on any failure wait a jittered
// interval in [0, Rep.BackoffMax] before retrying (spec.md §6.2 "Retry/
// backoff").
func (r *Replicator) Follow(ctx context.Context, local endpoint.Endpoint, leader endpoint.Endpoint) {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard
	}
	dial := r.Dial
	if dial == nil {
		dial = defaultDialer
	}

	for {
		if ctx.Err() != nil {
			return
		}

		addr := net.JoinHostPort(leader.Host, strconv.Itoa(leader.BinaryPort))
		conn, err := dial(ctx, "tcp", addr)
		if err != nil {
			logger.Warningf("replication: dial %s failed: %v", addr, err)
			if !sleepBackoff(ctx, r.Rep.BackoffMax) {
				return
			}
			continue
		}

		err = RunFollower(ctx, conn, local, FollowerConfig{Pool: r.Pool, WAL: r.WAL, Logger: logger, Rep: r.Rep})
		conn.Close()
		if err != nil {
			logger.Warningf("replication: session with %s failed: %v", addr, err)
			if !sleepBackoff(ctx, r.Rep.BackoffMax) {
				return
			}
			continue
		}

		// A clean END_OF_CHANGES just means "caught up for now" — go
		// again after a short jittered pause rather than busy-looping.
		if !sleepBackoff(ctx, r.Rep.BackoffMax) {
			return
		}
	}
}

func defaultDialer(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// sleepBackoff waits a jittered interval in [0, max] (default 3s per
// spec.md §6.2), returning false if ctx was cancelled first.
func sleepBackoff(ctx context.Context, max time.Duration) bool {
	if max <= 0 {
		max = 3000 * time.Millisecond
	}
	d := time.Duration(rand.Int63n(int64(max) + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
