package replication

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/xapiand/xapiand-core/internal/config"
	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/logging"
	"github.com/xapiand/xapiand-core/internal/metrics"
	"github.com/xapiand/xapiand-core/internal/pool"
	"github.com/xapiand/xapiand-core/internal/shard"
	"github.com/xapiand/xapiand-core/internal/wal"
	"github.com/xapiand/xapiand-core/internal/xapierr"
)

// LeaderConfig bundles what a leader session needs to answer a follower's
// MSG_GET_CHANGESETS (spec.md §4.5 "Leader algorithm").
type LeaderConfig struct {
	Pool   *pool.DatabasePool
	Logger logging.Logger
	Rep    config.Replication
}

// ServeLeader runs the leader side of one replication session over conn
// for the shard at ep, until the session ends or ctx is cancelled. It
// returns nil once END_OF_CHANGES has been sent, and an error otherwise;
// metrics.ReplicationSessionsTotal records the outcome on every path.
func ServeLeader(ctx context.Context, conn net.Conn, ep endpoint.Endpoint, cfg LeaderConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard
	}
	logger := cfg.Logger
	fw := newFrameWriter(conn)
	fr := newFrameReader(conn, func() (string, error) { return os.MkdirTemp("", "xapiand-replication-leader-*") })

	uuid, revision, err := readCurrentState(ctx, cfg.Pool, ep)
	if err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("leader", "error").Inc()
		return err
	}

	if err := fw.writeMessage(ReplyWelcome, encodeWelcome(welcomePayload{UUID: uuid, Revision: revision, Path: ep.Path})); err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("leader", "error").Inc()
		return err
	}

	if cfg.Rep.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.Rep.IdleTimeout))
	}
	msg, err := fr.readMessage()
	if err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("leader", "error").Inc()
		return err
	}
	if msg.tag != MsgGetChangesets {
		metrics.ReplicationSessionsTotal.WithLabelValues("leader", "protocol-error").Inc()
		return xapierr.Protocol{State: "INIT", Detail: "expected MSG_GET_CHANGESETS, got " + msg.tag.String()}
	}
	req, err := decodeGetChangesets(msg.body)
	if err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("leader", "protocol-error").Inc()
		return err
	}

	from := req.FromRevision
	if from == 0 || req.RemoteUUID != uuid {
		from = 0
	}
	if from > 0 {
		wdir := ep.Path
		if !locateRevision(wdir, uuid, from) {
			from = 0
		}
	}

	if from == 0 {
		newFrom, err := leaderSnapshot(ctx, fw, cfg.Pool, ep, cfg.Rep)
		if err != nil {
			metrics.ReplicationSessionsTotal.WithLabelValues("leader", "error").Inc()
			return err
		}
		from = newFrom
	}

	if err := leaderChangesets(ctx, fw, cfg.Pool, ep, from, cfg.Rep); err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("leader", "error").Inc()
		return err
	}

	if err := fw.writeMessage(ReplyEndOfChanges, nil); err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("leader", "error").Inc()
		return err
	}
	metrics.ReplicationSessionsTotal.WithLabelValues("leader", "ok").Inc()
	logger.Infof("replication session to %s served from revision %d", conn.RemoteAddr(), from)
	return nil
}

// readCurrentState checks out a readable shard just long enough to read
// its uuid/revision, never holding the handle across network I/O (spec.md
// §5: "never holds a ShardEndpoint mutex across I/O").
func readCurrentState(ctx context.Context, p *pool.DatabasePool, ep endpoint.Endpoint) (wal.UUID, uint64, error) {
	s, ref, err := p.Checkout(ctx, ep, shard.CREATE_OR_OPEN, 5*time.Second, nil)
	if err != nil {
		return wal.UUID{}, 0, err
	}
	defer p.Checkin(ctx, s, ref)
	return s.GetUUID(), s.GetRevision(), nil
}

func locateRevision(dir string, uuid wal.UUID, revision uint64) bool {
	bases, err := wal.ListVolumeBases(dir)
	if err != nil || len(bases) == 0 {
		return false
	}
	base, ok := wal.VolumeBaseFor(bases, revision)
	if !ok {
		return false
	}
	return wal.SlotForRevision(revision, base) >= -1
}

// leaderSnapshot streams a full-database copy, retrying up to
// cfg.SnapshotRetries times if the database keeps changing underneath it
// (spec.md §4.5 step 4).
func leaderSnapshot(ctx context.Context, fw *frameWriter, p *pool.DatabasePool, ep endpoint.Endpoint, cfg config.Replication) (uint64, error) {
	retries := cfg.SnapshotRetries
	if retries <= 0 {
		retries = 5
	}
	metrics.ReplicationSnapshotAttempts.Inc()

	uuid, revision, err := readCurrentState(ctx, p, ep)
	if err != nil {
		return 0, err
	}

	for attempt := 0; attempt < retries; attempt++ {
		if err := fw.writeMessage(ReplyDBHeader, encodeDBHeader(dbHeaderPayload{UUID: uuid, Revision: revision})); err != nil {
			return 0, err
		}

		files, err := shard.EngineFiles(ep.Path)
		if err != nil {
			return 0, xapierr.IOError{Op: "list engine files", Err: err}
		}
		for _, path := range files {
			if err := streamFile(fw, path); err != nil {
				return 0, err
			}
		}

		_, nextRevision, err := readCurrentState(ctx, p, ep)
		if err != nil {
			return 0, err
		}
		if err := fw.writeMessage(ReplyDBFooter, encodeDBFooter(nextRevision)); err != nil {
			return 0, err
		}

		if nextRevision == revision {
			return revision, nil
		}
		revision = nextRevision
	}

	_ = fw.writeMessage(ReplyFail, []byte("Database changing too fast"))
	return 0, xapierr.IOError{Op: "snapshot", Err: errDatabaseChangingTooFast}
}

var errDatabaseChangingTooFast = protocolErr("database changing too fast")

type protocolErr string

func (e protocolErr) Error() string { return string(e) }

func streamFile(fw *frameWriter, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xapierr.IOError{Op: "open engine file for snapshot", Err: err}
	}
	defer f.Close()

	name := baseName(path)
	if err := fw.writeMessage(ReplyDBFilename, []byte(name)); err != nil {
		return err
	}
	return fw.writeFile(ReplyDBFiledata, f)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// leaderChangesets streams WAL records from `from` up to the current
// revision, over up to cfg.ChangesetRounds rounds to account for writes
// landing while streaming is in progress (spec.md §4.5 step 5).
func leaderChangesets(ctx context.Context, fw *frameWriter, p *pool.DatabasePool, ep endpoint.Endpoint, from uint64, cfg config.Replication) error {
	rounds := cfg.ChangesetRounds
	if rounds <= 0 {
		rounds = 5
	}
	uuid, revision, err := readCurrentState(ctx, p, ep)
	if err != nil {
		return err
	}

	for round := 0; round < rounds; round++ {
		if from >= revision {
			return nil
		}
		records, err := wal.ReadSince(ep.Path, uuid, from)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := fw.writeMessage(ReplyChangeset, encodeChangeset(rec)); err != nil {
				return err
			}
			if rec.Type == wal.OpCommit {
				from = rec.Revision
			}
		}
		_, revision, err = readCurrentState(ctx, p, ep)
		if err != nil {
			return err
		}
	}
	return nil
}
