package replication

import (
	"context"
	"net"
	"os"
	"path/filepath"
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

// FollowerConfig bundles what a follower session needs to drive spec.md
// §4.5's follower state machine.
type FollowerConfig struct {
	Pool   *pool.DatabasePool
	WAL    *wal.WriterPool
	Logger logging.Logger
	Rep    config.Replication
	// OnClusterReady, if set, fires once after a snapshot transfer is
	// promoted, mirroring spec.md §4.5 "mark the cluster-database ready
	// if this was a cluster-database bootstrap".
	OnClusterReady func()
}

// followerState tracks one in-progress transfer across messages (spec.md
// §4.5 follower state machine: INIT -> STREAMING -> (SNAPSHOT|CHANGES) ->
// CAUGHT_UP).
type followerState struct {
	tempDir          string
	expectedUUID     wal.UUID
	expectedRevision uint64
	pendingFilename  string
	snapshot         *shard.Shard // the in-progress "switch database", once opened
	gotFooter        bool
}

// RunFollower drives one replication session as the follower for localEp,
// over an already-established conn (spec.md §4.5 "Follower algorithm").
func RunFollower(ctx context.Context, conn net.Conn, localEp endpoint.Endpoint, cfg FollowerConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard
	}
	logger := cfg.Logger

	var st followerState
	fw := newFrameWriter(conn)
	fr := newFrameReader(conn, func() (string, error) {
		if st.tempDir != "" {
			return st.tempDir, nil
		}
		return os.MkdirTemp("", "xapiand-replication-follower-*")
	})

	if cfg.Rep.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.Rep.IdleTimeout))
	}
	msg, err := fr.readMessage()
	if err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
		return err
	}
	if msg.tag != ReplyWelcome {
		metrics.ReplicationSessionsTotal.WithLabelValues("follower", "protocol-error").Inc()
		return xapierr.Protocol{State: "INIT", Detail: "expected REPLY_WELCOME, got " + msg.tag.String()}
	}
	welcome, err := decodeWelcome(msg.body)
	if err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("follower", "protocol-error").Inc()
		return err
	}
	logger.Infof("replication: leader %s welcomed us at revision %d for %s", conn.RemoteAddr(), welcome.Revision, welcome.Path)

	localUUID, localRevision, err := readCurrentState(ctx, cfg.Pool, localEp)
	if err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
		return err
	}
	if err := fw.writeMessage(MsgGetChangesets, encodeGetChangesets(getChangesetsPayload{
		RemoteUUID: localUUID, FromRevision: localRevision, Path: localEp.Path,
	})); err != nil {
		metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
		return err
	}

	defer func() {
		if st.snapshot != nil {
			_ = st.snapshot.Close(ctx, false, false)
		}
		if st.tempDir != "" {
			_ = os.RemoveAll(st.tempDir)
		}
	}()

	for {
		if cfg.Rep.ActiveTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.Rep.ActiveTimeout))
		}
		msg, err := fr.readMessage()
		if err != nil {
			metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
			return err
		}

		switch msg.tag {
		case ReplyDBHeader:
			if err := followerOnDBHeader(&st, localEp, msg.body); err != nil {
				metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
				return err
			}

		case ReplyDBFilename:
			st.pendingFilename = string(msg.body)

		case ReplyDBFiledata:
			if err := followerOnDBFiledata(&st, msg); err != nil {
				metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
				return err
			}

		case ReplyDBFooter:
			if err := followerOnDBFooter(ctx, &st, cfg, msg.body); err != nil {
				metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
				return err
			}

		case ReplyChangeset:
			if err := followerOnChangeset(ctx, &st, cfg, localEp, msg.body); err != nil {
				metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
				return err
			}

		case ReplyEndOfChanges:
			if err := followerOnEndOfChanges(ctx, &st, cfg, localEp); err != nil {
				metrics.ReplicationSessionsTotal.WithLabelValues("follower", "error").Inc()
				return err
			}
			metrics.ReplicationSessionsTotal.WithLabelValues("follower", "ok").Inc()
			return nil

		case ReplyFail:
			metrics.ReplicationSessionsTotal.WithLabelValues("follower", "fail").Inc()
			logger.Warningf("replication session failed: %s", string(msg.body))
			return xapierr.IOError{Op: "replication session", Err: protocolErr(string(msg.body))}

		default:
			metrics.ReplicationSessionsTotal.WithLabelValues("follower", "protocol-error").Inc()
			return xapierr.Protocol{State: "STREAMING", Detail: "unexpected tag " + msg.tag.String()}
		}
	}
}

// followerOnDBHeader resets any in-progress transfer and opens a fresh
// temp directory (spec.md §4.5 "DB_HEADER").
func followerOnDBHeader(st *followerState, localEp endpoint.Endpoint, body []byte) error {
	hdr, err := decodeDBHeader(body)
	if err != nil {
		return err
	}
	if st.snapshot != nil {
		_ = st.snapshot.Close(context.Background(), false, false)
		st.snapshot = nil
	}
	if st.tempDir != "" {
		_ = os.RemoveAll(st.tempDir)
	}
	if err := os.MkdirAll(localEp.Path, 0o755); err != nil {
		return xapierr.IOError{Op: "mkdir endpoint path", Err: err}
	}
	tmp, err := os.MkdirTemp(localEp.Path, ".tmp.")
	if err != nil {
		return xapierr.IOError{Op: "create replication temp dir", Err: err}
	}
	st.tempDir = tmp
	st.expectedUUID = hdr.UUID
	st.expectedRevision = hdr.Revision
	st.gotFooter = false
	return nil
}

// followerOnDBFiledata renames the streamed temp file to the path recorded
// by the most recent DB_FILENAME (spec.md §4.5 "DB_FILEDATA").
func followerOnDBFiledata(st *followerState, msg message) error {
	if st.tempDir == "" || st.pendingFilename == "" {
		return xapierr.Protocol{State: "SNAPSHOT", Detail: "DB_FILEDATA with no pending filename"}
	}
	target := filepath.Join(st.tempDir, st.pendingFilename)
	if err := os.Rename(msg.filePath, target); err != nil {
		return xapierr.IOError{Op: "rename streamed snapshot file", Err: err}
	}
	st.pendingFilename = ""
	return nil
}

// followerOnDBFooter validates the snapshot's ending revision against what
// the header promised, discarding the transfer on mismatch (spec.md §4.5
// "DB_FOOTER").
func followerOnDBFooter(ctx context.Context, st *followerState, cfg FollowerConfig, body []byte) error {
	revision, err := decodeDBFooter(body)
	if err != nil {
		return err
	}
	if revision != st.expectedRevision {
		cfg.Logger.Warningf("replication snapshot footer revision %d != expected %d, discarding", revision, st.expectedRevision)
		_ = os.RemoveAll(st.tempDir)
		st.tempDir = ""
		return nil
	}
	st.gotFooter = true
	return nil
}

// followerOnChangeset applies one WAL record either to the in-progress
// snapshot database (if a transfer is underway) or to the live database
// (spec.md §4.5 "CHANGESET(line)").
func followerOnChangeset(ctx context.Context, st *followerState, cfg FollowerConfig, localEp endpoint.Endpoint, body []byte) error {
	rec, err := decodeChangeset(body)
	if err != nil {
		return xapierr.Protocol{State: "CHANGES", Detail: "undecodable REPLY_CHANGESET body"}
	}

	if st.tempDir != "" && st.gotFooter {
		if st.snapshot == nil {
			ep := endpoint.Endpoint{Path: st.tempDir}
			sh, err := shard.Open(ctx, ep, shard.WRITABLE|shard.NO_WAL, cfg.WAL, cfg.Logger)
			if err != nil {
				return err
			}
			if err := sh.BeginTransaction(false); err != nil {
				sh.Close(ctx, false, false)
				return err
			}
			st.snapshot = sh
		}
		return applyChangeset(ctx, st.snapshot, cfg.WAL, st.tempDir, rec)
	}

	s, ref, err := cfg.Pool.Checkout(ctx, localEp, shard.CREATE_OR_OPEN|shard.WRITABLE, 5*time.Second, nil)
	if err != nil {
		return err
	}
	defer cfg.Pool.Checkin(ctx, s, ref)
	if err := s.BeginTransaction(false); err != nil {
		return err
	}
	defer s.CancelTransaction()
	return applyChangeset(ctx, s, cfg.WAL, localEp.Path, rec)
}

// applyChangeset persists rec into dir's own WAL and materialises it onto
// sh, mirroring spec.md §4.5's "append the line to its WAL which executes
// it": the append (durability) and the execution (state change) are two
// sides of the same call here, just as the record's own commit entry
// (OpCommit) both advances the revision counter and marks the WAL write
// durable.
func applyChangeset(ctx context.Context, sh *shard.Shard, walWriter *wal.WriterPool, dir string, rec wal.Record) error {
	if walWriter != nil {
		if err := walWriter.Write(ctx, wal.Task{
			Dir: dir, UUID: sh.GetUUID(), Revision: rec.Revision, Op: rec.Type, Payload: rec.Payload, Sync: true,
		}); err != nil {
			return err
		}
	}
	return sh.Apply(ctx, rec)
}

// followerOnEndOfChanges finishes the session: if a snapshot transfer is
// in progress, it is promoted into place under the endpoint's exclusive
// lock; otherwise there is nothing further to do (spec.md §4.5
// "END_OF_CHANGES").
func followerOnEndOfChanges(ctx context.Context, st *followerState, cfg FollowerConfig, localEp endpoint.Endpoint) error {
	if st.tempDir == "" {
		return nil
	}
	if st.snapshot != nil {
		_ = st.snapshot.Close(ctx, false, false)
		st.snapshot = nil
	}

	ref, err := cfg.Pool.Lock(ctx, localEp, cfg.Rep.ActiveTimeout)
	if err != nil {
		return err
	}
	defer cfg.Pool.Unlock(ref)

	if err := promoteSnapshot(localEp.Path, st.tempDir); err != nil {
		return err
	}
	st.tempDir = ""

	// Force the live endpoint to forget its now-stale *bolt.DB handle —
	// the file it pointed at was just replaced wholesale — so the next
	// checkout reopens against the promoted files (still safe: we hold
	// the exclusive lock, so no checkout can race this).
	ref.Endpoint.Clear(ctx, true)

	if cfg.OnClusterReady != nil {
		cfg.OnClusterReady()
	}
	return nil
}

// promoteSnapshot replaces liveDir's contents with tempDir's by removing
// each live entry and then renaming each staged entry into place; the
// sequence as a whole is not atomic, and the caller holds the endpoint's
// exclusive lock while it runs (spec.md §4.5 "Delete live files matching *glass and wal.*" + "Move all
// files from the temp directory over the live directory"). Generalised
// here to "every non-temp entry in liveDir" since our stand-in engine's
// on-disk layout is a single shard.bolt file plus wal.<rev> volumes rather
// than the Xapian glass family — the same replace-then-promote shape
// applies regardless of how many files the engine uses.
func promoteSnapshot(liveDir, tempDir string) error {
	entries, err := os.ReadDir(liveDir)
	if err != nil {
		return xapierr.IOError{Op: "list live dir for promotion", Err: err}
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Join(liveDir, name) == tempDir {
			continue
		}
		if e.IsDir() && (len(name) >= 5 && name[:5] == ".tmp.") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(liveDir, name)); err != nil {
			return xapierr.IOError{Op: "remove live file during promotion", Err: err}
		}
	}

	tmpEntries, err := os.ReadDir(tempDir)
	if err != nil {
		return xapierr.IOError{Op: "list temp dir for promotion", Err: err}
	}
	for _, e := range tmpEntries {
		src := filepath.Join(tempDir, e.Name())
		dst := filepath.Join(liveDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return xapierr.IOError{Op: "move temp file into live dir", Err: err}
		}
	}
	return os.Remove(tempDir)
}
