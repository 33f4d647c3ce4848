package replication

import (
	"context"
	"net"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xapiand/xapiand-core/internal/config"
	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/pool"
	"github.com/xapiand/xapiand-core/internal/shard"
	"github.com/xapiand/xapiand-core/internal/wal"
)

func newTestPool(t *testing.T, w *wal.WriterPool) *pool.DatabasePool {
	t.Helper()
	return pool.New(16, pool.Options{MaxReaders: 2, WALWriter: w})
}

// TestSnapshotReplication is spec.md scenario S2: a fresh follower with an
// empty path receives a full snapshot from a leader holding documents.
func TestSnapshotReplication(t *testing.T) {
	leaderWAL := wal.NewWriterPool(2, 16, 4, nil)
	defer leaderWAL.Finish()
	leaderEp := endpoint.Endpoint{Path: t.TempDir()}
	leaderPool := newTestPool(t, leaderWAL)

	ctx := context.Background()
	ls, lref, err := leaderPool.Checkout(ctx, leaderEp, shard.CREATE_OR_OPEN|shard.WRITABLE, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ls.ReplaceDocument(ctx, 1, []byte("x"), shard.MutateOptions{Commit: true}))
	require.NoError(t, ls.ReplaceDocument(ctx, 2, []byte("y"), shard.MutateOptions{Commit: true}))
	leaderUUID := ls.GetUUID()
	leaderRevision := ls.GetRevision()
	require.Equal(t, uint64(2), leaderRevision)
	leaderPool.Checkin(ctx, ls, lref)

	followerWAL := wal.NewWriterPool(2, 16, 4, nil)
	defer followerWAL.Finish()
	followerEp := endpoint.Endpoint{Path: t.TempDir()}
	followerPool := newTestPool(t, followerWAL)

	serverConn, clientConn := net.Pipe()
	rep := config.Replication{IdleTimeout: 5 * time.Second, ActiveTimeout: 5 * time.Second, SnapshotRetries: 5, ChangesetRounds: 5}

	leaderErr := make(chan error, 1)
	go func() {
		leaderErr <- ServeLeader(ctx, serverConn, leaderEp, LeaderConfig{Pool: leaderPool, Rep: rep})
	}()

	err = RunFollower(ctx, clientConn, followerEp, FollowerConfig{Pool: followerPool, WAL: followerWAL, Rep: rep})
	require.NoError(t, err)
	require.NoError(t, <-leaderErr)

	fs, fref, err := followerPool.Checkout(ctx, followerEp, shard.OPEN, 0, nil)
	require.NoError(t, err)
	defer followerPool.Checkin(ctx, fs, fref)

	require.Equal(t, leaderUUID, fs.GetUUID())
	require.Equal(t, leaderRevision, fs.GetRevision())

	doc1, err := fs.GetDocument(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), doc1)
	doc2, err := fs.GetDocument(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("y"), doc2)
}

// TestChangesetOnlyReplication is spec.md scenario S3: a follower already
// caught up to the leader's UUID at an earlier revision receives only the
// WAL tail, with no temp directory or file replace involved.
func TestChangesetOnlyReplication(t *testing.T) {
	leaderWAL := wal.NewWriterPool(2, 64, 4, nil)
	defer leaderWAL.Finish()
	leaderEp := endpoint.Endpoint{Path: t.TempDir()}
	leaderPool := newTestPool(t, leaderWAL)
	ctx := context.Background()

	ls, lref, err := leaderPool.Checkout(ctx, leaderEp, shard.CREATE_OR_OPEN|shard.WRITABLE, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ls.ReplaceDocument(ctx, 1, []byte("first"), shard.MutateOptions{Commit: true}))
	leaderPool.Checkin(ctx, ls, lref)

	followerWAL := wal.NewWriterPool(2, 64, 4, nil)
	defer followerWAL.Finish()
	followerEp := endpoint.Endpoint{Path: t.TempDir()}
	followerPool := newTestPool(t, followerWAL)

	rep := config.Replication{IdleTimeout: 5 * time.Second, ActiveTimeout: 5 * time.Second, SnapshotRetries: 5, ChangesetRounds: 5}

	// First session: snapshot bootstrap brings the follower to revision 1
	// with the leader's uuid.
	runOneSession(t, ctx, leaderPool, leaderEp, followerPool, followerWAL, followerEp, rep)

	// Leader advances further.
	ls, lref, err = leaderPool.Checkout(ctx, leaderEp, shard.CREATE_OR_OPEN|shard.WRITABLE, 0, nil)
	require.NoError(t, err)
	require.NoError(t, ls.ReplaceDocument(ctx, 2, []byte("second"), shard.MutateOptions{Commit: true}))
	leaderRevision := ls.GetRevision()
	require.Equal(t, uint64(2), leaderRevision)
	leaderPool.Checkin(ctx, ls, lref)

	entriesBefore, err := dirEntries(followerEp.Path)
	require.NoError(t, err)

	// Second session should be changeset-only: no new temp dir appears;
	// the applied changeset is logged to the follower's own first WAL
	// volume (wal.1), which is the only entry it adds.
	runOneSession(t, ctx, leaderPool, leaderEp, followerPool, followerWAL, followerEp, rep)

	fs, fref, err := followerPool.Checkout(ctx, followerEp, shard.OPEN, 0, nil)
	require.NoError(t, err)
	defer followerPool.Checkin(ctx, fs, fref)
	require.Equal(t, leaderRevision, fs.GetRevision())
	doc2, err := fs.GetDocument(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), doc2)

	entriesAfter, err := dirEntries(followerEp.Path)
	require.NoError(t, err)
	require.Equal(t, append(entriesBefore, "wal.1"), entriesAfter, "changeset-only mode must not leave behind extra files")
}

func runOneSession(t *testing.T, ctx context.Context, leaderPool *pool.DatabasePool, leaderEp endpoint.Endpoint, followerPool *pool.DatabasePool, followerWAL *wal.WriterPool, followerEp endpoint.Endpoint, rep config.Replication) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	leaderErr := make(chan error, 1)
	go func() {
		leaderErr <- ServeLeader(ctx, serverConn, leaderEp, LeaderConfig{Pool: leaderPool, Rep: rep})
	}()
	require.NoError(t, RunFollower(ctx, clientConn, followerEp, FollowerConfig{Pool: followerPool, WAL: followerWAL, Rep: rep}))
	require.NoError(t, <-leaderErr)
}

func dirEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
