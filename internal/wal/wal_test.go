package wal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVolumeWriteAndReplay(t *testing.T) {
	dir := t.TempDir()
	uuid := UUID{1, 2, 3}

	pool := NewWriterPool(2, 8, 4, nil)
	defer pool.Finish()

	ctx := context.Background()
	require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: 1, Op: OpReplaceDocument, Payload: ReplaceDocumentPayload(1, []byte("a")), Sync: true}))
	require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: 1, Op: OpCommit, Sync: true}))
	require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: 2, Op: OpReplaceDocument, Payload: ReplaceDocumentPayload(2, []byte("b")), Sync: true}))
	require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: 2, Op: OpCommit, Sync: true}))

	var applied []Record
	applier := applierFunc(func(ctx context.Context, rec Record) error {
		applied = append(applied, rec)
		return nil
	})

	require.NoError(t, Replay(ctx, dir, uuid, 0, applier))
	require.Len(t, applied, 4)
	require.Equal(t, OpCommit, applied[1].Type)
	require.Equal(t, uint64(1), applied[1].Revision)
	require.Equal(t, OpCommit, applied[3].Type)
	require.Equal(t, uint64(2), applied[3].Revision)
}

func TestReplayFailsOnUnreachedRevision(t *testing.T) {
	dir := t.TempDir()
	uuid := UUID{9}
	pool := NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()
	ctx := context.Background()

	require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: 1, Op: OpReplaceDocument, Payload: ReplaceDocumentPayload(1, []byte("a")), Sync: true}))
	require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: 1, Op: OpCommit, Sync: true}))

	applier := applierFunc(func(ctx context.Context, rec Record) error { return nil })
	err := Replay(ctx, dir, uuid, 5, applier)
	require.Error(t, err)
}

func TestVolumeRotation(t *testing.T) {
	dir := t.TempDir()
	uuid := UUID{7}
	pool := NewWriterPool(1, 2, 4, nil) // slot count 2: rotate after 2 revisions
	defer pool.Finish()
	ctx := context.Background()

	for rev := uint64(1); rev <= 3; rev++ {
		require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: rev, Op: OpReplaceDocument, Payload: ReplaceDocumentPayload(rev, []byte("x")), Sync: true}))
		require.NoError(t, pool.Write(ctx, Task{Dir: dir, UUID: uuid, Revision: rev, Op: OpCommit, Sync: true}))
	}

	bases, err := ListVolumeBases(dir)
	require.NoError(t, err)
	require.Len(t, bases, 2) // wal.0 (revisions 1-2) and wal.2 (revision 3)
	require.Equal(t, uint64(0), bases[0])
	require.Equal(t, uint64(2), bases[1])
}

func TestWriteIntoSlotWithEmptyPredecessorFails(t *testing.T) {
	dir := t.TempDir()
	uuid := UUID{3}
	vol, err := OpenOrCreate(dir, 0, uuid, 8)
	require.NoError(t, err)
	defer vol.Close()

	// Revision 3 maps to slot 2, but slot 1 (revision 2) was never written.
	err = vol.WriteRecord(Record{Revision: 3, Type: OpCommit}, true)
	require.Error(t, err)
}

func TestOpenFailsOnUUIDMismatch(t *testing.T) {
	dir := t.TempDir()
	vol, err := OpenOrCreate(dir, 0, UUID{1}, 8)
	require.NoError(t, err)
	vol.Close()

	_, err = Open(dir, 0, UUID{2})
	require.Error(t, err)
}

type applierFunc func(ctx context.Context, rec Record) error

func (f applierFunc) Apply(ctx context.Context, rec Record) error { return f(ctx, rec) }
