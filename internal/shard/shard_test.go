package shard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/wal"
	"github.com/xapiand/xapiand-core/internal/xapierr"
)

func openWritable(t *testing.T, dir string, w WALWriter) *Shard {
	t.Helper()
	ep := endpoint.Endpoint{Path: dir}
	s, err := Open(context.Background(), ep, CREATE_OR_OPEN|WRITABLE, w, nil)
	require.NoError(t, err)
	return s
}

func TestReplaceAndGetDocument(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()

	s := openWritable(t, dir, pool)
	defer s.Close(context.Background(), false, false)

	ctx := context.Background()
	require.NoError(t, s.ReplaceDocument(ctx, 1, []byte("hello"), MutateOptions{Commit: true}))

	doc, err := s.GetDocument(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), doc)

	length, err := s.GetDocLength(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(5), length)

	require.Equal(t, uint64(1), s.GetRevision())
}

func TestDeleteDocument(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()

	s := openWritable(t, dir, pool)
	defer s.Close(context.Background(), false, false)
	ctx := context.Background()

	require.NoError(t, s.ReplaceDocument(ctx, 1, []byte("hello"), MutateOptions{Commit: true}))
	require.NoError(t, s.DeleteDocument(ctx, 1, MutateOptions{Commit: true}))

	doc, err := s.GetDocument(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()

	s := openWritable(t, dir, pool)
	defer s.Close(context.Background(), false, false)
	ctx := context.Background()

	require.NoError(t, s.SetMetadata(ctx, []byte("schema"), []byte("v1"), MutateOptions{Commit: true}))
	v, err := s.GetMetadata(ctx, []byte("schema"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	keys, err := s.MetadataKeys(ctx, []byte("sch"))
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestSpellingFrequencyNeverGoesNegative(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()

	s := openWritable(t, dir, pool)
	defer s.Close(context.Background(), false, false)
	ctx := context.Background()

	require.NoError(t, s.AddSpelling(ctx, "color", 2, MutateOptions{Commit: true}))
	require.NoError(t, s.RemoveSpelling(ctx, "color", 5, MutateOptions{Commit: true}))

	freq, err := s.SpellingFrequency(ctx, "color")
	require.NoError(t, err)
	require.Zero(t, freq)
}

func TestReadOnlyShardRejectsMutation(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()

	writer := openWritable(t, dir, pool)
	require.NoError(t, writer.ReplaceDocument(context.Background(), 1, []byte("x"), MutateOptions{Commit: true}))
	writer.Close(context.Background(), false, false)

	ep := endpoint.Endpoint{Path: dir}
	reader, err := Open(context.Background(), ep, OPEN, nil, nil)
	require.NoError(t, err)
	defer reader.Close(context.Background(), false, false)

	err = reader.ReplaceDocument(context.Background(), 2, []byte("y"), MutateOptions{})
	require.Error(t, err)
	require.IsType(t, xapierr.NotWritable{}, err)
}

func TestClosedShardRejectsEverything(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()

	s := openWritable(t, dir, pool)
	require.NoError(t, s.Close(context.Background(), false, false))
	require.NoError(t, s.Close(context.Background(), false, false)) // idempotent

	err := s.ReplaceDocument(context.Background(), 1, []byte("x"), MutateOptions{})
	require.Error(t, err)
}

func TestCrashRecoveryReopensAtCommittedRevision(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)

	s := openWritable(t, dir, pool)
	ctx := context.Background()
	require.NoError(t, s.ReplaceDocument(ctx, 1, []byte("a"), MutateOptions{Commit: true}))
	require.NoError(t, s.ReplaceDocument(ctx, 2, []byte("b"), MutateOptions{Commit: true}))

	// Simulate a crash: close without flushing any extra in-memory state
	// (bbolt already fsynced each commit) and reopen against the same dir.
	require.NoError(t, s.Close(ctx, false, false))
	pool.Finish()

	pool2 := wal.NewWriterPool(1, 8, 4, nil)
	defer pool2.Finish()
	reopened := openWritable(t, dir, pool2)
	defer reopened.Close(ctx, false, false)

	doc, err := reopened.GetDocument(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), doc)
	require.Equal(t, uint64(2), reopened.GetRevision())
}

func TestReopenObservesNewerRevision(t *testing.T) {
	dir := t.TempDir()
	pool := wal.NewWriterPool(1, 8, 4, nil)
	defer pool.Finish()

	writer := openWritable(t, dir, pool)
	defer writer.Close(context.Background(), false, false)

	ep := endpoint.Endpoint{Path: dir}
	reader, err := OpenShared(context.Background(), ep, OPEN, writer.db, nil, nil)
	require.NoError(t, err)
	defer reader.Close(context.Background(), false, false)

	require.NoError(t, writer.ReplaceDocument(context.Background(), 1, []byte("a"), MutateOptions{Commit: true}))

	newer, err := reader.Reopen()
	require.NoError(t, err)
	require.True(t, newer)
	require.Equal(t, uint64(1), reader.GetRevision())
}

func TestTryAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	s := openWritable(t, dir, nil)
	defer s.Close(context.Background(), false, false)

	require.True(t, s.TryAcquire())
	require.False(t, s.TryAcquire())
	s.Release()
	require.True(t, s.TryAcquire())
}
