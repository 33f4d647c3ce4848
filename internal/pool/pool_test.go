package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/shard"
)

func testPool(t *testing.T) *DatabasePool {
	t.Helper()
	return New(16, Options{MaxReaders: 2})
}

func TestCheckoutWritableExclusivity(t *testing.T) {
	dir := t.TempDir()
	ep := endpoint.Endpoint{Path: dir}
	p := testPool(t)
	ctx := context.Background()

	s1, ref1, err := p.Checkout(ctx, ep, shard.CREATE_OR_OPEN|shard.WRITABLE, 0, nil)
	require.NoError(t, err)
	require.True(t, s1.IsBusy())

	_, _, err = p.Checkout(ctx, ep, shard.CREATE_OR_OPEN|shard.WRITABLE, 0, nil)
	require.Error(t, err)

	p.Checkin(ctx, s1, ref1)
	require.False(t, s1.IsBusy())
}

// S4 — timeout and callback.
func TestTimeoutAndCallbackDrainOnCheckin(t *testing.T) {
	dir := t.TempDir()
	ep := endpoint.Endpoint{Path: dir}
	p := testPool(t)
	ctx := context.Background()

	s1, ref1, err := p.Checkout(ctx, ep, shard.CREATE_OR_OPEN|shard.WRITABLE, 0, nil)
	require.NoError(t, err)

	var ran int32
	var mu sync.Mutex
	callback := func() {
		mu.Lock()
		ran++
		mu.Unlock()
	}

	_, _, err = p.Checkout(ctx, ep, shard.WRITABLE, 50*time.Millisecond, callback)
	require.Error(t, err)

	mu.Lock()
	require.Equal(t, int32(0), ran)
	mu.Unlock()

	p.Checkin(ctx, s1, ref1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 1
	}, time.Second, 10*time.Millisecond)
}

// S6 — exclusive lock blocks readers.
func TestExclusiveLockBlocksCheckouts(t *testing.T) {
	dir := t.TempDir()
	ep := endpoint.Endpoint{Path: dir}
	p := testPool(t)
	ctx := context.Background()

	w, wref, err := p.Checkout(ctx, ep, shard.CREATE_OR_OPEN|shard.WRITABLE, 0, nil)
	require.NoError(t, err)
	p.Checkin(ctx, w, wref)

	r1, ref1, err := p.Checkout(ctx, ep, shard.OPEN, 0, nil)
	require.NoError(t, err)
	r2, ref2, err := p.Checkout(ctx, ep, shard.OPEN, 0, nil)
	require.NoError(t, err)

	lockDone := make(chan struct{})
	go func() {
		lref, err := p.Lock(ctx, ep, 2*time.Second)
		require.NoError(t, err)
		close(lockDone)
		time.Sleep(50 * time.Millisecond)
		p.Unlock(lref)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-lockDone:
		t.Fatal("lock acquired before readers checked in")
	default:
	}

	_, _, err = p.Checkout(ctx, ep, shard.OPEN, 100*time.Millisecond, nil)
	require.Error(t, err)

	p.Checkin(ctx, r1, ref1)
	p.Checkin(ctx, r2, ref2)

	select {
	case <-lockDone:
	case <-time.After(2 * time.Second):
		t.Fatal("lock never acquired after readers released")
	}

	r3, ref3, err := p.Checkout(ctx, ep, shard.OPEN, time.Second, nil)
	require.NoError(t, err)
	p.Checkin(ctx, r3, ref3)
}

func TestSpawnReferenceCounting(t *testing.T) {
	ep := endpoint.Endpoint{Path: t.TempDir()}
	p := testPool(t)

	ref1 := p.Spawn(ep)
	ref2 := p.Spawn(ep)
	require.Same(t, ref1.Endpoint, ref2.Endpoint)
	ref1.Release()
	ref2.Release()
}
