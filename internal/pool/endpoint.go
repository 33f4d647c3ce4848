// Package pool implements spec.md's C2 ShardEndpoint and C3 DatabasePool:
// per-path checkout/checkin of writable and readable Shard handles, an
// exclusive lock used by replication snapshot promotion, and a
// process-wide LRU of endpoints with autocommit and cleanup.
//
// Grounded on the teacher's database.go connection-lifecycle pattern
// (Config-driven Open/Close, a single guarded handle), generalized from
// one handle per process to one writable plus N readable handles per
// endpoint, condvar-coordinated the way spec.md §4.2 describes.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/logging"
	"github.com/xapiand/xapiand-core/internal/shard"
	"github.com/xapiand/xapiand-core/internal/xapierr"
)

const (
	localUpdateThreshold  = 10 * time.Second
	remoteUpdateThreshold = 3 * time.Second
	waitTickInterval      = time.Second
)

// Callback is queued when a checkout cannot be satisfied immediately, to
// be run once the endpoint next frees up (spec.md §5 "deferred-retry").
type Callback func()

// ShardEndpoint owns the writable and readable Shard handles for one
// database path (spec.md §4.2).
type ShardEndpoint struct {
	ep         endpoint.Endpoint
	maxReaders int
	walWriter  shard.WALWriter
	logger     logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	db       *bolt.DB // one bbolt handle shared by writable + all readable Shards
	writable *shard.Shard
	readers  []*shard.Shard

	finished atomic.Bool
	locked   atomic.Bool
	locks    *int64 // shared with the owning pool

	localRevision uint64
	deferred      []Callback

	lastCommitAt   time.Time
	pendingWrite   bool
	firstPendingAt time.Time
	autocommitTmr  *time.Timer
	debounceMin    time.Duration
	debounceMax    time.Duration
	autocommitFunc func()
}

// Options configures a freshly spawned ShardEndpoint.
type Options struct {
	MaxReaders  int
	WALWriter   shard.WALWriter
	Logger      logging.Logger
	DebounceMin time.Duration
	DebounceMax time.Duration
}

func newShardEndpoint(ep endpoint.Endpoint, locks *int64, opts Options) *ShardEndpoint {
	if opts.MaxReaders <= 0 {
		opts.MaxReaders = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard
	}
	if opts.DebounceMin <= 0 {
		opts.DebounceMin = time.Second
	}
	if opts.DebounceMax <= 0 {
		opts.DebounceMax = 5 * time.Second
	}
	e := &ShardEndpoint{
		ep:          ep,
		maxReaders:  opts.MaxReaders,
		walWriter:   opts.WALWriter,
		logger:      opts.Logger,
		locks:       locks,
		debounceMin: opts.DebounceMin,
		debounceMax: opts.DebounceMax,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetAutocommit installs the function invoked when the debounce window
// elapses after a writable checkin (spec.md §4.3 "Autocommit").
func (e *ShardEndpoint) SetAutocommit(f func()) {
	e.mu.Lock()
	e.autocommitFunc = f
	e.mu.Unlock()
}

// Endpoint returns the wrapped endpoint value.
func (e *ShardEndpoint) Endpoint() endpoint.Endpoint { return e.ep }

func (e *ShardEndpoint) waitTick() {
	timer := time.AfterFunc(waitTickInterval, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer timer.Stop()
	e.cond.Wait()
}

// ensureDB opens (if needed) and returns the shared *bolt.DB without
// holding e.mu across the blocking I/O (spec.md §5: "Under no
// circumstance does a thread hold both the pool mutex and an endpoint
// mutex while performing I/O" — the same discipline applies here to the
// endpoint mutex and bbolt's own file I/O).
func (e *ShardEndpoint) ensureDB(flags shard.Flags) (*bolt.DB, error) {
	e.mu.Lock()
	if e.db != nil {
		db := e.db
		e.mu.Unlock()
		return db, nil
	}
	e.mu.Unlock()

	db, err := shard.OpenDB(e.ep, flags)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.db != nil {
		// another goroutine won the race; keep its handle.
		db.Close()
		db = e.db
	} else {
		e.db = db
	}
	e.mu.Unlock()
	return db, nil
}

// closeDBLocked closes and forgets the shared handle once no Shard
// references it any longer. Must be called with e.mu held.
func (e *ShardEndpoint) closeDBLocked() {
	if e.db != nil {
		e.db.Close()
		e.db = nil
	}
}

func (e *ShardEndpoint) deferCallback(cb Callback) {
	if cb == nil {
		return
	}
	e.deferred = append(e.deferred, cb)
}

func (e *ShardEndpoint) drainDeferred() {
	e.mu.Lock()
	pending := e.deferred
	e.deferred = nil
	e.mu.Unlock()
	for _, cb := range pending {
		cb()
	}
}

// CheckoutWritable implements the writable path of spec.md §4.2's checkout
// algorithm.
func (e *ShardEndpoint) CheckoutWritable(ctx context.Context, flags shard.Flags, timeout time.Duration, onWait Callback) (*shard.Shard, error) {
	start := time.Now()
	flags |= shard.WRITABLE
	for {
		e.mu.Lock()
		if e.finished.Load() {
			e.mu.Unlock()
			return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "endpoint finished"}
		}

		if e.writable == nil {
			e.mu.Unlock()
			db, err := e.ensureDB(flags)
			if err != nil {
				return nil, err
			}
			w, err := shard.OpenShared(ctx, e.ep, flags, db, e.walWriter, e.logger)
			if err != nil {
				return nil, err
			}
			w.TryAcquire()
			e.mu.Lock()
			e.writable = w
			e.mu.Unlock()
			return w, nil
		}

		if !e.locked.Load() && e.writable.TryAcquire() {
			w := e.writable
			e.mu.Unlock()
			return w, nil
		}

		switch {
		case timeout == 0:
			e.deferCallback(onWait)
			e.mu.Unlock()
			return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "writable busy"}
		case timeout > 0:
			if time.Since(start) >= timeout {
				e.deferCallback(onWait)
				e.mu.Unlock()
				return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "writable checkout timed out"}
			}
			if err := ctx.Err(); err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.waitTick()
			e.mu.Unlock()
		default: // timeout < 0: wait forever, ticking
			if err := ctx.Err(); err != nil {
				e.mu.Unlock()
				return nil, err
			}
			e.waitTick()
			e.mu.Unlock()
		}
	}
}

// CheckoutReadable implements the readable path of spec.md §4.2's checkout
// algorithm, including the post-return reopen policy.
func (e *ShardEndpoint) CheckoutReadable(ctx context.Context, flags shard.Flags, timeout time.Duration, onWait Callback) (*shard.Shard, error) {
	start := time.Now()
	flags &^= shard.WRITABLE

	var s *shard.Shard
	for {
		e.mu.Lock()
		if e.finished.Load() {
			e.mu.Unlock()
			return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "endpoint finished"}
		}
		if e.locked.Load() {
			switch {
			case timeout == 0:
				e.deferCallback(onWait)
				e.mu.Unlock()
				return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "endpoint exclusively locked"}
			case timeout > 0 && time.Since(start) >= timeout:
				e.deferCallback(onWait)
				e.mu.Unlock()
				return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "endpoint exclusively locked"}
			}
			e.waitTick()
			e.mu.Unlock()
			continue
		}

		for _, r := range e.readers {
			if r.TryAcquire() {
				s = r
				break
			}
		}
		if s == nil && len(e.readers) < e.maxReaders {
			e.mu.Unlock()
			db, err := e.ensureDB(flags)
			if err != nil {
				return nil, err
			}
			opened, err := shard.OpenShared(ctx, e.ep, flags, db, e.walWriter, e.logger)
			if err != nil {
				return nil, err
			}
			opened.TryAcquire()
			e.mu.Lock()
			e.readers = append(e.readers, opened)
			s = opened
		}
		if s != nil {
			e.mu.Unlock()
			break
		}

		switch {
		case timeout == 0:
			e.deferCallback(onWait)
			e.mu.Unlock()
			return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "no readable slot available"}
		case timeout > 0:
			if time.Since(start) >= timeout {
				e.deferCallback(onWait)
				e.mu.Unlock()
				return nil, xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "readable checkout timed out"}
			}
			e.waitTick()
			e.mu.Unlock()
		default:
			e.waitTick()
			e.mu.Unlock()
		}
	}

	if needsReopen(s, e.ep.IsLocal(), e.localRevisionSnapshot()) {
		if newer, err := s.Reopen(); err == nil && newer {
			e.logger.Debugf("reopened readable shard at %s to revision %d", e.ep.String(), s.GetRevision())
		}
	}
	return s, nil
}

func (e *ShardEndpoint) localRevisionSnapshot() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localRevision
}

// needsReopen applies spec.md §4.2's reopen policy.
func needsReopen(s *shard.Shard, local bool, localRevision uint64) bool {
	age := time.Since(s.OpenedAt())
	if local {
		if age > localUpdateThreshold {
			return true
		}
		return localRevision != 0 && localRevision != s.GetRevision()
	}
	return age > remoteUpdateThreshold
}

// CheckinWritable implements spec.md §4.2's checkin algorithm for the
// writable slot.
func (e *ShardEndpoint) CheckinWritable(ctx context.Context, s *shard.Shard) {
	e.mu.Lock()
	retire := e.finished.Load() || e.locked.Load() || s.IsClosed()
	if retire {
		if e.writable == s {
			e.writable = nil
		}
		e.cond.Broadcast()
		e.mu.Unlock()
		_ = s.Close(ctx, true, false)
		e.drainDeferred()
		return
	}
	e.localRevision = s.GetRevision()
	s.Release()
	e.cond.Broadcast()
	e.mu.Unlock()

	e.scheduleAutocommit()
	e.drainDeferred()
}

// CheckinReadable implements spec.md §4.2's checkin algorithm for a
// readable handle.
func (e *ShardEndpoint) CheckinReadable(ctx context.Context, s *shard.Shard) {
	e.mu.Lock()
	retire := e.finished.Load() || e.locked.Load() || s.IsClosed()
	if retire {
		for i, r := range e.readers {
			if r == s {
				e.readers = append(e.readers[:i], e.readers[i+1:]...)
				break
			}
		}
		e.cond.Broadcast()
		e.mu.Unlock()
		_ = s.Close(ctx, false, false)
		e.drainDeferred()
		return
	}
	s.Release()
	e.cond.Broadcast()
	e.mu.Unlock()
	e.drainDeferred()
}

// scheduleAutocommit arms (or re-arms) the debounce timer (spec.md §4.3
// "Autocommit"): each checkin slides the deadline out by debounceMin to
// coalesce a burst of activity, but never past debounceMax measured from
// the first pending write in the burst, so an endpoint kept continuously
// busy still commits at least every debounceMax.
func (e *ShardEndpoint) scheduleAutocommit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autocommitFunc == nil {
		return
	}
	now := time.Now()
	e.pendingWrite = true
	if e.autocommitTmr == nil {
		e.firstPendingAt = now
	} else {
		e.autocommitTmr.Stop()
	}

	delay := e.debounceMin
	if maxDeadline := e.firstPendingAt.Add(e.debounceMax); now.Add(delay).After(maxDeadline) {
		if delay = maxDeadline.Sub(now); delay < 0 {
			delay = 0
		}
	}

	e.autocommitTmr = time.AfterFunc(delay, func() {
		e.mu.Lock()
		fire := e.pendingWrite
		e.pendingWrite = false
		e.autocommitTmr = nil
		fn := e.autocommitFunc
		e.mu.Unlock()
		if fire && fn != nil {
			fn()
		}
	})
}

// Clear retires every Shard handle, returning the counts of writers and
// readers that remained referenced (spec.md §4.3 "Clear").
func (e *ShardEndpoint) Clear(ctx context.Context, waitDrain bool) (writersRemaining, readersRemaining int) {
	e.mu.Lock()
	w := e.writable
	readers := append([]*shard.Shard(nil), e.readers...)
	e.mu.Unlock()

	if w != nil {
		if w.IsBusy() {
			if waitDrain {
				_ = w.Close(ctx, true, true)
			} else {
				writersRemaining = 1
			}
		} else {
			_ = w.Close(ctx, true, false)
		}
	}
	if writersRemaining == 0 {
		e.mu.Lock()
		e.writable = nil
		e.mu.Unlock()
	}

	remaining := readers[:0]
	for _, r := range readers {
		if r.IsBusy() && !waitDrain {
			remaining = append(remaining, r)
			continue
		}
		_ = r.Close(ctx, false, waitDrain)
	}
	readersRemaining = len(remaining)
	e.mu.Lock()
	e.readers = remaining
	if writersRemaining == 0 && readersRemaining == 0 {
		e.closeDBLocked()
	}
	e.mu.Unlock()

	e.cond.Broadcast()
	return writersRemaining, readersRemaining
}

// Count reports the number of live handles (writable + readable).
func (e *ShardEndpoint) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.readers)
	if e.writable != nil {
		n++
	}
	return n
}

// IsUsed reports whether any handle is currently busy.
func (e *ShardEndpoint) IsUsed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writable != nil && e.writable.IsBusy() {
		return true
	}
	for _, r := range e.readers {
		if r.IsBusy() {
			return true
		}
	}
	return false
}

// Finish marks the endpoint finished: no new checkouts succeed and all
// waiters are woken (spec.md §4.3 "Shutdown sequence" step 1).
func (e *ShardEndpoint) Finish() {
	e.finished.Store(true)
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Lock acquires the exclusive lock (spec.md §4.2 "Exclusive lock").
func (e *ShardEndpoint) Lock(ctx context.Context, timeout time.Duration) error {
	if !e.locked.CompareAndSwap(false, true) {
		return xapierr.CannotLock{Endpoint: e.ep.String()}
	}
	atomic.AddInt64(e.locks, 1)

	deadline := time.Now().Add(timeout)
	for {
		// clear() closes every idle reader and reports only the ones
		// still busy (spec.md §4.2 step 3: "block until clear() returns
		// zero readers") — an idle reader left sitting in e.readers
		// would otherwise block this forever.
		_, readersRemaining := e.Clear(ctx, false)
		if readersRemaining == 0 {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			e.Unlock()
			return xapierr.NotAvailable{Endpoint: e.ep.String(), Reason: "exclusive lock wait timed out"}
		}
		if err := ctx.Err(); err != nil {
			e.Unlock()
			return err
		}
		e.mu.Lock()
		e.waitTick()
		e.mu.Unlock()
	}
}

// Unlock releases the exclusive lock.
func (e *ShardEndpoint) Unlock() {
	if e.locked.CompareAndSwap(true, false) {
		atomic.AddInt64(e.locks, -1)
	}
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

// IsLocked reports whether this endpoint is currently exclusively locked.
func (e *ShardEndpoint) IsLocked() bool { return e.locked.Load() }

// SetLocalRevision records the last known local revision, consulted by
// the readable reopen policy (spec.md §4.2).
func (e *ShardEndpoint) SetLocalRevision(revision uint64) {
	e.mu.Lock()
	e.localRevision = revision
	e.mu.Unlock()
}
