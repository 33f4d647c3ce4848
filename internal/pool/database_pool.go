package pool

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xapiand/xapiand-core/internal/endpoint"
	"github.com/xapiand/xapiand-core/internal/metrics"
	"github.com/xapiand/xapiand-core/internal/shard"
	"github.com/xapiand/xapiand-core/internal/xapierr"
)

const (
	evictionSweepAge = 60 * time.Minute
	pressureSweepAge = 60 * time.Second
)

// entry is one LRU slot: a ShardEndpoint plus bookkeeping the pool needs
// to decide eviction (spec.md §4.3 "Spawn"/"Cleanup").
type entry struct {
	ep        *ShardEndpoint
	renewedAt time.Time
	refs      int32
}

// DatabasePool is the process-wide LRU of ShardEndpoints (spec.md §4.3).
type DatabasePool struct {
	opts Options

	mu       sync.Mutex
	ll       *list.List
	index    map[string]*list.Element
	maxSize  int
	locks    int64
	finished atomic.Bool
}

// New constructs an empty pool bounded to maxSize endpoints.
func New(maxSize int, opts Options) *DatabasePool {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &DatabasePool{
		opts:    opts,
		ll:      list.New(),
		index:   make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// ReferencedShardEndpoint is a refcounted handle returned by Spawn; the
// wrapped endpoint is guaranteed not to be evicted while refs remain
// outstanding (spec.md §4.3 "Spawn").
type ReferencedShardEndpoint struct {
	pool     *DatabasePool
	key      string
	Endpoint *ShardEndpoint
}

// Release decrements the reference count acquired by Spawn.
func (r *ReferencedShardEndpoint) Release() {
	r.pool.mu.Lock()
	defer r.pool.mu.Unlock()
	if el, ok := r.pool.index[r.key]; ok {
		el.Value.(*entry).refs--
	}
}

// Spawn finds or creates the ShardEndpoint for ep, renewing its LRU
// position, and returns a refcounted handle (spec.md §4.3 "Spawn").
func (p *DatabasePool) Spawn(ep endpoint.Endpoint) *ReferencedShardEndpoint {
	key := ep.String()
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.index[key]; ok {
		p.ll.MoveToFront(el)
		e := el.Value.(*entry)
		e.renewedAt = time.Now()
		e.refs++
		return &ReferencedShardEndpoint{pool: p, key: key, Endpoint: e.ep}
	}

	se := newShardEndpoint(ep, &p.locks, p.opts)
	el := p.ll.PushFront(&entry{ep: se, renewedAt: time.Now(), refs: 1})
	p.index[key] = el
	metrics.PoolOpenEndpoints.Inc()
	return &ReferencedShardEndpoint{pool: p, key: key, Endpoint: se}
}

// Checkout spawns (or reuses) the endpoint for ep and checks out a Shard
// matching flags (spec.md §4.3 "checkout").
func (p *DatabasePool) Checkout(ctx context.Context, ep endpoint.Endpoint, flags shard.Flags, timeout time.Duration, onWait Callback) (*shard.Shard, *ReferencedShardEndpoint, error) {
	if p.finished.Load() {
		return nil, nil, xapierr.NotAvailable{Endpoint: ep.String(), Reason: "pool finished"}
	}
	ref := p.Spawn(ep)
	role := "reader"
	var s *shard.Shard
	var err error
	if flags.Has(shard.WRITABLE) {
		role = "writer"
		s, err = ref.Endpoint.CheckoutWritable(ctx, flags, timeout, onWait)
	} else {
		s, err = ref.Endpoint.CheckoutReadable(ctx, flags, timeout, onWait)
	}
	if err != nil {
		if _, ok := err.(xapierr.NotAvailable); ok {
			metrics.PoolCheckoutTimeoutsTotal.WithLabelValues(role).Inc()
		}
		ref.Release()
		return nil, nil, err
	}
	return s, ref, nil
}

// Checkin returns a Shard obtained via Checkout, releasing the pool's
// reference on the owning endpoint.
func (p *DatabasePool) Checkin(ctx context.Context, s *shard.Shard, ref *ReferencedShardEndpoint) {
	if s.IsWritable() {
		ref.Endpoint.CheckinWritable(ctx, s)
	} else {
		ref.Endpoint.CheckinReadable(ctx, s)
	}
	ref.Release()
}

// Lock acquires the exclusive lock on ep's endpoint, spawning it if
// necessary (spec.md §4.3 "lock").
func (p *DatabasePool) Lock(ctx context.Context, ep endpoint.Endpoint, timeout time.Duration) (*ReferencedShardEndpoint, error) {
	ref := p.Spawn(ep)
	if err := ref.Endpoint.Lock(ctx, timeout); err != nil {
		ref.Release()
		return nil, err
	}
	return ref, nil
}

// Unlock releases the exclusive lock acquired via Lock.
func (p *DatabasePool) Unlock(ref *ReferencedShardEndpoint) {
	ref.Endpoint.Unlock()
	ref.Release()
}

// IsLocked reports whether ep's endpoint, if it exists, is locked.
func (p *DatabasePool) IsLocked(ep endpoint.Endpoint) bool {
	p.mu.Lock()
	el, ok := p.index[ep.String()]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return el.Value.(*entry).ep.IsLocked()
}

// Cleanup traverses the LRU from oldest to newest, clearing and evicting
// unused endpoints per spec.md §4.3 "Cleanup".
func (p *DatabasePool) Cleanup(ctx context.Context, immediate bool) {
	p.mu.Lock()
	oversize := p.ll.Len() > p.maxSize
	var toEvict []string
	now := time.Now()

	for el := p.ll.Back(); el != nil; {
		e := el.Value.(*entry)
		age := now.Sub(e.renewedAt)

		switch {
		case oversize && (immediate || age > pressureSweepAge):
		case immediate || age > evictionSweepAge:
		default:
			el = nil // stop: remainder are fresher
			continue
		}

		prev := el.Prev()
		if e.refs == 0 {
			p.mu.Unlock()
			_, readers := e.ep.Clear(ctx, false)
			p.mu.Lock()
			if readers == 0 && !e.ep.IsUsed() {
				toEvict = append(toEvict, e.ep.Endpoint().String())
			}
		} else {
			p.mu.Unlock()
			e.ep.Clear(ctx, false)
			p.mu.Lock()
		}
		el = prev
	}

	for _, key := range toEvict {
		if el, ok := p.index[key]; ok {
			p.ll.Remove(el)
			delete(p.index, key)
			metrics.PoolOpenEndpoints.Dec()
			metrics.PoolEvictionsTotal.Inc()
		}
	}
	p.mu.Unlock()
}

// Clear clears every live endpoint without evicting it from the LRU.
func (p *DatabasePool) Clear(ctx context.Context) {
	p.mu.Lock()
	endpoints := make([]*ShardEndpoint, 0, p.ll.Len())
	for el := p.ll.Front(); el != nil; el = el.Next() {
		endpoints = append(endpoints, el.Value.(*entry).ep)
	}
	p.mu.Unlock()
	for _, e := range endpoints {
		e.Clear(ctx, false)
	}
}

// Endpoints lists every currently spawned endpoint, MRU first.
func (p *DatabasePool) Endpoints() []endpoint.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]endpoint.Endpoint, 0, p.ll.Len())
	for el := p.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).ep.Endpoint())
	}
	return out
}

// Finish marks every endpoint finished and the pool itself closed to new
// checkouts (spec.md §4.3 "Shutdown sequence" step 1).
func (p *DatabasePool) Finish() {
	p.finished.Store(true)
	p.mu.Lock()
	endpoints := make([]*ShardEndpoint, 0, p.ll.Len())
	for el := p.ll.Front(); el != nil; el = el.Next() {
		endpoints = append(endpoints, el.Value.(*entry).ep)
	}
	p.mu.Unlock()
	for _, e := range endpoints {
		e.Finish()
	}
}

// Join repeatedly clears every endpoint until all shards are released or
// deadline passes (spec.md §4.3 "Shutdown sequence" step 2).
func (p *DatabasePool) Join(ctx context.Context, deadline time.Time) bool {
	for {
		allClear := true
		p.mu.Lock()
		endpoints := make([]*ShardEndpoint, 0, p.ll.Len())
		for el := p.ll.Front(); el != nil; el = el.Next() {
			endpoints = append(endpoints, el.Value.(*entry).ep)
		}
		p.mu.Unlock()

		for _, e := range endpoints {
			w, r := e.Clear(ctx, true)
			if w > 0 || r > 0 {
				allClear = false
			}
		}
		if allClear {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
}
