package wal

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/xapiand/xapiand-core/internal/logging"
	"github.com/xapiand/xapiand-core/internal/metrics"
	"github.com/xapiand/xapiand-core/internal/xapierr"
)

// Task carries everything one worker needs to append a single WAL record
// (spec.md §4.4 "Writer thread pool").
type Task struct {
	Dir      string
	UUID     UUID
	Revision uint64
	Op       OpType
	Payload  []byte
	Sync     bool
}

type writeRequest struct {
	task     Task
	result   chan error
	sentinel bool
}

// WriterPool is the fixed set of worker goroutines that serialise WAL
// writes. Routing is by hash(path) mod worker-count so all operations on
// the same database are totally ordered within a single worker (spec.md
// §4.4/§5).
type WriterPool struct {
	workers    []*worker
	logger     logging.Logger
	finished   atomic.Bool
	ended      atomic.Bool
	slotCount  int
	cacheLimit int
}

// NewWriterPool starts size workers, each holding an LRU of at most
// cacheSize open volumes.
func NewWriterPool(size, slotCount, cacheSize int, logger logging.Logger) *WriterPool {
	if logger == nil {
		logger = logging.Discard
	}
	p := &WriterPool{logger: logger, slotCount: slotCount, cacheLimit: cacheSize}
	p.workers = make([]*worker, size)
	for i := range p.workers {
		w := newWorker(slotCount, cacheSize, logger)
		p.workers[i] = w
		go w.run()
	}
	return p
}

func (p *WriterPool) workerFor(path string) *worker {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return p.workers[int(h.Sum32())%len(p.workers)]
}

// Write enqueues (or, for Task.Sync, directly executes) one WAL record
// write. Synchronous writes bypass the queue and run on the caller's
// goroutine against the owning worker's state, guarded by that worker's
// mutex — the "thread-local worker" of spec.md §4.4.
func (p *WriterPool) Write(ctx context.Context, t Task) error {
	if p.finished.Load() || p.ended.Load() {
		return xapierr.IOError{Op: "wal write", Err: context.Canceled}
	}
	w := p.workerFor(t.Dir)
	if t.Sync {
		return w.writeDirect(t)
	}

	req := &writeRequest{task: t, result: make(chan error, 1)}
	select {
	case w.tasks <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocateRevision reports whether some volume under dir still covers the
// given revision (spec.md §4.5 step 3's locate_revision).
func (p *WriterPool) LocateRevision(dir string, revision uint64) bool {
	bases, err := ListVolumeBases(dir)
	if err != nil || len(bases) == 0 {
		return false
	}
	base, ok := VolumeBaseFor(bases, revision)
	if !ok {
		return false
	}
	return SlotForRevision(revision, base) >= -1
}

// End drains each worker's queue by injecting a null task and waiting for
// it to come back out the other end: since tasks are processed in order,
// that confirms every write enqueued before End was called has completed,
// without aborting anything in flight (spec.md §4.4 "Shutdown is
// two-phase"). It also stops new writes, synchronous or asynchronous, from
// being accepted.
func (p *WriterPool) End() {
	p.ended.Store(true)
	for _, w := range p.workers {
		req := &writeRequest{sentinel: true, result: make(chan error, 1)}
		w.tasks <- req
		<-req.result
	}
}

// Finish sets the terminal flag so workers exit once their queues are
// drained and closes every cached volume.
func (p *WriterPool) Finish() {
	p.finished.Store(true)
	for _, w := range p.workers {
		close(w.tasks)
	}
	for _, w := range p.workers {
		<-w.done
	}
}

type worker struct {
	mu        sync.Mutex
	tasks     chan *writeRequest
	done      chan struct{}
	slotCount int
	cache     *volumeCache
	logger    logging.Logger
}

func newWorker(slotCount, cacheSize int, logger logging.Logger) *worker {
	return &worker{
		tasks:     make(chan *writeRequest, 256),
		done:      make(chan struct{}),
		slotCount: slotCount,
		cache:     newVolumeCache(cacheSize),
		logger:    logger,
	}
}

func (w *worker) run() {
	defer close(w.done)
	for req := range w.tasks {
		if req.sentinel {
			req.result <- nil
			continue
		}
		req.result <- w.writeDirect(req.task)
	}
	w.cache.closeAll()
}

func (w *worker) writeDirect(t Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	vol, err := w.cache.getOrOpen(t.Dir, t.UUID, t.Revision, w.slotCount)
	if err != nil {
		return err
	}

	slot := SlotForRevision(t.Revision, vol.Base())
	if slot >= int64(vol.SlotCount()) {
		newBase := BaseForNewVolume(t.Revision)
		w.cache.evict(t.Dir)
		vol, err = OpenOrCreate(t.Dir, newBase, t.UUID, w.slotCount)
		if err != nil {
			return err
		}
		w.cache.put(t.Dir, vol)
		metrics.WALRotationsTotal.Inc()
	}

	rec := Record{Revision: t.Revision, Type: t.Op, Payload: t.Payload}
	if err := vol.WriteRecord(rec, t.Sync); err != nil {
		if _, ok := err.(xapierr.CorruptWAL); ok {
			w.logger.Errorf("quarantining WAL volume %s: %v", vol.Path(), err)
			base := vol.Base()
			w.cache.evict(t.Dir)
			_ = QuarantineVolume(t.Dir, base, "write-corruption")
		}
		return err
	}
	metrics.WALWritesTotal.WithLabelValues(t.Op.String()).Inc()
	return nil
}

// volumeCache is a tiny bounded LRU of open *Volume keyed by directory
// path (spec.md §4.4: "mutex-guarded LRU cache of open WAL objects").
type volumeCache struct {
	limit int
	ll    *list.List
	index map[string]*list.Element
}

type cacheEntry struct {
	dir string
	vol *Volume
}

func newVolumeCache(limit int) *volumeCache {
	if limit <= 0 {
		limit = 1
	}
	return &volumeCache{limit: limit, ll: list.New(), index: make(map[string]*list.Element)}
}

func (c *volumeCache) getOrOpen(dir string, uuid UUID, revision uint64, slotCount int) (*Volume, error) {
	if el, ok := c.index[dir]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*cacheEntry).vol, nil
	}

	bases, err := ListVolumeBases(dir)
	if err != nil {
		return nil, xapierr.IOError{Op: "list wal volumes", Err: err}
	}
	base, ok := VolumeBaseFor(bases, revision)
	if !ok {
		base = BaseForNewVolume(revision)
	}
	vol, err := OpenOrCreate(dir, base, uuid, slotCount)
	if err != nil {
		return nil, err
	}
	c.put(dir, vol)
	return vol, nil
}

func (c *volumeCache) put(dir string, vol *Volume) {
	el := c.ll.PushFront(&cacheEntry{dir: dir, vol: vol})
	c.index[dir] = el
	for c.ll.Len() > c.limit {
		back := c.ll.Back()
		entry := back.Value.(*cacheEntry)
		entry.vol.Close()
		delete(c.index, entry.dir)
		c.ll.Remove(back)
	}
}

func (c *volumeCache) evict(dir string) {
	if el, ok := c.index[dir]; ok {
		delete(c.index, dir)
		c.ll.Remove(el)
	}
}

func (c *volumeCache) closeAll() {
	for el := c.ll.Front(); el != nil; el = el.Next() {
		el.Value.(*cacheEntry).vol.Close()
	}
}
