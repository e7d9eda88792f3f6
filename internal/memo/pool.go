package memo

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zuoquanxiong/cachew/internal/store"
)

// storePool keeps cache databases open across calls. At most size stores
// stay cached; an evicted store is closed once no call holds it.
type storePool struct {
	mu     sync.Mutex
	opts   store.Options
	logger *zap.Logger
	lru    *lru.Cache[string, *pooledStore]
	closed bool
}

type pooledStore struct {
	store   *store.Store
	refs    int
	evicted bool
}

func newStorePool(size int, opts store.Options, logger *zap.Logger) (*storePool, error) {
	p := &storePool{opts: opts, logger: logger}
	// The eviction callback runs while p.mu is held by acquire or close.
	cache, err := lru.NewWithEvict[string, *pooledStore](size, func(path string, ps *pooledStore) {
		ps.evicted = true
		if ps.refs == 0 {
			p.closeStore(path, ps)
		}
	})
	if err != nil {
		return nil, err
	}
	p.lru = cache
	return p, nil
}

func (p *storePool) acquire(path string) (*pooledStore, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errPoolClosed
	}
	if ps, ok := p.lru.Get(path); ok {
		ps.refs++
		return ps, nil
	}

	s, err := store.Open(path, p.opts)
	if err != nil {
		return nil, err
	}
	ps := &pooledStore{store: s, refs: 1}
	p.lru.Add(path, ps)
	return ps, nil
}

func (p *storePool) release(ps *pooledStore) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps.refs--
	if ps.refs == 0 && ps.evicted {
		p.closeStore(ps.store.Path(), ps)
	}
}

func (p *storePool) closeStore(path string, ps *pooledStore) {
	if err := ps.store.Close(); err != nil {
		p.logger.Warn("memo: failed to close store", zap.String("path", path), zap.Error(err))
	}
}

// close evicts every store; stores still in use close on release.
func (p *storePool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.lru.Purge()
}

// writerLocks hands out one single-slot semaphore per cache so that two
// calls in this process never rebuild the same cache at once.
type writerLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newWriterLocks() *writerLocks {
	return &writerLocks{locks: make(map[string]*semaphore.Weighted)}
}

func (l *writerLocks) get(path, name string) *semaphore.Weighted {
	key := path + "\x00" + name
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.locks[key]
	if !ok {
		sem = semaphore.NewWeighted(1)
		l.locks[key] = sem
	}
	return sem
}
