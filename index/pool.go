package index

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Pool hands out database handles by endpoint name. A handle pins one engine
// and one concurrency slot; callers MUST pair every successful Checkout with
// a Checkin on all exit paths.
type Pool struct {
	sem *semaphore.Weighted

	mtx     sync.Mutex
	engines map[string]Engine
	open    func(endpoint string) (Engine, error)
	closed  bool
}

// NewPool limits concurrent checkouts to slots. open lazily creates the
// engine behind an endpoint on first use.
func NewPool(slots int64, open func(endpoint string) (Engine, error)) *Pool {
	return &Pool{
		sem:     semaphore.NewWeighted(slots),
		engines: make(map[string]Engine),
		open:    open,
	}
}

type Handle struct {
	Engine   Engine
	Endpoint string

	pool *Pool
	once sync.Once
}

// Checkout acquires a slot and resolves the engine for endpoint.
func (p *Pool) Checkout(ctx context.Context, endpoint string) (*Handle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "pool acquire")
	}

	p.mtx.Lock()
	if p.closed {
		p.mtx.Unlock()
		p.sem.Release(1)
		return nil, ErrPoolClosed
	}
	eng, ok := p.engines[endpoint]
	if !ok {
		var err error
		eng, err = p.open(endpoint)
		if err != nil {
			p.mtx.Unlock()
			p.sem.Release(1)
			return nil, errors.Wrapf(err, "open endpoint %q", endpoint)
		}
		p.engines[endpoint] = eng
	}
	p.mtx.Unlock()

	return &Handle{Engine: eng, Endpoint: endpoint, pool: p}, nil
}

// Checkin releases the handle's slot. Idempotent, so deferred checkins are
// safe next to explicit ones on error paths.
func (h *Handle) Checkin() {
	h.once.Do(func() {
		h.pool.sem.Release(1)
	})
}

// Close marks the pool closed; outstanding handles stay valid until their
// checkin.
func (p *Pool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.closed = true
}
