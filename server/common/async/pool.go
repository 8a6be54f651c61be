package async

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/log"
)

// Pool runs jobs on at most size goroutines. TrySubmit never blocks: a
// saturated pool answers apperr.ErrCapacityExceeded.
type Pool struct {
	name   string
	sem    *semaphore.Weighted
	logger log.Logger
	wg     sync.WaitGroup
}

func NewPool(name string, size int, logger log.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{name: name, sem: semaphore.NewWeighted(int64(size)), logger: log.OrNop(logger)}
}

func (p *Pool) TrySubmit(job func()) error {
	if !p.sem.TryAcquire(1) {
		return apperr.ErrCapacityExceeded
	}
	p.run(job)
	return nil
}

// Submit waits for a free slot or ctx cancellation.
func (p *Pool) Submit(ctx context.Context, job func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.run(job)
	return nil
}

// Reserve takes a slot now so callers can check capacity before performing
// side effects. The reservation must be either Run or Released.
func (p *Pool) Reserve() (*Reservation, error) {
	if !p.sem.TryAcquire(1) {
		return nil, apperr.ErrCapacityExceeded
	}
	return &Reservation{pool: p}, nil
}

type Reservation struct {
	pool *Pool
	once sync.Once
}

func (r *Reservation) Run(job func()) {
	r.once.Do(func() { r.pool.run(job) })
}

func (r *Reservation) Release() {
	r.once.Do(func() { r.pool.sem.Release(1) })
}

func (p *Pool) run(job func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer Recover(p.logger, p.name)
		job()
	}()
}

// Wait blocks until every submitted job has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
