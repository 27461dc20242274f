package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/andrej220/batchexec/internal/lg"
)

const TotalMaxWorkers = 10

var ErrPoolStopped = errors.New("worker pool is stopped")

type JobFunc[T any] func(T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs submitted jobs on at most maxWorkers goroutines at a time.
// Its lifetime is owned by whoever created it; Stop waits for running jobs.
type Pool[T any] struct {
	Jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	maxWorkers    int
	sem           *semaphore.Weighted
	ctx           context.Context
	cancel        context.CancelFunc
	logger        lg.Logger
}

func NewPool[T any](maxWorkers int, logger lg.Logger) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	if logger == nil {
		logger = lg.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool[T]{
		Jobs:       make(chan Job[T], maxWorkers),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
	pool.wg.Add(1)
	go pool.dispatch()
	return pool
}

// Stop rejects new jobs and waits for the running ones. Queued jobs that
// never started get their CleanupFunc called.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.cancel()
	})
	p.wg.Wait()
}

// Submit queues job. It blocks while the queue is full, until job.Ctx is done
// or the pool stops.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}
	select {
	case p.Jobs <- job:
		p.logger.Debug("job submitted", lg.Any("job", job.Payload))
		return nil
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	case <-p.quit:
		p.logger.Info("worker pool is shutting down, job rejected")
		return ErrPoolStopped
	}
}

func (p *Pool[T]) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.Jobs:
			if err := p.sem.Acquire(p.ctx, 1); err != nil {
				p.drop(job)
				p.drain()
				return
			}
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		case <-p.quit:
			p.drain()
			return
		}
	}
}

func (p *Pool[T]) drain() {
	for {
		select {
		case job := <-p.Jobs:
			p.drop(job)
		default:
			return
		}
	}
}

func (p *Pool[T]) drop(job Job[T]) {
	p.logger.Info("job dropped, worker pool is shutting down", lg.Any("job", job.Payload))
	if job.CleanupFunc != nil {
		job.CleanupFunc()
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer p.sem.Release(1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := p.logger.With(lg.Any("job", job.Payload))

	if err := job.Ctx.Err(); err != nil {
		logger.Info("job canceled before start", lg.Err(err))
		return
	}
	logger.Debug("worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	if err := job.Fn(job.Payload); err != nil {
		logger.Info("worker finished with error", lg.Err(err))
		return
	}
	logger.Debug("worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }
