package worker

import (
	"context"
	"sync"

	"github.com/smallbiznis/tally/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type PoolParam struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Config     config.Config
	Log        *zap.Logger
	Dispatcher *Dispatcher
}

// Pool runs a fixed set of workers draining a buffered job channel. The
// queue transport enqueues via Enqueue and learns the job's fate through the
// result callback; the pool itself never retries.
type Pool struct {
	log        *zap.Logger
	dispatcher *Dispatcher

	jobs   chan queued
	wg     sync.WaitGroup
	cancel context.CancelFunc
	size   int
}

type queued struct {
	job  Job
	done func(err error, retryable bool)
}

func NewPool(p PoolParam) *Pool {
	size := p.Config.Worker.PoolSize
	if size <= 0 {
		size = 1
	}
	depth := p.Config.Worker.QueueDepth
	if depth <= 0 {
		depth = 64
	}

	pool := &Pool{
		log:        p.Log.Named("worker.pool"),
		dispatcher: p.Dispatcher,
		jobs:       make(chan queued, depth),
		size:       size,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			pool.start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return pool.stop(ctx)
		},
	})
	return pool
}

func (p *Pool) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.log.Info("worker pool started", zap.Int("size", p.size))
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.jobs:
			err := p.dispatcher.Dispatch(ctx, item.job)
			retryable := p.dispatcher.Retryable(err)
			if err != nil {
				p.log.Error("job failed",
					zap.String("type", item.job.Type),
					zap.Bool("retryable", retryable),
					zap.Error(err),
				)
			}
			if item.done != nil {
				item.done(err, retryable)
			}
		}
	}
}

// Enqueue submits a job without blocking. A full queue returns false so the
// transport can back off instead of piling up goroutines.
func (p *Pool) Enqueue(job Job, done func(err error, retryable bool)) bool {
	select {
	case p.jobs <- queued{job: job, done: done}:
		return true
	default:
		return false
	}
}

func (p *Pool) stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
