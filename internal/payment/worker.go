package payment

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of reconciliation work. Drop, when set, runs instead of
// Run for a queued task the pool discards on shutdown.
type Task struct {
	PaymentID int64
	Run       func(ctx context.Context)
	Drop      func()
}

func (t Task) drop() {
	if t.Drop != nil {
		t.Drop()
	}
}

type Worker struct {
	ID         int
	WorkerPool chan chan Task
	JobChannel chan Task
	Logger     *slog.Logger
}

func NewWorker(id int, workerPool chan chan Task, logger *slog.Logger) *Worker {
	return &Worker{
		ID:         id,
		WorkerPool: workerPool,
		JobChannel: make(chan Task),
		Logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case w.WorkerPool <- w.JobChannel:
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}

			select {
			case task := <-w.JobChannel:
				w.Logger.Debug("worker processing payment", "worker_id", w.ID, "payment_id", task.PaymentID)
				task.Run(ctx)
			case <-ctx.Done():
				w.Logger.Debug("worker shutting down", "worker_id", w.ID)
				return
			}
		}
	}()
}

// Pool fans tasks out to a fixed set of workers. Workers and the dispatcher
// exit when the pool context is cancelled. Every accepted task either runs or
// is dropped by Shutdown.
type Pool struct {
	logger     *slog.Logger
	queue      chan Task
	workerPool chan chan Task
	maxWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
	mu         sync.RWMutex
	closed     bool
}

func NewPool(ctx context.Context, maxWorkers, queueSize int, logger *slog.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 2
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &Pool{
		logger:     logger,
		queue:      make(chan Task, queueSize),
		workerPool: make(chan chan Task, maxWorkers),
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.maxWorkers; i++ {
			NewWorker(i, p.workerPool, p.logger).Start(p.ctx, &p.wg)
		}

		p.wg.Add(1)
		go p.dispatch()
	})
}

func (p *Pool) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.queue:
			select {
			case jobChannel := <-p.workerPool:
				select {
				case jobChannel <- task:
				case <-p.ctx.Done():
					task.drop()
					return
				}
			case <-p.ctx.Done():
				task.drop()
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// Submit queues a task, blocking while the queue is full. It reports false
// once the pool is shut down.
func (p *Pool) Submit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.ctx.Err() != nil {
		return false
	}
	select {
	case p.queue <- task:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// Shutdown stops the workers, waits for running tasks and drops whatever is
// still queued.
func (p *Pool) Shutdown() {
	p.cancel()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()

	for {
		select {
		case task := <-p.queue:
			task.drop()
		default:
			return
		}
	}
}
