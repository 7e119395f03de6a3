package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dontdude/coderun/internal/domain"
)

// Reporter is the part of the job queue a worker talks back to.
type Reporter interface {
	Broadcast(ctx context.Context, event domain.JobEvent) error
	Acknowledge(ctx context.Context, rawID string) error
}

// Pool implements a fixed-size worker pool pattern.
// It throttles the number of concurrently running sessions, and therefore containers.
type Pool struct {
	// workerCount determines how many sessions can run at once.
	workerCount int
	// tasksCh is the queue for incoming jobs.
	tasksCh chan domain.Job
	// wg tracks active workers to ensure graceful shutdown.
	wg       sync.WaitGroup
	executor domain.Executor
	reporter Reporter
	logger   *zap.Logger
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, executor domain.Executor, reporter Reporter, logger *zap.Logger) *Pool {
	return &Pool{
		workerCount: concurrency,
		// Buffer the channel to allow non-blocking submission up to a certain point.
		tasksCh:  make(chan domain.Job, concurrency),
		executor: executor,
		reporter: reporter,
		logger:   logger,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start() {
	p.logger.Info("starting worker pool", zap.Int("concurrency", p.workerCount))

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop initiates a graceful shutdown.
// It closes the jobs channel, which signals all workers to finish their current task and exit.
// It blocks until all workers have exited.
func (p *Pool) Stop() {
	p.logger.Info("stopping worker pool, waiting for tasks to drain")
	close(p.tasksCh)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Submit adds a job to the queue.
// It blocks if the queue (and workers) are fully saturated.
func (p *Pool) Submit(job domain.Job) {
	p.tasksCh <- job
}

// Consume submits every job from jobs until the channel closes or ctx is done.
func (p *Pool) Consume(ctx context.Context, jobs <-chan domain.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.Submit(job)
		}
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug("worker started", zap.Int("worker_id", id))

	// Range over the channel continuously reads jobs until the channel is closed.
	for job := range p.tasksCh {
		p.process(id, job)
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

// process runs one job, broadcasting each event tagged with the job ID,
// then acknowledges it.
func (p *Pool) process(id int, job domain.Job) {
	log := p.logger.With(zap.Int("worker_id", id), zap.String("job_id", job.ID))
	log.Info("processing job", zap.String("language", job.Language))

	// Sessions carry their own phase ceilings; a stopping pool lets them finish.
	ctx := context.Background()

	req := domain.ExecutionRequest{
		ID:       job.ID,
		Language: job.Language,
		Source:   job.Code,
		Input:    []byte(job.Stdin),
	}
	for ev := range p.executor.Execute(ctx, req, nil) {
		err := p.reporter.Broadcast(ctx, domain.JobEvent{JobID: job.ID, Type: ev.Type, Data: ev.Data})
		if err != nil {
			log.Error("failed to broadcast event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}

	if job.RawID == "" {
		return
	}
	if err := p.reporter.Acknowledge(ctx, job.RawID); err != nil {
		log.Error("failed to acknowledge job", zap.Error(err))
	}
}
