package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"courseforge/internal/config"
	"courseforge/internal/models"
	"courseforge/internal/pipeline"
	"courseforge/internal/store"
	"courseforge/internal/telemetry"
)

// JobStore is the slice of the job store the pool needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string, version int) (int, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
	CountByStatus(ctx context.Context, status string) (int64, error)
}

// Queue is the slice of the Redis queue the pool needs.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	FailedPush(ctx context.Context, jobID string) error
}

// Runner executes a job's pipeline to a terminal state.
type Runner interface {
	Run(ctx context.Context, job models.Job) (pipeline.Outcome, error)
}

type workerHandle struct {
	id   int
	stop chan struct{}
}

// Pool is a resizable set of workers, each looping dequeue -> run -> ack,
// plus one janitor that promotes deferred jobs and reclaims expired leases.
// Shrinking never drops in-flight work: excess workers finish their current
// job before exiting.
type Pool struct {
	cfg    config.Config
	queue  Queue
	store  JobStore
	runner Runner
	log    *zap.Logger

	mu      sync.Mutex
	workers []*workerHandle
	nextID  int
	wg      sync.WaitGroup
}

// New builds a pool; call Run to start it.
func New(cfg config.Config, q Queue, st JobStore, runner Runner, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{cfg: cfg, queue: q, store: st, runner: runner, log: log}
}

// Size returns the current number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Resize grows or shrinks the pool to n workers. Shrinking signals the
// newest workers to exit after their current job.
func (p *Pool) Resize(ctx context.Context, n int) {
	if n < 0 {
		n = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.workers) < n {
		h := &workerHandle{id: p.nextID, stop: make(chan struct{})}
		p.nextID++
		p.workers = append(p.workers, h)
		p.wg.Add(1)
		go p.workerLoop(ctx, h)
	}
	for len(p.workers) > n {
		h := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		close(h.stop)
	}
	telemetry.WorkerGauge.Set(float64(len(p.workers)))
	p.log.Info("pool resized", zap.Int("workers", len(p.workers)))
}

// Run starts the configured number of workers and the janitor, blocking
// until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) error {
	count := p.cfg.WorkerCount
	if count <= 0 {
		count = 1
	}
	p.Resize(ctx, count)
	p.janitorLoop(ctx)
	p.wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, h *workerHandle) {
	defer p.wg.Done()
	log := p.log.With(zap.Int("worker", h.id))
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		p.process(ctx, log, h, jobID)
	}
}

// process runs one delivery. Leaving without an ack is deliberate: the lease
// expires and the janitor redelivers the id to another worker.
func (p *Pool) process(ctx context.Context, log *zap.Logger, h *workerHandle, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = p.queue.Ack(ctx, jobID)
			return
		}
		log.Warn("load job failed, leaving for redelivery", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if models.Terminal(job.Status) {
		// Stale redelivery of an already-finished (or cancelled) job.
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	version, err := p.store.MarkRunning(ctx, job.ID, job.Version)
	if err != nil {
		if errors.Is(err, store.ErrTerminal) {
			_ = p.queue.Ack(ctx, jobID)
			return
		}
		log.Warn("claim job failed, leaving for redelivery", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	job.Version = version
	job.Status = models.StatusRunning
	_ = p.store.AppendAudit(ctx, job.ID, "picked_up", fmt.Sprintf("worker=%d resume_stage=%s", h.id, job.CurrentStage))
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	heartbeatDone := make(chan struct{})
	go p.heartbeat(ctx, job.ID, heartbeatDone)
	outcome, err := p.runner.Run(ctx, job)
	close(heartbeatDone)

	if err != nil {
		log.Warn("pipeline interrupted, leaving for redelivery", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	_ = p.queue.Ack(ctx, jobID)
	switch outcome.Status {
	case models.StatusSucceeded:
		telemetry.JobsSucceeded.Inc()
	case models.StatusFailed:
		telemetry.JobsFailed.Inc()
		_ = p.queue.FailedPush(ctx, jobID)
	}
}

// heartbeat keeps the lease ahead of long-running pipelines.
func (p *Pool) heartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	interval := p.cfg.LeaseHeartbeat
	if interval <= 0 {
		interval = p.cfg.VisibilityTimeout / 3
	}
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.queue.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout)
		}
	}
}

// janitorLoop promotes due deferred jobs, reclaims expired leases, and
// refreshes queue gauges until ctx is cancelled.
func (p *Pool) janitorLoop(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			for _, h := range p.workers {
				close(h.stop)
			}
			p.workers = nil
			p.mu.Unlock()
			return
		case <-ticker.C:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize))
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			p.log.Info("reclaimed expired leases", zap.Int("count", len(reclaimed)))
			for _, id := range reclaimed {
				_ = p.store.AppendAudit(ctx, id, "lease_expired", "requeued for redelivery")
			}
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
		if running, err := p.store.CountByStatus(ctx, models.StatusRunning); err == nil {
			p.log.Debug("janitor sweep", zap.Int64("running_jobs", running))
		}
	}
}
