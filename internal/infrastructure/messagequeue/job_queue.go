// Package messagequeue implements the Job Queue (§4.4): one worker pool
// per pipeline stage, each job additionally gated on a bounded
// ResourceTag semaphore (cpu/gpu) before it enters WORKING.
package messagequeue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
)

// StageRunner executes one Job to completion. Implementations own the
// PREPARING -> WORKING -> COMMITTING -> DONE state machine internally and
// report progress via whatever ProgressBus handle they were built with;
// the Job Queue only cares about the terminal outcome.
type StageRunner interface {
	Run(ctx context.Context, job *entities.Job) error
}

// QueueConfig sizes each stage's worker pool and resource semaphores.
// Grounded on WorkerConfig's per-type worker counts, narrowed to the
// four fixed stages and two fixed resource tags this system has instead
// of an open TaskType vocabulary.
type QueueConfig struct {
	WorkersPerStage map[entities.Stage]int
	QueueCapacity   int
	CPUSlots        int
	GPUSlots        int
	JobTimeout      time.Duration
}

// DefaultQueueConfig mirrors the teacher's NewBackgroundWorkerService
// defaults, resized to this system's fixed stage/resource set.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkersPerStage: map[entities.Stage]int{
			entities.StageFetch:       4,
			entities.StageAnalyze:     2,
			entities.StageExtract:     2,
			entities.StagePostExtract: 2,
		},
		QueueCapacity: 1000,
		CPUSlots:      4,
		GPUSlots:      1,
		JobTimeout:    30 * time.Minute,
	}
}

type stagePool struct {
	stage   entities.Stage
	queue   chan *entities.Job
	cancel  context.CancelFunc
	ctx     context.Context
	wg      *sync.WaitGroup
}

// JobQueue dispatches enqueued Jobs to per-stage worker pools, gating
// each on a ResourceTag slot before the assigned StageRunner runs.
type JobQueue struct {
	cfg      QueueConfig
	jobs     repositories.JobRepository
	logger   *zap.Logger
	runners  map[entities.Stage]StageRunner
	pools    map[entities.Stage]*stagePool
	cpuSlots chan struct{}
	gpuSlots chan struct{}

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc

	wg sync.WaitGroup
}

// NewJobQueue builds a JobQueue. Call RegisterRunner for every stage
// before Start.
func NewJobQueue(cfg QueueConfig, jobs repositories.JobRepository, logger *zap.Logger) *JobQueue {
	return &JobQueue{
		cfg:       cfg,
		jobs:      jobs,
		logger:    logger,
		runners:   make(map[entities.Stage]StageRunner),
		pools:     make(map[entities.Stage]*stagePool),
		cpuSlots:  make(chan struct{}, cfg.CPUSlots),
		gpuSlots:  make(chan struct{}, cfg.GPUSlots),
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// RegisterRunner assigns the StageRunner a stage's worker pool dispatches
// to. Must be called before Start.
func (q *JobQueue) RegisterRunner(stage entities.Stage, runner StageRunner) {
	q.runners[stage] = runner
}

// Start spins up every stage's worker pool. Grounded on
// createWorkerPool/Worker.run: a bounded channel per pool, N goroutines
// draining it, each blocking on ctx.Done() to stop cleanly.
func (q *JobQueue) Start(ctx context.Context) error {
	for stage, runner := range q.runners {
		workerCount := q.cfg.WorkersPerStage[stage]
		if workerCount <= 0 {
			workerCount = 1
		}
		poolCtx, cancel := context.WithCancel(ctx)
		pool := &stagePool{
			stage:  stage,
			queue:  make(chan *entities.Job, q.cfg.QueueCapacity),
			ctx:    poolCtx,
			cancel: cancel,
			wg:     &q.wg,
		}
		q.pools[stage] = pool

		for i := 0; i < workerCount; i++ {
			q.wg.Add(1)
			go q.runWorker(pool, runner, i)
		}
		q.logger.Info("job queue: stage pool started",
			zap.String("stage", string(stage)), zap.Int("workers", workerCount))
	}
	return nil
}

func (q *JobQueue) runWorker(pool *stagePool, runner StageRunner, workerID int) {
	defer q.wg.Done()
	for {
		select {
		case job := <-pool.queue:
			q.process(pool.ctx, job, runner)
		case <-pool.ctx.Done():
			q.logger.Debug("job queue: worker stopping",
				zap.String("stage", string(pool.stage)), zap.Int("worker_id", workerID))
			return
		}
	}
}

func (q *JobQueue) resourceSlots(tag entities.ResourceTag) chan struct{} {
	if tag == entities.ResourceGPU {
		return q.gpuSlots
	}
	return q.cpuSlots
}

func (q *JobQueue) process(ctx context.Context, job *entities.Job, runner StageRunner) {
	slots := q.resourceSlots(job.ResourceTag)
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-slots }()

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	q.mu.Lock()
	q.cancelFns[job.JobID] = cancel
	q.mu.Unlock()
	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancelFns, job.JobID)
		q.mu.Unlock()
	}()

	now := time.Now()
	job.State = entities.JobRunning
	job.StartedAt = &now
	if err := q.jobs.UpdateState(jobCtx, job.JobID, entities.JobRunning, "", ""); err != nil {
		q.logger.Warn("job queue: failed to persist running state", zap.String("job_id", job.JobID), zap.Error(err))
	}

	err := runner.Run(jobCtx, job)

	finishedAt := time.Now()
	job.FinishedAt = &finishedAt
	if err != nil {
		kind, brief := common.AsClassified(err)
		if jobCtx.Err() == context.Canceled {
			kind = entities.ErrCancelled
			brief = "cancelled"
		}
		job.State = entities.JobFailed
		job.ErrorKind = kind
		job.ErrorMessage = brief
		q.logger.Warn("job queue: job failed",
			zap.String("job_id", job.JobID), zap.String("stage", string(job.Stage)),
			zap.String("error_kind", string(kind)), zap.Error(err))
		if updateErr := q.jobs.UpdateState(context.Background(), job.JobID, entities.JobFailed, kind, brief); updateErr != nil {
			q.logger.Error("job queue: failed to persist failed state", zap.Error(updateErr))
		}
		return
	}

	job.State = entities.JobSucceeded
	if updateErr := q.jobs.UpdateState(context.Background(), job.JobID, entities.JobSucceeded, "", ""); updateErr != nil {
		q.logger.Error("job queue: failed to persist succeeded state", zap.Error(updateErr))
	}
}

// Submit persists job and enqueues it onto its stage's pool. Returns an
// error if the stage has no registered runner or its queue is full.
func (q *JobQueue) Submit(ctx context.Context, job *entities.Job) error {
	pool, ok := q.pools[job.Stage]
	if !ok {
		return fmt.Errorf("job queue: no pool started for stage %s", job.Stage)
	}
	job.State = entities.JobQueued
	if err := q.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("job queue: persist job: %w", err)
	}
	select {
	case pool.queue <- job:
		return nil
	default:
		return fmt.Errorf("job queue: stage %s queue is full", job.Stage)
	}
}

// Cancel requests cooperative cancellation of a running job by id. It is
// a no-op if the job isn't currently running on this process (e.g.
// already terminal, or running on a different process after a restart).
func (q *JobQueue) Cancel(jobID string) bool {
	q.mu.Lock()
	cancel, ok := q.cancelFns[jobID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Stop cancels every stage pool's context and waits for workers to drain.
func (q *JobQueue) Stop() {
	for _, pool := range q.pools {
		pool.cancel()
	}
	q.wg.Wait()
}
