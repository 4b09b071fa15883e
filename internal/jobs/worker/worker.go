// Package worker is the execution engine for the SQL-backed job queue: poll,
// claim with a DB-level lease, dispatch to a registered handler, wrap
// execution with heartbeats and panic recovery. Independent concurrency caps
// per JobType keep a flood of ImageDescription jobs from starving
// LLMGeneration, so this worker owns one bounded goroutine pool per
// registered JobType instead of a single shared one.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/notifier"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/queue"
	"github.com/shapesinc/orchestration-core/internal/repos"
	"github.com/shapesinc/orchestration-core/internal/resultstore"
)

type Worker struct {
	log      *logger.Logger
	repo     queue.Repo
	results  repos.JobResultRepo
	registry *runtime.Registry
	notify   notifier.DeliveryNotifier
	store    resultstore.Store
	policy   queue.RunnablePolicy

	// concurrency maps a JobType to its pool size. A type absent from the
	// map falls back to WORKER_CONCURRENCY_<type>, then to
	// EnvWorkerConcurrencyDefault (default 4).
	concurrency map[domain.JobType]int
	poll        time.Duration
}

func NewWorker(baseLog *logger.Logger, repo queue.Repo, results repos.JobResultRepo, registry *runtime.Registry, notify notifier.DeliveryNotifier, store resultstore.Store) *Worker {
	return &Worker{
		log:      baseLog.With("component", "Worker"),
		repo:     repo,
		results:  results,
		registry: registry,
		notify:   notify,
		store:    store,
		policy: queue.RunnablePolicy{
			MaxAttempts:  config.GetEnvInt(config.EnvWorkerMaxAttempts, 5),
			RetryDelay:   config.GetEnvDuration(config.EnvWorkerRetryDelay, 30*time.Second),
			StaleRunning: config.GetEnvDuration(config.EnvWorkerStaleRunning, 30*time.Minute),
		},
		concurrency: make(map[domain.JobType]int),
		poll:        config.GetEnvDuration(config.EnvWorkerPollInterval, time.Second),
	}
}

// WithConcurrency overrides the pool size for a single job type. Call before
// Start; concurrency changes after Start have no effect.
func (w *Worker) WithConcurrency(jobType domain.JobType, n int) *Worker {
	w.concurrency[jobType] = n
	return w
}

func (w *Worker) concurrencyFor(jobType domain.JobType) int {
	if n, ok := w.concurrency[jobType]; ok && n > 0 {
		return n
	}
	n := config.GetEnvInt(config.EnvWorkerConcurrencyPrefix+string(jobType), 0)
	if n > 0 {
		return n
	}
	return config.GetEnvInt(config.EnvWorkerConcurrencyDefault, 4)
}

// Start spawns one bounded goroutine pool per registered job type. Each
// goroutine in a type's pool polls ClaimNextRunnable scoped to that one
// type, so a type's concurrency cap is enforced independent of every other
// type's backlog.
func (w *Worker) Start(ctx context.Context) {
	for _, jobType := range w.registry.Types() {
		n := w.concurrencyFor(jobType)
		w.log.Info("starting job type pool", "job_type", jobType, "concurrency", n)
		for i := 0; i < n; i++ {
			go w.runLoop(ctx, jobType, i+1)
		}
	}
}

func (w *Worker) runLoop(ctx context.Context, jobType domain.JobType, workerID int) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "job_type", jobType, "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, []domain.JobType{jobType}, w.policy)
			if err != nil {
				w.log.Warn("claim failed", "job_type", jobType, "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.execute(ctx, job, workerID)
		}
	}
}

func (w *Worker) execute(ctx context.Context, job *domain.Job, workerID int) {
	h, ok := w.registry.Get(job.Type)
	jc := runtime.NewContext(ctx, job, w.repo, w.results, w.notify, w.store)

	if !ok {
		w.log.Warn("no handler registered for job_type", "worker_id", workerID, "job_type", job.Type, "job_id", job.ID)
		jc.Fail(&missingHandlerError{JobType: job.Type})
		return
	}

	stopHB := w.startHeartbeat(ctx, job.ID)
	defer stopHB()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic", "worker_id", workerID, "job_id", job.ID, "job_type", job.Type, "panic", r)
			jc.Fail(errFromRecover(r))
		}
	}()

	if runErr := h.Run(jc); runErr != nil {
		// Most handlers call jc.Fail/jc.Succeed themselves; this is a
		// safety net for a bare error return.
		jc.Fail(runErr)
	}
}

func (w *Worker) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if jobID == uuid.Nil {
					continue
				}
				_ = w.repo.Heartbeat(dbctx.Context{Ctx: ctx}, jobID)
			}
		}
	}()
	return func() { close(done) }
}

type missingHandlerError struct{ JobType domain.JobType }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + string(e.JobType)
}

func errFromRecover(v any) error { return &panicError{Val: v} }

// panicError intentionally avoids echoing the recovered value into the
// persisted error column; the full value is logged separately.
type panicError struct{ Val any }

func (e *panicError) Error() string { return "panic: unexpected error" }
