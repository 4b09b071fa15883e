package jobrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.temporal.io/sdk/activity"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/notifier"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/queue"
	"github.com/shapesinc/orchestration-core/internal/repos"
	"github.com/shapesinc/orchestration-core/internal/resultstore"
)

// Activities is the Temporal-facing wrapper around the same
// jobs/runtime.Registry the SQL worker dispatches through; Tick is the one
// activity the Workflow loop calls.
type Activities struct {
	Log      *logger.Logger
	Repo     queue.Repo
	Results  repos.JobResultRepo
	Registry *runtime.Registry
	Notify   notifier.DeliveryNotifier
	Store    resultstore.Store
}

// Tick loads the job, checks its dependency-admission gate, dispatches to
// the registered handler for one attempt, and reports the resulting
// status. It never loops internally — Workflow owns backoff and retry.
func (a *Activities) Tick(ctx context.Context, jobID string) (TickResult, error) {
	res := TickResult{JobID: strings.TrimSpace(jobID)}
	if a == nil || a.Repo == nil || a.Registry == nil {
		return res, fmt.Errorf("jobrun: activity not configured")
	}

	id, err := uuid.Parse(res.JobID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("jobrun: invalid job_id")
	}

	dbc := dbctx.Context{Ctx: ctx}
	job, err := a.Repo.GetByID(dbc, id)
	if err != nil {
		return res, err
	}
	if job == nil {
		return res, fmt.Errorf("jobrun: job not found")
	}

	if job.Status == domain.StatusCompleted {
		res.Status = job.Status
		res.Attempts = job.Attempts
		res.MaxAttempts = job.MaxAttempts
		return res, nil
	}
	if job.Status == domain.StatusFailed {
		res.Status = job.Status
		res.Attempts = job.Attempts
		res.MaxAttempts = job.MaxAttempts
		res.Retryable = job.Attempts < job.MaxAttempts
		res.Error = job.Error
		return res, nil
	}

	// Dependency-admission gate: a parent is only runnable once every
	// linked child has reached Completed. Children have no dependency rows
	// of their own, so this is a no-op for them.
	deps, err := a.Repo.DependenciesForParent(dbc, id)
	if err != nil {
		return res, err
	}
	for _, dep := range deps {
		if dep.Status != domain.StatusCompleted {
			res.Status = domain.StatusQueued
			res.Attempts = job.Attempts
			res.MaxAttempts = job.MaxAttempts
			return res, nil
		}
	}

	now := time.Now().UTC()
	if err := a.Repo.UpdateFields(dbc, id, map[string]interface{}{
		"status":       domain.StatusActive,
		"attempts":     job.Attempts + 1,
		"locked_at":    now,
		"heartbeat_at": now,
		"updated_at":   now,
	}); err != nil {
		return res, err
	}
	job.Status = domain.StatusActive
	job.Attempts++

	stopHB := a.startHeartbeat(ctx, id)
	defer stopHB()

	jc := runtime.NewContext(ctx, job, a.Repo, a.Results, a.Notify, a.Store)
	h, ok := a.Registry.Get(job.Type)
	if !ok {
		jc.Fail(fmt.Errorf("no handler registered for job_type=%s", job.Type))
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if a.Log != nil {
						a.Log.Error("job handler panic", "job_id", id, "job_type", job.Type, "panic", r)
					}
					jc.Fail(fmt.Errorf("panic: unexpected error"))
				}
			}()
			if runErr := h.Run(jc); runErr != nil {
				jc.Fail(runErr)
			}
		}()
	}

	updated, err := a.Repo.GetByID(dbc, id)
	if err != nil {
		return res, err
	}
	if updated == nil {
		return res, fmt.Errorf("jobrun: job not found after tick")
	}

	res.Status = updated.Status
	res.Attempts = updated.Attempts
	res.MaxAttempts = updated.MaxAttempts
	res.Error = updated.Error
	if updated.Status == domain.StatusFailed {
		res.Retryable = updated.Attempts < updated.MaxAttempts
	}
	return res, nil
}

// startHeartbeat records both a Temporal activity heartbeat (so a hung
// handler is detected by HeartbeatTimeout) and the same DB heartbeat_at
// column the SQL worker refreshes, so either executor's stale-running
// detection sees a live job the same way.
func (a *Activities) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()
		dbHB := time.NewTicker(20 * time.Second)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				_ = a.Repo.Heartbeat(dbctx.Context{Ctx: ctx}, jobID)
			}
		}
	}()
	return func() { close(done) }
}
