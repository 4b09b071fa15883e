// Package queue is the durable, at-least-once job queue. It is a
// Postgres-backed claim queue: `SELECT ... FOR UPDATE SKIP LOCKED` gives
// every worker goroutine a
// contention-free way to grab the next runnable row, and retries are
// durable across process restarts because they live in the row itself
// (attempts / last_error_at), not in memory.
package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// Repo is the persistence contract for the job queue. It intentionally
// knows nothing about job_type semantics; dispatch lives in jobs/runtime.
type Repo interface {
	// CreateFlow inserts a parent job and its children plus the
	// JobDependency links in a single transaction: exactly one parent,
	// children have no children of their own.
	CreateFlow(dbc dbctx.Context, parent *domain.Job, children []*domain.Job, deps []*domain.JobDependency) error

	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error)

	// ClaimNextRunnable claims the oldest runnable job of the given types.
	// A parent is runnable only once every one of its children has reached
	// Completed; rows with outstanding children are simply skipped by the
	// WHERE clause, not polled in a loop.
	ClaimNextRunnable(dbc dbctx.Context, types []domain.JobType, policy RunnablePolicy) (*domain.Job, error)

	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error

	DependenciesForParent(dbc dbctx.Context, parentJobID uuid.UUID) ([]*domain.JobDependency, error)
	MarkDependencyStatus(dbc dbctx.Context, childJobID uuid.UUID, status domain.JobStatus) error

	// HasPending reports whether any job of the given type is still queued
	// or active, so schedulers can avoid stacking duplicate sweep jobs.
	HasPending(dbc dbctx.Context, jobType domain.JobType) (bool, error)
}

type RunnablePolicy struct {
	MaxAttempts  int
	RetryDelay   time.Duration
	StaleRunning time.Duration
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRepo(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("component", "QueueRepo")}
}

func (r *repo) CreateFlow(dbc dbctx.Context, parent *domain.Job, children []*domain.Job, deps []*domain.JobDependency) error {
	tx := dbc.Resolve(r.db)
	return tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		if len(children) > 0 {
			if err := txx.Create(&children).Error; err != nil {
				return err
			}
		}
		if err := txx.Create(parent).Error; err != nil {
			return err
		}
		if len(deps) > 0 {
			if err := txx.Create(&deps).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	tx := dbc.Resolve(r.db)
	var job domain.Job
	err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	tx := dbc.Resolve(r.db)
	var out []*domain.Job
	if len(ids) == 0 {
		return out, nil
	}
	err := tx.WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

// ClaimNextRunnable implements the claim query. A row of type
// JobLLMGeneration additionally requires every job_dependency row for it to
// have status=Completed; that's expressed with a NOT EXISTS subquery so the
// check happens in the same locking statement instead of a separate
// round-trip (and therefore can't race a child's completion).
func (r *repo) ClaimNextRunnable(dbc dbctx.Context, types []domain.JobType, policy RunnablePolicy) (*domain.Job, error) {
	tx := dbc.Resolve(r.db)
	now := time.Now()
	retryCutoff := now.Add(-policy.RetryDelay)
	staleCutoff := now.Add(-policy.StaleRunning)

	var claimed *domain.Job
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job domain.Job
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				job_type IN ?
				AND (
					status = ?
					OR (status = ? AND attempts < ? AND (last_error_at IS NULL OR last_error_at < ?))
					OR (status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)
				)
				AND NOT EXISTS (
					SELECT 1 FROM job_dependency jd
					WHERE jd.parent_job_id = job.id AND jd.status <> ?
				)
			`, types, domain.StatusQueued, domain.StatusFailed, policy.MaxAttempts, retryCutoff, domain.StatusActive, staleCutoff, domain.StatusCompleted).
			Order("created_at ASC")

		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		uErr := txx.Model(&domain.Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
			"status":       domain.StatusActive,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	tx := dbc.Resolve(r.db)
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	tx := dbc.Resolve(r.db)
	now := time.Now()
	return tx.WithContext(dbc.Ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.StatusActive).
		Updates(map[string]interface{}{"heartbeat_at": now, "updated_at": now}).Error
}

func (r *repo) DependenciesForParent(dbc dbctx.Context, parentJobID uuid.UUID) ([]*domain.JobDependency, error) {
	tx := dbc.Resolve(r.db)
	var out []*domain.JobDependency
	err := tx.WithContext(dbc.Ctx).Where("parent_job_id = ?", parentJobID).Find(&out).Error
	return out, err
}

func (r *repo) HasPending(dbc dbctx.Context, jobType domain.JobType) (bool, error) {
	tx := dbc.Resolve(r.db)
	var n int64
	err := tx.WithContext(dbc.Ctx).Model(&domain.Job{}).
		Where("job_type = ? AND status IN ?", jobType, []domain.JobStatus{domain.StatusQueued, domain.StatusActive}).
		Count(&n).Error
	return n > 0, err
}

func (r *repo) MarkDependencyStatus(dbc dbctx.Context, childJobID uuid.UUID, status domain.JobStatus) error {
	tx := dbc.Resolve(r.db)
	return tx.WithContext(dbc.Ctx).Model(&domain.JobDependency{}).
		Where("child_job_id = ?", childJobID).
		Update("status", status).Error
}
