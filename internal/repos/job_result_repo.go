// Package repos holds gorm-backed persistence for everything the
// orchestration core writes outside the job queue itself: job results,
// pending-memory retry rows, diagnostic log entries, and import/export job
// rows: one file per aggregate, a small interface plus a
// *gorm.DB-backed struct.
package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// JobResultRepo persists the JobResult row written at the end of every job.
// Upsert is idempotent on jobID so a retried delivery publish after a
// crash can't create a duplicate row.
type JobResultRepo interface {
	Upsert(dbc dbctx.Context, result *domain.JobResult) error
	GetByJobID(dbc dbctx.Context, jobID uuid.UUID) (*domain.JobResult, error)
	MarkDelivered(dbc dbctx.Context, jobID uuid.UUID) error
}

type jobResultRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobResultRepo(db *gorm.DB, baseLog *logger.Logger) JobResultRepo {
	return &jobResultRepo{db: db, log: baseLog.With("repo", "JobResultRepo")}
}

func (r *jobResultRepo) Upsert(dbc dbctx.Context, result *domain.JobResult) error {
	tx := dbc.Resolve(r.db)
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(dbc.Ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"request_id", "result", "status", "completed_at"}),
	}).Create(result).Error
}

func (r *jobResultRepo) GetByJobID(dbc dbctx.Context, jobID uuid.UUID) (*domain.JobResult, error) {
	tx := dbc.Resolve(r.db)
	var out domain.JobResult
	err := tx.WithContext(dbc.Ctx).Where("job_id = ?", jobID).First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkDelivered performs the PendingDelivery -> Delivered CAS. It is
// idempotent: a second delivery of the same jobID is a benign no-op because
// the WHERE clause only matches rows still in PendingDelivery.
func (r *jobResultRepo) MarkDelivered(dbc dbctx.Context, jobID uuid.UUID) error {
	tx := dbc.Resolve(r.db)
	now := time.Now().UTC()
	return tx.WithContext(dbc.Ctx).Model(&domain.JobResult{}).
		Where("job_id = ? AND status = ?", jobID, domain.ResultPendingDelivery).
		Updates(map[string]interface{}{"status": domain.ResultDelivered, "delivered_at": now}).Error
}
