package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// DiagnosticLogRepo is the flight recorder's sink. Entries are
// write-once and retained for 24h; Cleanup runs on the hourly ticker that
// App.Start (internal/app) launches, not per-request.
type DiagnosticLogRepo interface {
	Create(dbc dbctx.Context, entry *domain.DiagnosticLogEntry) error
	Cleanup(dbc dbctx.Context, olderThan time.Duration) (int64, error)
}

type diagnosticLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDiagnosticLogRepo(db *gorm.DB, baseLog *logger.Logger) DiagnosticLogRepo {
	return &diagnosticLogRepo{db: db, log: baseLog.With("repo", "DiagnosticLogRepo")}
}

func (r *diagnosticLogRepo) Create(dbc dbctx.Context, entry *domain.DiagnosticLogEntry) error {
	tx := dbc.Resolve(r.db)
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(dbc.Ctx).Create(entry).Error
}

func (r *diagnosticLogRepo) Cleanup(dbc dbctx.Context, olderThan time.Duration) (int64, error) {
	tx := dbc.Resolve(r.db)
	cutoff := time.Now().UTC().Add(-olderThan)
	res := tx.WithContext(dbc.Ctx).Where("created_at < ?", cutoff).Delete(&domain.DiagnosticLogEntry{})
	return res.RowsAffected, res.Error
}
