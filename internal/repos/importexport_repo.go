package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// ImportExportRepo tracks ShapesImport/ShapesExport job rows across their
// queued -> in_progress -> completed|failed lifecycle.
type ImportExportRepo interface {
	Create(dbc dbctx.Context, row *domain.ShapesImportExportJob) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ShapesImportExportJob, error)
	MarkInProgress(dbc dbctx.Context, id uuid.UUID) error
	MarkCompleted(dbc dbctx.Context, id uuid.UUID, metadata []byte) error
	MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) error
}

type importExportRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewImportExportRepo(db *gorm.DB, baseLog *logger.Logger) ImportExportRepo {
	return &importExportRepo{db: db, log: baseLog.With("repo", "ImportExportRepo")}
}

func (r *importExportRepo) Create(dbc dbctx.Context, row *domain.ShapesImportExportJob) error {
	tx := dbc.Resolve(r.db)
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if row.Status == "" {
		row.Status = domain.ImportExportQueued
	}
	return tx.WithContext(dbc.Ctx).Create(row).Error
}

func (r *importExportRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ShapesImportExportJob, error) {
	tx := dbc.Resolve(r.db)
	var out domain.ShapesImportExportJob
	err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *importExportRepo) MarkInProgress(dbc dbctx.Context, id uuid.UUID) error {
	tx := dbc.Resolve(r.db)
	return tx.WithContext(dbc.Ctx).Model(&domain.ShapesImportExportJob{}).
		Where("id = ?", id).Update("status", domain.ImportExportInProgress).Error
}

func (r *importExportRepo) MarkCompleted(dbc dbctx.Context, id uuid.UUID, metadata []byte) error {
	tx := dbc.Resolve(r.db)
	now := time.Now().UTC()
	return tx.WithContext(dbc.Ctx).Model(&domain.ShapesImportExportJob{}).
		Where("id = ?", id).Updates(map[string]interface{}{
		"status":       domain.ImportExportCompleted,
		"completed_at": now,
		"metadata":     metadata,
	}).Error
}

func (r *importExportRepo) MarkFailed(dbc dbctx.Context, id uuid.UUID, errMsg string) error {
	tx := dbc.Resolve(r.db)
	now := time.Now().UTC()
	return tx.WithContext(dbc.Ctx).Model(&domain.ShapesImportExportJob{}).
		Where("id = ?", id).Updates(map[string]interface{}{
		"status":       domain.ImportExportFailed,
		"completed_at": now,
		"error":        errMsg,
	}).Error
}
