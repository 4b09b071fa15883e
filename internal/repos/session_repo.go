package repos

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// ShapesSessionRepo persists the rotating external-service session cookie
// used by ExternalImport/Export. Rotation must never be lost:
// Put always overwrites the prior row for the user rather than appending.
type ShapesSessionRepo interface {
	Get(dbc dbctx.Context, userID string) (*domain.ShapesSessionCredential, error)
	Put(dbc dbctx.Context, userID, cookieEnc string) error
}

type shapesSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewShapesSessionRepo(db *gorm.DB, baseLog *logger.Logger) ShapesSessionRepo {
	return &shapesSessionRepo{db: db, log: baseLog.With("repo", "ShapesSessionRepo")}
}

func (r *shapesSessionRepo) Get(dbc dbctx.Context, userID string) (*domain.ShapesSessionCredential, error) {
	tx := dbc.Resolve(r.db)
	var out domain.ShapesSessionCredential
	err := tx.WithContext(dbc.Ctx).Where("user_id = ?", userID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Put upserts the rotated cookie. Called before returning and before error
// propagation on every import/export attempt, so a rotation picked up
// mid-job is never lost even if the job subsequently fails.
func (r *shapesSessionRepo) Put(dbc dbctx.Context, userID, cookieEnc string) error {
	tx := dbc.Resolve(r.db)
	row := domain.ShapesSessionCredential{UserID: userID, CookieEnc: cookieEnc, RotatedAt: time.Now().UTC()}
	return tx.WithContext(dbc.Ctx).Save(&row).Error
}
