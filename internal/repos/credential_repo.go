package repos

import (
	"errors"

	"gorm.io/gorm"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// CredentialRepo backs AuthResolution: a missing
// credential for (userID, provider) puts the request into guest mode.
type CredentialRepo interface {
	Get(dbc dbctx.Context, userID, provider string) (*domain.APICredential, error)
}

type credentialRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCredentialRepo(db *gorm.DB, baseLog *logger.Logger) CredentialRepo {
	return &credentialRepo{db: db, log: baseLog.With("repo", "CredentialRepo")}
}

func (r *credentialRepo) Get(dbc dbctx.Context, userID, provider string) (*domain.APICredential, error) {
	tx := dbc.Resolve(r.db)
	var out domain.APICredential
	err := tx.WithContext(dbc.Ctx).Where("user_id = ? AND provider = ?", userID, provider).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
