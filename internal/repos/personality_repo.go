package repos

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// PersonalityRepo backs ConfigResolution's (user, personality) hierarchy
// lookup: personality-default, user-default-config,
// user-override-for-this-personality. It also backs the ExternalImport
// `full` upsert path: Personality.OwnerUserID plays the role
// the original's separate PersonalityOwner row would, so Upsert is a single
// statement rather than a multi-table transactional intent.
type PersonalityRepo interface {
	GetByID(dbc dbctx.Context, id string) (*domain.Personality, error)
	GetBySlug(dbc dbctx.Context, slug string) (*domain.Personality, error)
	GetUserOverride(dbc dbctx.Context, userID, personalityID string) (*domain.UserPersonalityOverride, error)
	GetUserDefault(dbc dbctx.Context, userID string) (*domain.UserDefaultConfig, error)
	// Upsert inserts or fully replaces a personality row keyed by slug.
	Upsert(dbc dbctx.Context, p *domain.Personality) error
}

type personalityRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPersonalityRepo(db *gorm.DB, baseLog *logger.Logger) PersonalityRepo {
	return &personalityRepo{db: db, log: baseLog.With("repo", "PersonalityRepo")}
}

func (r *personalityRepo) GetByID(dbc dbctx.Context, id string) (*domain.Personality, error) {
	tx := dbc.Resolve(r.db)
	var out domain.Personality
	err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *personalityRepo) GetBySlug(dbc dbctx.Context, slug string) (*domain.Personality, error) {
	tx := dbc.Resolve(r.db)
	var out domain.Personality
	err := tx.WithContext(dbc.Ctx).Where("slug = ?", slug).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *personalityRepo) GetUserOverride(dbc dbctx.Context, userID, personalityID string) (*domain.UserPersonalityOverride, error) {
	tx := dbc.Resolve(r.db)
	var out domain.UserPersonalityOverride
	err := tx.WithContext(dbc.Ctx).Where("user_id = ? AND personality_id = ?", userID, personalityID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Upsert writes p keyed by its unique slug, replacing every column on
// conflict. Callers are responsible for the slug-ownership conflict check
// before calling this — Upsert itself does not re-check ownership.
func (r *personalityRepo) Upsert(dbc dbctx.Context, p *domain.Personality) error {
	tx := dbc.Resolve(r.db)
	return tx.WithContext(dbc.Ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "slug"}},
		UpdateAll: true,
	}).Create(p).Error
}

func (r *personalityRepo) GetUserDefault(dbc dbctx.Context, userID string) (*domain.UserDefaultConfig, error) {
	tx := dbc.Resolve(r.db)
	var out domain.UserDefaultConfig
	err := tx.WithContext(dbc.Ctx).Where("user_id = ?", userID).First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
