package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// PendingMemoryRepo backs the deferred-memory retry queue: a storage
// attempt that fails gets shelved here and retried by PendingMemoryRetrier
// until Attempts reaches the configured cap, or permanently shelved at the
// domain.PendingMemoryShelvedAttempts sentinel when its metadata is
// invalid.
type PendingMemoryRepo interface {
	Create(dbc dbctx.Context, row *domain.PendingMemory) error
	// ListRetryable returns up to limit rows with attempts < attemptCap, oldest
	// first, for PendingMemoryRetrier to sweep idempotently.
	ListRetryable(dbc dbctx.Context, attemptCap int, limit int) ([]*domain.PendingMemory, error)
	IncrementAttempt(dbc dbctx.Context, id uuid.UUID, lastErr string) error
	Shelve(dbc dbctx.Context, id uuid.UUID, reason string) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
	Stats(dbc dbctx.Context, attemptCap int) (domain.PendingMemoryStats, error)
}

type pendingMemoryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPendingMemoryRepo(db *gorm.DB, baseLog *logger.Logger) PendingMemoryRepo {
	return &pendingMemoryRepo{db: db, log: baseLog.With("repo", "PendingMemoryRepo")}
}

func (r *pendingMemoryRepo) Create(dbc dbctx.Context, row *domain.PendingMemory) error {
	tx := dbc.Resolve(r.db)
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(dbc.Ctx).Create(row).Error
}

func (r *pendingMemoryRepo) ListRetryable(dbc dbctx.Context, attemptCap int, limit int) ([]*domain.PendingMemory, error) {
	tx := dbc.Resolve(r.db)
	var out []*domain.PendingMemory
	err := tx.WithContext(dbc.Ctx).
		Where("attempts < ?", attemptCap).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *pendingMemoryRepo) IncrementAttempt(dbc dbctx.Context, id uuid.UUID, lastErr string) error {
	tx := dbc.Resolve(r.db)
	now := time.Now().UTC()
	return tx.WithContext(dbc.Ctx).Model(&domain.PendingMemory{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":        gorm.Expr("attempts + 1"),
		"last_attempt_at": now,
		"error":           lastErr,
	}).Error
}

// Shelve sets Attempts to the permanent-shelving sentinel so ListRetryable
// never picks the row up again.
func (r *pendingMemoryRepo) Shelve(dbc dbctx.Context, id uuid.UUID, reason string) error {
	tx := dbc.Resolve(r.db)
	now := time.Now().UTC()
	return tx.WithContext(dbc.Ctx).Model(&domain.PendingMemory{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts":        domain.PendingMemoryShelvedAttempts,
		"last_attempt_at": now,
		"error":           reason,
	}).Error
}

func (r *pendingMemoryRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	tx := dbc.Resolve(r.db)
	return tx.WithContext(dbc.Ctx).Where("id = ?", id).Delete(&domain.PendingMemory{}).Error
}

func (r *pendingMemoryRepo) Stats(dbc dbctx.Context, attemptCap int) (domain.PendingMemoryStats, error) {
	tx := dbc.Resolve(r.db)
	stats := domain.PendingMemoryStats{ByAttempts: make(map[int]int)}

	var total int64
	if err := tx.WithContext(dbc.Ctx).Model(&domain.PendingMemory{}).Count(&total).Error; err != nil {
		return stats, err
	}
	stats.Total = int(total)

	var shelved int64
	if err := tx.WithContext(dbc.Ctx).Model(&domain.PendingMemory{}).
		Where("attempts = ?", domain.PendingMemoryShelvedAttempts).Count(&shelved).Error; err != nil {
		return stats, err
	}
	stats.Shelved = int(shelved)

	var rows []struct {
		Attempts int
		Count    int
	}
	if err := tx.WithContext(dbc.Ctx).Model(&domain.PendingMemory{}).
		Select("attempts, count(*) as count").
		Where("attempts < ?", attemptCap).
		Group("attempts").
		Scan(&rows).Error; err != nil {
		return stats, err
	}
	for _, row := range rows {
		stats.ByAttempts[row.Attempts] = row.Count
	}
	return stats, nil
}
