package pendingmemory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

type fakePendingMemoryRepo struct {
	shelvedIDs    []uuid.UUID
	incrementedID []uuid.UUID
	deletedIDs    []uuid.UUID
	storeErr      error
}

func (f *fakePendingMemoryRepo) Create(dbctx.Context, *domain.PendingMemory) error { return nil }

func (f *fakePendingMemoryRepo) ListRetryable(dbctx.Context, int, int) ([]*domain.PendingMemory, error) {
	return nil, nil
}

func (f *fakePendingMemoryRepo) IncrementAttempt(_ dbctx.Context, id uuid.UUID, _ string) error {
	f.incrementedID = append(f.incrementedID, id)
	return nil
}

func (f *fakePendingMemoryRepo) Shelve(_ dbctx.Context, id uuid.UUID, _ string) error {
	f.shelvedIDs = append(f.shelvedIDs, id)
	return nil
}

func (f *fakePendingMemoryRepo) Delete(_ dbctx.Context, id uuid.UUID) error {
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

func (f *fakePendingMemoryRepo) Stats(dbctx.Context, int) (domain.PendingMemoryStats, error) {
	return domain.PendingMemoryStats{}, nil
}

type fakeVectorStore struct {
	storeErr error
}

func (f *fakeVectorStore) Store(context.Context, domain.LTMShareScope, domain.DeferredMemoryRecord) error {
	return f.storeErr
}

func (f *fakeVectorStore) QuerySimilar(context.Context, domain.LTMShareScope, []float32, int) ([]vectormem.Match, error) {
	return nil, nil
}

func (f *fakeVectorStore) Exists(context.Context, domain.LTMShareScope, string) (bool, error) {
	return false, nil
}

func newTestRetrier(repo *fakePendingMemoryRepo, store *fakeVectorStore, cap int) *Retrier {
	return &Retrier{log: logger.Noop(), repo: repo, store: store, cap: cap}
}

func TestProcessRow_MissingPersonaIDShelvesImmediately(t *testing.T) {
	repo := &fakePendingMemoryRepo{}
	r := newTestRetrier(repo, &fakeVectorStore{}, 3)

	row := &domain.PendingMemory{ID: uuid.New(), Metadata: []byte(`{"share_across_personalities":true}`)}
	outcome := r.processRow(context.Background(), dbctx.Context{Ctx: context.Background()}, row)

	require.Equal(t, outcomeShelved, outcome)
	require.Len(t, repo.shelvedIDs, 1)
}

func TestProcessRow_InvalidMetadataShelvesImmediately(t *testing.T) {
	repo := &fakePendingMemoryRepo{}
	r := newTestRetrier(repo, &fakeVectorStore{}, 3)

	row := &domain.PendingMemory{ID: uuid.New(), Metadata: []byte(`not json`)}
	outcome := r.processRow(context.Background(), dbctx.Context{Ctx: context.Background()}, row)

	require.Equal(t, outcomeShelved, outcome)
}

func TestProcessRow_SuccessfulStoreDeletesRow(t *testing.T) {
	repo := &fakePendingMemoryRepo{}
	r := newTestRetrier(repo, &fakeVectorStore{}, 3)

	id := uuid.New()
	row := &domain.PendingMemory{ID: id, Metadata: []byte(`{"persona_id":"p1"}`)}
	outcome := r.processRow(context.Background(), dbctx.Context{Ctx: context.Background()}, row)

	require.Equal(t, outcomeStored, outcome)
	require.Equal(t, []uuid.UUID{id}, repo.deletedIDs)
}

func TestProcessRow_StorageFailureBelowCapRetriesLater(t *testing.T) {
	repo := &fakePendingMemoryRepo{}
	store := &fakeVectorStore{storeErr: errStoreDown}
	r := newTestRetrier(repo, store, 3)

	row := &domain.PendingMemory{ID: uuid.New(), Attempts: 0, Metadata: []byte(`{"persona_id":"p1"}`)}
	outcome := r.processRow(context.Background(), dbctx.Context{Ctx: context.Background()}, row)

	require.Equal(t, outcomeRetryLater, outcome)
	require.Len(t, repo.incrementedID, 1)
	require.Empty(t, repo.deletedIDs)
}

// A row whose attempt count is already one below the cap gives up
// rather than being retried forever.
func TestProcessRow_StorageFailureAtCapGivesUp(t *testing.T) {
	repo := &fakePendingMemoryRepo{}
	store := &fakeVectorStore{storeErr: errStoreDown}
	r := newTestRetrier(repo, store, 3)

	row := &domain.PendingMemory{ID: uuid.New(), Attempts: 2, Metadata: []byte(`{"persona_id":"p1"}`)}
	outcome := r.processRow(context.Background(), dbctx.Context{Ctx: context.Background()}, row)

	require.Equal(t, outcomeGaveUp, outcome)
}

var errStoreDown = errors.New("vector store unavailable")
