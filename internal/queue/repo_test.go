package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/queue/testutil"
)

// TestRepo_ClaimNextRunnable exercises the claim query's three eligible
// states (queued, failed-and-retry-eligible, stale-running). The query
// claims eligible rows oldest created_at first regardless of state; the rows
// are seeded queued, then failed, then stale, so they are claimed in that
// order. This needs a real Postgres instance — SKIP LOCKED and the
// NOT EXISTS correlated subquery aren't meaningfully exercised by a fake.
func TestRepo_ClaimNextRunnable(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewRepo(db, testutil.Logger(t))
	policy := RunnablePolicy{MaxAttempts: 5, RetryDelay: time.Hour, StaleRunning: time.Hour}

	now := time.Now().UTC()

	queued := &domain.Job{
		ID:        uuid.New(),
		RequestID: "req-queued",
		Type:      domain.JobAudioTranscription,
		Status:    domain.StatusQueued,
		CreatedAt: now.Add(-3 * time.Hour),
		UpdatedAt: now.Add(-3 * time.Hour),
	}
	retryEligible := &domain.Job{
		ID:          uuid.New(),
		RequestID:   "req-failed",
		Type:        domain.JobAudioTranscription,
		Status:      domain.StatusFailed,
		Attempts:    1,
		LastErrorAt: ptrTime(now.Add(-2 * time.Hour)),
		CreatedAt:   now.Add(-2 * time.Hour),
		UpdatedAt:   now.Add(-2 * time.Hour),
	}
	staleRunning := &domain.Job{
		ID:          uuid.New(),
		RequestID:   "req-stale",
		Type:        domain.JobAudioTranscription,
		Status:      domain.StatusActive,
		Attempts:    1,
		HeartbeatAt: ptrTime(now.Add(-10 * time.Hour)),
		CreatedAt:   now.Add(-1 * time.Hour),
		UpdatedAt:   now.Add(-1 * time.Hour),
	}

	if err := tx.Create([]*domain.Job{queued, retryEligible, staleRunning}).Error; err != nil {
		t.Fatalf("seed jobs: %v", err)
	}

	claim1, err := repo.ClaimNextRunnable(dbc, []domain.JobType{domain.JobAudioTranscription}, policy)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #1: %v", err)
	}
	if claim1 == nil || claim1.ID != queued.ID {
		t.Fatalf("ClaimNextRunnable #1: expected %v, got %v", queued.ID, claim1)
	}

	claim2, err := repo.ClaimNextRunnable(dbc, []domain.JobType{domain.JobAudioTranscription}, policy)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #2: %v", err)
	}
	if claim2 == nil || claim2.ID != retryEligible.ID {
		t.Fatalf("ClaimNextRunnable #2: expected %v, got %v", retryEligible.ID, claim2)
	}

	claim3, err := repo.ClaimNextRunnable(dbc, []domain.JobType{domain.JobAudioTranscription}, policy)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #3: %v", err)
	}
	if claim3 == nil || claim3.ID != staleRunning.ID {
		t.Fatalf("ClaimNextRunnable #3: expected %v, got %v", staleRunning.ID, claim3)
	}

	claim4, err := repo.ClaimNextRunnable(dbc, []domain.JobType{domain.JobAudioTranscription}, policy)
	if err != nil {
		t.Fatalf("ClaimNextRunnable #4: %v", err)
	}
	if claim4 != nil {
		t.Fatalf("ClaimNextRunnable #4: expected nil, got %v", claim4)
	}
}

// TestRepo_ClaimNextRunnable_DependencyGate asserts the parent/child
// admission invariant directly: a parent is not runnable while any of its
// job_dependency rows are not Completed, and becomes runnable the moment
// the last one is marked Completed.
func TestRepo_ClaimNextRunnable_DependencyGate(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewRepo(db, testutil.Logger(t))
	policy := RunnablePolicy{MaxAttempts: 5, RetryDelay: time.Hour, StaleRunning: time.Hour}

	now := time.Now().UTC()

	child := &domain.Job{
		ID:        uuid.New(),
		RequestID: "req-parent",
		Type:      domain.JobAudioTranscription,
		Status:    domain.StatusActive,
		CreatedAt: now.Add(-1 * time.Hour),
		UpdatedAt: now.Add(-1 * time.Hour),
	}
	parent := &domain.Job{
		ID:        uuid.New(),
		RequestID: "req-parent",
		Type:      domain.JobLLMGeneration,
		Status:    domain.StatusQueued,
		CreatedAt: now.Add(-1 * time.Hour),
		UpdatedAt: now.Add(-1 * time.Hour),
	}
	dep := &domain.JobDependency{
		ID:          uuid.New(),
		ParentJobID: parent.ID,
		ChildJobID:  child.ID,
		ChildType:   domain.JobAudioTranscription,
		Status:      domain.StatusActive,
		ResultKey:   domain.ResultKey(child.ID),
	}

	if err := repo.CreateFlow(dbc, parent, []*domain.Job{child}, []*domain.JobDependency{dep}); err != nil {
		t.Fatalf("CreateFlow: %v", err)
	}

	// The parent has an incomplete child, so it must not be claimable even
	// though it's the oldest queued row of its type.
	blocked, err := repo.ClaimNextRunnable(dbc, []domain.JobType{domain.JobLLMGeneration}, policy)
	if err != nil {
		t.Fatalf("ClaimNextRunnable (blocked): %v", err)
	}
	if blocked != nil {
		t.Fatalf("ClaimNextRunnable (blocked): expected nil, got %v", blocked)
	}

	if err := repo.MarkDependencyStatus(dbc, child.ID, domain.StatusCompleted); err != nil {
		t.Fatalf("MarkDependencyStatus: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, []domain.JobType{domain.JobLLMGeneration}, policy)
	if err != nil {
		t.Fatalf("ClaimNextRunnable (unblocked): %v", err)
	}
	if claimed == nil || claimed.ID != parent.ID {
		t.Fatalf("ClaimNextRunnable (unblocked): expected %v, got %v", parent.ID, claimed)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
