// Package pendingmemory implements the scheduled sweep: PendingMemoryRetrier
// retries deferred-memory rows whose original storage attempt failed, until
// each either succeeds, gets shelved for bad metadata, or exhausts its
// attempt budget.
package pendingmemory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/repos"
)

const sweepLimit = 100

// Retrier implements runtime.Handler for domain.JobPendingMemoryRetry. It
// holds no per-call state: every sweep re-reads ListRetryable fresh, so
// concurrent invocations (unlikely for a scheduled singleton, but never
// assumed away) are each individually safe.
type Retrier struct {
	log   *logger.Logger
	repo  repos.PendingMemoryRepo
	store vectormem.Store
	cap   int
}

func NewRetrier(baseLog *logger.Logger, repo repos.PendingMemoryRepo, store vectormem.Store) *Retrier {
	return &Retrier{
		log:   baseLog.With("handler", "PendingMemoryRetrier"),
		repo:  repo,
		store: store,
		cap:   config.GetEnvInt(config.EnvPendingMemoryMaxAttempts, 3),
	}
}

func (r *Retrier) Type() domain.JobType { return domain.JobPendingMemoryRetry }

// pendingMemoryMetadata is the expected shape of a PendingMemory row's
// metadata blob: enough to rebuild the LTMShareScope the original
// DeferredMemoryRecord was scoped under. A row missing personaId cannot be
// replayed against the vector store at all, so it is shelved rather than
// retried forever.
type pendingMemoryMetadata struct {
	PersonaID                string         `json:"persona_id"`
	ShareAcrossPersonalities bool           `json:"share_across_personalities"`
	Extra                    map[string]any `json:"-"`
}

func (r *Retrier) Run(jc *runtime.Context) error {
	dbc := dbctx.Context{Ctx: jc.Ctx}
	rows, err := r.repo.ListRetryable(dbc, r.cap, sweepLimit)
	if err != nil {
		jc.Fail(fmt.Errorf("pending memory retrier: list retryable: %w", err))
		return nil
	}

	var succeeded, failed, shelved int
	for _, row := range rows {
		switch r.processRow(jc.Ctx, dbc, row) {
		case outcomeStored:
			succeeded++
		case outcomeShelved:
			shelved++
		case outcomeRetryLater, outcomeGaveUp:
			failed++
		}
	}

	r.log.Info("pending memory sweep complete", "claimed", len(rows), "stored", succeeded, "shelved", shelved, "still_failing", failed)
	return jc.CompleteChild(map[string]any{
		"claimed": len(rows),
		"stored":  succeeded,
		"shelved": shelved,
		"failing": failed,
	})
}

type rowOutcome int

const (
	outcomeStored rowOutcome = iota
	outcomeShelved
	outcomeRetryLater
	outcomeGaveUp
)

func (r *Retrier) processRow(ctx context.Context, dbc dbctx.Context, row *domain.PendingMemory) rowOutcome {
	meta, raw, err := decodeMetadata(row.Metadata)
	if err != nil || meta.PersonaID == "" {
		reason := "invalid or missing persona_id in metadata"
		if err != nil {
			reason = err.Error()
		}
		if shelveErr := r.repo.Shelve(dbc, row.ID, reason); shelveErr != nil {
			r.log.Error("pending memory: shelve failed", "id", row.ID, "error", shelveErr)
		} else {
			r.log.Warn("pending memory: shelved for invalid metadata", "id", row.ID, "reason", reason)
		}
		return outcomeShelved
	}

	scope := domain.LTMShareScope{PersonaID: meta.PersonaID, ShareAcrossPersonalities: meta.ShareAcrossPersonalities}
	rec := domain.DeferredMemoryRecord{Text: row.Text, Metadata: raw}

	if err := r.store.Store(ctx, scope, rec); err != nil {
		if incErr := r.repo.IncrementAttempt(dbc, row.ID, err.Error()); incErr != nil {
			r.log.Error("pending memory: increment attempt failed", "id", row.ID, "error", incErr)
		}
		if row.Attempts+1 >= r.cap {
			r.log.Error("pending memory: giving up after repeated storage failures", "id", row.ID, "attempts", row.Attempts+1, "error", err)
			return outcomeGaveUp
		}
		r.log.Warn("pending memory: storage attempt failed, will retry", "id", row.ID, "attempts", row.Attempts+1, "error", err)
		return outcomeRetryLater
	}

	if err := r.repo.Delete(dbc, row.ID); err != nil {
		r.log.Error("pending memory: stored but delete failed", "id", row.ID, "error", err)
	}
	return outcomeStored
}

func decodeMetadata(raw []byte) (pendingMemoryMetadata, map[string]any, error) {
	var meta pendingMemoryMetadata
	var generic map[string]any
	if len(raw) == 0 {
		return meta, nil, fmt.Errorf("empty metadata")
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return meta, nil, fmt.Errorf("metadata is not a JSON object: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, nil, fmt.Errorf("metadata schema mismatch: %w", err)
	}
	return meta, generic, nil
}
