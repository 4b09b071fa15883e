package importexport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/shapesinc/orchestration-core/internal/clients/gcs"
	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/repos"
)

// ImportHandler implements runtime.Handler for domain.JobShapesImport.
type ImportHandler struct {
	base
}

func NewImportHandler(
	baseLog *logger.Logger,
	ieRepo repos.ImportExportRepo,
	sessions repos.ShapesSessionRepo,
	personalities repos.PersonalityRepo,
	vecStore vectormem.Store,
	bucket gcs.BucketService,
	externalBaseURL string,
) *ImportHandler {
	return &ImportHandler{base{
		log:             baseLog.With("handler", "ShapesImport"),
		ieRepo:          ieRepo,
		sessions:        sessions,
		personalities:   personalities,
		vecStore:        vecStore,
		bucket:          bucket,
		externalBaseURL: externalBaseURL,
	}}
}

func (h *ImportHandler) Type() domain.JobType { return domain.JobShapesImport }

func (h *ImportHandler) Run(jc *runtime.Context) error {
	var payload ImportJobPayload
	if err := json.Unmarshal(jc.Job.Payload, &payload); err != nil {
		jc.Fail(fmt.Errorf("decode import job payload: %w", err))
		return nil
	}
	dbc := dbctx.Context{Ctx: jc.Ctx}

	if err := h.ieRepo.MarkInProgress(dbc, payload.JobRowID); err != nil {
		h.log.Warn("import: mark in_progress failed", "job_row_id", payload.JobRowID, "error", err)
	}

	cookie, err := h.loadCookie(dbc, payload.UserID)
	if err != nil {
		return h.handleError(jc, dbc, payload.JobRowID, &domain.ImportExportError{Kind: domain.ErrAuth, Err: err})
	}

	fetcher := h.fetcher(cookie)
	data, rotated, fetchErr := fetcher.FetchPersonality(jc.Ctx, payload.Slug)
	h.persistRotatedCookie(dbc, payload.UserID, rotated)
	if fetchErr != nil {
		return h.handleError(jc, dbc, payload.JobRowID, fetchErr)
	}

	outcome, applyErr := h.applyImport(dbc, payload, data)
	if applyErr != nil {
		return h.handleError(jc, dbc, payload.JobRowID, applyErr)
	}

	metaBytes, _ := json.Marshal(outcome)
	if err := h.ieRepo.MarkCompleted(dbc, payload.JobRowID, metaBytes); err != nil {
		h.log.Warn("import: mark completed failed", "job_row_id", payload.JobRowID, "error", err)
	}
	h.log.Info("import completed", "job_row_id", payload.JobRowID, "slug", payload.Slug, "imported", outcome.Imported, "skipped", outcome.Skipped, "failed", outcome.Failed)
	return jc.Succeed(map[string]any{"success": true, "outcome": outcome}, "")
}

// handleError applies the import/export retry classification: a retryable error
// re-throws to the queue (marking the tracking row failed only once
// attempts are exhausted); anything else transitions the row to failed
// immediately and returns a soft-failure result rather than consuming
// another queue attempt.
func (h *ImportHandler) handleError(jc *runtime.Context, dbc dbctx.Context, rowID uuid.UUID, cause error) error {
	kind, retryable := classify(cause)
	if retryable && jc.Job.Attempts < jc.Job.MaxAttempts {
		h.log.Warn("import: retryable error, will retry", "job_row_id", rowID, "kind", kind, "attempts", jc.Job.Attempts, "error", cause)
		return cause
	}
	if markErr := h.ieRepo.MarkFailed(dbc, rowID, cause.Error()); markErr != nil {
		h.log.Error("import: mark failed error", "job_row_id", rowID, "error", markErr)
	}
	h.log.Error("import: terminal error", "job_row_id", rowID, "kind", kind, "error", cause)
	return jc.Succeed(map[string]any{"success": false, "error": cause.Error(), "error_kind": kind}, "")
}

// applyImport runs the Import algorithm: personality upsert for
// `full`, personality lookup for `memory_only`, then the shared memory diff.
func (h *ImportHandler) applyImport(dbc dbctx.Context, payload ImportJobPayload, data domain.ExternalPersonalityData) (domain.ImportOutcome, error) {
	var personality *domain.Personality
	var err error

	switch payload.ImportType {
	case domain.ImportMemoryOnly:
		personality, err = h.personalities.GetBySlug(dbc, data.Slug)
		if err != nil {
			return domain.ImportOutcome{}, &domain.ImportExportError{Kind: domain.ErrMapping, Err: fmt.Errorf("lookup personality: %w", err)}
		}
		if personality == nil {
			return domain.ImportOutcome{}, &domain.ImportExportError{Kind: domain.ErrNotFound, Err: fmt.Errorf("no existing personality with slug %q for memory_only import", data.Slug)}
		}

	default: // domain.ImportFull
		personality, err = h.upsertFull(dbc, payload, data)
		if err != nil {
			return domain.ImportOutcome{}, err
		}
	}

	outcome := h.ingestMemories(dbc.Ctx, personality, data.Memories)
	return outcome, nil
}

// upsertFull enforces the slug-ownership conflict check before writing,
// then optionally downloads and stores the avatar (non-fatal on failure).
func (h *ImportHandler) upsertFull(dbc dbctx.Context, payload ImportJobPayload, data domain.ExternalPersonalityData) (*domain.Personality, error) {
	existing, err := h.personalities.GetBySlug(dbc, data.Slug)
	if err != nil {
		return nil, &domain.ImportExportError{Kind: domain.ErrMapping, Err: fmt.Errorf("lookup personality: %w", err)}
	}
	if existing != nil && existing.OwnerUserID != "" && existing.OwnerUserID != payload.UserID && !payload.IsBotAdmin {
		return nil, &domain.ImportExportError{Kind: domain.ErrAuth, Err: fmt.Errorf("personality slug %q is owned by a different user", data.Slug)}
	}

	p := &domain.Personality{
		Slug:             data.Slug,
		OwnerUserID:      payload.UserID,
		Name:             data.Config.Name,
		Model:            data.Config.Model,
		VisionModel:      data.Config.VisionModel,
		SystemPrompt:     data.Config.SystemPrompt,
		Temperature:      data.Config.Temperature,
		FrequencyPenalty: data.Config.FrequencyPenalty,
	}
	if existing != nil {
		p.ID = existing.ID
		p.ShareLTMAcrossPersonas = existing.ShareLTMAcrossPersonas
		p.IncludeSystemPromptInVis = existing.IncludeSystemPromptInVis
		p.IsFreeTierModel = existing.IsFreeTierModel
	} else {
		p.ID = uuid.New().String()
	}

	if err := h.personalities.Upsert(dbc, p); err != nil {
		return nil, &domain.ImportExportError{Kind: domain.ErrMapping, Err: fmt.Errorf("upsert personality: %w", err)}
	}

	if avatarURL, ok := data.Personalization["avatarUrl"].(string); ok && avatarURL != "" {
		h.importAvatar(dbc.Ctx, p.ID, avatarURL)
	}
	return p, nil
}

// importAvatar is best-effort: any failure is logged and the import
// continues.
func (h *ImportHandler) importAvatar(ctx context.Context, personalityID, avatarURL string) {
	if h.bucket == nil {
		return
	}
	img, err := downloadAvatar(ctx, avatarURL)
	if err != nil {
		h.log.Warn("import: avatar download failed", "personality_id", personalityID, "error", err)
		return
	}
	key := "avatars/" + personalityID
	if err := h.bucket.UploadFile(ctx, key, bytes.NewReader(img)); err != nil {
		h.log.Warn("import: avatar upload failed", "personality_id", personalityID, "error", err)
	}
}

// ingestMemories diffs the external memories against the vector store by
// exact text match, skipping duplicates, and tallies imported/skipped/
// failed — a single memory-storage failure never fails the job.
func (h *ImportHandler) ingestMemories(ctx context.Context, personality *domain.Personality, memories []domain.ExternalMemory) domain.ImportOutcome {
	var outcome domain.ImportOutcome
	if h.vecStore == nil || personality == nil {
		return outcome
	}
	scope := domain.LTMShareScope{PersonaID: personality.ID, ShareAcrossPersonalities: personality.ShareLTMAcrossPersonas}

	for _, mem := range memories {
		exists, err := h.vecStore.Exists(ctx, scope, mem.Text)
		if err != nil {
			h.log.Warn("import: memory dedup check failed, attempting store anyway", "error", err)
		} else if exists {
			outcome.Skipped++
			continue
		}
		if err := h.vecStore.Store(ctx, scope, domain.DeferredMemoryRecord{Text: mem.Text, Metadata: mem.Metadata}); err != nil {
			h.log.Warn("import: memory store failed", "error", err)
			outcome.Failed++
			continue
		}
		outcome.Imported++
	}
	return outcome
}
