package generation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"

	"gorm.io/datatypes"

	"github.com/shapesinc/orchestration-core/internal/clients/generator"
	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
)

// attemptParams is the escalated parameter set for one Generation attempt.
// Attempt 1 uses the configured values untouched; every
// attempt after that raises temperature and frequency penalty over the
// previous one until a value reaches its clamp of 2.0, where it then stays,
// and progressively trims the oldest history.
type attemptParams struct {
	temperature      float64
	frequencyPenalty float64
	historyDropFrac  float64
}

func escalate(attempt int, base domain.EffectivePersonality) attemptParams {
	if attempt <= 1 {
		return attemptParams{temperature: base.Temperature, frequencyPenalty: base.FrequencyPenalty}
	}
	step := float64(attempt - 1)
	return attemptParams{
		temperature:      clampf(base.Temperature+0.2*step, 0, 2),
		frequencyPenalty: clampf(base.FrequencyPenalty+0.25*step, -2, 2),
		historyDropFrac:  math.Min(0.15*step, 0.5),
	}
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// recentAssistantMessages takes the last up-to-5 assistant turns, most
// recent first, as the duplicate-detector's comparison set.
func recentAssistantMessages(history []domain.RawHistoryEntry) []string {
	var out []string
	for i := len(history) - 1; i >= 0 && len(out) < 5; i-- {
		if strings.EqualFold(history[i].Role, "assistant") {
			out = append(out, history[i].Content)
		}
	}
	return out
}

// dropOldest removes the oldest fraction of history entries, rounding down,
// never dropping the most recent entry.
func dropOldest(history []domain.RawHistoryEntry, frac float64) []domain.RawHistoryEntry {
	if frac <= 0 || len(history) < 2 {
		return history
	}
	n := int(float64(len(history)) * frac)
	if n >= len(history) {
		n = len(history) - 1
	}
	return history[n:]
}

func buildMessages(history []domain.RawHistoryEntry, userMessage string) []generator.Message {
	out := make([]generator.Message, 0, len(history)+1)
	for _, e := range history {
		out = append(out, generator.Message{Role: e.Role, Content: e.Content})
	}
	out = append(out, generator.Message{Role: "user", Content: userMessage})
	return out
}

// stageGeneration is stage 6: the retry-with-escalation and
// duplicate-detection loop, followed by deferred-memory storage and a
// fire-and-forget diagnostic write. It never returns an error — every
// outcome (transport failure, classified API error, exhausted duplicate
// retries) becomes a populated domain.GenerationResult, because by this
// point stages 1-5 have already validated every precondition the stage
// needs.
func (h *Handler) stageGeneration(ctx context.Context, in *domain.GenerationContext) *domain.GenerationContext {
	out := in.Clone()
	diag := newDiagnosticCollector(in.Job.RequestID, in.Config.Personality.ID, in.Request.Context.UserID, in.Request.Context.ChannelID, in.Request.Context.ServerID)

	history := in.Prepared.RawConversationHistory
	candidates := recentAssistantMessages(history)
	incognito := in.Request.Context.Incognito
	retrievedMemories := h.retrieveMemories(ctx, in)

	var last generator.GenerateResponse
	var lastErr error
	var dupDetected bool
	maxAttempts := h.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		params := escalate(attempt, in.Config.Personality)
		attemptHistory := domain.DeepCloneHistory(history)
		attemptHistory = dropOldest(attemptHistory, params.historyDropFrac)

		req := generator.GenerateRequest{
			Model:            in.Config.Personality.Model,
			SystemPrompt:     in.Config.Personality.SystemPrompt,
			Messages:         buildMessages(attemptHistory, in.Request.Message),
			Temperature:      params.temperature,
			FrequencyPenalty: params.frequencyPenalty,
			APIKey:           in.Auth.APIKey,
			SuppressMemory:   true,
			Incognito:        incognito,
		}

		start := time.Now()
		resp, err := h.generator.Generate(ctx, req)
		diag.recordAttempt(attempt, params, time.Since(start), err)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		last = resp

		// dupDetected stays true once any attempt tripped the detector, even
		// if a later attempt came back unique — the metadata flag records
		// that the pathology occurred, not that the final response is a
		// duplicate.
		res := h.detector.Check(ctx, resp.Content, candidates)
		if !res.IsDuplicate {
			break
		}
		dupDetected = true
		if attempt == maxAttempts {
			// Final attempt: return the last response anyway.
			h.log.Error("generation: duplicate response persisted through all attempts", "request_id", in.Job.RequestID, "attempt", attempt, "layer", res.Layer)
			break
		}
		h.log.Warn("generation: duplicate response detected, retrying with escalated parameters", "request_id", in.Job.RequestID, "attempt", attempt, "layer", res.Layer)
	}

	result := h.finishGeneration(ctx, in, last, lastErr, dupDetected, retrievedMemories, diag, time.Since(in.StartTime))
	out.Result = result

	go h.writeDiagnostic(diag, result)
	return out
}

// finishGeneration applies post-generation classification and builds the final GenerationResult.
func (h *Handler) finishGeneration(ctx context.Context, in *domain.GenerationContext, resp generator.GenerateResponse, genErr error, dupDetected bool, retrievedMemories []string, diag *diagnosticCollector, elapsed time.Duration) *domain.GenerationResult {
	meta := domain.GenerationMetadata{
		RetrievedMemories:          retrievedMemories,
		TokensIn:                   resp.TokensIn,
		TokensOut:                  resp.TokensOut,
		ProcessingTimeMs:           elapsed.Milliseconds(),
		ModelUsed:                  in.Config.Personality.Model,
		ProviderUsed:               in.Auth.Provider,
		ConfigSource:               in.Config.ConfigSource,
		IsGuestMode:                in.Auth.IsGuestMode,
		CrossTurnDuplicateDetected: dupDetected,
		LastSuccessfulStep:         StepContextPreparation,
	}

	if genErr != nil {
		meta.FailedStep = StepGeneration
		classified := classifyGenerationError(genErr)
		h.log.Error("generation: final attempt failed", "request_id", in.Job.RequestID, "error", genErr)
		return &domain.GenerationResult{
			RequestID: in.Job.RequestID,
			Success:   false,
			Error:     genErr.Error(),
			ErrorInfo: classified,
			Metadata:  meta,
			Incognito: in.Request.Context.Incognito,
		}
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		meta.FailedStep = StepGeneration
		return &domain.GenerationResult{
			RequestID: in.Job.RequestID,
			Success:   false,
			Error:     "generator returned an empty response",
			ErrorInfo: &domain.ClassifiedErr{
				Type:        "EmptyResponse",
				Category:    domain.CategoryClassifiedAPI,
				UserMessage: "The model produced no visible response.",
				ReferenceID: newReferenceID(),
				ShouldRetry: false,
			},
			Metadata: mergeThinkingContent(meta, resp.ThinkingContent),
			Incognito: in.Request.Context.Incognito,
		}
	}

	var deferred *domain.DeferredMemoryRecord
	if !in.Request.Context.Incognito && resp.DeferredMemory != nil {
		deferred = &domain.DeferredMemoryRecord{Text: resp.DeferredMemory.Text, Metadata: resp.DeferredMemory.Metadata}
		h.storeDeferredMemory(ctx, in, *deferred)
	}

	meta.LastSuccessfulStep = StepGeneration
	return &domain.GenerationResult{
		RequestID:                      in.Job.RequestID,
		Success:                        true,
		Content:                        content,
		AttachmentDescriptions:         descriptionStrings(in.Preprocessing.ProcessedAttachments),
		ReferencedMessagesDescriptions: referencedDescriptionStrings(in.Preprocessing.ReferenceAttachments),
		Metadata:                       meta,
		DeferredMemory:                 deferred,
		Incognito:                      in.Request.Context.Incognito,
	}
}

func mergeThinkingContent(meta domain.GenerationMetadata, thinking string) domain.GenerationMetadata {
	meta.ThinkingContent = thinking
	return meta
}

func descriptionStrings(atts []domain.ProcessedAttachment) []string {
	if len(atts) == 0 {
		return nil
	}
	out := make([]string, 0, len(atts))
	for _, a := range atts {
		out = append(out, a.Description)
	}
	return out
}

func referencedDescriptionStrings(byRef map[int][]domain.ProcessedAttachment) []string {
	if len(byRef) == 0 {
		return nil
	}
	var out []string
	for _, atts := range byRef {
		for _, a := range atts {
			out = append(out, a.Description)
		}
	}
	return out
}

// storeDeferredMemory calls the generator's storage hook exactly once,
// after the retry loop has converged. A storage failure is shelved to
// PendingMemory rather than failing the job — the user already has a
// validated response.
func (h *Handler) storeDeferredMemory(ctx context.Context, in *domain.GenerationContext, mem domain.DeferredMemoryRecord) {
	err := h.generator.StoreDeferredMemory(ctx, generator.DeferredMemory{Text: mem.Text, Metadata: mem.Metadata})
	if err == nil {
		return
	}
	h.log.Warn("generation: deferred memory storage failed, shelving to pending_memory", "request_id", in.Job.RequestID, "error", err)
	if h.pendingMem == nil {
		return
	}
	metadata, marshalErr := json.Marshal(mem.Metadata)
	if marshalErr != nil {
		metadata = []byte("{}")
	}
	row := &domain.PendingMemory{
		Text:     mem.Text,
		Metadata: datatypes.JSON(metadata),
		Error:    err.Error(),
	}
	if shelveErr := h.pendingMem.Create(dbctx.Context{Ctx: ctx}, row); shelveErr != nil {
		h.log.Error("generation: failed to shelve pending memory", "request_id", in.Job.RequestID, "error", shelveErr)
	}
}

// retrieveMemories queries long-term memory for context relevant to the
// incoming message, reserving a channel-scoped budget within the overall
// limit. Absent a vector store or embedding failure, it degrades to no
// retrieved memories rather than failing the request.
func (h *Handler) retrieveMemories(ctx context.Context, in *domain.GenerationContext) []string {
	if h.vecStore == nil {
		return nil
	}
	limit := config.GetEnvInt(config.EnvMemoryRetrievalLimit, 5)
	ratio := config.GetEnvFloat(config.EnvMemoryChannelBudgetRatio, 0.5)

	scope := domain.LTMShareScope{
		PersonaID:                in.Config.Personality.ID,
		ShareAcrossPersonalities: in.Config.Personality.ShareLTMAcrossPersonas,
	}
	embedding, err := h.generator.Embed(ctx, in.Request.Message)
	if err != nil {
		h.log.Warn("memory retrieval: embed failed", "request_id", in.Job.RequestID, "error", err)
		return nil
	}
	matches, err := h.vecStore.QuerySimilar(ctx, scope, embedding, limit*2)
	if err != nil {
		h.log.Warn("memory retrieval: query failed", "request_id", in.Job.RequestID, "error", err)
		return nil
	}
	return allocateByChannel(matches, in.Request.Context.ChannelID, limit, ratio)
}

// allocateByChannel reserves a share of the retrieval limit for memories
// written in the requesting channel (matched on the channelId scoping
// metadata each memory is stored with), so channel-local context is never
// crowded out by persona-wide matches. The channel allocation is at least
// one slot whenever ratio > 0 — even ratio 0.5 with limit 1 reserves a
// slot — and the remainder backfills from the overall ranked list.
func allocateByChannel(matches []vectormem.Match, channelID string, limit int, ratio float64) []string {
	if limit <= 0 || len(matches) == 0 {
		return nil
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	channelBudget := int(float64(limit) * ratio)
	if ratio > 0 && channelBudget < 1 {
		channelBudget = 1
	}

	taken := make(map[int]bool, limit)
	var texts []string
	if channelID != "" && channelBudget > 0 {
		for i, m := range matches {
			if len(texts) >= channelBudget {
				break
			}
			if m.Text == "" {
				continue
			}
			if ch, _ := m.Metadata["channelId"].(string); ch == channelID {
				texts = append(texts, m.Text)
				taken[i] = true
			}
		}
	}
	for i, m := range matches {
		if len(texts) >= limit {
			break
		}
		if taken[i] || m.Text == "" {
			continue
		}
		texts = append(texts, m.Text)
	}
	return texts
}

func classifyGenerationError(err error) *domain.ClassifiedErr {
	return &domain.ClassifiedErr{
		Type:        "GenerationError",
		Category:    domain.CategoryTransient,
		UserMessage: "The model is temporarily unavailable. Please try again shortly.",
		ReferenceID: newReferenceID(),
		ShouldRetry: false,
	}
}

func newReferenceID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "ref_" + hex.EncodeToString(b[:])
}
