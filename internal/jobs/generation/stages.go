// Package generation implements the GenerationPipeline: a fixed-length
// sequence of six pure stage functions over an immutable GenerationContext,
// plus the escalating-retry Generation call and the Swiss-cheese duplicate
// detector (package duplicate). Each stage is a tagged variant over an
// immutable context rather than dynamic dispatch through an
// interface-typed step list.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/preprocess"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/secretenc"
)

// Step names, used for FailedStep/LastSuccessfulStep metadata.
const (
	StepValidation           = "Validation"
	StepDependencyResolution = "DependencyResolution"
	StepConfigResolution     = "ConfigResolution"
	StepAuthResolution       = "AuthResolution"
	StepContextPreparation   = "ContextPreparation"
	StepGeneration           = "Generation"
)

// stageValidation is stage 1: parse the job payload against its schema. A
// failure here is a programmer error — the caller re-throws to the queue,
// it never becomes a soft result.
func stageValidation(job *domain.Job) (*domain.GenerationContext, error) {
	var req domain.IncomingRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode LLMGeneration payload: %w", err)
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, fmt.Errorf("missing requestId")
	}
	if strings.TrimSpace(req.Context.UserID) == "" {
		return nil, fmt.Errorf("missing context.userId")
	}
	return &domain.GenerationContext{
		Job:       job,
		StartTime: time.Now().UTC(),
		Request:   &req,
	}, nil
}

// stageDependencyResolution is stage 2: read every
// declared child result from the intermediate result store, convert
// successful children to ProcessedAttachments, and inline-process
// extendedContextAttachments. A missing or failed dependency is logged and
// skipped — this stage never throws.
func (h *Handler) stageDependencyResolution(jc context.Context, dbc dbctx.Context, in *domain.GenerationContext) *domain.GenerationContext {
	out := in.Clone()
	results := &domain.PreprocessingResults{ReferenceAttachments: map[int][]domain.ProcessedAttachment{}}

	deps, err := h.repo.DependenciesForParent(dbc, in.Job.ID)
	if err != nil {
		h.log.Warn("dependency resolution: list dependencies failed", "job_id", in.Job.ID, "error", err)
		deps = nil
	}

	type fetched struct {
		dep           *domain.JobDependency
		atts          []domain.ProcessedAttachment
		transcription string
	}
	fetchedResults := make([]fetched, len(deps))

	g, gctx := errgroup.WithContext(jc)
	g.SetLimit(8)
	for i, dep := range deps {
		i, dep := i, dep
		g.Go(func() error {
			atts, transcript := h.resolveOneDependency(gctx, dep)
			fetchedResults[i] = fetched{dep: dep, atts: atts, transcription: transcript}
			return nil
		})
	}
	_ = g.Wait() // resolveOneDependency never returns an error; failures are logged and skipped

	for _, f := range fetchedResults {
		if f.dep == nil {
			continue
		}
		if f.transcription != "" {
			results.Transcriptions = append(results.Transcriptions, f.transcription)
		}
		for _, att := range f.atts {
			if att.SourceReferenceNumber > 0 {
				results.ReferenceAttachments[att.SourceReferenceNumber] = append(results.ReferenceAttachments[att.SourceReferenceNumber], att)
			} else {
				results.ProcessedAttachments = append(results.ProcessedAttachments, att)
			}
		}
	}

	if len(in.Request.Context.ExtendedContextAttachments) > 0 {
		results.ExtendedContextAttachments = h.resolveExtendedContext(jc, dbc, in)
	}

	out.Preprocessing = results
	return out
}

// resolveOneDependency fetches one child's result and converts it. Read or
// decode errors are logged and treated as "no output from this child":
// never throw.
func (h *Handler) resolveOneDependency(ctx context.Context, dep *domain.JobDependency) ([]domain.ProcessedAttachment, string) {
	key := dep.ResultKey
	if key == "" {
		key = dep.ChildJobID.String()
	}

	switch dep.ChildType {
	case domain.JobAudioTranscription:
		var res preprocess.AudioResult
		if err := h.store.Get(ctx, key, &res); err != nil {
			h.log.Info("dependency resolution: audio result unavailable", "key", key, "error", err)
			return nil, ""
		}
		if !res.Success || res.Content == "" {
			return nil, ""
		}
		return []domain.ProcessedAttachment{{
			Kind:                  domain.AttachmentAudio,
			Description:           res.Content,
			OriginalURL:           res.AttachmentURL,
			SourceReferenceNumber: dep.SourceReferenceNumber,
		}}, res.Content

	case domain.JobImageDescription:
		var res preprocess.ImageResult
		if err := h.store.Get(ctx, key, &res); err != nil {
			h.log.Info("dependency resolution: image result unavailable", "key", key, "error", err)
			return nil, ""
		}
		if !res.Success && len(res.Descriptions) == 0 {
			return nil, ""
		}
		out := make([]domain.ProcessedAttachment, 0, len(res.Descriptions))
		for _, d := range res.Descriptions {
			if d.Description == "" {
				continue
			}
			out = append(out, domain.ProcessedAttachment{
				Kind:                  domain.AttachmentImage,
				Description:           d.Description,
				OriginalURL:           d.URL,
				SourceReferenceNumber: dep.SourceReferenceNumber,
			})
		}
		return out, ""

	default:
		h.log.Warn("dependency resolution: unexpected child type", "child_type", dep.ChildType)
		return nil, ""
	}
}

// resolveExtendedContext inline-processes context.extendedContextAttachments
// (images only) without going through the queue. Since this runs inside
// stage 2 (before stages 3/4 populate Config and Auth), it computes the same
// resolution those stages will produce via the shared
// resolveConfig/resolveAuth helpers. Neither result reaches the description:
// DescribeImageBytes takes no model ID and no API key, so each image is
// described by the vision backend the same way whatever vision model or key
// the request resolves to.
func (h *Handler) resolveExtendedContext(ctx context.Context, dbc dbctx.Context, in *domain.GenerationContext) []domain.ProcessedAttachment {
	cfg := h.resolveConfig(dbc, in.Request)
	auth := h.resolveAuth(dbc, in.Request, cfg)
	_ = auth // not passed to the vision backend

	var out []domain.ProcessedAttachment
	for _, att := range in.Request.Context.ExtendedContextAttachments {
		if att.Classify() != domain.AttachmentImage {
			continue
		}
		img, err := preprocess.DownloadAttachment(ctx, att.URL)
		if err != nil {
			h.log.Warn("extended context attachment download failed", "url", att.URL, "error", err)
			continue
		}
		desc, err := h.vision.DescribeImageBytes(ctx, img, att.ContentType)
		if err != nil {
			h.log.Warn("extended context attachment description failed", "url", att.URL, "error", err)
			continue
		}
		out = append(out, domain.ProcessedAttachment{
			Kind:        domain.AttachmentImage,
			Description: desc,
			OriginalURL: att.URL,
		})
	}
	return out
}

// stageConfigResolution is stage 3: resolve the effective
// personality via the hierarchy user-override > user-default > personality
// -default, and apply the provisional guest-mode model swap when the
// request carries no bring-your-own key.
func (h *Handler) stageConfigResolution(dbc dbctx.Context, in *domain.GenerationContext) *domain.GenerationContext {
	out := in.Clone()
	out.Config = h.resolveConfig(dbc, in.Request)
	return out
}

func (h *Handler) resolveConfig(dbc dbctx.Context, req *domain.IncomingRequest) *domain.ResolvedConfig {
	var p *domain.Personality
	if h.personalities != nil && req.Personality != "" {
		if got, err := h.personalities.GetBySlug(dbc, req.Personality); err == nil {
			p = got
		} else {
			h.log.Warn("config resolution: personality lookup failed", "personality", req.Personality, "error", err)
		}
	}

	eff := domain.EffectivePersonality{}
	source := domain.ConfigSourcePersonality
	if p != nil {
		eff = domain.EffectivePersonality{
			ID:                       p.ID,
			Name:                     p.Name,
			Model:                    p.Model,
			VisionModel:              p.VisionModel,
			SystemPrompt:             p.SystemPrompt,
			Temperature:              p.Temperature,
			FrequencyPenalty:         p.FrequencyPenalty,
			ShareLTMAcrossPersonas:   p.ShareLTMAcrossPersonas,
			IncludeSystemPromptInVis: p.IncludeSystemPromptInVis,
		}
	}

	if h.personalities != nil && req.Context.UserID != "" {
		if def, err := h.personalities.GetUserDefault(dbc, req.Context.UserID); err == nil && def != nil {
			applyUserDefault(&eff, def)
			source = domain.ConfigSourceUserDefault
		}
		if p != nil {
			if ov, err := h.personalities.GetUserOverride(dbc, req.Context.UserID, p.ID); err == nil && ov != nil {
				applyUserOverride(&eff, ov)
				source = domain.ConfigSourceUserPersonality
			}
		}
	}

	// Provisional guest-mode swap: re-finalized in
	// AuthResolution once the real credential lookup has happened.
	if strings.TrimSpace(req.UserAPIKey) == "" {
		applyGuestDefaults(&eff)
	}

	return &domain.ResolvedConfig{Personality: eff, ConfigSource: source}
}

func applyUserDefault(eff *domain.EffectivePersonality, def *domain.UserDefaultConfig) {
	if def.Model != nil {
		eff.Model = *def.Model
	}
	if def.Temperature != nil {
		eff.Temperature = *def.Temperature
	}
	if def.FrequencyPenalty != nil {
		eff.FrequencyPenalty = *def.FrequencyPenalty
	}
}

func applyUserOverride(eff *domain.EffectivePersonality, ov *domain.UserPersonalityOverride) {
	if ov.Model != nil {
		eff.Model = *ov.Model
	}
	if ov.Temperature != nil {
		eff.Temperature = *ov.Temperature
	}
	if ov.FrequencyPenalty != nil {
		eff.FrequencyPenalty = *ov.FrequencyPenalty
	}
	if ov.SystemPrompt != nil {
		eff.SystemPrompt = *ov.SystemPrompt
	}
}

// applyGuestDefaults swaps the model (and vision model) for the configured
// free-tier default, unless the personality is already free-tier. Calling
// it twice (once provisionally in ConfigResolution, once more in
// AuthResolution once guest mode is confirmed) is intentionally idempotent.
func applyGuestDefaults(eff *domain.EffectivePersonality) {
	freeModel := config.GetEnv(config.EnvGuestModeDefaultModelID, "shapes/free-default")
	if eff.Model == freeModel {
		return
	}
	eff.Model = freeModel
	visionFallback := config.GetEnv(config.EnvVisionFallbackModelID, "gpt-4o-mini")
	eff.VisionModel = visionFallback
}

// stageAuthResolution is stage 4: resolve the API key and provider for
// this user, and finalize guest-mode status. If the guest swap from
// ConfigResolution was only provisional (e.g. it turns out a stored
// credential exists after all) it is *not* undone — the swap is deferred
// into this stage and never reversed once applied, so a request that
// enters ConfigResolution key-less commits to guest mode.
func (h *Handler) stageAuthResolution(dbc dbctx.Context, in *domain.GenerationContext) *domain.GenerationContext {
	out := in.Clone()
	out.Auth = h.resolveAuth(dbc, in.Request, in.Config)
	return out
}

func (h *Handler) resolveAuth(dbc dbctx.Context, req *domain.IncomingRequest, cfg *domain.ResolvedConfig) *domain.ResolvedAuth {
	provider := providerOf(cfg.Personality.Model)

	if key := strings.TrimSpace(req.UserAPIKey); key != "" {
		return &domain.ResolvedAuth{APIKey: key, Provider: provider, IsGuestMode: false}
	}

	if h.credentials != nil && req.Context.UserID != "" {
		if cred, err := h.credentials.Get(dbc, req.Context.UserID, provider); err == nil && cred != nil && cred.APIKeyEnc != "" {
			if key, decErr := secretenc.Decrypt(cred.APIKeyEnc); decErr == nil {
				return &domain.ResolvedAuth{APIKey: key, Provider: provider, IsGuestMode: false}
			} else {
				h.log.Warn("auth resolution: stored credential decrypt failed, falling back to guest mode", "user_id", req.Context.UserID, "provider", provider, "error", decErr)
			}
		}
	}

	// Guest mode: re-apply the model swap in case ConfigResolution ran
	// before this lookup could confirm it.
	applyGuestDefaults(&cfg.Personality)
	return &domain.ResolvedAuth{APIKey: "", Provider: provider, IsGuestMode: true}
}

func providerOf(model string) string {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i]
	}
	return "default"
}

// stageContextPreparation is stage 5: extract unique
// participants, compute oldestHistoryTimestamp, and convert raw history
// into the generator's message form.
func (h *Handler) stageContextPreparation(in *domain.GenerationContext) *domain.GenerationContext {
	out := in.Clone()
	raw := in.Request.Context.ConversationHistory

	var oldest *time.Time
	for _, e := range raw {
		if e.Timestamp == nil {
			continue
		}
		if oldest == nil || e.Timestamp.Before(*oldest) {
			t := *e.Timestamp
			oldest = &t
		}
	}

	messages := make([]domain.ConversationMessage, 0, len(raw))
	for _, e := range raw {
		messages = append(messages, domain.ConversationMessage{Role: e.Role, Content: e.Content})
	}

	out.Prepared = &domain.PreparedContext{
		ConversationHistory:    messages,
		RawConversationHistory: raw,
		OldestHistoryTimestamp: oldest,
		Participants:           extractParticipants(in),
	}
	return out
}

var mentionPattern = func() func(string) []string {
	return func(s string) []string {
		var out []string
		for _, word := range strings.Fields(s) {
			if strings.HasPrefix(word, "@") && len(word) > 1 {
				out = append(out, strings.Trim(word[1:], ".,!?;:"))
			}
		}
		return out
	}
}()

// extractParticipants gathers the active persona, assistant-authored
// history entries' implied persona (the active one, absent a per-turn
// speaker field in this data model), and any @-mentioned personas not
// already present.
func extractParticipants(in *domain.GenerationContext) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	if in.Config != nil {
		add(in.Config.Personality.Name)
	}
	for _, m := range mentionPattern(in.Request.Message) {
		add(m)
	}
	for _, e := range in.Request.Context.ConversationHistory {
		for _, m := range mentionPattern(e.Content) {
			add(m)
		}
	}
	sort.Strings(out[min(1, len(out)):]) // keep active persona first, sort the rest for determinism
	return out
}
