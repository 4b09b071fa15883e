package generation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/repos"
)

func TestStageValidation_RejectsMissingRequestID(t *testing.T) {
	payload, err := json.Marshal(domain.IncomingRequest{Context: domain.RequestContext{UserID: "u1"}})
	require.NoError(t, err)

	_, err = stageValidation(&domain.Job{Payload: payload})
	require.Error(t, err)
}

func TestStageValidation_RejectsMissingUserID(t *testing.T) {
	payload, err := json.Marshal(domain.IncomingRequest{RequestID: "req-1"})
	require.NoError(t, err)

	_, err = stageValidation(&domain.Job{Payload: payload})
	require.Error(t, err)
}

func TestStageValidation_RejectsUndecodablePayload(t *testing.T) {
	_, err := stageValidation(&domain.Job{Payload: []byte("not json")})
	require.Error(t, err)
}

func TestStageValidation_Accepts(t *testing.T) {
	payload, err := json.Marshal(domain.IncomingRequest{
		RequestID: "req-1",
		Context:   domain.RequestContext{UserID: "u1"},
	})
	require.NoError(t, err)

	out, err := stageValidation(&domain.Job{Payload: payload})
	require.NoError(t, err)
	require.NotNil(t, out.Request)
	require.Equal(t, "req-1", out.Request.RequestID)
	require.False(t, out.StartTime.IsZero())
}

// fakePersonalityRepo is a minimal in-memory stand-in for repos.PersonalityRepo,
// grounded on the pack's table-driven fake-repo test style (kadirpekel-hector).
type fakePersonalityRepo struct {
	bySlug    map[string]*domain.Personality
	overrides map[string]*domain.UserPersonalityOverride
	defaults  map[string]*domain.UserDefaultConfig
}

func (f *fakePersonalityRepo) GetByID(dbctx.Context, string) (*domain.Personality, error) { return nil, nil }

func (f *fakePersonalityRepo) GetBySlug(_ dbctx.Context, slug string) (*domain.Personality, error) {
	return f.bySlug[slug], nil
}

func (f *fakePersonalityRepo) GetUserOverride(_ dbctx.Context, userID, personalityID string) (*domain.UserPersonalityOverride, error) {
	return f.overrides[userID+"|"+personalityID], nil
}

func (f *fakePersonalityRepo) GetUserDefault(_ dbctx.Context, userID string) (*domain.UserDefaultConfig, error) {
	return f.defaults[userID], nil
}

func (f *fakePersonalityRepo) Upsert(dbctx.Context, *domain.Personality) error { return nil }

var _ repos.PersonalityRepo = (*fakePersonalityRepo)(nil)

func testHandler(personalities repos.PersonalityRepo) *Handler {
	return &Handler{
		log:           logger.Noop(),
		personalities: personalities,
	}
}

func TestResolveConfig_PersonalityDefaultOnly(t *testing.T) {
	p := &domain.Personality{ID: "p1", Slug: "nova", Name: "Nova", Model: "openai/gpt-4o", Temperature: 0.7}
	repo := &fakePersonalityRepo{bySlug: map[string]*domain.Personality{"nova": p}}
	h := testHandler(repo)

	cfg := h.resolveConfig(dbctx.Context{Ctx: context.Background()}, &domain.IncomingRequest{
		Personality: "nova",
		UserAPIKey:  "user-key",
		Context:     domain.RequestContext{UserID: "u1"},
	})

	require.Equal(t, domain.ConfigSourcePersonality, cfg.ConfigSource)
	require.Equal(t, "openai/gpt-4o", cfg.Personality.Model)
	require.Equal(t, 0.7, cfg.Personality.Temperature)
}

func TestResolveConfig_UserDefaultOverridesPersonalityDefault(t *testing.T) {
	p := &domain.Personality{ID: "p1", Slug: "nova", Model: "openai/gpt-4o"}
	model := "anthropic/claude-3"
	repo := &fakePersonalityRepo{
		bySlug:   map[string]*domain.Personality{"nova": p},
		defaults: map[string]*domain.UserDefaultConfig{"u1": {UserID: "u1", Model: &model}},
	}
	h := testHandler(repo)

	cfg := h.resolveConfig(dbctx.Context{Ctx: context.Background()}, &domain.IncomingRequest{
		Personality: "nova",
		UserAPIKey:  "user-key",
		Context:     domain.RequestContext{UserID: "u1"},
	})

	require.Equal(t, domain.ConfigSourceUserDefault, cfg.ConfigSource)
	require.Equal(t, "anthropic/claude-3", cfg.Personality.Model)
}

func TestResolveConfig_UserOverrideBeatsUserDefault(t *testing.T) {
	p := &domain.Personality{ID: "p1", Slug: "nova", Model: "openai/gpt-4o"}
	defaultModel := "anthropic/claude-3"
	overrideModel := "openai/gpt-4o-mini"
	repo := &fakePersonalityRepo{
		bySlug:    map[string]*domain.Personality{"nova": p},
		defaults:  map[string]*domain.UserDefaultConfig{"u1": {UserID: "u1", Model: &defaultModel}},
		overrides: map[string]*domain.UserPersonalityOverride{"u1|p1": {UserID: "u1", PersonalityID: "p1", Model: &overrideModel}},
	}
	h := testHandler(repo)

	cfg := h.resolveConfig(dbctx.Context{Ctx: context.Background()}, &domain.IncomingRequest{
		Personality: "nova",
		UserAPIKey:  "user-key",
		Context:     domain.RequestContext{UserID: "u1"},
	})

	require.Equal(t, domain.ConfigSourceUserPersonality, cfg.ConfigSource)
	require.Equal(t, "openai/gpt-4o-mini", cfg.Personality.Model)
}

func TestResolveConfig_NoUserAPIKeyAppliesGuestDefaults(t *testing.T) {
	p := &domain.Personality{ID: "p1", Slug: "nova", Model: "openai/gpt-4o", VisionModel: "openai/gpt-4o-vision"}
	repo := &fakePersonalityRepo{bySlug: map[string]*domain.Personality{"nova": p}}
	h := testHandler(repo)

	cfg := h.resolveConfig(dbctx.Context{Ctx: context.Background()}, &domain.IncomingRequest{
		Personality: "nova",
		Context:     domain.RequestContext{UserID: "u1"},
	})

	require.Equal(t, config.GetEnv(config.EnvGuestModeDefaultModelID, "shapes/free-default"), cfg.Personality.Model)
}

func TestApplyGuestDefaults_IdempotentOnSecondCall(t *testing.T) {
	eff := domain.EffectivePersonality{Model: "openai/gpt-4o"}
	applyGuestDefaults(&eff)
	first := eff.Model
	applyGuestDefaults(&eff)
	require.Equal(t, first, eff.Model)
}

func TestApplyGuestDefaults_NoopWhenAlreadyFreeTierModel(t *testing.T) {
	freeModel := config.GetEnv(config.EnvGuestModeDefaultModelID, "shapes/free-default")
	eff := domain.EffectivePersonality{Model: freeModel, VisionModel: "custom-vision-model"}
	applyGuestDefaults(&eff)
	require.Equal(t, "custom-vision-model", eff.VisionModel, "vision model must be untouched when the swap is a no-op")
}

func TestExtractParticipants_ActivePersonaFirstThenSortedMentions(t *testing.T) {
	in := &domain.GenerationContext{
		Config:  &domain.ResolvedConfig{Personality: domain.EffectivePersonality{Name: "Nova"}},
		Request: &domain.IncomingRequest{Message: "hey @Zed and @Amy, check this out"},
	}

	got := extractParticipants(in)
	require.Equal(t, []string{"Nova", "Amy", "Zed"}, got)
}

func TestExtractParticipants_DeduplicatesMentions(t *testing.T) {
	in := &domain.GenerationContext{
		Request: &domain.IncomingRequest{
			Message: "@Amy hi",
			Context: domain.RequestContext{
				ConversationHistory: []domain.RawHistoryEntry{{Content: "@Amy again"}},
			},
		},
	}

	got := extractParticipants(in)
	require.Equal(t, []string{"Amy"}, got)
}
