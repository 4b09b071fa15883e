package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/queue"
	"github.com/shapesinc/orchestration-core/internal/repos"
)

// fakeQueueRepo captures the flow passed to CreateFlow so tests can assert
// fan-out shape without a real database.
type fakeQueueRepo struct {
	queue.Repo
	lastParent   *domain.Job
	lastChildren []*domain.Job
	lastDeps     []*domain.JobDependency
}

func (f *fakeQueueRepo) CreateFlow(_ dbctx.Context, parent *domain.Job, children []*domain.Job, deps []*domain.JobDependency) error {
	f.lastParent = parent
	f.lastChildren = children
	f.lastDeps = deps
	return nil
}

type fakePersonalityLookup struct {
	repos.PersonalityRepo
	bySlug map[string]*domain.Personality
}

func (f *fakePersonalityLookup) GetBySlug(_ dbctx.Context, slug string) (*domain.Personality, error) {
	return f.bySlug[slug], nil
}

func TestSubmit_NoAttachmentsProducesParentOnly(t *testing.T) {
	q := &fakeQueueRepo{}
	o := New(q, nil, logger.Noop())

	req := &domain.IncomingRequest{
		RequestID: "req-1",
		Context:   domain.RequestContext{UserID: "u1"},
	}

	parentID, err := o.Submit(dbctx.Context{Ctx: context.Background()}, req)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, parentID)
	require.NotNil(t, q.lastParent)
	require.Equal(t, domain.JobLLMGeneration, q.lastParent.Type)
	require.Empty(t, q.lastChildren)
	require.Empty(t, q.lastDeps)
}

func TestSubmit_DirectAttachmentsFanOutAudioAndImageChildren(t *testing.T) {
	q := &fakeQueueRepo{}
	o := New(q, nil, logger.Noop())

	req := &domain.IncomingRequest{
		RequestID: "req-2",
		Context: domain.RequestContext{
			UserID: "u1",
			Attachments: []domain.Attachment{
				{ContentType: "audio/ogg"},
				{ContentType: "image/png"},
				{ContentType: "image/jpeg"},
			},
		},
	}

	parentID, err := o.Submit(dbctx.Context{Ctx: context.Background()}, req)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, parentID)

	// One audio child, plus one batched image child (all images in a single
	// group collapse into one ImageDescription job).
	require.Len(t, q.lastChildren, 2)
	require.Len(t, q.lastDeps, 2)
	for _, dep := range q.lastDeps {
		require.Equal(t, parentID, dep.ParentJobID)
		require.Equal(t, 0, dep.SourceReferenceNumber)
	}
}

func TestSubmit_ReferencedMessageAttachmentsGetOwnReferenceNumber(t *testing.T) {
	q := &fakeQueueRepo{}
	o := New(q, nil, logger.Noop())

	req := &domain.IncomingRequest{
		RequestID: "req-3",
		Context: domain.RequestContext{
			UserID: "u1",
			ReferencedMessages: []domain.ReferencedMessage{
				{ReferenceNumber: 1, Attachments: []domain.Attachment{{ContentType: "audio/mpeg"}}},
			},
		},
	}

	_, err := o.Submit(dbctx.Context{Ctx: context.Background()}, req)
	require.NoError(t, err)
	require.Len(t, q.lastDeps, 1)
	require.Equal(t, 1, q.lastDeps[0].SourceReferenceNumber)
}

func TestSubmit_ReferencedMessageWithInvalidReferenceNumberSkipped(t *testing.T) {
	q := &fakeQueueRepo{}
	o := New(q, nil, logger.Noop())

	req := &domain.IncomingRequest{
		RequestID: "req-4",
		Context: domain.RequestContext{
			UserID: "u1",
			ReferencedMessages: []domain.ReferencedMessage{
				{ReferenceNumber: 0, Attachments: []domain.Attachment{{ContentType: "audio/mpeg"}}},
			},
		},
	}

	_, err := o.Submit(dbctx.Context{Ctx: context.Background()}, req)
	require.NoError(t, err)
	require.Empty(t, q.lastChildren)
}

func TestSubmit_UsesPersonalityVisionModelInImageChildPayload(t *testing.T) {
	q := &fakeQueueRepo{}
	personalities := &fakePersonalityLookup{bySlug: map[string]*domain.Personality{
		"nova": {Slug: "nova", VisionModel: "custom/vision-model"},
	}}
	o := New(q, personalities, logger.Noop())

	req := &domain.IncomingRequest{
		RequestID:   "req-5",
		Personality: "nova",
		Context: domain.RequestContext{
			UserID:      "u1",
			Attachments: []domain.Attachment{{ContentType: "image/png"}},
		},
	}

	_, err := o.Submit(dbctx.Context{Ctx: context.Background()}, req)
	require.NoError(t, err)
	require.Len(t, q.lastChildren, 1)

	var payload ImageJobPayload
	require.NoError(t, json.Unmarshal(q.lastChildren[0].Payload, &payload))
	require.Equal(t, "custom/vision-model", payload.VisionModel)
}

func TestCategorize_SplitsAudioAndImageAndDropsOther(t *testing.T) {
	atts := []domain.Attachment{
		{ContentType: "audio/ogg"},
		{ContentType: "image/png"},
		{ContentType: "application/pdf"},
	}
	audio, images := categorize(atts)
	require.Len(t, audio, 1)
	require.Len(t, images, 1)
}

func TestResolveVisionModel_PersonalityVisionModelWins(t *testing.T) {
	p := &domain.Personality{VisionModel: "custom/vision-model", Model: "gpt-4o"}
	model, _ := resolveVisionModel(p)
	require.Equal(t, "custom/vision-model", model)
}

func TestResolveVisionModel_FallsBackToModelWhenVisionCapable(t *testing.T) {
	p := &domain.Personality{Model: "gpt-4o"}
	model, _ := resolveVisionModel(p)
	require.Equal(t, "gpt-4o", model)
}

func TestResolveVisionModel_FallsBackToConfiguredDefaultWhenNotVisionCapable(t *testing.T) {
	p := &domain.Personality{Model: "some-text-only-model"}
	model, _ := resolveVisionModel(p)
	require.NotEqual(t, "some-text-only-model", model)
}

func TestResolveVisionModel_NilPersonalityUsesFallback(t *testing.T) {
	model, prompt := resolveVisionModel(nil)
	require.NotEmpty(t, model)
	require.Empty(t, prompt)
}

func TestResolveVisionModel_IncludesSystemPromptOnlyWhenFlagged(t *testing.T) {
	p := &domain.Personality{Model: "gpt-4o", SystemPrompt: "be concise", IncludeSystemPromptInVis: true}
	_, prompt := resolveVisionModel(p)
	require.Equal(t, "be concise", prompt)

	p2 := &domain.Personality{Model: "gpt-4o", SystemPrompt: "be concise", IncludeSystemPromptInVis: false}
	_, prompt2 := resolveVisionModel(p2)
	require.Empty(t, prompt2)
}
