// Package orchestrator turns an accepted IncomingRequest into a job flow:
// one LLMGeneration parent plus zero or more preprocessing children, linked
// by JobDependency rows and submitted atomically in a single transaction.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/queue"
	"github.com/shapesinc/orchestration-core/internal/repos"
)

// FlowDispatcher pushes a freshly created job onto a durable-execution path
// in addition to the SQL-polling worker's ClaimNextRunnable sweep. The
// Temporal-backed internal/temporalx/jobrun.Dispatcher is the only
// implementation today; a nil dispatcher (the default) means every job
// waits to be claimed by the poller exactly as before this existed.
type FlowDispatcher interface {
	StartJob(ctx context.Context, jobID uuid.UUID) error
}

type ChainOrchestrator struct {
	repo          queue.Repo
	personalities repos.PersonalityRepo
	dispatcher    FlowDispatcher
	log           *logger.Logger
}

func New(repo queue.Repo, personalities repos.PersonalityRepo, baseLog *logger.Logger) *ChainOrchestrator {
	return &ChainOrchestrator{repo: repo, personalities: personalities, log: baseLog.With("component", "ChainOrchestrator")}
}

// WithDispatcher attaches a FlowDispatcher so every job created by Submit is
// also started on the durable-execution path. Optional: a ChainOrchestrator
// with no dispatcher behaves exactly as it did before Temporal was wired in.
func (o *ChainOrchestrator) WithDispatcher(d FlowDispatcher) *ChainOrchestrator {
	o.dispatcher = d
	return o
}

// AudioJobPayload is the AudioTranscription child payload.
type AudioJobPayload struct {
	RequestID             string            `json:"requestId"`
	Attachment            domain.Attachment `json:"attachment"`
	UserID                string            `json:"userId"`
	ChannelID             string            `json:"channelId"`
	SourceReferenceNumber int               `json:"sourceReferenceNumber,omitempty"`
}

// ImageJobPayload is the ImageDescription child payload: one job per
// batch of images rather than one job per image. VisionModel and
// SystemPrompt are resolved once at submission time per the priority
// chain personality-visionModel > personality-model-if-vision-capable >
// configured fallback, so the preprocessing child never needs to redo
// ConfigResolution's full hierarchy lookup.
type ImageJobPayload struct {
	RequestID             string              `json:"requestId"`
	Attachments           []domain.Attachment `json:"attachments"`
	UserID                string              `json:"userId"`
	ChannelID             string              `json:"channelId"`
	SourceReferenceNumber int                 `json:"sourceReferenceNumber,omitempty"`
	VisionModel           string              `json:"visionModel"`
	SystemPrompt          string              `json:"systemPrompt,omitempty"`
}

// visionCapableModels is the configured allow-list for step (b) of the
// priority chain: personality.Model counts as vision-capable only if its ID
// appears here.
func visionCapableModels() map[string]struct{} {
	raw := config.GetEnv(config.EnvVisionCapableModels, "gpt-4o,gpt-4o-mini,gpt-4-vision-preview")
	out := make(map[string]struct{})
	for _, m := range strings.Split(raw, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			out[m] = struct{}{}
		}
	}
	return out
}

// resolveVisionModel applies personality-visionModel > personality-model-if-
// vision-capable > configured fallback. personality may be nil
// (slug lookup miss) — fallback alone still produces a usable model.
func resolveVisionModel(personality *domain.Personality) (model, systemPrompt string) {
	fallback := config.GetEnv(config.EnvVisionFallbackModelID, "gpt-4o-mini")
	if personality == nil {
		return fallback, ""
	}
	if personality.VisionModel != "" {
		model = personality.VisionModel
	} else if _, ok := visionCapableModels()[personality.Model]; ok {
		model = personality.Model
	} else {
		model = fallback
	}
	if personality.IncludeSystemPromptInVis {
		systemPrompt = personality.SystemPrompt
	}
	return model, systemPrompt
}

// Submit categorizes req's attachments (direct message plus every referenced
// message) into audio/image preprocessing children, composes the flow, and
// writes it in one transaction. Returns the parent job ID.
func (o *ChainOrchestrator) Submit(dbc dbctx.Context, req *domain.IncomingRequest) (uuid.UUID, error) {
	parentID := uuid.New()

	var personality *domain.Personality
	if o.personalities != nil && req.Personality != "" {
		p, err := o.personalities.GetBySlug(dbc, req.Personality)
		if err != nil {
			o.log.Warn("personality lookup failed, falling back to configured vision model", "personality", req.Personality, "error", err)
		} else {
			personality = p
		}
	}
	visionModel, visionSystemPrompt := resolveVisionModel(personality)

	var children []*domain.Job
	var deps []*domain.JobDependency

	addGroup := func(atts []domain.Attachment, refNum int) error {
		audio, images := categorize(atts)

		for i, a := range audio {
			childID := uuid.New()
			payload, err := json.Marshal(AudioJobPayload{
				RequestID:             fmt.Sprintf("%s-audio-%d", req.RequestID, i),
				Attachment:            a,
				UserID:                req.Context.UserID,
				ChannelID:             req.Context.ChannelID,
				SourceReferenceNumber: refNum,
			})
			if err != nil {
				return err
			}
			children = append(children, &domain.Job{
				ID:        childID,
				RequestID: req.RequestID,
				Type:      domain.JobAudioTranscription,
				Status:    domain.StatusQueued,
				Payload:   datatypes.JSON(payload),
			})
			deps = append(deps, &domain.JobDependency{
				ID:                    uuid.New(),
				ParentJobID:           parentID,
				ChildJobID:            childID,
				ChildType:             domain.JobAudioTranscription,
				Status:                domain.StatusQueued,
				ResultKey:             domain.ResultKey(childID),
				SourceReferenceNumber: refNum,
			})
		}

		if len(images) > 0 {
			childID := uuid.New()
			payload, err := json.Marshal(ImageJobPayload{
				RequestID:             req.RequestID + "-image",
				Attachments:           images,
				UserID:                req.Context.UserID,
				ChannelID:             req.Context.ChannelID,
				SourceReferenceNumber: refNum,
				VisionModel:           visionModel,
				SystemPrompt:          visionSystemPrompt,
			})
			if err != nil {
				return err
			}
			children = append(children, &domain.Job{
				ID:        childID,
				RequestID: req.RequestID,
				Type:      domain.JobImageDescription,
				Status:    domain.StatusQueued,
				Payload:   datatypes.JSON(payload),
			})
			deps = append(deps, &domain.JobDependency{
				ID:                    uuid.New(),
				ParentJobID:           parentID,
				ChildJobID:            childID,
				ChildType:             domain.JobImageDescription,
				Status:                domain.StatusQueued,
				ResultKey:             domain.ResultKey(childID),
				SourceReferenceNumber: refNum,
			})
		}
		return nil
	}

	// Direct message attachments: sourceReferenceNumber 0.
	if err := addGroup(req.Context.Attachments, 0); err != nil {
		return uuid.Nil, err
	}
	// Referenced (quoted) messages: each gets its own reference number and
	// must never merge with direct-message preprocessing.
	for _, ref := range req.Context.ReferencedMessages {
		if ref.ReferenceNumber < 1 {
			continue
		}
		if err := addGroup(ref.Attachments, ref.ReferenceNumber); err != nil {
			return uuid.Nil, err
		}
	}

	parentPayload, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, err
	}
	parent := &domain.Job{
		ID:        parentID,
		RequestID: req.RequestID,
		Type:      domain.JobLLMGeneration,
		Status:    domain.StatusQueued,
		Payload:   datatypes.JSON(parentPayload),
	}

	if err := o.repo.CreateFlow(dbc, parent, children, deps); err != nil {
		return uuid.Nil, fmt.Errorf("create flow: %w", err)
	}
	o.log.Info("submitted job flow", "request_id", req.RequestID, "parent_job_id", parentID, "children", len(children))

	if o.dispatcher != nil {
		ctx := dbc.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		for _, child := range children {
			if err := o.dispatcher.StartJob(ctx, child.ID); err != nil {
				o.log.Warn("temporal dispatch failed for child job, SQL worker will still poll it", "job_id", child.ID, "job_type", child.Type, "error", err)
			}
		}
		if err := o.dispatcher.StartJob(ctx, parentID); err != nil {
			o.log.Warn("temporal dispatch failed for parent job, SQL worker will still poll it", "job_id", parentID, "job_type", parent.Type, "error", err)
		}
	}
	return parentID, nil
}

func categorize(atts []domain.Attachment) (audio []domain.Attachment, images []domain.Attachment) {
	for _, a := range atts {
		switch a.Classify() {
		case domain.AttachmentAudio:
			audio = append(audio, a)
		case domain.AttachmentImage:
			images = append(images, a)
		}
	}
	return
}
