package preprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/shapesinc/orchestration-core/internal/clients/gcp"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/orchestrator"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

const imageDescriptionMaxAttempts = 2

// ImageDescription is one image's {url, description} pair.
type ImageDescription struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

// ImageResult is what gets written to the intermediate result store for an
// ImageDescription child job.
type ImageResult struct {
	Success               bool               `json:"success"`
	Descriptions          []ImageDescription `json:"descriptions"`
	SourceReferenceNumber int                `json:"sourceReferenceNumber,omitempty"`
	Error                 string             `json:"error,omitempty"`
}

// ImageHandler implements runtime.Handler for JobImageDescription: batched
// images in one child, processed in parallel
// with bounded retry and an independent-failure fallback per image. The
// resolved vision model from the priority chain (personality-visionModel >
// personality-model-if-vision-capable > configured fallback) travels with
// the job for logging/diagnostics; the description itself always comes from
// the GCP Vision backend.
type ImageHandler struct {
	log    *logger.Logger
	vision gcp.Vision
}

func NewImageHandler(baseLog *logger.Logger, vision gcp.Vision) *ImageHandler {
	return &ImageHandler{log: baseLog.With("handler", "ImageDescription"), vision: vision}
}

func (h *ImageHandler) Type() domain.JobType { return domain.JobImageDescription }

func (h *ImageHandler) Run(jc *runtime.Context) error {
	var payload orchestrator.ImageJobPayload
	if err := json.Unmarshal(jc.Job.Payload, &payload); err != nil {
		jc.Fail(fmt.Errorf("decode image job payload: %w", err))
		return nil
	}

	descriptions := make([]ImageDescription, len(payload.Attachments))
	var anyFailed atomic.Bool

	g, gctx := errgroup.WithContext(jc.Ctx)
	g.SetLimit(4)
	for i, att := range payload.Attachments {
		i, att := i, att
		g.Go(func() error {
			desc, ok := h.describe(gctx, att, payload.VisionModel)
			descriptions[i] = ImageDescription{URL: att.URL, Description: desc}
			if !ok {
				anyFailed.Store(true)
			}
			return nil
		})
	}
	// errgroup.Wait's error is always nil here: describe never returns an
	// error, only a fallback description, so one image's exhausted retries
	// can never cascade into the others.
	_ = g.Wait()

	result := ImageResult{
		Success:               !anyFailed.Load(),
		Descriptions:          descriptions,
		SourceReferenceNumber: payload.SourceReferenceNumber,
	}
	if anyFailed.Load() {
		result.Error = "one or more images failed description after retries"
	}
	return jc.CompleteChild(result)
}

// describe downloads the image and calls the vision backend with bounded
// retry. Exhausting retries never surfaces an error to the caller — it
// returns a fallback description string and ok=false so one image's
// failure stays independent of the rest of the batch.
func (h *ImageHandler) describe(ctx context.Context, att domain.Attachment, visionModel string) (string, bool) {
	var lastErr error
	for attempt := 1; attempt <= imageDescriptionMaxAttempts; attempt++ {
		img, err := downloadAttachment(ctx, att.URL)
		if err != nil {
			lastErr = err
			h.log.Warn("image download attempt failed", "url", att.URL, "attempt", attempt, "error", err)
			continue
		}
		desc, err := h.vision.DescribeImageBytes(ctx, img, att.ContentType)
		if err == nil {
			return desc, true
		}
		lastErr = err
		h.log.Warn("image description attempt failed", "url", att.URL, "vision_model", visionModel, "attempt", attempt, "error", err)
	}
	h.log.Error("image description exhausted retries", "url", att.URL, "error", lastErr)
	return fmt.Sprintf("(unable to describe image: %s)", att.Name), false
}
