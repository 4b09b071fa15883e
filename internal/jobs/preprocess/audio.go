package preprocess

import (
	"encoding/json"
	"fmt"

	"github.com/shapesinc/orchestration-core/internal/clients/gcp"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/orchestrator"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/resultstore"
)

const transcriptionCacheTTLKey = "transcription-cache:"

// AudioResult is what gets written to the intermediate result store for an
// AudioTranscription child job and read back by DependencyResolution.
type AudioResult struct {
	Success               bool   `json:"success"`
	Content               string `json:"content,omitempty"`
	AttachmentURL         string `json:"attachmentUrl"`
	AttachmentName        string `json:"attachmentName,omitempty"`
	SourceReferenceNumber int    `json:"sourceReferenceNumber,omitempty"`
	Error                 string `json:"error,omitempty"`
}

// AudioHandler implements runtime.Handler for JobAudioTranscription: a
// cache hit on originalUrl short-circuits the download+transcribe round trip.
type AudioHandler struct {
	log    *logger.Logger
	speech gcp.Speech
	cache  resultstore.Store
}

func NewAudioHandler(baseLog *logger.Logger, speech gcp.Speech, cache resultstore.Store) *AudioHandler {
	return &AudioHandler{log: baseLog.With("handler", "AudioTranscription"), speech: speech, cache: cache}
}

func (h *AudioHandler) Type() domain.JobType { return domain.JobAudioTranscription }

func (h *AudioHandler) Run(jc *runtime.Context) error {
	var payload orchestrator.AudioJobPayload
	if err := json.Unmarshal(jc.Job.Payload, &payload); err != nil {
		jc.Fail(fmt.Errorf("decode audio job payload: %w", err))
		return nil
	}

	att := payload.Attachment
	result := AudioResult{
		AttachmentURL:         att.URL,
		AttachmentName:        att.Name,
		SourceReferenceNumber: payload.SourceReferenceNumber,
	}

	if cached, ok := h.lookupCache(jc, att.OriginalURL); ok {
		result.Success = true
		result.Content = cached
		return jc.CompleteChild(result)
	}

	audioBytes, err := downloadAttachment(jc.Ctx, att.URL)
	if err != nil {
		h.log.Warn("audio download failed", "job_id", jc.Job.ID, "error", err)
		result.Success = false
		result.Error = err.Error()
		return jc.CompleteChild(result)
	}

	transcript, err := h.speech.TranscribeAudioBytes(jc.Ctx, audioBytes, att.ContentType)
	if err != nil {
		h.log.Warn("audio transcription failed", "job_id", jc.Job.ID, "error", err)
		result.Success = false
		result.Error = err.Error()
		return jc.CompleteChild(result)
	}

	result.Success = true
	result.Content = transcript
	h.storeCache(jc, att.OriginalURL, transcript)
	return jc.CompleteChild(result)
}

func (h *AudioHandler) lookupCache(jc *runtime.Context, originalURL string) (string, bool) {
	if h.cache == nil || originalURL == "" {
		return "", false
	}
	var transcript string
	if err := h.cache.Get(jc.Ctx, transcriptionCacheTTLKey+originalURL, &transcript); err != nil {
		return "", false
	}
	return transcript, true
}

func (h *AudioHandler) storeCache(jc *runtime.Context, originalURL, transcript string) {
	if h.cache == nil || originalURL == "" {
		return
	}
	if err := h.cache.Put(jc.Ctx, transcriptionCacheTTLKey+originalURL, transcript, 0); err != nil {
		h.log.Warn("transcription cache write failed", "error", err)
	}
}
