package domain

import "strings"

// Attachment is raw input carried on an incoming request: a quoted link to
// external media plus enough metadata to route it to a preprocessing
// describer.
type Attachment struct {
	URL             string `json:"url"`
	OriginalURL     string `json:"original_url,omitempty"`
	ContentType     string `json:"content_type"`
	Name            string `json:"name,omitempty"`
	Size            int64  `json:"size,omitempty"`
	IsVoiceMessage  bool   `json:"is_voice_message,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// AttachmentKind classifies an attachment for routing purposes.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentOther AttachmentKind = "other"
)

// Classify routes by content-type prefix: image/* goes to the
// image describer; audio/* or the voice-message flag goes to the audio
// transcriber; anything else is dropped from preprocessing.
func (a Attachment) Classify() AttachmentKind {
	ct := strings.ToLower(strings.TrimSpace(a.ContentType))
	switch {
	case a.IsVoiceMessage, strings.HasPrefix(ct, "audio/"):
		return AttachmentAudio
	case strings.HasPrefix(ct, "image/"):
		return AttachmentImage
	default:
		return AttachmentOther
	}
}

// ProcessedAttachment is the text-only view of an attachment produced by a
// vision/transcription describer, ready for the generator.
type ProcessedAttachment struct {
	Kind        AttachmentKind `json:"kind"`
	Description string         `json:"description"`
	OriginalURL string         `json:"original_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	// SourceReferenceNumber carries forward the 1-based reference a quoted
	// message belongs to; zero means direct-message preprocessing.
	SourceReferenceNumber int `json:"source_reference_number,omitempty"`
}
