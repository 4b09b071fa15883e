package domain

import "time"

// GenerationContext is the immutable, stage-by-stage record threaded through
// the six-stage GenerationPipeline. Each stage reads
// whatever earlier stages populated and returns a NEW context with exactly
// one more field filled in; it never mutates the context it was given and
// never looks ahead at a field a later stage owns.
//
// Field presence is how stage completion is tracked: a nil Preprocessing
// after DependencyResolution has run is a programming error, not an empty
// result (DependencyResolution always produces a non-nil, possibly-empty,
// PreprocessingResults).
type GenerationContext struct {
	Job       *Job
	StartTime time.Time
	// Request is the decoded IncomingRequest payload, populated by the
	// Validation stage (stage 1). It is the one field Validation owns;
	// every later stage reads it but none may mutate it.
	Request *IncomingRequest

	Preprocessing *PreprocessingResults
	Config        *ResolvedConfig
	Auth          *ResolvedAuth
	Prepared      *PreparedContext
	Result        *GenerationResult
}

// Clone returns a shallow copy with the same pointer fields; stages build a
// new context by cloning and then setting exactly the one field they own.
func (c *GenerationContext) Clone() *GenerationContext {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// PreprocessingResults is the output of DependencyResolution.
type PreprocessingResults struct {
	ProcessedAttachments []ProcessedAttachment `json:"processed_attachments"`
	Transcriptions       []string              `json:"transcriptions"`
	// ReferenceAttachments groups attachments by the 1-based reference
	// number of the quoted message they came from.
	ReferenceAttachments map[int][]ProcessedAttachment `json:"reference_attachments,omitempty"`
	// ExtendedContextAttachments are images processed inline (not via the
	// queue) from job.data.context.extendedContextAttachments.
	ExtendedContextAttachments []ProcessedAttachment `json:"extended_context_attachments,omitempty"`
}

// ConfigSource records which level of the configuration hierarchy won.
type ConfigSource string

const (
	ConfigSourcePersonality     ConfigSource = "personality"
	ConfigSourceUserPersonality ConfigSource = "user-personality"
	ConfigSourceUserDefault     ConfigSource = "user-default"
)

// ResolvedConfig is the output of ConfigResolution.
type ResolvedConfig struct {
	Personality  EffectivePersonality
	ConfigSource ConfigSource
}

// EffectivePersonality is a personality record with user overrides and
// guest-mode model substitution applied.
type EffectivePersonality struct {
	ID                       string
	Name                     string
	Model                    string
	VisionModel              string
	SystemPrompt             string
	Temperature              float64
	FrequencyPenalty         float64
	ShareLTMAcrossPersonas   bool
	IncludeSystemPromptInVis bool
}

// ResolvedAuth is the output of AuthResolution.
type ResolvedAuth struct {
	APIKey      string
	Provider    string
	IsGuestMode bool
}

// PreparedContext is the output of ContextPreparation.
type PreparedContext struct {
	ConversationHistory    []ConversationMessage
	RawConversationHistory []RawHistoryEntry
	OldestHistoryTimestamp *time.Time
	Participants           []string
}

// ConversationMessage is the message form consumed by the generator.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RawHistoryEntry is a single turn of conversation history as stored,
// including the metadata retry isolation must deep-clone.
type RawHistoryEntry struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	Timestamp *time.Time           `json:"timestamp,omitempty"`
	Metadata  HistoryEntryMetadata `json:"metadata"`
}

type HistoryEntryMetadata struct {
	ReferencedMessages []ProcessedAttachment `json:"referenced_messages,omitempty"`
	ImageDescriptions  []ProcessedAttachment `json:"image_descriptions,omitempty"`
}

// DeepCloneHistory produces an independent copy of the history slice including the
// nested slices the generator is permitted to mutate during a call. Without
// this, retries would see a mutated view of a prior attempt.
func DeepCloneHistory(in []RawHistoryEntry) []RawHistoryEntry {
	out := make([]RawHistoryEntry, len(in))
	for i, e := range in {
		out[i] = e
		out[i].Metadata.ReferencedMessages = append([]ProcessedAttachment(nil), e.Metadata.ReferencedMessages...)
		out[i].Metadata.ImageDescriptions = append([]ProcessedAttachment(nil), e.Metadata.ImageDescriptions...)
	}
	return out
}

// GenerationResult is the output of the Generation stage: either
// a success payload or a classified soft failure.
type GenerationResult struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`

	Content                        string   `json:"content,omitempty"`
	AttachmentDescriptions         []string `json:"attachment_descriptions,omitempty"`
	ReferencedMessagesDescriptions []string `json:"referenced_messages_descriptions,omitempty"`

	Metadata GenerationMetadata `json:"metadata"`

	Error     string         `json:"error,omitempty"`
	ErrorInfo *ClassifiedErr `json:"error_info,omitempty"`

	// DeferredMemory is populated by the generator when it has something to
	// remember; the Generation stage stores it exactly once, after the
	// retry loop converges.
	DeferredMemory *DeferredMemoryRecord `json:"-"`
	Incognito      bool                  `json:"-"`
}

type GenerationMetadata struct {
	RetrievedMemories          []string     `json:"retrieved_memories,omitempty"`
	TokensIn                   int          `json:"tokens_in,omitempty"`
	TokensOut                  int          `json:"tokens_out,omitempty"`
	ProcessingTimeMs           int64        `json:"processing_time_ms"`
	ModelUsed                  string       `json:"model_used,omitempty"`
	ProviderUsed               string       `json:"provider_used,omitempty"`
	ConfigSource               ConfigSource `json:"config_source,omitempty"`
	IsGuestMode                bool         `json:"is_guest_mode"`
	CrossTurnDuplicateDetected bool         `json:"cross_turn_duplicate_detected"`
	FailedStep                 string       `json:"failed_step,omitempty"`
	LastSuccessfulStep         string       `json:"last_successful_step,omitempty"`
	// ThinkingContent carries a reasoning model's thinking-tag output when
	// the visible content ended up empty.
	ThinkingContent string `json:"thinking_content,omitempty"`
}
