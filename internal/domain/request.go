package domain

// IncomingRequest is the accepted shape of an LLM generation request
// before it is fanned out into a job flow. JSON tags match the wire
// schema for the incoming LLM generation job payload.
type IncomingRequest struct {
	RequestID           string              `json:"requestId"`
	Personality         string              `json:"personality"`
	Message             string              `json:"message"`
	Context             RequestContext      `json:"context"`
	ResponseDestination ResponseDestination `json:"responseDestination"`
	UserAPIKey          string              `json:"userApiKey,omitempty"`
}

type RequestContext struct {
	UserID                     string              `json:"userId"`
	UserName                   string              `json:"userName,omitempty"`
	ChannelID                  string              `json:"channelId"`
	ServerID                   string              `json:"serverId,omitempty"`
	ConversationHistory        []RawHistoryEntry   `json:"conversationHistory,omitempty"`
	ExtendedContextAttachments []Attachment        `json:"extendedContextAttachments,omitempty"`
	Attachments                []Attachment        `json:"attachments,omitempty"`
	ReferencedMessages         []ReferencedMessage `json:"referencedMessages,omitempty"`
	ReferencedChannels         []string            `json:"referencedChannels,omitempty"`
	// Incognito suppresses deferred-memory storage for this request
	// regardless of what the generator returns.
	Incognito bool `json:"incognito,omitempty"`
}

// ReferencedMessage is a quoted message the user is replying to.
// ReferenceNumber is the 1-based index assigned at submission time;
// preprocessing children for its attachments carry
// SourceReferenceNumber=ReferenceNumber and must never merge with
// direct-message preprocessing.
type ReferencedMessage struct {
	ReferenceNumber int          `json:"referenceNumber"`
	Content         string       `json:"content,omitempty"`
	Attachments     []Attachment `json:"attachments,omitempty"`
}

// ResponseDestination identifies where a completed result should be
// delivered; it is duplicated here (rather than imported from notifier) so
// domain stays free of dependencies on transport packages.
type ResponseDestination struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}
