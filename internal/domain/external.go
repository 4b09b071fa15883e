package domain

import (
	"time"

	"gorm.io/datatypes"
)

// ShapesSessionCredential is the user's stored, rotating session cookie for
// the external personality service. Grounded on the same
// (userID, provider)-keyed shape as APICredential, but the value here is a
// session cookie that the external fetcher itself rotates on every call,
// not a static bring-your-own API key.
type ShapesSessionCredential struct {
	UserID    string    `json:"user_id" gorm:"column:user_id;primaryKey"`
	CookieEnc string    `json:"-" gorm:"column:cookie_enc"`
	RotatedAt time.Time `json:"rotated_at" gorm:"column:rotated_at"`
}

func (ShapesSessionCredential) TableName() string { return "shapes_session_credential" }

// ExternalPersonalityData is the full page-scraped export of a user's
// external-service personality.
type ExternalPersonalityData struct {
	Slug            string                    `json:"slug"`
	Config          ExternalPersonalityConfig `json:"config"`
	Memories        []ExternalMemory          `json:"memories"`
	Stories         []ExternalStory           `json:"stories"`
	Personalization map[string]any            `json:"personalization,omitempty"`
}

type ExternalPersonalityConfig struct {
	Name             string  `json:"name"`
	SystemPrompt     string  `json:"system_prompt"`
	Model            string  `json:"model"`
	VisionModel      string  `json:"vision_model,omitempty"`
	Temperature      float64 `json:"temperature"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
}

type ExternalMemory struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ExternalStory struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ExportedFile is what ExportHandler persists to the ShapesImportExportJob
// row: a fully-formatted file, ready for download.
type ExportedFile struct {
	Filename string         `json:"filename"`
	Content  []byte         `json:"-"`
	Size     int64          `json:"size_bytes"`
	Format   string         `json:"format"` // "json" | "markdown"
	Metadata datatypes.JSON `json:"metadata,omitempty"`
}
