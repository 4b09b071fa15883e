package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PendingMemoryShelvedAttempts is the sentinel used to permanently shelve
// a PendingMemory row whose metadata failed validation, without ever being
// mistaken for a row that is still eligible for retry.
const PendingMemoryShelvedAttempts = 999

// LTMShareScope governs whether a memory created under one personality is
// visible when querying on behalf of another personality owned by the same
// persona.
type LTMShareScope struct {
	PersonaID                string
	ShareAcrossPersonalities bool
}

// DeferredMemoryRecord is produced by the Generation stage and stored to the
// vector memory once per request, after the retry loop converges.
type DeferredMemoryRecord struct {
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata"`
	Embedding []float32      `json:"embedding,omitempty"`
}

// PendingMemory is a DeferredMemoryRecord whose storage attempt failed; it
// is retried by PendingMemoryRetrier until Attempts reaches the cap, or
// shelved permanently at the 999 sentinel if its metadata is invalid.
type PendingMemory struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Text          string         `gorm:"column:text;not null" json:"text"`
	Metadata      datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Attempts      int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastAttemptAt *time.Time     `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	Error         string         `gorm:"column:error" json:"error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (PendingMemory) TableName() string { return "pending_memory" }

// PendingMemoryStats is the deferred-memory retry statistics surface: a total count plus a
// histogram keyed by attempts-so-far.
type PendingMemoryStats struct {
	Total      int         `json:"total"`
	ByAttempts map[int]int `json:"by_attempts"`
	Shelved    int         `json:"shelved"`
}
