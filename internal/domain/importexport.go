package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ImportExportStatus string

const (
	ImportExportQueued     ImportExportStatus = "queued"
	ImportExportInProgress ImportExportStatus = "in_progress"
	ImportExportCompleted  ImportExportStatus = "completed"
	ImportExportFailed     ImportExportStatus = "failed"
)

type ImportType string

const (
	ImportFull       ImportType = "full"
	ImportMemoryOnly ImportType = "memory_only"
)

// ShapesImportExportJob is the row backing ExternalImport/Export: status,
// stage, progress, error, and timestamp columns scoped to one import or
// export attempt.
type ShapesImportExportJob struct {
	ID          uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID string             `gorm:"column:owner_user_id;not null;index" json:"owner_user_id"`
	Status      ImportExportStatus `gorm:"column:status;not null;index" json:"status"`
	ImportType  ImportType         `gorm:"column:import_type" json:"import_type,omitempty"`
	Filename    string             `gorm:"column:filename" json:"filename,omitempty"`
	SizeBytes   int64              `gorm:"column:size_bytes" json:"size_bytes,omitempty"`
	Metadata    datatypes.JSON     `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time          `gorm:"not null;default:now();index" json:"created_at"`
	CompletedAt *time.Time         `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Error       string             `gorm:"column:error" json:"error,omitempty"`
}

func (ShapesImportExportJob) TableName() string { return "shapes_import_export_job" }

// ImportOutcome is the per-record tally surfaced back to the caller
// once an import completes, whichever branch (full vs memory_only) ran.
type ImportOutcome struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
