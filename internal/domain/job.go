// Package domain holds the data model shared across the orchestration core:
// jobs, attachments, the generation pipeline context, results, and deferred
// memory records. Nothing here talks to a database or queue directly; the
// gorm tags exist only so repos can persist these structs without a parallel
// set of row types.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type JobType string

const (
	JobLLMGeneration      JobType = "LLMGeneration"
	JobAudioTranscription JobType = "AudioTranscription"
	JobImageDescription   JobType = "ImageDescription"
	JobShapesImport       JobType = "ShapesImport"
	JobShapesExport       JobType = "ShapesExport"
	JobPendingMemoryRetry JobType = "PendingMemoryRetry"
)

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	// StatusRetrying is internal to the queue claim query; it never appears
	// as a row's persisted status, only as a transient classification used
	// when deciding whether a failed row is runnable again.
	StatusRetrying JobStatus = "retrying"
)

// Job is a durable unit of work on the queue. A flow is one parent
// (JobLLMGeneration) plus zero or more preprocessing children; see
// JobDependency for the parent-child link.
type Job struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID   string         `gorm:"column:request_id;not null;index" json:"request_id"`
	Type        JobType        `gorm:"column:job_type;not null;index" json:"job_type"`
	Status      JobStatus      `gorm:"column:status;not null;index" json:"status"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts;not null;default:5" json:"max_attempts"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

// JobDependency links a parent job (always a JobLLMGeneration) to one child
// preprocessing job. ResultKey is the address the child's output will be
// readable at from the intermediate result store once Completed.
type JobDependency struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ParentJobID uuid.UUID `gorm:"column:parent_job_id;not null;index" json:"parent_job_id"`
	ChildJobID  uuid.UUID `gorm:"column:child_job_id;not null;index" json:"child_job_id"`
	ChildType   JobType   `gorm:"column:child_type;not null" json:"child_type"`
	Status      JobStatus `gorm:"column:status;not null" json:"status"`
	ResultKey   string    `gorm:"column:result_key;not null" json:"result_key"`
	// SourceReferenceNumber is set (>=1) when this child preprocesses a
	// referenced (quoted) message rather than the direct message; zero means
	// "direct message preprocessing".
	SourceReferenceNumber int `gorm:"column:source_reference_number;default:0" json:"source_reference_number,omitempty"`
}

func (JobDependency) TableName() string { return "job_dependency" }

// ResultKey is the ResultStore addressing convention for a child job's output.
func ResultKey(childJobID uuid.UUID) string {
	return "job-result:" + childJobID.String()
}
