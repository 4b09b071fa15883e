package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ResultStatus string

const (
	ResultPendingDelivery ResultStatus = "PendingDelivery"
	ResultDelivered       ResultStatus = "Delivered"
)

// JobResult is the persisted row written transactionally at the end of
// every job. It exists for both success and soft-failure
// outcomes — anything that isn't a re-thrown programmer error produces one.
type JobResult struct {
	JobID       uuid.UUID      `gorm:"type:uuid;primaryKey" json:"job_id"`
	RequestID   string         `gorm:"column:request_id;not null;index" json:"request_id"`
	Payload     datatypes.JSON `gorm:"column:result;type:jsonb" json:"payload"`
	Status      ResultStatus   `gorm:"column:status;not null;index" json:"status"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	CompletedAt time.Time      `gorm:"column:completed_at;not null" json:"completed_at"`
	DeliveredAt *time.Time     `gorm:"column:delivered_at" json:"delivered_at,omitempty"`
}

func (JobResult) TableName() string { return "job_result" }

// DiagnosticLogEntry is the flight recorder's sink, retained
// 24h via a scheduled cleanup.
type DiagnosticLogEntry struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	RequestID        string         `gorm:"column:request_id;not null;index" json:"request_id"`
	TriggerMessageID string         `gorm:"column:trigger_message_id" json:"trigger_message_id,omitempty"`
	PersonalityID    string         `gorm:"column:personality_id;index" json:"personality_id"`
	UserID           string         `gorm:"column:user_id;index" json:"user_id"`
	GuildID          string         `gorm:"column:guild_id" json:"guild_id,omitempty"`
	ChannelID        string         `gorm:"column:channel_id" json:"channel_id"`
	Model            string         `gorm:"column:model" json:"model"`
	Provider         string         `gorm:"column:provider" json:"provider"`
	DurationMs       int64          `gorm:"column:duration_ms" json:"duration_ms"`
	Data             datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (DiagnosticLogEntry) TableName() string { return "diagnostic_log" }
