package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem  ActorType = "system"
	ActorTypeUser    ActorType = "user"
	ActorTypeAdmin   ActorType = "admin"
	ActorTypeWebhook ActorType = "webhook"
)

// AuditLog is an immutable record of one state transition.
type AuditLog struct {
	ID           snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType    string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID      *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action       string            `gorm:"type:text;not null" json:"action"`
	ResourceType string            `gorm:"type:text;not null" json:"resource_type"`
	ResourceID   *string           `gorm:"type:text" json:"resource_id,omitempty"`
	OldValue     datatypes.JSON    `json:"old_value,omitempty"`
	NewValue     datatypes.JSON    `json:"new_value,omitempty"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty"`
	RequestID    *string           `gorm:"type:text" json:"request_id,omitempty"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry is what callers hand to the writer. Empty actor fields are resolved
// from the request context.
type Entry struct {
	ActorType    string
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	OldValue     any
	NewValue     any
	Metadata     map[string]any
}

type ListFilter struct {
	Action       string
	ResourceType string
	ResourceID   string
	ActorType    string
	StartAt      *time.Time
	EndAt        *time.Time
	CursorID     *snowflake.ID
	Limit        int
}
