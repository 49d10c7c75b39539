package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/commerce/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	Action       string     `form:"action"`
	ResourceType string     `form:"resource_type"`
	ResourceID   string     `form:"resource_id"`
	ActorType    string     `form:"actor_type"`
	StartAt      *time.Time `form:"start_at" time_format:"2006-01-02T15:04:05Z07:00"`
	EndAt        *time.Time `form:"end_at" time_format:"2006-01-02T15:04:05Z07:00"`
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

// Recorder appends audit records. It never fails the calling operation.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

type Service interface {
	Recorder
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
