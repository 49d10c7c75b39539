package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// Handle applies one signal at most once. Redeliveries of an event that
	// already completed, or that another worker holds, report StatusSkipped.
	Handle(ctx context.Context, env Envelope) (Status, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	Find(ctx context.Context, db *gorm.DB, provider, eventID string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	// ListUnprocessed returns events received in [from, to) that never
	// completed, oldest first.
	ListUnprocessed(ctx context.Context, db *gorm.DB, from, to time.Time, limit int) ([]WebhookEvent, error)
}
