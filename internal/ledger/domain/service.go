package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/pkg/db/pagination"
	"gorm.io/gorm"
)

// AppendRequest describes one balance change. Quantity is signed: grant and
// refund positive, spend and clawback negative.
type AppendRequest struct {
	Holding        Holding
	ChangeType     ChangeType
	Quantity       int64
	OrderID        *snowflake.ID
	IdempotencyKey string
}

type SpendRequest struct {
	EntitlementID  snowflake.ID `json:"-"`
	Quantity       int64        `json:"quantity" binding:"required,gt=0"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type DebtReport struct {
	UserID    string  `json:"user_id"`
	Entries   []Entry `json:"entries"`
	TotalDebt int64   `json:"total_debt"`
}

type ListRequest struct {
	pagination.Pagination

	UserID     string     `form:"-"`
	ChangeType ChangeType `form:"change_type"`
}

type ListResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

type Service interface {
	// Append writes the next entry for the holding inside the caller's
	// transaction. The holding row must already be locked by the caller.
	Append(ctx context.Context, tx *gorm.DB, req AppendRequest) (*Entry, error)
	// Lock locks the entitlement row for the rest of tx.
	Lock(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) (*Holding, error)
	Remaining(ctx context.Context, tx *gorm.DB, entitlementID snowflake.ID) (int64, error)
	Spend(ctx context.Context, req SpendRequest) (*Entry, error)
	Balance(ctx context.Context, entitlementID snowflake.ID) (int64, error)
	Entries(ctx context.Context, entitlementID snowflake.ID) ([]Entry, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	Debt(ctx context.Context, userID string) (DebtReport, error)
	Verify(ctx context.Context, entitlementID snowflake.ID) error
}

type Repository interface {
	LockEntitlement(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) (*Holding, error)
	Last(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) (*Entry, error)
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, key string) (*Entry, error)
	ListByEntitlement(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) ([]Entry, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Entry, error)
	Totals(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID) (Totals, error)
	NegativeBalances(ctx context.Context, db *gorm.DB, userID string) ([]NegativeBalance, error)
}

var (
	ErrInvalidRequest           = errors.New("invalid_request")
	ErrInvalidChangeType        = errors.New("invalid_change_type")
	ErrInvalidQuantity          = errors.New("invalid_quantity")
	ErrInsufficientBalance      = errors.New("insufficient_balance")
	ErrEntitlementNotFound      = errors.New("entitlement_not_found")
	ErrEntitlementInactive      = errors.New("entitlement_inactive")
	ErrEntitlementNotConsumable = errors.New("entitlement_not_consumable")
	ErrInvalidPageToken         = errors.New("invalid_page_token")
	ErrReplayMismatch           = errors.New("ledger_replay_mismatch")
)
