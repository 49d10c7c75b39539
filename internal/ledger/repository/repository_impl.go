package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/commerce/internal/ledger/domain"
	"github.com/smallbiznis/commerce/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) LockEntitlement(ctx context.Context, conn *gorm.DB, entitlementID snowflake.ID) (*domain.Holding, error) {
	var row struct {
		ID      snowflake.ID
		UserID  string
		SKUID   string `gorm:"column:sku_id"`
		OrderID *snowflake.ID
		Status  string
	}
	err := db.ForUpdate(conn.WithContext(ctx)).
		Table("entitlements").
		Select("id", "user_id", "sku_id", "order_id", "status").
		Where("id = ?", entitlementID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var kind string
	if err := conn.WithContext(ctx).Raw(`SELECT kind FROM skus WHERE id = ?`, row.SKUID).Scan(&kind).Error; err != nil {
		return nil, err
	}

	return &domain.Holding{
		ID:      row.ID,
		UserID:  row.UserID,
		SKUID:   row.SKUID,
		OrderID: row.OrderID,
		Status:  row.Status,
		Kind:    kind,
	}, nil
}

func (r *repo) Last(ctx context.Context, conn *gorm.DB, entitlementID snowflake.ID) (*domain.Entry, error) {
	var entry domain.Entry
	err := conn.WithContext(ctx).
		Where("entitlement_id = ?", entitlementID).
		Order("sequence desc").
		Limit(1).
		Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// Insert maps a unique violation to ErrRetryable: a concurrent writer took
// the same sequence number or idempotency key, and replaying the transaction
// observes its entry.
func (r *repo) Insert(ctx context.Context, conn *gorm.DB, entry *domain.Entry) error {
	if entry == nil {
		return nil
	}
	if err := conn.WithContext(ctx).Create(entry).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return fmt.Errorf("%w: ledger entry %d/%d: %w", db.ErrRetryable, entry.EntitlementID, entry.Sequence, err)
		}
		return err
	}
	return nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, conn *gorm.DB, key string) (*domain.Entry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var entry domain.Entry
	err := conn.WithContext(ctx).Where("idempotency_key = ?", key).Take(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) ListByEntitlement(ctx context.Context, conn *gorm.DB, entitlementID snowflake.ID) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := conn.WithContext(ctx).
		Where("entitlement_id = ?", entitlementID).
		Order("sequence asc").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	stmt := conn.WithContext(ctx).Model(&domain.Entry{})

	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		stmt = stmt.Where("user_id = ?", userID)
	}
	if filter.EntitlementID != nil {
		stmt = stmt.Where("entitlement_id = ?", *filter.EntitlementID)
	}
	if filter.ChangeType != "" {
		stmt = stmt.Where("change_type = ?", string(filter.ChangeType))
	}
	if filter.CursorID != nil {
		stmt = stmt.Where("id < ?", *filter.CursorID)
	}

	stmt = stmt.Order("id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) Totals(ctx context.Context, conn *gorm.DB, entitlementID snowflake.ID) (domain.Totals, error) {
	var rows []struct {
		ChangeType string
		Total      int64
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT change_type, COALESCE(SUM(quantity), 0) AS total
		FROM ledger_entries
		WHERE entitlement_id = ?
		GROUP BY change_type`,
		entitlementID,
	).Scan(&rows).Error
	if err != nil {
		return domain.Totals{}, err
	}

	var totals domain.Totals
	for _, row := range rows {
		switch domain.ChangeType(row.ChangeType) {
		case domain.ChangeTypeGrant:
			totals.Granted = row.Total
		case domain.ChangeTypeSpend:
			totals.Spent = -row.Total
		case domain.ChangeTypeRefund:
			totals.Refunded = row.Total
		case domain.ChangeTypeClawback:
			totals.ClawedBack = -row.Total
		}
	}
	return totals, nil
}

func (r *repo) NegativeBalances(ctx context.Context, conn *gorm.DB, userID string) ([]domain.NegativeBalance, error) {
	var rows []domain.NegativeBalance
	err := conn.WithContext(ctx).Raw(
		`SELECT le.entitlement_id, le.sku_id, le.balance_after
		FROM ledger_entries le
		WHERE le.user_id = ?
		  AND le.balance_after < 0
		  AND le.sequence = (
			SELECT MAX(latest.sequence) FROM ledger_entries latest
			WHERE latest.entitlement_id = le.entitlement_id
		  )
		ORDER BY le.entitlement_id`,
		userID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
