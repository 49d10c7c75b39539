package option

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smallbiznis/commerce/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type QueryOptionFunc func(db *gorm.DB) *gorm.DB

func (f QueryOptionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

type SortBy struct {
	Column    string
	Direction string
}

// WithQuerySortBy validates column against allowed and falls back to created_at desc.
func WithQuerySortBy(column, direction string, allowed map[string]bool) SortBy {
	column = strings.ToLower(strings.TrimSpace(column))
	if !allowed[column] {
		column = "created_at"
	}
	direction = strings.ToLower(strings.TrimSpace(direction))
	if direction != "asc" {
		direction = "desc"
	}
	return SortBy{Column: column, Direction: direction}
}

func WithSortBy(sort SortBy) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order(fmt.Sprintf("%s %s", sort.Column, sort.Direction))
	})
}

func WithLimit(limit int) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

// ApplyCursor restricts an id desc listing to rows after cursor. Snowflake ids
// are time ordered, so id order matches creation order.
func ApplyCursor(cursor *pagination.Cursor) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if cursor == nil {
			return db
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return db
		}
		return db.Where("id < ?", id)
	})
}

// ApplyPagination orders newest first and fetches one extra row so the caller
// can tell whether another page exists.
func ApplyPagination(page pagination.Pagination, cursor *pagination.Cursor) QueryOption {
	return QueryOptionFunc(func(db *gorm.DB) *gorm.DB {
		db = ApplyCursor(cursor).Apply(db)
		return db.Order("id desc").Limit(page.Limit() + 1)
	})
}
