// Package option provides composable query options for the generic store.
package option

import (
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type queryOptionFunc func(*gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination. One extra row is fetched so the
// caller can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if p.PageToken != "" {
			cursor, err := pagination.DecodeCursor(p.PageToken)
			if err == nil && cursor != nil && cursor.ID != "" {
				db = db.Where("id < ?", cursor.ID)
			}
		}
		size := p.PageSize
		if size <= 0 {
			size = 50
		}
		return db.Limit(size + 1)
	})
}

// WithOrder applies an ORDER BY clause.
func WithOrder(order string) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if order == "" {
			return db
		}
		return db.Order(order)
	})
}
