// Package migration applies the billing schema at startup.
package migration

import (
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	settlementdomain "github.com/smallbiznis/tally/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

// Run migrates every billing table. The unique indexes declared on the
// models are load-bearing: idempotent ingest and settlement dedup rely on
// them as the concurrency control of last resort.
func Run(db *gorm.DB, log *zap.Logger) error {
	err := db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageAggregate{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&settlementdomain.PaymentEventRecord{},
		&settlementdomain.CreditMemo{},
	)
	if err != nil {
		return err
	}
	log.Info("schema migrated")
	return nil
}
