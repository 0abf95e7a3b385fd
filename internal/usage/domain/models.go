// Package domain contains persistence models for raw usage ingestion and
// period aggregates.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageSource identifies the emitter of a usage event.
type UsageSource string

const (
	UsageSourceAPI    UsageSource = "API"
	UsageSourceWorker UsageSource = "WORKER"
	UsageSourceImport UsageSource = "IMPORT"
	UsageSourceSystem UsageSource = "SYSTEM"
)

// Resolution is the time-bucket granularity for aggregates.
type Resolution string

const (
	ResolutionHourly  Resolution = "HOURLY"
	ResolutionDaily   Resolution = "DAILY"
	ResolutionMonthly Resolution = "MONTHLY"
)

// UsageEvent stores a single unit of metered activity. Rows are append-only
// and deduplicated by (org_id, fingerprint).
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;uniqueIndex:ux_usage_events_fingerprint"`
	SubscriptionID snowflake.ID      `gorm:"index"`
	TenantID       *snowflake.ID     `gorm:""`
	ProductID      *snowflake.ID     `gorm:""`
	FeatureKey     string            `gorm:"type:text;not null;index"`
	Quantity       decimal.Decimal   `gorm:"type:numeric(30,10);not null"`
	Unit           string            `gorm:"type:text;not null"`
	RecordedAt     time.Time         `gorm:"not null;index"`
	Source         UsageSource       `gorm:"type:text;not null"`
	Fingerprint    string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_fingerprint"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// UsageAggregate is the rollup of events for one subscription, feature and
// time bucket. Quantity equals the decimal-exact sum of matching events once
// the aggregator has run to completion for the window.
type UsageAggregate struct {
	ID             snowflake.ID    `gorm:"primaryKey"`
	OrgID          snowflake.ID    `gorm:"not null;uniqueIndex:ux_usage_aggregates_window"`
	SubscriptionID snowflake.ID    `gorm:"not null;uniqueIndex:ux_usage_aggregates_window"`
	FeatureKey     string          `gorm:"type:text;not null;uniqueIndex:ux_usage_aggregates_window"`
	Resolution     Resolution      `gorm:"type:text;not null;uniqueIndex:ux_usage_aggregates_window"`
	PeriodStart    time.Time       `gorm:"not null;uniqueIndex:ux_usage_aggregates_window"`
	PeriodEnd      time.Time       `gorm:"not null;uniqueIndex:ux_usage_aggregates_window"`
	Quantity       decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Unit           string          `gorm:"type:text;not null"`
	Source         UsageSource     `gorm:"type:text;not null"`
	CreatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageAggregate) TableName() string { return "usage_aggregates" }
