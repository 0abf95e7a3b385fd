// Package domain contains persistence models for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing          SubscriptionStatus = "TRIALING"
	SubscriptionStatusActive            SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue           SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled          SubscriptionStatus = "CANCELED"
	SubscriptionStatusIncomplete        SubscriptionStatus = "INCOMPLETE"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "INCOMPLETE_EXPIRED"
)

// ActiveLikeStatuses are the statuses that make a subscription "the active
// subscription" for its organization. At most one per org may hold one.
var ActiveLikeStatuses = []SubscriptionStatus{
	SubscriptionStatusTrialing,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
}

// BillingInterval is the recurring charge cadence.
type BillingInterval string

const (
	BillingIntervalWeekly  BillingInterval = "WEEKLY"
	BillingIntervalMonthly BillingInterval = "MONTHLY"
	BillingIntervalAnnual  BillingInterval = "ANNUAL"
)

// Subscription captures an organization's billing agreement.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	OrgID              snowflake.ID       `gorm:"not null;index"`
	PackageID          snowflake.ID       `gorm:"not null;index"`
	Status             SubscriptionStatus `gorm:"type:text;not null"`
	Currency           string             `gorm:"type:text;not null"`
	AmountCents        int64              `gorm:"not null;default:0"`
	BillingInterval    BillingInterval    `gorm:"type:text;not null"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null"`
	TrialEndsAt        *time.Time         `gorm:""`
	CancelAtPeriodEnd  bool               `gorm:"not null;default:false"`
	CanceledAt         *time.Time         `gorm:""`
	Metadata           datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// IsActiveLike reports whether the subscription counts as active for
// invoice building.
func (s Subscription) IsActiveLike() bool {
	switch s.Status {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the subscription can no longer transition.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusIncompleteExpired
}

// IsValid reports whether the status is one of the known lifecycle states.
func (s SubscriptionStatus) IsValid() bool {
	switch s {
	case SubscriptionStatusTrialing,
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCanceled,
		SubscriptionStatusIncomplete,
		SubscriptionStatusIncompleteExpired:
		return true
	default:
		return false
	}
}
