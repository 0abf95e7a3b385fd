// Package domain contains settlement models: payment event records and
// credit memos.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Payment event types consumed from the payment gateway sync job.
const (
	EventPaymentSucceeded = "payment_succeeded"
	EventPaymentFailed    = "payment_failed"
	EventPaymentDisputed  = "payment_disputed"
	EventPaymentRefunded  = "payment_refunded"
	EventSyncStatus       = "sync_status"
)

// Action tells callers whether money moved or only bookkeeping changed.
type Action string

const (
	ActionPaymentRecorded Action = "PAYMENT_RECORDED"
	ActionStatusUpdated   Action = "STATUS_UPDATED"
	ActionCreditIssued    Action = "CREDIT_ISSUED"
)

// CreditMemoReason classifies a credit memo.
type CreditMemoReason string

const (
	CreditReasonServiceFailure  CreditMemoReason = "SERVICE_FAILURE"
	CreditReasonGoodwill        CreditMemoReason = "GOODWILL"
	CreditReasonDuplicateCharge CreditMemoReason = "DUPLICATE_CHARGE"
	CreditReasonOther           CreditMemoReason = "OTHER"
)

// CreditMemo is an immutable negative adjustment issued against an invoice.
type CreditMemo struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	OrgID       snowflake.ID      `gorm:"not null;index"`
	InvoiceID   snowflake.ID      `gorm:"not null;index"`
	AmountCents int64             `gorm:"not null"`
	Currency    string            `gorm:"type:text;not null"`
	Reason      CreditMemoReason  `gorm:"type:text;not null"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditMemo) TableName() string { return "credit_memos" }

// PaymentEventRecord dedupes gateway events by external payment id so a
// replayed delivery cannot settle twice.
type PaymentEventRecord struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	OrgID             snowflake.ID `gorm:"not null;uniqueIndex:ux_payment_events_external"`
	InvoiceID         snowflake.ID `gorm:"not null;index"`
	ExternalPaymentID string       `gorm:"type:text;not null;uniqueIndex:ux_payment_events_external"`
	EventType         string       `gorm:"type:text;not null"`
	AmountCents       int64        `gorm:"not null;default:0"`
	ReceivedAt        time.Time    `gorm:"not null"`
	ProcessedAt       *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (PaymentEventRecord) TableName() string { return "payment_event_records" }
