// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusOpen          InvoiceStatus = "OPEN"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusVoid          InvoiceStatus = "VOID"
	InvoiceStatusUncollectible InvoiceStatus = "UNCOLLECTIBLE"
)

// IsTerminal reports whether payment events may no longer mutate the invoice.
func (s InvoiceStatus) IsTerminal() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusVoid, InvoiceStatusUncollectible:
		return true
	default:
		return false
	}
}

// LineType classifies invoice lines. TAX lines are excluded from the
// subtotal; every other type contributes to it.
type LineType string

const (
	LineTypeRecurring  LineType = "RECURRING"
	LineTypeUsage      LineType = "USAGE"
	LineTypeTax        LineType = "TAX"
	LineTypeAdjustment LineType = "ADJUSTMENT"
	LineTypeCredit     LineType = "CREDIT"
)

// Invoice represents a billing document for one subscription period.
// TotalCents = SubtotalCents + TaxCents always; BalanceCents starts at
// TotalCents and only decreases, floored at zero.
type Invoice struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;index"`
	SubscriptionID *snowflake.ID     `gorm:"index;uniqueIndex:ux_invoices_subscription_period"`
	Number         string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_number"`
	Status         InvoiceStatus     `gorm:"type:text;not null;default:'OPEN'"`
	Currency       string            `gorm:"type:text;not null"`
	SubtotalCents  int64             `gorm:"not null;default:0"`
	TaxCents       int64             `gorm:"not null;default:0"`
	TotalCents     int64             `gorm:"not null;default:0"`
	BalanceCents   int64             `gorm:"not null;default:0"`
	PeriodStart    time.Time         `gorm:"not null;uniqueIndex:ux_invoices_subscription_period"`
	PeriodEnd      time.Time         `gorm:"not null;uniqueIndex:ux_invoices_subscription_period"`
	IssuedAt       time.Time         `gorm:"not null"`
	DueAt          *time.Time        `gorm:""`
	PaidAt         *time.Time        `gorm:""`
	VoidedAt       *time.Time        `gorm:""`
	ExternalID     *string           `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceLine represents one line on an invoice. Position records the
// documented ordering: RECURRING, USAGE in input order, TAX, then extras.
type InvoiceLine struct {
	ID               snowflake.ID    `gorm:"primaryKey"`
	OrgID            snowflake.ID    `gorm:"not null;index"`
	InvoiceID        snowflake.ID    `gorm:"not null;index"`
	LineType         LineType        `gorm:"type:text;not null"`
	Description      string          `gorm:"type:text"`
	FeatureKey       *string         `gorm:"type:text"`
	Quantity         decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	UnitAmountCents  int64           `gorm:"not null"`
	AmountCents      int64           `gorm:"not null"`
	UsagePeriodStart *time.Time      `gorm:""`
	UsagePeriodEnd   *time.Time      `gorm:""`
	Position         int             `gorm:"not null"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (InvoiceLine) TableName() string { return "invoice_lines" }
