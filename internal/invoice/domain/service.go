package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
)

// UsageCharge prices one feature's aggregated quantity over the period.
type UsageCharge struct {
	FeatureKey         string                 `json:"feature_key"`
	UnitAmountCents    int64                  `json:"unit_amount_cents"`
	Unit               string                 `json:"unit"`
	MinimumAmountCents *int64                 `json:"minimum_amount_cents"`
	Resolution         usagedomain.Resolution `json:"resolution"`
	Description        string                 `json:"description"`
}

// ExtraLine is a pre-costed ADJUSTMENT or CREDIT entry appended verbatim.
type ExtraLine struct {
	LineType    LineType `json:"line_type"`
	Description string   `json:"description"`
	AmountCents int64    `json:"amount_cents"`
}

// SettleRequest applies an immediate payment after creation.
type SettleRequest struct {
	AmountCents       *int64     `json:"amount_cents"`
	PaidAt            *time.Time `json:"paid_at"`
	ExternalPaymentID string     `json:"external_payment_id"`
}

type BuildInvoiceRequest struct {
	SubscriptionID       string                     `json:"subscription_id"`
	Number               string                     `json:"number"`
	Currency             string                     `json:"currency"`
	PeriodStart          time.Time                  `json:"period_start"`
	PeriodEnd            time.Time                  `json:"period_end"`
	RecurringAmountCents *int64                     `json:"recurring_amount_cents"`
	Status               InvoiceStatus              `json:"status"`
	IssuedAt             *time.Time                 `json:"issued_at"`
	DueAt                *time.Time                 `json:"due_at"`
	TaxRateBps           *int64                     `json:"tax_rate_bps"`
	TaxCents             *int64                     `json:"tax_cents"`
	UsageCharges         []UsageCharge              `json:"usage_charges"`
	ExtraLines           []ExtraLine                `json:"extra_lines"`
	// UsageTotals bypasses the aggregate store for replay and tests.
	UsageTotals map[string]decimal.Decimal `json:"usage_totals"`
	Settle      *SettleRequest             `json:"settle"`
	Metadata    map[string]any             `json:"metadata"`
}

type InvoiceResult struct {
	InvoiceID     snowflake.ID  `json:"invoice_id"`
	Number        string        `json:"number"`
	Status        InvoiceStatus `json:"status"`
	SubtotalCents int64         `json:"subtotal_cents"`
	TaxCents      int64         `json:"tax_cents"`
	TotalCents    int64         `json:"total_cents"`
	LineCount     int           `json:"line_count"`
}

type Service interface {
	BuildInvoice(ctx context.Context, req BuildInvoiceRequest) (*InvoiceResult, error)
	GetByID(ctx context.Context, id string) (*Invoice, error)
	ListLines(ctx context.Context, invoiceID string) ([]InvoiceLine, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidInvoice      = errors.New("invalid_invoice")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrInvalidTaxRate      = errors.New("invalid_tax_rate")
	ErrInvalidLineType     = errors.New("invalid_line_type")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrDuplicateInvoice    = errors.New("duplicate_invoice")
)
