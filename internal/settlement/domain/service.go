package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
)

type ApplyPaymentEventRequest struct {
	InvoiceID         string                      `json:"invoice_id"`
	Event             string                      `json:"event"`
	AmountCents       *int64                      `json:"amount_cents"`
	PaidAt            *time.Time                  `json:"paid_at"`
	Status            invoicedomain.InvoiceStatus `json:"status"`
	ExternalPaymentID string                      `json:"external_payment_id"`
	CreditReason      CreditMemoReason            `json:"credit_reason"`
	Metadata          map[string]any              `json:"metadata"`
}

type SettlementResult struct {
	Action       Action                      `json:"action"`
	Status       invoicedomain.InvoiceStatus `json:"status"`
	BalanceCents int64                       `json:"balance_cents"`
	CreditMemoID snowflake.ID                `json:"credit_memo_id,omitempty"`
}

type Service interface {
	ApplyPaymentEvent(ctx context.Context, req ApplyPaymentEventRequest) (*SettlementResult, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidInvoice        = errors.New("invalid_invoice")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidStatus         = errors.New("invalid_status")
	ErrInvoiceNotFound       = errors.New("invoice_not_found")
	ErrInvoiceTerminal       = errors.New("invoice_terminal")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
)
