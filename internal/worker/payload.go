package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	settlementdomain "github.com/smallbiznis/tally/internal/settlement/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
)

// Job types accepted by the dispatcher.
const (
	JobTypeUsage       = "usage.aggregate"
	JobTypeInvoice     = "invoice.build"
	JobTypePaymentSync = "payment.sync"
)

// Job is one unit of work delivered by the queue transport.
type Job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var (
	ErrUnknownJobType = errors.New("unknown_job_type")
	ErrMalformedJob   = errors.New("malformed_job")
)

// UsageJob aggregates raw events into per-feature rollups for a window.
type UsageJob struct {
	OrganizationID string   `json:"organizationId"`
	SubscriptionID string   `json:"subscriptionId"`
	PeriodStart    string   `json:"periodStart"`
	PeriodEnd      string   `json:"periodEnd"`
	Resolution     string   `json:"resolution,omitempty"`
	Source         string   `json:"source,omitempty"`
	FeatureKeys    []string `json:"featureKeys,omitempty"`
	Backfill       bool     `json:"backfill,omitempty"`
}

// UsageChargePayload mirrors one usage charge inside an invoice job.
type UsageChargePayload struct {
	FeatureKey         string `json:"featureKey"`
	UnitAmountCents    int64  `json:"unitAmountCents"`
	Unit               string `json:"unit,omitempty"`
	MinimumAmountCents *int64 `json:"minimumAmountCents,omitempty"`
	Resolution         string `json:"resolution,omitempty"`
	Description        string `json:"description,omitempty"`
}

// ExtraLinePayload is a pre-costed adjustment or credit entry.
type ExtraLinePayload struct {
	LineType    string `json:"lineType"`
	Description string `json:"description,omitempty"`
	AmountCents int64  `json:"amountCents"`
}

// SettlePayload requests immediate payment after invoice creation.
type SettlePayload struct {
	AmountCents       *int64 `json:"amountCents,omitempty"`
	PaidAt            string `json:"paidAt,omitempty"`
	ExternalPaymentID string `json:"externalPaymentId,omitempty"`
}

// InvoiceJob builds one invoice for a subscription period.
type InvoiceJob struct {
	OrganizationID       string               `json:"organizationId"`
	SubscriptionID       string               `json:"subscriptionId,omitempty"`
	InvoiceNumber        string               `json:"invoiceNumber,omitempty"`
	Currency             string               `json:"currency,omitempty"`
	PeriodStart          string               `json:"periodStart"`
	PeriodEnd            string               `json:"periodEnd"`
	RecurringAmountCents *int64               `json:"recurringAmountCents,omitempty"`
	Status               string               `json:"status,omitempty"`
	IssueDate            string               `json:"issueDate,omitempty"`
	DueDate              string               `json:"dueDate,omitempty"`
	TaxRateBps           *int64               `json:"taxRateBps,omitempty"`
	TaxCents             *int64               `json:"taxCents,omitempty"`
	UsageCharges         []UsageChargePayload `json:"usageCharges"`
	ExtraLines           []ExtraLinePayload   `json:"extraLines,omitempty"`
	Settle               *SettlePayload       `json:"settle,omitempty"`
}

// CreditPayload customizes the credit memo issued for disputes and refunds.
type CreditPayload struct {
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PaymentSyncJob applies one payment-gateway event to an invoice.
type PaymentSyncJob struct {
	OrganizationID    string         `json:"organizationId"`
	InvoiceID         string         `json:"invoiceId"`
	Event             string         `json:"event"`
	AmountCents       *int64         `json:"amountCents,omitempty"`
	PaidAt            string         `json:"paidAt,omitempty"`
	Status            string         `json:"status,omitempty"`
	ExternalPaymentID string         `json:"externalPaymentId,omitempty"`
	Credit            *CreditPayload `json:"credit,omitempty"`
}

// decodeStrict unmarshals a payload rejecting unknown fields. Malformed
// payloads are fatal before any business logic runs.
func decodeStrict(payload json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return nil
}

func parseInstant(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return t.UTC(), nil
}

func parseOptionalInstant(value string) (*time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	t, err := parseInstant(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (j UsageJob) validate() error {
	if strings.TrimSpace(j.OrganizationID) == "" {
		return fmt.Errorf("%w: organizationId required", ErrMalformedJob)
	}
	if strings.TrimSpace(j.SubscriptionID) == "" {
		return fmt.Errorf("%w: subscriptionId required", ErrMalformedJob)
	}
	if strings.TrimSpace(j.PeriodStart) == "" || strings.TrimSpace(j.PeriodEnd) == "" {
		return fmt.Errorf("%w: periodStart and periodEnd required", ErrMalformedJob)
	}
	return nil
}

func (j UsageJob) toRequest() (usagedomain.AggregateRequest, error) {
	if err := j.validate(); err != nil {
		return usagedomain.AggregateRequest{}, err
	}
	start, err := parseInstant(j.PeriodStart)
	if err != nil {
		return usagedomain.AggregateRequest{}, err
	}
	end, err := parseInstant(j.PeriodEnd)
	if err != nil {
		return usagedomain.AggregateRequest{}, err
	}
	return usagedomain.AggregateRequest{
		SubscriptionID: j.SubscriptionID,
		FeatureKeys:    j.FeatureKeys,
		PeriodStart:    start,
		PeriodEnd:      end,
		Resolution:     usagedomain.Resolution(strings.ToUpper(j.Resolution)),
		Source:         usagedomain.UsageSource(strings.ToUpper(j.Source)),
	}, nil
}

func (j InvoiceJob) validate() error {
	if strings.TrimSpace(j.OrganizationID) == "" {
		return fmt.Errorf("%w: organizationId required", ErrMalformedJob)
	}
	if strings.TrimSpace(j.PeriodStart) == "" || strings.TrimSpace(j.PeriodEnd) == "" {
		return fmt.Errorf("%w: periodStart and periodEnd required", ErrMalformedJob)
	}
	return nil
}

func (j InvoiceJob) toRequest() (invoicedomain.BuildInvoiceRequest, error) {
	if err := j.validate(); err != nil {
		return invoicedomain.BuildInvoiceRequest{}, err
	}
	start, err := parseInstant(j.PeriodStart)
	if err != nil {
		return invoicedomain.BuildInvoiceRequest{}, err
	}
	end, err := parseInstant(j.PeriodEnd)
	if err != nil {
		return invoicedomain.BuildInvoiceRequest{}, err
	}
	issuedAt, err := parseOptionalInstant(j.IssueDate)
	if err != nil {
		return invoicedomain.BuildInvoiceRequest{}, err
	}
	dueAt, err := parseOptionalInstant(j.DueDate)
	if err != nil {
		return invoicedomain.BuildInvoiceRequest{}, err
	}

	req := invoicedomain.BuildInvoiceRequest{
		SubscriptionID:       j.SubscriptionID,
		Number:               j.InvoiceNumber,
		Currency:             j.Currency,
		PeriodStart:          start,
		PeriodEnd:            end,
		RecurringAmountCents: j.RecurringAmountCents,
		Status:               invoicedomain.InvoiceStatus(strings.ToUpper(j.Status)),
		IssuedAt:             issuedAt,
		DueAt:                dueAt,
		TaxRateBps:           j.TaxRateBps,
		TaxCents:             j.TaxCents,
	}
	for _, charge := range j.UsageCharges {
		req.UsageCharges = append(req.UsageCharges, invoicedomain.UsageCharge{
			FeatureKey:         charge.FeatureKey,
			UnitAmountCents:    charge.UnitAmountCents,
			Unit:               charge.Unit,
			MinimumAmountCents: charge.MinimumAmountCents,
			Resolution:         usagedomain.Resolution(strings.ToUpper(charge.Resolution)),
			Description:        charge.Description,
		})
	}
	for _, extra := range j.ExtraLines {
		req.ExtraLines = append(req.ExtraLines, invoicedomain.ExtraLine{
			LineType:    invoicedomain.LineType(strings.ToUpper(extra.LineType)),
			Description: extra.Description,
			AmountCents: extra.AmountCents,
		})
	}
	if j.Settle != nil {
		paidAt, err := parseOptionalInstant(j.Settle.PaidAt)
		if err != nil {
			return invoicedomain.BuildInvoiceRequest{}, err
		}
		req.Settle = &invoicedomain.SettleRequest{
			AmountCents:       j.Settle.AmountCents,
			PaidAt:            paidAt,
			ExternalPaymentID: j.Settle.ExternalPaymentID,
		}
	}
	return req, nil
}

func (j PaymentSyncJob) validate() error {
	if strings.TrimSpace(j.OrganizationID) == "" {
		return fmt.Errorf("%w: organizationId required", ErrMalformedJob)
	}
	if strings.TrimSpace(j.InvoiceID) == "" {
		return fmt.Errorf("%w: invoiceId required", ErrMalformedJob)
	}
	switch j.Event {
	case settlementdomain.EventPaymentSucceeded,
		settlementdomain.EventPaymentFailed,
		settlementdomain.EventPaymentDisputed,
		settlementdomain.EventPaymentRefunded,
		settlementdomain.EventSyncStatus:
	default:
		return fmt.Errorf("%w: event %q", ErrMalformedJob, j.Event)
	}
	return nil
}

func (j PaymentSyncJob) toRequest() (settlementdomain.ApplyPaymentEventRequest, error) {
	if err := j.validate(); err != nil {
		return settlementdomain.ApplyPaymentEventRequest{}, err
	}
	paidAt, err := parseOptionalInstant(j.PaidAt)
	if err != nil {
		return settlementdomain.ApplyPaymentEventRequest{}, err
	}

	req := settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:         j.InvoiceID,
		Event:             j.Event,
		AmountCents:       j.AmountCents,
		PaidAt:            paidAt,
		Status:            invoicedomain.InvoiceStatus(strings.ToUpper(j.Status)),
		ExternalPaymentID: j.ExternalPaymentID,
	}
	if j.Credit != nil {
		req.CreditReason = settlementdomain.CreditMemoReason(strings.ToUpper(j.Credit.Reason))
		req.Metadata = j.Credit.Metadata
	}
	return req, nil
}
