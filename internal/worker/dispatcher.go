package worker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/config"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/orgcontext"
	settlementdomain "github.com/smallbiznis/tally/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type DispatcherParam struct {
	fx.In

	Config        config.Config
	Log           *zap.Logger
	UsageSvc      usagedomain.Service
	InvoiceSvc    invoicedomain.Service
	SettlementSvc settlementdomain.Service
}

// Dispatcher decodes queue jobs and routes them to the owning service with a
// per-type timeout. It performs no internal retries: a returned error is the
// queue transport's cue to retry with backoff, and Retryable tells it whether
// that is worth doing.
type Dispatcher struct {
	log *zap.Logger

	usageSvc      usagedomain.Service
	invoiceSvc    invoicedomain.Service
	settlementSvc settlementdomain.Service

	usageTimeout   time.Duration
	invoiceTimeout time.Duration
	paymentTimeout time.Duration
}

func NewDispatcher(p DispatcherParam) *Dispatcher {
	return &Dispatcher{
		log: p.Log.Named("worker.dispatcher"),

		usageSvc:      p.UsageSvc,
		invoiceSvc:    p.InvoiceSvc,
		settlementSvc: p.SettlementSvc,

		usageTimeout:   time.Duration(p.Config.Worker.UsageTimeoutSec) * time.Second,
		invoiceTimeout: time.Duration(p.Config.Worker.InvoiceTimeoutSec) * time.Second,
		paymentTimeout: time.Duration(p.Config.Worker.PaymentTimeoutSec) * time.Second,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	switch job.Type {
	case JobTypeUsage:
		return d.runUsage(ctx, job)
	case JobTypeInvoice:
		return d.runInvoice(ctx, job)
	case JobTypePaymentSync:
		return d.runPaymentSync(ctx, job)
	default:
		return ErrUnknownJobType
	}
}

func (d *Dispatcher) runUsage(ctx context.Context, job Job) error {
	var payload UsageJob
	if err := decodeStrict(job.Payload, &payload); err != nil {
		return err
	}
	req, err := payload.toRequest()
	if err != nil {
		return err
	}
	ctx, err = scopeOrg(ctx, payload.OrganizationID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.usageTimeout)
	defer cancel()

	rollups, err := d.usageSvc.Aggregate(ctx, req)
	if err != nil {
		return err
	}
	for _, rollup := range rollups {
		if err := d.usageSvc.ReplaceAggregate(ctx, rollup); err != nil {
			return err
		}
	}
	d.log.Info("usage window aggregated",
		zap.String("subscription_id", payload.SubscriptionID),
		zap.Int("rollups", len(rollups)),
	)
	return nil
}

func (d *Dispatcher) runInvoice(ctx context.Context, job Job) error {
	var payload InvoiceJob
	if err := decodeStrict(job.Payload, &payload); err != nil {
		return err
	}
	req, err := payload.toRequest()
	if err != nil {
		return err
	}
	ctx, err = scopeOrg(ctx, payload.OrganizationID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.invoiceTimeout)
	defer cancel()

	result, err := d.invoiceSvc.BuildInvoice(ctx, req)
	if err != nil {
		return err
	}
	d.log.Info("invoice job completed",
		zap.String("invoice_id", result.InvoiceID.String()),
		zap.String("number", result.Number),
		zap.Int64("total_cents", result.TotalCents),
	)
	return nil
}

func (d *Dispatcher) runPaymentSync(ctx context.Context, job Job) error {
	var payload PaymentSyncJob
	if err := decodeStrict(job.Payload, &payload); err != nil {
		return err
	}
	req, err := payload.toRequest()
	if err != nil {
		return err
	}
	ctx, err = scopeOrg(ctx, payload.OrganizationID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, d.paymentTimeout)
	defer cancel()

	result, err := d.settlementSvc.ApplyPaymentEvent(ctx, req)
	if err != nil {
		// A replayed delivery is steady state under at-least-once
		// semantics, not a failure worth a retry loop.
		if errors.Is(err, settlementdomain.ErrEventAlreadyProcessed) {
			d.log.Info("payment event already processed",
				zap.String("invoice_id", payload.InvoiceID),
				zap.String("external_payment_id", payload.ExternalPaymentID),
			)
			return nil
		}
		return err
	}
	d.log.Info("payment sync completed",
		zap.String("invoice_id", payload.InvoiceID),
		zap.String("action", string(result.Action)),
	)
	return nil
}

// Retryable reports whether the queue should retry the job. Validation and
// not-found failures are final; rate limits and infrastructure errors are
// worth another attempt.
func (d *Dispatcher) Retryable(err error) bool {
	if err == nil {
		return false
	}

	var rateLimited *usagedomain.RateLimitError
	if errors.As(err, &rateLimited) {
		d.log.Warn("job rate limited",
			zap.Duration("retry_after", rateLimited.RetryAfter),
		)
		return true
	}

	switch {
	case errors.Is(err, ErrMalformedJob),
		errors.Is(err, ErrUnknownJobType),
		errors.Is(err, usagedomain.ErrInvalidOrganization),
		errors.Is(err, usagedomain.ErrInvalidSubscription),
		errors.Is(err, usagedomain.ErrInvalidPeriod),
		errors.Is(err, invoicedomain.ErrInvalidOrganization),
		errors.Is(err, invoicedomain.ErrInvalidInvoice),
		errors.Is(err, invoicedomain.ErrInvalidPeriod),
		errors.Is(err, invoicedomain.ErrInvalidTaxRate),
		errors.Is(err, invoicedomain.ErrInvalidLineType),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, invoicedomain.ErrDuplicateInvoice),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, settlementdomain.ErrInvalidInvoice),
		errors.Is(err, settlementdomain.ErrInvalidEvent),
		errors.Is(err, settlementdomain.ErrInvalidAmount),
		errors.Is(err, settlementdomain.ErrInvalidStatus),
		errors.Is(err, settlementdomain.ErrInvoiceNotFound),
		errors.Is(err, settlementdomain.ErrInvoiceTerminal):
		return false
	}
	return true
}

func scopeOrg(ctx context.Context, organizationID string) (context.Context, error) {
	orgID, err := snowflake.ParseString(strings.TrimSpace(organizationID))
	if err != nil || orgID == 0 {
		return nil, ErrMalformedJob
	}
	return orgcontext.WithOrgID(ctx, orgID), nil
}
