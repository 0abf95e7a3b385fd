package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/money"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/orgcontext"
	settlementdomain "github.com/smallbiznis/tally/internal/settlement/domain"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	SettlementSvc   settlementdomain.Service `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID           *snowflake.Node
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	settlementSvc   settlementdomain.Service
	obsMetrics      *obsmetrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:           p.GenID,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		settlementSvc:   p.SettlementSvc,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Service) BuildInvoice(ctx context.Context, req invoicedomain.BuildInvoiceRequest) (*invoicedomain.InvoiceResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	sub, err := s.resolveSubscription(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = sub.Currency
	}

	status := req.Status
	if status == "" {
		status = invoicedomain.InvoiceStatusOpen
	}
	if status != invoicedomain.InvoiceStatusDraft && status != invoicedomain.InvoiceStatusOpen {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	now := time.Now().UTC()
	issuedAt := now
	if req.IssuedAt != nil {
		issuedAt = req.IssuedAt.UTC()
	}

	lines, subtotal, err := s.buildLines(ctx, sub, req)
	if err != nil {
		return nil, err
	}

	// Extras count toward the subtotal even though their lines render after
	// the tax line.
	var extras []lineDraft
	for _, extra := range req.ExtraLines {
		if extra.LineType != invoicedomain.LineTypeAdjustment && extra.LineType != invoicedomain.LineTypeCredit {
			return nil, invoicedomain.ErrInvalidLineType
		}
		extras = append(extras, lineDraft{
			lineType:    extra.LineType,
			description: extra.Description,
			amountCents: extra.AmountCents,
		})
		subtotal += extra.AmountCents
	}

	tax, err := resolveTax(subtotal, req)
	if err != nil {
		return nil, err
	}
	if tax != 0 {
		lines = append(lines, lineDraft{
			lineType:    invoicedomain.LineTypeTax,
			description: "tax",
			amountCents: tax,
		})
	}
	lines = append(lines, extras...)

	total := subtotal + tax
	balance := total
	if balance < 0 {
		balance = 0
	}

	number := strings.TrimSpace(req.Number)
	if number == "" {
		number = generateNumber(issuedAt)
	}

	record := invoicedomain.Invoice{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		Number:        number,
		Status:        status,
		Currency:      currency,
		SubtotalCents: subtotal,
		TaxCents:      tax,
		TotalCents:    total,
		BalanceCents:  balance,
		PeriodStart:   req.PeriodStart.UTC(),
		PeriodEnd:     req.PeriodEnd.UTC(),
		IssuedAt:      issuedAt,
		DueAt:         req.DueAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	subID := sub.ID
	record.SubscriptionID = &subID
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	records := make([]*invoicedomain.InvoiceLine, 0, len(lines))
	for position, draft := range lines {
		line := &invoicedomain.InvoiceLine{
			ID:              s.genID.Generate(),
			OrgID:           orgID,
			InvoiceID:       record.ID,
			LineType:        draft.lineType,
			Description:     draft.description,
			Quantity:        draft.quantity,
			UnitAmountCents: draft.unitAmountCents,
			AmountCents:     draft.amountCents,
			Position:        position,
			CreatedAt:       now,
		}
		if draft.featureKey != "" {
			featureKey := draft.featureKey
			line.FeatureKey = &featureKey
			periodStart := record.PeriodStart
			periodEnd := record.PeriodEnd
			line.UsagePeriodStart = &periodStart
			line.UsagePeriodEnd = &periodEnd
		}
		records = append(records, line)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if len(records) > 0 {
			if err := tx.Create(records).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, invoicedomain.ErrDuplicateInvoice
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordInvoiceBuilt(ctx, string(record.Status))
	}
	s.log.Info("invoice built",
		zap.String("invoice_id", record.ID.String()),
		zap.String("number", record.Number),
		zap.Int64("total_cents", record.TotalCents),
		zap.Int("lines", len(records)),
	)

	result := &invoicedomain.InvoiceResult{
		InvoiceID:     record.ID,
		Number:        record.Number,
		Status:        record.Status,
		SubtotalCents: record.SubtotalCents,
		TaxCents:      record.TaxCents,
		TotalCents:    record.TotalCents,
		LineCount:     len(records),
	}

	if req.Settle != nil {
		if err := s.settle(ctx, &record, req.Settle, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// lineDraft holds a pending line before positions are assigned.
type lineDraft struct {
	lineType        invoicedomain.LineType
	description     string
	featureKey      string
	quantity        decimal.Decimal
	unitAmountCents int64
	amountCents     int64
}

func (s *Service) buildLines(ctx context.Context, sub *subscriptiondomain.Subscription, req invoicedomain.BuildInvoiceRequest) ([]lineDraft, int64, error) {
	var lines []lineDraft
	var subtotal int64

	recurring := sub.AmountCents
	if req.RecurringAmountCents != nil {
		recurring = *req.RecurringAmountCents
	}
	if recurring > 0 {
		lines = append(lines, lineDraft{
			lineType:        invoicedomain.LineTypeRecurring,
			description:     fmt.Sprintf("%s subscription", strings.ToLower(string(sub.BillingInterval))),
			quantity:        decimal.NewFromInt(1),
			unitAmountCents: recurring,
			amountCents:     recurring,
		})
		subtotal += recurring
	}

	for _, charge := range req.UsageCharges {
		featureKey := strings.TrimSpace(charge.FeatureKey)
		if featureKey == "" {
			return nil, 0, invoicedomain.ErrInvalidInvoice
		}

		quantity, err := s.chargeQuantity(ctx, sub.ID, charge, req)
		if err != nil {
			return nil, 0, err
		}

		amount := money.Cost(quantity, charge.UnitAmountCents)
		if charge.MinimumAmountCents != nil && amount < *charge.MinimumAmountCents {
			amount = *charge.MinimumAmountCents
		}

		description := charge.Description
		if description == "" {
			description = fmt.Sprintf("%s usage", featureKey)
		}

		// Zero quantities still get a line so the invoice documents the
		// feature was metered.
		lines = append(lines, lineDraft{
			lineType:        invoicedomain.LineTypeUsage,
			description:     description,
			featureKey:      featureKey,
			quantity:        quantity,
			unitAmountCents: charge.UnitAmountCents,
			amountCents:     amount,
		})
		subtotal += amount
	}
	return lines, subtotal, nil
}

func (s *Service) chargeQuantity(ctx context.Context, subID snowflake.ID, charge invoicedomain.UsageCharge, req invoicedomain.BuildInvoiceRequest) (decimal.Decimal, error) {
	if req.UsageTotals != nil {
		return req.UsageTotals[strings.TrimSpace(charge.FeatureKey)], nil
	}

	// One aggregation source prices each charge. The same events can be
	// rolled up at several resolutions (batch replace plus streaming
	// increments); summing across them would bill the usage repeatedly.
	resolution := charge.Resolution
	if resolution == "" {
		resolution = usagedomain.ResolutionDaily
	}
	return s.usageSvc.SummedQuantity(ctx, usagedomain.SummedQuantityRequest{
		SubscriptionID: subID,
		FeatureKey:     strings.TrimSpace(charge.FeatureKey),
		Resolution:     resolution,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
	})
}

func (s *Service) resolveSubscription(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	if strings.TrimSpace(id) != "" {
		return s.subscriptionSvc.GetByID(ctx, id)
	}
	return s.subscriptionSvc.GetActiveByOrg(ctx)
}

func (s *Service) settle(ctx context.Context, record *invoicedomain.Invoice, settle *invoicedomain.SettleRequest, result *invoicedomain.InvoiceResult) error {
	if s.settlementSvc == nil {
		return errors.New("settlement_unavailable")
	}

	amount := record.TotalCents
	if settle.AmountCents != nil {
		amount = *settle.AmountCents
	}
	externalID := settle.ExternalPaymentID
	if externalID == "" {
		externalID = fmt.Sprintf("settle-%s", record.ID.String())
	}

	outcome, err := s.settlementSvc.ApplyPaymentEvent(ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:         record.ID.String(),
		Event:             settlementdomain.EventPaymentSucceeded,
		AmountCents:       &amount,
		PaidAt:            settle.PaidAt,
		ExternalPaymentID: externalID,
	})
	if err != nil {
		return err
	}
	result.Status = outcome.Status
	return nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*invoicedomain.Invoice, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, invoicedomain.ErrInvalidOrganization
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || invoiceID == 0 {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	var record invoicedomain.Invoice
	err = s.db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, invoiceID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, invoicedomain.ErrInvoiceNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Service) ListLines(ctx context.Context, invoiceID string) ([]invoicedomain.InvoiceLine, error) {
	record, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	var lines []invoicedomain.InvoiceLine
	err = s.db.WithContext(ctx).
		Where("org_id = ? AND invoice_id = ?", record.OrgID, record.ID).
		Order("position ASC").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func resolveTax(subtotal int64, req invoicedomain.BuildInvoiceRequest) (int64, error) {
	if req.TaxCents != nil {
		if *req.TaxCents < 0 {
			return 0, invoicedomain.ErrInvalidTaxRate
		}
		return *req.TaxCents, nil
	}
	if req.TaxRateBps == nil {
		return 0, nil
	}
	rate := *req.TaxRateBps
	if rate < 0 || rate > 10000 {
		return 0, invoicedomain.ErrInvalidTaxRate
	}
	return money.TaxFromBps(subtotal, rate), nil
}

func generateNumber(issuedAt time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:8]
	return fmt.Sprintf("INV-%s-%s", issuedAt.Format("20060102"), suffix)
}
