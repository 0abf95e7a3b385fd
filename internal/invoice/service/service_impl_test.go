package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/orgcontext"
	settlementdomain "github.com/smallbiznis/tally/internal/settlement/domain"
	settlementservice "github.com/smallbiznis/tally/internal/settlement/service"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	subscriptionservice "github.com/smallbiznis/tally/internal/subscription/service"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	usageservice "github.com/smallbiznis/tally/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type invoiceFixture struct {
	svc   *Service
	db    *gorm.DB
	node  *snowflake.Node
	ctx   context.Context
	orgID snowflake.ID
	sub   *subscriptiondomain.Subscription
}

func newInvoiceFixture(t *testing.T) *invoiceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageAggregate{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&settlementdomain.PaymentEventRecord{},
		&settlementdomain.CreditMemo{},
	))
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_events_fingerprint ON usage_events(org_id, fingerprint)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_usage_aggregates_window ON usage_aggregates(org_id, subscription_id, feature_key, resolution, period_start, period_end)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_number ON invoices(number)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_events_external ON payment_event_records(org_id, external_payment_id)")

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()

	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:    db,
		Log:   logger,
		GenID: node,
	})
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:    db,
		Log:   logger,
		GenID: node,
	})
	settlementSvc := settlementservice.NewService(settlementservice.ServiceParam{
		DB:    db,
		Log:   logger,
		GenID: node,
	})
	svc := NewService(ServiceParam{
		DB:              db,
		Log:             logger,
		GenID:           node,
		SubscriptionSvc: subscriptionSvc,
		UsageSvc:        usageSvc,
		SettlementSvc:   settlementSvc,
	})

	orgID := node.Generate()
	ctx := orgcontext.WithOrgID(context.Background(), orgID)

	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub, err := subscriptionSvc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		PackageID:          node.Generate().String(),
		Currency:           "usd",
		AmountCents:        10000,
		BillingInterval:    subscriptiondomain.BillingIntervalMonthly,
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodStart.AddDate(0, 1, 0),
	})
	require.NoError(t, err)

	return &invoiceFixture{
		svc:   svc.(*Service),
		db:    db,
		node:  node,
		ctx:   ctx,
		orgID: orgID,
		sub:   sub,
	}
}

func monthlyRequest(f *invoiceFixture) invoicedomain.BuildInvoiceRequest {
	taxRate := int64(750)
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return invoicedomain.BuildInvoiceRequest{
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 1, 0),
		TaxRateBps:  &taxRate,
		UsageCharges: []invoicedomain.UsageCharge{{
			FeatureKey:      "ai.tokens",
			UnitAmountCents: 2,
			Unit:            "tokens",
		}},
		UsageTotals: map[string]decimal.Decimal{
			"ai.tokens": decimal.NewFromInt(1500),
		},
	}
}

func TestBuildInvoice_MonthlyScenario(t *testing.T) {
	f := newInvoiceFixture(t)

	result, err := f.svc.BuildInvoice(f.ctx, monthlyRequest(f))
	require.NoError(t, err)

	assert.Equal(t, invoicedomain.InvoiceStatusOpen, result.Status)
	assert.Equal(t, int64(13000), result.SubtotalCents)
	assert.Equal(t, int64(975), result.TaxCents)
	assert.Equal(t, int64(13975), result.TotalCents)
	assert.Equal(t, 3, result.LineCount)
	assert.True(t, strings.HasPrefix(result.Number, "INV-"))

	invoice, err := f.svc.GetByID(f.ctx, result.InvoiceID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(13975), invoice.BalanceCents)
	assert.Equal(t, invoice.TotalCents, invoice.SubtotalCents+invoice.TaxCents)

	lines, err := f.svc.ListLines(f.ctx, result.InvoiceID.String())
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, invoicedomain.LineTypeRecurring, lines[0].LineType)
	assert.Equal(t, int64(10000), lines[0].AmountCents)
	assert.Equal(t, "monthly subscription", lines[0].Description)

	assert.Equal(t, invoicedomain.LineTypeUsage, lines[1].LineType)
	assert.Equal(t, int64(3000), lines[1].AmountCents)
	require.NotNil(t, lines[1].FeatureKey)
	assert.Equal(t, "ai.tokens", *lines[1].FeatureKey)
	require.NotNil(t, lines[1].UsagePeriodStart)
	require.NotNil(t, lines[1].UsagePeriodEnd)

	assert.Equal(t, invoicedomain.LineTypeTax, lines[2].LineType)
	assert.Equal(t, int64(975), lines[2].AmountCents)

	var nonTax int64
	for _, line := range lines {
		if line.LineType != invoicedomain.LineTypeTax {
			nonTax += line.AmountCents
		}
	}
	assert.Equal(t, invoice.SubtotalCents, nonTax)
}

func TestBuildInvoice_ImmediateSettlement(t *testing.T) {
	f := newInvoiceFixture(t)

	paidAt := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	req := monthlyRequest(f)
	req.Settle = &invoicedomain.SettleRequest{PaidAt: &paidAt}

	result, err := f.svc.BuildInvoice(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)

	invoice, err := f.svc.GetByID(f.ctx, result.InvoiceID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, int64(0), invoice.BalanceCents)
	require.NotNil(t, invoice.PaidAt)
	assert.True(t, invoice.PaidAt.Equal(paidAt))
}

func TestBuildInvoice_UsageFromAggregates(t *testing.T) {
	f := newInvoiceFixture(t)

	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:    f.db,
		Log:   zap.NewNop(),
		GenID: f.node,
	})
	require.NoError(t, usageSvc.ReplaceAggregate(f.ctx, usagedomain.Rollup{
		OrgID:          f.orgID,
		SubscriptionID: f.sub.ID,
		FeatureKey:     "ai.tokens",
		Resolution:     usagedomain.ResolutionMonthly,
		PeriodStart:    periodStart,
		PeriodEnd:      periodStart.AddDate(0, 1, 0),
		Quantity:       decimal.NewFromInt(1500),
		Unit:           "tokens",
		Source:         usagedomain.UsageSourceWorker,
	}))

	req := monthlyRequest(f)
	req.UsageTotals = nil
	req.UsageCharges[0].Resolution = usagedomain.ResolutionMonthly

	result, err := f.svc.BuildInvoice(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(13000), result.SubtotalCents)
	assert.Equal(t, int64(13975), result.TotalCents)
}

func TestBuildInvoice_PricesOneResolutionOnly(t *testing.T) {
	f := newInvoiceFixture(t)

	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:    f.db,
		Log:   zap.NewNop(),
		GenID: f.node,
	})

	// The same 1500 tokens land twice: once through the streaming
	// increment path at hourly buckets, once through the batch replace
	// path at a monthly bucket.
	for hour := 0; hour < 3; hour++ {
		require.NoError(t, usageSvc.IncrementAggregate(f.ctx, usagedomain.AggregateKey{
			SubscriptionID: f.sub.ID,
			FeatureKey:     "ai.tokens",
			Resolution:     usagedomain.ResolutionHourly,
			PeriodStart:    periodStart.Add(time.Duration(hour) * time.Hour),
			PeriodEnd:      periodStart.Add(time.Duration(hour+1) * time.Hour),
		}, "tokens", decimal.NewFromInt(500), usagedomain.UsageSourceAPI))
	}
	require.NoError(t, usageSvc.ReplaceAggregate(f.ctx, usagedomain.Rollup{
		OrgID:          f.orgID,
		SubscriptionID: f.sub.ID,
		FeatureKey:     "ai.tokens",
		Resolution:     usagedomain.ResolutionMonthly,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Quantity:       decimal.NewFromInt(1500),
		Unit:           "tokens",
		Source:         usagedomain.UsageSourceWorker,
	}))

	req := monthlyRequest(f)
	req.UsageTotals = nil
	req.UsageCharges[0].Resolution = usagedomain.ResolutionMonthly

	// Only the monthly rollup prices the charge: 1500 tokens once, not
	// once per resolution.
	result, err := f.svc.BuildInvoice(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(13000), result.SubtotalCents)
	assert.Equal(t, int64(975), result.TaxCents)
	assert.Equal(t, int64(13975), result.TotalCents)

	lines, err := f.svc.ListLines(f.ctx, result.InvoiceID.String())
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, int64(3000), lines[1].AmountCents)
	assert.True(t, lines[1].Quantity.Equal(decimal.NewFromInt(1500)), "got %s", lines[1].Quantity)
}

func TestBuildInvoice_ZeroQuantityStillEmitsLine(t *testing.T) {
	f := newInvoiceFixture(t)

	minimum := int64(500)
	req := monthlyRequest(f)
	req.TaxRateBps = nil
	req.UsageTotals = map[string]decimal.Decimal{}
	req.UsageCharges = []invoicedomain.UsageCharge{
		{FeatureKey: "ai.tokens", UnitAmountCents: 2, Unit: "tokens"},
		{FeatureKey: "storage.gb", UnitAmountCents: 10, Unit: "gb", MinimumAmountCents: &minimum},
	}

	result, err := f.svc.BuildInvoice(f.ctx, req)
	require.NoError(t, err)

	lines, err := f.svc.ListLines(f.ctx, result.InvoiceID.String())
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.Equal(t, int64(0), lines[1].AmountCents)
	assert.Equal(t, int64(500), lines[2].AmountCents)
	assert.Equal(t, int64(10500), result.SubtotalCents)
	assert.Equal(t, result.SubtotalCents, result.TotalCents)
}

func TestBuildInvoice_ExtraLinesCountTowardSubtotal(t *testing.T) {
	f := newInvoiceFixture(t)

	req := monthlyRequest(f)
	req.ExtraLines = []invoicedomain.ExtraLine{
		{LineType: invoicedomain.LineTypeAdjustment, Description: "setup fee", AmountCents: 2500},
		{LineType: invoicedomain.LineTypeCredit, Description: "loyalty credit", AmountCents: -1000},
	}

	result, err := f.svc.BuildInvoice(f.ctx, req)
	require.NoError(t, err)

	subtotal := int64(13000 + 2500 - 1000)
	assert.Equal(t, subtotal, result.SubtotalCents)
	expectedTax := int64(1088) // 14500 * 7.5% = 1087.5, rounded half up
	assert.Equal(t, expectedTax, result.TaxCents)
	assert.Equal(t, subtotal+expectedTax, result.TotalCents)

	lines, err := f.svc.ListLines(f.ctx, result.InvoiceID.String())
	require.NoError(t, err)
	require.Len(t, lines, 5)
	assert.Equal(t, invoicedomain.LineTypeTax, lines[2].LineType)
	assert.Equal(t, invoicedomain.LineTypeAdjustment, lines[3].LineType)
	assert.Equal(t, invoicedomain.LineTypeCredit, lines[4].LineType)
}

func TestBuildInvoice_MissingSubscription(t *testing.T) {
	f := newInvoiceFixture(t)

	req := monthlyRequest(f)
	req.SubscriptionID = f.node.Generate().String()

	_, err := f.svc.BuildInvoice(f.ctx, req)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	var count int64
	f.db.Model(&invoicedomain.Invoice{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestBuildInvoice_InvalidPeriod(t *testing.T) {
	f := newInvoiceFixture(t)

	req := monthlyRequest(f)
	req.PeriodEnd = req.PeriodStart

	_, err := f.svc.BuildInvoice(f.ctx, req)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)
}

func TestBuildInvoice_InvalidTaxRate(t *testing.T) {
	f := newInvoiceFixture(t)

	tooHigh := int64(10001)
	req := monthlyRequest(f)
	req.TaxRateBps = &tooHigh

	_, err := f.svc.BuildInvoice(f.ctx, req)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidTaxRate)
}

func TestBuildInvoice_DuplicateNumber(t *testing.T) {
	f := newInvoiceFixture(t)

	req := monthlyRequest(f)
	req.Number = "INV-20260301-FIXED"

	_, err := f.svc.BuildInvoice(f.ctx, req)
	require.NoError(t, err)

	req2 := monthlyRequest(f)
	req2.Number = "INV-20260301-FIXED"
	req2.PeriodStart = req.PeriodStart.AddDate(0, 1, 0)
	req2.PeriodEnd = req.PeriodEnd.AddDate(0, 1, 0)

	_, err = f.svc.BuildInvoice(f.ctx, req2)
	assert.ErrorIs(t, err, invoicedomain.ErrDuplicateInvoice)
}

func TestBuildInvoice_DuplicatePeriod(t *testing.T) {
	f := newInvoiceFixture(t)

	_, err := f.svc.BuildInvoice(f.ctx, monthlyRequest(f))
	require.NoError(t, err)

	_, err = f.svc.BuildInvoice(f.ctx, monthlyRequest(f))
	assert.ErrorIs(t, err, invoicedomain.ErrDuplicateInvoice)
}

func TestBuildInvoice_ArithmeticInvariantsHoldForRandomInputs(t *testing.T) {
	f := newInvoiceFixture(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 30; i++ {
		periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
		recurring := rng.Int63n(25000)
		taxRate := rng.Int63n(10001)

		totals := map[string]decimal.Decimal{}
		charges := make([]invoicedomain.UsageCharge, 0, 3)
		for c := 0; c < 1+rng.Intn(3); c++ {
			feature := fmt.Sprintf("feature.%d", c)
			// Fractional quantities with two decimal places.
			totals[feature] = decimal.New(rng.Int63n(500000), -2)
			charge := invoicedomain.UsageCharge{
				FeatureKey:      feature,
				UnitAmountCents: rng.Int63n(50),
				Unit:            "units",
			}
			if rng.Intn(3) == 0 {
				minimum := rng.Int63n(2000)
				charge.MinimumAmountCents = &minimum
			}
			charges = append(charges, charge)
		}

		var extras []invoicedomain.ExtraLine
		if rng.Intn(2) == 0 {
			extras = append(extras, invoicedomain.ExtraLine{
				LineType:    invoicedomain.LineTypeAdjustment,
				Description: "setup fee",
				AmountCents: rng.Int63n(5000),
			})
		}
		if rng.Intn(2) == 0 {
			extras = append(extras, invoicedomain.ExtraLine{
				LineType:    invoicedomain.LineTypeCredit,
				Description: "credit",
				AmountCents: -rng.Int63n(3000),
			})
		}

		result, err := f.svc.BuildInvoice(f.ctx, invoicedomain.BuildInvoiceRequest{
			PeriodStart:          periodStart,
			PeriodEnd:            periodStart.AddDate(0, 1, 0),
			RecurringAmountCents: &recurring,
			TaxRateBps:           &taxRate,
			UsageCharges:         charges,
			ExtraLines:           extras,
			UsageTotals:          totals,
		})
		require.NoError(t, err)

		assert.Equal(t, result.TotalCents, result.SubtotalCents+result.TaxCents)

		invoice, err := f.svc.GetByID(f.ctx, result.InvoiceID.String())
		require.NoError(t, err)
		assert.Equal(t, invoice.TotalCents, invoice.SubtotalCents+invoice.TaxCents)

		lines, err := f.svc.ListLines(f.ctx, result.InvoiceID.String())
		require.NoError(t, err)

		var nonTax, tax int64
		for _, line := range lines {
			if line.LineType == invoicedomain.LineTypeTax {
				tax += line.AmountCents
			} else {
				nonTax += line.AmountCents
			}
		}
		assert.Equal(t, invoice.SubtotalCents, nonTax)
		assert.Equal(t, invoice.TaxCents, tax)
	}
}

func TestBuildInvoice_ExplicitTaxCents(t *testing.T) {
	f := newInvoiceFixture(t)

	taxCents := int64(1200)
	req := monthlyRequest(f)
	req.TaxRateBps = nil
	req.TaxCents = &taxCents

	result, err := f.svc.BuildInvoice(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), result.TaxCents)
	assert.Equal(t, int64(14200), result.TotalCents)
}
