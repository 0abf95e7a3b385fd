package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/orgcontext"
	settlementdomain "github.com/smallbiznis/tally/internal/settlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type settlementFixture struct {
	svc   *Service
	db    *gorm.DB
	node  *snowflake.Node
	ctx   context.Context
	orgID snowflake.ID
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceLine{},
		&settlementdomain.PaymentEventRecord{},
		&settlementdomain.CreditMemo{},
	))
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_events_external ON payment_event_records(org_id, external_payment_id)")

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})

	orgID := node.Generate()
	return &settlementFixture{
		svc:   svc.(*Service),
		db:    db,
		node:  node,
		ctx:   orgcontext.WithOrgID(context.Background(), orgID),
		orgID: orgID,
	}
}

func (f *settlementFixture) createInvoice(t *testing.T, total int64, status invoicedomain.InvoiceStatus) *invoicedomain.Invoice {
	t.Helper()

	now := time.Now().UTC()
	balance := total
	if status == invoicedomain.InvoiceStatusPaid {
		balance = 0
	}
	subID := f.node.Generate()
	invoice := &invoicedomain.Invoice{
		ID:             f.node.Generate(),
		OrgID:          f.orgID,
		SubscriptionID: &subID,
		Number:         fmt.Sprintf("INV-TEST-%s", f.node.Generate()),
		Status:         status,
		Currency:       "usd",
		SubtotalCents:  total,
		TotalCents:     total,
		BalanceCents:   balance,
		PeriodStart:    now.AddDate(0, -1, 0),
		PeriodEnd:      now,
		IssuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.db.Create(invoice).Error)
	return invoice
}

func (f *settlementFixture) reload(t *testing.T, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.Where("id = ?", id).First(&invoice).Error)
	return &invoice
}

func TestApplyPaymentEvent_PartialThenFull(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 10000, invoicedomain.InvoiceStatusOpen)

	partial := int64(4000)
	result, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:   invoice.ID.String(),
		Event:       settlementdomain.EventPaymentSucceeded,
		AmountCents: &partial,
	})
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ActionPaymentRecorded, result.Action)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, result.Status)
	assert.Equal(t, int64(6000), result.BalanceCents)

	rest := int64(6000)
	result, err = f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:   invoice.ID.String(),
		Event:       settlementdomain.EventPaymentSucceeded,
		AmountCents: &rest,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
	assert.Equal(t, int64(0), result.BalanceCents)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, stored.Status)
	assert.Equal(t, int64(0), stored.BalanceCents)
	assert.NotNil(t, stored.PaidAt)
}

func TestApplyPaymentEvent_DefaultsToFullAmount(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 13975, invoicedomain.InvoiceStatusOpen)

	paidAt := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	result, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID: invoice.ID.String(),
		Event:     settlementdomain.EventPaymentSucceeded,
		PaidAt:    &paidAt,
	})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
	assert.Equal(t, int64(0), result.BalanceCents)

	stored := f.reload(t, invoice.ID)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, stored.PaidAt.Equal(paidAt))
}

func TestApplyPaymentEvent_BalanceNeverNegative(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	over := int64(9000)
	result, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:   invoice.ID.String(),
		Event:       settlementdomain.EventPaymentSucceeded,
		AmountCents: &over,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.BalanceCents)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.Status)
}

func TestApplyPaymentEvent_TerminalRejected(t *testing.T) {
	f := newSettlementFixture(t)

	for _, status := range []invoicedomain.InvoiceStatus{
		invoicedomain.InvoiceStatusPaid,
		invoicedomain.InvoiceStatusVoid,
		invoicedomain.InvoiceStatusUncollectible,
	} {
		invoice := f.createInvoice(t, 5000, status)
		amount := int64(5000)
		_, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
			InvoiceID:   invoice.ID.String(),
			Event:       settlementdomain.EventPaymentSucceeded,
			AmountCents: &amount,
		})
		assert.ErrorIs(t, err, settlementdomain.ErrInvoiceTerminal, "status %s", status)
	}
}

func TestApplyPaymentEvent_DisputeIssuesCreditMemo(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 13975, invoicedomain.InvoiceStatusPaid)

	amount := int64(4200)
	result, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:   invoice.ID.String(),
		Event:       settlementdomain.EventPaymentDisputed,
		AmountCents: &amount,
	})
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ActionCreditIssued, result.Action)
	assert.Equal(t, invoicedomain.InvoiceStatusUncollectible, result.Status)
	require.NotZero(t, result.CreditMemoID)

	var memo settlementdomain.CreditMemo
	require.NoError(t, f.db.Where("id = ?", result.CreditMemoID).First(&memo).Error)
	assert.Equal(t, int64(4200), memo.AmountCents)
	assert.Equal(t, settlementdomain.CreditReasonServiceFailure, memo.Reason)
	assert.Equal(t, invoice.ID, memo.InvoiceID)
	assert.Equal(t, "usd", memo.Currency)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusUncollectible, stored.Status)
}

func TestApplyPaymentEvent_DisputeRejectedOnVoid(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 5000, invoicedomain.InvoiceStatusVoid)

	amount := int64(1000)
	_, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:   invoice.ID.String(),
		Event:       settlementdomain.EventPaymentDisputed,
		AmountCents: &amount,
	})
	assert.ErrorIs(t, err, settlementdomain.ErrInvoiceTerminal)
}

func TestApplyPaymentEvent_FailureLeavesBalance(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	result, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID: invoice.ID.String(),
		Event:     settlementdomain.EventPaymentFailed,
		Metadata:  map[string]any{"failure_code": "card_declined"},
	})
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ActionStatusUpdated, result.Action)
	assert.Equal(t, int64(5000), result.BalanceCents)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, stored.Status)
	assert.Equal(t, int64(5000), stored.BalanceCents)
}

func TestApplyPaymentEvent_SyncStatusBypassesTerminality(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 5000, invoicedomain.InvoiceStatusPaid)

	result, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID: invoice.ID.String(),
		Event:     settlementdomain.EventSyncStatus,
		Status:    invoicedomain.InvoiceStatusVoid,
	})
	require.NoError(t, err)
	assert.Equal(t, settlementdomain.ActionStatusUpdated, result.Action)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, result.Status)

	stored := f.reload(t, invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, stored.Status)
	assert.NotNil(t, stored.VoidedAt)
	assert.Equal(t, int64(0), stored.BalanceCents)
}

func TestApplyPaymentEvent_SyncStatusRejectsUnknown(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 5000, invoicedomain.InvoiceStatusOpen)

	_, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID: invoice.ID.String(),
		Event:     settlementdomain.EventSyncStatus,
		Status:    invoicedomain.InvoiceStatus("BOGUS"),
	})
	assert.ErrorIs(t, err, settlementdomain.ErrInvalidStatus)
}

func TestApplyPaymentEvent_ExternalIDDedup(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 10000, invoicedomain.InvoiceStatusOpen)

	amount := int64(2000)
	req := settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:         invoice.ID.String(),
		Event:             settlementdomain.EventPaymentSucceeded,
		AmountCents:       &amount,
		ExternalPaymentID: "pi_12345",
	}

	_, err := f.svc.ApplyPaymentEvent(f.ctx, req)
	require.NoError(t, err)

	_, err = f.svc.ApplyPaymentEvent(f.ctx, req)
	assert.ErrorIs(t, err, settlementdomain.ErrEventAlreadyProcessed)

	// The replay never touched the balance.
	stored := f.reload(t, invoice.ID)
	assert.Equal(t, int64(8000), stored.BalanceCents)
}

func TestApplyPaymentEvent_UnknownInvoice(t *testing.T) {
	f := newSettlementFixture(t)

	amount := int64(1000)
	_, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
		InvoiceID:   f.node.Generate().String(),
		Event:       settlementdomain.EventPaymentSucceeded,
		AmountCents: &amount,
	})
	assert.ErrorIs(t, err, settlementdomain.ErrInvoiceNotFound)
}

func TestApplyPaymentEvent_PaymentMonotonicity(t *testing.T) {
	f := newSettlementFixture(t)
	invoice := f.createInvoice(t, 9000, invoicedomain.InvoiceStatusOpen)

	previous := invoice.BalanceCents
	for _, amount := range []int64{2500, 2500, 2500, 2500} {
		amt := amount
		result, err := f.svc.ApplyPaymentEvent(f.ctx, settlementdomain.ApplyPaymentEventRequest{
			InvoiceID:   invoice.ID.String(),
			Event:       settlementdomain.EventPaymentSucceeded,
			AmountCents: &amt,
		})
		if err != nil {
			// The invoice went PAID; further payments are rejected.
			assert.ErrorIs(t, err, settlementdomain.ErrInvoiceTerminal)
			break
		}
		assert.LessOrEqual(t, result.BalanceCents, previous)
		assert.GreaterOrEqual(t, result.BalanceCents, int64(0))
		previous = result.BalanceCents
	}
	stored := f.reload(t, invoice.ID)
	assert.Equal(t, int64(0), stored.BalanceCents)
}
