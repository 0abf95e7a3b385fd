package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/orgcontext"
	settlementdomain "github.com/smallbiznis/tally/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) settlementdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("settlement.service"),

		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) ApplyPaymentEvent(ctx context.Context, req settlementdomain.ApplyPaymentEventRequest) (*settlementdomain.SettlementResult, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, settlementdomain.ErrInvalidOrganization
	}
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil || invoiceID == 0 {
		return nil, settlementdomain.ErrInvalidInvoice
	}

	var result *settlementdomain.SettlementResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice invoicedomain.Invoice
		query := tx.Where("org_id = ? AND id = ?", orgID, invoiceID)
		// Row lock serializes concurrent settlements on the same invoice.
		// SQLite locks the whole database per transaction already.
		if !strings.EqualFold(tx.Dialector.Name(), "sqlite") {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := query.First(&invoice).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return settlementdomain.ErrInvoiceNotFound
			}
			return err
		}

		if err := s.recordEvent(tx, orgID, invoiceID, req); err != nil {
			return err
		}

		outcome, err := s.apply(tx, &invoice, req)
		if err != nil {
			return err
		}
		result = outcome
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordSettlement(ctx, req.Event, string(result.Action))
	}
	s.log.Info("payment event applied",
		zap.String("invoice_id", invoiceID.String()),
		zap.String("event", req.Event),
		zap.String("action", string(result.Action)),
		zap.Int64("balance_cents", result.BalanceCents),
	)
	return result, nil
}

// recordEvent dedupes deliveries by external payment id. A replayed event
// returns ErrEventAlreadyProcessed so the queue drops it instead of retrying.
func (s *Service) recordEvent(tx *gorm.DB, orgID, invoiceID snowflake.ID, req settlementdomain.ApplyPaymentEventRequest) error {
	externalID := strings.TrimSpace(req.ExternalPaymentID)
	if externalID == "" {
		return nil
	}

	now := time.Now().UTC()
	var amount int64
	if req.AmountCents != nil {
		amount = *req.AmountCents
	}
	record := settlementdomain.PaymentEventRecord{
		ID:                s.genID.Generate(),
		OrgID:             orgID,
		InvoiceID:         invoiceID,
		ExternalPaymentID: externalID,
		EventType:         req.Event,
		AmountCents:       amount,
		ReceivedAt:        now,
		ProcessedAt:       &now,
	}

	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "external_payment_id"}},
		DoNothing: true,
	}).Create(&record)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return settlementdomain.ErrEventAlreadyProcessed
	}
	return nil
}

func (s *Service) apply(tx *gorm.DB, invoice *invoicedomain.Invoice, req settlementdomain.ApplyPaymentEventRequest) (*settlementdomain.SettlementResult, error) {
	switch req.Event {
	case settlementdomain.EventPaymentSucceeded:
		return s.applyPayment(tx, invoice, req)
	case settlementdomain.EventPaymentFailed:
		return s.applyFailure(tx, invoice, req)
	case settlementdomain.EventPaymentDisputed, settlementdomain.EventPaymentRefunded:
		return s.applyCredit(tx, invoice, req)
	case settlementdomain.EventSyncStatus:
		return s.applySync(tx, invoice, req)
	default:
		return nil, settlementdomain.ErrInvalidEvent
	}
}

func (s *Service) applyPayment(tx *gorm.DB, invoice *invoicedomain.Invoice, req settlementdomain.ApplyPaymentEventRequest) (*settlementdomain.SettlementResult, error) {
	if invoice.Status.IsTerminal() {
		return nil, settlementdomain.ErrInvoiceTerminal
	}

	amount := invoice.TotalCents
	if req.AmountCents != nil {
		amount = *req.AmountCents
	}
	if amount <= 0 {
		return nil, settlementdomain.ErrInvalidAmount
	}

	balance := invoice.BalanceCents - amount
	if balance < 0 {
		balance = 0
	}

	now := time.Now().UTC()
	paidAt := now
	if req.PaidAt != nil {
		paidAt = req.PaidAt.UTC()
	}

	updates := map[string]any{
		"balance_cents": balance,
		"paid_at":       paidAt,
		"updated_at":    now,
	}
	if balance == 0 {
		updates["status"] = invoicedomain.InvoiceStatusPaid
	}
	if err := tx.Model(invoice).Updates(updates).Error; err != nil {
		return nil, err
	}

	status := invoice.Status
	if balance == 0 {
		status = invoicedomain.InvoiceStatusPaid
	}
	return &settlementdomain.SettlementResult{
		Action:       settlementdomain.ActionPaymentRecorded,
		Status:       status,
		BalanceCents: balance,
	}, nil
}

func (s *Service) applyFailure(tx *gorm.DB, invoice *invoicedomain.Invoice, req settlementdomain.ApplyPaymentEventRequest) (*settlementdomain.SettlementResult, error) {
	if invoice.Status.IsTerminal() {
		return nil, settlementdomain.ErrInvoiceTerminal
	}

	// Failures never touch the balance. Metadata keeps the audit note.
	if req.Metadata != nil {
		updates := map[string]any{
			"metadata":   datatypes.JSONMap(req.Metadata),
			"updated_at": time.Now().UTC(),
		}
		if err := tx.Model(invoice).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &settlementdomain.SettlementResult{
		Action:       settlementdomain.ActionStatusUpdated,
		Status:       invoice.Status,
		BalanceCents: invoice.BalanceCents,
	}, nil
}

// applyCredit handles disputes and refunds. PAID invoices are eligible:
// clawing back money already collected is the whole point of a dispute.
// VOID and UNCOLLECTIBLE invoices stay rejected.
func (s *Service) applyCredit(tx *gorm.DB, invoice *invoicedomain.Invoice, req settlementdomain.ApplyPaymentEventRequest) (*settlementdomain.SettlementResult, error) {
	if invoice.Status == invoicedomain.InvoiceStatusVoid || invoice.Status == invoicedomain.InvoiceStatusUncollectible {
		return nil, settlementdomain.ErrInvoiceTerminal
	}
	if req.AmountCents == nil || *req.AmountCents <= 0 {
		return nil, settlementdomain.ErrInvalidAmount
	}

	reason := req.CreditReason
	if reason == "" {
		reason = settlementdomain.CreditReasonServiceFailure
		if req.Event == settlementdomain.EventPaymentRefunded {
			reason = settlementdomain.CreditReasonOther
		}
	}

	memo := settlementdomain.CreditMemo{
		ID:          s.genID.Generate(),
		OrgID:       invoice.OrgID,
		InvoiceID:   invoice.ID,
		AmountCents: *req.AmountCents,
		Currency:    invoice.Currency,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if req.Metadata != nil {
		memo.Metadata = datatypes.JSONMap(req.Metadata)
	}
	if err := tx.Create(&memo).Error; err != nil {
		return nil, err
	}

	updates := map[string]any{
		"status":     invoicedomain.InvoiceStatusUncollectible,
		"updated_at": time.Now().UTC(),
	}
	if err := tx.Model(invoice).Updates(updates).Error; err != nil {
		return nil, err
	}

	return &settlementdomain.SettlementResult{
		Action:       settlementdomain.ActionCreditIssued,
		Status:       invoicedomain.InvoiceStatusUncollectible,
		BalanceCents: invoice.BalanceCents,
		CreditMemoID: memo.ID,
	}, nil
}

// applySync reconciles status drift against the external payment provider.
// It bypasses terminality on purpose and never touches the balance.
func (s *Service) applySync(tx *gorm.DB, invoice *invoicedomain.Invoice, req settlementdomain.ApplyPaymentEventRequest) (*settlementdomain.SettlementResult, error) {
	status := req.Status
	switch status {
	case invoicedomain.InvoiceStatusDraft,
		invoicedomain.InvoiceStatusOpen,
		invoicedomain.InvoiceStatusPaid,
		invoicedomain.InvoiceStatusVoid,
		invoicedomain.InvoiceStatusUncollectible:
	default:
		return nil, settlementdomain.ErrInvalidStatus
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     status,
		"updated_at": now,
	}
	if status == invoicedomain.InvoiceStatusVoid && invoice.VoidedAt == nil {
		updates["voided_at"] = now
	}
	if req.Metadata != nil {
		updates["metadata"] = datatypes.JSONMap(req.Metadata)
	}
	if err := tx.Model(invoice).Updates(updates).Error; err != nil {
		return nil, err
	}

	return &settlementdomain.SettlementResult{
		Action:       settlementdomain.ActionStatusUpdated,
		Status:       status,
		BalanceCents: invoice.BalanceCents,
	}, nil
}
