package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"github.com/smallbiznis/tally/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	subrepo repository.Repository[subscriptiondomain.Subscription]
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		subrepo: repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}

	packageID, err := snowflake.ParseString(strings.TrimSpace(req.PackageID))
	if err != nil || packageID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	if !req.CurrentPeriodEnd.After(req.CurrentPeriodStart) {
		return nil, subscriptiondomain.ErrInvalidPeriod
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, subscriptiondomain.ErrInvalidCurrency
	}

	status := subscriptiondomain.SubscriptionStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	if status == "" {
		status = subscriptiondomain.SubscriptionStatusActive
	}
	if !status.IsValid() {
		return nil, subscriptiondomain.ErrInvalidStatus
	}

	record := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		PackageID:          packageID,
		Status:             status,
		Currency:           currency,
		AmountCents:        req.AmountCents,
		BillingInterval:    req.BillingInterval,
		CurrentPeriodStart: req.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:   req.CurrentPeriodEnd.UTC(),
		TrialEndsAt:        req.TrialEndsAt,
	}
	if req.Metadata != nil {
		record.Metadata = datatypes.JSONMap(req.Metadata)
	}

	if record.IsActiveLike() {
		existing, err := s.findActiveLike(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, subscriptiondomain.ErrActiveSubscriptionExists
		}
	}

	if err := s.subrepo.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}

	subID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || subID == 0 {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}

	sub, err := s.subrepo.FindOne(ctx, &subscriptiondomain.Subscription{ID: subID, OrgID: orgID})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetActiveByOrg(ctx context.Context) (*subscriptiondomain.Subscription, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, subscriptiondomain.ErrInvalidOrganization
	}

	sub, err := s.findActiveLike(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) TransitionStatus(ctx context.Context, id string, status subscriptiondomain.SubscriptionStatus) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return subscriptiondomain.ErrInvalidOrganization
	}

	subID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || subID == 0 {
		return subscriptiondomain.ErrInvalidSubscription
	}
	if !status.IsValid() {
		return subscriptiondomain.ErrInvalidStatus
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current subscriptiondomain.Subscription
		if err := tx.Where("org_id = ? AND id = ?", orgID, subID).First(&current).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return subscriptiondomain.ErrSubscriptionNotFound
			}
			return err
		}
		if current.Status.IsTerminal() {
			return subscriptiondomain.ErrTerminalSubscription
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":     status,
			"updated_at": now,
		}
		if status == subscriptiondomain.SubscriptionStatusCanceled {
			updates["canceled_at"] = now
		}

		return tx.Model(&subscriptiondomain.Subscription{}).
			Where("org_id = ? AND id = ?", orgID, subID).
			Updates(updates).Error
	})
}

func (s *Service) findActiveLike(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("org_id = ? AND status IN ?", orgID, subscriptiondomain.ActiveLikeStatuses).
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}
