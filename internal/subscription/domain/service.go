package domain

import (
	"context"
	"errors"
	"time"
)

type CreateSubscriptionRequest struct {
	PackageID          string          `json:"package_id"`
	Status             string          `json:"status"`
	Currency           string          `json:"currency"`
	AmountCents        int64           `json:"amount_cents"`
	BillingInterval    BillingInterval `json:"billing_interval"`
	CurrentPeriodStart time.Time       `json:"current_period_start"`
	CurrentPeriodEnd   time.Time       `json:"current_period_end"`
	TrialEndsAt        *time.Time      `json:"trial_ends_at"`
	Metadata           map[string]any  `json:"metadata"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	GetByID(ctx context.Context, id string) (*Subscription, error)
	// GetActiveByOrg resolves "the active subscription" for the caller's
	// organization: the single TRIALING/ACTIVE/PAST_DUE record.
	GetActiveByOrg(ctx context.Context) (*Subscription, error)
	TransitionStatus(ctx context.Context, id string, status SubscriptionStatus) error
}

var (
	ErrInvalidOrganization      = errors.New("invalid_organization")
	ErrInvalidSubscription      = errors.New("invalid_subscription")
	ErrInvalidPeriod            = errors.New("invalid_period")
	ErrInvalidCurrency          = errors.New("invalid_currency")
	ErrInvalidStatus            = errors.New("invalid_status")
	ErrSubscriptionNotFound     = errors.New("subscription_not_found")
	ErrActiveSubscriptionExists = errors.New("active_subscription_exists")
	ErrTerminalSubscription     = errors.New("subscription_terminal")
)
