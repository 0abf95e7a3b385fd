package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/pkg/db/pagination"
)

// EventInput is one submitted usage event. Fingerprint may be empty, in
// which case it is derived from the event's defining fields.
type EventInput struct {
	SubscriptionID string          `json:"subscription_id"`
	TenantID       string          `json:"tenant_id"`
	ProductID      string          `json:"product_id"`
	FeatureKey     string          `json:"feature_key"`
	Quantity       decimal.Decimal `json:"quantity"`
	Unit           string          `json:"unit"`
	RecordedAt     time.Time       `json:"recorded_at"`
	Source         UsageSource     `json:"source"`
	Fingerprint    string          `json:"fingerprint"`
	Metadata       map[string]any  `json:"metadata"`
}

type RecordEventsRequest struct {
	Events []EventInput `json:"events"`
}

type AggregateRequest struct {
	SubscriptionID string      `json:"subscription_id"`
	FeatureKeys    []string    `json:"feature_keys"`
	PeriodStart    time.Time   `json:"period_start"`
	PeriodEnd      time.Time   `json:"period_end"`
	Resolution     Resolution  `json:"resolution"`
	Source         UsageSource `json:"source"`
}

// Rollup is one aggregated feature total for a window, ready to be written
// with replace semantics.
type Rollup struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	FeatureKey     string
	Resolution     Resolution
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Quantity       decimal.Decimal
	Unit           string
	Source         UsageSource
}

// AggregateKey addresses one aggregate row for atomic increments.
type AggregateKey struct {
	SubscriptionID snowflake.ID
	FeatureKey     string
	Resolution     Resolution
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type SummedQuantityRequest struct {
	SubscriptionID snowflake.ID
	FeatureKey     string
	Resolution     Resolution
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type ListUsageRequest struct {
	SubscriptionID string `json:"subscription_id"`
	FeatureKey     string `json:"feature_key"`
	PageToken      string `json:"page_token"`
	PageSize       int32  `json:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageEvents []UsageEvent `json:"usage_events"`
}

type Service interface {
	// RecordEvents dedupes and stores a batch, returning the number of
	// newly inserted rows. Duplicate fingerprints are skipped silently.
	RecordEvents(ctx context.Context, req RecordEventsRequest) (int, error)
	// Aggregate sums events per feature key over [PeriodStart, PeriodEnd).
	// Windows with no events produce no rollup.
	Aggregate(ctx context.Context, req AggregateRequest) ([]Rollup, error)
	// ReplaceAggregate overwrites the aggregate row for the rollup's window.
	ReplaceAggregate(ctx context.Context, rollup Rollup) error
	// IncrementAggregate atomically adds delta, creating the row with value
	// delta when absent. One conditional statement, no existence check.
	IncrementAggregate(ctx context.Context, key AggregateKey, unit string, delta decimal.Decimal, source UsageSource) error
	// SummedQuantity returns the decimal sum of aggregates for a feature
	// over the period, for invoice pricing. Resolution scopes the sum to
	// one aggregation source: the same events may exist at several
	// resolutions (batch replace plus streaming increments), and summing
	// across them would bill the usage once per resolution.
	SummedQuantity(ctx context.Context, req SummedQuantityRequest) (decimal.Decimal, error)
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidFeatureKey   = errors.New("invalid_feature_key")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidUnit         = errors.New("invalid_unit")
	ErrInvalidRecordedAt   = errors.New("invalid_recorded_at")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrEmptyBatch          = errors.New("empty_batch")
)

// RateLimitError signals the ingest token bucket rejected the batch. The
// queue should retry with backoff rather than fail the job.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("usage_ingest_rate_limited retry_after=%s", e.RetryAfter)
}
