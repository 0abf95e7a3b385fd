package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/orgcontext"
	"github.com/smallbiznis/tally/internal/ratelimit"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"github.com/shopspring/decimal"
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
	Limiter    *ratelimit.UsageIngestLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	limiter    *ratelimit.UsageIngestLimiter
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) RecordEvents(ctx context.Context, req usagedomain.RecordEventsRequest) (int, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, usagedomain.ErrInvalidOrganization
	}
	if len(req.Events) == 0 {
		return 0, usagedomain.ErrEmptyBatch
	}

	if s.limiter.Enabled() {
		allowed, retryAfter, err := s.limiter.AllowOrg(ctx, orgID.String())
		if err != nil {
			return 0, err
		}
		if !allowed {
			return 0, &usagedomain.RateLimitError{RetryAfter: retryAfter}
		}
	}

	now := time.Now().UTC()
	records := make([]*usagedomain.UsageEvent, 0, len(req.Events))
	for _, input := range req.Events {
		record, err := s.buildEvent(orgID, input, now)
		if err != nil {
			return 0, err
		}
		records = append(records, record)
	}

	// Insert-or-skip on (org_id, fingerprint). Re-submitting an identical
	// event is steady-state under at-least-once delivery, never an error.
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(records)
	if result.Error != nil {
		return 0, result.Error
	}
	inserted := int(result.RowsAffected)

	if s.obsMetrics != nil {
		s.obsMetrics.RecordUsageIngest(ctx, inserted, len(records)-inserted)
	}

	return inserted, nil
}

func (s *Service) buildEvent(orgID snowflake.ID, input usagedomain.EventInput, now time.Time) (*usagedomain.UsageEvent, error) {
	subID, err := snowflake.ParseString(strings.TrimSpace(input.SubscriptionID))
	if err != nil || subID == 0 {
		return nil, usagedomain.ErrInvalidSubscription
	}

	featureKey := strings.TrimSpace(input.FeatureKey)
	if featureKey == "" {
		return nil, usagedomain.ErrInvalidFeatureKey
	}
	unit := strings.TrimSpace(input.Unit)
	if unit == "" {
		return nil, usagedomain.ErrInvalidUnit
	}
	if input.Quantity.IsNegative() {
		return nil, usagedomain.ErrInvalidQuantity
	}
	if input.RecordedAt.IsZero() {
		return nil, usagedomain.ErrInvalidRecordedAt
	}

	source := input.Source
	if source == "" {
		source = usagedomain.UsageSourceAPI
	}

	fingerprint := strings.TrimSpace(input.Fingerprint)
	if fingerprint == "" {
		fingerprint = deriveFingerprint(orgID, subID, featureKey, unit, input.RecordedAt, input.Quantity)
	}

	record := &usagedomain.UsageEvent{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: subID,
		FeatureKey:     featureKey,
		Quantity:       input.Quantity,
		Unit:           unit,
		RecordedAt:     input.RecordedAt.UTC(),
		Source:         source,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
	}
	if tenantID := parseOptionalID(input.TenantID); tenantID != 0 {
		record.TenantID = &tenantID
	}
	if productID := parseOptionalID(input.ProductID); productID != 0 {
		record.ProductID = &productID
	}
	if input.Metadata != nil {
		record.Metadata = datatypes.JSONMap(input.Metadata)
	}
	return record, nil
}

func (s *Service) Aggregate(ctx context.Context, req usagedomain.AggregateRequest) ([]usagedomain.Rollup, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return nil, usagedomain.ErrInvalidPeriod
	}

	subID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil || subID == 0 {
		return nil, usagedomain.ErrInvalidSubscription
	}

	resolution := req.Resolution
	if resolution == "" {
		resolution = usagedomain.ResolutionDaily
	}
	source := req.Source
	if source == "" {
		source = usagedomain.UsageSourceWorker
	}

	type eventRow struct {
		FeatureKey string
		Quantity   decimal.Decimal
		Unit       string
	}

	query := s.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Select("feature_key, quantity, unit").
		Where("org_id = ? AND subscription_id = ?", orgID, subID).
		Where("recorded_at >= ? AND recorded_at < ?", req.PeriodStart.UTC(), req.PeriodEnd.UTC())
	if len(req.FeatureKeys) > 0 {
		query = query.Where("feature_key IN ?", req.FeatureKeys)
	}

	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	// Sums happen in Go on exact decimals so many small fractional events
	// cannot drift the way a float SUM() would.
	totals := make(map[string]decimal.Decimal)
	units := make(map[string]string)
	for _, row := range rows {
		totals[row.FeatureKey] = totals[row.FeatureKey].Add(row.Quantity)
		if _, ok := units[row.FeatureKey]; !ok {
			units[row.FeatureKey] = row.Unit
		}
	}

	keys := make([]string, 0, len(totals))
	for key := range totals {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rollups := make([]usagedomain.Rollup, 0, len(keys))
	for _, key := range keys {
		rollups = append(rollups, usagedomain.Rollup{
			OrgID:          orgID,
			SubscriptionID: subID,
			FeatureKey:     key,
			Resolution:     resolution,
			PeriodStart:    req.PeriodStart.UTC(),
			PeriodEnd:      req.PeriodEnd.UTC(),
			Quantity:       totals[key],
			Unit:           units[key],
			Source:         source,
		})
	}
	return rollups, nil
}

func (s *Service) ReplaceAggregate(ctx context.Context, rollup usagedomain.Rollup) error {
	if rollup.OrgID == 0 || rollup.SubscriptionID == 0 {
		return usagedomain.ErrInvalidSubscription
	}
	if strings.TrimSpace(rollup.FeatureKey) == "" {
		return usagedomain.ErrInvalidFeatureKey
	}
	if !rollup.PeriodEnd.After(rollup.PeriodStart) {
		return usagedomain.ErrInvalidPeriod
	}

	now := time.Now().UTC()
	record := usagedomain.UsageAggregate{
		ID:             s.genID.Generate(),
		OrgID:          rollup.OrgID,
		SubscriptionID: rollup.SubscriptionID,
		FeatureKey:     rollup.FeatureKey,
		Resolution:     rollup.Resolution,
		PeriodStart:    rollup.PeriodStart.UTC(),
		PeriodEnd:      rollup.PeriodEnd.UTC(),
		Quantity:       rollup.Quantity,
		Unit:           rollup.Unit,
		Source:         rollup.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   aggregateConflictColumns(),
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "unit", "source", "updated_at"}),
		}).
		Create(&record).Error
	if err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordAggregateWrite(ctx, "replace")
	}
	return nil
}

func (s *Service) IncrementAggregate(ctx context.Context, key usagedomain.AggregateKey, unit string, delta decimal.Decimal, source usagedomain.UsageSource) error {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return usagedomain.ErrInvalidOrganization
	}
	if key.SubscriptionID == 0 {
		return usagedomain.ErrInvalidSubscription
	}
	if strings.TrimSpace(key.FeatureKey) == "" {
		return usagedomain.ErrInvalidFeatureKey
	}
	if !key.PeriodEnd.After(key.PeriodStart) {
		return usagedomain.ErrInvalidPeriod
	}
	if delta.IsNegative() {
		return usagedomain.ErrInvalidQuantity
	}

	now := time.Now().UTC()
	record := usagedomain.UsageAggregate{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: key.SubscriptionID,
		FeatureKey:     key.FeatureKey,
		Resolution:     key.Resolution,
		PeriodStart:    key.PeriodStart.UTC(),
		PeriodEnd:      key.PeriodEnd.UTC(),
		Quantity:       delta,
		Unit:           unit,
		Source:         source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Create-or-add in one conditional statement so concurrent ingesters
	// never race an existence check.
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   aggregateConflictColumns(),
			DoUpdates: clause.Assignments(map[string]any{
				"quantity":   incrementExpr(s.db),
				"updated_at": now,
			}),
		}).
		Create(&record).Error
	if err != nil {
		return err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordAggregateWrite(ctx, "increment")
	}
	return nil
}

func (s *Service) SummedQuantity(ctx context.Context, req usagedomain.SummedQuantityRequest) (decimal.Decimal, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return decimal.Zero, usagedomain.ErrInvalidOrganization
	}
	if !req.PeriodEnd.After(req.PeriodStart) {
		return decimal.Zero, usagedomain.ErrInvalidPeriod
	}

	type aggRow struct {
		Quantity decimal.Decimal
	}
	query := s.db.WithContext(ctx).
		Model(&usagedomain.UsageAggregate{}).
		Select("quantity").
		Where("org_id = ? AND subscription_id = ? AND feature_key = ?", orgID, req.SubscriptionID, req.FeatureKey).
		Where("period_start >= ? AND period_end <= ?", req.PeriodStart.UTC(), req.PeriodEnd.UTC())
	if req.Resolution != "" {
		query = query.Where("resolution = ?", req.Resolution)
	}

	var rows []aggRow
	err := query.Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.Quantity)
	}
	return total, nil
}

func (s *Service) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidOrganization
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	query := s.db.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Where("org_id = ?", orgID).
		Order("id DESC").
		Limit(int(pageSize) + 1)
	if req.SubscriptionID != "" {
		subID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
		if err != nil || subID == 0 {
			return usagedomain.ListUsageResponse{}, usagedomain.ErrInvalidSubscription
		}
		query = query.Where("subscription_id = ?", subID)
	}
	if req.FeatureKey != "" {
		query = query.Where("feature_key = ?", req.FeatureKey)
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err == nil && cursor != nil && cursor.ID != "" {
			query = query.Where("id < ?", cursor.ID)
		}
	}

	var items []*usagedomain.UsageEvent
	if err := query.Find(&items).Error; err != nil {
		return usagedomain.ListUsageResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        record.ID.String(),
			CreatedAt: record.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := usagedomain.ListUsageResponse{UsageEvents: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func aggregateConflictColumns() []clause.Column {
	return []clause.Column{
		{Name: "org_id"},
		{Name: "subscription_id"},
		{Name: "feature_key"},
		{Name: "resolution"},
		{Name: "period_start"},
		{Name: "period_end"},
	}
}

// incrementExpr adds the incoming quantity to the stored one in SQL. The
// addition is exact on postgres/mysql, where quantity is NUMERIC; sqlite has
// no decimal type and adds in floating point, so fractional streaming
// increments can drift there. Tests stick to integral deltas for that reason.
func incrementExpr(db *gorm.DB) clause.Expr {
	if db != nil && strings.EqualFold(db.Dialector.Name(), "mysql") {
		return gorm.Expr("usage_aggregates.quantity + VALUES(quantity)")
	}
	return gorm.Expr("usage_aggregates.quantity + excluded.quantity")
}

func deriveFingerprint(orgID, subID snowflake.ID, featureKey, unit string, recordedAt time.Time, quantity decimal.Decimal) string {
	payload := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s",
		orgID.String(),
		subID.String(),
		featureKey,
		unit,
		recordedAt.UTC().Format(time.RFC3339Nano),
		quantity.String(),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func parseOptionalID(value string) snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0
	}
	return id
}
