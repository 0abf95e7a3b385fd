package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tally/internal/config"
)

const keyUsageIngestOrg = "usage:ingest:org:%s"

// UsageIngestLimiter rate-limits usage event batches per organization.
type UsageIngestLimiter struct {
	enabled bool

	bucket *TokenBucket

	orgRate  float64
	orgBurst int
}

func NewUsageIngestLimiter(cfg config.Config) (*UsageIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.IngestOrgRate <= 0 || limitCfg.IngestBurst <= 0 {
		return nil, errors.New("usage ingest org rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &UsageIngestLimiter{
		enabled:  true,
		bucket:   NewTokenBucket(client),
		orgRate:  limitCfg.IngestOrgRate,
		orgBurst: limitCfg.IngestBurst,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *UsageIngestLimiter) AllowOrg(ctx context.Context, orgID string) (bool, time.Duration, error) {
	if !l.Enabled() {
		return true, 0, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestOrg, strings.TrimSpace(orgID)), l.orgRate, l.orgBurst)
}
