package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/promosale/internal/config"
)

const keyPurchaseRequester = "promo:throttle:requester:%s"

// PurchaseLimiter throttles purchase attempts per requester before they reach
// the stock counter. Rate and burst are read from the hot-reloaded promo config.
type PurchaseLimiter struct {
	bucket *TokenBucket
	promo  *config.PromoConfigHolder
}

func NewPurchaseLimiter(client *redis.Client, promo *config.PromoConfigHolder) *PurchaseLimiter {
	return &PurchaseLimiter{
		bucket: NewTokenBucket(client),
		promo:  promo,
	}
}

// Enabled reports whether throttling is configured.
func (l *PurchaseLimiter) Enabled() bool {
	if l == nil || l.bucket == nil {
		return false
	}
	cfg := l.promo.Get()
	return cfg.PurchaseRatePerSecond > 0 && cfg.PurchaseBurst > 0
}

// Allow consumes one token for the requester.
func (l *PurchaseLimiter) Allow(ctx context.Context, requesterID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	requesterID = strings.TrimSpace(requesterID)
	if requesterID == "" {
		return nil, errors.New("requester id is empty")
	}
	cfg := l.promo.Get()
	return l.bucket.Take(ctx, fmt.Sprintf(keyPurchaseRequester, requesterID), cfg.PurchaseRatePerSecond, cfg.PurchaseBurst)
}
