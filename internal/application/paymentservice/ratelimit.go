package paymentservice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/pkg/config"
)

const rateLimitKeyPrefix = "rate_limit:"

type window struct {
	scope  string
	key    string
	limit  int64
	length time.Duration
}

// RateLimiter enforces fixed-window payment counters in the shared store so
// every gateway instance sees the same totals.
type RateLimiter struct {
	store cache.Store
	cfg   config.RateLimitConfig
	now   func() time.Time
}

func NewRateLimiter(store cache.Store, cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{store: store, cfg: cfg, now: time.Now}
}

// Allow counts one payment attempt for the merchant and client IP and fails
// with a RateLimitError once any window is over its limit.
func (l *RateLimiter) Allow(ctx context.Context, merchantID, ip string) error {
	now := l.now().UTC()

	windows := []window{
		{"merchant_per_minute", "merchant:" + merchantID + ":m", l.cfg.MaxPaymentsPerMinute, time.Minute},
		{"merchant_per_hour", "merchant:" + merchantID + ":h", l.cfg.MaxPaymentsPerHour, time.Hour},
	}
	if ip = strings.TrimSpace(ip); ip != "" {
		windows = append(windows, window{"ip_per_minute", "ip:" + ip + ":m", l.cfg.MaxPaymentsPerIPPerMinute, time.Minute})
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		start := now.Truncate(w.length)
		key := fmt.Sprintf("%s%s:%d", rateLimitKeyPrefix, w.key, start.Unix())

		count, err := l.store.Incr(ctx, key, w.length)
		if err != nil {
			return domain.NewExternalServiceError("rate limit store", true, err)
		}
		if count > w.limit {
			return &domain.RateLimitError{
				Scope:      w.scope,
				Limit:      w.limit,
				RetryAfter: start.Add(w.length).Sub(now),
			}
		}
	}
	return nil
}
