package paymentservice

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/pkg/config"
)

func newStore(t *testing.T) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedisStore(client, zerolog.Nop()), mr
}

func TestRateLimiterPerIP(t *testing.T) {
	store, _ := newStore(t)
	limiter := NewRateLimiter(store, config.RateLimitConfig{
		MaxPaymentsPerMinute:      100,
		MaxPaymentsPerHour:        100,
		MaxPaymentsPerIPPerMinute: 2,
	})
	now := time.Date(2026, 3, 14, 10, 0, 45, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "m1", "198.51.100.1"))
	require.NoError(t, limiter.Allow(ctx, "m2", "198.51.100.1"))

	err := limiter.Allow(ctx, "m3", "198.51.100.1")
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "ip_per_minute", rl.Scope)
	assert.Equal(t, 15*time.Second, rl.RetryAfter)

	// a different address has its own window
	require.NoError(t, limiter.Allow(ctx, "m3", "198.51.100.2"))
	// no address skips the per-IP window
	require.NoError(t, limiter.Allow(ctx, "m3", ""))
}

func TestRateLimiterPerHour(t *testing.T) {
	store, _ := newStore(t)
	limiter := NewRateLimiter(store, config.RateLimitConfig{
		MaxPaymentsPerMinute: 10,
		MaxPaymentsPerHour:   2,
	})
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "m1", ""))
	now = now.Add(2 * time.Minute)
	require.NoError(t, limiter.Allow(ctx, "m1", ""))
	now = now.Add(2 * time.Minute)

	err := limiter.Allow(ctx, "m1", "")
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "merchant_per_hour", rl.Scope)
	assert.Equal(t, 56*time.Minute, rl.RetryAfter)
}

func TestRateLimiterSurfacesStoreFailure(t *testing.T) {
	store, mr := newStore(t)
	limiter := NewRateLimiter(store, config.RateLimitConfig{MaxPaymentsPerMinute: 10})
	mr.Close()

	err := limiter.Allow(context.Background(), "m1", "")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func fraudPayment(email, ip, amount string) *domain.Payment {
	return &domain.Payment{
		ID:       "p",
		Amount:   decimal.RequireFromString(amount),
		Currency: domain.CurrencyAUD,
		Customer: domain.CustomerInfo{Email: email, IPAddress: ip},
	}
}

func TestFraudScreen(t *testing.T) {
	cfg := config.FraudConfig{
		MaxAmountPerCustomer:   1000,
		MaxPaymentsPerCustomer: 5,
		Window:                 24 * time.Hour,
		SuspiciousPatterns:     []string{PatternRapidSuccession, PatternHighAmount, PatternMultipleIPs},
	}
	ctx := context.Background()

	t.Run("clean payment passes", func(t *testing.T) {
		store, _ := newStore(t)
		screen := NewFraudScreen(store, cfg)
		require.NoError(t, screen.Screen(ctx, fraudPayment("a@example.com", "203.0.113.1", "100")))
	})

	t.Run("high first payment", func(t *testing.T) {
		store, _ := newStore(t)
		screen := NewFraudScreen(store, cfg)
		err := screen.Screen(ctx, fraudPayment("a@example.com", "", "950"))
		var rejected *domain.FraudRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, []string{PatternHighAmount}, rejected.Reasons)
	})

	t.Run("rapid succession", func(t *testing.T) {
		store, _ := newStore(t)
		screen := NewFraudScreen(store, cfg)
		for i := 0; i < 3; i++ {
			require.NoError(t, screen.Screen(ctx, fraudPayment("A@Example.com", "", "10")))
		}
		err := screen.Screen(ctx, fraudPayment("a@example.com", "", "10"))
		var rejected *domain.FraudRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Contains(t, rejected.Reasons, PatternRapidSuccession)
	})

	t.Run("many addresses", func(t *testing.T) {
		store, mr := newStore(t)
		screen := NewFraudScreen(store, cfg)
		for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
			require.NoError(t, screen.Screen(ctx, fraudPayment("a@example.com", ip, "10")))
		}
		mr.FastForward(2 * time.Minute)
		err := screen.Screen(ctx, fraudPayment("a@example.com", "10.0.0.4", "10"))
		var rejected *domain.FraudRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, []string{PatternMultipleIPs}, rejected.Reasons)
	})

	t.Run("customer payment cap", func(t *testing.T) {
		store, mr := newStore(t)
		screen := NewFraudScreen(store, cfg)
		for i := 0; i < 5; i++ {
			require.NoError(t, screen.Screen(ctx, fraudPayment("a@example.com", "", "10")))
			mr.FastForward(30 * time.Second)
		}
		err := screen.Screen(ctx, fraudPayment("a@example.com", "", "10"))
		var rejected *domain.FraudRejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, []string{"customer exceeded 5 payments per 24h0m0s"}, rejected.Reasons)
	})

	t.Run("disabled", func(t *testing.T) {
		store, _ := newStore(t)
		off := cfg
		off.Disabled = true
		screen := NewFraudScreen(store, off)
		require.NoError(t, screen.Screen(ctx, fraudPayment("a@example.com", "", "5000")))
	})
}
