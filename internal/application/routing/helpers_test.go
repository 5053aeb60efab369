package routing

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/pkg/config"
)

type fixture struct {
	cfg       *config.Config
	mr        *miniredis.Miniredis
	store     *cache.RedisStore
	registry  *Registry
	evaluator *Evaluator
	router    *Router
	clock     *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg, err := config.Parse([]byte("{}"))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := cache.NewRedisStore(client, zerolog.Nop())

	catalog, err := NewCatalog(cfg.Routes)
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	registry := NewRegistry(catalog, store, cfg.Routing, zerolog.Nop())
	registry.now = clock.Now
	evaluator := NewEvaluator(registry, cfg.Routing)
	router := NewRouter(registry, evaluator, cfg.Routing, zerolog.Nop())

	return &fixture{
		cfg:       cfg,
		mr:        mr,
		store:     store,
		registry:  registry,
		evaluator: evaluator,
		router:    router,
		clock:     clock,
	}
}

// expireMemo moves the clock past the memo TTL so the next read hits the store.
func (f *fixture) expireMemo() {
	f.clock.Advance(f.cfg.Routing.MemoTTL + time.Millisecond)
}

func newPayment(amount string, currency domain.FiatCurrency, country, crypto string) *domain.Payment {
	return &domain.Payment{
		ID:             "pay_test",
		MerchantID:     "merchant_1",
		Amount:         decimal.RequireFromString(amount),
		Currency:       currency,
		CryptoCurrency: crypto,
		Status:         domain.PaymentStatusCreated,
		Customer:       domain.CustomerInfo{Email: "buyer@example.com"},
		Metadata:       map[string]any{domain.MetadataCountry: country},
	}
}
