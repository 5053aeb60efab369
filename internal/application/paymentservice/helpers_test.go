package paymentservice

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tuncanbit/cpg/internal/application/routing"
	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/internal/infrastructure/routehandlers"
	"github.com/tuncanbit/cpg/pkg/config"
)

const testConfig = `
merchants:
  - id: merchant_1
    name: Test Merchant
    api_key: key_1
    wallets:
      USDT: "0xmerchant"
processor:
  monitoring:
    check_timeout: 1s
    call_retry_delay: 1ms
  fraud:
    disabled: true
  settlement:
    platform_fee_percentage: 1
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedPrices struct {
	rate decimal.Decimal
}

func (p fixedPrices) ConvertFiatToCrypto(_ context.Context, amount decimal.Decimal, fiat, crypto string) (domain.Conversion, error) {
	return domain.Conversion{
		FiatAmount:     amount,
		FiatCurrency:   fiat,
		CryptoAmount:   amount.Div(p.rate).Round(8),
		CryptoCurrency: crypto,
		Rate:           p.rate,
	}, nil
}

type slowPrices struct {
	fixedPrices
	delay time.Duration
}

func (p slowPrices) ConvertFiatToCrypto(ctx context.Context, amount decimal.Decimal, fiat, crypto string) (domain.Conversion, error) {
	time.Sleep(p.delay)
	return p.fixedPrices.ConvertFiatToCrypto(ctx, amount, fiat, crypto)
}

// fakeHandler serves every route type. Nil funcs succeed.
type fakeHandler struct {
	create func(payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error)
	status func(route *domain.PaymentRoute, reference string) (domain.RouteStatus, error)

	creates atomic.Int32
	checks  atomic.Int32
	cancels atomic.Int32
}

func (h *fakeHandler) Type() domain.RouteType { return domain.RouteTypeBlockchain }

func (h *fakeHandler) CreatePayment(_ context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
	h.creates.Add(1)
	if h.create != nil {
		return h.create(payment, route)
	}
	return &domain.PaymentInstructions{
		Method:    "test",
		Reference: "ref-" + route.ID,
		Amount:    payment.Amount.Div(decimal.NewFromInt(2)),
		Currency:  payment.CryptoCurrency,
		ExpiresAt: payment.CreatedAt.Add(30 * time.Minute),
	}, nil
}

func (h *fakeHandler) CheckStatus(_ context.Context, route *domain.PaymentRoute, reference string) (domain.RouteStatus, error) {
	h.checks.Add(1)
	if h.status != nil {
		return h.status(route, reference)
	}
	return domain.RouteStatusPending, nil
}

func (h *fakeHandler) EstimateFee(*domain.PaymentRoute, decimal.Decimal) decimal.Decimal {
	return decimal.RequireFromString("0.5")
}

func (h *fakeHandler) Cancel(context.Context, *domain.PaymentRoute, string) error {
	h.cancels.Add(1)
	return nil
}

type fakeHandlers struct {
	handler *fakeHandler
	closed  atomic.Int32
}

func (f *fakeHandlers) Get(domain.RouteType) (routehandlers.Handler, error) {
	return f.handler, nil
}

func (f *fakeHandlers) Close() error {
	f.closed.Add(1)
	return nil
}

type fakeRepo struct {
	mu           sync.Mutex
	payments     map[string]*domain.Payment
	instructions map[string]*domain.PaymentInstructions
	settlements  map[string]*domain.Settlement
	audit        map[string][]domain.AuditEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		payments:     make(map[string]*domain.Payment),
		instructions: make(map[string]*domain.PaymentInstructions),
		settlements:  make(map[string]*domain.Settlement),
		audit:        make(map[string][]domain.AuditEntry),
	}
}

func (r *fakeRepo) SavePayment(_ context.Context, payment *domain.Payment, instructions *domain.PaymentInstructions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payments[payment.ID] = payment.Clone()
	if instructions != nil {
		r.instructions[payment.ID] = instructions
	}
	return nil
}

func (r *fakeRepo) GetPayment(_ context.Context, id string) (*domain.Payment, *domain.PaymentInstructions, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, nil, domain.NewNotFoundError("payment", id)
	}
	return p.Clone(), r.instructions[id], nil
}

func (r *fakeRepo) SaveSettlement(_ context.Context, s *domain.Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlements[s.ID] = s
	return nil
}

func (r *fakeRepo) GetSettlement(_ context.Context, id string) (*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settlements[id]
	if !ok {
		return nil, domain.NewNotFoundError("settlement", id)
	}
	return s, nil
}

func (r *fakeRepo) AppendAudit(_ context.Context, paymentID string, entry domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit[paymentID] = append(r.audit[paymentID], entry)
	return nil
}

func (r *fakeRepo) ListAudit(_ context.Context, paymentID string) ([]domain.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEntry(nil), r.audit[paymentID]...), nil
}

func (r *fakeRepo) payment(id string) (*domain.Payment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	return p, ok
}

func (r *fakeRepo) settlementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.settlements)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) listen(_ context.Context, event domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) find(t domain.EventType) (domain.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == t {
			return e, true
		}
	}
	return domain.Event{}, false
}

type fixture struct {
	cfg      *config.Config
	svc      *paymentService
	handler  *fakeHandler
	handlers *fakeHandlers
	repo     *fakeRepo
	events   *recorder
	clock    *fakeClock
	router   *routing.Router
}

func newFixture(t *testing.T, configure func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	if configure != nil {
		configure(cfg)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := cache.NewRedisStore(client, zerolog.Nop())

	catalog, err := routing.NewCatalog(cfg.Routes)
	require.NoError(t, err)
	registry := routing.NewRegistry(catalog, store, cfg.Routing, zerolog.Nop())
	router := routing.NewRouter(registry, routing.NewEvaluator(registry, cfg.Routing), cfg.Routing, zerolog.Nop())

	handler := &fakeHandler{}
	handlers := &fakeHandlers{handler: handler}
	repo := newFakeRepo()
	clock := &fakeClock{now: time.Date(2026, 3, 14, 10, 0, 30, 0, time.UTC)}

	svc := newPaymentService(router, handlers, fixedPrices{rate: decimal.NewFromInt(2)}, store, repo, nil, cfg, cfg.Processor, zerolog.Nop())
	svc.now = clock.Now
	svc.limiter.now = clock.Now
	var seq atomic.Int64
	svc.newID = func() string {
		return "id_" + strconv.FormatInt(seq.Add(1), 10)
	}

	events := &recorder{}
	svc.Subscribe("test", events.listen)
	svc.bus.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &fixture{
		cfg:      cfg,
		svc:      svc,
		handler:  handler,
		handlers: handlers,
		repo:     repo,
		events:   events,
		clock:    clock,
		router:   router,
	}
}

func paymentRequest(email string) domain.CreatePaymentRequest {
	return domain.CreatePaymentRequest{
		MerchantID:     "merchant_1",
		Amount:         decimal.NewFromInt(100),
		Currency:       domain.CurrencyAUD,
		CryptoCurrency: "USDT",
		Customer: domain.CustomerInfo{
			Email:     email,
			Phone:     "+61400000000",
			IPAddress: "203.0.113.7",
		},
		Metadata: map[string]any{domain.MetadataCountry: "AU"},
	}
}

func (f *fixture) create(t *testing.T) *domain.CreatePaymentResult {
	t.Helper()
	res, err := f.svc.CreatePayment(context.Background(), paymentRequest("buyer@example.com"))
	require.NoError(t, err)
	return res
}

func (f *fixture) status(t *testing.T, id string) *domain.PaymentStatusView {
	t.Helper()
	view, err := f.svc.CheckPaymentStatus(context.Background(), id)
	require.NoError(t, err)
	return view
}

func (f *fixture) waitForEvent(t *testing.T, et domain.EventType) domain.Event {
	t.Helper()
	var event domain.Event
	require.Eventually(t, func() bool {
		var ok bool
		event, ok = f.events.find(et)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "event %s not published", et)
	return event
}

// waitForListeners waits until every listener has handled the payment's events.
func (f *fixture) waitForListeners(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.svc.mu.RLock()
		pc, ok := f.svc.payments[id]
		f.svc.mu.RUnlock()
		return !ok || pc.pending.Load() == 0
	}, 2*time.Second, 5*time.Millisecond)
}
