package routehandlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/clients"
	"github.com/tuncanbit/cpg/pkg/config"
	"github.com/tuncanbit/cpg/pkg/currency"
)

const (
	breakerTripThreshold = 5
	breakerOpenTimeout   = 30 * time.Second
	breakerInterval      = time.Minute
)

// Handler turns a routed payment into customer instructions and reports the
// payment's progress on that route.
type Handler interface {
	Type() domain.RouteType
	CreatePayment(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error)
	CheckStatus(ctx context.Context, route *domain.PaymentRoute, reference string) (domain.RouteStatus, error)
	EstimateFee(route *domain.PaymentRoute, amount decimal.Decimal) decimal.Decimal
}

// Canceller is implemented by handlers whose provider holds state that must
// be released when a payment is cancelled.
type Canceller interface {
	Cancel(ctx context.Context, route *domain.PaymentRoute, reference string) error
}

type PriceSource interface {
	ConvertFiatToCrypto(ctx context.Context, amount decimal.Decimal, fiat, crypto string) (domain.Conversion, error)
}

type WalletDirectory interface {
	WalletAddress(merchantID, crypto string) (string, bool)
}

// Registry dispatches to one handler per route type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.RouteType]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[domain.RouteType]Handler, len(handlers))}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// NewDefaultRegistry wires a handler for every route type from provider config.
func NewDefaultRegistry(cfg *config.Config, prices PriceSource, logger zerolog.Logger) *Registry {
	provider := func(t domain.RouteType) config.ProviderConfig { return cfg.Providers[t] }

	return NewRegistry(
		NewBlockchainHandler(provider(domain.RouteTypeBlockchain), prices, cfg, logger),
		NewDEXHandler(provider(domain.RouteTypeDEX), prices, cfg, logger),
		NewP2PHandler(provider(domain.RouteTypeP2P), prices, logger),
		NewGiftCardHandler(provider(domain.RouteTypeGiftCard), prices, logger),
		NewSelfHostedHandler(provider(domain.RouteTypeSelfHosted), prices, logger),
	)
}

func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

func (r *Registry) Get(t domain.RouteType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, domain.NewNotFoundError("route handler", string(t))
	}
	return h, nil
}

func (r *Registry) Types() []domain.RouteType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]domain.RouteType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Close releases idle provider connections.
func (r *Registry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if c, ok := h.(interface{ Close() }); ok {
			c.Close()
		}
	}
	return nil
}

// base carries what every handler shares: the provider client behind a
// circuit breaker, fiat conversion and fee estimation.
type base struct {
	routeType domain.RouteType
	cfg       config.ProviderConfig
	client    *clients.ProviderClient
	prices    PriceSource
	breaker   *gobreaker.CircuitBreaker
	currency  *currency.CurrencyUtils
	logger    zerolog.Logger
	now       func() time.Time
}

func newBase(t domain.RouteType, cfg config.ProviderConfig, prices PriceSource, logger zerolog.Logger) *base {
	l := logger.With().Str("component", "route_handler").Str("route_type", string(t)).Logger()

	b := &base{
		routeType: t,
		cfg:       cfg,
		client:    clients.NewProviderClient(string(t), cfg, logger),
		prices:    prices,
		currency:  currency.NewCurrencyUtils(),
		logger:    l,
		now:       time.Now,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(t),
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsNotFound(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Provider circuit breaker state changed")
		},
	})
	return b
}

func (b *base) Type() domain.RouteType {
	return b.routeType
}

// EstimateFee is the route's percentage fee plus its fixed fee, in fiat.
func (b *base) EstimateFee(route *domain.PaymentRoute, amount decimal.Decimal) decimal.Decimal {
	return b.currency.RoundFiat(b.currency.PercentageFee(amount, route.Fees.Percentage, route.Fees.Fixed))
}

func (b *base) Close() {
	b.client.Close()
}

func (b *base) post(ctx context.Context, endpoint string, body, out any) error {
	return b.call(func() error { return b.client.Post(ctx, endpoint, body, out) })
}

func (b *base) get(ctx context.Context, endpoint string, out any) error {
	return b.call(func() error { return b.client.Get(ctx, endpoint, out) })
}

func (b *base) call(fn func() error) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.NewExternalServiceError(string(b.routeType)+" provider", true,
			fmt.Errorf("circuit breaker %s: %w", b.breaker.State(), err))
	}
	return err
}

func (b *base) convert(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (domain.Conversion, error) {
	crypto := cryptoFor(payment, route)
	if crypto == "" {
		return domain.Conversion{}, domain.NewValidationError("crypto_currency", "no crypto currency available on route "+route.ID)
	}
	conv, err := b.prices.ConvertFiatToCrypto(ctx, payment.Amount, string(payment.Currency), crypto)
	if err != nil {
		return domain.Conversion{}, fmt.Errorf("failed to price %s in %s: %w", payment.Currency, crypto, err)
	}
	return conv, nil
}

func (b *base) expiry() time.Time {
	return b.now().Add(b.cfg.InstructionTTL).UTC()
}

// cryptoFor prefers the payment's requested crypto and otherwise the route's
// first listed one.
func cryptoFor(payment *domain.Payment, route *domain.PaymentRoute) string {
	if payment.CryptoCurrency != "" {
		return strings.ToUpper(payment.CryptoCurrency)
	}
	for _, c := range route.Capabilities.CryptoCurrencies {
		if c != domain.Wildcard {
			return strings.ToUpper(c)
		}
	}
	return ""
}

func marshalDetails(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
