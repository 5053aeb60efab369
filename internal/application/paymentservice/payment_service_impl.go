package paymentservice

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/application/routing"
	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/internal/infrastructure/routehandlers"
	"github.com/tuncanbit/cpg/pkg/config"
	"github.com/tuncanbit/cpg/pkg/currency"
)

type processingTotals struct {
	mu              sync.Mutex
	processed       int64
	completed       int64
	failed          int64
	processingTotal time.Duration
}

type paymentService struct {
	router    *routing.Router
	handlers  HandlerSource
	prices    routehandlers.PriceSource
	repo      Repository
	notifier  WebhookSender
	merchants MerchantDirectory
	limiter   *RateLimiter
	fraud     *FraudScreen
	bus       *EventBus
	config    config.ProcessorConfig
	currency  *currency.CurrencyUtils
	logger    zerolog.Logger

	mu       sync.RWMutex
	payments map[string]*paymentContext

	totals   processingTotals
	inFlight atomic.Int64

	// creates admitted under MaxConcurrentPayments but not yet registered
	admitMu  sync.Mutex
	reserved atomic.Int64

	now   func() time.Time
	newID func() string

	startOnce    sync.Once
	shutdownOnce sync.Once
	stopped      atomic.Bool
	cancel       context.CancelFunc
	monitorDone  chan struct{}
}

func New(
	router *routing.Router,
	handlers HandlerSource,
	prices routehandlers.PriceSource,
	store cache.Store,
	repo Repository,
	notifier WebhookSender,
	merchants MerchantDirectory,
	cfg config.ProcessorConfig,
	logger zerolog.Logger,
) IPaymentService {
	return newPaymentService(router, handlers, prices, store, repo, notifier, merchants, cfg, logger)
}

func newPaymentService(
	router *routing.Router,
	handlers HandlerSource,
	prices routehandlers.PriceSource,
	store cache.Store,
	repo Repository,
	notifier WebhookSender,
	merchants MerchantDirectory,
	cfg config.ProcessorConfig,
	logger zerolog.Logger,
) *paymentService {
	l := logger.With().Str("component", "payment_processor").Logger()
	s := &paymentService{
		router:    router,
		handlers:  handlers,
		prices:    prices,
		repo:      repo,
		notifier:  notifier,
		merchants: merchants,
		limiter:   NewRateLimiter(store, cfg.RateLimits),
		fraud:     NewFraudScreen(store, cfg.Fraud),
		bus:       NewEventBus(l),
		config:    cfg,
		currency:  currency.NewCurrencyUtils(),
		logger:    l,
		payments:  make(map[string]*paymentContext),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}

	s.bus.Subscribe("settlement", s.handleSettlement, domain.EventPaymentCompleted)
	s.bus.Subscribe("webhook", s.handleWebhook,
		domain.EventPaymentCreated, domain.EventPaymentProcessing, domain.EventPaymentCompleted,
		domain.EventPaymentFailed, domain.EventPaymentExpired, domain.EventPaymentCancelled,
		domain.EventPaymentRefunded, domain.EventRouteFailover, domain.EventSettlementCreated)
	if repo != nil {
		s.bus.Subscribe("persistence", s.handlePersistence)
	}
	return s
}

// Start launches the event listeners and the status monitor. It returns
// immediately; Shutdown stops both.
func (s *paymentService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.bus.Start()

		monitorCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.monitorDone = make(chan struct{})
		go func() {
			defer close(s.monitorDone)
			s.runMonitor(monitorCtx)
		}()
	})
}

func (s *paymentService) Subscribe(name string, fn ListenerFunc, types ...domain.EventType) {
	s.bus.Subscribe(name, fn, types...)
}

func (s *paymentService) CreatePayment(ctx context.Context, req domain.CreatePaymentRequest) (*domain.CreatePaymentResult, error) {
	if s.stopped.Load() {
		return nil, domain.ErrProcessorStopped
	}
	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	release, err := s.reserveSlot()
	if err != nil {
		return nil, err
	}
	defer release()

	if err := s.limiter.Allow(ctx, req.MerchantID, req.Customer.IPAddress); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	payment := &domain.Payment{
		ID:             s.newID(),
		MerchantID:     req.MerchantID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		CryptoCurrency: req.CryptoCurrency,
		Status:         domain.PaymentStatusCreated,
		Customer:       req.Customer,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.fraud.Screen(ctx, payment); err != nil {
		var rejected *domain.FraudRejectedError
		if errors.As(err, &rejected) {
			s.logger.Warn().
				Str("merchant_id", payment.MerchantID).
				Strs("reasons", rejected.Reasons).
				Msg("Payment rejected by fraud screen")
		}
		return nil, err
	}

	route, instructions, err := s.routePayment(ctx, payment, nil, "")
	if err != nil {
		return nil, err
	}
	payment.Route = route

	pc := newPaymentContext(payment, instructions, now)
	if s.webhookEndpoint(payment) == "" {
		pc.webhookStatus = domain.WebhookStatusSkipped
	}
	pc.record("created", map[string]any{"reference": instructions.Reference}, now)

	s.totals.mu.Lock()
	s.totals.processed++
	s.totals.mu.Unlock()

	s.logger.Info().
		Str("payment_id", payment.ID).
		Str("merchant_id", payment.MerchantID).
		Str("amount", payment.Amount.String()).
		Str("currency", string(payment.Currency)).
		Str("route_id", route.ID).
		Msg("Payment created")

	pc.mu.Lock()
	defer pc.mu.Unlock()

	s.mu.Lock()
	s.payments[payment.ID] = pc
	s.mu.Unlock()

	s.emit(domain.EventPaymentCreated, pc, map[string]any{
		"route_id":     route.ID,
		"instructions": cloneInstructions(instructions),
	})

	return &domain.CreatePaymentResult{
		Payment:      payment.Clone(),
		Instructions: cloneInstructions(instructions),
	}, nil
}

// reserveSlot admits one create under MaxConcurrentPayments. The slot is
// held until release, by which time a created payment counts as active.
func (s *paymentService) reserveSlot() (func(), error) {
	limit := s.config.RateLimits.MaxConcurrentPayments
	if limit <= 0 {
		return func() {}, nil
	}

	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.activeCount()+int(s.reserved.Load()) >= limit {
		return nil, &domain.RateLimitError{
			Scope:      "concurrent_payments",
			Limit:      int64(limit),
			RetryAfter: s.config.Monitoring.StatusCheckInterval,
		}
	}
	s.reserved.Add(1)
	return func() { s.reserved.Add(-1) }, nil
}

func (s *paymentService) validateRequest(req *domain.CreatePaymentRequest) error {
	if strings.TrimSpace(req.MerchantID) == "" {
		return domain.NewValidationError("merchant_id", "Merchant ID is required")
	}
	if !req.Amount.IsPositive() {
		return domain.NewValidationError("amount", "Amount must be positive")
	}
	req.Currency = domain.FiatCurrency(strings.ToUpper(string(req.Currency)))
	if !req.Currency.IsSupported() {
		return domain.NewValidationError("currency", fmt.Sprintf("Currency %s is not supported", req.Currency))
	}
	if strings.TrimSpace(req.Customer.Email) == "" {
		return domain.NewValidationError("customer.email", "Customer email is required")
	}
	if _, err := mail.ParseAddress(req.Customer.Email); err != nil {
		return domain.NewValidationError("customer.email", "Customer email is invalid")
	}

	req.CryptoCurrency = strings.ToUpper(strings.TrimSpace(req.CryptoCurrency))
	if req.CryptoCurrency == "" {
		req.CryptoCurrency = strings.ToUpper(s.config.DefaultCryptoCurrency)
	}
	return nil
}

// routePayment selects a route and obtains instructions for it. A route whose
// handler fails is failed over; one that cannot serve this customer is only
// excluded. When failed is set the first step is a failover away from it.
func (s *paymentService) routePayment(ctx context.Context, payment *domain.Payment, failed *domain.PaymentRoute, reason string) (*domain.PaymentRoute, *domain.PaymentInstructions, error) {
	var (
		route   *domain.PaymentRoute
		err     error
		lastErr error
	)
	if failed != nil {
		route, err = s.router.Failover(ctx, payment, failed, reason)
	} else {
		route, err = s.router.SelectRoute(ctx, payment)
	}

	for {
		if err != nil {
			if lastErr != nil && errors.Is(err, domain.ErrRoutesExhausted) {
				return nil, nil, fmt.Errorf("%w: last route error: %v", err, lastErr)
			}
			return nil, nil, err
		}

		instructions, herr := s.requestInstructions(ctx, payment, route)
		if herr == nil {
			return route, instructions, nil
		}
		lastErr = herr

		s.logger.Warn().
			Err(herr).
			Str("payment_id", payment.ID).
			Str("route_id", route.ID).
			Msg("Route handler could not create payment")

		var verr *domain.ValidationError
		if errors.As(herr, &verr) {
			payment.FailedRoutes = append(payment.FailedRoutes, route.ID)
			route, err = s.router.SelectRoute(ctx, payment)
		} else {
			route, err = s.router.Failover(ctx, payment, route, failureReason(herr))
		}
	}
}

func (s *paymentService) requestInstructions(ctx context.Context, payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
	handler, err := s.handlers.Get(route.Type)
	if err != nil {
		return nil, err
	}

	var instructions *domain.PaymentInstructions
	err = s.withRetry(ctx, "create_payment", func(callCtx context.Context) error {
		var err error
		instructions, err = handler.CreatePayment(callCtx, payment, route)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instructions, nil
}

// withRetry runs fn with a per-call timeout, retrying transient failures.
func (s *paymentService) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	mon := s.config.Monitoring

	var err error
	for attempt := 0; attempt <= mon.CallRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(mon.CallRetryDelay):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, mon.CheckTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil || !isTransient(err) {
			return err
		}
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("Route call failed, retrying")
	}
	return err
}

func isTransient(err error) bool {
	return domain.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

// failureReason buckets an error for the route failure histogram.
func failureReason(err error) string {
	var (
		verr *domain.ValidationError
		ext  *domain.ExternalServiceError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &verr):
		return "validation"
	case domain.IsNotFound(err):
		return "not_found"
	case errors.As(err, &ext):
		if ext.Retryable {
			return "provider_unavailable"
		}
		return "provider_error"
	default:
		return "error"
	}
}

func (s *paymentService) CheckPaymentStatus(ctx context.Context, id string) (*domain.PaymentStatusView, error) {
	pc, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return &domain.PaymentStatusView{
		Payment:      pc.payment.Clone(),
		Status:       pc.payment.Status,
		Instructions: cloneInstructions(pc.instructions),
		Settlement:   cloneSettlement(pc.settlement),
	}, nil
}

// CancelPayment cancels a payment that has not reached a terminal state.
// Cancelling twice fails with ErrPaymentTerminal.
func (s *paymentService) CancelPayment(ctx context.Context, id, reason string) (bool, error) {
	pc, err := s.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	switch {
	case pc.payment.Status == domain.PaymentStatusCompleted:
		return false, domain.ErrCannotCancelCompleted
	case pc.payment.Status.IsTerminal():
		return false, fmt.Errorf("%w: %s", domain.ErrPaymentTerminal, pc.payment.Status)
	}

	now := s.now().UTC()
	pc.transition(domain.PaymentStatusCancelled, now)
	pc.record("cancelled", map[string]any{"reason": reason}, now)

	if route := pc.payment.Route; route != nil && pc.instructions != nil {
		if handler, err := s.handlers.Get(route.Type); err == nil {
			if c, ok := handler.(routehandlers.Canceller); ok {
				if err := c.Cancel(ctx, route, pc.instructions.Reference); err != nil {
					s.logger.Warn().Err(err).Str("payment_id", id).Msg("Failed to release route on cancellation")
				}
			}
		}
	}

	s.logger.Info().Str("payment_id", id).Str("reason", reason).Msg("Payment cancelled")
	s.emit(domain.EventPaymentCancelled, pc, map[string]any{"reason": reason})
	return true, nil
}

// ProcessRefund refunds a completed payment, in full when amount is nil.
func (s *paymentService) ProcessRefund(ctx context.Context, id string, amount *decimal.Decimal) (bool, error) {
	pc, err := s.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.payment.Status != domain.PaymentStatusCompleted {
		return false, domain.ErrRefundNotAllowed
	}

	refund := pc.payment.Amount
	if amount != nil {
		if !amount.IsPositive() || amount.GreaterThan(pc.payment.Amount) {
			return false, domain.NewValidationError("amount",
				fmt.Sprintf("Refund amount must be between 0 and %s", pc.payment.Amount.String()))
		}
		refund = *amount
	}

	now := s.now().UTC()
	pc.transition(domain.PaymentStatusRefunded, now)
	pc.payment.RefundedAmount = &refund
	pc.record("refunded", map[string]any{"amount": refund.String()}, now)

	s.logger.Info().Str("payment_id", id).Str("amount", refund.String()).Msg("Payment refunded")
	s.emit(domain.EventPaymentRefunded, pc, map[string]any{
		"amount":   refund.String(),
		"currency": string(pc.payment.Currency),
	})
	return true, nil
}

func (s *paymentService) GetPaymentDetails(ctx context.Context, id string) (*domain.PaymentDetails, error) {
	pc, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()

	return &domain.PaymentDetails{
		Payment: pc.payment.Clone(),
		Context: pc.view(),
	}, nil
}

func (s *paymentService) GetProcessingStats(ctx context.Context) (*domain.ProcessingStats, error) {
	routeStats, err := s.router.GetRouteStatistics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get route statistics: %w", err)
	}

	stats := &domain.ProcessingStats{
		ActivePayments:  s.activeCount(),
		ProcessingQueue: int(s.inFlight.Load()),
		RouteStats:      routeStats,
	}

	s.totals.mu.Lock()
	stats.TotalProcessed = s.totals.processed
	stats.TotalCompleted = s.totals.completed
	stats.TotalFailed = s.totals.failed
	if finished := s.totals.completed + s.totals.failed; finished > 0 {
		stats.SuccessRate = float64(s.totals.completed) / float64(finished) * 100
	}
	if s.totals.completed > 0 {
		stats.AverageProcessingTime = s.totals.processingTotal.Seconds() / float64(s.totals.completed)
	}
	s.totals.mu.Unlock()

	return stats, nil
}

// Shutdown stops the monitor, drains the event bus and releases route
// handlers and in-memory payments. Calls after the first are no-ops.
func (s *paymentService) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.stopped.Store(true)
		s.startOnce.Do(func() {})

		if s.cancel != nil {
			s.cancel()
			select {
			case <-s.monitorDone:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}

		if busErr := s.bus.Close(ctx); busErr != nil && err == nil {
			err = fmt.Errorf("failed to drain events: %w", busErr)
		}
		if closeErr := s.handlers.Close(); closeErr != nil && err == nil {
			err = closeErr
		}

		s.mu.Lock()
		s.payments = make(map[string]*paymentContext)
		s.mu.Unlock()

		s.logger.Info().Msg("Payment processor stopped")
	})
	return err
}

// contexts copies the registry so payment locks are never taken under s.mu.
func (s *paymentService) contexts() []*paymentContext {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*paymentContext, 0, len(s.payments))
	for _, pc := range s.payments {
		out = append(out, pc)
	}
	return out
}

func (s *paymentService) activeCount() int {
	n := 0
	for _, pc := range s.contexts() {
		pc.mu.Lock()
		if pc.payment.Status.IsActive() {
			n++
		}
		pc.mu.Unlock()
	}
	return n
}

// lookup returns the in-memory context for id, reloading it from the
// repository when it has been evicted.
func (s *paymentService) lookup(ctx context.Context, id string) (*paymentContext, error) {
	s.mu.RLock()
	pc, ok := s.payments[id]
	s.mu.RUnlock()
	if ok {
		return pc, nil
	}

	if s.repo == nil {
		return nil, domain.NewNotFoundError("payment", id)
	}
	payment, instructions, err := s.repo.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	pc = newPaymentContext(payment, instructions, payment.CreatedAt)
	if payment.SettlementID != "" {
		if settlement, err := s.repo.GetSettlement(ctx, payment.SettlementID); err == nil {
			pc.settlement = settlement
		}
	}
	if audit, err := s.repo.ListAudit(ctx, id); err == nil {
		pc.audit = audit
	}
	pc.webhookStatus = domain.WebhookStatusSkipped

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.payments[id]; ok {
		return existing, nil
	}
	s.payments[id] = pc
	return pc, nil
}

// emit publishes a snapshot of the payment. Callers hold pc.mu.
func (s *paymentService) emit(t domain.EventType, pc *paymentContext, data map[string]any) {
	payment := pc.payment
	s.bus.publish(domain.Event{
		ID:         s.newID(),
		Type:       t,
		PaymentID:  payment.ID,
		MerchantID: payment.MerchantID,
		Payment:    payment.Clone(),
		Data:       data,
		OccurredAt: s.now().UTC(),
	}, &pc.pending)
}

// webhookEndpoint is where lifecycle events for payment are delivered, or
// empty when webhooks are off or no endpoint is known.
func (s *paymentService) webhookEndpoint(payment *domain.Payment) string {
	if !s.config.Webhook.Enabled || s.notifier == nil {
		return ""
	}
	if u := payment.MetadataString(domain.MetadataWebhookURL); u != "" {
		return u
	}
	if s.merchants == nil {
		return ""
	}
	if m, ok := s.merchants.Merchant(payment.MerchantID); ok {
		return m.WebhookURL
	}
	return ""
}
