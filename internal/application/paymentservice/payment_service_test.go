package paymentservice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

func TestCreatePaymentRoutesAndIssuesInstructions(t *testing.T) {
	f := newFixture(t, nil)

	res := f.create(t)

	require.NotNil(t, res.Payment.Route)
	assert.Equal(t, domain.PaymentStatusCreated, res.Payment.Status)
	assert.Equal(t, "ref-"+res.Payment.Route.ID, res.Instructions.Reference)
	assert.Empty(t, res.Payment.FailedRoutes)
	assert.Equal(t, int32(1), f.handler.creates.Load())

	event := f.waitForEvent(t, domain.EventPaymentCreated)
	assert.Equal(t, res.Payment.ID, event.PaymentID)
	assert.Equal(t, res.Payment.Route.ID, event.Data["route_id"])

	details, err := f.svc.GetPaymentDetails(context.Background(), res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusSkipped, details.Context.WebhookStatus)
	require.Len(t, details.Context.AuditTrail, 1)
	assert.Equal(t, "created", details.Context.AuditTrail[0].Action)

	stats, err := f.svc.GetProcessingStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActivePayments)
	assert.Equal(t, int64(1), stats.TotalProcessed)
	assert.NotEmpty(t, stats.RouteStats)
}

func TestCreatePaymentDefaultsCryptoCurrency(t *testing.T) {
	f := newFixture(t, nil)

	req := paymentRequest("buyer@example.com")
	req.CryptoCurrency = ""
	req.Currency = "aud"

	res, err := f.svc.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "USDT", res.Payment.CryptoCurrency)
	assert.Equal(t, domain.CurrencyAUD, res.Payment.Currency)
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		mutate func(r *domain.CreatePaymentRequest)
		field  string
	}{
		{"missing merchant", func(r *domain.CreatePaymentRequest) { r.MerchantID = "" }, "merchant_id"},
		{"zero amount", func(r *domain.CreatePaymentRequest) { r.Amount = decimal.Zero }, "amount"},
		{"negative amount", func(r *domain.CreatePaymentRequest) { r.Amount = decimal.NewFromInt(-5) }, "amount"},
		{"unsupported currency", func(r *domain.CreatePaymentRequest) { r.Currency = "JPY" }, "currency"},
		{"missing email", func(r *domain.CreatePaymentRequest) { r.Customer.Email = "" }, "customer.email"},
		{"invalid email", func(r *domain.CreatePaymentRequest) { r.Customer.Email = "not-an-email" }, "customer.email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := paymentRequest("buyer@example.com")
			tt.mutate(&req)

			_, err := f.svc.CreatePayment(context.Background(), req)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Zero(t, f.handler.creates.Load())
}

func TestCreatePaymentRateLimited(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.RateLimits.MaxPaymentsPerMinute = 2
	})

	f.create(t)
	f.create(t)

	_, err := f.svc.CreatePayment(context.Background(), paymentRequest("buyer@example.com"))
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "merchant_per_minute", rl.Scope)
	assert.Equal(t, int64(2), rl.Limit)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)

	f.clock.Advance(time.Minute)
	f.create(t)
}

func TestCreatePaymentConcurrencyCap(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.RateLimits.MaxConcurrentPayments = 1
	})

	first := f.create(t)

	_, err := f.svc.CreatePayment(context.Background(), paymentRequest("buyer@example.com"))
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "concurrent_payments", rl.Scope)

	_, err = f.svc.CancelPayment(context.Background(), first.Payment.ID, "customer left")
	require.NoError(t, err)
	f.create(t)
}

func TestCreatePaymentConcurrencyCapHoldsUnderParallelCreates(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.RateLimits = config.RateLimitConfig{MaxConcurrentPayments: 3}
	})
	gate := make(chan struct{})
	f.handler.create = func(payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
		<-gate
		return &domain.PaymentInstructions{Method: "test", Reference: "ref-" + payment.ID, Currency: payment.CryptoCurrency}, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreatePayment(context.Background(), paymentRequest("buyer@example.com"))
			mu.Lock()
			defer mu.Unlock()
			var rl *domain.RateLimitError
			if errors.As(err, &rl) {
				rejected++
			} else if err == nil {
				created++
			}
		}()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rejected == 3
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 3, created)
	assert.Equal(t, int32(3), f.handler.creates.Load())
	assert.Zero(t, f.svc.reserved.Load())
}

func TestCreatePaymentReleasesSlotOnFailure(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.RateLimits = config.RateLimitConfig{MaxConcurrentPayments: 1}
	})
	f.handler.create = func(*domain.Payment, *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
		return nil, domain.NewValidationError("customer", "unsupported region")
	}

	_, err := f.svc.CreatePayment(context.Background(), paymentRequest("buyer@example.com"))
	require.Error(t, err)
	assert.Zero(t, f.svc.reserved.Load())

	f.handler.create = nil
	f.create(t)
}

func TestCreatePaymentFraudRejected(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.Fraud.Disabled = false
		cfg.Processor.Fraud.MaxAmountPerCustomer = 1000
	})

	req := paymentRequest("buyer@example.com")
	req.Amount = decimal.NewFromInt(5000)

	_, err := f.svc.CreatePayment(context.Background(), req)
	var rejected *domain.FraudRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reasons, "amount exceeds customer limit of 1000")
	assert.Contains(t, rejected.Reasons, PatternHighAmount)
	assert.Contains(t, err.Error(), "payment rejected: ")
	assert.Zero(t, f.handler.creates.Load())
}

func TestCreatePaymentFailsOverWhenHandlerErrors(t *testing.T) {
	f := newFixture(t, nil)

	var (
		mu    sync.Mutex
		first string
	)
	f.handler.create = func(payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
		mu.Lock()
		defer mu.Unlock()
		if first == "" || first == route.ID {
			first = route.ID
			return nil, domain.NewExternalServiceError("provider", false, errors.New("boom"))
		}
		return &domain.PaymentInstructions{Method: "test", Reference: "ref-" + route.ID}, nil
	}

	res := f.create(t)

	assert.NotEqual(t, first, res.Payment.Route.ID)
	assert.Equal(t, []string{first}, res.Payment.FailedRoutes)

	metrics, err := f.router.Registry().GetRouteMetrics(context.Background(), first)
	require.NoError(t, err)
	assert.Less(t, metrics.SuccessRate, 1.0)
	assert.Equal(t, 1, metrics.FailureReasons["provider_error"])
}

func TestCreatePaymentExcludesRouteOnHandlerValidationError(t *testing.T) {
	f := newFixture(t, nil)

	var (
		mu    sync.Mutex
		first string
	)
	f.handler.create = func(payment *domain.Payment, route *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
		mu.Lock()
		defer mu.Unlock()
		if first == "" || first == route.ID {
			first = route.ID
			return nil, domain.NewValidationError("customer.phone", "phone required")
		}
		return &domain.PaymentInstructions{Method: "test", Reference: "ref-" + route.ID}, nil
	}

	res := f.create(t)

	assert.Contains(t, res.Payment.FailedRoutes, first)
	metrics, err := f.router.Registry().GetRouteMetrics(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics.SuccessRate)
}

func TestCreatePaymentExhaustsRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.create = func(*domain.Payment, *domain.PaymentRoute) (*domain.PaymentInstructions, error) {
		return nil, domain.NewExternalServiceError("provider", false, errors.New("provider down"))
	}

	_, err := f.svc.CreatePayment(context.Background(), paymentRequest("buyer@example.com"))
	require.ErrorIs(t, err, domain.ErrRoutesExhausted)
	assert.Contains(t, err.Error(), "last route error")
	assert.Contains(t, err.Error(), "provider down")

	stats, err := f.svc.GetProcessingStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.ActivePayments)
}

func TestCreatePaymentNoEligibleRoutes(t *testing.T) {
	f := newFixture(t, nil)

	req := paymentRequest("buyer@example.com")
	req.Amount = decimal.NewFromInt(1)

	_, err := f.svc.CreatePayment(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrNoEligibleRoutes)
}

func TestCancelPayment(t *testing.T) {
	f := newFixture(t, nil)
	res := f.create(t)

	ok, err := f.svc.CancelPayment(context.Background(), res.Payment.ID, "customer left")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.PaymentStatusCancelled, f.status(t, res.Payment.ID).Status)
	assert.Equal(t, int32(1), f.handler.cancels.Load())

	event := f.waitForEvent(t, domain.EventPaymentCancelled)
	assert.Equal(t, "customer left", event.Data["reason"])

	ok, err = f.svc.CancelPayment(context.Background(), res.Payment.ID, "again")
	assert.False(t, ok)
	require.ErrorIs(t, err, domain.ErrPaymentTerminal)
	assert.Equal(t, int32(1), f.handler.cancels.Load())
}

func TestCancelUnknownPayment(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CancelPayment(context.Background(), "missing", "")
	assert.True(t, domain.IsNotFound(err))
}

func TestCancelCompletedPayment(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusCompleted, nil
	}
	res := f.create(t)
	f.svc.sweep(context.Background())

	ok, err := f.svc.CancelPayment(context.Background(), res.Payment.ID, "too late")
	assert.False(t, ok)
	require.ErrorIs(t, err, domain.ErrCannotCancelCompleted)
}

func TestProcessRefund(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusCompleted, nil
	}
	res := f.create(t)
	id := res.Payment.ID

	_, err := f.svc.ProcessRefund(context.Background(), id, nil)
	require.ErrorIs(t, err, domain.ErrRefundNotAllowed)

	f.svc.sweep(context.Background())

	tooMuch := decimal.NewFromInt(150)
	_, err = f.svc.ProcessRefund(context.Background(), id, &tooMuch)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	partial := decimal.NewFromInt(40)
	ok, err := f.svc.ProcessRefund(context.Background(), id, &partial)
	require.NoError(t, err)
	assert.True(t, ok)

	view := f.status(t, id)
	assert.Equal(t, domain.PaymentStatusRefunded, view.Status)
	require.NotNil(t, view.Payment.RefundedAmount)
	assert.True(t, view.Payment.RefundedAmount.Equal(partial))

	event := f.waitForEvent(t, domain.EventPaymentRefunded)
	assert.Equal(t, "40", event.Data["amount"])
	assert.Equal(t, "AUD", event.Data["currency"])

	_, err = f.svc.ProcessRefund(context.Background(), id, nil)
	require.ErrorIs(t, err, domain.ErrRefundNotAllowed)
}

func TestMonitorCompletesPaymentAndCreatesSettlement(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusCompleted, nil
	}
	res := f.create(t)
	id := res.Payment.ID
	routeID := res.Payment.Route.ID

	f.clock.Advance(2 * time.Minute)
	f.svc.sweep(context.Background())

	view := f.status(t, id)
	assert.Equal(t, domain.PaymentStatusCompleted, view.Status)
	require.NotNil(t, view.Payment.CompletedAt)
	assert.Equal(t, []domain.EventType{domain.EventPaymentCreated, domain.EventPaymentProcessing, domain.EventPaymentCompleted},
		f.eventsUntil(t, domain.EventPaymentCompleted))

	f.waitForEvent(t, domain.EventSettlementCreated)
	view = f.status(t, id)
	require.NotNil(t, view.Settlement)
	s := view.Settlement
	assert.Equal(t, view.Payment.SettlementID, s.ID)
	assert.Equal(t, domain.SettlementStatusPending, view.Payment.SettlementStatus)
	assert.Equal(t, routeID, s.RouteID)
	assert.Equal(t, "0xmerchant", s.WalletAddress)
	assert.Equal(t, "USDT", s.Currency)
	assert.Equal(t, 3, s.RequiredConfirmations)
	assert.Equal(t, "1", s.Fees.PlatformFee.String())
	assert.Equal(t, "0.5", s.Fees.RouteFee.String())
	assert.Equal(t, "1.5", s.Fees.Total.String())
	assert.True(t, s.Fees.NetworkFee.IsZero())
	assert.Equal(t, "49.25", s.Amount.String())

	require.Eventually(t, func() bool { return f.repo.settlementCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	metrics, err := f.router.Registry().GetRouteMetrics(context.Background(), routeID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, metrics.SuccessRate)

	stats, err := f.svc.GetProcessingStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCompleted)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.Equal(t, 120.0, stats.AverageProcessingTime)
	assert.Zero(t, stats.ActivePayments)
}

func TestSettlementSkippedWithoutWallet(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusCompleted, nil
	}
	req := paymentRequest("buyer@example.com")
	req.CryptoCurrency = "BTC"
	res, err := f.svc.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	f.svc.sweep(context.Background())

	require.Eventually(t, func() bool {
		return f.status(t, res.Payment.ID).Payment.SettlementStatus == domain.SettlementStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, f.status(t, res.Payment.ID).Settlement)
}

func TestSettlementSkippedBelowMinimum(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.Settlement.MinSettlementAmount = 500
	})
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusCompleted, nil
	}
	res := f.create(t)
	f.svc.sweep(context.Background())
	f.waitForEvent(t, domain.EventPaymentCompleted)

	require.NoError(t, f.svc.Shutdown(context.Background()))
	_, ok := f.events.find(domain.EventSettlementCreated)
	assert.False(t, ok)
	assert.Empty(t, res.Payment.SettlementID)
}

func TestMonitorFailsOverOnRouteFailure(t *testing.T) {
	f := newFixture(t, nil)
	res := f.create(t)
	failedID := res.Payment.Route.ID

	f.handler.status = func(route *domain.PaymentRoute, _ string) (domain.RouteStatus, error) {
		if route.ID == failedID {
			return domain.RouteStatusFailed, nil
		}
		return domain.RouteStatusPending, nil
	}
	f.svc.sweep(context.Background())

	details, err := f.svc.GetPaymentDetails(context.Background(), res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessing, details.Payment.Status)
	assert.NotEqual(t, failedID, details.Payment.Route.ID)
	assert.Contains(t, details.Payment.FailedRoutes, failedID)
	assert.Equal(t, 1, details.Context.RetryCount)

	var actions []string
	for _, e := range details.Context.AuditTrail {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"created", "processing", "failover"}, actions)

	event := f.waitForEvent(t, domain.EventRouteFailover)
	assert.Equal(t, failedID, event.Data["from_route"])
	assert.Equal(t, details.Payment.Route.ID, event.Data["to_route"])
	assert.Equal(t, "route_failed", event.Data["reason"])
}

func TestMonitorFailsPaymentAfterMaxRetries(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.Monitoring.MaxRetries = 1
	})
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusFailed, nil
	}
	res := f.create(t)

	f.svc.sweep(context.Background())
	assert.Equal(t, domain.PaymentStatusProcessing, f.status(t, res.Payment.ID).Status)

	f.svc.sweep(context.Background())
	view := f.status(t, res.Payment.ID)
	assert.Equal(t, domain.PaymentStatusFailed, view.Status)
	assert.Len(t, view.Payment.FailedRoutes, 2)

	event := f.waitForEvent(t, domain.EventPaymentFailed)
	assert.Equal(t, "maximum retries exceeded", event.Data["reason"])

	stats, err := f.svc.GetProcessingStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalFailed)
	assert.Zero(t, stats.SuccessRate)
}

func TestMonitorTreatsStatusErrorsAsRouteFailure(t *testing.T) {
	f := newFixture(t, nil)
	res := f.create(t)
	failedID := res.Payment.Route.ID

	f.handler.status = func(route *domain.PaymentRoute, _ string) (domain.RouteStatus, error) {
		if route.ID == failedID {
			return domain.RouteStatusPending, domain.NewExternalServiceError("provider", true, errors.New("unavailable"))
		}
		return domain.RouteStatusPending, nil
	}
	f.svc.sweep(context.Background())

	// one call plus the configured retries
	assert.Equal(t, int32(3), f.handler.checks.Load())
	view := f.status(t, res.Payment.ID)
	assert.NotEqual(t, failedID, view.Payment.Route.ID)

	metrics, err := f.router.Registry().GetRouteMetrics(context.Background(), failedID)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.FailureReasons["provider_unavailable"])
}

func TestMonitorExpiresStalePayments(t *testing.T) {
	f := newFixture(t, nil)
	res := f.create(t)

	f.clock.Advance(31 * time.Minute)
	f.svc.sweep(context.Background())

	assert.Equal(t, domain.PaymentStatusExpired, f.status(t, res.Payment.ID).Status)
	assert.Equal(t, int32(1), f.handler.checks.Load())
	f.waitForEvent(t, domain.EventPaymentExpired)
	_, processing := f.events.find(domain.EventPaymentProcessing)
	assert.False(t, processing)

	ok, err := f.svc.CancelPayment(context.Background(), res.Payment.ID, "")
	assert.False(t, ok)
	require.ErrorIs(t, err, domain.ErrPaymentTerminal)
}

func TestMonitorCompletesOverduePaymentWhenRouteSettled(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusCompleted, nil
	}
	res := f.create(t)

	f.clock.Advance(f.cfg.Processor.Monitoring.PaymentTimeout + time.Second)
	f.svc.sweep(context.Background())

	view := f.status(t, res.Payment.ID)
	assert.Equal(t, domain.PaymentStatusCompleted, view.Status)
	assert.Equal(t, int32(1), f.handler.checks.Load())
	f.waitForEvent(t, domain.EventPaymentCompleted)
	_, expired := f.events.find(domain.EventPaymentExpired)
	assert.False(t, expired)
}

func TestMonitorExpiresOverduePaymentWhenRouteFails(t *testing.T) {
	f := newFixture(t, nil)
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusFailed, nil
	}
	res := f.create(t)

	f.clock.Advance(f.cfg.Processor.Monitoring.PaymentTimeout + time.Second)
	f.svc.sweep(context.Background())

	view := f.status(t, res.Payment.ID)
	assert.Equal(t, domain.PaymentStatusExpired, view.Status)
	assert.Equal(t, res.Payment.Route.ID, view.Payment.Route.ID)
	assert.Empty(t, view.Payment.FailedRoutes)
}

func TestMonitorIgnoresCancelledPayments(t *testing.T) {
	f := newFixture(t, nil)
	res := f.create(t)
	_, err := f.svc.CancelPayment(context.Background(), res.Payment.ID, "")
	require.NoError(t, err)

	f.svc.sweep(context.Background())
	assert.Zero(t, f.handler.checks.Load())
}

func TestEvictedPaymentReloadsFromRepository(t *testing.T) {
	f := newFixture(t, nil)
	res := f.create(t)
	id := res.Payment.ID

	_, err := f.svc.CancelPayment(context.Background(), id, "customer left")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, ok := f.repo.payment(id)
		return ok && p.Status == domain.PaymentStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	f.waitForListeners(t, id)

	f.clock.Advance(2 * time.Hour)
	f.svc.sweep(context.Background())

	f.svc.mu.RLock()
	_, inMemory := f.svc.payments[id]
	f.svc.mu.RUnlock()
	require.False(t, inMemory)

	view := f.status(t, id)
	assert.Equal(t, domain.PaymentStatusCancelled, view.Status)
	require.NotNil(t, view.Instructions)
	assert.Equal(t, res.Instructions.Reference, view.Instructions.Reference)

	details, err := f.svc.GetPaymentDetails(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, details.Context.AuditTrail)
}

func TestEvictionWaitsForListeners(t *testing.T) {
	f := newFixture(t, nil)
	release := make(chan struct{})
	f.svc.Subscribe("slow", func(context.Context, domain.Event) { <-release })
	res := f.create(t)
	id := res.Payment.ID

	_, err := f.svc.CancelPayment(context.Background(), id, "")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.svc.sweep(context.Background())

	f.svc.mu.RLock()
	_, inMemory := f.svc.payments[id]
	f.svc.mu.RUnlock()
	assert.True(t, inMemory)

	close(release)
	f.waitForListeners(t, id)
	f.svc.sweep(context.Background())

	f.svc.mu.RLock()
	_, inMemory = f.svc.payments[id]
	f.svc.mu.RUnlock()
	assert.False(t, inMemory)
}

func TestEveryCompletedPaymentIsSettledUnderLoad(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.RateLimits = config.RateLimitConfig{}
	})
	f.svc.prices = slowPrices{fixedPrices: fixedPrices{rate: decimal.NewFromInt(2)}, delay: 10 * time.Millisecond}
	f.handler.status = func(*domain.PaymentRoute, string) (domain.RouteStatus, error) {
		return domain.RouteStatusCompleted, nil
	}

	const n = 120
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, f.create(t).Payment.ID)
	}

	f.clock.Advance(time.Minute)
	f.svc.sweep(context.Background())

	require.Eventually(t, func() bool { return f.repo.settlementCount() == n }, 15*time.Second, 20*time.Millisecond)
	for _, id := range ids {
		view := f.status(t, id)
		assert.Equal(t, domain.PaymentStatusCompleted, view.Status)
		assert.NotEmpty(t, view.Payment.SettlementID)
	}
}

type fakeSender struct {
	mu     sync.Mutex
	err    error
	events []domain.Event
	urls   []string
}

func (s *fakeSender) Deliver(_ context.Context, endpoint string, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.urls = append(s.urls, endpoint)
	return s.err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestWebhookDelivery(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.Webhook.Enabled = true
	})
	sender := &fakeSender{}
	f.svc.notifier = sender

	req := paymentRequest("buyer@example.com")
	req.Metadata[domain.MetadataWebhookURL] = "https://merchant.example/hooks"
	res, err := f.svc.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "https://merchant.example/hooks", sender.urls[0])
	assert.Equal(t, domain.EventPaymentCreated, sender.events[0].Type)

	require.Eventually(t, func() bool {
		details, err := f.svc.GetPaymentDetails(context.Background(), res.Payment.ID)
		return err == nil && details.Context.WebhookStatus == domain.WebhookStatusDelivered
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWebhookFailureIsRecorded(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Processor.Webhook.Enabled = true
		cfg.Merchants[0].WebhookURL = "https://merchant.example/hooks"
	})
	f.svc.notifier = &fakeSender{err: errors.New("endpoint rejected webhook (status 410)")}

	res := f.create(t)

	event := f.waitForEvent(t, domain.EventWebhookFailed)
	assert.Equal(t, string(domain.EventPaymentCreated), event.Data["event"])
	assert.Nil(t, event.Payment)

	details, err := f.svc.GetPaymentDetails(context.Background(), res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WebhookStatusFailed, details.Context.WebhookStatus)
}

func TestShutdownIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.Start(context.Background())
	f.create(t)

	require.NoError(t, f.svc.Shutdown(context.Background()))
	require.NoError(t, f.svc.Shutdown(context.Background()))
	assert.Equal(t, int32(1), f.handlers.closed.Load())

	_, err := f.svc.CreatePayment(context.Background(), paymentRequest("buyer@example.com"))
	require.ErrorIs(t, err, domain.ErrProcessorStopped)
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{domain.NewValidationError("x", "bad"), "validation"},
		{domain.NewNotFoundError("trade", "1"), "not_found"},
		{domain.NewExternalServiceError("p", true, errors.New("503")), "provider_unavailable"},
		{domain.NewExternalServiceError("p", false, errors.New("400")), "provider_error"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureReason(tt.err), tt.err.Error())
	}
}

// eventsUntil waits for et and returns every event type recorded up to it.
func (f *fixture) eventsUntil(t *testing.T, et domain.EventType) []domain.EventType {
	t.Helper()
	f.waitForEvent(t, et)
	var out []domain.EventType
	for _, got := range f.events.types() {
		out = append(out, got)
		if got == et {
			break
		}
	}
	return out
}
