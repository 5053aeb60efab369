package paymentservice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tuncanbit/cpg/internal/domain"
)

func (s *paymentService) runMonitor(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.config.Monitoring.StatusCheckInterval).
		Msg("Starting payment status monitor")

	ticker := time.NewTicker(s.config.Monitoring.StatusCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Payment status monitor stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep checks every active payment once, with at most MaxConcurrentChecks
// route calls in flight, then evicts terminal payments past retention.
func (s *paymentService) sweep(ctx context.Context) {
	sem := make(chan struct{}, s.config.Monitoring.MaxConcurrentChecks)
	var wg sync.WaitGroup

	for _, pc := range s.contexts() {
		pc.mu.Lock()
		due := pc.payment.Status.IsActive() && !pc.checking
		if due {
			pc.checking = true
		}
		pc.mu.Unlock()
		if !due {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			pc.mu.Lock()
			pc.checking = false
			pc.mu.Unlock()
			wg.Wait()
			return
		}

		wg.Add(1)
		s.inFlight.Add(1)
		go func(pc *paymentContext) {
			defer func() {
				pc.mu.Lock()
				pc.checking = false
				pc.mu.Unlock()
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			s.checkPayment(ctx, pc)
		}(pc)
	}

	wg.Wait()
	s.evictTerminal()
}

// checkPayment polls the payment's route once and applies the outcome. A
// payment past its timeout expires unless that poll reports completion.
func (s *paymentService) checkPayment(ctx context.Context, pc *paymentContext) {
	pc.mu.Lock()
	if !pc.payment.Status.IsActive() {
		pc.mu.Unlock()
		return
	}

	now := s.now().UTC()
	if !s.overdue(pc.payment, now) && pc.payment.Status == domain.PaymentStatusCreated {
		pc.transition(domain.PaymentStatusProcessing, now)
		pc.record("processing", nil, now)
		s.emit(domain.EventPaymentProcessing, pc, nil)
	}

	route := pc.payment.Route.Clone()
	reference := ""
	if pc.instructions != nil {
		reference = pc.instructions.Reference
	}
	pc.mu.Unlock()

	status, err := s.checkRoute(ctx, route, reference)
	if ctx.Err() != nil {
		return
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	// cancelled, or otherwise finished, while the route call was in flight
	if !pc.payment.Status.IsActive() {
		return
	}
	now = s.now().UTC()
	pc.lastCheckedAt = &now

	if err == nil && status == domain.RouteStatusCompleted {
		s.completeLocked(ctx, pc, now)
		return
	}
	if s.overdue(pc.payment, now) {
		s.expireLocked(pc, now)
		return
	}

	switch {
	case err != nil:
		s.logger.Warn().
			Err(err).
			Str("payment_id", pc.payment.ID).
			Str("route_id", route.ID).
			Msg("Route status check failed")
		s.handleRouteFailure(ctx, pc, failureReason(err), now)
	case status == domain.RouteStatusFailed:
		s.handleRouteFailure(ctx, pc, "route_failed", now)
	}
}

func (s *paymentService) overdue(payment *domain.Payment, now time.Time) bool {
	return now.Sub(payment.CreatedAt) > s.config.Monitoring.PaymentTimeout
}

func (s *paymentService) checkRoute(ctx context.Context, route *domain.PaymentRoute, reference string) (domain.RouteStatus, error) {
	handler, err := s.handlers.Get(route.Type)
	if err != nil {
		return domain.RouteStatusPending, err
	}

	status := domain.RouteStatusPending
	err = s.withRetry(ctx, "check_status", func(callCtx context.Context) error {
		var err error
		status, err = handler.CheckStatus(callCtx, route, reference)
		return err
	})
	return status, err
}

func (s *paymentService) completeLocked(ctx context.Context, pc *paymentContext, now time.Time) {
	payment := pc.payment
	route := payment.Route

	pc.transition(domain.PaymentStatusCompleted, now)
	completedAt := now
	payment.CompletedAt = &completedAt
	pc.record("completed", nil, now)

	settlementSeconds := now.Sub(pc.routeStartedAt).Seconds()
	if _, err := s.router.Registry().UpdateRouteMetrics(ctx, route.ID, domain.RouteOutcome{
		Success:           true,
		SettlementSeconds: settlementSeconds,
	}); err != nil {
		s.logger.Error().Err(err).Str("route_id", route.ID).Msg("Failed to record route success")
	}
	if err := s.router.Registry().RecordRouteVolume(ctx, route.ID, payment.Amount); err != nil {
		s.logger.Error().Err(err).Str("route_id", route.ID).Msg("Failed to record route volume")
	}

	s.totals.mu.Lock()
	s.totals.completed++
	s.totals.processingTotal += now.Sub(payment.CreatedAt)
	s.totals.mu.Unlock()

	s.logger.Info().
		Str("payment_id", payment.ID).
		Str("route_id", route.ID).
		Float64("settlement_seconds", settlementSeconds).
		Msg("Payment completed")

	s.emit(domain.EventPaymentCompleted, pc, map[string]any{
		"route_id":           route.ID,
		"settlement_seconds": settlementSeconds,
	})
}

// handleRouteFailure fails the payment over to its next route, or fails the
// payment once retries or routes run out.
func (s *paymentService) handleRouteFailure(ctx context.Context, pc *paymentContext, reason string, now time.Time) {
	payment := pc.payment
	failed := payment.Route

	if pc.retryCount >= s.config.Monitoring.MaxRetries {
		if !payment.HasFailed(failed.ID) {
			payment.FailedRoutes = append(payment.FailedRoutes, failed.ID)
		}
		if _, err := s.router.Registry().UpdateRouteMetrics(ctx, failed.ID, domain.RouteOutcome{FailureReason: reason}); err != nil {
			s.logger.Error().Err(err).Str("route_id", failed.ID).Msg("Failed to record route failure")
		}
		s.failLocked(pc, "maximum retries exceeded", now)
		return
	}
	pc.retryCount++

	route, instructions, err := s.routePayment(ctx, payment, failed, reason)
	if err != nil {
		if !errors.Is(err, domain.ErrRoutesExhausted) && !errors.Is(err, domain.ErrNoEligibleRoutes) {
			s.logger.Error().Err(err).Str("payment_id", payment.ID).Msg("Failover failed")
		}
		s.failLocked(pc, err.Error(), now)
		return
	}

	payment.Route = route
	payment.UpdatedAt = now
	pc.instructions = instructions
	pc.routeStartedAt = now
	pc.record("failover", map[string]any{
		"from_route": failed.ID,
		"reason":     reason,
		"retry":      pc.retryCount,
	}, now)

	s.logger.Info().
		Str("payment_id", payment.ID).
		Str("from_route", failed.ID).
		Str("to_route", route.ID).
		Int("retry", pc.retryCount).
		Msg("Payment failed over to new route")

	s.emit(domain.EventRouteFailover, pc, map[string]any{
		"from_route":   failed.ID,
		"to_route":     route.ID,
		"reason":       reason,
		"instructions": cloneInstructions(instructions),
	})
}

func (s *paymentService) failLocked(pc *paymentContext, reason string, now time.Time) {
	if !pc.transition(domain.PaymentStatusFailed, now) {
		return
	}
	pc.record("failed", map[string]any{"reason": reason}, now)

	s.totals.mu.Lock()
	s.totals.failed++
	s.totals.mu.Unlock()

	s.logger.Warn().
		Str("payment_id", pc.payment.ID).
		Strs("failed_routes", pc.payment.FailedRoutes).
		Str("reason", reason).
		Msg("Payment failed")

	s.emit(domain.EventPaymentFailed, pc, map[string]any{"reason": reason})
}

func (s *paymentService) expireLocked(pc *paymentContext, now time.Time) {
	if !pc.transition(domain.PaymentStatusExpired, now) {
		return
	}
	pc.record("expired", nil, now)

	s.totals.mu.Lock()
	s.totals.failed++
	s.totals.mu.Unlock()

	s.logger.Info().
		Str("payment_id", pc.payment.ID).
		Dur("age", now.Sub(pc.payment.CreatedAt)).
		Msg("Payment expired")

	s.emit(domain.EventPaymentExpired, pc, nil)
}

// evictTerminal drops finished payments from memory once their retention has
// passed and every listener has handled their events. They stay reachable
// through the repository, so nothing is evicted without one.
func (s *paymentService) evictTerminal() {
	if s.repo == nil {
		return
	}
	cutoff := s.now().UTC().Add(-s.config.Monitoring.RetainTerminal)

	var evict []string
	for _, pc := range s.contexts() {
		pc.mu.Lock()
		if pc.payment.Status.IsTerminal() && pc.payment.UpdatedAt.Before(cutoff) && pc.pending.Load() == 0 {
			evict = append(evict, pc.payment.ID)
		}
		pc.mu.Unlock()
	}
	if len(evict) == 0 {
		return
	}

	s.mu.Lock()
	for _, id := range evict {
		delete(s.payments, id)
	}
	s.mu.Unlock()

	s.logger.Debug().Int("count", len(evict)).Msg("Evicted finished payments")
}
