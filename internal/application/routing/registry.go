package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/pkg/config"
)

const (
	metricsKeyPrefix      = "route_metrics:"
	availabilityKeyPrefix = "route_availability:"
	suspendedAtKeyPrefix  = "route_suspended_at:"
	volumeKeyPrefix       = "route_volume:"

	DefaultSuspension = 5 * time.Minute
)

// Criteria is the eligibility filter applied by GetRoutesForCriteria.
type Criteria struct {
	Amount        decimal.Decimal
	Currency      domain.FiatCurrency
	Country       string
	PaymentMethod string
}

type memoEntry struct {
	metrics   domain.RouteMetrics
	fetchedAt time.Time
}

// Registry holds the live routes and their runtime metrics. Metrics and
// suspension flags live in the shared store; an in-process memo fronts the
// metrics and is replaced whenever the store copy is at least as new.
type Registry struct {
	store  cache.Store
	cfg    config.RoutingConfig
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	routes []*domain.PaymentRoute
	byID   map[string]*domain.PaymentRoute

	memoMu sync.Mutex
	memo   map[string]memoEntry
}

func NewRegistry(catalog *Catalog, store cache.Store, cfg config.RoutingConfig, logger zerolog.Logger) *Registry {
	routes := catalog.Routes()
	byID := make(map[string]*domain.PaymentRoute, len(routes))
	for _, r := range routes {
		byID[r.ID] = r
	}

	return &Registry{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "route_registry").Logger(),
		now:    time.Now,
		routes: routes,
		byID:   byID,
		memo:   make(map[string]memoEntry),
	}
}

// AllRoutes returns every configured route, including inactive ones.
func (r *Registry) AllRoutes() []*domain.PaymentRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.PaymentRoute, len(r.routes))
	for i, route := range r.routes {
		out[i] = route.Clone()
	}
	return out
}

// GetActiveRoutes returns active, non-suspended routes in priority order.
func (r *Registry) GetActiveRoutes(ctx context.Context) ([]*domain.PaymentRoute, error) {
	r.mu.RLock()
	candidates := make([]*domain.PaymentRoute, 0, len(r.routes))
	for _, route := range r.routes {
		if route.Active {
			candidates = append(candidates, route.Clone())
		}
	}
	r.mu.RUnlock()

	active := make([]*domain.PaymentRoute, 0, len(candidates))
	for _, route := range candidates {
		available, err := r.checkRouteAvailability(ctx, route.ID)
		if err != nil {
			return nil, err
		}
		if available {
			active = append(active, route)
		}
	}
	return active, nil
}

func (r *Registry) GetRouteByID(id string) (*domain.PaymentRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return route.Clone(), true
}

func (r *Registry) GetRoutesByType(ctx context.Context, routeType domain.RouteType) ([]*domain.PaymentRoute, error) {
	active, err := r.GetActiveRoutes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.PaymentRoute, 0, len(active))
	for _, route := range active {
		if route.Type == routeType {
			out = append(out, route)
		}
	}
	return out, nil
}

// GetRoutesForCriteria returns active routes that admit the amount, currency,
// country and (when given) payment method, and still have volume headroom.
func (r *Registry) GetRoutesForCriteria(ctx context.Context, c Criteria) ([]*domain.PaymentRoute, error) {
	active, err := r.GetActiveRoutes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.PaymentRoute, 0, len(active))
	for _, route := range active {
		if !Eligible(route, c) {
			continue
		}
		ok, err := r.hasVolumeHeadroom(ctx, route, c.Amount)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.logger.Debug().Str("route_id", route.ID).Msg("Route volume cap reached")
			continue
		}
		out = append(out, route)
	}
	return out, nil
}

// Eligible applies the static eligibility rules to a single route.
func Eligible(route *domain.PaymentRoute, c Criteria) bool {
	if !route.AmountWithinLimits(c.Amount) {
		return false
	}
	if !route.SupportsCurrency(c.Currency) {
		return false
	}
	if !route.SupportsCountry(c.Country) {
		return false
	}
	if c.PaymentMethod != "" && !route.SupportsPaymentMethod(c.PaymentMethod) {
		return false
	}
	return true
}

// SetRouteActive toggles a route at runtime. It is the only route field that
// may change after start-up.
func (r *Registry) SetRouteActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, ok := r.byID[id]
	if !ok {
		return domain.NewNotFoundError("route", id)
	}
	route.Active = active
	r.logger.Info().Str("route_id", id).Bool("active", active).Msg("Route active flag changed")
	return nil
}

// GetRouteMetrics returns the memoised metrics, refreshing from the store
// once the memo entry is older than the configured memo TTL.
func (r *Registry) GetRouteMetrics(ctx context.Context, id string) (domain.RouteMetrics, error) {
	now := r.now()

	r.memoMu.Lock()
	entry, memoised := r.memo[id]
	r.memoMu.Unlock()

	if memoised && now.Sub(entry.fetchedAt) < r.cfg.MemoTTL {
		return entry.metrics.Clone(), nil
	}

	stored, found, err := r.loadMetrics(ctx, id)
	if err != nil {
		return domain.RouteMetrics{}, err
	}

	var metrics domain.RouteMetrics
	switch {
	case found && (!memoised || !stored.LastUpdated.Before(entry.metrics.LastUpdated)):
		metrics = stored
	case memoised:
		metrics = entry.metrics
	default:
		metrics = domain.DefaultRouteMetrics(id, now)
	}

	r.memoMu.Lock()
	r.memo[id] = memoEntry{metrics: metrics, fetchedAt: now}
	r.memoMu.Unlock()

	return metrics.Clone(), nil
}

// UpdateRouteMetrics records one attempt outcome with an atomic
// read-modify-write in the shared store and refreshes the memo.
func (r *Registry) UpdateRouteMetrics(ctx context.Context, id string, outcome domain.RouteOutcome) (domain.RouteMetrics, error) {
	now := r.now()
	window := int64(r.cfg.SuccessRateWindow)

	raw, err := r.store.Update(ctx, metricsKey(id), r.cfg.MetricsTTL, func(current []byte) ([]byte, error) {
		metrics := domain.DefaultRouteMetrics(id, now)
		if current != nil {
			if err := json.Unmarshal(current, &metrics); err != nil {
				return nil, fmt.Errorf("failed to decode metrics: %w", err)
			}
		}
		applyOutcome(&metrics, outcome, window, now)
		return json.Marshal(metrics)
	})
	if err != nil {
		return domain.RouteMetrics{}, domain.NewExternalServiceError("route metrics store", true,
			fmt.Errorf("failed to update metrics for route %s: %w", id, err))
	}

	var updated domain.RouteMetrics
	if err := json.Unmarshal(raw, &updated); err != nil {
		return domain.RouteMetrics{}, fmt.Errorf("failed to decode metrics for route %s: %w", id, err)
	}

	r.InvalidateMetrics(id)
	r.memoMu.Lock()
	r.memo[id] = memoEntry{metrics: updated, fetchedAt: now}
	r.memoMu.Unlock()

	r.logger.Debug().
		Str("route_id", id).
		Bool("success", outcome.Success).
		Float64("success_rate", updated.SuccessRate).
		Int64("total_volume", updated.TotalVolume).
		Msg("Route metrics updated")

	return updated.Clone(), nil
}

// InvalidateMetrics drops the memo entry so the next read goes to the store.
func (r *Registry) InvalidateMetrics(id string) {
	r.memoMu.Lock()
	delete(r.memo, id)
	r.memoMu.Unlock()
}

// applyOutcome folds one outcome into the running averages. The previous
// observation count is capped at window so recent outcomes keep their weight.
func applyOutcome(m *domain.RouteMetrics, outcome domain.RouteOutcome, window int64, now time.Time) {
	n := m.TotalVolume
	if window > 0 && n > window {
		n = window
	}
	prev := float64(n)

	result := 0.0
	if outcome.Success {
		result = 1.0
	}
	m.SuccessRate = (m.SuccessRate*prev + result) / (prev + 1)

	if outcome.Success && outcome.SettlementSeconds > 0 {
		m.AverageSettlementTime = (m.AverageSettlementTime*prev + outcome.SettlementSeconds) / (prev + 1)
	}

	if !outcome.Success {
		reason := outcome.FailureReason
		if reason == "" {
			reason = "unknown"
		}
		if m.FailureReasons == nil {
			m.FailureReasons = make(map[string]int)
		}
		m.FailureReasons[reason]++
	}

	m.TotalVolume++
	m.LastUpdated = now
}

// MarkRouteUnavailable suspends a route for d (five minutes when d <= 0).
func (r *Registry) MarkRouteUnavailable(ctx context.Context, id string, d time.Duration) error {
	if d <= 0 {
		d = DefaultSuspension
	}

	metrics, err := r.GetRouteMetrics(ctx, id)
	if err != nil {
		return err
	}
	return r.suspend(ctx, id, d, metrics)
}

func (r *Registry) suspend(ctx context.Context, id string, d time.Duration, metrics domain.RouteMetrics) error {
	if err := r.store.Set(ctx, availabilityKey(id), []byte("1"), d); err != nil {
		return domain.NewExternalServiceError("route availability store", true, err)
	}

	// Remember which metrics snapshot caused the suspension so the route
	// gets a fresh chance once the cooldown lapses.
	marker := []byte(strconv.FormatInt(metrics.LastUpdated.UnixNano(), 10))
	if err := r.store.Set(ctx, suspendedAtKey(id), marker, r.cfg.MetricsTTL); err != nil {
		return domain.NewExternalServiceError("route availability store", true, err)
	}

	r.logger.Warn().
		Str("route_id", id).
		Dur("cooldown", d).
		Float64("success_rate", metrics.SuccessRate).
		Int64("total_volume", metrics.TotalVolume).
		Msg("Route suspended")
	return nil
}

// IsSuspended reports whether the suspension flag is currently set.
func (r *Registry) IsSuspended(ctx context.Context, id string) (bool, error) {
	suspended, err := r.store.Exists(ctx, availabilityKey(id))
	if err != nil {
		return false, domain.NewExternalServiceError("route availability store", true, err)
	}
	return suspended, nil
}

// checkRouteAvailability returns false for suspended routes and suspends a
// route whose metrics breach the general rule.
func (r *Registry) checkRouteAvailability(ctx context.Context, id string) (bool, error) {
	suspended, err := r.IsSuspended(ctx, id)
	if err != nil {
		return false, err
	}
	if suspended {
		return false, nil
	}

	metrics, err := r.GetRouteMetrics(ctx, id)
	if err != nil {
		return false, err
	}
	if !breaches(metrics, r.cfg.Suspension) {
		return true, nil
	}

	fresh, err := r.hasNewOutcomesSinceSuspension(ctx, id, metrics)
	if err != nil {
		return false, err
	}
	if !fresh {
		return true, nil
	}

	if err := r.suspend(ctx, id, r.cfg.Suspension.Cooldown, metrics); err != nil {
		return false, err
	}
	return false, nil
}

func (r *Registry) hasNewOutcomesSinceSuspension(ctx context.Context, id string, metrics domain.RouteMetrics) (bool, error) {
	raw, err := r.store.Get(ctx, suspendedAtKey(id))
	if errors.Is(err, cache.ErrCacheMiss) {
		return true, nil
	}
	if err != nil {
		return false, domain.NewExternalServiceError("route availability store", true, err)
	}
	at, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return true, nil
	}
	return metrics.LastUpdated.UnixNano() > at, nil
}

// ApplyFailoverRule suspends the route under the stricter failover rule.
func (r *Registry) ApplyFailoverRule(ctx context.Context, id string, metrics domain.RouteMetrics) (bool, error) {
	if !breaches(metrics, r.cfg.FailoverSuspension) {
		return false, nil
	}
	if err := r.suspend(ctx, id, r.cfg.FailoverSuspension.Cooldown, metrics); err != nil {
		return false, err
	}
	return true, nil
}

func breaches(m domain.RouteMetrics, rule config.SuspensionRule) bool {
	return m.SuccessRate < rule.Threshold && m.TotalVolume >= rule.MinVolume
}

// RecordRouteVolume adds a settled amount to the route's daily and monthly totals.
func (r *Registry) RecordRouteVolume(ctx context.Context, id string, amount decimal.Decimal) error {
	now := r.now().UTC()
	value := amount.InexactFloat64()

	if _, err := r.store.IncrByFloat(ctx, dailyVolumeKey(id, now), value, 48*time.Hour); err != nil {
		return domain.NewExternalServiceError("route volume store", true, err)
	}
	if _, err := r.store.IncrByFloat(ctx, monthlyVolumeKey(id, now), value, 32*24*time.Hour); err != nil {
		return domain.NewExternalServiceError("route volume store", true, err)
	}
	return nil
}

func (r *Registry) hasVolumeHeadroom(ctx context.Context, route *domain.PaymentRoute, amount decimal.Decimal) (bool, error) {
	if route.Limits.DailyVolume <= 0 && route.Limits.MonthlyVolume <= 0 {
		return true, nil
	}
	now := r.now().UTC()
	value := amount.InexactFloat64()

	if route.Limits.DailyVolume > 0 {
		daily, err := r.store.GetFloat(ctx, dailyVolumeKey(route.ID, now))
		if err != nil {
			return false, domain.NewExternalServiceError("route volume store", true, err)
		}
		if daily+value > route.Limits.DailyVolume {
			return false, nil
		}
	}
	if route.Limits.MonthlyVolume > 0 {
		monthly, err := r.store.GetFloat(ctx, monthlyVolumeKey(route.ID, now))
		if err != nil {
			return false, domain.NewExternalServiceError("route volume store", true, err)
		}
		if monthly+value > route.Limits.MonthlyVolume {
			return false, nil
		}
	}
	return true, nil
}

func (r *Registry) loadMetrics(ctx context.Context, id string) (domain.RouteMetrics, bool, error) {
	raw, err := r.store.Get(ctx, metricsKey(id))
	if errors.Is(err, cache.ErrCacheMiss) {
		return domain.RouteMetrics{}, false, nil
	}
	if err != nil {
		return domain.RouteMetrics{}, false, domain.NewExternalServiceError("route metrics store", true, err)
	}

	var metrics domain.RouteMetrics
	if err := json.Unmarshal(raw, &metrics); err != nil {
		r.logger.Error().Err(err).Str("route_id", id).Msg("Discarding undecodable route metrics")
		return domain.RouteMetrics{}, false, nil
	}
	return metrics, true, nil
}

func metricsKey(id string) string      { return metricsKeyPrefix + id }
func availabilityKey(id string) string { return availabilityKeyPrefix + id }
func suspendedAtKey(id string) string  { return suspendedAtKeyPrefix + id }

func dailyVolumeKey(id string, t time.Time) string {
	return volumeKeyPrefix + id + ":d:" + t.Format("20060102")
}

func monthlyVolumeKey(id string, t time.Time) string {
	return volumeKeyPrefix + id + ":m:" + t.Format("200601")
}
