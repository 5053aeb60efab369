package routing

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

const (
	maxAlternatives = 2
	probeAmount     = 100
)

type scoredRoute struct {
	route *domain.PaymentRoute
	score float64
}

// Router picks the best eligible route for a payment and fails over to the
// next best one. Failed-route history lives on the payment itself; callers
// must hold the payment's lock while calling SelectRoute or Failover.
type Router struct {
	registry  *Registry
	evaluator *Evaluator
	cfg       config.RoutingConfig
	logger    zerolog.Logger
}

func NewRouter(registry *Registry, evaluator *Evaluator, cfg config.RoutingConfig, logger zerolog.Logger) *Router {
	return &Router{
		registry:  registry,
		evaluator: evaluator,
		cfg:       cfg,
		logger:    logger.With().Str("component", "smart_router").Logger(),
	}
}

func (r *Router) Registry() *Registry {
	return r.registry
}

func (r *Router) Evaluator() *Evaluator {
	return r.evaluator
}

// SelectRoute returns the highest scoring eligible route not yet failed for
// the payment. It fails with domain.ErrNoEligibleRoutes when nothing matches
// and domain.ErrRoutesExhausted when every match already failed.
func (r *Router) SelectRoute(ctx context.Context, payment *domain.Payment) (*domain.PaymentRoute, error) {
	ranked, err := r.rank(ctx, payment, true)
	if err != nil {
		return nil, err
	}

	selected := ranked[0]
	event := r.logger.Info().
		Str("payment_id", payment.ID).
		Str("route_id", selected.route.ID).
		Float64("score", selected.score).
		Int("candidates", len(ranked))
	alternatives := make([]string, 0, maxAlternatives)
	for _, alt := range ranked[1:] {
		if len(alternatives) == maxAlternatives {
			break
		}
		alternatives = append(alternatives, fmt.Sprintf("%s:%.1f", alt.route.ID, alt.score))
	}
	event.Strs("alternatives", alternatives).Msg("Route selection completed")

	return selected.route, nil
}

// rank filters and scores candidates, best first. When excludeFailed is set,
// routes in the payment's failed history are removed before scoring.
func (r *Router) rank(ctx context.Context, payment *domain.Payment, excludeFailed bool) ([]scoredRoute, error) {
	eligible, err := r.eligibleRoutes(ctx, payment, payment.MetadataString(domain.MetadataPaymentMethod))
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, domain.ErrNoEligibleRoutes
	}

	candidates := eligible
	if excludeFailed {
		candidates = make([]*domain.PaymentRoute, 0, len(eligible))
		for _, route := range eligible {
			if !payment.HasFailed(route.ID) {
				candidates = append(candidates, route)
			}
		}
		if len(candidates) == 0 {
			return nil, domain.ErrRoutesExhausted
		}
	}

	return r.scoreAll(ctx, candidates, payment)
}

func (r *Router) eligibleRoutes(ctx context.Context, payment *domain.Payment, method string) ([]*domain.PaymentRoute, error) {
	routes, err := r.registry.GetRoutesForCriteria(ctx, Criteria{
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Country:       r.countryOf(payment),
		PaymentMethod: method,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load eligible routes: %w", err)
	}

	out := routes[:0]
	for _, route := range routes {
		if payment.CryptoCurrency == "" || route.SupportsCrypto(payment.CryptoCurrency) {
			out = append(out, route)
		}
	}
	return out, nil
}

// scoreAll scores every candidate concurrently and sorts by score, keeping
// filter order for ties.
func (r *Router) scoreAll(ctx context.Context, candidates []*domain.PaymentRoute, payment *domain.Payment) ([]scoredRoute, error) {
	scored := make([]scoredRoute, len(candidates))
	errs := make([]error, len(candidates))

	var wg sync.WaitGroup
	for i, route := range candidates {
		wg.Add(1)
		go func(i int, route *domain.PaymentRoute) {
			defer wg.Done()
			score, err := r.evaluator.ScoreRoute(ctx, route, payment)
			scored[i] = scoredRoute{route: route, score: score}
			errs[i] = err
		}(i, route)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	return scored, nil
}

// Failover records failed against the payment, reports the failure to the
// registry, applies the failover suspension rule and selects the next route.
func (r *Router) Failover(ctx context.Context, payment *domain.Payment, failed *domain.PaymentRoute, reason string) (*domain.PaymentRoute, error) {
	if failed != nil {
		if !payment.HasFailed(failed.ID) {
			payment.FailedRoutes = append(payment.FailedRoutes, failed.ID)
		}

		metrics, err := r.registry.UpdateRouteMetrics(ctx, failed.ID, domain.RouteOutcome{
			Success:       false,
			FailureReason: reason,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record failure for route %s: %w", failed.ID, err)
		}

		if _, err := r.registry.ApplyFailoverRule(ctx, failed.ID, metrics); err != nil {
			return nil, err
		}

		r.logger.Warn().
			Str("payment_id", payment.ID).
			Str("failed_route", failed.ID).
			Str("reason", reason).
			Strs("failed_routes", payment.FailedRoutes).
			Msg("Route failed, selecting alternative")
	}

	return r.SelectRoute(ctx, payment)
}

func (r *Router) GetRouteRecommendation(ctx context.Context, payment *domain.Payment) (*domain.RouteRecommendation, error) {
	selected, err := r.SelectRoute(ctx, payment)
	if err != nil {
		return nil, err
	}
	reason, err := r.evaluator.GetRouteRecommendationReason(ctx, selected, payment)
	if err != nil {
		return nil, err
	}

	others, err := r.eligibleRoutes(ctx, payment, payment.MetadataString(domain.MetadataPaymentMethod))
	if err != nil {
		return nil, err
	}
	pool := make([]*domain.PaymentRoute, 0, len(others))
	for _, route := range others {
		if route.ID != selected.ID && !payment.HasFailed(route.ID) {
			pool = append(pool, route)
		}
	}
	ranked, err := r.scoreAll(ctx, pool, payment)
	if err != nil {
		return nil, err
	}

	alternatives := make([]domain.RouteAlternative, 0, maxAlternatives)
	for _, alt := range ranked {
		if len(alternatives) == maxAlternatives {
			break
		}
		altReason, err := r.evaluator.GetRouteRecommendationReason(ctx, alt.route, payment)
		if err != nil {
			return nil, err
		}
		alternatives = append(alternatives, domain.RouteAlternative{Route: alt.route, Reason: altReason})
	}

	return &domain.RouteRecommendation{
		Route:        selected,
		Reason:       reason,
		Alternatives: alternatives,
	}, nil
}

// ValidateRoute checks one route against a payment and reports the first
// violated rule.
func (r *Router) ValidateRoute(routeID string, payment *domain.Payment) domain.RouteValidation {
	route, ok := r.registry.GetRouteByID(routeID)
	if !ok {
		return invalid("Route not found")
	}
	if !route.Active {
		return invalid("Route is not active")
	}
	if payment.Amount.LessThan(decimal.NewFromFloat(route.Limits.MinAmount)) {
		return invalid(fmt.Sprintf("Amount below minimum (%s %s)", formatAmount(route.Limits.MinAmount), payment.Currency))
	}
	if payment.Amount.GreaterThan(decimal.NewFromFloat(route.Limits.MaxAmount)) {
		return invalid(fmt.Sprintf("Amount above maximum (%s %s)", formatAmount(route.Limits.MaxAmount), payment.Currency))
	}
	if !route.SupportsCurrency(payment.Currency) {
		return invalid("Currency not supported")
	}
	if payment.CryptoCurrency != "" && !route.SupportsCrypto(payment.CryptoCurrency) {
		return invalid("Crypto currency not supported")
	}
	return domain.RouteValidation{Valid: true}
}

// GetAvailableRoutes lists routes with fee and settlement estimates. Without
// a full amount/currency/country triple every active route is returned.
func (r *Router) GetAvailableRoutes(ctx context.Context, criteria domain.RouteCriteria) ([]domain.RouteAvailability, error) {
	var (
		routes []*domain.PaymentRoute
		err    error
	)
	if criteria.Amount != nil && criteria.Currency != "" && criteria.Country != "" {
		routes, err = r.registry.GetRoutesForCriteria(ctx, Criteria{
			Amount:   *criteria.Amount,
			Currency: criteria.Currency,
			Country:  strings.ToUpper(criteria.Country),
		})
	} else {
		routes, err = r.registry.GetActiveRoutes(ctx)
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.RouteAvailability, 0, len(routes))
	for _, route := range routes {
		metrics, err := r.registry.GetRouteMetrics(ctx, route.ID)
		if err != nil {
			return nil, err
		}

		fee := route.Fees.Percentage
		if criteria.Amount != nil {
			fee = route.Fees.Percentage*criteria.Amount.InexactFloat64()/100 + route.Fees.Fixed
		}

		out = append(out, domain.RouteAvailability{
			Route:                   route,
			Available:               true,
			EstimatedFee:            fee,
			EstimatedSettlementTime: metrics.AverageSettlementTime,
		})
	}
	return out, nil
}

// GetRouteStatistics reports formatted metrics per active route and whether
// the route would accept a domestic probe payment.
func (r *Router) GetRouteStatistics(ctx context.Context) ([]domain.RouteStatistic, error) {
	active, err := r.registry.GetActiveRoutes(ctx)
	if err != nil {
		return nil, err
	}

	probe, err := r.registry.GetRoutesForCriteria(ctx, Criteria{
		Amount:   decimal.NewFromInt(probeAmount),
		Currency: domain.FiatCurrency(r.cfg.DomesticCurrency),
		Country:  r.cfg.DomesticCountry,
	})
	if err != nil {
		return nil, err
	}
	available := make(map[string]bool, len(probe))
	for _, route := range probe {
		available[route.ID] = true
	}

	stats := make([]domain.RouteStatistic, 0, len(active))
	for _, route := range active {
		metrics, err := r.registry.GetRouteMetrics(ctx, route.ID)
		if err != nil {
			return nil, err
		}

		status := "unavailable"
		if available[route.ID] {
			status = "available"
		}

		stats = append(stats, domain.RouteStatistic{
			RouteID:  route.ID,
			Type:     route.Type,
			Provider: route.Provider,
			Metrics: domain.RouteStatisticMetrics{
				SuccessRate:       fmt.Sprintf("%.1f%%", metrics.SuccessRate*100),
				AvgSettlementTime: fmt.Sprintf("%d min", int(math.Round(metrics.AverageSettlementTime/60))),
				TotalVolume:       metrics.TotalVolume,
				LastUpdated:       metrics.LastUpdated,
			},
			Status: status,
		})
	}
	return stats, nil
}

func (r *Router) countryOf(payment *domain.Payment) string {
	if c := payment.MetadataString(domain.MetadataCountry); c != "" {
		return strings.ToUpper(c)
	}
	return strings.ToUpper(r.cfg.FallbackCountry)
}

func invalid(reason string) domain.RouteValidation {
	return domain.RouteValidation{Valid: false, Reason: reason}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
