package routing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

const (
	weightSuccessRate = 0.35
	weightSettlement  = 0.25
	weightFees        = 0.20
	weightFeatures    = 0.10
	weightVolume      = 0.10

	featureInstantSettlement = "instant_settlement"
)

// MetricsSource supplies current route metrics to the evaluator.
type MetricsSource interface {
	GetRouteMetrics(ctx context.Context, id string) (domain.RouteMetrics, error)
}

// Evaluator scores a route's suitability for a payment on a 0-100 scale.
type Evaluator struct {
	metrics MetricsSource
	cfg     config.RoutingConfig
}

func NewEvaluator(metrics MetricsSource, cfg config.RoutingConfig) *Evaluator {
	return &Evaluator{metrics: metrics, cfg: cfg}
}

func (e *Evaluator) ScoreRoute(ctx context.Context, route *domain.PaymentRoute, payment *domain.Payment) (float64, error) {
	metrics, err := e.metrics.GetRouteMetrics(ctx, route.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load metrics for route %s: %w", route.ID, err)
	}
	return e.Score(route, payment, metrics), nil
}

// Score is the pure scoring function behind ScoreRoute.
func (e *Evaluator) Score(route *domain.PaymentRoute, payment *domain.Payment, metrics domain.RouteMetrics) float64 {
	amount := payment.Amount.InexactFloat64()

	score := successRateScore(metrics.SuccessRate)*weightSuccessRate +
		settlementScore(metrics.AverageSettlementTime)*weightSettlement +
		feeScore(route.EffectiveFeePercent(amount))*weightFees +
		e.featureScore(route, payment)*weightFeatures +
		volumeScore(metrics.TotalVolume)*weightVolume

	score += e.modifiers(route, payment, amount)

	return clamp(score, 0, 100)
}

// CompareRoutes returns whichever route scores higher; a tie keeps a.
func (e *Evaluator) CompareRoutes(ctx context.Context, a, b *domain.PaymentRoute, payment *domain.Payment) (*domain.PaymentRoute, error) {
	scoreA, err := e.ScoreRoute(ctx, a, payment)
	if err != nil {
		return nil, err
	}
	scoreB, err := e.ScoreRoute(ctx, b, payment)
	if err != nil {
		return nil, err
	}
	if scoreA >= scoreB {
		return a, nil
	}
	return b, nil
}

func (e *Evaluator) GetRouteRecommendationReason(ctx context.Context, route *domain.PaymentRoute, payment *domain.Payment) (string, error) {
	metrics, err := e.metrics.GetRouteMetrics(ctx, route.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load metrics for route %s: %w", route.ID, err)
	}

	var reasons []string
	if metrics.SuccessRate > 0.95 {
		reasons = append(reasons, "Excellent success rate")
	}
	if metrics.AverageSettlementTime < 900 {
		reasons = append(reasons, "Fast settlement (< 15 min)")
	}
	if route.EffectiveFeePercent(payment.Amount.InexactFloat64()) < 2 {
		reasons = append(reasons, "Low fees")
	}
	if e.isDomestic(payment) && route.ListsPaymentMethod(e.cfg.DomesticInstantMethod) {
		reasons = append(reasons, instantMethodLabel(e.cfg.DomesticInstantMethod)+" support")
	}

	if len(reasons) == 0 {
		return fmt.Sprintf("Score: %.0f/100", e.Score(route, payment, metrics)), nil
	}
	return strings.Join(reasons, ", "), nil
}

func successRateScore(rate float64) float64 {
	switch {
	case rate >= 0.95:
		return 100
	case rate >= 0.90:
		return 80
	case rate >= 0.80:
		return 60
	case rate >= 0.70:
		return 40
	default:
		return rate * 100 * 0.4
	}
}

func settlementScore(seconds float64) float64 {
	switch {
	case seconds < 300:
		return 100
	case seconds < 900:
		return 80
	case seconds < 1800:
		return 60
	case seconds < 3600:
		return 40
	default:
		return 20
	}
}

func feeScore(feePercent float64) float64 {
	switch {
	case feePercent < 1:
		return 100
	case feePercent < 2:
		return 80
	case feePercent < 3:
		return 60
	case feePercent < 4:
		return 40
	default:
		return math.Max(0, 100-feePercent*20)
	}
}

// featureScore is 0 when the route cannot carry the target crypto at all and
// loses 20 when it only does so through a wildcard.
func (e *Evaluator) featureScore(route *domain.PaymentRoute, payment *domain.Payment) float64 {
	if !route.SupportsCrypto(payment.CryptoCurrency) {
		return 0
	}

	score := 100.0
	if !route.ListsCrypto(payment.CryptoCurrency) {
		score -= 20
	}
	if e.isDomestic(payment) && route.ListsPaymentMethod(e.cfg.DomesticInstantMethod) {
		score += 10
	}
	if country := e.country(payment); country != "" && route.ListsCountry(country) {
		score += 10
	}
	if route.HasFeature(featureInstantSettlement) {
		score += 10
	}
	return math.Min(score, 100)
}

func volumeScore(volume int64) float64 {
	switch {
	case volume > 1000:
		return 100
	case volume > 500:
		return 80
	case volume > 100:
		return 60
	case volume > 50:
		return 40
	default:
		return float64(volume) / 50 * 40
	}
}

func (e *Evaluator) modifiers(route *domain.PaymentRoute, payment *domain.Payment, amount float64) float64 {
	bonus := 0.0

	switch route.Type {
	case domain.RouteTypeBlockchain:
		bonus += 5
	case domain.RouteTypeDEX:
		if amount > 500 {
			bonus += 5
		}
	case domain.RouteTypeSelfHosted:
		if payment.MetadataBool(domain.MetadataCryptoExperience) {
			bonus += 10
		}
	}
	if route.Type.IsMarketData() {
		bonus += 2
		if amount < 100 {
			bonus += 3
		}
	}
	if amount > 1000 && (route.Type == domain.RouteTypeBlockchain || route.Type == domain.RouteTypeDEX) {
		bonus += 5
	}
	if e.isDomestic(payment) && e.isLocalProvider(route.Provider) {
		bonus += 5
	}

	return bonus
}

func (e *Evaluator) isDomestic(payment *domain.Payment) bool {
	return strings.EqualFold(string(payment.Currency), e.cfg.DomesticCurrency)
}

func (e *Evaluator) isLocalProvider(provider string) bool {
	p := strings.ToLower(provider)
	for _, hint := range e.cfg.DomesticProviderHints {
		if hint != "" && strings.Contains(p, strings.ToLower(hint)) {
			return true
		}
	}
	return false
}

func (e *Evaluator) country(payment *domain.Payment) string {
	if c := payment.MetadataString(domain.MetadataCountry); c != "" {
		return strings.ToUpper(c)
	}
	return strings.ToUpper(e.cfg.FallbackCountry)
}

func instantMethodLabel(method string) string {
	if strings.EqualFold(method, "payid") {
		return "PayID"
	}
	return method
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
